// Drivetrain metrics definitions
//
// Copyright (C) 2026 Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package metrics

import (
	goruntime "runtime"
	"time"
)

// DrivetrainMetrics holds the metrics exported by the tankdrive host.
type DrivetrainMetrics struct {
	// Playback
	RunsTotal           *Counter
	RunDuration         *Histogram
	StreamingStartTicks *Histogram
	TimeoutsTotal       *Counter
	RunnerState         *Gauge

	// Channels
	ChannelCalls     *Counter
	ChannelBuffered  *Gauge
	ChannelUnderruns *Counter

	// Kinematics
	DegenerateSteps *Counter
	DecomposeTime   *Histogram

	// Safety
	EmergencyStops *Counter

	// Process
	HostUptime   *Gauge
	GoGoroutines *Gauge
	GoMemoryHeap *Gauge

	startTime time.Time
	registry  *Registry
}

// NewDrivetrainMetrics creates and registers all drivetrain metrics in a
// fresh registry.
func NewDrivetrainMetrics() *DrivetrainMetrics {
	dm := &DrivetrainMetrics{
		startTime: time.Now(),
		registry:  NewRegistry(),
	}

	dm.RunsTotal = NewCounter("tankdrive_runs_total",
		"Profile runs completed by outcome")
	dm.RunDuration = NewHistogram("tankdrive_run_duration_seconds",
		"Wall time from runner initialize to end", []float64{0.5, 1, 2, 5, 10, 20, 30, 60})
	dm.StreamingStartTicks = NewHistogram("tankdrive_streaming_start_ticks",
		"Control ticks spent waiting for both channel buffers", LinearBuckets(0, 5, 10))
	dm.TimeoutsTotal = NewCounter("tankdrive_timeouts_total",
		"Runs that ended on the timeout budget")
	dm.RunnerState = NewGauge("tankdrive_runner_state",
		"Current runner state (0=init, 1=waiting, 2=running, 3=done)")

	dm.ChannelCalls = NewCounter("tankdrive_channel_calls_total",
		"Channel operations by channel and call")
	dm.ChannelBuffered = NewGauge("tankdrive_channel_buffered_points",
		"Points buffered ahead of playback per channel")
	dm.ChannelUnderruns = NewCounter("tankdrive_channel_underruns_total",
		"Playback ticks that found the channel buffer empty")

	dm.DegenerateSteps = NewCounter("tankdrive_decompose_degenerate_steps_total",
		"Near-zero heading steps treated as straight")
	dm.DecomposeTime = NewHistogram("tankdrive_decompose_seconds",
		"Time spent decomposing wheel displacement series", DefaultBuckets())

	dm.EmergencyStops = NewCounter("tankdrive_emergency_stops_total",
		"Emergency stops by reason")

	dm.HostUptime = NewGauge("tankdrive_host_uptime_seconds",
		"Seconds since the host started")
	dm.GoGoroutines = NewGauge("tankdrive_go_goroutines",
		"Number of active goroutines")
	dm.GoMemoryHeap = NewGauge("tankdrive_go_memory_heap_bytes",
		"Go heap memory in use")

	for _, m := range []Metric{
		dm.RunsTotal, dm.RunDuration, dm.StreamingStartTicks, dm.TimeoutsTotal, dm.RunnerState,
		dm.ChannelCalls, dm.ChannelBuffered, dm.ChannelUnderruns,
		dm.DegenerateSteps, dm.DecomposeTime,
		dm.EmergencyStops,
		dm.HostUptime, dm.GoGoroutines, dm.GoMemoryHeap,
	} {
		dm.registry.MustRegister(m)
	}
	return dm
}

// RecordRun records a finished run.
func (dm *DrivetrainMetrics) RecordRun(outcome string, elapsed time.Duration, startTicks int) {
	dm.RunsTotal.Inc(Labels{"outcome": outcome})
	dm.RunDuration.Observe(nil, elapsed.Seconds())
	if startTicks >= 0 {
		dm.StreamingStartTicks.Observe(nil, float64(startTicks))
	}
	if outcome == "timeout" {
		dm.TimeoutsTotal.Inc(nil)
	}
}

// SetRunnerState publishes the runner state index.
func (dm *DrivetrainMetrics) SetRunnerState(state int) {
	dm.RunnerState.Set(nil, float64(state))
}

// RecordChannelCall counts one channel operation.
func (dm *DrivetrainMetrics) RecordChannelCall(channel, call string) {
	dm.ChannelCalls.Inc(Labels{"channel": channel, "call": call})
}

// SetChannelBuffered publishes a channel's buffered point count.
func (dm *DrivetrainMetrics) SetChannelBuffered(channel string, points int) {
	dm.ChannelBuffered.Set(Labels{"channel": channel}, float64(points))
}

// RecordUnderrun counts a playback starvation on channel.
func (dm *DrivetrainMetrics) RecordUnderrun(channel string) {
	dm.ChannelUnderruns.Inc(Labels{"channel": channel})
}

// RecordDecompose records one decomposition.
func (dm *DrivetrainMetrics) RecordDecompose(elapsed time.Duration, degenerate int) {
	dm.DecomposeTime.Observe(nil, elapsed.Seconds())
	if degenerate > 0 {
		dm.DegenerateSteps.Add(nil, uint64(degenerate))
	}
}

// RecordEmergencyStop counts an e-stop.
func (dm *DrivetrainMetrics) RecordEmergencyStop(reason string) {
	dm.EmergencyStops.Inc(Labels{"reason": reason})
}

// UpdateSystemMetrics refreshes process gauges.
func (dm *DrivetrainMetrics) UpdateSystemMetrics() {
	var m goruntime.MemStats
	goruntime.ReadMemStats(&m)
	dm.GoGoroutines.Set(nil, float64(goruntime.NumGoroutine()))
	dm.GoMemoryHeap.Set(nil, float64(m.HeapAlloc))
	dm.HostUptime.Set(nil, time.Since(dm.startTime).Seconds())
}

// Gather returns all metrics in Prometheus text format.
func (dm *DrivetrainMetrics) Gather() string {
	dm.UpdateSystemMetrics()
	return dm.registry.Gather()
}

// Registry returns the backing registry.
func (dm *DrivetrainMetrics) Registry() *Registry {
	return dm.registry
}
