// Drivetrain host tests
//
// Copyright (C) 2026 Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package drivetrain

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tankdrive-go/pkg/channel"
	"tankdrive-go/pkg/config"
	"tankdrive-go/pkg/errors"
	"tankdrive-go/pkg/metrics"
	"tankdrive-go/pkg/profile"
	"tankdrive-go/pkg/runner"
	"tankdrive-go/pkg/safety"
	"tankdrive-go/pkg/scheduler"
)

func simConfig(fillRate float64, timeout time.Duration) *config.Drivetrain {
	ch := func(name string) config.ChannelConfig {
		return config.ChannelConfig{
			Name:              name,
			Backend:           config.BackendSim,
			MinBufferedPoints: 5,
			FillRate:          fillRate,
		}
	}
	return &config.Drivetrain{
		Wheelbase: 0.5,
		Runner:    config.RunnerConfig{Timeout: timeout, TickPeriod: 5 * time.Millisecond},
		Left:      ch("left"),
		Right:     ch("right"),
	}
}

func startDrivetrain(t *testing.T, cfg *config.Drivetrain) *Drivetrain {
	t.Helper()
	d, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, d.Start())
	t.Cleanup(func() { d.Close() })
	return d
}

func straight(t *testing.T, n int, step float64) *profile.Profile {
	t.Helper()
	pos := make([]float64, n)
	for i := range pos {
		pos[i] = float64(i) * step
	}
	p, err := profile.FromDisplacements(pos, 0.005)
	require.NoError(t, err)
	return p
}

func sim(t *testing.T, ch *channel.Instrumented) *channel.Sim {
	t.Helper()
	s, ok := ch.Unwrap().(*channel.Sim)
	require.True(t, ok)
	return s
}

func TestRunNormalFinish(t *testing.T) {
	cfg := simConfig(5000, 5*time.Second)
	cfg.History.Database = filepath.Join(t.TempDir(), "runs.db")
	d := startDrivetrain(t, cfg)

	res, err := d.Run(context.Background(), "straight", straight(t, 20, 0.01), straight(t, 20, 0.01))
	require.NoError(t, err)
	assert.Equal(t, runner.Done, res.State)
	assert.Equal(t, runner.NormalFinish, res.Outcome)
	assert.GreaterOrEqual(t, res.StartTick, 1)
	assert.NoError(t, res.Err)

	assert.True(t, sim(t, d.left).Holding())
	assert.True(t, sim(t, d.right).Holding())

	rec, err := d.History().Get(context.Background(), res.RunID)
	require.NoError(t, err)
	assert.Equal(t, "straight", rec.Profile)
	assert.Equal(t, 20, rec.Points)
	assert.Equal(t, "normal_finish", rec.Outcome)
	assert.NotNil(t, rec.FinishedAt)

	snap := d.Snapshot()
	require.NotNil(t, snap.Run)
	assert.Equal(t, res.RunID.String(), snap.Run.RunID)
	assert.Equal(t, "normal_finish", snap.Run.Outcome)
	assert.True(t, snap.Safety.IsOperational)
	assert.Len(t, snap.Channels, 2)

	m := d.Metrics()
	assert.Equal(t, uint64(1), m.RunsTotal.Get(metrics.Labels{"outcome": "normal_finish"}))
	assert.Equal(t, uint64(1), m.ChannelCalls.Get(metrics.Labels{"channel": "left", "call": "start_streaming"}))
}

func TestRunTimeoutHolds(t *testing.T) {
	d := startDrivetrain(t, simConfig(1, 100*time.Millisecond))

	res, err := d.Run(context.Background(), "slow", straight(t, 20, 0.01), straight(t, 20, 0.01))
	require.NoError(t, err)
	assert.Equal(t, runner.Timeout, res.Outcome)
	assert.Equal(t, -1, res.StartTick)
	assert.True(t, errors.Is(res.Err, errors.ErrExecutionTimeout))

	// Never started, so there is no setpoint to hold, but output stays on.
	assert.False(t, sim(t, d.left).Holding())
	assert.False(t, sim(t, d.left).Disabled())
	assert.Equal(t, channel.Idle, d.left.State())
}

func TestRunCancelledByContext(t *testing.T) {
	d := startDrivetrain(t, simConfig(1, 10*time.Second))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	res, err := d.Run(ctx, "cancel", straight(t, 20, 0.01), straight(t, 20, 0.01))
	assert.ErrorIs(t, err, scheduler.ErrInterrupted)
	assert.Equal(t, runner.Cancelled, res.Outcome)
	assert.True(t, sim(t, d.left).Disabled())
	assert.True(t, sim(t, d.right).Disabled())
}

func TestEmergencyStopCancelsRun(t *testing.T) {
	d := startDrivetrain(t, simConfig(1, time.Second))

	done := make(chan runner.Result, 1)
	go func() {
		res, _ := d.Run(context.Background(), "estop", straight(t, 20, 0.01), straight(t, 20, 0.01))
		done <- res
	}()

	require.Eventually(t, func() bool {
		snap := d.Snapshot()
		return snap.Run != nil && snap.Run.State == runner.WaitingToStart.String()
	}, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, d.EmergencyStop("bumper"))

	select {
	case res := <-done:
		assert.Equal(t, runner.Cancelled, res.Outcome)
	case <-time.After(2 * time.Second):
		t.Fatal("run did not end after emergency stop")
	}
	assert.True(t, sim(t, d.left).Disabled())
	assert.False(t, d.Snapshot().Safety.IsOperational)

	_, err := d.Run(context.Background(), "after", straight(t, 5, 0.01), straight(t, 5, 0.01))
	assert.Error(t, err)

	require.NoError(t, d.Reset())
	res, err := d.Run(context.Background(), "after reset", straight(t, 5, 0.01), straight(t, 5, 0.01))
	require.NoError(t, err)
	assert.Equal(t, runner.Timeout, res.Outcome)
}

func TestRunLoadFailure(t *testing.T) {
	d := startDrivetrain(t, simConfig(5000, time.Second))
	_, err := d.Run(context.Background(), "missing", straight(t, 5, 0.01), nil)
	assert.Error(t, err)
}

func TestDecomposeRecordsMetrics(t *testing.T) {
	cfg := simConfig(200, time.Second)
	d, err := New(cfg)
	require.NoError(t, err)
	defer d.Close()

	dec, err := d.Decompose([]float64{0, 1, 2}, []float64{0, 1, 2})
	require.NoError(t, err)
	assert.Len(t, dec.HeadingsDeg, 2)
	assert.Equal(t, 0.0, dec.HeadingsDeg[1])
	assert.Equal(t, uint64(1), d.Metrics().DecomposeTime.GetSnapshot(nil).Count)

	_, err = d.Decompose([]float64{0}, []float64{0, 1})
	assert.Error(t, err)
	assert.Equal(t, uint64(1), d.Metrics().DecomposeTime.GetSnapshot(nil).Count)
}

func TestNewRejectsBadGeometry(t *testing.T) {
	cfg := simConfig(200, time.Second)
	cfg.Wheelbase = 0
	_, err := New(cfg)
	assert.Error(t, err)
}

func TestStartTwice(t *testing.T) {
	d := startDrivetrain(t, simConfig(200, time.Second))
	assert.True(t, errors.IsRuntime(d.Start()))
}

func TestResetRearmsWatchdog(t *testing.T) {
	cfg := simConfig(5000, time.Second)
	cfg.Safety.WatchdogTimeout = 40 * time.Millisecond
	d := startDrivetrain(t, cfg)

	require.NoError(t, d.EmergencyStop("bumper"))
	require.NoError(t, d.Reset())
	require.True(t, d.Safety().IsOperational())

	// Stopping the reactor stops the heartbeat.
	d.reactor.End()
	d.reactor.Wait()
	assert.Eventually(t, func() bool { return !d.Safety().IsOperational() }, time.Second, 5*time.Millisecond)
	reason, _, _ := d.Safety().GetShutdownInfo()
	assert.Equal(t, safety.ReasonWatchdogTimeout, reason)
}
