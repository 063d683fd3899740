// Simulated buffered motion profile channel
//
// Copyright (C) 2026 Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package channel

import (
	"sync"
	"time"

	"tankdrive-go/pkg/log"
	"tankdrive-go/pkg/profile"
	"tankdrive-go/pkg/reactor"
)

// Fault selects injected misbehavior on a Sim.
type Fault int

const (
	// FaultNeverReady keeps IsBufferReady false.
	FaultNeverReady Fault = 1 << iota
	// FaultNeverFinish keeps IsFinished false.
	FaultNeverFinish
)

// SimConfig configures a simulated channel.
type SimConfig struct {
	// MinBufferedPoints is the readiness threshold. Default 10.
	MinBufferedPoints int
	// FillRate is how many points per second move into the device
	// buffer. Default 200.
	FillRate float64
	// OnUnderrun is called, without the channel lock held, each time
	// playback finds the next point not yet buffered.
	OnUnderrun func()
}

func (c SimConfig) withDefaults() SimConfig {
	if c.MinBufferedPoints <= 0 {
		c.MinBufferedPoints = 10
	}
	if c.FillRate <= 0 {
		c.FillRate = 200
	}
	return c
}

// Sim is an in-process Channel. Time only passes through Advance, so
// tests control buffering and playback exactly; Attach drives it from a
// reactor for live use.
type Sim struct {
	mu     sync.Mutex
	name   string
	cfg    SimConfig
	logger *log.Logger

	state      State
	prof       *profile.Profile
	everLoaded bool
	buffered   int
	fillCarry  float64
	played     int
	pointTime  float64
	underruns  int

	setpoint    profile.Point
	hasSetpoint bool
	holding     bool
	disabled    bool

	faults    Fault
	lastEvent float64
}

// NewSim returns an idle simulated channel.
func NewSim(name string, cfg SimConfig) *Sim {
	return &Sim{
		name:   name,
		cfg:    cfg.withDefaults(),
		logger: log.GetLogger("channel." + name),
	}
}

// Name returns the channel name.
func (s *Sim) Name() string { return s.name }

// InjectFault enables the given faults in addition to any already set.
func (s *Sim) InjectFault(f Fault) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults |= f
}

// State returns the playback state.
func (s *Sim) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LoadProfile implements Channel.
func (s *Sim) LoadProfile(p *profile.Profile) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != Idle && s.state != Loaded {
		return invalidState("load_profile", s.state)
	}
	s.prof = p
	s.everLoaded = true
	s.buffered = 0
	s.fillCarry = 0
	s.played = 0
	s.pointTime = 0
	s.holding = false
	s.disabled = false
	s.state = Loaded
	s.logger.Debug("loaded %d points (%.3fs)", p.Len(), p.Duration())
	return nil
}

// IsBufferReady implements Channel. Polling before the threshold is
// reached moves a Loaded channel to WaitingForBuffer.
func (s *Sim) IsBufferReady() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.faults&FaultNeverReady != 0 {
		if s.state == Loaded {
			s.state = WaitingForBuffer
		}
		return false
	}
	switch s.state {
	case Loaded, WaitingForBuffer:
		if s.buffered >= readyThreshold(s.cfg.MinBufferedPoints, s.prof.Len()) {
			return true
		}
		s.state = WaitingForBuffer
		return false
	case Running, Finished:
		return true
	}
	return false
}

// StartStreaming implements Channel.
func (s *Sim) StartStreaming() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != Loaded && s.state != WaitingForBuffer {
		return invalidState("start_streaming", s.state)
	}
	need := readyThreshold(s.cfg.MinBufferedPoints, s.prof.Len())
	if s.faults&FaultNeverReady != 0 || s.buffered < need {
		return bufferNotReady(s.buffered, need)
	}
	s.state = Running
	s.pointTime = 0
	if s.prof.Len() == 0 {
		s.state = Finished
		return nil
	}
	s.command(s.prof.At(0))
	s.logger.Debug("streaming started with %d/%d points buffered", s.buffered, s.prof.Len())
	return nil
}

// IsFinished implements Channel.
func (s *Sim) IsFinished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.faults&FaultNeverFinish != 0 {
		return false
	}
	return s.state == Finished || (s.state != Running && s.remaining() == 0)
}

// HoldCurrentPosition implements Channel.
func (s *Sim) HoldCurrentPosition() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.everLoaded {
		return nil
	}
	s.stop()
	s.holding = s.hasSetpoint
	s.disabled = false
	s.logger.Debug("holding at position %g", s.setpoint.Position)
	return nil
}

// DisableOutput implements Channel.
func (s *Sim) DisableOutput() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.everLoaded {
		return nil
	}
	s.stop()
	s.holding = false
	s.disabled = true
	s.logger.Debug("output disabled")
	return nil
}

// stop ends playback and drops the profile. The last setpoint is kept
// for holding.
func (s *Sim) stop() {
	s.state = Idle
	s.prof = nil
	s.buffered = 0
	s.played = 0
	s.pointTime = 0
}

func (s *Sim) command(p profile.Point) {
	s.setpoint = p
	s.hasSetpoint = true
}

func (s *Sim) remaining() int {
	return s.prof.Len() - s.played
}

// Advance moves simulated time forward by d: the buffer pump fills, then
// a running channel plays points whose DT has elapsed.
func (s *Sim) Advance(d time.Duration) {
	underruns := s.advance(d.Seconds())
	if s.cfg.OnUnderrun != nil {
		for i := 0; i < underruns; i++ {
			s.cfg.OnUnderrun()
		}
	}
}

func (s *Sim) advance(dt float64) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.prof == nil || dt <= 0 {
		return 0
	}
	if s.buffered < s.prof.Len() {
		s.fillCarry += s.cfg.FillRate * dt
		n := int(s.fillCarry)
		s.fillCarry -= float64(n)
		s.buffered = min(s.prof.Len(), s.buffered+n)
	}
	if s.state != Running {
		return 0
	}

	underruns := 0
	s.pointTime += dt
	for s.played < s.prof.Len() {
		if s.played >= s.buffered {
			underruns++
			s.underruns++
			s.pointTime = 0
			s.logger.Warn("buffer underrun at point %d of %d", s.played, s.prof.Len())
			break
		}
		pt := s.prof.At(s.played)
		s.command(pt)
		if s.pointTime < pt.DT {
			break
		}
		s.pointTime -= pt.DT
		s.played++
	}
	if s.played == s.prof.Len() {
		s.state = Finished
	}
	return underruns
}

// Attach drives Advance from a reactor timer every period, using the
// reactor's event times to measure elapsed time.
func (s *Sim) Attach(r *reactor.Reactor, period time.Duration) *reactor.Timer {
	s.mu.Lock()
	s.lastEvent = -1
	s.mu.Unlock()
	return r.Every(period, func(eventtime float64) {
		s.mu.Lock()
		last := s.lastEvent
		s.lastEvent = eventtime
		s.mu.Unlock()
		if last >= 0 {
			s.Advance(time.Duration((eventtime - last) * float64(time.Second)))
		}
	})
}

// Buffered returns the number of points in the device buffer that have
// not yet played.
func (s *Sim) Buffered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buffered - s.played
}

// Remaining returns the number of points left to play.
func (s *Sim) Remaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remaining()
}

// Underruns returns how many times playback starved.
func (s *Sim) Underruns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.underruns
}

// Setpoint returns the last commanded point, if any.
func (s *Sim) Setpoint() (profile.Point, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setpoint, s.hasSetpoint
}

// Holding reports whether the channel is servoing at its last setpoint.
func (s *Sim) Holding() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.holding
}

// Disabled reports whether output was removed.
func (s *Sim) Disabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disabled
}
