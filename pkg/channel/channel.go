// Motion profile channel interface and states
//
// Copyright (C) 2026 Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

// Package channel defines the buffered playback device that executes one
// drivetrain side's motion profile, plus simulated and serial-link
// implementations.
package channel

import (
	stderrors "errors"
	"fmt"

	"tankdrive-go/pkg/errors"
	"tankdrive-go/pkg/profile"
)

// Channel is one side's buffered motion profile executor. Points are
// streamed into the device buffer by a background process the caller
// does not control, so IsBufferReady and IsFinished are non-blocking
// polls that may stay false indefinitely.
type Channel interface {
	// LoadProfile replaces any not-yet-started profile. Valid in Idle or
	// Loaded.
	LoadProfile(p *profile.Profile) error
	// IsBufferReady reports whether enough leading points are buffered to
	// play without starving.
	IsBufferReady() bool
	// StartStreaming begins autonomous playback. Valid only once the
	// buffer is ready.
	StartStreaming() error
	// IsFinished reports that no points remain to play.
	IsFinished() bool
	// HoldCurrentPosition servos at the last commanded setpoint. Valid in
	// any state; a no-op before any profile was loaded.
	HoldCurrentPosition() error
	// DisableOutput removes all commanded output. Valid in any state; a
	// no-op before any profile was loaded.
	DisableOutput() error
}

// Stater is implemented by channels that expose their state.
type Stater interface {
	State() State
}

// State is a channel's playback state.
type State int

const (
	Idle State = iota
	Loaded
	WaitingForBuffer
	Running
	Finished
)

var stateNames = [...]string{"idle", "loaded", "waiting_for_buffer", "running", "finished"}

func (s State) String() string {
	if int(s) < len(stateNames) && s >= 0 {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// ParseState is the inverse of State.String.
func ParseState(name string) (State, error) {
	for i, n := range stateNames {
		if n == name {
			return State(i), nil
		}
	}
	return Idle, fmt.Errorf("unknown channel state %q", name)
}

var (
	// ErrInvalidState is wrapped by errors for operations not allowed in
	// the channel's current state.
	ErrInvalidState = stderrors.New("invalid channel state")
	// ErrBufferNotReady is wrapped by StartStreaming when the buffer has
	// not reached its readiness threshold.
	ErrBufferNotReady = stderrors.New("channel buffer not ready")
)

func invalidState(op string, s State) error {
	e := errors.ChannelStateError(op, s.String())
	e.Err = ErrInvalidState
	return e
}

func bufferNotReady(buffered, need int) error {
	return errors.Wrap(ErrBufferNotReady, errors.ErrChannelState,
		fmt.Sprintf("start_streaming: %d of %d points buffered", buffered, need))
}

// readyThreshold is the number of points that must be buffered before a
// profile of length total can start.
func readyThreshold(minBuffered, total int) int {
	return min(minBuffered, total)
}
