// Simulated channel tests
//
// Copyright (C) 2026 Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package channel

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tankdrive-go/pkg/errors"
	"tankdrive-go/pkg/profile"
)

// uniform returns n points of dt seconds each at positions 1..n.
func uniform(t *testing.T, n int, dt float64) *profile.Profile {
	t.Helper()
	pts := make([]profile.Point, n)
	for i := range pts {
		pts[i] = profile.Point{Position: float64(i + 1), Velocity: 1, DT: dt}
	}
	p, err := profile.New(pts)
	require.NoError(t, err)
	return p
}

func TestSimLifecycle(t *testing.T) {
	s := NewSim("left", SimConfig{MinBufferedPoints: 3, FillRate: 100})
	assert.Equal(t, Idle, s.State())

	require.NoError(t, s.LoadProfile(uniform(t, 5, 0.01)))
	assert.Equal(t, Loaded, s.State())
	assert.False(t, s.IsFinished())

	assert.False(t, s.IsBufferReady())
	assert.Equal(t, WaitingForBuffer, s.State())

	err := s.StartStreaming()
	assert.ErrorIs(t, err, ErrBufferNotReady)

	s.Advance(20 * time.Millisecond) // 2 points
	assert.False(t, s.IsBufferReady())
	s.Advance(10 * time.Millisecond) // 3 points
	require.True(t, s.IsBufferReady())

	require.NoError(t, s.StartStreaming())
	assert.Equal(t, Running, s.State())
	sp, ok := s.Setpoint()
	require.True(t, ok)
	assert.Equal(t, 1.0, sp.Position)

	for i := 0; i < 5 && !s.IsFinished(); i++ {
		s.Advance(10 * time.Millisecond)
	}
	assert.True(t, s.IsFinished())
	assert.Equal(t, Finished, s.State())
	assert.Equal(t, 0, s.Remaining())
	assert.Zero(t, s.Underruns())
	sp, _ = s.Setpoint()
	assert.Equal(t, 5.0, sp.Position)

	require.NoError(t, s.HoldCurrentPosition())
	assert.True(t, s.Holding())
	assert.Equal(t, Idle, s.State())
	require.NoError(t, s.LoadProfile(uniform(t, 2, 0.01)))
	assert.False(t, s.Holding())
}

func TestSimLoadRejectedWhileStreaming(t *testing.T) {
	s := NewSim("left", SimConfig{MinBufferedPoints: 1, FillRate: 1000})
	require.NoError(t, s.LoadProfile(uniform(t, 3, 0.01)))
	require.NoError(t, s.LoadProfile(uniform(t, 4, 0.01)), "reload before start")
	s.Advance(10 * time.Millisecond)
	require.True(t, s.IsBufferReady())
	require.NoError(t, s.StartStreaming())

	err := s.LoadProfile(uniform(t, 2, 0.01))
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.True(t, errors.Is(err, errors.ErrChannelState))

	err = s.StartStreaming()
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestSimHoldAndDisableBeforeLoadAreNoOps(t *testing.T) {
	s := NewSim("right", SimConfig{})
	require.NoError(t, s.HoldCurrentPosition())
	require.NoError(t, s.DisableOutput())
	assert.False(t, s.Holding())
	assert.False(t, s.Disabled())
	assert.Equal(t, Idle, s.State())
}

func TestSimDisableDuringPlayback(t *testing.T) {
	s := NewSim("right", SimConfig{MinBufferedPoints: 2, FillRate: 1000})
	require.NoError(t, s.LoadProfile(uniform(t, 10, 0.01)))
	s.Advance(10 * time.Millisecond)
	require.True(t, s.IsBufferReady())
	require.NoError(t, s.StartStreaming())
	s.Advance(25 * time.Millisecond)

	require.NoError(t, s.DisableOutput())
	assert.True(t, s.Disabled())
	assert.False(t, s.Holding())
	assert.Equal(t, Idle, s.State())

	before, _ := s.Setpoint()
	s.Advance(100 * time.Millisecond)
	after, _ := s.Setpoint()
	assert.Equal(t, before, after, "playback continued after disable")
}

func TestSimEmptyProfile(t *testing.T) {
	s := NewSim("left", SimConfig{})
	require.NoError(t, s.LoadProfile(uniform(t, 0, 0.01)))
	assert.True(t, s.IsFinished(), "empty profile has nothing left to play")
	assert.True(t, s.IsBufferReady())
	require.NoError(t, s.StartStreaming())
	assert.Equal(t, Finished, s.State())

	_, ok := s.Setpoint()
	assert.False(t, ok)
	require.NoError(t, s.HoldCurrentPosition())
	assert.False(t, s.Holding(), "nothing to hold without a setpoint")
}

func TestSimVariableDT(t *testing.T) {
	p, err := profile.New([]profile.Point{
		{Position: 1, DT: 0.05},
		{Position: 2, DT: 0},
		{Position: 3, DT: 0.01},
	})
	require.NoError(t, err)

	s := NewSim("left", SimConfig{MinBufferedPoints: 3, FillRate: 1000})
	require.NoError(t, s.LoadProfile(p))
	s.Advance(5 * time.Millisecond)
	require.NoError(t, s.StartStreaming())

	s.Advance(40 * time.Millisecond)
	sp, _ := s.Setpoint()
	assert.Equal(t, 1.0, sp.Position)

	// Crossing 50ms plays point 1 and the zero-length point 2 together.
	s.Advance(15 * time.Millisecond)
	sp, _ = s.Setpoint()
	assert.Equal(t, 3.0, sp.Position)
	assert.False(t, s.IsFinished())

	s.Advance(10 * time.Millisecond)
	assert.True(t, s.IsFinished())
}

func TestSimUnderrun(t *testing.T) {
	var hooks int
	s := NewSim("left", SimConfig{MinBufferedPoints: 1, FillRate: 100, OnUnderrun: func() { hooks++ }})
	require.NoError(t, s.LoadProfile(uniform(t, 4, 0.001)))
	s.Advance(10 * time.Millisecond)
	require.True(t, s.IsBufferReady())
	require.NoError(t, s.StartStreaming())

	// Playback consumes far faster than the pump refills.
	s.Advance(10 * time.Millisecond)
	assert.Equal(t, 1, s.Underruns())
	assert.Equal(t, 1, hooks)
	assert.False(t, s.IsFinished())

	for i := 0; i < 10 && !s.IsFinished(); i++ {
		s.Advance(10 * time.Millisecond)
	}
	assert.True(t, s.IsFinished())
}

func TestSimFaults(t *testing.T) {
	s := NewSim("left", SimConfig{MinBufferedPoints: 1, FillRate: 1000})
	s.InjectFault(FaultNeverReady)
	require.NoError(t, s.LoadProfile(uniform(t, 2, 0.01)))
	s.Advance(time.Second)
	assert.False(t, s.IsBufferReady())
	assert.ErrorIs(t, s.StartStreaming(), ErrBufferNotReady)

	f := NewSim("right", SimConfig{MinBufferedPoints: 1, FillRate: 1000})
	f.InjectFault(FaultNeverFinish)
	require.NoError(t, f.LoadProfile(uniform(t, 1, 0.01)))
	f.Advance(10 * time.Millisecond)
	require.NoError(t, f.StartStreaming())
	f.Advance(time.Second)
	assert.Equal(t, Finished, f.State())
	assert.False(t, f.IsFinished())
}

func TestStateStrings(t *testing.T) {
	for s := Idle; s <= Finished; s++ {
		got, err := ParseState(s.String())
		require.NoError(t, err)
		assert.Equal(t, s, got)
	}
	_, err := ParseState("spinning")
	assert.Error(t, err)
	assert.Equal(t, "state(9)", State(9).String())
}
