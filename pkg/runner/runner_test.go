// Profile runner tests
//
// Copyright (C) 2026 Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package runner

import (
	stderrors "errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tankdrive-go/pkg/channel"
	"tankdrive-go/pkg/errors"
	"tankdrive-go/pkg/metrics"
	"tankdrive-go/pkg/profile"
	"tankdrive-go/pkg/timeutil"
)

// fakeChannel is a scripted channel that records every command it receives
// together with the tick it arrived on.
type fakeChannel struct {
	tick     *int
	ready    bool
	finished bool
	startErr error
	loadErr  error

	loads  int
	starts []int
	holds  []int
	disabl []int
}

func (f *fakeChannel) LoadProfile(p *profile.Profile) error {
	f.loads++
	if f.loadErr != nil {
		return f.loadErr
	}
	f.finished = p.Len() == 0
	return nil
}

func (f *fakeChannel) IsBufferReady() bool { return f.ready }

func (f *fakeChannel) StartStreaming() error {
	f.starts = append(f.starts, *f.tick)
	return f.startErr
}

func (f *fakeChannel) IsFinished() bool { return f.finished }

func (f *fakeChannel) HoldCurrentPosition() error {
	f.holds = append(f.holds, *f.tick)
	return nil
}

func (f *fakeChannel) DisableOutput() error {
	f.disabl = append(f.disabl, *f.tick)
	return nil
}

type harness struct {
	tick        int
	clock       *timeutil.MockClock
	left, right *fakeChannel
	r           *Runner
	events      []Event
}

func newHarness(t *testing.T, timeout time.Duration, opts ...Option) *harness {
	t.Helper()
	h := &harness{clock: timeutil.NewMockClock(time.Unix(1000, 0))}
	h.left = &fakeChannel{tick: &h.tick}
	h.right = &fakeChannel{tick: &h.tick}
	opts = append([]Option{
		WithClock(h.clock),
		WithEventHandler(func(e Event) { h.events = append(h.events, e) }),
	}, opts...)
	r, err := New(h.left, h.right, Config{Timeout: timeout}, opts...)
	require.NoError(t, err)
	h.r = r
	return h
}

// step runs one scheduler tick and reports whether the runner finished.
func (h *harness) step(d time.Duration) bool {
	h.tick++
	h.clock.Advance(d)
	h.r.Execute()
	return h.r.IsFinished()
}

func (h *harness) kinds() []EventKind {
	var k []EventKind
	for _, e := range h.events {
		k = append(k, e.Kind)
	}
	return k
}

func TestNewValidation(t *testing.T) {
	ch := &fakeChannel{tick: new(int)}
	tests := []struct {
		name        string
		left, right channel.Channel
		timeout     time.Duration
	}{
		{"nil left", nil, ch, time.Second},
		{"nil right", ch, nil, time.Second},
		{"zero timeout", ch, ch, 0},
		{"negative timeout", ch, ch, -time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.left, tt.right, Config{Timeout: tt.timeout})
			require.Error(t, err)
			assert.True(t, errors.IsConfig(err), "got %v", err)
		})
	}
}

func TestSameTickStartAndSingleHold(t *testing.T) {
	h := newHarness(t, 10*time.Second)
	require.NoError(t, h.r.Initialize())
	assert.Equal(t, WaitingToStart, h.r.State())

	for i := 0; i < 3; i++ {
		assert.False(t, h.step(20*time.Millisecond))
	}
	assert.Empty(t, h.left.starts)

	h.left.ready, h.right.ready = true, true
	assert.False(t, h.step(20*time.Millisecond))
	assert.Equal(t, []int{4}, h.left.starts)
	assert.Equal(t, []int{4}, h.right.starts)
	assert.Equal(t, Running, h.r.State())

	for i := 0; i < 5; i++ {
		assert.False(t, h.step(20*time.Millisecond))
	}
	assert.Len(t, h.left.starts, 1, "running ticks must not restart")

	h.left.finished, h.right.finished = true, true
	require.True(t, h.step(20*time.Millisecond))
	require.NoError(t, h.r.End(false))

	assert.Equal(t, []int{10}, h.left.holds)
	assert.Equal(t, []int{10}, h.right.holds)
	assert.Empty(t, h.left.disabl)
	assert.Empty(t, h.right.disabl)

	res := h.r.Result()
	assert.Equal(t, NormalFinish, res.Outcome)
	assert.Equal(t, Done, res.State)
	assert.Equal(t, 4, res.StartTick)
	assert.Equal(t, 10, res.Ticks)
	assert.Equal(t, 200*time.Millisecond, res.Elapsed)
	assert.NoError(t, res.Err)
	assert.Equal(t, []EventKind{EventStarted, EventStreamingStarted, EventFinished}, h.kinds())

	// Repeated queries and a late End change nothing.
	assert.True(t, h.r.IsFinished())
	require.NoError(t, h.r.End(true))
	assert.Len(t, h.left.holds, 1)
}

func TestOneSideFinishingIsNotEnough(t *testing.T) {
	h := newHarness(t, 10*time.Second)
	require.NoError(t, h.r.Initialize())
	h.left.ready, h.right.ready = true, true
	h.step(time.Millisecond)

	h.left.finished = true
	for i := 0; i < 5; i++ {
		assert.False(t, h.step(time.Millisecond))
	}
	assert.Empty(t, h.left.holds)
}

func TestStartingFinishedGuard(t *testing.T) {
	h := newHarness(t, time.Second)
	h.left.finished, h.right.finished = true, true
	h.left.ready, h.right.ready = true, true
	require.NoError(t, h.r.Initialize())

	for i := 0; i < 10; i++ {
		assert.False(t, h.step(10*time.Millisecond), "tick %d", h.tick)
	}
	assert.Empty(t, h.left.starts, "exhausted profiles must not start")
	assert.Empty(t, h.left.holds)
	assert.Equal(t, WaitingToStart, h.r.State())

	// New data arrives: the guard clears and the run proceeds.
	h.left.finished, h.right.finished = false, false
	assert.False(t, h.step(10*time.Millisecond))
	assert.Equal(t, []int{11}, h.left.starts)
	assert.Equal(t, []int{11}, h.right.starts)
	h.left.finished, h.right.finished = true, true
	assert.True(t, h.step(10*time.Millisecond))
	assert.Equal(t, NormalFinish, h.r.Result().Outcome)
}

func TestStartingFinishedGuardTimesOut(t *testing.T) {
	h := newHarness(t, 100*time.Millisecond)
	empty, err := profile.New(nil)
	require.NoError(t, err)
	h.r, err = New(h.left, h.right, Config{Timeout: 100 * time.Millisecond},
		WithClock(h.clock), WithProfiles(empty, empty))
	require.NoError(t, err)
	h.left.ready, h.right.ready = true, true

	require.NoError(t, h.r.Initialize())
	assert.Equal(t, 1, h.left.loads)

	finished := false
	for i := 0; i < 20 && !finished; i++ {
		finished = h.step(10 * time.Millisecond)
	}
	require.True(t, finished)
	require.NoError(t, h.r.End(false))
	assert.Empty(t, h.left.starts)
	assert.Equal(t, Timeout, h.r.Result().Outcome)
	assert.Len(t, h.left.holds, 1)
	assert.Len(t, h.right.holds, 1)
}

func TestTimeoutHoldsAndReportsDesync(t *testing.T) {
	dm := metrics.NewDrivetrainMetrics()
	h := newHarness(t, 100*time.Millisecond, WithMetrics(dm))
	require.NoError(t, h.r.Initialize())
	h.right.ready = true

	finished := false
	for i := 0; i < 20 && !finished; i++ {
		finished = h.step(20 * time.Millisecond)
	}
	require.True(t, finished)
	assert.Equal(t, 6, h.tick, "timeout fires once elapsed exceeds the budget")

	require.NoError(t, h.r.End(false), "timeout is not an error to the caller")
	assert.Equal(t, []int{6}, h.left.holds)
	assert.Equal(t, []int{6}, h.right.holds)
	assert.Empty(t, h.left.disabl)
	assert.Empty(t, h.left.starts)

	res := h.r.Result()
	assert.Equal(t, Timeout, res.Outcome)
	assert.Equal(t, -1, res.StartTick)
	assert.True(t, errors.Is(res.Err, errors.ErrExecutionTimeout))
	assert.True(t, errors.Is(res.Err, errors.ErrChannelDesync))
	assert.Contains(t, res.Err.Error(), "right")
	assert.Equal(t, []EventKind{EventStarted, EventTimeout, EventFinished}, h.kinds())
	assert.True(t, errors.Is(h.events[1].Err, errors.ErrChannelDesync))

	assert.Equal(t, uint64(1), dm.TimeoutsTotal.Get(nil))
	assert.Equal(t, uint64(1), dm.RunsTotal.Get(metrics.Labels{"outcome": "timeout"}))
	assert.Equal(t, float64(Done), dm.RunnerState.Get(nil))
}

func TestTimeoutWhileRunningHasNoDesync(t *testing.T) {
	h := newHarness(t, 50*time.Millisecond)
	require.NoError(t, h.r.Initialize())
	h.left.ready, h.right.ready = true, true
	h.step(10 * time.Millisecond)

	for !h.step(10 * time.Millisecond) {
	}
	res := h.r.Result()
	assert.Equal(t, Timeout, res.Outcome)
	assert.True(t, errors.Is(res.Err, errors.ErrExecutionTimeout))
	assert.False(t, errors.Is(res.Err, errors.ErrChannelDesync))
	assert.Len(t, h.left.holds, 1)
}

func TestCancelDisables(t *testing.T) {
	h := newHarness(t, 10*time.Second)
	require.NoError(t, h.r.Initialize())
	h.left.ready, h.right.ready = true, true
	h.step(10 * time.Millisecond)
	h.step(10 * time.Millisecond)

	h.tick++
	h.r.Cancel()
	assert.Equal(t, []int{3}, h.left.disabl, "cancel shuts down immediately")
	assert.Equal(t, []int{3}, h.right.disabl)
	assert.Empty(t, h.left.holds)

	h.left.finished, h.right.finished = true, true
	assert.True(t, h.step(10*time.Millisecond))
	require.NoError(t, h.r.End(true))
	assert.Len(t, h.left.disabl, 1)
	assert.Len(t, h.left.starts, 1)

	res := h.r.Result()
	assert.Equal(t, Cancelled, res.Outcome)
	assert.True(t, errors.Is(res.Err, errors.ErrInterrupted))
}

func TestCancelWhileWaitingStopsStart(t *testing.T) {
	h := newHarness(t, 10*time.Second)
	require.NoError(t, h.r.Initialize())
	h.step(10 * time.Millisecond)
	h.r.Cancel()

	h.left.ready, h.right.ready = true, true
	h.step(10 * time.Millisecond)
	assert.Empty(t, h.left.starts)
	assert.Empty(t, h.right.starts)
	assert.Len(t, h.left.disabl, 1)
}

func TestEndInterruptedCancels(t *testing.T) {
	h := newHarness(t, 10*time.Second)
	require.NoError(t, h.r.Initialize())
	h.left.ready, h.right.ready = true, true
	h.step(10 * time.Millisecond)

	require.NoError(t, h.r.End(true))
	assert.Len(t, h.left.disabl, 1)
	assert.Len(t, h.right.disabl, 1)
	assert.Empty(t, h.left.holds)
	assert.Equal(t, Cancelled, h.r.Result().Outcome)
}

func TestCancelBeforeInitializeTouchesNothing(t *testing.T) {
	h := newHarness(t, time.Second)
	h.r.Cancel()
	assert.Equal(t, Done, h.r.State())
	assert.Empty(t, h.left.disabl)
	assert.True(t, h.r.IsFinished())
	assert.Error(t, h.r.Initialize())
}

func TestStartFailureDisablesBoth(t *testing.T) {
	h := newHarness(t, 10*time.Second)
	h.right.startErr = stderrors.New("bus fault")
	require.NoError(t, h.r.Initialize())
	h.left.ready, h.right.ready = true, true

	assert.True(t, h.step(10*time.Millisecond))
	assert.Len(t, h.left.starts, 1)
	assert.Len(t, h.left.disabl, 1, "left already started; it must be stopped")
	assert.Len(t, h.right.disabl, 1)
	assert.Empty(t, h.left.holds)

	err := h.r.End(false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bus fault")
	assert.Equal(t, Failed, h.r.Result().Outcome)
	assert.Equal(t, -1, h.r.Result().StartTick)
}

func TestLeftStartFailureDoesNotStartRight(t *testing.T) {
	h := newHarness(t, 10*time.Second)
	h.left.startErr = stderrors.New("rejected")
	require.NoError(t, h.r.Initialize())
	h.left.ready, h.right.ready = true, true
	h.step(10 * time.Millisecond)
	assert.Empty(t, h.right.starts)
	assert.Len(t, h.right.disabl, 1)
}

func TestLoadFailureDuringInitialize(t *testing.T) {
	h := newHarness(t, time.Second)
	p, err := profile.New([]profile.Point{{Position: 1, DT: 0.01}})
	require.NoError(t, err)
	h.right.loadErr = stderrors.New("busy")
	h.r, err = New(h.left, h.right, Config{Timeout: time.Second}, WithClock(h.clock), WithProfiles(p, p))
	require.NoError(t, err)

	err = h.r.Initialize()
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrChannelState))
	assert.True(t, h.r.IsFinished())
	assert.Equal(t, Failed, h.r.Result().Outcome)
	assert.Len(t, h.left.disabl, 1)
}

func TestInitializeTwiceRejected(t *testing.T) {
	h := newHarness(t, time.Second)
	require.NoError(t, h.r.Initialize())
	err := h.r.Initialize()
	require.Error(t, err)
	assert.True(t, errors.IsRuntime(err))
	assert.Equal(t, 1, len(h.events))
}

func TestRunIDPropagates(t *testing.T) {
	id := uuid.MustParse("7b1d6d1e-9a0b-4a53-9cf6-2f7d1c1f0a11")
	h := newHarness(t, time.Second, WithRunID(id))
	require.NoError(t, h.r.Initialize())
	assert.Equal(t, id, h.r.ID())
	assert.Equal(t, id, h.events[0].RunID)
	assert.Equal(t, id, h.r.Result().RunID)
}

func TestRunnerWithSimulatedChannels(t *testing.T) {
	pts := make([]profile.Point, 20)
	for i := range pts {
		pts[i] = profile.Point{Position: float64(i), Velocity: 1, DT: 0.01}
	}
	p, err := profile.New(pts)
	require.NoError(t, err)

	left := channel.NewSim("left", channel.SimConfig{MinBufferedPoints: 5, FillRate: 250})
	right := channel.NewSim("right", channel.SimConfig{MinBufferedPoints: 5, FillRate: 100})
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	r, err := New(left, right, Config{Timeout: 2 * time.Second}, WithClock(clock), WithProfiles(p, p))
	require.NoError(t, err)
	require.NoError(t, r.Initialize())

	const period = 10 * time.Millisecond
	finished := false
	for i := 0; i < 200 && !finished; i++ {
		left.Advance(period)
		right.Advance(period)
		clock.Advance(period)
		r.Execute()
		finished = r.IsFinished()
	}
	require.True(t, finished)
	require.NoError(t, r.End(false))

	res := r.Result()
	assert.Equal(t, NormalFinish, res.Outcome)
	assert.Equal(t, 5, res.StartTick, "slower side gates the start")
	assert.True(t, left.Holding())
	assert.True(t, right.Holding())
	lsp, _ := left.Setpoint()
	rsp, _ := right.Setpoint()
	assert.Equal(t, lsp, rsp, "both sides end on the same point")
}

func TestStrings(t *testing.T) {
	assert.Equal(t, "waiting_to_start", WaitingToStart.String())
	assert.Equal(t, "normal_finish", NormalFinish.String())
	assert.Equal(t, "streaming_started", EventStreamingStarted.String())
	assert.Equal(t, "unknown", Outcome(42).String())
}
