// Timer reactor
//
// Copyright (C) 2026 Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

// Package reactor runs the control loop. Every timer callback executes on
// a single dispatch goroutine, so periodic work registered here (scheduler
// ticks, simulated buffer pumps, status polls) never runs concurrently with
// itself or with other timers.
package reactor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

const (
	NOW   = 0.0
	NEVER = 9999999999999999.0
)

var (
	ErrReactorClosed = errors.New("reactor: reactor closed")
	ErrQueueFull     = errors.New("reactor: async queue full")
)

// TimerCallback is called when a timer fires with the event time and
// returns the next wake time. Returning NEVER parks the timer.
type TimerCallback func(eventtime float64) float64

// Timer is a registered timer.
type Timer struct {
	id        uint64
	callback  TimerCallback
	waketime  float64
	isRunning bool
	mu        sync.Mutex
}

// Waketime returns the timer's current wake time.
func (t *Timer) Waketime() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.waketime
}

// Completion carries the result of a callback to a waiting goroutine.
type Completion struct {
	reactor *Reactor
	result  interface{}
	done    chan struct{}
	once    sync.Once
}

// Test returns true if the completion has a result.
func (c *Completion) Test() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Complete sets the result and wakes waiters. Later calls are ignored.
func (c *Completion) Complete(result interface{}) {
	c.once.Do(func() {
		c.result = result
		close(c.done)
	})
}

// Done is closed once the completion has a result.
func (c *Completion) Done() <-chan struct{} {
	return c.done
}

// Wait blocks until the completion is done, ctx ends or the reactor stops.
func (c *Completion) Wait(ctx context.Context) (interface{}, error) {
	select {
	case <-c.done:
		return c.result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.reactor.ctx.Done():
		select {
		case <-c.done:
			return c.result, nil
		default:
		}
		return nil, ErrReactorClosed
	}
}

// Reactor manages timers and cross-goroutine callbacks.
type Reactor struct {
	mu          sync.Mutex
	timers      []*Timer
	nextTimerID uint64
	nextWake    float64

	asyncQueue chan func()
	wake       chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	running atomic.Bool
	wg      sync.WaitGroup

	startTime time.Time
}

// New creates a stopped Reactor.
func New() *Reactor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Reactor{
		nextWake:   NEVER,
		asyncQueue: make(chan func(), 256),
		wake:       make(chan struct{}, 1),
		ctx:        ctx,
		cancel:     cancel,
		startTime:  time.Now(),
	}
}

// Monotonic returns seconds since the reactor was created.
func (r *Reactor) Monotonic() float64 {
	return time.Since(r.startTime).Seconds()
}

// RegisterTimer registers callback to fire at waketime.
func (r *Reactor) RegisterTimer(callback TimerCallback, waketime float64) *Timer {
	r.mu.Lock()
	timer := &Timer{
		id:       atomic.AddUint64(&r.nextTimerID, 1),
		callback: callback,
		waketime: waketime,
	}
	r.timers = append(r.timers, timer)
	if waketime < r.nextWake {
		r.nextWake = waketime
	}
	r.mu.Unlock()
	r.kick()
	return timer
}

// Every registers fn to run every period seconds starting now. The
// returned timer can be passed to UnregisterTimer.
func (r *Reactor) Every(period time.Duration, fn func(eventtime float64)) *Timer {
	step := period.Seconds()
	return r.RegisterTimer(func(eventtime float64) float64 {
		fn(eventtime)
		return eventtime + step
	}, NOW)
}

// UnregisterTimer removes a timer. It is safe to call from the timer's
// own callback.
func (r *Reactor) UnregisterTimer(timer *Timer) {
	r.mu.Lock()
	defer r.mu.Unlock()

	timer.mu.Lock()
	timer.waketime = NEVER
	timer.callback = nil
	timer.mu.Unlock()

	for i, t := range r.timers {
		if t.id == timer.id {
			r.timers = append(r.timers[:i], r.timers[i+1:]...)
			break
		}
	}
}

// UpdateTimer changes a timer's wake time. Updates made while the timer
// is running are overridden by the callback's return value.
func (r *Reactor) UpdateTimer(timer *Timer, waketime float64) {
	timer.mu.Lock()
	if timer.isRunning {
		timer.mu.Unlock()
		return
	}
	timer.waketime = waketime
	timer.mu.Unlock()

	r.mu.Lock()
	if waketime < r.nextWake {
		r.nextWake = waketime
	}
	r.mu.Unlock()
	r.kick()
}

// Completion creates a new Completion.
func (r *Reactor) Completion() *Completion {
	return &Completion{
		reactor: r,
		done:    make(chan struct{}),
	}
}

// RegisterCallback runs callback once at waketime on the dispatch
// goroutine and completes the returned Completion with its result.
func (r *Reactor) RegisterCallback(callback func(eventtime float64) interface{}, waketime float64) *Completion {
	completion := r.Completion()
	r.RegisterTimer(func(eventtime float64) float64 {
		completion.Complete(callback(eventtime))
		return NEVER
	}, waketime)
	return completion
}

// RegisterAsyncCallback queues callback from any goroutine to run on the
// dispatch goroutine as soon as possible.
func (r *Reactor) RegisterAsyncCallback(callback func(eventtime float64) interface{}) (*Completion, error) {
	if r.ctx.Err() != nil {
		return nil, ErrReactorClosed
	}
	completion := r.Completion()
	select {
	case r.asyncQueue <- func() {
		completion.Complete(callback(r.Monotonic()))
	}:
	default:
		return nil, ErrQueueFull
	}
	r.kick()
	return completion, nil
}

// Run starts the dispatch goroutine.
func (r *Reactor) Run() {
	if r.running.Swap(true) {
		return
	}
	r.wg.Add(1)
	go r.dispatchLoop()
}

// End signals the reactor to stop.
func (r *Reactor) End() {
	r.running.Store(false)
	r.cancel()
}

// Wait waits for the dispatch goroutine to exit.
func (r *Reactor) Wait() {
	r.wg.Wait()
}

func (r *Reactor) kick() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *Reactor) dispatchLoop() {
	defer r.wg.Done()

	for r.running.Load() {
		r.processAsyncCallbacks()
		timeout := r.checkTimers(r.Monotonic())
		if timeout <= 0 {
			continue
		}

		delay := time.Duration(timeout * float64(time.Second))
		if delay > time.Second {
			delay = time.Second
		}
		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-r.wake:
			t.Stop()
		case <-r.ctx.Done():
			t.Stop()
			return
		}
	}
}

func (r *Reactor) processAsyncCallbacks() {
	for {
		select {
		case fn := <-r.asyncQueue:
			fn()
		default:
			return
		}
	}
}

// checkTimers fires due timers and returns the delay until the next one.
func (r *Reactor) checkTimers(eventtime float64) float64 {
	r.mu.Lock()
	if eventtime < r.nextWake {
		delay := r.nextWake - eventtime
		r.mu.Unlock()
		return delay
	}
	timers := make([]*Timer, len(r.timers))
	copy(timers, r.timers)
	r.nextWake = NEVER
	r.mu.Unlock()

	for _, timer := range timers {
		timer.mu.Lock()
		cb := timer.callback
		if cb != nil && eventtime >= timer.waketime {
			timer.waketime = NEVER
			timer.isRunning = true
			timer.mu.Unlock()

			next := cb(eventtime)

			timer.mu.Lock()
			timer.isRunning = false
			if timer.callback != nil && next < timer.waketime {
				timer.waketime = next
			}
		}
		waketime := timer.waketime
		timer.mu.Unlock()

		r.mu.Lock()
		if waketime < r.nextWake {
			r.nextWake = waketime
		}
		r.mu.Unlock()
	}

	r.mu.Lock()
	delay := r.nextWake - eventtime
	r.mu.Unlock()
	if delay < 0 {
		delay = 0
	}
	return delay
}
