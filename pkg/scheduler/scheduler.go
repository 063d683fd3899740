// Command scheduler
//
// Copyright (C) 2026 Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

// Package scheduler runs commands on a fixed control tick and serializes
// access to drivetrain resources. A command declares the resources it
// needs when scheduled; scheduling one that conflicts interrupts the
// current owner.
package scheduler

import (
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"tankdrive-go/pkg/errors"
	"tankdrive-go/pkg/log"
	"tankdrive-go/pkg/reactor"
)

// Command is a unit of work driven by the scheduler tick. Initialize is
// called once when scheduled, Execute and IsFinished once per tick, and
// End exactly once, with interrupted set when the command did not finish
// on its own.
type Command interface {
	Initialize() error
	Execute()
	IsFinished() bool
	End(interrupted bool) error
}

// ErrInterrupted is reported by Handle.Err for commands that were
// cancelled or displaced by another command.
var ErrInterrupted = stderrors.New("command interrupted")

// Handle tracks a scheduled command.
type Handle struct {
	name     string
	cmd      Command
	requires []string

	done        chan struct{}
	err         error
	interrupted bool
}

// Name returns the name the command was scheduled under.
func (h *Handle) Name() string { return h.name }

// Requirements returns the resources the command owns.
func (h *Handle) Requirements() []string {
	return append([]string(nil), h.requires...)
}

// Done is closed after the command's End has run.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Err returns the command's error once Done is closed. Interrupted
// commands report an error wrapping ErrInterrupted.
func (h *Handle) Err() error {
	select {
	case <-h.done:
		return h.err
	default:
		return nil
	}
}

// Interrupted reports whether the command was ended before finishing.
func (h *Handle) Interrupted() bool {
	select {
	case <-h.done:
		return h.interrupted
	default:
		return false
	}
}

// Scheduler owns the set of running commands. All methods are safe for
// concurrent use; commands themselves are only ever called with the
// scheduler lock held, so they never run concurrently.
type Scheduler struct {
	mu       sync.Mutex
	running  []*Handle
	owners   map[string]*Handle
	ticks    uint64
	disabled bool
	logger   *log.Logger
}

// New creates an empty scheduler.
func New() *Scheduler {
	return &Scheduler{
		owners: make(map[string]*Handle),
		logger: log.GetLogger("scheduler"),
	}
}

// Schedule initializes cmd and adds it to the tick. Current owners of any
// of the required resources are interrupted first. If Initialize fails
// the command is ended immediately and the error returned.
func (s *Scheduler) Schedule(name string, cmd Command, requires ...string) (*Handle, error) {
	if cmd == nil {
		return nil, errors.ConfigurationError("schedule %q: nil command", name)
	}
	h := &Handle{
		name:     name,
		cmd:      cmd,
		requires: append([]string(nil), requires...),
		done:     make(chan struct{}),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disabled {
		return nil, errors.RuntimeError(fmt.Sprintf("schedule %q: scheduler disabled", name))
	}

	seen := make(map[*Handle]bool)
	for _, res := range h.requires {
		owner, ok := s.owners[res]
		if !ok || seen[owner] {
			continue
		}
		seen[owner] = true
		s.logger.Info("%s interrupts %s on %s", name, owner.name, res)
		s.end(owner, true)
	}

	if err := cmd.Initialize(); err != nil {
		h.interrupted = true
		h.err = stderrors.Join(err, cmd.End(true))
		close(h.done)
		s.logger.WithError(err).WithField("command", name).Warn("initialize failed")
		return h, err
	}
	for _, res := range h.requires {
		s.owners[res] = h
	}
	s.running = append(s.running, h)
	s.logger.Debug("scheduled %s requiring %v", name, h.requires)
	return h, nil
}

// Tick runs one control period: every command executes, then finished
// commands end and release their resources.
func (s *Scheduler) Tick() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ticks++
	for _, h := range append([]*Handle(nil), s.running...) {
		if !s.isRunning(h) {
			continue
		}
		h.cmd.Execute()
		if h.cmd.IsFinished() {
			s.end(h, false)
		}
	}
}

// Cancel interrupts the command behind h if it is still running.
func (s *Scheduler) Cancel(h *Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isRunning(h) {
		s.end(h, true)
	}
}

// CancelAll interrupts every running command.
func (s *Scheduler) CancelAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.running) > 0 {
		s.end(s.running[0], true)
	}
}

// Disable cancels everything and rejects further scheduling until Enable.
func (s *Scheduler) Disable() {
	s.mu.Lock()
	s.disabled = true
	s.mu.Unlock()
	s.CancelAll()
}

// Enable allows scheduling again after Disable.
func (s *Scheduler) Enable() {
	s.mu.Lock()
	s.disabled = false
	s.mu.Unlock()
}

// Owner returns the name of the command holding res.
func (s *Scheduler) Owner(res string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.owners[res]
	if !ok {
		return "", false
	}
	return h.name, true
}

// Running returns the names of running commands in scheduling order.
func (s *Scheduler) Running() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, len(s.running))
	for i, h := range s.running {
		names[i] = h.name
	}
	return names
}

// Ticks returns how many ticks have run.
func (s *Scheduler) Ticks() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ticks
}

// Attach drives Tick from a reactor timer every period.
func (s *Scheduler) Attach(r *reactor.Reactor, period time.Duration) *reactor.Timer {
	return r.Every(period, func(float64) { s.Tick() })
}

func (s *Scheduler) isRunning(h *Handle) bool {
	for _, x := range s.running {
		if x == h {
			return true
		}
	}
	return false
}

// end removes h, releases its resources and runs End. Caller holds s.mu.
func (s *Scheduler) end(h *Handle, interrupted bool) {
	for i, x := range s.running {
		if x == h {
			s.running = append(s.running[:i], s.running[i+1:]...)
			break
		}
	}
	for _, res := range h.requires {
		if s.owners[res] == h {
			delete(s.owners, res)
		}
	}

	err := h.cmd.End(interrupted)
	if interrupted {
		err = stderrors.Join(fmt.Errorf("%s: %w", h.name, ErrInterrupted), err)
	}
	if err != nil && !interrupted {
		s.logger.WithError(err).WithField("command", h.name).Warn("command ended with error")
	}
	h.err = err
	h.interrupted = interrupted
	close(h.done)
}
