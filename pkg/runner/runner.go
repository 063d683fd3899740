// Dual channel profile runner
//
// Copyright (C) 2026 Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

// Package runner plays a pair of motion profiles on the two sides of a
// differential drivetrain, starting both channels on the same tick and
// leaving them in a safe state when playback ends.
//
// A Runner is driven by an external periodic tick through the scheduler
// lifecycle: Initialize once, Execute and IsFinished every tick, then End
// exactly once. It never blocks and owns no goroutines.
package runner

import (
	stderrors "errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"tankdrive-go/pkg/channel"
	"tankdrive-go/pkg/errors"
	"tankdrive-go/pkg/log"
	"tankdrive-go/pkg/metrics"
	"tankdrive-go/pkg/profile"
	"tankdrive-go/pkg/timeutil"
)

// State is the runner's lifecycle state.
type State int

const (
	Init State = iota
	WaitingToStart
	Running
	Done
)

func (s State) String() string {
	switch s {
	case Init:
		return "init"
	case WaitingToStart:
		return "waiting_to_start"
	case Running:
		return "running"
	case Done:
		return "done"
	default:
		return "unknown"
	}
}

// Outcome says how a run ended and selects the shutdown action.
type Outcome int

const (
	// Pending means the run has not ended.
	Pending Outcome = iota
	// NormalFinish means both channels played every point.
	NormalFinish
	// Timeout means the time budget ran out first.
	Timeout
	// Cancelled means the run was stopped from outside.
	Cancelled
	// Failed means a channel rejected a command.
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Pending:
		return "pending"
	case NormalFinish:
		return "normal_finish"
	case Timeout:
		return "timeout"
	case Cancelled:
		return "cancelled"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// holds reports whether the outcome leaves the drivetrain holding its last
// setpoint. Otherwise output is disabled.
func (o Outcome) holds() bool {
	return o == NormalFinish || o == Timeout
}

// Config holds the runner's time budget.
type Config struct {
	// Timeout bounds the whole run, from Initialize to finish.
	Timeout time.Duration
}

// DefaultConfig returns the default runner configuration.
func DefaultConfig() Config {
	return Config{Timeout: 15 * time.Second}
}

// EventKind identifies a runner Event.
type EventKind int

const (
	EventStarted EventKind = iota
	EventStreamingStarted
	EventTimeout
	EventFinished
)

func (k EventKind) String() string {
	switch k {
	case EventStarted:
		return "started"
	case EventStreamingStarted:
		return "streaming_started"
	case EventTimeout:
		return "timeout"
	case EventFinished:
		return "finished"
	default:
		return "unknown"
	}
}

// Event is delivered to event handlers as the run progresses.
type Event struct {
	Kind    EventKind
	RunID   uuid.UUID
	Tick    int
	Elapsed time.Duration
	Outcome Outcome
	// Err carries the diagnostic for EventTimeout and failed runs.
	Err error
}

// Result summarizes a run.
type Result struct {
	RunID   uuid.UUID
	State   State
	Outcome Outcome
	Elapsed time.Duration
	// Ticks counts Execute calls.
	Ticks int
	// StartTick is the tick on which both channels started, or -1.
	StartTick int
	// Err is the diagnostic for timeouts, cancellation and failures.
	Err error
}

// Option configures a Runner.
type Option func(*Runner)

// WithClock sets the clock used to measure the time budget.
func WithClock(c timeutil.Clock) Option {
	return func(r *Runner) { r.clock = c }
}

// WithLogger overrides the runner logger.
func WithLogger(l *log.Logger) Option {
	return func(r *Runner) { r.logger = l }
}

// WithMetrics records run outcomes and state in m.
func WithMetrics(m *metrics.DrivetrainMetrics) Option {
	return func(r *Runner) { r.metrics = m }
}

// WithEventHandler adds an observer. Handlers run synchronously on the
// tick that produced the event.
func WithEventHandler(fn func(Event)) Option {
	return func(r *Runner) { r.handlers = append(r.handlers, fn) }
}

// WithProfiles loads left and right onto their channels during
// Initialize. Without it the channels must be loaded beforehand.
func WithProfiles(left, right *profile.Profile) Option {
	return func(r *Runner) { r.profiles = [2]*profile.Profile{left, right} }
}

// WithRunID sets the run identifier instead of generating one.
func WithRunID(id uuid.UUID) Option {
	return func(r *Runner) { r.id = id }
}

// Runner synchronizes playback on two channels. It is not safe for
// concurrent use; all calls must come from the tick that drives it.
type Runner struct {
	left, right channel.Channel
	cfg         Config
	profiles    [2]*profile.Profile

	id       uuid.UUID
	clock    timeutil.Clock
	logger   *log.Logger
	metrics  *metrics.DrivetrainMetrics
	handlers []func(Event)

	state            State
	startTime        time.Time
	startingFinished bool
	leftReady        bool
	rightReady       bool
	ticks            int
	startTick        int

	outcome    Outcome
	elapsed    time.Duration
	diag       error
	shutdownEr error
}

// New creates a runner for one motion. Both channels are required and the
// timeout must be positive.
func New(left, right channel.Channel, cfg Config, opts ...Option) (*Runner, error) {
	if left == nil || right == nil {
		return nil, errors.ConfigurationError("runner needs both a left and a right channel")
	}
	if cfg.Timeout <= 0 {
		return nil, errors.ConfigValidationError("profile_runner", "timeout",
			fmt.Sprintf("must be positive, got %v", cfg.Timeout))
	}
	r := &Runner{
		left:      left,
		right:     right,
		cfg:       cfg,
		clock:     timeutil.RealClock{},
		logger:    log.GetLogger("runner"),
		startTick: -1,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.id == uuid.Nil {
		r.id = uuid.New()
	}
	return r, nil
}

// ID returns the run identifier.
func (r *Runner) ID() uuid.UUID { return r.id }

// State returns the current lifecycle state.
func (r *Runner) State() State { return r.state }

// Initialize starts the clock and samples whether both channels already
// report finished. It may be called only once.
func (r *Runner) Initialize() error {
	if r.state != Init {
		return errors.RuntimeError("runner already initialized; create a new runner per motion")
	}
	r.startTime = r.clock.Now()
	r.setState(WaitingToStart)
	r.emit(Event{Kind: EventStarted})
	r.logger.WithField("run", r.id.String()).Infof("waiting for both channels to buffer (timeout %v)", r.cfg.Timeout)

	if r.profiles[0] != nil || r.profiles[1] != nil {
		if err := r.load(); err != nil {
			r.finish(Failed, err)
			return err
		}
	}
	r.startingFinished = r.left.IsFinished() && r.right.IsFinished()
	if r.startingFinished {
		r.logger.Debug("both channels start out finished; waiting for new data")
	}
	return nil
}

func (r *Runner) load() error {
	if r.profiles[0] == nil || r.profiles[1] == nil {
		return errors.ConfigurationError("profiles must be given for both sides")
	}
	if err := r.left.LoadProfile(r.profiles[0]); err != nil {
		return errors.Wrap(err, errors.ErrChannelState, "left: load profile")
	}
	if err := r.right.LoadProfile(r.profiles[1]); err != nil {
		return errors.Wrap(err, errors.ErrChannelState, "right: load profile")
	}
	return nil
}

// Execute runs one tick. While waiting it starts both channels together
// once both buffers are ready; once running, playback is autonomous.
func (r *Runner) Execute() {
	if r.state != WaitingToStart && r.state != Running {
		return
	}
	r.ticks++
	if r.state == Running {
		return
	}

	if r.startingFinished {
		r.startingFinished = r.left.IsFinished() && r.right.IsFinished()
		if r.startingFinished {
			return
		}
	}
	r.leftReady = r.left.IsBufferReady()
	r.rightReady = r.right.IsBufferReady()
	if !r.leftReady || !r.rightReady {
		return
	}

	if err := r.left.StartStreaming(); err != nil {
		r.finish(Failed, errors.Wrap(err, errors.ErrChannelState, "left: start streaming"))
		return
	}
	if err := r.right.StartStreaming(); err != nil {
		r.finish(Failed, errors.Wrap(err, errors.ErrChannelState, "right: start streaming"))
		return
	}
	r.startTick = r.ticks
	r.setState(Running)
	r.emit(Event{Kind: EventStreamingStarted})
	r.logger.Info("both channels streaming on tick %d", r.ticks)
}

// IsFinished reports whether the run is over: both channels finished
// after streaming started, the time budget ran out, or the run was
// cancelled or failed.
func (r *Runner) IsFinished() bool {
	switch r.state {
	case Init:
		return false
	case Done:
		return true
	}
	if r.state == Running && r.left.IsFinished() && r.right.IsFinished() {
		r.finish(NormalFinish, nil)
		return true
	}
	if elapsed := r.clock.Since(r.startTime); elapsed > r.cfg.Timeout {
		r.finish(Timeout, r.timeoutError(elapsed))
		return true
	}
	return false
}

func (r *Runner) timeoutError(elapsed time.Duration) error {
	err := errors.ExecutionTimeoutError(elapsed.Seconds(), r.cfg.Timeout.Seconds())
	if r.state == WaitingToStart && r.leftReady != r.rightReady {
		side := "left"
		if r.rightReady {
			side = "right"
		}
		err.Err = errors.ChannelDesyncError(side)
	}
	err.SetContext("state", r.state.String())
	return err
}

// Cancel stops the run from outside and disables both channels at once.
// No channel is started or advanced afterwards. Cancelling before
// Initialize ends the run without touching the channels.
func (r *Runner) Cancel() {
	if r.state == Done {
		return
	}
	if r.state == Init {
		r.outcome = Cancelled
		r.setState(Done)
		return
	}
	r.finish(Cancelled, errors.InterruptedError("profile run cancelled"))
}

// End completes the lifecycle. interrupted means the scheduler took the
// drivetrain away; a run that had not finished is then cancelled. It
// returns an error only if a shutdown command failed or a channel
// rejected a command; timeouts are reported through Result.
func (r *Runner) End(interrupted bool) error {
	if r.state != Done {
		if !interrupted {
			r.logger.Warn("ended before finishing; treating as cancelled")
		}
		r.Cancel()
	}
	if r.outcome == Failed {
		return stderrors.Join(r.diag, r.shutdownEr)
	}
	return r.shutdownEr
}

// finish records the outcome and performs its shutdown action. Only the
// first call has any effect.
func (r *Runner) finish(o Outcome, diag error) {
	if r.state == Done {
		return
	}
	r.outcome = o
	r.diag = diag
	r.elapsed = r.clock.Since(r.startTime)
	r.setState(Done)

	fields := log.Fields{"run": r.id.String(), "outcome": o.String(), "elapsed": r.elapsed.String(), "ticks": r.ticks}
	switch o {
	case Timeout:
		r.logger.WithFields(fields).WithError(diag).Warn("profile run timed out; holding position")
		r.emit(Event{Kind: EventTimeout, Err: diag})
	case Failed:
		r.logger.WithFields(fields).WithError(diag).Error("profile run failed; disabling output")
	case Cancelled:
		r.logger.WithFields(fields).Info("profile run cancelled; disabling output")
	default:
		r.logger.WithFields(fields).Info("profile run finished; holding position")
	}

	r.shutdownEr = r.dispatch(o)
	if r.metrics != nil {
		r.metrics.RecordRun(o.String(), r.elapsed, r.startTick)
	}
	r.emit(Event{Kind: EventFinished, Err: diag})
}

// dispatch applies the terminal action for o to both channels.
func (r *Runner) dispatch(o Outcome) error {
	act, name := channel.Channel.DisableOutput, "disable output"
	if o.holds() {
		act, name = channel.Channel.HoldCurrentPosition, "hold position"
	}
	var errs []error
	if err := act(r.left); err != nil {
		errs = append(errs, errors.Wrap(err, errors.ErrChannelState, "left: "+name))
	}
	if err := act(r.right); err != nil {
		errs = append(errs, errors.Wrap(err, errors.ErrChannelState, "right: "+name))
	}
	if len(errs) > 0 {
		r.logger.WithError(stderrors.Join(errs...)).Error("shutdown action failed")
	}
	return stderrors.Join(errs...)
}

func (r *Runner) setState(s State) {
	r.state = s
	if r.metrics != nil {
		r.metrics.SetRunnerState(int(s))
	}
}

func (r *Runner) emit(e Event) {
	e.RunID = r.id
	e.Tick = r.ticks
	e.Outcome = r.outcome
	if !r.startTime.IsZero() {
		e.Elapsed = r.clock.Since(r.startTime)
	}
	for _, fn := range r.handlers {
		fn(e)
	}
}

// Result returns a summary of the run so far.
func (r *Runner) Result() Result {
	elapsed := r.elapsed
	if r.state != Done && !r.startTime.IsZero() {
		elapsed = r.clock.Since(r.startTime)
	}
	return Result{
		RunID:     r.id,
		State:     r.state,
		Outcome:   r.outcome,
		Elapsed:   elapsed,
		Ticks:     r.ticks,
		StartTick: r.startTick,
		Err:       r.diag,
	}
}
