// Emergency stop and watchdog
//
// Copyright (C) 2026 Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

// Package safety provides the drivetrain emergency stop, the control loop
// watchdog and shutdown state management.
package safety

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"tankdrive-go/pkg/log"
	"tankdrive-go/pkg/metrics"
)

// ShutdownState represents the drivetrain's shutdown state.
type ShutdownState int

const (
	// StateRunning indicates normal operation.
	StateRunning ShutdownState = iota

	// StateShuttingDown indicates shutdown is in progress.
	StateShuttingDown

	// StateShutdown indicates the drivetrain is shut down.
	StateShutdown

	// StateError indicates an error-triggered shutdown.
	StateError
)

func (s ShutdownState) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateShuttingDown:
		return "shutting_down"
	case StateShutdown:
		return "shutdown"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// ShutdownReason describes why the drivetrain was shut down.
type ShutdownReason string

const (
	ReasonNone            ShutdownReason = ""
	ReasonEmergencyStop   ShutdownReason = "emergency_stop"
	ReasonWatchdogTimeout ShutdownReason = "watchdog_timeout"
	ReasonControllerFault ShutdownReason = "controller_fault"
	ReasonUserRequest     ShutdownReason = "user_request"
	ReasonCommunication   ShutdownReason = "communication_error"
)

// Common errors
var (
	ErrShutdown      = errors.New("safety: drivetrain is shut down")
	ErrEmergencyStop = errors.New("safety: emergency stop triggered")
)

// OutputDisabler removes commanded output. channel.Channel satisfies it.
type OutputDisabler interface {
	DisableOutput() error
}

// CommandCanceller stops every running command and refuses new ones.
// scheduler.Scheduler satisfies it.
type CommandCanceller interface {
	Disable()
}

// Manager manages safety features and shutdown state.
type Manager struct {
	mu sync.RWMutex

	// Current state
	state          ShutdownState
	shutdownReason ShutdownReason
	shutdownMsg    string
	shutdownTime   time.Time

	// Registered components
	outputs    map[string]OutputDisabler
	order      []string
	cancellers []CommandCanceller

	// Watchdog
	watchdogCtx     context.Context
	watchdogCancel  context.CancelFunc
	watchdogTimeout time.Duration
	lastHeartbeat   time.Time
	watchdogMu      sync.Mutex

	// Callbacks
	onShutdown    []func(reason ShutdownReason, msg string)
	onStateChange []func(oldState, newState ShutdownState)

	metrics *metrics.DrivetrainMetrics
	logger  *log.Logger
}

// New creates a new safety Manager.
func New() *Manager {
	return &Manager{
		state:           StateRunning,
		outputs:         make(map[string]OutputDisabler),
		watchdogTimeout: time.Second,
		logger:          log.GetLogger("safety"),
	}
}

// Config holds configuration for the safety manager.
type Config struct {
	// WatchdogTimeout is how long the control loop may go without a
	// Heartbeat before the drivetrain is shut down.
	WatchdogTimeout time.Duration
	Metrics         *metrics.DrivetrainMetrics
}

// Configure applies configuration to the manager.
func (m *Manager) Configure(cfg Config) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cfg.WatchdogTimeout > 0 {
		m.watchdogMu.Lock()
		m.watchdogTimeout = cfg.WatchdogTimeout
		m.watchdogMu.Unlock()
	}
	if cfg.Metrics != nil {
		m.metrics = cfg.Metrics
	}
}

// RegisterOutput registers a named output, typically one drivetrain
// channel, to be disabled on shutdown. Registering a name again replaces
// the previous output.
func (m *Manager) RegisterOutput(name string, out OutputDisabler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.outputs[name]; !ok {
		m.order = append(m.order, name)
	}
	m.outputs[name] = out
}

// RegisterCanceller registers a command scheduler to stop on shutdown.
func (m *Manager) RegisterCanceller(c CommandCanceller) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancellers = append(m.cancellers, c)
}

// OnShutdown registers a callback for when shutdown occurs.
func (m *Manager) OnShutdown(fn func(reason ShutdownReason, msg string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onShutdown = append(m.onShutdown, fn)
}

// OnStateChange registers a callback for state changes.
func (m *Manager) OnStateChange(fn func(oldState, newState ShutdownState)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onStateChange = append(m.onStateChange, fn)
}

// GetState returns the current shutdown state.
func (m *Manager) GetState() ShutdownState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// GetShutdownInfo returns shutdown details.
func (m *Manager) GetShutdownInfo() (ShutdownReason, string, time.Time) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.shutdownReason, m.shutdownMsg, m.shutdownTime
}

// IsShutdown returns true if the drivetrain is shut down.
func (m *Manager) IsShutdown() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state == StateShutdown || m.state == StateError
}

// IsOperational returns true if the drivetrain is running normally.
func (m *Manager) IsOperational() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state == StateRunning
}

// CheckOperational returns an error if the drivetrain is not operational.
func (m *Manager) CheckOperational() error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.state != StateRunning {
		return fmt.Errorf("%w: %s - %s", ErrShutdown, m.shutdownReason, m.shutdownMsg)
	}
	return nil
}

// EmergencyStop cancels every command and disables every output as
// quickly as possible.
func (m *Manager) EmergencyStop(msg string) error {
	return m.invokeShutdown(ReasonEmergencyStop, msg)
}

// WatchdogTimeout shuts down because the control loop stopped ticking.
func (m *Manager) WatchdogTimeout() error {
	return m.invokeShutdown(ReasonWatchdogTimeout, "control loop heartbeat timeout")
}

// ControllerFault shuts down because a motor controller reported a fault.
func (m *Manager) ControllerFault(channel, errMsg string) error {
	return m.invokeShutdown(ReasonControllerFault, fmt.Sprintf("channel %s: %s", channel, errMsg))
}

// CommunicationError shuts down because a controller link failed.
func (m *Manager) CommunicationError(channel, errMsg string) error {
	return m.invokeShutdown(ReasonCommunication, fmt.Sprintf("channel %s: %s", channel, errMsg))
}

// RequestShutdown triggers a graceful shutdown by user request.
func (m *Manager) RequestShutdown(msg string) error {
	return m.invokeShutdown(ReasonUserRequest, msg)
}

// invokeShutdown performs the shutdown sequence. Failures to disable an
// output are logged and returned together; every output is still tried.
func (m *Manager) invokeShutdown(reason ShutdownReason, msg string) error {
	m.mu.Lock()

	if m.state != StateRunning {
		m.mu.Unlock()
		return nil
	}

	oldState := m.state
	m.state = StateShuttingDown
	m.shutdownReason = reason
	m.shutdownMsg = msg
	m.shutdownTime = time.Now()

	// Copy components so the lock is not held while they run.
	names := append([]string(nil), m.order...)
	outputs := make([]OutputDisabler, len(names))
	for i, n := range names {
		outputs[i] = m.outputs[n]
	}
	cancellers := append([]CommandCanceller(nil), m.cancellers...)
	dm := m.metrics

	m.mu.Unlock()

	m.logger.WithField("reason", string(reason)).Error(msg)
	m.StopWatchdog()

	// Stop commands first so nothing restarts playback behind us.
	for _, c := range cancellers {
		c.Disable()
	}

	var errs []error
	for i, out := range outputs {
		if err := out.DisableOutput(); err != nil {
			m.logger.WithError(err).WithField("output", names[i]).Error("disable output failed")
			errs = append(errs, fmt.Errorf("%s: %w", names[i], err))
		}
	}
	if dm != nil {
		dm.RecordEmergencyStop(string(reason))
	}

	m.mu.Lock()
	finalState := StateShutdown
	if reason == ReasonEmergencyStop || reason == ReasonControllerFault {
		finalState = StateError
	}
	m.state = finalState

	onShutdown := append(([]func(ShutdownReason, string))(nil), m.onShutdown...)
	onStateChange := append(([]func(ShutdownState, ShutdownState))(nil), m.onStateChange...)
	m.mu.Unlock()

	for _, fn := range onStateChange {
		fn(oldState, finalState)
	}
	for _, fn := range onShutdown {
		fn(reason, msg)
	}

	return errors.Join(errs...)
}

// StartWatchdog starts the watchdog timer.
func (m *Manager) StartWatchdog() {
	m.watchdogMu.Lock()
	defer m.watchdogMu.Unlock()

	if m.watchdogCancel != nil {
		return
	}

	m.watchdogCtx, m.watchdogCancel = context.WithCancel(context.Background())
	m.lastHeartbeat = time.Now()

	go m.watchdogLoop(m.watchdogCtx, m.watchdogTimeout)
}

// StopWatchdog stops the watchdog timer.
func (m *Manager) StopWatchdog() {
	m.watchdogMu.Lock()
	defer m.watchdogMu.Unlock()

	if m.watchdogCancel != nil {
		m.watchdogCancel()
		m.watchdogCancel = nil
	}
}

// Heartbeat updates the watchdog timer. Call it from every control tick.
func (m *Manager) Heartbeat() {
	m.watchdogMu.Lock()
	defer m.watchdogMu.Unlock()
	m.lastHeartbeat = time.Now()
}

func (m *Manager) watchdogLoop(ctx context.Context, timeout time.Duration) {
	ticker := time.NewTicker(max(timeout/4, time.Millisecond))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.watchdogMu.Lock()
			elapsed := time.Since(m.lastHeartbeat)
			m.watchdogMu.Unlock()

			if elapsed > timeout {
				m.WatchdogTimeout()
				return
			}
		}
	}
}

// Reset returns to normal operation after a shutdown.
func (m *Manager) Reset() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == StateRunning || m.state == StateShuttingDown {
		return errors.New("safety: cannot reset while running or shutting down")
	}

	m.state = StateRunning
	m.shutdownReason = ReasonNone
	m.shutdownMsg = ""
	m.shutdownTime = time.Time{}
	m.logger.Info("reset; drivetrain operational")

	return nil
}

// Status is a snapshot for reporting.
type Status struct {
	State          string    `json:"state"`
	ShutdownReason string    `json:"shutdown_reason,omitempty"`
	ShutdownMsg    string    `json:"shutdown_msg,omitempty"`
	ShutdownTime   time.Time `json:"shutdown_time,omitempty"`
	IsOperational  bool      `json:"is_operational"`
}

// GetStatus returns the current status.
func (m *Manager) GetStatus() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return Status{
		State:          m.state.String(),
		ShutdownReason: string(m.shutdownReason),
		ShutdownMsg:    m.shutdownMsg,
		ShutdownTime:   m.shutdownTime,
		IsOperational:  m.state == StateRunning,
	}
}
