// Unified error handling for the tankdrive host
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode represents the category of error
type ErrorCode string

const (
	// Configuration errors
	ErrConfiguration    ErrorCode = "CONFIGURATION"
	ErrConfigSection    ErrorCode = "CONFIG_SECTION"
	ErrConfigOption     ErrorCode = "CONFIG_OPTION"
	ErrConfigValidation ErrorCode = "CONFIG_VALIDATION"

	// Kinematics errors
	ErrNumericDegeneracy ErrorCode = "NUMERIC_DEGENERACY"

	// Playback errors
	ErrExecutionTimeout ErrorCode = "EXECUTION_TIMEOUT"
	ErrChannelDesync    ErrorCode = "CHANNEL_DESYNC"
	ErrInterrupted      ErrorCode = "INTERRUPTED"
	ErrChannelState     ErrorCode = "CHANNEL_STATE"
	ErrChannelIO        ErrorCode = "CHANNEL_IO"

	// Profile interchange errors
	ErrProfileFormat ErrorCode = "PROFILE_FORMAT"

	// Runtime errors
	ErrRuntime     ErrorCode = "RUNTIME"
	ErrRuntimeInit ErrorCode = "RUNTIME_INIT"
)

// HostError is the unified error type for the host system
type HostError struct {
	// Code is the error category
	Code ErrorCode

	// Message is a human-readable error description
	Message string

	// File is the source file (if available)
	File string

	// Line is the line number in the source file (if available)
	Line int

	// Section is the config section or context
	Section string

	// Option is the config option name (if applicable)
	Option string

	// Err wraps the underlying error
	Err error

	// Context provides additional context
	Context map[string]interface{}
}

// Error implements the error interface
func (e *HostError) Error() string {
	if e.Err != nil {
		return e.header() + ": " + e.Err.Error()
	}
	return e.header()
}

func (e *HostError) header() string {
	switch {
	case e.Line > 0 && e.File != "":
		return fmt.Sprintf("[%s] %s:%d: %s", e.Code, e.File, e.Line, e.Message)
	case e.Line > 0:
		return fmt.Sprintf("[%s] line %d: %s", e.Code, e.Line, e.Message)
	case e.Option != "":
		return fmt.Sprintf("[%s:%s] %s", e.Code, e.Option, e.Message)
	case e.Section != "":
		return fmt.Sprintf("[%s:%s] %s", e.Code, e.Section, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *HostError) Unwrap() error {
	return e.Err
}

// SetFile sets the source file
func (e *HostError) SetFile(file string) *HostError {
	e.File = file
	return e
}

// SetLine sets the line number
func (e *HostError) SetLine(line int) *HostError {
	e.Line = line
	return e
}

// SetSection sets the context section
func (e *HostError) SetSection(section string) *HostError {
	e.Section = section
	return e
}

// SetOption sets the config option
func (e *HostError) SetOption(option string) *HostError {
	e.Option = option
	return e
}

// SetContext adds additional context
func (e *HostError) SetContext(key string, value interface{}) *HostError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// Wrap wraps an existing error with additional context
func Wrap(err error, code ErrorCode, message string) *HostError {
	return &HostError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// New creates a new HostError
func New(code ErrorCode, message string) *HostError {
	return &HostError{
		Code:    code,
		Message: message,
	}
}

// Configuration errors

// ConfigurationError reports invalid construction parameters.
func ConfigurationError(format string, args ...interface{}) *HostError {
	return New(ErrConfiguration, fmt.Sprintf(format, args...))
}

// ConfigValidationError creates an error for config validation failure
func ConfigValidationError(section, option string, reason string) *HostError {
	return New(ErrConfigValidation, fmt.Sprintf("option '%s' in section '%s': %s", option, section, reason)).
		SetSection(section).
		SetOption(option)
}

// Kinematics errors

// NumericDegeneracyError describes a near-zero heading change at the given step.
func NumericDegeneracyError(step int, theta, tolerance float64) *HostError {
	return New(ErrNumericDegeneracy, fmt.Sprintf("step %d: theta %.3g within tolerance %.3g, using straight segment", step, theta, tolerance)).
		SetContext("step", step).
		SetContext("theta", theta)
}

// Playback errors

// ExecutionTimeoutError reports that playback did not finish within budget.
func ExecutionTimeoutError(elapsed, timeout float64) *HostError {
	return New(ErrExecutionTimeout, fmt.Sprintf("playback not finished after %.3fs (timeout %.3fs)", elapsed, timeout)).
		SetContext("elapsed", elapsed).
		SetContext("timeout", timeout)
}

// ChannelDesyncError reports that only one side became buffer-ready.
func ChannelDesyncError(readySide string) *HostError {
	return New(ErrChannelDesync, fmt.Sprintf("only %s channel reported buffer ready", readySide)).
		SetContext("ready", readySide)
}

// InterruptedError reports external cancellation.
func InterruptedError(message string) *HostError {
	return New(ErrInterrupted, message)
}

// ChannelStateError reports an operation invalid for the channel's state.
func ChannelStateError(op, state string) *HostError {
	return New(ErrChannelState, fmt.Sprintf("%s not valid in state %s", op, state)).
		SetContext("state", state)
}

// ChannelIOError wraps a transport failure on a channel link.
func ChannelIOError(op string, err error) *HostError {
	return Wrap(err, ErrChannelIO, op)
}

// Profile errors

// ProfileFormatError creates an error for a malformed profile file line.
func ProfileFormatError(line int, reason string) *HostError {
	return New(ErrProfileFormat, reason).SetLine(line)
}

// Runtime errors

// RuntimeError creates a general runtime error
func RuntimeError(message string) *HostError {
	return New(ErrRuntime, message)
}

// RuntimeErrorInit creates an error for initialization failure
func RuntimeErrorInit(component string, reason string) *HostError {
	return New(ErrRuntimeInit, fmt.Sprintf("failed to initialize %s: %s", component, reason))
}

// Is checks if err, or any error it wraps, is a HostError with the given code
func Is(err error, code ErrorCode) bool {
	var hostErr *HostError
	for err != nil {
		if !stderrors.As(err, &hostErr) {
			return false
		}
		if hostErr.Code == code {
			return true
		}
		err = hostErr.Err
	}
	return false
}

// IsConfig checks if error is a config error
func IsConfig(err error) bool {
	return Is(err, ErrConfiguration) ||
		Is(err, ErrConfigSection) ||
		Is(err, ErrConfigOption) ||
		Is(err, ErrConfigValidation)
}

// IsPlayback checks if error came from profile playback
func IsPlayback(err error) bool {
	return Is(err, ErrExecutionTimeout) ||
		Is(err, ErrChannelDesync) ||
		Is(err, ErrInterrupted) ||
		Is(err, ErrChannelState) ||
		Is(err, ErrChannelIO)
}

// IsRuntime checks if error is a runtime error
func IsRuntime(err error) bool {
	return Is(err, ErrRuntime) || Is(err, ErrRuntimeInit)
}
