// Configuration error constructors
//
// Copyright (C) 2026 Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

// Package config parses the drivetrain's INI-style configuration file,
// tracking which sections and options were read so leftovers can be
// reported as typos.
package config

import (
	"fmt"

	"tankdrive-go/pkg/errors"
)

// Errors from this package are *errors.HostError values with one of the
// CONFIG_* codes, so errors.IsConfig recognizes them.

// ErrMissingOption returns an error for a required but missing option.
func ErrMissingOption(section, option string) *errors.HostError {
	return errors.New(errors.ErrConfigOption,
		fmt.Sprintf("option '%s' in section '%s' must be specified", option, section)).
		SetSection(section).
		SetOption(option)
}

// ErrMissingSection returns an error for a missing section.
func ErrMissingSection(section string) *errors.HostError {
	return errors.New(errors.ErrConfigSection, fmt.Sprintf("section '%s' not found", section)).
		SetSection(section)
}

// ErrInvalidValue returns an error for a value that does not parse.
func ErrInvalidValue(section, option, value, expected string) *errors.HostError {
	return errors.ConfigValidationError(section, option,
		fmt.Sprintf("invalid value '%s', expected %s", value, expected))
}

// ErrOutOfRange returns an error for a value outside the allowed range.
func ErrOutOfRange(section, option string, value float64, constraint string) *errors.HostError {
	return errors.ConfigValidationError(section, option, fmt.Sprintf("value %v %s", value, constraint))
}

// ErrInvalidChoice returns an error for an invalid choice value.
func ErrInvalidChoice(section, option, value string, choices []string) *errors.HostError {
	return errors.ConfigValidationError(section, option,
		fmt.Sprintf("'%s' is not a valid choice (valid: %v)", value, choices))
}
