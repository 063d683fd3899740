// Configuration section access
//
// Copyright (C) 2026 Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package config

import (
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Section provides access to a config section with access tracking.
// Option names are case-insensitive.
type Section struct {
	name    string
	options map[string]string

	mu       sync.RWMutex
	accessed map[string]struct{}
}

func newSection(name string, options map[string]string) *Section {
	opts := make(map[string]string, len(options))
	for k, v := range options {
		opts[strings.ToLower(k)] = v
	}
	return &Section{
		name:     name,
		options:  opts,
		accessed: make(map[string]struct{}),
	}
}

// GetName returns the section name.
func (s *Section) GetName() string {
	return s.name
}

func (s *Section) markAccessed(option string) {
	s.mu.Lock()
	s.accessed[strings.ToLower(option)] = struct{}{}
	s.mu.Unlock()
}

// GetUnusedOptions returns the sorted options that were never read.
func (s *Section) GetUnusedOptions() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []string
	for opt := range s.options {
		if _, ok := s.accessed[opt]; !ok {
			result = append(result, opt)
		}
	}
	sort.Strings(result)
	return result
}

// HasOption checks if an option exists in this section.
func (s *Section) HasOption(option string) bool {
	_, ok := s.options[strings.ToLower(option)]
	return ok
}

// lookup returns the raw value, the fallback, or a missing-option error.
func lookup[T any](s *Section, option string, fallback []T) (string, *T, error) {
	s.markAccessed(option)
	if v, ok := s.options[strings.ToLower(option)]; ok {
		return v, nil, nil
	}
	if len(fallback) > 0 {
		return "", &fallback[0], nil
	}
	return "", nil, ErrMissingOption(s.name, option)
}

// Get returns a string option value, or fallback[0] when the option is
// absent. Without a fallback a missing option is an error.
func (s *Section) Get(option string, fallback ...string) (string, error) {
	v, def, err := lookup(s, option, fallback)
	if err != nil {
		return "", err
	}
	if def != nil {
		return *def, nil
	}
	return v, nil
}

// GetInt returns an integer option value.
func (s *Section) GetInt(option string, fallback ...int) (int, error) {
	v, def, err := lookup(s, option, fallback)
	if err != nil {
		return 0, err
	}
	if def != nil {
		return *def, nil
	}
	i, perr := strconv.Atoi(strings.TrimSpace(v))
	if perr != nil {
		return 0, ErrInvalidValue(s.name, option, v, "integer")
	}
	return i, nil
}

// GetIntWithBounds returns an integer option value with bounds checking.
func (s *Section) GetIntWithBounds(option string, minVal, maxVal *int, fallback ...int) (int, error) {
	v, err := s.GetInt(option, fallback...)
	if err != nil {
		return 0, err
	}
	if minVal != nil && v < *minVal {
		return 0, ErrOutOfRange(s.name, option, float64(v), "must have minimum of "+strconv.Itoa(*minVal))
	}
	if maxVal != nil && v > *maxVal {
		return 0, ErrOutOfRange(s.name, option, float64(v), "must have maximum of "+strconv.Itoa(*maxVal))
	}
	return v, nil
}

// GetFloat returns a finite float64 option value.
func (s *Section) GetFloat(option string, fallback ...float64) (float64, error) {
	v, def, err := lookup(s, option, fallback)
	if err != nil {
		return 0, err
	}
	if def != nil {
		return *def, nil
	}
	f, perr := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if perr != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, ErrInvalidValue(s.name, option, v, "finite number")
	}
	return f, nil
}

// FloatBounds specifies bounds for GetFloatWithBounds.
type FloatBounds struct {
	MinVal *float64 // >=
	MaxVal *float64 // <=
	Above  *float64 // >
	Below  *float64 // <
}

// Ptr returns &v, for filling FloatBounds and int bounds inline.
func Ptr[T any](v T) *T { return &v }

// GetFloatWithBounds returns a float64 option value with bounds checking.
func (s *Section) GetFloatWithBounds(option string, bounds FloatBounds, fallback ...float64) (float64, error) {
	v, err := s.GetFloat(option, fallback...)
	if err != nil {
		return 0, err
	}
	ff := func(x float64) string { return strconv.FormatFloat(x, 'f', -1, 64) }
	if bounds.MinVal != nil && v < *bounds.MinVal {
		return 0, ErrOutOfRange(s.name, option, v, "must have minimum of "+ff(*bounds.MinVal))
	}
	if bounds.MaxVal != nil && v > *bounds.MaxVal {
		return 0, ErrOutOfRange(s.name, option, v, "must have maximum of "+ff(*bounds.MaxVal))
	}
	if bounds.Above != nil && v <= *bounds.Above {
		return 0, ErrOutOfRange(s.name, option, v, "must be above "+ff(*bounds.Above))
	}
	if bounds.Below != nil && v >= *bounds.Below {
		return 0, ErrOutOfRange(s.name, option, v, "must be below "+ff(*bounds.Below))
	}
	return v, nil
}

// GetDuration reads an option given in seconds, which must be above zero.
func (s *Section) GetDuration(option string, fallback ...time.Duration) (time.Duration, error) {
	fb := make([]float64, len(fallback))
	for i, d := range fallback {
		fb[i] = d.Seconds()
	}
	secs, err := s.GetFloatWithBounds(option, FloatBounds{Above: Ptr(0.0)}, fb...)
	if err != nil {
		return 0, err
	}
	return time.Duration(secs * float64(time.Second)), nil
}

// GetBool returns a boolean option value.
// Accepts: 1, true, yes, on (true) and 0, false, no, off (false).
func (s *Section) GetBool(option string, fallback ...bool) (bool, error) {
	v, def, err := lookup(s, option, fallback)
	if err != nil {
		return false, err
	}
	if def != nil {
		return *def, nil
	}
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true, nil
	case "0", "false", "no", "off":
		return false, nil
	}
	return false, ErrInvalidValue(s.name, option, v, "boolean (true/false/yes/no/on/off/1/0)")
}

// GetChoice returns a string option that must be one of the valid choices.
func (s *Section) GetChoice(option string, choices []string, fallback ...string) (string, error) {
	v, err := s.Get(option, fallback...)
	if err != nil {
		return "", err
	}
	for _, c := range choices {
		if strings.EqualFold(v, c) {
			return c, nil
		}
	}
	return "", ErrInvalidChoice(s.name, option, v, choices)
}
