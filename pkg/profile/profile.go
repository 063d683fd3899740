// Motion profiles
//
// Copyright (C) 2026 Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

// Package profile holds the immutable motion profile consumed by playback
// channels and its text interchange format.
package profile

import (
	"math"

	"tankdrive-go/pkg/errors"
)

// Point is one setpoint. DT is the time in seconds the point is held
// before the next one plays, and may differ per point.
type Point struct {
	Position     float64
	Velocity     float64
	Acceleration float64
	DT           float64
}

// Profile is an ordered, read-only sequence of points. The zero value is
// an empty profile.
type Profile struct {
	points []Point
}

// New copies points into a Profile. Every DT must be finite and >= 0.
func New(points []Point) (*Profile, error) {
	for i, p := range points {
		if !(p.DT >= 0) || math.IsInf(p.DT, 0) {
			return nil, errors.ConfigurationError("point %d: dt must be finite and >= 0, got %g", i, p.DT)
		}
		if !finite(p.Position) || !finite(p.Velocity) || !finite(p.Acceleration) {
			return nil, errors.ConfigurationError("point %d: non-finite setpoint", i)
		}
	}
	cp := make([]Point, len(points))
	copy(cp, points)
	return &Profile{points: cp}, nil
}

// Len returns the number of points. A nil profile has none.
func (p *Profile) Len() int {
	if p == nil {
		return 0
	}
	return len(p.points)
}

// At returns point i.
func (p *Profile) At(i int) Point {
	return p.points[i]
}

// Points returns a copy of the points.
func (p *Profile) Points() []Point {
	out := make([]Point, p.Len())
	if p != nil {
		copy(out, p.points)
	}
	return out
}

// Duration is the sum of all point DTs.
func (p *Profile) Duration() float64 {
	total := 0.0
	for i := 0; i < p.Len(); i++ {
		total += p.points[i].DT
	}
	return total
}

// Final returns the last point, or false for an empty profile.
func (p *Profile) Final() (Point, bool) {
	if p.Len() == 0 {
		return Point{}, false
	}
	return p.points[len(p.points)-1], true
}

// FromDisplacements builds a profile from cumulative positions sampled
// every dt seconds. Velocity is the backward difference and acceleration
// the difference of velocities; the first point has zero of both.
func FromDisplacements(positions []float64, dt float64) (*Profile, error) {
	if !(dt > 0) || math.IsInf(dt, 0) {
		return nil, errors.ConfigurationError("dt must be positive and finite, got %g", dt)
	}
	points := make([]Point, len(positions))
	prevVel := 0.0
	for i, pos := range positions {
		pt := Point{Position: pos, DT: dt}
		if i > 0 {
			pt.Velocity = (pos - positions[i-1]) / dt
			pt.Acceleration = (pt.Velocity - prevVel) / dt
		}
		prevVel = pt.Velocity
		points[i] = pt
	}
	return New(points)
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
