// Differential drive geometry
//
// Copyright (C) 2026 Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package kinematics

import (
	"tankdrive-go/pkg/errors"
)

// Differential holds a validated drivetrain geometry so callers configure
// the wheelbase once and decompose many trajectories against it.
type Differential struct {
	wheelbase float64
	opts      []Option
}

// NewDifferential returns a Differential for the given wheelbase.
func NewDifferential(wheelbase float64, opts ...Option) (*Differential, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	// Two dummy samples run the same checks Decompose would.
	if err := validate([]float64{0, 0}, []float64{0, 0}, wheelbase, o.tolerance); err != nil {
		return nil, err
	}
	return &Differential{wheelbase: wheelbase, opts: opts}, nil
}

// Wheelbase returns the distance between wheel contact lines.
func (d *Differential) Wheelbase() float64 {
	return d.wheelbase
}

// Decompose runs the arc decomposition with this drivetrain's settings.
func (d *Differential) Decompose(left, right []float64) (*Decomposition, error) {
	return Decompose(left, right, d.wheelbase, d.opts...)
}

// DecomposeSamples decomposes timestamped samples, which must be strictly
// increasing in T.
func (d *Differential) DecomposeSamples(samples []DisplacementSample) (*Decomposition, error) {
	left := make([]float64, len(samples))
	right := make([]float64, len(samples))
	for i, s := range samples {
		if i > 0 && !(s.T > samples[i-1].T) {
			return nil, errors.ConfigurationError("sample %d time %g not after %g", i, s.T, samples[i-1].T)
		}
		left[i] = s.Left
		right[i] = s.Right
	}
	return d.Decompose(left, right)
}

// Poses returns the drivetrain center for every sample. Unlike
// Decomposition.HeadingsDeg the final sample's heading is included.
func (d *Differential) Poses(left, right []float64) ([]PoseSample, error) {
	dec, err := d.Decompose(left, right)
	if err != nil {
		return nil, err
	}
	return dec.Poses(), nil
}

// Poses returns center poses for each waypoint pair.
func (dec *Decomposition) Poses() []PoseSample {
	poses := make([]PoseSample, len(dec.Left))
	for i := range dec.Left {
		l, r := dec.Left[i], dec.Right[i]
		poses[i] = PoseSample{
			X:          (l.X + r.X) / 2,
			Y:          (l.Y + r.Y) / 2,
			HeadingDeg: dec.headingAt(i),
		}
	}
	return poses
}

func (dec *Decomposition) headingAt(i int) float64 {
	if i < len(dec.HeadingsDeg) {
		return dec.HeadingsDeg[i]
	}
	return dec.finalHeadingDeg
}
