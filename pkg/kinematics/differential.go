// Differential drive wheel arc decomposition
//
// Copyright (C) 2026 Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

// Package kinematics provides the differential ("tank") drive transform that
// turns per-wheel displacement series into wheel waypoints and heading.
package kinematics

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/floats/scalar"

	"tankdrive-go/pkg/errors"
	"tankdrive-go/pkg/log"
)

const radToDeg = 180 / math.Pi

// Waypoint is a wheel contact position in the world frame.
type Waypoint struct {
	X float64
	Y float64
}

// DisplacementSample is one playback tick of cumulative wheel travel.
type DisplacementSample struct {
	T     float64
	Left  float64
	Right float64
}

// PoseSample is the drivetrain center and heading at one sample.
// HeadingDeg accumulates without wrapping.
type PoseSample struct {
	X          float64
	Y          float64
	HeadingDeg float64
}

// Decomposition is the result of Decompose.
//
// HeadingsDeg[k] is the heading at sample k for k < n-1; the heading after
// the final step is not emitted, so len(HeadingsDeg) == n-1. Left and Right
// hold one waypoint per input sample.
type Decomposition struct {
	HeadingsDeg []float64
	Left        []Waypoint
	Right       []Waypoint

	// DegenerateSteps lists steps with a nonzero heading change that were
	// treated as straight because it fell within the configured tolerance.
	DegenerateSteps []int

	finalHeadingDeg float64
}

type options struct {
	tolerance float64
	logger    *log.Logger
}

// Option configures Decompose.
type Option func(*options)

// WithDegeneracyTolerance treats steps with |theta| <= tol radians as
// straight segments instead of dividing by a near-zero wheel difference.
// The default of 0 only takes the straight branch on an exact zero.
func WithDegeneracyTolerance(tol float64) Option {
	return func(o *options) { o.tolerance = tol }
}

// WithLogger routes degeneracy warnings to l.
func WithLogger(l *log.Logger) Option {
	return func(o *options) { o.logger = l }
}

// Decompose converts cumulative left/right wheel positions into per-wheel
// waypoints and a continuously accumulated heading. Each step models both
// wheels as concentric arcs about a shared instantaneous center.
func Decompose(left, right []float64, wheelbase float64, opts ...Option) (*Decomposition, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if err := validate(left, right, wheelbase, o.tolerance); err != nil {
		return nil, err
	}
	if o.logger == nil {
		o.logger = log.GetLogger("kinematics")
	}

	n := len(left)
	half := wheelbase / 2
	d := &Decomposition{
		HeadingsDeg: make([]float64, n-1),
		Left:        make([]Waypoint, n),
		Right:       make([]Waypoint, n),
	}
	d.Left[0] = Waypoint{X: 0, Y: half}
	d.Right[0] = Waypoint{X: 0, Y: -half}

	heading := 0.0
	for i := 1; i < n; i++ {
		d.HeadingsDeg[i-1] = heading

		deltaLeft := left[i] - left[i-1]
		deltaRight := right[i] - right[i-1]
		diff := deltaRight - deltaLeft
		theta := diff / wheelbase
		next := heading + theta

		straight := theta == 0
		if !straight && o.tolerance > 0 && scalar.EqualWithinAbs(theta, 0, o.tolerance) {
			straight = true
			d.DegenerateSteps = append(d.DegenerateSteps, i)
			o.logger.WithError(errors.NumericDegeneracyError(i, theta, o.tolerance)).
				Warn("near-zero heading change treated as straight")
		}

		var lx, ly, rx, ry float64
		if straight {
			c, s := math.Cos(heading), math.Sin(heading)
			lx, ly = deltaLeft*c, deltaLeft*s
			rx, ry = deltaRight*c, deltaRight*s
		} else {
			leftR, rightR := ArcRadii(deltaLeft, deltaRight, wheelbase)
			vectorTheta := (heading + next) / 2
			chord := 2 * math.Sin(theta/2)
			c, s := math.Cos(vectorTheta), math.Sin(vectorTheta)
			lx, ly = chord*leftR*c, chord*leftR*s
			rx, ry = chord*rightR*c, chord*rightR*s
		}

		d.Left[i] = Waypoint{X: d.Left[i-1].X + lx, Y: d.Left[i-1].Y + ly}
		d.Right[i] = Waypoint{X: d.Right[i-1].X + rx, Y: d.Right[i-1].Y + ry}
		heading = next
	}

	floats.Scale(radToDeg, d.HeadingsDeg)
	d.finalHeadingDeg = heading * radToDeg
	return d, nil
}

// ArcRadii returns the signed turning radius of each wheel for a step in
// which the wheels travel deltaLeft and deltaRight. The radii always differ
// by exactly the wheelbase. It must not be called for equal deltas.
func ArcRadii(deltaLeft, deltaRight, wheelbase float64) (leftR, rightR float64) {
	half := wheelbase / 2
	rightR = half*(deltaRight+deltaLeft)/(deltaRight-deltaLeft) + half
	leftR = rightR - wheelbase
	return leftR, rightR
}

// validate rejects malformed input before any output is produced.
func validate(left, right []float64, wheelbase, tolerance float64) error {
	if !(wheelbase > 0) || math.IsInf(wheelbase, 0) {
		return errors.ConfigurationError("wheelbase must be positive and finite, got %g", wheelbase)
	}
	if len(left) != len(right) {
		return errors.ConfigurationError("left and right series differ in length: %d != %d", len(left), len(right))
	}
	if len(left) < 2 {
		return errors.ConfigurationError("need at least 2 samples, got %d", len(left))
	}
	if tolerance < 0 || math.IsNaN(tolerance) {
		return errors.ConfigurationError("degeneracy tolerance must be >= 0, got %g", tolerance)
	}
	for i := range left {
		if !finite(left[i]) || !finite(right[i]) {
			return errors.ConfigurationError("sample %d is not finite (left=%g right=%g)", i, left[i], right[i])
		}
	}
	return nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
