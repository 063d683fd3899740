// Channel decorator recording calls into metrics
//
// Copyright (C) 2026 Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package channel

import (
	"tankdrive-go/pkg/log"
	"tankdrive-go/pkg/metrics"
	"tankdrive-go/pkg/profile"
)

// Instrumented wraps a Channel, counting every call in the drivetrain
// metrics and logging commands and failures.
type Instrumented struct {
	inner   Channel
	name    string
	metrics *metrics.DrivetrainMetrics
	logger  *log.Logger
}

// Instrument wraps inner. m may be nil to log only.
func Instrument(name string, inner Channel, m *metrics.DrivetrainMetrics) *Instrumented {
	return &Instrumented{
		inner:   inner,
		name:    name,
		metrics: m,
		logger:  log.GetLogger("channel." + name),
	}
}

// Unwrap returns the wrapped channel.
func (c *Instrumented) Unwrap() Channel { return c.inner }

// Name returns the channel name.
func (c *Instrumented) Name() string { return c.name }

func (c *Instrumented) record(call string) {
	if c.metrics != nil {
		c.metrics.RecordChannelCall(c.name, call)
	}
}

func (c *Instrumented) result(call string, err error) error {
	if err != nil {
		c.logger.WithError(err).WithField("call", call).Warn("channel call failed")
	}
	return err
}

func (c *Instrumented) LoadProfile(p *profile.Profile) error {
	c.record("load_profile")
	c.logger.WithFields(log.Fields{"points": p.Len(), "duration": p.Duration()}).Info("loading profile")
	return c.result("load_profile", c.inner.LoadProfile(p))
}

func (c *Instrumented) IsBufferReady() bool {
	c.record("is_buffer_ready")
	if b, ok := c.inner.(interface{ Buffered() int }); ok && c.metrics != nil {
		c.metrics.SetChannelBuffered(c.name, b.Buffered())
	}
	return c.inner.IsBufferReady()
}

func (c *Instrumented) StartStreaming() error {
	c.record("start_streaming")
	c.logger.Info("start streaming")
	return c.result("start_streaming", c.inner.StartStreaming())
}

func (c *Instrumented) IsFinished() bool {
	c.record("is_finished")
	return c.inner.IsFinished()
}

func (c *Instrumented) HoldCurrentPosition() error {
	c.record("hold")
	c.logger.Info("holding current position")
	return c.result("hold", c.inner.HoldCurrentPosition())
}

func (c *Instrumented) DisableOutput() error {
	c.record("disable")
	c.logger.Info("disabling output")
	return c.result("disable", c.inner.DisableOutput())
}

// State passes through to the wrapped channel, or reports Idle if it
// does not expose one.
func (c *Instrumented) State() State {
	if s, ok := c.inner.(Stater); ok {
		return s.State()
	}
	return Idle
}
