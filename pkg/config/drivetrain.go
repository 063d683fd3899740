// Drivetrain configuration schema
//
// Copyright (C) 2026 Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package config

import (
	"time"

	"tankdrive-go/pkg/errors"
)

// Backend names accepted in [channel left] and [channel right].
const (
	BackendSim  = "sim"
	BackendLink = "link"
)

// Drivetrain is the parsed drivetrain configuration.
type Drivetrain struct {
	Wheelbase           float64
	DegeneracyTolerance float64

	Runner  RunnerConfig
	Left    ChannelConfig
	Right   ChannelConfig
	Safety  SafetyConfig
	Metrics ServerConfig
	Status  ServerConfig
	History HistoryConfig
}

// RunnerConfig is the [profile_runner] section.
type RunnerConfig struct {
	Timeout    time.Duration
	TickPeriod time.Duration
}

// ChannelConfig is a [channel <side>] section.
type ChannelConfig struct {
	Name              string
	Backend           string
	Device            string // serial device, link backend
	Socket            string // unix socket, link backend
	Baud              int
	MinBufferedPoints int
	FillRate          float64 // points per second, sim backend
}

// SafetyConfig is the [safety] section.
type SafetyConfig struct {
	// WatchdogTimeout of zero disables the watchdog.
	WatchdogTimeout time.Duration
}

// ServerConfig is a [metrics] or [status] section. An empty Address
// disables the server.
type ServerConfig struct {
	Address string
}

// HistoryConfig is the [history] section. An empty Database disables
// run history.
type HistoryConfig struct {
	Database string
}

// LoadDrivetrain reads path and parses the drivetrain configuration.
func LoadDrivetrain(path string) (*Drivetrain, error) {
	c, err := Load(path)
	if err != nil {
		return nil, err
	}
	return ParseDrivetrain(c)
}

// ParseDrivetrain extracts and validates the drivetrain configuration.
// Only [drivetrain] is required. Unknown sections and options are
// rejected so typos surface at startup.
func ParseDrivetrain(c *Config) (*Drivetrain, error) {
	d := &Drivetrain{}

	sec, err := c.GetSection("drivetrain")
	if err != nil {
		return nil, err
	}
	if d.Wheelbase, err = sec.GetFloatWithBounds("wheelbase", FloatBounds{Above: Ptr(0.0)}); err != nil {
		return nil, err
	}
	if d.DegeneracyTolerance, err = sec.GetFloatWithBounds("degeneracy_tolerance", FloatBounds{MinVal: Ptr(0.0)}, 0); err != nil {
		return nil, err
	}

	d.Runner = RunnerConfig{Timeout: 15 * time.Second, TickPeriod: 20 * time.Millisecond}
	if sec := c.GetSectionOptional("profile_runner"); sec != nil {
		if d.Runner.Timeout, err = sec.GetDuration("timeout", d.Runner.Timeout); err != nil {
			return nil, err
		}
		if d.Runner.TickPeriod, err = sec.GetDuration("tick_period", d.Runner.TickPeriod); err != nil {
			return nil, err
		}
	}
	if d.Runner.TickPeriod > d.Runner.Timeout {
		return nil, errors.ConfigValidationError("profile_runner", "tick_period", "must not exceed timeout")
	}

	if d.Left, err = parseChannel(c, "left"); err != nil {
		return nil, err
	}
	if d.Right, err = parseChannel(c, "right"); err != nil {
		return nil, err
	}

	if sec := c.GetSectionOptional("safety"); sec != nil {
		secs, err := sec.GetFloatWithBounds("watchdog_timeout", FloatBounds{MinVal: Ptr(0.0)}, 0)
		if err != nil {
			return nil, err
		}
		d.Safety.WatchdogTimeout = time.Duration(secs * float64(time.Second))
	}
	if sec := c.GetSectionOptional("metrics"); sec != nil {
		if d.Metrics.Address, err = sec.Get("address", ":9100"); err != nil {
			return nil, err
		}
	}
	if sec := c.GetSectionOptional("status"); sec != nil {
		if d.Status.Address, err = sec.Get("address", ":7130"); err != nil {
			return nil, err
		}
	}
	if sec := c.GetSectionOptional("history"); sec != nil {
		if d.History.Database, err = sec.Get("database"); err != nil {
			return nil, err
		}
	}

	if err := c.CheckUnused(); err != nil {
		return nil, err
	}
	return d, nil
}

func parseChannel(c *Config, side string) (ChannelConfig, error) {
	name := "channel " + side
	cc := ChannelConfig{Name: side, Backend: BackendSim, Baud: 115200, MinBufferedPoints: 10, FillRate: 200}
	sec := c.GetSectionOptional(name)
	if sec == nil {
		return cc, nil
	}

	var err error
	if cc.Backend, err = sec.GetChoice("backend", []string{BackendSim, BackendLink}, BackendSim); err != nil {
		return cc, err
	}
	if cc.MinBufferedPoints, err = sec.GetIntWithBounds("min_buffered_points", Ptr(1), nil, cc.MinBufferedPoints); err != nil {
		return cc, err
	}

	switch cc.Backend {
	case BackendSim:
		if cc.FillRate, err = sec.GetFloatWithBounds("fill_rate", FloatBounds{Above: Ptr(0.0)}, cc.FillRate); err != nil {
			return cc, err
		}
	case BackendLink:
		if cc.Device, err = sec.Get("device", ""); err != nil {
			return cc, err
		}
		if cc.Socket, err = sec.Get("socket", ""); err != nil {
			return cc, err
		}
		if (cc.Device == "") == (cc.Socket == "") {
			return cc, errors.ConfigValidationError(name, "device", "link backend needs exactly one of device or socket")
		}
		if cc.Baud, err = sec.GetIntWithBounds("baud", Ptr(1), nil, cc.Baud); err != nil {
			return cc, err
		}
	}
	return cc, nil
}
