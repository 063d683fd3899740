// Drivetrain host assembly
//
// Copyright (C) 2026 Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

// Package drivetrain assembles a configured differential drivetrain: two
// motion profile channels driven from one reactor, the command scheduler,
// the safety manager, and the optional metrics, status and history
// services.
package drivetrain

import (
	"context"
	stderrors "errors"
	"io"
	"sync"
	"time"

	"tankdrive-go/pkg/channel"
	"tankdrive-go/pkg/config"
	"tankdrive-go/pkg/errors"
	"tankdrive-go/pkg/history"
	"tankdrive-go/pkg/kinematics"
	"tankdrive-go/pkg/log"
	"tankdrive-go/pkg/metrics"
	"tankdrive-go/pkg/profile"
	"tankdrive-go/pkg/reactor"
	"tankdrive-go/pkg/runner"
	"tankdrive-go/pkg/safety"
	"tankdrive-go/pkg/scheduler"
	"tankdrive-go/pkg/serial"
	"tankdrive-go/pkg/status"
)

// Resources claimed by a profile run.
const (
	ResourceLeft  = "left"
	ResourceRight = "right"
)

// Drivetrain is a running drivetrain host.
type Drivetrain struct {
	cfg *config.Drivetrain

	diff    *kinematics.Differential
	left    *channel.Instrumented
	right   *channel.Instrumented
	reactor *reactor.Reactor
	sched   *scheduler.Scheduler
	safety  *safety.Manager
	metrics *metrics.DrivetrainMetrics
	history *history.Store

	metricsServer *metrics.Server
	statusServer  *status.Server

	closers []io.Closer
	logger  *log.Logger

	mu      sync.Mutex
	lastRun *status.RunStatus
	started bool
	closed  bool
}

// New builds the drivetrain described by cfg. Nothing runs until Start.
func New(cfg *config.Drivetrain) (*Drivetrain, error) {
	d := &Drivetrain{
		cfg:     cfg,
		reactor: reactor.New(),
		sched:   scheduler.New(),
		safety:  safety.New(),
		metrics: metrics.NewDrivetrainMetrics(),
		logger:  log.GetLogger("drivetrain"),
	}

	var opts []kinematics.Option
	if cfg.DegeneracyTolerance > 0 {
		opts = append(opts, kinematics.WithDegeneracyTolerance(cfg.DegeneracyTolerance))
	}
	diff, err := kinematics.NewDifferential(cfg.Wheelbase, opts...)
	if err != nil {
		return nil, err
	}
	d.diff = diff

	left, err := d.openChannel(cfg.Left)
	if err != nil {
		d.closeAll()
		return nil, err
	}
	right, err := d.openChannel(cfg.Right)
	if err != nil {
		d.closeAll()
		return nil, err
	}
	d.left = channel.Instrument(cfg.Left.Name, left, d.metrics)
	d.right = channel.Instrument(cfg.Right.Name, right, d.metrics)

	d.safety.Configure(safety.Config{WatchdogTimeout: cfg.Safety.WatchdogTimeout, Metrics: d.metrics})
	d.safety.RegisterCanceller(d.sched)
	d.safety.RegisterOutput(cfg.Left.Name, d.left)
	d.safety.RegisterOutput(cfg.Right.Name, d.right)
	d.safety.OnShutdown(func(reason safety.ShutdownReason, msg string) {
		d.logger.WithFields(log.Fields{"reason": string(reason)}).Error("drivetrain shut down: " + msg)
	})

	if cfg.History.Database != "" {
		store, err := history.Open(cfg.History.Database)
		if err != nil {
			d.closeAll()
			return nil, errors.Wrap(err, errors.ErrRuntimeInit, "open run history")
		}
		d.history = store
		d.closers = append(d.closers, store)
	}
	if cfg.Metrics.Address != "" {
		mc := metrics.DefaultServerConfig()
		mc.Address = cfg.Metrics.Address
		d.metricsServer = metrics.NewServer(d.metrics, mc)
	}
	if cfg.Status.Address != "" {
		d.statusServer = status.New(status.Config{
			Addr:            cfg.Status.Address,
			Snapshot:        d.Snapshot,
			EmergencyStop:   d.EmergencyStop,
			BroadcastPeriod: time.Second,
		})
	}
	return d, nil
}

// openChannel creates the backend for one side and hooks its periodic
// work onto the reactor.
func (d *Drivetrain) openChannel(cc config.ChannelConfig) (channel.Channel, error) {
	switch cc.Backend {
	case config.BackendLink:
		var (
			port *serial.Port
			err  error
		)
		if cc.Socket != "" {
			port, err = serial.OpenSocket(cc.Socket, 0)
		} else {
			sc := serial.DefaultConfig()
			sc.Device = cc.Device
			sc.BaudRate = cc.Baud
			port, err = serial.Open(sc)
		}
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrRuntimeInit, cc.Name+": open controller")
		}
		d.closers = append(d.closers, port)
		link := channel.NewLink(cc.Name, port, channel.LinkConfig{MinBufferedPoints: cc.MinBufferedPoints})
		link.Attach(d.reactor, d.cfg.Runner.TickPeriod)
		return link, nil
	default:
		name := cc.Name
		sim := channel.NewSim(name, channel.SimConfig{
			MinBufferedPoints: cc.MinBufferedPoints,
			FillRate:          cc.FillRate,
			OnUnderrun:        func() { d.metrics.RecordUnderrun(name) },
		})
		sim.Attach(d.reactor, d.cfg.Runner.TickPeriod)
		return sim, nil
	}
}

// Start runs the reactor, the scheduler tick, the watchdog and any
// configured servers.
func (d *Drivetrain) Start() error {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return errors.RuntimeError("drivetrain already started")
	}
	d.started = true
	d.mu.Unlock()

	period := d.cfg.Runner.TickPeriod
	d.sched.Attach(d.reactor, period)
	d.reactor.Every(period, func(float64) {
		d.safety.Heartbeat()
		d.sampleBuffers()
	})
	d.reactor.Run()

	if d.cfg.Safety.WatchdogTimeout > 0 {
		d.safety.StartWatchdog()
	}
	if d.metricsServer != nil {
		errCh, err := d.metricsServer.Start()
		if err != nil {
			return err
		}
		go func() {
			for err := range errCh {
				d.logger.WithError(err).Error("metrics server stopped")
			}
		}()
		d.logger.Info("metrics on %s", d.metricsServer.Addr())
	}
	if d.statusServer != nil {
		go func() {
			if err := d.statusServer.Start(); err != nil {
				d.logger.WithError(err).Error("status server stopped")
			}
		}()
	}
	return nil
}

type bufferedChannel interface {
	Buffered() int
}

func (d *Drivetrain) sampleBuffers() {
	for _, ch := range []*channel.Instrumented{d.left, d.right} {
		if b, ok := ch.Unwrap().(bufferedChannel); ok {
			d.metrics.SetChannelBuffered(ch.Name(), b.Buffered())
		}
	}
}

// Close stops everything started by Start and releases the controllers.
// Outputs are disabled first.
func (d *Drivetrain) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	d.sched.Disable()
	var errs []error
	for _, ch := range []*channel.Instrumented{d.left, d.right} {
		if err := ch.DisableOutput(); err != nil {
			errs = append(errs, err)
		}
	}
	d.safety.StopWatchdog()
	d.reactor.End()
	d.reactor.Wait()

	if d.statusServer != nil {
		d.statusServer.Stop()
	}
	if d.metricsServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		d.metricsServer.Shutdown(ctx)
		cancel()
	}
	errs = append(errs, d.closeAll())
	return stderrors.Join(errs...)
}

func (d *Drivetrain) closeAll() error {
	var errs []error
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	d.closers = nil
	return stderrors.Join(errs...)
}

// Decompose turns cumulative wheel displacements into headings and wheel
// contact waypoints using the configured geometry.
func (d *Drivetrain) Decompose(left, right []float64) (*kinematics.Decomposition, error) {
	start := time.Now()
	dec, err := d.diff.Decompose(left, right)
	if err != nil {
		return nil, err
	}
	d.metrics.RecordDecompose(time.Since(start), len(dec.DegenerateSteps))
	return dec, nil
}

// Run plays one profile per side and blocks until the run ends. Cancelling
// ctx cancels the run, which disables both outputs, and the error then
// wraps scheduler.ErrInterrupted. A timeout is reported in Result.Err
// only.
func (d *Drivetrain) Run(ctx context.Context, name string, left, right *profile.Profile) (runner.Result, error) {
	if err := d.safety.CheckOperational(); err != nil {
		return runner.Result{}, err
	}

	var run *runner.Runner
	run, err := runner.New(d.left, d.right,
		runner.Config{Timeout: d.cfg.Runner.Timeout},
		runner.WithMetrics(d.metrics),
		runner.WithProfiles(left, right),
		runner.WithEventHandler(func(e runner.Event) {
			rs := status.FromResult(run.Result())
			d.mu.Lock()
			d.lastRun = &rs
			d.mu.Unlock()
			if d.statusServer != nil {
				d.statusServer.Publish(e)
			}
		}),
	)
	if err != nil {
		return runner.Result{}, err
	}

	logger := d.logger.WithFields(log.Fields{"run": run.ID().String(), "profile": name})
	if d.history != nil {
		if err := d.history.Start(ctx, run.ID(), name, left.Len(), time.Now()); err != nil {
			logger.WithError(err).Warn("history start failed")
		}
	}

	h, err := d.sched.Schedule("profile "+name, run, ResourceLeft, ResourceRight)
	if err == nil {
		select {
		case <-h.Done():
		case <-ctx.Done():
			logger.Info("run cancelled by caller")
			d.sched.Cancel(h)
			<-h.Done()
		}
		err = h.Err()
	}

	res := run.Result()
	if d.history != nil {
		if herr := d.history.Finish(context.WithoutCancel(ctx), res, time.Now()); herr != nil {
			logger.WithError(herr).Warn("history finish failed")
		}
	}
	return res, err
}

// EmergencyStop disables both outputs and cancels any running command.
func (d *Drivetrain) EmergencyStop(reason string) error {
	return d.safety.EmergencyStop(reason)
}

// Reset clears a shutdown so runs may be scheduled again. A shutdown
// stops the watchdog, so a started drivetrain re-arms it here.
func (d *Drivetrain) Reset() error {
	if err := d.safety.Reset(); err != nil {
		return err
	}
	d.sched.Enable()

	d.mu.Lock()
	live := d.started && !d.closed
	d.mu.Unlock()
	if live && d.cfg.Safety.WatchdogTimeout > 0 {
		d.safety.StartWatchdog()
	}
	return nil
}

// Snapshot reports the last run, the safety state and both channel
// states.
func (d *Drivetrain) Snapshot() status.Snapshot {
	st := d.safety.GetStatus()
	snap := status.Snapshot{
		Safety: &st,
		Channels: map[string]string{
			d.left.Name():  d.left.State().String(),
			d.right.Name(): d.right.State().String(),
		},
	}
	d.mu.Lock()
	if d.lastRun != nil {
		rs := *d.lastRun
		snap.Run = &rs
	}
	d.mu.Unlock()
	return snap
}

// Metrics returns the drivetrain metrics.
func (d *Drivetrain) Metrics() *metrics.DrivetrainMetrics { return d.metrics }

// History returns the run history store, or nil when disabled.
func (d *Drivetrain) History() *history.Store { return d.history }

// Safety returns the safety manager.
func (d *Drivetrain) Safety() *safety.Manager { return d.safety }
