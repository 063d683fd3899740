// Simulated motor controller for the link channel backend
//
// Copyright (C) 2026 Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

// mock-controller simulates a motor controller for the link channel
// backend. Each connection gets its own simulated channel that buffers and
// plays loaded profiles in real time.
//
// Usage:
//
//	mock-controller -socket /tmp/tankdrive_left [-fill-rate 200] [-fault never-ready]
//
// Point a [channel left] section at it with:
//
//	backend: link
//	socket: /tmp/tankdrive_left
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"tankdrive-go/pkg/channel"
	"tankdrive-go/pkg/log"
	"tankdrive-go/pkg/reactor"
)

func parseFaults(spec string) (channel.Fault, error) {
	var f channel.Fault
	for _, name := range strings.Split(spec, ",") {
		switch strings.TrimSpace(name) {
		case "":
		case "never-ready":
			f |= channel.FaultNeverReady
		case "never-finish":
			f |= channel.FaultNeverFinish
		default:
			return 0, fmt.Errorf("unknown fault %q (valid: never-ready, never-finish)", name)
		}
	}
	return f, nil
}

func main() {
	socketPath := flag.String("socket", "/tmp/tankdrive_controller", "Unix socket path")
	name := flag.String("name", "mock", "Channel name used in logs")
	fillRate := flag.Float64("fill-rate", 200, "Points per second moved into the device buffer")
	minBuffered := flag.Int("min-buffered", 10, "Points buffered before the channel reports ready")
	tick := flag.Duration("tick", 5*time.Millisecond, "Simulation step")
	faultSpec := flag.String("fault", "", "Comma-separated faults to inject: never-ready, never-finish")
	flag.Parse()

	logger := log.GetLogger("mock-controller")
	faults, err := parseFaults(*faultSpec)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}

	os.Remove(*socketPath)
	listener, err := net.Listen("unix", *socketPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating socket: %v\n", err)
		os.Exit(1)
	}
	defer os.Remove(*socketPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := reactor.New()
	r.Run()
	defer func() {
		r.End()
		r.Wait()
	}()

	cfg := channel.SimConfig{MinBufferedPoints: *minBuffered, FillRate: *fillRate}
	logger.Info("listening on %s (fill rate %g/s, min buffered %d)", *socketPath, *fillRate, *minBuffered)

	var wg sync.WaitGroup
	go func() {
		<-ctx.Done()
		listener.Close()
	}()
	for id := 1; ; id++ {
		conn, err := listener.Accept()
		if err != nil {
			break
		}
		wg.Add(1)
		go func(id int, conn net.Conn) {
			defer wg.Done()
			serveConn(ctx, r, conn, fmt.Sprintf("%s.%d", *name, id), cfg, faults, *tick)
		}(id, conn)
	}

	logger.Info("shutting down")
	wg.Wait()
}

func serveConn(ctx context.Context, r *reactor.Reactor, conn net.Conn, name string,
	cfg channel.SimConfig, faults channel.Fault, tick time.Duration) {
	logger := log.GetLogger("mock-controller").WithField("conn", name)
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-connCtx.Done()
		conn.Close()
	}()

	sim := channel.NewSim(name, cfg)
	sim.InjectFault(faults)
	timer := sim.Attach(r, tick)
	defer r.UnregisterTimer(timer)

	logger.Info("client connected")
	if err := channel.Serve(connCtx, conn, sim); err != nil && connCtx.Err() == nil {
		logger.WithError(err).Warn("connection error")
	}
	logger.Info("client disconnected")
}
