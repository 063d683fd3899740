// tankdrive subcommands
//
// Copyright (C) 2026 Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package main

import (
	"context"
	"encoding/csv"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"text/tabwriter"
	"time"

	"tankdrive-go/pkg/config"
	"tankdrive-go/pkg/drivetrain"
	"tankdrive-go/pkg/errors"
	"tankdrive-go/pkg/history"
	"tankdrive-go/pkg/kinematics"
	"tankdrive-go/pkg/log"
	"tankdrive-go/pkg/profile"
	"tankdrive-go/pkg/runner"
)

// Exit codes for run.
const (
	exitOK      = 0
	exitFailed  = 1
	exitUsage   = 2
	exitTimeout = 3
)

var logger = log.GetLogger("tankdrive")

func newFlagSet(name, args string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: tankdrive %s [options] %s\n\nOptions:\n", name, args)
		fs.PrintDefaults()
	}
	return fs
}

func loadProfiles(leftPath, rightPath string) (*profile.Profile, *profile.Profile, error) {
	left, err := profile.LoadFile(leftPath)
	if err != nil {
		return nil, nil, err
	}
	right, err := profile.LoadFile(rightPath)
	if err != nil {
		return nil, nil, err
	}
	return left, right, nil
}

func positions(p *profile.Profile) []float64 {
	out := make([]float64, p.Len())
	for i, pt := range p.Points() {
		out[i] = pt.Position
	}
	return out
}

func runCmd(args []string) int {
	fs := newFlagSet("run", "<left.csv> <right.csv>")
	configFile := fs.String("config", "", "Drivetrain configuration file (required)")
	name := fs.String("name", "", "Name recorded in run history (default: left profile file name)")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if *configFile == "" || fs.NArg() != 2 {
		fs.Usage()
		return exitUsage
	}

	cfg, err := config.LoadDrivetrain(*configFile)
	if err != nil {
		logger.WithError(err).Error("invalid configuration")
		return exitFailed
	}
	left, right, err := loadProfiles(fs.Arg(0), fs.Arg(1))
	if err != nil {
		logger.WithError(err).Error("invalid profile")
		return exitFailed
	}
	if *name == "" {
		*name = filepath.Base(fs.Arg(0))
	}

	d, err := drivetrain.New(cfg)
	if err != nil {
		logger.WithError(err).Error("drivetrain setup failed")
		return exitFailed
	}
	defer func() {
		if err := d.Close(); err != nil {
			logger.WithError(err).Warn("shutdown incomplete")
		}
	}()
	if err := d.Start(); err != nil {
		logger.WithError(err).Error("drivetrain start failed")
		return exitFailed
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	res, err := d.Run(ctx, *name, left, right)
	printResult(os.Stdout, res)
	switch {
	case err != nil:
		logger.WithError(err).Error("run did not complete")
		return exitFailed
	case res.Outcome == runner.Timeout:
		return exitTimeout
	case res.Outcome != runner.NormalFinish:
		return exitFailed
	}
	return exitOK
}

func printResult(w io.Writer, res runner.Result) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "run\t%s\n", res.RunID)
	fmt.Fprintf(tw, "outcome\t%s\n", res.Outcome)
	fmt.Fprintf(tw, "elapsed\t%s\n", res.Elapsed.Round(time.Millisecond))
	fmt.Fprintf(tw, "ticks\t%d\n", res.Ticks)
	if res.StartTick >= 0 {
		fmt.Fprintf(tw, "streaming started\ttick %d\n", res.StartTick)
	} else {
		fmt.Fprintf(tw, "streaming started\tnever\n")
	}
	if res.Err != nil {
		fmt.Fprintf(tw, "error\t%v\n", res.Err)
	}
	tw.Flush()
}

func decomposeCmd(args []string) int {
	fs := newFlagSet("decompose", "<left.csv> <right.csv>")
	configFile := fs.String("config", "", "Drivetrain configuration file for wheelbase and tolerance")
	wheelbase := fs.Float64("wheelbase", 0, "Wheelbase in metres (overrides -config)")
	tolerance := fs.Float64("tolerance", -1, "Degeneracy tolerance in radians (overrides -config)")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if fs.NArg() != 2 || (*configFile == "" && *wheelbase <= 0) {
		fs.Usage()
		return exitUsage
	}

	wb, tol := *wheelbase, 0.0
	if *configFile != "" {
		cfg, err := config.LoadDrivetrain(*configFile)
		if err != nil {
			logger.WithError(err).Error("invalid configuration")
			return exitFailed
		}
		if wb <= 0 {
			wb = cfg.Wheelbase
		}
		tol = cfg.DegeneracyTolerance
	}
	if *tolerance >= 0 {
		tol = *tolerance
	}

	left, right, err := loadProfiles(fs.Arg(0), fs.Arg(1))
	if err != nil {
		logger.WithError(err).Error("invalid profile")
		return exitFailed
	}
	opts := []kinematics.Option{kinematics.WithLogger(log.GetLogger("kinematics"))}
	if tol > 0 {
		opts = append(opts, kinematics.WithDegeneracyTolerance(tol))
	}
	diff, err := kinematics.NewDifferential(wb, opts...)
	if err != nil {
		logger.WithError(err).Error("invalid geometry")
		return exitFailed
	}
	dec, err := diff.Decompose(positions(left), positions(right))
	if err != nil {
		logger.WithError(err).Error("decomposition failed")
		return exitFailed
	}
	if err := writeDecomposition(os.Stdout, dec); err != nil {
		logger.WithError(err).Error("write failed")
		return exitFailed
	}
	if n := len(dec.DegenerateSteps); n > 0 {
		logger.Warn("%d steps treated as straight (near-zero heading change)", n)
	}
	return exitOK
}

func writeDecomposition(w io.Writer, dec *kinematics.Decomposition) error {
	ff := func(v float64) string { return strconv.FormatFloat(v, 'g', -1, 64) }
	cw := csv.NewWriter(w)
	cw.Write([]string{"index", "heading_deg", "left_x", "left_y", "right_x", "right_y", "center_x", "center_y"})
	for i, p := range dec.Poses() {
		l, r := dec.Left[i], dec.Right[i]
		cw.Write([]string{strconv.Itoa(i), ff(p.HeadingDeg), ff(l.X), ff(l.Y), ff(r.X), ff(r.Y), ff(p.X), ff(p.Y)})
	}
	cw.Flush()
	return cw.Error()
}

func checkCmd(args []string) int {
	fs := newFlagSet("check", "[profile.csv...]")
	configFile := fs.String("config", "", "Drivetrain configuration file")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if *configFile == "" && fs.NArg() == 0 {
		fs.Usage()
		return exitUsage
	}

	status := exitOK
	if *configFile != "" {
		cfg, err := config.LoadDrivetrain(*configFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", *configFile, err)
			status = exitFailed
		} else {
			fmt.Printf("%s: ok (wheelbase %g, timeout %s, left %s, right %s)\n", *configFile,
				cfg.Wheelbase, cfg.Runner.Timeout, cfg.Left.Backend, cfg.Right.Backend)
		}
	}
	for _, path := range fs.Args() {
		p, err := profile.LoadFile(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", path, err)
			status = exitFailed
			continue
		}
		fmt.Printf("%s: ok (%d points, %.3fs)\n", path, p.Len(), p.Duration())
	}
	return status
}

func historyCmd(args []string) int {
	fs := newFlagSet("history", "")
	configFile := fs.String("config", "", "Drivetrain configuration file with a [history] section")
	database := fs.String("db", "", "History database (overrides -config)")
	limit := fs.Int("n", 20, "Number of runs to list (0 for all)")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	path := *database
	if path == "" && *configFile != "" {
		cfg, err := config.LoadDrivetrain(*configFile)
		if err != nil {
			logger.WithError(err).Error("invalid configuration")
			return exitFailed
		}
		path = cfg.History.Database
	}
	if path == "" {
		fmt.Fprintln(os.Stderr, "Error: no history database; pass -db or a config with [history]")
		return exitUsage
	}

	store, err := history.Open(path)
	if err != nil {
		logger.WithError(errors.Wrap(err, errors.ErrRuntimeInit, "open history")).Error("history unavailable")
		return exitFailed
	}
	defer store.Close()

	ctx := context.Background()
	runs, err := store.List(ctx, *limit)
	if err != nil {
		logger.WithError(err).Error("list failed")
		return exitFailed
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STARTED\tRUN\tPROFILE\tPOINTS\tOUTCOME\tELAPSED\tERROR")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\t%s\n", r.StartedAt.Format(time.DateTime), r.RunID,
			r.Profile, r.Points, r.Outcome, r.Elapsed.Round(time.Millisecond), r.Error)
	}
	tw.Flush()

	totals, err := store.Totals(ctx)
	if err != nil {
		logger.WithError(err).Error("totals failed")
		return exitFailed
	}
	fmt.Printf("\n%d finished runs, %s total, longest %s\n", totals.Runs,
		totals.TotalElapsed.Round(time.Millisecond), totals.LongestRun.Round(time.Millisecond))
	return exitOK
}
