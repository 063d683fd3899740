// tankdrive command-line entry point
//
// Copyright (C) 2026 Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

// tankdrive plays motion profiles on a differential drivetrain.
//
// Usage:
//
//	tankdrive <command> [options] [args]
//
// Commands:
//
//	run        play a left and a right profile on the configured channels
//	decompose  print headings and wheel waypoints for two profiles
//	check      validate a config file and optional profile files
//	history    list recorded runs
//
// Examples:
//
//	# Play two profiles with the channels from robot.cfg
//	tankdrive run -config robot.cfg left.csv right.csv
//
//	# Trace the path two profiles would drive
//	tankdrive decompose -wheelbase 0.62 left.csv right.csv
//
// Logging is configured with TANKDRIVE_LOG_LEVEL, TANKDRIVE_LOG_FORMAT,
// TANKDRIVE_LOG_CALLER and NO_COLOR. Set TANKDRIVE_LOG_FILE to also write
// a rotating log file.
package main

import (
	"fmt"
	"os"

	"tankdrive-go/pkg/log"
)

type command struct {
	name  string
	usage string
	run   func(args []string) int
}

var commands = []command{
	{"run", "play a left and a right profile on the configured channels", runCmd},
	{"decompose", "print headings and wheel waypoints for two profiles", decomposeCmd},
	{"check", "validate a config file and optional profile files", checkCmd},
	{"history", "list recorded runs", historyCmd},
}

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: tankdrive <command> [options] [args]\n\nCommands:\n")
	for _, c := range commands {
		fmt.Fprintf(os.Stderr, "  %-10s %s\n", c.name, c.usage)
	}
	fmt.Fprintf(os.Stderr, "\nRun 'tankdrive <command> -h' for command options.\n")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	name := os.Args[1]
	for _, c := range commands {
		if c.name == name {
			os.Exit(runWithLogFile(c, os.Args[2:]))
		}
	}
	if name == "-h" || name == "-help" || name == "help" {
		usage()
		os.Exit(0)
	}
	fmt.Fprintf(os.Stderr, "Error: unknown command %q\n\n", name)
	usage()
	os.Exit(2)
}

func runWithLogFile(c command, args []string) int {
	path := os.Getenv("TANKDRIVE_LOG_FILE")
	if path == "" {
		return c.run(args)
	}
	closer, err := log.AttachFile(log.Default(), log.RotationConfig{Filename: path})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: log file: %v\n", err)
		return exitFailed
	}
	defer closer.Close()
	return c.run(args)
}
