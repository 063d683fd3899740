// Controller side of the link line protocol
//
// Copyright (C) 2026 Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package channel

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"tankdrive-go/pkg/profile"
)

// Serve answers the Link protocol on rw using sim as the device. It
// returns nil when rw reaches EOF or ctx is done, and the first I/O error
// otherwise. Time on sim must be advanced separately.
func Serve(ctx context.Context, rw io.ReadWriter, sim *Sim) error {
	sc := bufio.NewScanner(rw)
	w := bufio.NewWriter(rw)

	reply := func(format string, args ...interface{}) error {
		fmt.Fprintf(w, format+"\n", args...)
		return w.Flush()
	}

	for sc.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}

		var err error
		switch strings.ToUpper(fields[0]) {
		case "LOAD":
			err = serveLoad(sc, fields, sim)
		case "START":
			err = sim.StartStreaming()
		case "HOLD":
			err = sim.HoldCurrentPosition()
		case "DISABLE":
			err = sim.DisableOutput()
		case "STATUS":
			if werr := reply("STATUS %s %d %d", sim.State(), sim.Buffered(), sim.Remaining()); werr != nil {
				return werr
			}
			continue
		case "SYNC":
			if werr := reply("%s", strings.Join(fields, " ")); werr != nil {
				return werr
			}
			continue
		default:
			err = fmt.Errorf("unknown command %q", fields[0])
		}

		if err != nil {
			err = reply("ERR %s", strings.ReplaceAll(err.Error(), "\n", " "))
		} else {
			err = reply("OK")
		}
		if err != nil {
			return err
		}
	}
	return sc.Err()
}

// serveLoad reads the PT lines following a LOAD header. All n lines are
// consumed even when one is malformed so the stream stays in sync.
func serveLoad(sc *bufio.Scanner, header []string, sim *Sim) error {
	if len(header) != 2 {
		return fmt.Errorf("LOAD takes a point count")
	}
	n, err := strconv.Atoi(header[1])
	if err != nil || n < 0 {
		return fmt.Errorf("bad point count %q", header[1])
	}

	points := make([]profile.Point, 0, min(n, 4096))
	var firstErr error
	for i := 0; i < n; i++ {
		if !sc.Scan() {
			return fmt.Errorf("stream ended after %d of %d points", i, n)
		}
		pt, err := parsePT(sc.Text())
		if err != nil && firstErr == nil {
			firstErr = fmt.Errorf("point %d: %w", i, err)
		}
		points = append(points, pt)
	}
	if firstErr != nil {
		return firstErr
	}
	p, err := profile.New(points)
	if err != nil {
		return err
	}
	return sim.LoadProfile(p)
}

func parsePT(line string) (profile.Point, error) {
	f := strings.Fields(line)
	if len(f) != 5 || strings.ToUpper(f[0]) != "PT" {
		return profile.Point{}, fmt.Errorf("malformed point %q", line)
	}
	var v [4]float64
	for i := range v {
		x, err := strconv.ParseFloat(f[i+1], 64)
		if err != nil {
			return profile.Point{}, fmt.Errorf("malformed point %q", line)
		}
		v[i] = x
	}
	return profile.Point{Position: v[0], Velocity: v[1], Acceleration: v[2], DT: v[3]}, nil
}
