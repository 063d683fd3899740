// Motion profile file format
//
// Copyright (C) 2026 Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package profile

import (
	"bufio"
	"encoding/csv"
	stderrors "errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"tankdrive-go/pkg/errors"
)

// Parse reads the interchange format: a point count N on the first record,
// then N records of "position, velocity, acceleration, dt". Blank lines and
// lines starting with '#' are skipped.
func Parse(r io.Reader) (*Profile, error) {
	cr := csv.NewReader(bufio.NewReader(r))
	cr.Comment = '#'
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := readRecord(cr)
	if err == io.EOF {
		return nil, errors.ProfileFormatError(1, "missing point count")
	}
	if err != nil {
		return nil, csvError(err)
	}
	line, _ := cr.FieldPos(0)
	if len(header) != 1 {
		return nil, errors.ProfileFormatError(line, fmt.Sprintf("point count record has %d fields", len(header)))
	}
	n, err := strconv.Atoi(strings.TrimSpace(header[0]))
	if err != nil || n < 0 {
		return nil, errors.ProfileFormatError(line, fmt.Sprintf("invalid point count %q", header[0]))
	}

	points := make([]Point, 0, min(n, 4096))
	for {
		rec, err := readRecord(cr)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, csvError(err)
		}
		line, _ = cr.FieldPos(0)
		if len(points) == n {
			return nil, errors.ProfileFormatError(line, fmt.Sprintf("more than %d points", n))
		}
		pt, err := parsePoint(rec, line)
		if err != nil {
			return nil, err
		}
		points = append(points, pt)
	}
	if len(points) != n {
		return nil, errors.ProfileFormatError(line, fmt.Sprintf("expected %d points, got %d", n, len(points)))
	}
	return &Profile{points: points}, nil
}

// readRecord skips records made only of whitespace, which csv does not
// treat as blank lines.
func readRecord(cr *csv.Reader) ([]string, error) {
	for {
		rec, err := cr.Read()
		if err != nil {
			return nil, err
		}
		if len(rec) == 1 && strings.TrimSpace(rec[0]) == "" {
			continue
		}
		return rec, nil
	}
}

func parsePoint(rec []string, line int) (Point, error) {
	if len(rec) != 4 {
		return Point{}, errors.ProfileFormatError(line, fmt.Sprintf("expected 4 fields, got %d", len(rec)))
	}
	var vals [4]float64
	for i, field := range rec {
		v, err := strconv.ParseFloat(strings.TrimSpace(field), 64)
		if err != nil || !finite(v) {
			return Point{}, errors.ProfileFormatError(line, fmt.Sprintf("field %d: invalid number %q", i+1, field))
		}
		vals[i] = v
	}
	if vals[3] < 0 {
		return Point{}, errors.ProfileFormatError(line, fmt.Sprintf("negative dt %g", vals[3]))
	}
	return Point{Position: vals[0], Velocity: vals[1], Acceleration: vals[2], DT: vals[3]}, nil
}

func csvError(err error) error {
	var pe *csv.ParseError
	if stderrors.As(err, &pe) {
		return errors.ProfileFormatError(pe.Line, pe.Err.Error())
	}
	return errors.Wrap(err, errors.ErrProfileFormat, "read profile")
}

// LoadFile parses the profile stored at path.
func LoadFile(path string) (*Profile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrProfileFormat, "open profile").SetFile(path)
	}
	defer f.Close()

	p, err := Parse(f)
	if err != nil {
		var he *errors.HostError
		if stderrors.As(err, &he) && he.File == "" {
			he.SetFile(path)
		}
		return nil, err
	}
	return p, nil
}

// Write encodes p in the format Parse reads.
func Write(w io.Writer, p *Profile) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "%d\n", p.Len())
	for i := 0; i < p.Len(); i++ {
		pt := p.At(i)
		fmt.Fprintf(bw, "%s,%s,%s,%s\n", formatFloat(pt.Position), formatFloat(pt.Velocity),
			formatFloat(pt.Acceleration), formatFloat(pt.DT))
	}
	return bw.Flush()
}

func formatFloat(v float64) string {
	if v == math.Trunc(v) && math.Abs(v) < 1e15 {
		return strconv.FormatFloat(v, 'f', 1, 64)
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}
