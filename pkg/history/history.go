// Profile run history store
//
// Copyright (C) 2026 Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

// Package history keeps a record of profile runs in a SQLite database.
package history

import (
	"context"
	"database/sql"
	_ "embed"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"tankdrive-go/pkg/log"
	"tankdrive-go/pkg/runner"
)

//go:embed schema.sql
var schemaSQL string

// ErrNotFound is returned when no run has the requested id.
var ErrNotFound = stderrors.New("run not found")

// Run is one recorded profile run.
type Run struct {
	RunID      uuid.UUID     `json:"run_id"`
	Profile    string        `json:"profile"`
	Points     int           `json:"points"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt *time.Time    `json:"finished_at,omitempty"`
	State      string        `json:"state"`
	Outcome    string        `json:"outcome"`
	Elapsed    time.Duration `json:"elapsed"`
	Ticks      int           `json:"ticks"`
	StartTick  int           `json:"start_tick"`
	Error      string        `json:"error,omitempty"`
}

// Totals aggregates every finished run.
type Totals struct {
	Runs         int            `json:"runs"`
	ByOutcome    map[string]int `json:"by_outcome"`
	TotalElapsed time.Duration  `json:"total_elapsed"`
	LongestRun   time.Duration  `json:"longest_run"`
}

// Store records runs.
type Store struct {
	db     *sql.DB
	logger *log.Logger
}

// Open opens or creates the database at path and applies the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open history database: %w", err)
	}
	// One writer; also keeps ":memory:" databases on a single connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply history schema: %w", err)
	}
	logger := log.GetLogger("history")
	logger.Debug("history database ready at %s", path)
	return &Store{db: db, logger: logger}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Start records a run that has just been initialized.
func (s *Store) Start(ctx context.Context, id uuid.UUID, profile string, points int, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO profile_runs (run_id, profile, points, started_at)
		VALUES (?, ?, ?, ?)
	`, id.String(), profile, points, at.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to start run %s: %w", id, err)
	}
	return nil
}

// Finish stores the final result of a run started with Start.
func (s *Store) Finish(ctx context.Context, r runner.Result, at time.Time) error {
	errText := ""
	if r.Err != nil {
		errText = r.Err.Error()
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE profile_runs
		SET finished_at = ?, state = ?, outcome = ?, elapsed_ns = ?,
			ticks = ?, start_tick = ?, error = ?
		WHERE run_id = ?
	`, at.UnixNano(), r.State.String(), r.Outcome.String(), int64(r.Elapsed),
		r.Ticks, r.StartTick, errText, r.RunID.String())
	if err != nil {
		return fmt.Errorf("failed to finish run %s: %w", r.RunID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to finish run %s: %w", r.RunID, err)
	}
	if n == 0 {
		return fmt.Errorf("finish run %s: %w", r.RunID, ErrNotFound)
	}
	return nil
}

const selectRun = `
	SELECT run_id, profile, points, started_at, finished_at, state, outcome,
		elapsed_ns, ticks, start_tick, error
	FROM profile_runs`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner) (Run, error) {
	var (
		r         Run
		id        string
		started   int64
		finished  sql.NullInt64
		elapsedNs int64
	)
	if err := sc.Scan(&id, &r.Profile, &r.Points, &started, &finished, &r.State, &r.Outcome,
		&elapsedNs, &r.Ticks, &r.StartTick, &r.Error); err != nil {
		return r, err
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return r, fmt.Errorf("bad run id %q: %w", id, err)
	}
	r.RunID = parsed
	r.StartedAt = time.Unix(0, started)
	if finished.Valid {
		t := time.Unix(0, finished.Int64)
		r.FinishedAt = &t
	}
	r.Elapsed = time.Duration(elapsedNs)
	return r, nil
}

// Get returns one run.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (Run, error) {
	row := s.db.QueryRowContext(ctx, selectRun+` WHERE run_id = ?`, id.String())
	r, err := scanRun(row)
	if stderrors.Is(err, sql.ErrNoRows) {
		return r, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return r, fmt.Errorf("failed to get run %s: %w", id, err)
	}
	return r, nil
}

// List returns the most recent runs first. limit <= 0 returns every run.
func (s *Store) List(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, selectRun+` ORDER BY started_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Totals summarizes finished runs.
func (s *Store) Totals(ctx context.Context) (Totals, error) {
	t := Totals{ByOutcome: make(map[string]int)}
	rows, err := s.db.QueryContext(ctx, `
		SELECT outcome, COUNT(*), SUM(elapsed_ns), MAX(elapsed_ns)
		FROM profile_runs
		WHERE finished_at IS NOT NULL
		GROUP BY outcome
	`)
	if err != nil {
		return t, fmt.Errorf("failed to total runs: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			outcome   string
			count     int
			sum, most int64
		)
		if err := rows.Scan(&outcome, &count, &sum, &most); err != nil {
			return t, fmt.Errorf("failed to scan totals: %w", err)
		}
		t.ByOutcome[outcome] = count
		t.Runs += count
		t.TotalElapsed += time.Duration(sum)
		if d := time.Duration(most); d > t.LongestRun {
			t.LongestRun = d
		}
	}
	return t, rows.Err()
}

// Prune deletes finished runs that started before cutoff and returns how
// many were removed.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM profile_runs WHERE finished_at IS NOT NULL AND started_at < ?
	`, cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to prune runs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Info("pruned %d runs older than %s", n, cutoff.Format(time.RFC3339))
	}
	return n, nil
}
