// Run history tests
//
// Copyright (C) 2026 Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package history

import (
	"context"
	stderrors "errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tankdrive-go/pkg/runner"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStartFinishGet(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	id := uuid.New()
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.Start(ctx, id, "square.csv", 40, start))

	r, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, id, r.RunID)
	assert.Equal(t, "square.csv", r.Profile)
	assert.Equal(t, 40, r.Points)
	assert.True(t, r.StartedAt.Equal(start))
	assert.Nil(t, r.FinishedAt)
	assert.Equal(t, "pending", r.Outcome)
	assert.Equal(t, -1, r.StartTick)

	end := start.Add(2 * time.Second)
	require.NoError(t, s.Finish(ctx, runner.Result{
		RunID:     id,
		State:     runner.Done,
		Outcome:   runner.Timeout,
		Elapsed:   1500 * time.Millisecond,
		Ticks:     76,
		StartTick: -1,
		Err:       stderrors.New("execution timeout"),
	}, end))

	r, err = s.Get(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, r.FinishedAt)
	assert.True(t, r.FinishedAt.Equal(end))
	assert.Equal(t, "done", r.State)
	assert.Equal(t, "timeout", r.Outcome)
	assert.Equal(t, 1500*time.Millisecond, r.Elapsed)
	assert.Equal(t, 76, r.Ticks)
	assert.Equal(t, "execution timeout", r.Error)
}

func TestNotFound(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	_, err := s.Get(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)

	err = s.Finish(ctx, runner.Result{RunID: uuid.New()}, time.Now())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDuplicateStart(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	id := uuid.New()
	require.NoError(t, s.Start(ctx, id, "a", 1, time.Now()))
	assert.Error(t, s.Start(ctx, id, "a", 1, time.Now()))
}

func TestListAndTotals(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	outcomes := []runner.Outcome{runner.NormalFinish, runner.NormalFinish, runner.Cancelled, runner.Pending}
	var ids []uuid.UUID
	for i, o := range outcomes {
		id := uuid.New()
		ids = append(ids, id)
		at := base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, s.Start(ctx, id, "p", 10, at))
		if o == runner.Pending {
			continue
		}
		require.NoError(t, s.Finish(ctx, runner.Result{
			RunID:   id,
			State:   runner.Done,
			Outcome: o,
			Elapsed: time.Duration(i+1) * time.Second,
		}, at.Add(10*time.Second)))
	}

	runs, err := s.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, runs, 4)
	assert.Equal(t, ids[3], runs[0].RunID, "newest first")
	assert.Equal(t, ids[0], runs[3].RunID)

	runs, err = s.List(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, runs, 2)

	totals, err := s.Totals(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, totals.Runs)
	assert.Equal(t, map[string]int{"normal_finish": 2, "cancelled": 1}, totals.ByOutcome)
	assert.Equal(t, 6*time.Second, totals.TotalElapsed)
	assert.Equal(t, 3*time.Second, totals.LongestRun)

	n, err := s.Prune(ctx, base.Add(90*time.Second))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	runs, err = s.List(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, runs, 2)
}
