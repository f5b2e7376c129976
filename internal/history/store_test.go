package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aerolab/foilopt/internal/evaluator"
	"github.com/aerolab/foilopt/internal/simulation"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func record(id, runID string, score float64) *evaluator.CandidateRecord {
	return &evaluator.CandidateRecord{
		ID:         id,
		RunID:      runID,
		Parameters: []float64{0.18, 0.1, -0.18, -0.1, 0.5, 1.0},
		Score:      score,
		Results: []simulation.Result{
			{
				Point:        simulation.OperatingPoint{Alpha: 0, Reynolds: 3e5},
				Coefficients: simulation.Coefficients{Cd: 0.02, Cl: 0.5, Cm: -0.03},
				Converged:    true,
				Iterations:   1200,
				WallClock:    90 * time.Second,
			},
			{
				Point:     simulation.OperatingPoint{Alpha: 4, Reynolds: 3e5},
				Failure:   simulation.FailureTimeout,
				WallClock: 30 * time.Minute,
			},
		},
		Duration:  35 * time.Minute,
		CreatedAt: time.Now(),
	}
}

func TestAppendAndList(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, record("c1", "run-a", 3.2)))
	require.NoError(t, s.Append(ctx, record("c2", "run-a", -0.1)))
	require.NoError(t, s.Append(ctx, record("c3", "run-b", 0.0)))

	recs, err := s.List(ctx, "run-a")
	require.NoError(t, err)
	require.Len(t, recs, 2)

	assert.Equal(t, "c1", recs[0].ID, "insertion order preserved")
	assert.Equal(t, "c2", recs[1].ID)
	assert.Equal(t, []float64{0.18, 0.1, -0.18, -0.1, 0.5, 1.0}, recs[0].Parameters)

	require.Len(t, recs[0].Results, 2)
	first := recs[0].Results[0]
	assert.True(t, first.Converged)
	assert.InDelta(t, 0.02, first.Coefficients.Cd, 1e-12)
	assert.Equal(t, 1200, first.Iterations)
	assert.Equal(t, 90*time.Second, first.WallClock)

	second := recs[0].Results[1]
	assert.True(t, second.Failed())
	assert.Equal(t, simulation.FailureTimeout, second.Failure)
}

func TestBest(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, record("c1", "run-a", 3.2)))
	require.NoError(t, s.Append(ctx, record("c2", "run-a", -0.1)))
	require.NoError(t, s.Append(ctx, record("c3", "run-a", 1.0)))

	best, err := s.Best(ctx, "run-a")
	require.NoError(t, err)
	assert.Equal(t, "c2", best.ID)
	assert.InDelta(t, -0.1, best.Score, 1e-12)
	assert.Len(t, best.Results, 2)
}

func TestBestEmptyRun(t *testing.T) {
	s := openStore(t)
	_, err := s.Best(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestAppendInvalidCandidate(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	rec := &evaluator.CandidateRecord{
		ID:            "bad",
		RunID:         "run-a",
		Parameters:    []float64{1, -1},
		Score:         10,
		Invalid:       true,
		InvalidReason: "surfaces cross",
		CreatedAt:     time.Now(),
	}
	require.NoError(t, s.Append(ctx, rec))

	recs, err := s.List(ctx, "run-a")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.True(t, recs[0].Invalid)
	assert.Equal(t, "surfaces cross", recs[0].InvalidReason)
	assert.Empty(t, recs[0].Results)
}

func TestAppendDuplicateIDFails(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, record("c1", "run-a", 1)))
	require.Error(t, s.Append(ctx, record("c1", "run-a", 2)), "records are append-only and unique")
}
