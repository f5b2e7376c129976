// Package history persists candidate evaluations to a sqlite database so
// runs can be inspected and post-processed after the process exits.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/aerolab/foilopt/internal/evaluator"
	"github.com/aerolab/foilopt/internal/simulation"
)

// ErrNotFound is returned when a run has no recorded candidates.
var ErrNotFound = errors.New("history: no candidates recorded")

const schema = `
CREATE TABLE IF NOT EXISTS candidates (
	id             TEXT PRIMARY KEY,
	run_id         TEXT NOT NULL,
	parameters     TEXT NOT NULL,
	score          REAL NOT NULL,
	invalid        INTEGER NOT NULL DEFAULT 0,
	invalid_reason TEXT NOT NULL DEFAULT '',
	duration_ms    INTEGER NOT NULL,
	created_at     TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_candidates_run ON candidates(run_id, created_at);

CREATE TABLE IF NOT EXISTS results (
	candidate_id  TEXT NOT NULL REFERENCES candidates(id),
	point_index   INTEGER NOT NULL,
	alpha         REAL NOT NULL,
	reynolds      REAL NOT NULL,
	cd            REAL NOT NULL,
	cl            REAL NOT NULL,
	cm            REAL NOT NULL,
	converged     INTEGER NOT NULL,
	failure       TEXT NOT NULL DEFAULT '',
	iterations    INTEGER NOT NULL,
	wall_clock_ms INTEGER NOT NULL,
	PRIMARY KEY (candidate_id, point_index)
);`

// Store is an append-only candidate archive backed by sqlite.
type Store struct {
	db *sql.DB
}

// Open opens (and if needed creates) the database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("history: opening database: %w", err)
	}
	// sqlite tolerates exactly one writer.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: applying schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Append stores one candidate record with its per-point results.
func (s *Store) Append(ctx context.Context, rec *evaluator.CandidateRecord) error {
	params, err := json.Marshal(rec.Parameters)
	if err != nil {
		return fmt.Errorf("history: encoding parameters: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("history: begin append: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO candidates (id, run_id, parameters, score, invalid, invalid_reason, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.RunID, string(params), rec.Score,
		rec.Invalid, rec.InvalidReason, rec.Duration.Milliseconds(),
		rec.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("history: inserting candidate %s: %w", rec.ID, err)
	}

	for i, res := range rec.Results {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO results (candidate_id, point_index, alpha, reynolds, cd, cl, cm, converged, failure, iterations, wall_clock_ms)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			rec.ID, i, res.Point.Alpha, res.Point.Reynolds,
			res.Coefficients.Cd, res.Coefficients.Cl, res.Coefficients.Cm,
			res.Converged, string(res.Failure), res.Iterations, res.WallClock.Milliseconds())
		if err != nil {
			return fmt.Errorf("history: inserting result %d for %s: %w", i, rec.ID, err)
		}
	}

	return tx.Commit()
}

// Best returns the lowest scoring candidate of a run.
func (s *Store) Best(ctx context.Context, runID string) (*evaluator.CandidateRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, run_id, parameters, score, invalid, invalid_reason, duration_ms, created_at
		FROM candidates WHERE run_id = ? ORDER BY score ASC, rowid ASC LIMIT 1`, runID)

	rec, err := scanCandidate(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := s.loadResults(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// List returns all candidates of a run in insertion order.
func (s *Store) List(ctx context.Context, runID string) ([]*evaluator.CandidateRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, parameters, score, invalid, invalid_reason, duration_ms, created_at
		FROM candidates WHERE run_id = ? ORDER BY rowid ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("history: listing run %s: %w", runID, err)
	}
	defer rows.Close()

	var recs []*evaluator.CandidateRecord
	for rows.Next() {
		rec, err := scanCandidate(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history: listing run %s: %w", runID, err)
	}

	for _, rec := range recs {
		if err := s.loadResults(ctx, rec); err != nil {
			return nil, err
		}
	}
	return recs, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCandidate(row rowScanner) (*evaluator.CandidateRecord, error) {
	var (
		rec        evaluator.CandidateRecord
		params     string
		durationMS int64
		createdAt  string
	)
	err := row.Scan(&rec.ID, &rec.RunID, &params, &rec.Score,
		&rec.Invalid, &rec.InvalidReason, &durationMS, &createdAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(params), &rec.Parameters); err != nil {
		return nil, fmt.Errorf("history: decoding parameters of %s: %w", rec.ID, err)
	}
	rec.Duration = time.Duration(durationMS) * time.Millisecond
	rec.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, fmt.Errorf("history: decoding timestamp of %s: %w", rec.ID, err)
	}
	return &rec, nil
}

func (s *Store) loadResults(ctx context.Context, rec *evaluator.CandidateRecord) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT alpha, reynolds, cd, cl, cm, converged, failure, iterations, wall_clock_ms
		FROM results WHERE candidate_id = ? ORDER BY point_index ASC`, rec.ID)
	if err != nil {
		return fmt.Errorf("history: loading results of %s: %w", rec.ID, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			res         simulation.Result
			failure     string
			wallClockMS int64
		)
		err := rows.Scan(&res.Point.Alpha, &res.Point.Reynolds,
			&res.Coefficients.Cd, &res.Coefficients.Cl, &res.Coefficients.Cm,
			&res.Converged, &failure, &res.Iterations, &wallClockMS)
		if err != nil {
			return fmt.Errorf("history: scanning result of %s: %w", rec.ID, err)
		}
		res.Failure = simulation.FailureKind(failure)
		res.WallClock = time.Duration(wallClockMS) * time.Millisecond
		rec.Results = append(rec.Results, res)
	}
	return rows.Err()
}
