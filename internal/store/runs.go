package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const runColumns = `id, account_id, triggered_by, started_at, closed_at`

func scanRun(row pgx.Row) (*Run, error) {
	var r Run
	if err := row.Scan(&r.ID, &r.AccountID, &r.TriggeredBy, &r.StartedAt, &r.ClosedAt); err != nil {
		return nil, err
	}
	return &r, nil
}

// GetRun fetches a run by ID. Returns ErrRunNotFound if it does not exist.
func (s *Store) GetRun(ctx context.Context, runID uuid.UUID) (*Run, error) {
	run, err := scanRun(s.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM sync_runs WHERE id = $1`, runID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRunNotFound
		}
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// GetOpenRun returns the open run for the (account, channel) pair, or nil if
// there is none.
func (s *Store) GetOpenRun(ctx context.Context, accountID, triggeredBy string) (*Run, error) {
	run, err := scanRun(s.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM sync_runs
		 WHERE account_id = $1 AND triggered_by = $2 AND closed_at IS NULL`,
		accountID, triggeredBy))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get open run: %w", err)
	}
	return run, nil
}

// CreateRun opens a new run for the (account, channel) pair. A partial unique
// index guarantees at most one open run per pair; on a conflicting insert the
// already-open run is returned instead.
func (s *Store) CreateRun(ctx context.Context, accountID, triggeredBy string) (*Run, error) {
	run, err := scanRun(s.pool.QueryRow(ctx,
		`INSERT INTO sync_runs (id, account_id, triggered_by)
		 VALUES ($1, $2, $3)
		 RETURNING `+runColumns,
		uuid.New(), accountID, triggeredBy))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			// Lost the race against another worker; join its run.
			open, getErr := s.GetOpenRun(ctx, accountID, triggeredBy)
			if getErr != nil {
				return nil, getErr
			}
			if open != nil {
				return open, nil
			}
		}
		return nil, fmt.Errorf("failed to create run: %w", err)
	}
	return run, nil
}

// ListRuns returns the most recent runs for an account, newest first.
func (s *Store) ListRuns(ctx context.Context, accountID string, limit int) ([]Run, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+runColumns+` FROM sync_runs
		 WHERE account_id = $1
		 ORDER BY started_at DESC
		 LIMIT $2`,
		accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		if err := rows.Scan(&r.ID, &r.AccountID, &r.TriggeredBy, &r.StartedAt, &r.ClosedAt); err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// CloseRunIfComplete sets closed_at when every object run under the run is
// terminal. Idempotent; reports whether the run is (now) closed.
func (s *Store) CloseRunIfComplete(ctx context.Context, runID uuid.UUID) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE sync_runs SET closed_at = now()
		 WHERE id = $1
		   AND closed_at IS NULL
		   AND NOT EXISTS (
		       SELECT 1 FROM object_runs
		       WHERE run_id = $1 AND status NOT IN ('complete', 'error')
		   )`,
		runID)
	if err != nil {
		return false, fmt.Errorf("failed to close run: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}

	// Nothing updated: either still in progress or already closed.
	var closedAt *time.Time
	err = s.pool.QueryRow(ctx,
		`SELECT closed_at FROM sync_runs WHERE id = $1`, runID).Scan(&closedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, ErrRunNotFound
		}
		return false, err
	}
	return closedAt != nil, nil
}

// RecoverStaleObjectRuns force-fails running object runs that have not
// advanced within the staleness threshold, and returns the IDs of the runs
// that were touched so callers can attempt to close them.
func (s *Store) RecoverStaleObjectRuns(
	ctx context.Context, accountID string, olderThan time.Duration,
) ([]uuid.UUID, error) {
	rows, err := s.pool.Query(ctx,
		`UPDATE object_runs o SET
		     status = 'error',
		     error_detail = 'stale: no progress within ' || $2::text,
		     updated_at = now()
		 FROM sync_runs r
		 WHERE o.run_id = r.id
		   AND r.account_id = $1
		   AND o.status = 'running'
		   AND o.updated_at < now() - $3::interval
		 RETURNING o.run_id`,
		accountID, olderThan.String(), fmt.Sprintf("%f seconds", olderThan.Seconds()))
	if err != nil {
		return nil, fmt.Errorf("failed to recover stale object runs: %w", err)
	}
	defer rows.Close()

	seen := make(map[uuid.UUID]struct{})
	var runIDs []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			runIDs = append(runIDs, id)
		}
	}
	return runIDs, rows.Err()
}
