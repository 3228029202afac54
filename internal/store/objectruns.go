package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const objectRunColumns = `run_id, object_type, status, cursor, page_cursor, error_detail, updated_at`

func scanObjectRun(row pgx.Row) (*ObjectRun, error) {
	var o ObjectRun
	err := row.Scan(&o.RunID, &o.ObjectType, &o.Status, &o.Cursor, &o.PageCursor, &o.ErrorDetail, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &o, nil
}

// EnsureObjectRun inserts a pending object run if absent. No-op otherwise.
func (s *Store) EnsureObjectRun(ctx context.Context, runID uuid.UUID, objectType string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO object_runs (run_id, object_type, status)
		 VALUES ($1, $2, 'pending')
		 ON CONFLICT (run_id, object_type) DO NOTHING`,
		runID, objectType)
	if err != nil {
		return fmt.Errorf("failed to ensure object run: %w", err)
	}
	return nil
}

// GetObjectRun fetches one object run. Returns nil if it does not exist.
func (s *Store) GetObjectRun(ctx context.Context, runID uuid.UUID, objectType string) (*ObjectRun, error) {
	o, err := scanObjectRun(s.pool.QueryRow(ctx,
		`SELECT `+objectRunColumns+` FROM object_runs
		 WHERE run_id = $1 AND object_type = $2`,
		runID, objectType))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get object run: %w", err)
	}
	return o, nil
}

// ListObjectRuns returns all object runs under a run.
func (s *Store) ListObjectRuns(ctx context.Context, runID uuid.UUID) ([]ObjectRun, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+objectRunColumns+` FROM object_runs
		 WHERE run_id = $1
		 ORDER BY object_type`,
		runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list object runs: %w", err)
	}
	defer rows.Close()

	var out []ObjectRun
	for rows.Next() {
		var o ObjectRun
		err := rows.Scan(&o.RunID, &o.ObjectType, &o.Status, &o.Cursor, &o.PageCursor, &o.ErrorDetail, &o.UpdatedAt)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// TryClaimObjectRun transitions the object run from pending to running,
// provided fewer than maxConcurrent object runs under the run are already
// running. All claim attempts for a run serialize on the run row lock, so the
// count-then-transition is atomic with respect to concurrent claimers.
// Returns false without mutating state when the concurrency gate is closed or
// the row is not pending.
func (s *Store) TryClaimObjectRun(
	ctx context.Context, runID uuid.UUID, objectType string, maxConcurrent int,
) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to begin claim transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Lock the run row so only one claim per run is in flight at a time.
	var closedAt *string
	err = tx.QueryRow(ctx,
		`SELECT closed_at::text FROM sync_runs WHERE id = $1 FOR UPDATE`, runID).Scan(&closedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, ErrRunNotFound
		}
		return false, fmt.Errorf("failed to lock run: %w", err)
	}

	var running int
	err = tx.QueryRow(ctx,
		`SELECT count(*) FROM object_runs WHERE run_id = $1 AND status = 'running'`,
		runID).Scan(&running)
	if err != nil {
		return false, fmt.Errorf("failed to count running object runs: %w", err)
	}
	if running >= maxConcurrent {
		return false, nil
	}

	tag, err := tx.Exec(ctx,
		`UPDATE object_runs SET status = 'running', updated_at = now()
		 WHERE run_id = $1 AND object_type = $2 AND status = 'pending'`,
		runID, objectType)
	if err != nil {
		return false, fmt.Errorf("failed to claim object run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}
	return true, tx.Commit(ctx)
}

// SetPageCursor records the position to resume the current page sweep from.
// Only meaningful while the object run is running.
func (s *Store) SetPageCursor(ctx context.Context, runID uuid.UUID, objectType, pageCursor string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE object_runs SET page_cursor = $3, updated_at = now()
		 WHERE run_id = $1 AND object_type = $2 AND status = 'running'`,
		runID, objectType, pageCursor)
	if err != nil {
		return fmt.Errorf("failed to set page cursor: %w", err)
	}
	return nil
}

// CompleteObjectRun transitions running to complete, clears the page cursor,
// and stores the new incremental cursor for future runs to inherit.
func (s *Store) CompleteObjectRun(ctx context.Context, runID uuid.UUID, objectType, newCursor string) error {
	var cursor *string
	if newCursor != "" {
		cursor = &newCursor
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE object_runs SET
		     status = 'complete',
		     cursor = COALESCE($3, cursor),
		     page_cursor = NULL,
		     updated_at = now()
		 WHERE run_id = $1 AND object_type = $2 AND status = 'running'`,
		runID, objectType, cursor)
	if err != nil {
		return fmt.Errorf("failed to complete object run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("object run %s/%s is not running", runID, objectType)
	}
	return nil
}

// FailObjectRun transitions running to error, preserving both cursors so a
// future run can still inherit the last good incremental cursor.
func (s *Store) FailObjectRun(ctx context.Context, runID uuid.UUID, objectType, errorDetail string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE object_runs SET
		     status = 'error',
		     error_detail = $3,
		     updated_at = now()
		 WHERE run_id = $1 AND object_type = $2 AND status NOT IN ('complete', 'error')`,
		runID, objectType, errorDetail)
	if err != nil {
		return fmt.Errorf("failed to fail object run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("object run %s/%s is already terminal", runID, objectType)
	}
	return nil
}

// LastCompletedCursor returns the incremental cursor stored by the most
// recently completed sweep of the object type for the account, or empty if
// the type has never completed a sweep.
func (s *Store) LastCompletedCursor(ctx context.Context, accountID, objectType string) (string, error) {
	var cursor *string
	err := s.pool.QueryRow(ctx,
		`SELECT o.cursor FROM object_runs o
		 JOIN sync_runs r ON r.id = o.run_id
		 WHERE r.account_id = $1 AND o.object_type = $2 AND o.status = 'complete'
		 ORDER BY o.updated_at DESC
		 LIMIT 1`,
		accountID, objectType).Scan(&cursor)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("failed to get last completed cursor: %w", err)
	}
	if cursor == nil {
		return "", nil
	}
	return *cursor, nil
}
