package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// UpsertEntity writes one mirrored row, keyed by its natural key. Idempotent;
// re-applying the same item refreshes the payload and the synced_at watermark.
func (s *Store) UpsertEntity(
	ctx context.Context, objectType, naturalKey string, payload []byte, createdTS *time.Time,
) error {
	if naturalKey == "" {
		return fmt.Errorf("natural key is required")
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO entities (object_type, natural_key, payload, created_ts, synced_at)
		 VALUES ($1, $2, $3, $4, now())
		 ON CONFLICT (object_type, natural_key) DO UPDATE SET
		     payload = EXCLUDED.payload,
		     created_ts = EXCLUDED.created_ts,
		     synced_at = now()`,
		objectType, naturalKey, payload, createdTS)
	if err != nil {
		return fmt.Errorf("failed to upsert %s %s: %w", objectType, naturalKey, err)
	}
	return nil
}

// DeleteEntity removes one mirrored row. Deleting a row that does not exist
// is not an error; redelivered tombstones must stay idempotent.
func (s *Store) DeleteEntity(ctx context.Context, objectType, naturalKey string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM entities WHERE object_type = $1 AND natural_key = $2`,
		objectType, naturalKey)
	if err != nil {
		return fmt.Errorf("failed to delete %s %s: %w", objectType, naturalKey, err)
	}
	return nil
}

// EntitySyncedAt returns the last-synced timestamp for one row, or nil if the
// row is not mirrored locally.
func (s *Store) EntitySyncedAt(ctx context.Context, objectType, naturalKey string) (*time.Time, error) {
	var syncedAt time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT synced_at FROM entities WHERE object_type = $1 AND natural_key = $2`,
		objectType, naturalKey).Scan(&syncedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get synced_at for %s %s: %w", objectType, naturalKey, err)
	}
	return &syncedAt, nil
}

// ListEntityKeys returns the natural keys mirrored for an object type, in key
// order. Used by child-listing strategies that paginate per parent entity.
func (s *Store) ListEntityKeys(ctx context.Context, objectType string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT natural_key FROM entities WHERE object_type = $1 ORDER BY natural_key`,
		objectType)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s keys: %w", objectType, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}
