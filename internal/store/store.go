// Package store persists the coordination state of the sync engine: accounts,
// runs, object runs, mirrored entities, and the durable work queue. All
// read-then-write transitions on run state are single atomic SQL statements so
// that concurrent workers can never observe or produce a half-applied claim.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrRunNotFound is returned when a run can't be found.
var ErrRunNotFound = errors.New("run not found")

// Store is a Postgres-backed implementation of the engine's persistence
// contracts.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a new Store with the given connection pool.
// The caller is responsible for closing the pool when done.
func New(pool *pgxpool.Pool) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pgx pool is required")
	}
	return &Store{pool: pool}, nil
}

// Ping verifies the backing database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}
