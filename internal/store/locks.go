package store

import (
	"context"
	"fmt"
)

// Advisory lock keys. Postgres advisory locks are keyed by int64 and scoped
// to the database, which makes them a cross-process mutual-exclusion
// primitive for one-time setup races.
const (
	// LockKeyBootstrap serializes the empty-queue fan-out across workers.
	LockKeyBootstrap int64 = 0x62696c6c01

	// LockKeyWebhookEndpoint serializes push-endpoint provisioning.
	LockKeyWebhookEndpoint int64 = 0x62696c6c02
)

// WithAdvisoryLock runs fn while holding a session-scoped advisory lock on
// key, blocking until the lock is available. The lock is released when fn
// returns, whatever its outcome.
func (s *Store) WithAdvisoryLock(ctx context.Context, key int64, fn func(ctx context.Context) error) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire connection for advisory lock: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock($1)`, key); err != nil {
		return fmt.Errorf("failed to take advisory lock %d: %w", key, err)
	}
	defer func() {
		_, _ = conn.Exec(ctx, `SELECT pg_advisory_unlock($1)`, key)
	}()

	return fn(ctx)
}

// RecordWebhookEndpoint persists the fact that a push-notification endpoint
// exists for the account. The primary key doubles as the second line of
// defense against duplicate provisioning.
func (s *Store) RecordWebhookEndpoint(ctx context.Context, accountID, url string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO webhook_endpoints (account_id, url) VALUES ($1, $2)
		 ON CONFLICT (account_id, url) DO NOTHING`,
		accountID, url)
	if err != nil {
		return false, fmt.Errorf("failed to record webhook endpoint: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}
