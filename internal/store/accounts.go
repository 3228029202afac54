package store

import (
	"context"
	"fmt"
)

// EnsureAccount inserts the account row if it does not exist yet. Every other
// table hangs off this row, so callers invoke it before any sync work.
func (s *Store) EnsureAccount(ctx context.Context, accountID string) error {
	if accountID == "" {
		return fmt.Errorf("account id is required")
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO accounts (id) VALUES ($1) ON CONFLICT (id) DO NOTHING`,
		accountID,
	)
	if err != nil {
		return fmt.Errorf("failed to ensure account %s: %w", accountID, err)
	}
	return nil
}
