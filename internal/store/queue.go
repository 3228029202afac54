package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SendMessage appends one message to the named queue.
func (s *Store) SendMessage(ctx context.Context, queue string, payload []byte) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO queue_messages (id, queue, payload) VALUES ($1, $2, $3)`,
		uuid.New(), queue, payload)
	if err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	return nil
}

// ReadBatch leases up to maxCount visible messages for the visibility window.
// A message stays invisible until its lease expires; an unacked message
// becomes deliverable again afterwards, which is the system's only retry
// mechanism. SKIP LOCKED keeps concurrent readers from leasing the same row.
func (s *Store) ReadBatch(
	ctx context.Context, queue string, visibility time.Duration, maxCount int,
) ([]Message, error) {
	rows, err := s.pool.Query(ctx,
		`UPDATE queue_messages SET leased_until = now() + $2::interval
		 WHERE id IN (
		     SELECT id FROM queue_messages
		     WHERE queue = $1
		       AND (leased_until IS NULL OR leased_until < now())
		     ORDER BY enqueued_at
		     LIMIT $3
		     FOR UPDATE SKIP LOCKED
		 )
		 RETURNING id, queue, payload, enqueued_at, leased_until`,
		queue, fmt.Sprintf("%f seconds", visibility.Seconds()), maxCount)
	if err != nil {
		return nil, fmt.Errorf("failed to read batch: %w", err)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.Queue, &m.Payload, &m.EnqueuedAt, &m.LeasedUntil); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// AckMessage deletes a message, acknowledging it permanently. Acking a
// message that is already gone is a no-op.
func (s *Store) AckMessage(ctx context.Context, queue string, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM queue_messages WHERE queue = $1 AND id = $2`,
		queue, id)
	if err != nil {
		return fmt.Errorf("failed to ack message: %w", err)
	}
	return nil
}

// InFlightCount counts messages currently under an unexpired lease. The
// dispatcher uses a zero count, together with an empty read, to decide the
// queue is genuinely drained rather than merely invisible.
func (s *Store) InFlightCount(ctx context.Context, queue string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM queue_messages
		 WHERE queue = $1 AND leased_until IS NOT NULL AND leased_until >= now()`,
		queue).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count in-flight messages: %w", err)
	}
	return n, nil
}

// QueueCounts returns the number of visible and in-flight messages. Both
// being zero means the queue is genuinely drained, not merely invisible.
func (s *Store) QueueCounts(ctx context.Context, queue string) (visible, inFlight int, err error) {
	err = s.pool.QueryRow(ctx,
		`SELECT
		     count(*) FILTER (WHERE leased_until IS NULL OR leased_until < now()),
		     count(*) FILTER (WHERE leased_until IS NOT NULL AND leased_until >= now())
		 FROM queue_messages WHERE queue = $1`,
		queue).Scan(&visible, &inFlight)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to count queue messages: %w", err)
	}
	return visible, inFlight, nil
}
