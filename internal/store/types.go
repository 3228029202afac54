package store

import (
	"time"

	"github.com/google/uuid"
)

// ObjectRunStatus is the lifecycle state of one object type within a run.
type ObjectRunStatus string

const (
	// StatusPending means the object type has not been claimed yet
	StatusPending ObjectRunStatus = "pending"

	// StatusRunning means a worker holds the claim and is paging through the type
	StatusRunning ObjectRunStatus = "running"

	// StatusComplete means the sweep finished and the incremental cursor advanced
	StatusComplete ObjectRunStatus = "complete"

	// StatusError means the sweep failed; cursors are preserved for the next run
	StatusError ObjectRunStatus = "error"
)

// Terminal reports whether the status admits no further transitions.
func (s ObjectRunStatus) Terminal() bool {
	return s == StatusComplete || s == StatusError
}

// Run is one reconciliation attempt for an account under a trigger channel.
type Run struct {
	ID          uuid.UUID
	AccountID   string
	TriggeredBy string
	StartedAt   time.Time
	ClosedAt    *time.Time
}

// Open reports whether the run has not been closed yet.
func (r *Run) Open() bool {
	return r.ClosedAt == nil
}

// ObjectRun is the progress state for one object type within a run.
type ObjectRun struct {
	RunID       uuid.UUID
	ObjectType  string
	Status      ObjectRunStatus
	Cursor      *string
	PageCursor  *string
	ErrorDetail *string
	UpdatedAt   time.Time
}

// Message is one durable queue entry, delivered at least once.
type Message struct {
	ID          uuid.UUID
	Queue       string
	Payload     []byte
	EnqueuedAt  time.Time
	LeasedUntil *time.Time
}
