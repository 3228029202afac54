// Package engine implements the sync orchestration core: the run and
// object-run lifecycle, the dual-cursor pagination protocol, and the
// per-object-type strategies that advance one page at a time. Every mutating
// step is idempotent, so redelivering the same unit of work is always safe.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/billmirror/billmirror/internal/source"
	"github.com/billmirror/billmirror/internal/store"
	"github.com/billmirror/billmirror/internal/telemetry"
)

const (
	defaultMaxConcurrent = 3
	defaultStaleAfter    = 30 * time.Minute

	// DefaultChannel is the trigger channel the engine resolves runs under
	// when the caller does not name one.
	DefaultChannel = "worker"
)

// Store is the persistence contract the engine coordinates through. All
// run-state transitions behind it are atomic with respect to each other.
type Store interface {
	EnsureAccount(ctx context.Context, accountID string) error

	GetRun(ctx context.Context, runID uuid.UUID) (*store.Run, error)
	GetOpenRun(ctx context.Context, accountID, triggeredBy string) (*store.Run, error)
	CreateRun(ctx context.Context, accountID, triggeredBy string) (*store.Run, error)
	ListRuns(ctx context.Context, accountID string, limit int) ([]store.Run, error)
	CloseRunIfComplete(ctx context.Context, runID uuid.UUID) (bool, error)
	RecoverStaleObjectRuns(ctx context.Context, accountID string, olderThan time.Duration) ([]uuid.UUID, error)

	EnsureObjectRun(ctx context.Context, runID uuid.UUID, objectType string) error
	GetObjectRun(ctx context.Context, runID uuid.UUID, objectType string) (*store.ObjectRun, error)
	ListObjectRuns(ctx context.Context, runID uuid.UUID) ([]store.ObjectRun, error)
	TryClaimObjectRun(ctx context.Context, runID uuid.UUID, objectType string, maxConcurrent int) (bool, error)
	SetPageCursor(ctx context.Context, runID uuid.UUID, objectType, pageCursor string) error
	CompleteObjectRun(ctx context.Context, runID uuid.UUID, objectType, newCursor string) error
	FailObjectRun(ctx context.Context, runID uuid.UUID, objectType, errorDetail string) error
	LastCompletedCursor(ctx context.Context, accountID, objectType string) (string, error)

	UpsertEntity(ctx context.Context, objectType, naturalKey string, payload []byte, createdTS *time.Time) error
	DeleteEntity(ctx context.Context, objectType, naturalKey string) error
	EntitySyncedAt(ctx context.Context, objectType, naturalKey string) (*time.Time, error)
	ListEntityKeys(ctx context.Context, objectType string) ([]string, error)
}

// Result reports one completed unit of work.
type Result struct {
	// Processed is the number of items applied by this call.
	Processed int

	// HasMore signals the caller to schedule another unit of work: either
	// the sweep has further pages or the claim was denied and a retry will
	// make progress later.
	HasMore bool
}

// ProcessOptions carries the optional overrides for one ProcessNext call.
type ProcessOptions struct {
	// RunID pins the call to an existing run instead of resolving one.
	RunID uuid.UUID

	// TriggeredBy names the trigger channel used to resolve the run.
	// Empty means DefaultChannel.
	TriggeredBy string

	// CursorOverride replaces the inherited incremental cursor.
	CursorOverride string
}

// Engine is the sync orchestration engine for one account.
type Engine struct {
	store  Store
	source source.Source

	accountID     string
	maxConcurrent int
	staleAfter    time.Duration

	strategies map[string]strategy
	metrics    *telemetry.SyncMetrics
	now        func() time.Time
}

// Option configures the engine.
type Option func(*Engine)

// WithMetrics attaches sync metrics recording.
func WithMetrics(m *telemetry.SyncMetrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithMaxConcurrent overrides the per-run concurrency gate.
func WithMaxConcurrent(n int) Option {
	return func(e *Engine) {
		e.maxConcurrent = n
	}
}

// WithStaleAfter overrides the staleness threshold for abandoned claims.
func WithStaleAfter(d time.Duration) Option {
	return func(e *Engine) {
		e.staleAfter = d
	}
}

// WithClock overrides the time source (for testing the catch-up window).
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// New creates an engine for the given account, wiring the closed strategy
// table for all known object types.
func New(st Store, src source.Source, accountID string, opts ...Option) (*Engine, error) {
	if st == nil {
		return nil, fmt.Errorf("store is required")
	}
	if src == nil {
		return nil, fmt.Errorf("source is required")
	}
	if accountID == "" {
		return nil, fmt.Errorf("account id is required")
	}

	e := &Engine{
		store:         st,
		source:        src,
		accountID:     accountID,
		maxConcurrent: defaultMaxConcurrent,
		staleAfter:    defaultStaleAfter,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}

	list := &listStrategy{engine: e}
	e.strategies = map[string]strategy{
		TypeCustomers:         list,
		TypeProducts:          list,
		TypePlans:             list,
		TypePrices:            list,
		TypeSubscriptions:     list,
		TypeSubscriptionItems: &childListStrategy{engine: e, parentType: TypeSubscriptions},
		TypeInvoices:          list,
		TypeCharges:           list,
		TypeDisputes:          &restrictedStrategy{},
		TypeEvents:            &catchupStrategy{engine: e},
	}
	return e, nil
}

// AccountID returns the account this engine mirrors.
func (e *Engine) AccountID() string {
	return e.accountID
}

// JoinOrCreateRun returns the open run for the trigger channel, creating one
// if needed. Stale-run recovery is invoked first so callers never observe a
// run that looks open but is actually abandoned.
func (e *Engine) JoinOrCreateRun(ctx context.Context, triggeredBy string) (*store.Run, error) {
	if triggeredBy == "" {
		triggeredBy = DefaultChannel
	}
	if err := e.RecoverStaleRuns(ctx); err != nil {
		return nil, err
	}
	run, err := e.store.GetOpenRun(ctx, e.accountID, triggeredBy)
	if err != nil {
		return nil, err
	}
	if run != nil {
		return run, nil
	}
	return e.store.CreateRun(ctx, e.accountID, triggeredBy)
}

// RecoverStaleRuns force-fails object runs whose claim has not advanced
// within the staleness threshold, then closes any run that became fully
// terminal. This is the system's sole self-healing path for crashed workers.
func (e *Engine) RecoverStaleRuns(ctx context.Context) error {
	runIDs, err := e.store.RecoverStaleObjectRuns(ctx, e.accountID, e.staleAfter)
	if err != nil {
		return err
	}
	for _, runID := range runIDs {
		slog.Warn("Recovered stale object runs", "run_id", runID, "stale_after", e.staleAfter)
		if _, err := e.store.CloseRunIfComplete(ctx, runID); err != nil {
			return err
		}
	}
	return nil
}

// CloseIfComplete closes the run when every object run under it is terminal.
func (e *Engine) CloseIfComplete(ctx context.Context, runID uuid.UUID) (bool, error) {
	return e.store.CloseRunIfComplete(ctx, runID)
}

// RunStatus returns a run and its object runs for observability callers.
func (e *Engine) RunStatus(ctx context.Context, runID uuid.UUID) (*store.Run, []store.ObjectRun, error) {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return nil, nil, err
	}
	objectRuns, err := e.store.ListObjectRuns(ctx, runID)
	if err != nil {
		return nil, nil, err
	}
	return run, objectRuns, nil
}

// ListRuns returns recent runs for the account, newest first.
func (e *Engine) ListRuns(ctx context.Context, limit int) ([]store.Run, error) {
	return e.store.ListRuns(ctx, e.accountID, limit)
}

// ProcessNext advances one object type by exactly one page. It is the single
// idempotent unit of work the dispatcher invokes per queue message:
// redelivery of an already-finished unit is a no-op, and a denied claim is a
// backpressure signal (HasMore true, no error), never a failure.
func (e *Engine) ProcessNext(ctx context.Context, objectType string, opts ProcessOptions) (Result, error) {
	strat, ok := e.strategies[objectType]
	if !ok {
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownObjectType, objectType)
	}

	if err := e.store.EnsureAccount(ctx, e.accountID); err != nil {
		return Result{}, err
	}

	run, err := e.resolveRun(ctx, opts)
	if err != nil {
		return Result{}, err
	}

	if err := e.store.EnsureObjectRun(ctx, run.ID, objectType); err != nil {
		return Result{}, err
	}
	objectRun, err := e.store.GetObjectRun(ctx, run.ID, objectType)
	if err != nil {
		return Result{}, err
	}
	if objectRun == nil {
		return Result{}, fmt.Errorf("object run %s/%s missing after ensure", run.ID, objectType)
	}

	// Redelivery of a finished unit of work is a no-op.
	if objectRun.Status.Terminal() {
		return Result{Processed: 0, HasMore: false}, nil
	}

	if objectRun.Status == store.StatusPending {
		claimed, err := e.store.TryClaimObjectRun(ctx, run.ID, objectType, e.maxConcurrent)
		if err != nil {
			return Result{}, err
		}
		if !claimed {
			// Concurrency gate closed; retry later.
			return Result{Processed: 0, HasMore: true}, nil
		}
	}
	// Status running means this worker (or a predecessor whose message was
	// redelivered) already holds the claim and the sweep resumes from the
	// stored page cursor.

	// The incremental filter is resolved once, when the sweep starts, and
	// travels inside the page cursor from then on. Later pages never consult
	// LastCompletedCursor again, so a run completing on another trigger
	// channel mid-sweep cannot shift this sweep's window.
	var (
		filterTime time.Time
		carried    time.Time
		position   string
	)
	if objectRun.PageCursor != nil && *objectRun.PageCursor != "" {
		position, carried, filterTime, err = decodePageCursor(*objectRun.PageCursor)
		if err != nil {
			return Result{}, e.failObjectRun(ctx, run.ID, objectType, err)
		}
	} else if filterTime, err = e.inheritedCursor(ctx, objectType, opts); err != nil {
		// Transient store failure before any page was fetched. Leave the
		// claim in place and let the queue's redelivery retry the unit.
		return Result{}, err
	}

	outcome, err := strat.Page(ctx, pageRequest{
		ObjectType: objectType,
		Filter:     source.Filter{CreatedSince: filterTime},
		Position:   position,
	})
	if err != nil {
		return Result{}, e.failObjectRun(ctx, run.ID, objectType, err)
	}

	e.recordPage(objectType, outcome)
	carried = maxTime(carried, outcome.MaxCreated)

	if outcome.HasMore {
		pageCursor := encodePageCursor(outcome.NextPosition, carried, filterTime)
		if err := e.store.SetPageCursor(ctx, run.ID, objectType, pageCursor); err != nil {
			return Result{}, e.failObjectRun(ctx, run.ID, objectType, err)
		}
		return Result{Processed: outcome.Processed, HasMore: true}, nil
	}

	// Sweep done: advance the incremental cursor monotonically. The new
	// cursor is never below the filter the sweep started under, so an empty
	// sweep completes with the prior cursor intact rather than reverting it.
	newCursor := maxTime(carried, filterTime)
	if err := e.store.CompleteObjectRun(ctx, run.ID, objectType, encodeCursor(newCursor)); err != nil {
		return Result{}, err
	}
	if _, err := e.store.CloseRunIfComplete(ctx, run.ID); err != nil {
		return Result{}, err
	}

	slog.Info("Object sweep complete",
		"object_type", objectType,
		"run_id", run.ID,
		"processed", outcome.Processed,
		"cursor", encodeCursor(newCursor))
	return Result{Processed: outcome.Processed, HasMore: false}, nil
}

// resolveRun picks the run for this unit of work: an explicit run ID wins,
// otherwise the open run for the trigger channel is joined or created.
func (e *Engine) resolveRun(ctx context.Context, opts ProcessOptions) (*store.Run, error) {
	if opts.RunID != uuid.Nil {
		return e.store.GetRun(ctx, opts.RunID)
	}
	return e.JoinOrCreateRun(ctx, opts.TriggeredBy)
}

// inheritedCursor resolves the effective incremental lower bound for a sweep
// that is just starting: the explicit override if given, else the cursor
// stored by the previous completed run for this object type, else unbounded.
// Resumed sweeps carry their snapshot inside the page cursor and never call
// this again.
func (e *Engine) inheritedCursor(ctx context.Context, objectType string, opts ProcessOptions) (time.Time, error) {
	if opts.CursorOverride != "" {
		return decodeCursor(opts.CursorOverride)
	}
	stored, err := e.store.LastCompletedCursor(ctx, e.accountID, objectType)
	if err != nil {
		return time.Time{}, err
	}
	return decodeCursor(stored)
}

// failObjectRun records the failure on the object run, attempts to close the
// run, and passes the original error through to the caller. The queue message
// stays unacked, so the queue's redelivery window drives any retry.
func (e *Engine) failObjectRun(ctx context.Context, runID uuid.UUID, objectType string, cause error) error {
	detail := cause.Error()
	var syncErr *Error
	if errors.As(cause, &syncErr) {
		detail = fmt.Sprintf("%s: %s", syncErr.Reason, syncErr.Message)
	}

	if err := e.store.FailObjectRun(ctx, runID, objectType, detail); err != nil {
		slog.Error("Failed to record object run failure",
			"run_id", runID, "object_type", objectType, "error", err)
	}
	if _, err := e.store.CloseRunIfComplete(ctx, runID); err != nil {
		slog.Error("Failed to close run after failure", "run_id", runID, "error", err)
	}
	if e.metrics != nil {
		e.metrics.RecordSyncFailure(objectType)
	}

	slog.Error("Object sweep failed", "run_id", runID, "object_type", objectType, "error", cause)
	return cause
}

func (e *Engine) recordPage(objectType string, outcome pageOutcome) {
	if e.metrics == nil {
		return
	}
	e.metrics.RecordPage(objectType, outcome.Processed)
}

// applyItem writes one fetched item: tombstones delete the local row,
// everything else upserts by natural key.
func (e *Engine) applyItem(ctx context.Context, objectType string, item source.RawItem) error {
	if item.Deleted {
		return e.store.DeleteEntity(ctx, objectType, item.Key)
	}
	return e.store.UpsertEntity(ctx, objectType, item.Key, item.Payload, itemCreated(item))
}
