// Package dispatcher drives the sync engine from the durable queue. Each
// message names one object type; processing it advances that type by one
// page. Retry is entirely the queue's: a message left unacked becomes visible
// again after its lease expires, so the dispatcher keeps no retry counts.
package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/billmirror/billmirror/internal/engine"
	"github.com/billmirror/billmirror/internal/store"
	"github.com/billmirror/billmirror/internal/telemetry"
)

const (
	defaultBatchSize   = 10
	defaultMaxParallel = 4
	defaultVisibility  = 2 * time.Minute
)

// Queue is the durable at-least-once queue contract.
type Queue interface {
	SendMessage(ctx context.Context, queue string, payload []byte) error
	ReadBatch(ctx context.Context, queue string, visibility time.Duration, maxCount int) ([]store.Message, error)
	AckMessage(ctx context.Context, queue string, id uuid.UUID) error
	InFlightCount(ctx context.Context, queue string) (int, error)
	QueueCounts(ctx context.Context, queue string) (visible, inFlight int, err error)
}

// Locker serializes the bootstrap fan-out across worker processes.
type Locker interface {
	WithAdvisoryLock(ctx context.Context, key int64, fn func(ctx context.Context) error) error
}

// Processor is the unit-of-work contract the dispatcher invokes per message.
type Processor interface {
	ProcessNext(ctx context.Context, objectType string, opts engine.ProcessOptions) (engine.Result, error)
}

// payload is the wire shape of one queue message.
type payload struct {
	ObjectType  string `json:"object_type"`
	TriggeredBy string `json:"triggered_by,omitempty"`
}

// EncodeMessage builds the queue wire payload for one object type. Callers
// enqueueing work outside the dispatcher (e.g. a manual trigger) use this so
// every message carries the same shape.
func EncodeMessage(objectType, triggeredBy string) ([]byte, error) {
	if objectType == "" {
		return nil, fmt.Errorf("object type is required")
	}
	return json.Marshal(payload{ObjectType: objectType, TriggeredBy: triggeredBy})
}

// MessageOutcome reports what processing one message did. Failures never
// abort the batch; each message's outcome is independent.
type MessageOutcome struct {
	ObjectType string
	Processed  int
	HasMore    bool
	Acked      bool
	Err        error
}

// BatchReport summarizes one dispatcher pass.
type BatchReport struct {
	Enqueued int
	Outcomes []MessageOutcome
}

// Dispatcher reads message batches and drives the engine.
type Dispatcher struct {
	queue     Queue
	locker    Locker
	processor Processor

	queueName   string
	channel     string
	objectTypes []string
	batchSize   int
	maxParallel int
	visibility  time.Duration
	metrics     *telemetry.SyncMetrics
}

// Option configures the dispatcher.
type Option func(*Dispatcher)

// WithBatchSize bounds how many messages one pass reads.
func WithBatchSize(n int) Option {
	return func(d *Dispatcher) {
		d.batchSize = n
	}
}

// WithMaxParallel bounds how many messages one pass processes concurrently.
func WithMaxParallel(n int) Option {
	return func(d *Dispatcher) {
		d.maxParallel = n
	}
}

// WithVisibility sets the message lease window. It must comfortably exceed
// the time one page takes, or in-flight work gets redelivered mid-page.
func WithVisibility(v time.Duration) Option {
	return func(d *Dispatcher) {
		d.visibility = v
	}
}

// WithChannel sets the trigger channel stamped on bootstrap messages. The
// channel travels inside the message payload, so enqueue and processing
// always agree on which run coordinates the work.
func WithChannel(channel string) Option {
	return func(d *Dispatcher) {
		d.channel = channel
	}
}

// WithMetrics attaches dispatch metrics recording.
func WithMetrics(m *telemetry.SyncMetrics) Option {
	return func(d *Dispatcher) {
		d.metrics = m
	}
}

// New creates a dispatcher over the named queue.
func New(q Queue, locker Locker, p Processor, queueName string, objectTypes []string, opts ...Option) (*Dispatcher, error) {
	if q == nil || p == nil {
		return nil, fmt.Errorf("queue and processor are required")
	}
	if queueName == "" {
		return nil, fmt.Errorf("queue name is required")
	}
	if len(objectTypes) == 0 {
		return nil, fmt.Errorf("at least one object type is required")
	}
	d := &Dispatcher{
		queue:       q,
		locker:      locker,
		processor:   p,
		queueName:   queueName,
		channel:     engine.DefaultChannel,
		objectTypes: objectTypes,
		batchSize:   defaultBatchSize,
		maxParallel: defaultMaxParallel,
		visibility:  defaultVisibility,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// RunOnce performs one dispatcher pass: read a batch, or bootstrap a fresh
// sweep when the queue is confirmed drained, and process what was read.
func (d *Dispatcher) RunOnce(ctx context.Context) (BatchReport, error) {
	start := time.Now()
	defer func() {
		d.metrics.ObserveBatch(time.Since(start).Seconds())
	}()

	msgs, err := d.queue.ReadBatch(ctx, d.queueName, d.visibility, d.batchSize)
	if err != nil {
		return BatchReport{}, fmt.Errorf("failed to read batch: %w", err)
	}

	if len(msgs) == 0 {
		enqueued, err := d.bootstrapIfDrained(ctx)
		if err != nil {
			return BatchReport{}, err
		}
		return BatchReport{Enqueued: enqueued}, nil
	}

	outcomes := make([]MessageOutcome, len(msgs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.maxParallel)
	for i, msg := range msgs {
		g.Go(func() error {
			outcomes[i] = d.processMessage(gctx, msg)
			return nil
		})
	}
	// Tasks never return errors; per-message failures live in the outcomes.
	_ = g.Wait()

	return BatchReport{Outcomes: outcomes}, nil
}

// bootstrapIfDrained fans out one message per object type when the queue has
// nothing visible and nothing in flight. The advisory lock serializes the
// check-then-enqueue across workers so a sweep starts with exactly one
// message per type.
func (d *Dispatcher) bootstrapIfDrained(ctx context.Context) (int, error) {
	inFlight, err := d.queue.InFlightCount(ctx, d.queueName)
	if err != nil {
		return 0, fmt.Errorf("failed to count in-flight messages: %w", err)
	}
	if inFlight > 0 {
		return 0, nil
	}

	enqueued := 0
	bootstrap := func(ctx context.Context) error {
		// Re-check under the lock; another worker may have fanned out
		// between our empty read and acquiring the lock.
		visible, inFlight, err := d.queue.QueueCounts(ctx, d.queueName)
		if err != nil {
			return err
		}
		if visible > 0 || inFlight > 0 {
			return nil
		}

		for _, objectType := range d.objectTypes {
			body, err := EncodeMessage(objectType, d.channel)
			if err != nil {
				return err
			}
			if err := d.queue.SendMessage(ctx, d.queueName, body); err != nil {
				return fmt.Errorf("failed to enqueue %s: %w", objectType, err)
			}
			enqueued++
		}
		slog.Info("Bootstrapped fresh sweep", "queue", d.queueName, "messages", enqueued)
		return nil
	}

	if d.locker != nil {
		err = d.locker.WithAdvisoryLock(ctx, store.LockKeyBootstrap, bootstrap)
	} else {
		err = bootstrap(ctx)
	}
	if err != nil {
		return 0, err
	}
	return enqueued, nil
}

// processMessage invokes one unit of work and settles the message: ack on a
// terminal or no-op result, re-enqueue an identical message then ack when the
// sweep has more pages, and leave it leased on error so the queue redelivers
// it after the visibility window.
func (d *Dispatcher) processMessage(ctx context.Context, msg store.Message) MessageOutcome {
	var p payload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		// Malformed messages can never succeed; drop them.
		slog.Error("Dropping malformed queue message", "message_id", msg.ID, "error", err)
		d.metrics.RecordMessage("malformed")
		ackErr := d.queue.AckMessage(ctx, d.queueName, msg.ID)
		return MessageOutcome{Acked: ackErr == nil, Err: err}
	}

	res, err := d.processor.ProcessNext(ctx, p.ObjectType, engine.ProcessOptions{
		TriggeredBy: p.TriggeredBy,
	})
	if err != nil {
		// Leave the message leased; redelivery after the visibility
		// timeout is the retry.
		d.metrics.RecordMessage("retry")
		return MessageOutcome{ObjectType: p.ObjectType, Err: err}
	}

	outcome := MessageOutcome{ObjectType: p.ObjectType, Processed: res.Processed, HasMore: res.HasMore}
	if res.HasMore {
		if err := d.queue.SendMessage(ctx, d.queueName, msg.Payload); err != nil {
			// Keep the original message alive so the work is not lost.
			outcome.Err = fmt.Errorf("failed to re-enqueue %s: %w", p.ObjectType, err)
			d.metrics.RecordMessage("retry")
			return outcome
		}
		d.metrics.RecordMessage("requeued")
	} else {
		d.metrics.RecordMessage("acked")
	}

	if err := d.queue.AckMessage(ctx, d.queueName, msg.ID); err != nil {
		outcome.Err = err
		return outcome
	}
	outcome.Acked = true
	return outcome
}
