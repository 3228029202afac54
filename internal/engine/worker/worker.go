// Package worker runs the queue dispatcher on a schedule.
package worker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"

	"github.com/billmirror/billmirror/internal/engine/dispatcher"
)

// DefaultSchedule fires one dispatcher pass per minute.
const DefaultSchedule = "* * * * *"

// Dispatcher is the per-pass contract the worker drives.
type Dispatcher interface {
	RunOnce(ctx context.Context) (dispatcher.BatchReport, error)
}

// Worker manages the background dispatch loop.
type Worker interface {
	// Start begins scheduled dispatching. Blocks until the context is
	// cancelled or an unrecoverable error occurs.
	Start(ctx context.Context) error

	// Stop gracefully stops the worker
	Stop() error
}

// defaultWorker is the default implementation of Worker
type defaultWorker struct {
	dispatcher Dispatcher
	schedule   string

	// Lifecycle management
	cancelFunc context.CancelFunc
	done       chan struct{}
}

// Option is a function that configures the worker
type Option func(*defaultWorker)

// WithSchedule sets the cron expression driving dispatcher passes.
func WithSchedule(schedule string) Option {
	return func(w *defaultWorker) {
		if schedule != "" {
			w.schedule = schedule
		}
	}
}

// New creates a new worker over the given dispatcher.
func New(d Dispatcher, opts ...Option) (Worker, error) {
	if d == nil {
		return nil, fmt.Errorf("dispatcher is required")
	}
	w := &defaultWorker{
		dispatcher: d,
		schedule:   DefaultSchedule,
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	if _, err := cron.ParseStandard(w.schedule); err != nil {
		return nil, fmt.Errorf("invalid worker schedule %q: %w", w.schedule, err)
	}
	return w, nil
}

// Start begins scheduled dispatching.
func (w *defaultWorker) Start(ctx context.Context) error {
	slog.Info("Starting sync worker", "schedule", w.schedule)

	workerCtx, cancel := context.WithCancel(ctx)
	w.cancelFunc = cancel
	defer func() {
		close(w.done)
		slog.Info("Sync worker shutting down")
	}()

	// Overlapping passes contend on the same queue leases for nothing, so
	// a pass that outlives the schedule interval suppresses the next one.
	scheduler := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	_, err := scheduler.AddFunc(w.schedule, func() {
		w.pass(workerCtx)
	})
	if err != nil {
		return fmt.Errorf("failed to schedule dispatcher: %w", err)
	}

	// Perform an initial pass so a fresh deployment does not idle until
	// the first tick.
	w.pass(workerCtx)

	scheduler.Start()
	defer scheduler.Stop()

	<-workerCtx.Done()
	return nil
}

// Stop gracefully stops the worker
func (w *defaultWorker) Stop() error {
	if w.cancelFunc != nil {
		slog.Info("Stopping sync worker")
		w.cancelFunc()
		// Wait for worker to finish
		<-w.done
	}
	return nil
}

// pass runs one dispatcher pass and logs its outcome.
func (w *defaultWorker) pass(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	report, err := w.dispatcher.RunOnce(ctx)
	if err != nil {
		slog.Error("Dispatcher pass failed", "error", err)
		return
	}

	processed := 0
	failures := 0
	for _, outcome := range report.Outcomes {
		processed += outcome.Processed
		if outcome.Err != nil {
			failures++
			slog.Warn("Message processing failed; leaving leased for redelivery",
				"object_type", outcome.ObjectType,
				"error", outcome.Err)
		}
	}

	if report.Enqueued > 0 || len(report.Outcomes) > 0 {
		slog.Info("Dispatcher pass complete",
			"enqueued", report.Enqueued,
			"messages", len(report.Outcomes),
			"items_processed", processed,
			"failures", failures)
	}
}
