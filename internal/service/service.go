// Package service provides the business logic behind the sync API.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/billmirror/billmirror/internal/engine"
	"github.com/billmirror/billmirror/internal/engine/dispatcher"
	"github.com/billmirror/billmirror/internal/store"
	"github.com/billmirror/billmirror/internal/webhook"
)

// ErrRunNotFound is returned when a run is not found.
var ErrRunNotFound = errors.New("run not found")

//go:generate mockgen -destination=mocks/mock_service.go -package=mocks -source=service.go SyncService

// SyncService defines the interface for sync orchestration operations
// exposed over the API.
type SyncService interface {
	// CheckReadiness checks if the service is ready to serve requests
	CheckReadiness(ctx context.Context) error

	// ListRuns returns the runs recorded for the mirrored account,
	// most recent first
	ListRuns(ctx context.Context) ([]store.Run, error)

	// GetRun returns one run together with its per-object progress
	GetRun(ctx context.Context, id uuid.UUID) (*RunDetail, error)

	// TriggerSync enqueues a fresh fan-out on the manual channel
	TriggerSync(ctx context.Context, triggeredBy string) (*TriggerResult, error)

	// HandleWebhook verifies and applies one push notification
	HandleWebhook(ctx context.Context, payload []byte, sigHeader string) (webhook.AppliedResult, error)
}

// RunDetail pairs a run with the object sweeps it coordinates.
type RunDetail struct {
	Run        store.Run
	ObjectRuns []store.ObjectRun
}

// TriggerResult reports what a manual trigger enqueued.
type TriggerResult struct {
	TriggeredBy string
	Enqueued    int
}

// defaultSyncService is the store-backed implementation of SyncService.
type defaultSyncService struct {
	store       *store.Store
	webhooks    *webhook.Handler
	accountID   string
	queueName   string
	objectTypes []string
}

// New creates the default SyncService.
func New(st *store.Store, wh *webhook.Handler, accountID, queueName string) (SyncService, error) {
	if st == nil {
		return nil, fmt.Errorf("store is required")
	}
	if accountID == "" {
		return nil, fmt.Errorf("account ID is required")
	}
	if queueName == "" {
		return nil, fmt.Errorf("queue name is required")
	}
	return &defaultSyncService{
		store:       st,
		webhooks:    wh,
		accountID:   accountID,
		queueName:   queueName,
		objectTypes: engine.AllObjectTypes(),
	}, nil
}

// CheckReadiness verifies the backing database is reachable.
func (s *defaultSyncService) CheckReadiness(ctx context.Context) error {
	if err := s.store.Ping(ctx); err != nil {
		return fmt.Errorf("database not reachable: %w", err)
	}
	return nil
}

// defaultRunListLimit bounds how many runs one listing returns.
const defaultRunListLimit = 50

// ListRuns returns the recorded runs for the mirrored account.
func (s *defaultSyncService) ListRuns(ctx context.Context) ([]store.Run, error) {
	return s.store.ListRuns(ctx, s.accountID, defaultRunListLimit)
}

// GetRun returns one run with its object sweeps.
func (s *defaultSyncService) GetRun(ctx context.Context, id uuid.UUID) (*RunDetail, error) {
	run, err := s.store.GetRun(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrRunNotFound) {
			return nil, ErrRunNotFound
		}
		return nil, err
	}

	objectRuns, err := s.store.ListObjectRuns(ctx, id)
	if err != nil {
		return nil, err
	}

	return &RunDetail{Run: *run, ObjectRuns: objectRuns}, nil
}

// TriggerSync enqueues one queue message per object type on the given
// channel. The worker picks the messages up on its next pass; runs on other
// channels are unaffected because each channel coordinates its own run.
func (s *defaultSyncService) TriggerSync(ctx context.Context, triggeredBy string) (*TriggerResult, error) {
	if triggeredBy == "" {
		triggeredBy = "manual"
	}

	enqueued := 0
	for _, objectType := range s.objectTypes {
		body, err := dispatcher.EncodeMessage(objectType, triggeredBy)
		if err != nil {
			return nil, err
		}
		if err := s.store.SendMessage(ctx, s.queueName, body); err != nil {
			return nil, fmt.Errorf("failed to enqueue %s: %w", objectType, err)
		}
		enqueued++
	}

	slog.Info("Manual sync triggered",
		"account_id", s.accountID,
		"triggered_by", triggeredBy,
		"enqueued", enqueued)
	return &TriggerResult{TriggeredBy: triggeredBy, Enqueued: enqueued}, nil
}

// HandleWebhook verifies and applies one push notification.
func (s *defaultSyncService) HandleWebhook(ctx context.Context, payload []byte, sigHeader string) (webhook.AppliedResult, error) {
	if s.webhooks == nil {
		return webhook.AppliedResult{}, fmt.Errorf("webhook handling is not configured")
	}
	return s.webhooks.VerifyAndRoute(ctx, payload, sigHeader)
}
