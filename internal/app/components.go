package app

import (
	"github.com/billmirror/billmirror/internal/db"
	"github.com/billmirror/billmirror/internal/engine/worker"
	"github.com/billmirror/billmirror/internal/service"
)

// AppComponents groups all application components
//
//nolint:revive // This name is fine
type AppComponents struct {
	// Worker drives the queue dispatch loop in the background
	Worker worker.Worker

	// SyncService provides sync orchestration business logic
	SyncService service.SyncService

	// Database is the database connection
	Database *db.Connection
}
