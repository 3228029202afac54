// Package app provides application lifecycle management for the sync service.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/billmirror/billmirror/internal/config"
)

// SyncApp encapsulates all components needed to run the sync service.
// It provides lifecycle management and graceful shutdown capabilities
type SyncApp struct {
	config     *config.Config
	components *AppComponents
	httpServer *http.Server

	// Lifecycle management
	ctx        context.Context
	cancelFunc context.CancelFunc
}

// Start starts the application components (HTTP server and background worker)
// This method blocks until the HTTP server stops or encounters an error
func (app *SyncApp) Start() error {
	// Start the queue worker in background
	if app.components.Worker != nil {
		go func() {
			if err := app.components.Worker.Start(app.ctx); err != nil {
				slog.Error("Sync worker failed", "error", err)
			}
		}()
	}

	// Start HTTP server (blocks until stopped)
	slog.Info("Server listening", "address", app.httpServer.Addr)
	if err := app.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("HTTP server failed: %w", err)
	}

	return nil
}

// Stop gracefully stops the application with the given timeout.
// It stops the worker and then shuts down the HTTP server
func (app *SyncApp) Stop(timeout time.Duration) error {
	slog.Info("Shutting down server...")

	// Stop the worker first so no message is mid-page during shutdown
	if app.components.Worker != nil {
		if err := app.components.Worker.Stop(); err != nil {
			slog.Error("Failed to stop sync worker", "error", err)
		}
	}

	// Cancel the application context
	if app.cancelFunc != nil {
		app.cancelFunc()
	}

	// Graceful HTTP server shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := app.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	slog.Info("Server shutdown complete")
	return nil
}

// GetConfig returns the application configuration
func (app *SyncApp) GetConfig() *config.Config {
	return app.config
}

// GetHTTPServer returns the HTTP server (useful for testing to get the actual port)
func (app *SyncApp) GetHTTPServer() *http.Server {
	return app.httpServer
}
