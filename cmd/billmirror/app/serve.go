package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/billmirror/billmirror/internal/app"
	"github.com/billmirror/billmirror/internal/config"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the sync service",
	Long: `Start the sync service: the HTTP API (runs, manual trigger, webhook
ingestion, metrics) together with the background queue worker that pages
object sweeps through the upstream API.

The service requires a configuration file (--config) that specifies:
- The upstream account and API connection
- Database connection parameters
- Sweep concurrency, queue, and schedule settings`,
	RunE: runServe,
}

// defaultGracefulTimeout is a Kubernetes-friendly shutdown window.
const defaultGracefulTimeout = 30 * time.Second

func init() {
	// No flag default: an unset flag falls through to server.address in the
	// config file, and GetAddress supplies ":8080" when that is absent too.
	serveCmd.Flags().String("address", "", "Address to listen on (overrides server.address)")
	serveCmd.Flags().String("config", "", "Path to configuration file (YAML format, required)")
	serveCmd.Flags().Bool("no-worker", false, "Serve the API without the background queue worker")

	err := viper.BindPFlag("address", serveCmd.Flags().Lookup("address"))
	if err != nil {
		slog.Error("Failed to bind address flag", "error", err)
		os.Exit(1)
	}
	err = viper.BindPFlag("no-worker", serveCmd.Flags().Lookup("no-worker"))
	if err != nil {
		slog.Error("Failed to bind no-worker flag", "error", err)
		os.Exit(1)
	}

	// Mark config as required
	if err := serveCmd.MarkFlagRequired("config"); err != nil {
		slog.Error("Failed to mark config flag as required", "error", err)
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := context.Background()
	address := viper.GetString("address")

	configPath, err := cmd.Flags().GetString("config")
	if err != nil {
		return fmt.Errorf("failed to get config flag: %w", err)
	}

	cfg, err := config.LoadConfig(config.WithConfigPath(configPath))
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	slog.Info("Loaded configuration",
		"path", configPath,
		"account_id", cfg.AccountID,
		"source", cfg.Source.BaseURL)

	if address == "" {
		address = cfg.Server.GetAddress()
	}

	syncApp, err := app.NewSyncApp(ctx,
		app.WithConfig(cfg),
		app.WithAddress(address),
		app.WithWorkerEnabled(!viper.GetBool("no-worker")),
	)
	if err != nil {
		return fmt.Errorf("failed to build application: %w", err)
	}

	// Start the app in a goroutine; Start blocks until the server stops
	errCh := make(chan error, 1)
	go func() {
		errCh <- syncApp.Start()
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-quit:
		slog.Info("Received shutdown signal", "signal", sig.String())
	}

	if err := syncApp.Stop(defaultGracefulTimeout); err != nil {
		return err
	}
	return <-errCh
}
