package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/billmirror/billmirror/internal/api"
	"github.com/billmirror/billmirror/internal/config"
	"github.com/billmirror/billmirror/internal/db"
	"github.com/billmirror/billmirror/internal/engine"
	"github.com/billmirror/billmirror/internal/engine/dispatcher"
	"github.com/billmirror/billmirror/internal/engine/worker"
	"github.com/billmirror/billmirror/internal/service"
	"github.com/billmirror/billmirror/internal/source"
	"github.com/billmirror/billmirror/internal/store"
	"github.com/billmirror/billmirror/internal/telemetry"
	"github.com/billmirror/billmirror/internal/webhook"
)

const (
	defaultHTTPAddress    = ":8080"
	defaultRequestTimeout = 30 * time.Second
	defaultReadTimeout    = 10 * time.Second
	defaultWriteTimeout   = 15 * time.Second
	defaultIdleTimeout    = 60 * time.Second
)

// SyncAppOptions is a function that configures the sync app builder
type SyncAppOptions func(*syncAppConfig) error

// syncAppConfig builds a SyncApp using the builder pattern.
// It supports dependency injection for testing while providing sensible defaults for production
type syncAppConfig struct {
	config *config.Config

	// Optional component overrides (primarily for testing)
	pool   *pgxpool.Pool
	source source.Source

	// HTTP server options
	address        string
	middlewares    []func(http.Handler) http.Handler
	requestTimeout time.Duration
	readTimeout    time.Duration
	writeTimeout   time.Duration
	idleTimeout    time.Duration

	// enableWorker runs the background dispatch loop inside this process
	enableWorker bool
}

func baseConfig(opts ...SyncAppOptions) (*syncAppConfig, error) {
	cfg := &syncAppConfig{
		address:        defaultHTTPAddress,
		requestTimeout: defaultRequestTimeout,
		readTimeout:    defaultReadTimeout,
		writeTimeout:   defaultWriteTimeout,
		idleTimeout:    defaultIdleTimeout,
		enableWorker:   true,
	}

	// Apply options
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}

	if cfg.config == nil {
		return nil, fmt.Errorf("config is required")
	}

	return cfg, nil
}

// NewSyncApp creates a new sync app with the given configuration
func NewSyncApp(
	ctx context.Context,
	opts ...SyncAppOptions,
) (*SyncApp, error) {
	cfg, err := baseConfig(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to build base configuration: %w", err)
	}

	// Connect the database unless a pool was injected
	var dbConn *db.Connection
	if cfg.pool == nil {
		dbConn, err = db.NewConnection(ctx, cfg.config.Database)
		if err != nil {
			return nil, fmt.Errorf("failed to connect database: %w", err)
		}
		cfg.pool = dbConn.Pool
	}

	// Ensure cleanup happens on error
	var cleanupNeeded = true
	defer func() {
		if cleanupNeeded && dbConn != nil {
			dbConn.Close()
		}
	}()

	st, err := store.New(cfg.pool)
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}
	if err := st.EnsureAccount(ctx, cfg.config.AccountID); err != nil {
		return nil, fmt.Errorf("failed to ensure account: %w", err)
	}

	metrics := telemetry.NewSyncMetrics()

	eng, err := buildEngine(cfg, st, metrics)
	if err != nil {
		return nil, err
	}

	// The webhook path is optional; without a secret the endpoint rejects
	// everything and push delivery rides on the catch-up sweep alone.
	var webhooks *webhook.Handler
	if secret, secretErr := cfg.config.Source.GetWebhookSecret(); secretErr != nil {
		slog.Warn("Webhook secret not configured; webhook ingestion disabled", "error", secretErr)
	} else {
		webhooks, err = webhook.NewHandler(secret, eng)
		if err != nil {
			return nil, fmt.Errorf("failed to build webhook handler: %w", err)
		}
	}

	queueName := cfg.config.Sync.GetQueue()
	svc, err := service.New(st, webhooks, cfg.config.AccountID, queueName)
	if err != nil {
		return nil, fmt.Errorf("failed to build sync service: %w", err)
	}

	if err := registerWebhookEndpoint(ctx, cfg, st); err != nil {
		return nil, err
	}

	var syncWorker worker.Worker
	if cfg.enableWorker {
		syncWorker, err = buildWorker(cfg, st, eng, metrics, queueName)
		if err != nil {
			return nil, err
		}
	}

	// Build HTTP server
	httpServer, err := buildHTTPServer(cfg, svc, metrics)
	if err != nil {
		return nil, fmt.Errorf("failed to build HTTP server: %w", err)
	}

	// Create application context
	appCtx, cancel := context.WithCancel(ctx)

	// Cleanup is now handled by the app, not in defer
	cleanupNeeded = false

	cancelFunc := func() {
		if dbConn != nil {
			dbConn.Close()
		}
		cancel()
	}

	return &SyncApp{
		config: cfg.config,
		components: &AppComponents{
			Worker:      syncWorker,
			SyncService: svc,
			Database:    dbConn,
		},
		httpServer: httpServer,
		ctx:        appCtx,
		cancelFunc: cancelFunc,
	}, nil
}

// WithConfig sets the configuration
func WithConfig(c *config.Config) SyncAppOptions {
	return func(cfg *syncAppConfig) error {
		cfg.config = c
		return nil
	}
}

// WithAddress sets the HTTP server address
func WithAddress(addr string) SyncAppOptions {
	return func(cfg *syncAppConfig) error {
		if addr == "" {
			return fmt.Errorf("address cannot be empty")
		}

		parts := strings.SplitN(addr, ":", 2)
		if len(parts) != 2 {
			return fmt.Errorf("address is not a valid host:port: %s", addr)
		}
		host := parts[0]
		port := parts[1]

		if port == "" {
			return fmt.Errorf("address is not a valid port: %s", addr)
		}
		if host == "localhost" {
			host = "127.0.0.1"
		}
		if host == "" {
			host = "0.0.0.0"
		}

		if _, err := netip.ParseAddrPort(host + ":" + port); err != nil {
			return fmt.Errorf("address is not a valid port: %w", err)
		}

		cfg.address = addr
		return nil
	}
}

// WithMiddlewares sets custom HTTP middlewares
func WithMiddlewares(mw ...func(http.Handler) http.Handler) SyncAppOptions {
	return func(cfg *syncAppConfig) error {
		cfg.middlewares = mw
		return nil
	}
}

// WithPool allows injecting an existing database pool (for testing)
func WithPool(pool *pgxpool.Pool) SyncAppOptions {
	return func(cfg *syncAppConfig) error {
		cfg.pool = pool
		return nil
	}
}

// WithSource allows injecting a custom upstream source (for testing)
func WithSource(src source.Source) SyncAppOptions {
	return func(cfg *syncAppConfig) error {
		cfg.source = src
		return nil
	}
}

// WithWorkerEnabled controls whether the background dispatch loop runs
// inside this process
func WithWorkerEnabled(enabled bool) SyncAppOptions {
	return func(cfg *syncAppConfig) error {
		cfg.enableWorker = enabled
		return nil
	}
}

// buildEngine builds the upstream source client and the sync engine
func buildEngine(b *syncAppConfig, st *store.Store, metrics *telemetry.SyncMetrics) (*engine.Engine, error) {
	slog.Info("Initializing sync engine", "account_id", b.config.AccountID)

	if b.source == nil {
		apiKey, err := b.config.Source.GetAPIKey()
		if err != nil {
			return nil, fmt.Errorf("failed to get API key: %w", err)
		}

		clientOpts := []source.ClientOption{}
		if b.config.Source.PageLimit > 0 {
			clientOpts = append(clientOpts, source.WithPageLimit(b.config.Source.PageLimit))
		}
		b.source, err = source.NewClient(b.config.Source.BaseURL, apiKey, clientOpts...)
		if err != nil {
			return nil, fmt.Errorf("failed to build source client: %w", err)
		}
	}

	engineOpts := []engine.Option{engine.WithMetrics(metrics)}
	if b.config.Sync.MaxConcurrent > 0 {
		engineOpts = append(engineOpts, engine.WithMaxConcurrent(b.config.Sync.MaxConcurrent))
	}
	staleAfter, err := b.config.Sync.GetStaleAfter()
	if err != nil {
		return nil, err
	}
	engineOpts = append(engineOpts, engine.WithStaleAfter(staleAfter))

	eng, err := engine.New(st, b.source, b.config.AccountID, engineOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to build engine: %w", err)
	}

	return eng, nil
}

// registerWebhookEndpoint registers this instance's webhook URL upstream
// once. The advisory lock plus the recorded endpoint row make registration
// idempotent across replicas and restarts.
func registerWebhookEndpoint(ctx context.Context, b *syncAppConfig, st *store.Store) error {
	endpointURL := b.config.Source.WebhookURL
	if endpointURL == "" {
		return nil
	}

	registrar, ok := b.source.(interface {
		EnsureWebhookEndpoint(ctx context.Context, endpointURL string) error
	})
	if !ok {
		return nil
	}

	return st.WithAdvisoryLock(ctx, store.LockKeyWebhookEndpoint, func(ctx context.Context) error {
		fresh, err := st.RecordWebhookEndpoint(ctx, b.config.AccountID, endpointURL)
		if err != nil {
			return fmt.Errorf("failed to record webhook endpoint: %w", err)
		}
		if !fresh {
			return nil
		}
		if err := registrar.EnsureWebhookEndpoint(ctx, endpointURL); err != nil {
			return fmt.Errorf("failed to register webhook endpoint upstream: %w", err)
		}
		slog.Info("Registered webhook endpoint", "url", endpointURL)
		return nil
	})
}

// buildWorker builds the queue dispatcher and its scheduling loop
func buildWorker(
	b *syncAppConfig,
	st *store.Store,
	eng *engine.Engine,
	metrics *telemetry.SyncMetrics,
	queueName string,
) (worker.Worker, error) {
	slog.Info("Initializing sync worker", "queue", queueName)

	visibility, err := b.config.Sync.GetVisibilityTimeout()
	if err != nil {
		return nil, err
	}

	dispatchOpts := []dispatcher.Option{
		dispatcher.WithMetrics(metrics),
		dispatcher.WithVisibility(visibility),
	}
	if b.config.Sync.BatchSize > 0 {
		dispatchOpts = append(dispatchOpts, dispatcher.WithBatchSize(b.config.Sync.BatchSize))
	}
	if b.config.Sync.MaxParallel > 0 {
		dispatchOpts = append(dispatchOpts, dispatcher.WithMaxParallel(b.config.Sync.MaxParallel))
	}

	disp, err := dispatcher.New(st, st, eng, queueName, engine.AllObjectTypes(), dispatchOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to build dispatcher: %w", err)
	}

	syncWorker, err := worker.New(disp, worker.WithSchedule(b.config.Sync.GetSchedule()))
	if err != nil {
		return nil, fmt.Errorf("failed to build worker: %w", err)
	}

	return syncWorker, nil
}

// buildHTTPServer builds the HTTP server with router and middleware
func buildHTTPServer(
	b *syncAppConfig,
	svc service.SyncService,
	metrics *telemetry.SyncMetrics,
) (*http.Server, error) {
	slog.Info("Initializing HTTP server")

	// Use default middlewares if not provided
	if b.middlewares == nil {
		b.middlewares = []func(http.Handler) http.Handler{
			middleware.RequestID,
			middleware.RealIP,
			middleware.Recoverer,
			middleware.Timeout(b.requestTimeout),
			api.LoggingMiddleware,
		}
	}

	// Create router with middlewares
	router := api.NewServer(svc,
		api.WithMiddlewares(b.middlewares...),
		api.WithMetricsHandler(metrics.Handler()),
	)

	// Create HTTP server
	server := &http.Server{
		Addr:         b.address,
		Handler:      router,
		ReadTimeout:  b.readTimeout,
		WriteTimeout: b.writeTimeout,
		IdleTimeout:  b.idleTimeout,
	}

	slog.Info("HTTP server configured", "address", b.address)
	return server, nil
}
