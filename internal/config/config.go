// Package config provides configuration loading for the sync service.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix for environment variable overrides.
const EnvPrefix = "BILLMIRROR"

// Option defines the interface for configuration options
type Option func(*loaderConfig) error

// loaderConfig defines the configuration for loading a configuration
type loaderConfig struct {
	path string
}

// WithConfigPath loads configuration from a YAML file
func WithConfigPath(path string) Option {
	return func(cfg *loaderConfig) error {
		if path == "" {
			return fmt.Errorf("path is required")
		}

		// Resolve symlinks to prevent symlink attacks.
		// Note that this calls filepath.Clean internally.
		realPath, err := filepath.EvalSymlinks(path)
		if err != nil {
			return fmt.Errorf("failed to evaluate symlinks: %w", err)
		}

		// Validate the path to prevent path traversal attacks
		if !filepath.IsAbs(realPath) {
			if !filepath.IsLocal(realPath) {
				return fmt.Errorf("path is not local or contains invalid traversal: %s", path)
			}
		}

		cfg.path = realPath
		return nil
	}
}

// Config represents the root configuration structure
type Config struct {
	// AccountID identifies the upstream account this instance mirrors
	AccountID string `yaml:"accountId"`

	Source   SourceConfig    `yaml:"source"`
	Sync     SyncConfig      `yaml:"sync"`
	Server   ServerConfig    `yaml:"server"`
	Database *DatabaseConfig `yaml:"database,omitempty"`
}

// SourceConfig defines the upstream billing API connection
type SourceConfig struct {
	// BaseURL is the API base URL, e.g. "https://api.stripe.com"
	BaseURL string `yaml:"baseUrl"`

	// APIKeyFile is the path to a file containing the bearer API key
	APIKeyFile string `yaml:"apiKeyFile,omitempty"`

	// WebhookSecretFile is the path to a file containing the webhook
	// signing secret shared with the upstream platform
	WebhookSecretFile string `yaml:"webhookSecretFile,omitempty"`

	// WebhookURL, when set, is registered upstream as the endpoint that
	// receives push notifications for this instance
	WebhookURL string `yaml:"webhookUrl,omitempty"`

	// PageLimit is the page size requested from the upstream list API
	PageLimit int `yaml:"pageLimit,omitempty"`
}

// SyncConfig defines sweep and queue worker settings
type SyncConfig struct {
	// MaxConcurrent caps the object sweeps running at once within a run
	MaxConcurrent int `yaml:"maxConcurrent,omitempty"`

	// StaleAfter is how long a running sweep may go without progress
	// before recovery marks it failed (e.g. "30m")
	StaleAfter string `yaml:"staleAfter,omitempty"`

	// VisibilityTimeout is the queue message lease duration (e.g. "2m")
	VisibilityTimeout string `yaml:"visibilityTimeout,omitempty"`

	// BatchSize is how many queue messages one worker pass reads
	BatchSize int `yaml:"batchSize,omitempty"`

	// MaxParallel caps concurrent message processing within a batch
	MaxParallel int `yaml:"maxParallel,omitempty"`

	// Schedule is the cron expression driving the worker loop
	// Defaults to once per minute
	Schedule string `yaml:"schedule,omitempty"`

	// Queue is the durable queue name dispatch messages travel on
	Queue string `yaml:"queue,omitempty"`
}

// ServerConfig defines HTTP server settings
type ServerConfig struct {
	// Address is the listen address, e.g. ":8080"
	Address string `yaml:"address,omitempty"`
}

// DatabaseConfig defines database connection settings
type DatabaseConfig struct {
	// Host is the database server hostname or IP address
	Host string `yaml:"host"`

	// Port is the database server port
	Port int `yaml:"port"`

	// User is the database username
	User string `yaml:"user"`

	// PasswordFile is the path to a file containing the database password
	// This is the recommended approach for production deployments
	// The file should contain only the password with optional trailing whitespace
	PasswordFile string `yaml:"passwordFile,omitempty"`

	// Database is the database name
	Database string `yaml:"database"`

	// SSLMode is the SSL mode for the connection (disable, require, verify-ca, verify-full)
	SSLMode string `yaml:"sslMode,omitempty"`

	// MaxOpenConns is the maximum number of open connections to the database
	MaxOpenConns int32 `yaml:"maxOpenConns,omitempty"`

	// MaxIdleConns is the maximum number of idle connections in the pool
	MaxIdleConns int32 `yaml:"maxIdleConns,omitempty"`

	// ConnMaxLifetime is the maximum lifetime of a connection (e.g., "1h", "30m")
	ConnMaxLifetime string `yaml:"connMaxLifetime,omitempty"`
}

// readSecretFile reads a secret value from a file, falling back to the given
// environment variable. The file content has surrounding whitespace trimmed.
func readSecretFile(path, envVar, what string) (string, error) {
	if path != "" {
		cleanPath := filepath.Clean(path)

		data, err := os.ReadFile(cleanPath)
		if err != nil {
			return "", fmt.Errorf("failed to read %s from file %s: %w", what, path, err)
		}
		return strings.TrimSpace(string(data)), nil
	}

	if envValue := os.Getenv(envVar); envValue != "" {
		return envValue, nil
	}

	return "", fmt.Errorf("no %s configured: set the file path or %s environment variable", what, envVar)
}

// GetAPIKey returns the upstream API key from APIKeyFile or the
// BILLMIRROR_API_KEY environment variable.
func (s *SourceConfig) GetAPIKey() (string, error) {
	return readSecretFile(s.APIKeyFile, "BILLMIRROR_API_KEY", "API key")
}

// GetWebhookSecret returns the webhook signing secret from WebhookSecretFile
// or the BILLMIRROR_WEBHOOK_SECRET environment variable.
func (s *SourceConfig) GetWebhookSecret() (string, error) {
	return readSecretFile(s.WebhookSecretFile, "BILLMIRROR_WEBHOOK_SECRET", "webhook secret")
}

// GetPassword returns the database password using the following priority:
// 1. Read from PasswordFile if specified
// 2. Read from BILLMIRROR_DATABASE_PASSWORD environment variable
func (d *DatabaseConfig) GetPassword() (string, error) {
	return readSecretFile(d.PasswordFile, "BILLMIRROR_DATABASE_PASSWORD", "database password")
}

// GetConnectionString builds a PostgreSQL connection string with proper password handling.
// The password is URL-escaped to handle special characters safely.
func (d *DatabaseConfig) GetConnectionString() (string, error) {
	password, err := d.GetPassword()
	if err != nil {
		return "", err
	}

	sslMode := d.SSLMode
	if sslMode == "" {
		sslMode = "require"
	}

	// URL-escape the password to handle special characters
	escapedPassword := url.QueryEscape(password)

	connString := fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User,
		escapedPassword,
		d.Host,
		d.Port,
		d.Database,
		sslMode,
	)

	return connString, nil
}

// GetStaleAfter parses SyncConfig.StaleAfter, defaulting to 30 minutes.
func (s *SyncConfig) GetStaleAfter() (time.Duration, error) {
	if s.StaleAfter == "" {
		return 30 * time.Minute, nil
	}
	return time.ParseDuration(s.StaleAfter)
}

// GetVisibilityTimeout parses SyncConfig.VisibilityTimeout, defaulting to 2 minutes.
func (s *SyncConfig) GetVisibilityTimeout() (time.Duration, error) {
	if s.VisibilityTimeout == "" {
		return 2 * time.Minute, nil
	}
	return time.ParseDuration(s.VisibilityTimeout)
}

// GetQueue returns the dispatch queue name, defaulting to "sync".
func (s *SyncConfig) GetQueue() string {
	if s.Queue == "" {
		return "sync"
	}
	return s.Queue
}

// GetSchedule returns the worker cron schedule, defaulting to every minute.
func (s *SyncConfig) GetSchedule() string {
	if s.Schedule == "" {
		return "* * * * *"
	}
	return s.Schedule
}

// GetAddress returns the HTTP listen address, defaulting to ":8080".
func (s *ServerConfig) GetAddress() string {
	if s.Address == "" {
		return ":8080"
	}
	return s.Address
}

// LoadConfig loads and parses configuration from a YAML file
func LoadConfig(opts ...Option) (*Config, error) {
	loaderCfg := &loaderConfig{}
	for _, opt := range opts {
		if err := opt(loaderCfg); err != nil {
			return nil, err
		}
	}

	// As of now, this is required because there's no other options to load
	// configuration. Once we add more options, we can remove this check.
	if loaderCfg.path == "" {
		return nil, fmt.Errorf("path is required")
	}

	// Read the entire file into memory
	data, err := os.ReadFile(loaderCfg.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Parse YAML content
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}

	// Validate the config
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// Validate performs validation on the configuration
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("config cannot be nil")
	}

	if c.AccountID == "" {
		return fmt.Errorf("accountId is required")
	}

	if c.Source.BaseURL == "" {
		return fmt.Errorf("source.baseUrl is required")
	}
	if _, err := url.Parse(c.Source.BaseURL); err != nil {
		return fmt.Errorf("source.baseUrl is not a valid URL: %w", err)
	}
	if c.Source.PageLimit < 0 {
		return fmt.Errorf("source.pageLimit must not be negative")
	}

	if c.Sync.MaxConcurrent < 0 {
		return fmt.Errorf("sync.maxConcurrent must not be negative")
	}
	if c.Sync.BatchSize < 0 {
		return fmt.Errorf("sync.batchSize must not be negative")
	}
	if c.Sync.MaxParallel < 0 {
		return fmt.Errorf("sync.maxParallel must not be negative")
	}
	if _, err := c.Sync.GetStaleAfter(); err != nil {
		return fmt.Errorf("sync.staleAfter must be a valid duration (e.g., '30m'): %w", err)
	}
	if _, err := c.Sync.GetVisibilityTimeout(); err != nil {
		return fmt.Errorf("sync.visibilityTimeout must be a valid duration (e.g., '2m'): %w", err)
	}

	if c.Database == nil {
		return fmt.Errorf("database configuration is required")
	}
	if c.Database.Host == "" {
		return fmt.Errorf("database.host is required")
	}
	if c.Database.Port == 0 {
		return fmt.Errorf("database.port is required")
	}
	if c.Database.User == "" {
		return fmt.Errorf("database.user is required")
	}
	if c.Database.Database == "" {
		return fmt.Errorf("database.database is required")
	}

	return nil
}
