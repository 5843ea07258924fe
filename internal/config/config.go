// Package config provides configuration loading and management for the sync service.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sprintforge/worksync/internal/telemetry"
)

const (
	// EnvPrefix is the prefix for environment variable overrides
	EnvPrefix = "WORKSYNC"

	// DefaultServerPort is the port the HTTP API listens on when unset
	DefaultServerPort = 8080

	// DefaultFolderConcurrency bounds concurrent sibling folder subtrees per job
	DefaultFolderConcurrency = 4

	// DefaultLookbackDays bounds the incremental task fetch window
	DefaultLookbackDays = 30

	// DefaultMaxFetchAttempts bounds per-page fetch retries
	DefaultMaxFetchAttempts = 5

	// DefaultLeaseTTL is the sync lock lease duration
	DefaultLeaseTTL = 2 * time.Minute
)

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
	Server    ServerConfig      `yaml:"server,omitempty"`
	Database  *DatabaseConfig   `yaml:"database"`
	ClickUp   ClickUpConfig     `yaml:"clickup,omitempty"`
	Sync      SyncConfig        `yaml:"sync,omitempty"`
	Telemetry *telemetry.Config `yaml:"telemetry,omitempty"`
}

// ServerConfig defines HTTP server settings
type ServerConfig struct {
	// Address is the interface to bind; empty binds all interfaces
	Address string `yaml:"address,omitempty"`

	// Port is the HTTP listen port
	Port int `yaml:"port,omitempty"`
}

// ListenAddr returns the address:port string for the HTTP listener
func (s *ServerConfig) ListenAddr() string {
	port := s.Port
	if port == 0 {
		port = DefaultServerPort
	}
	return fmt.Sprintf("%s:%d", s.Address, port)
}

// ClickUpConfig defines upstream API client settings
type ClickUpConfig struct {
	// BaseURL overrides the upstream API base URL, mainly for testing
	BaseURL string `yaml:"baseUrl,omitempty"`

	// Timeout is the per-request HTTP timeout (e.g., "30s")
	Timeout string `yaml:"timeout,omitempty"`
}

// GetTimeout parses the configured request timeout, zero when unset
func (c *ClickUpConfig) GetTimeout() (time.Duration, error) {
	if c.Timeout == "" {
		return 0, nil
	}
	return time.ParseDuration(c.Timeout)
}

// SyncConfig defines sync job behavior
type SyncConfig struct {
	// FolderConcurrency bounds concurrent sibling folder subtrees per job
	FolderConcurrency int `yaml:"folderConcurrency,omitempty"`

	// DefaultLookbackDays is the incremental window applied when a trigger
	// request does not specify one
	DefaultLookbackDays int `yaml:"defaultLookbackDays,omitempty"`

	// MaxFetchAttempts bounds per-page fetch retries against the upstream API
	MaxFetchAttempts int `yaml:"maxFetchAttempts,omitempty"`

	// LeaseTTL is the sync lock lease duration (e.g., "2m")
	LeaseTTL string `yaml:"leaseTtl,omitempty"`

	// SpaceFilter restricts full syncs to spaces whose name contains this
	// substring, case-insensitively
	SpaceFilter string `yaml:"spaceFilter,omitempty"`
}

// GetFolderConcurrency returns the folder fan-out, using the default if unset
func (s *SyncConfig) GetFolderConcurrency() int {
	if s.FolderConcurrency <= 0 {
		return DefaultFolderConcurrency
	}
	return s.FolderConcurrency
}

// GetDefaultLookbackDays returns the incremental window, using the default if unset
func (s *SyncConfig) GetDefaultLookbackDays() int {
	if s.DefaultLookbackDays <= 0 {
		return DefaultLookbackDays
	}
	return s.DefaultLookbackDays
}

// GetMaxFetchAttempts returns the fetch retry bound, using the default if unset
func (s *SyncConfig) GetMaxFetchAttempts() int {
	if s.MaxFetchAttempts <= 0 {
		return DefaultMaxFetchAttempts
	}
	return s.MaxFetchAttempts
}

// GetLeaseTTL parses the lease duration, using the default if unset
func (s *SyncConfig) GetLeaseTTL() (time.Duration, error) {
	if s.LeaseTTL == "" {
		return DefaultLeaseTTL, nil
	}
	return time.ParseDuration(s.LeaseTTL)
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

// GetPassword returns the database password using the following priority:
// 1. Read from PasswordFile if specified
// 2. Read from WORKSYNC_DB_PASSWORD environment variable
//
// The password from file will have leading/trailing whitespace trimmed.
func (d *DatabaseConfig) GetPassword() (string, error) {
	// Priority 1: Read from file if specified
	if d.PasswordFile != "" {
		// Use filepath.Clean to prevent path traversal attacks
		cleanPath := filepath.Clean(d.PasswordFile)

		data, err := os.ReadFile(cleanPath)
		if err != nil {
			return "", fmt.Errorf("failed to read password from file %s: %w", d.PasswordFile, err)
		}

		// Trim whitespace (including newlines) from file content
		password := strings.TrimSpace(string(data))
		return password, nil
	}

	// Priority 2: Check environment variable
	if envPassword := os.Getenv("WORKSYNC_DB_PASSWORD"); envPassword != "" {
		return envPassword, nil
	}

	return "", fmt.Errorf(
		"no database password configured: set passwordFile or WORKSYNC_DB_PASSWORD environment variable",
	)
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
	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// validate performs validation on the configuration
func (c *Config) validate() error {
	if c == nil {
		return fmt.Errorf("config cannot be nil")
	}

	if c.Database == nil {
		return fmt.Errorf("database configuration is required")
	}
	if c.Database.Host == "" {
		return fmt.Errorf("database.host is required")
	}
	if c.Database.Port <= 0 || c.Database.Port > 65535 {
		return fmt.Errorf("database.port must be between 1 and 65535, got %d", c.Database.Port)
	}
	if c.Database.User == "" {
		return fmt.Errorf("database.user is required")
	}
	if c.Database.Database == "" {
		return fmt.Errorf("database.database is required")
	}

	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 0 and 65535, got %d", c.Server.Port)
	}

	if _, err := c.ClickUp.GetTimeout(); err != nil {
		return fmt.Errorf("clickup.timeout must be a valid duration (e.g., '30s'): %w", err)
	}

	if _, err := c.Sync.GetLeaseTTL(); err != nil {
		return fmt.Errorf("sync.leaseTtl must be a valid duration (e.g., '2m'): %w", err)
	}

	return nil
}
