// Package config holds the server configuration, loaded from the
// environment with optional .env support.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

var (
	// Global configuration instance
	globalConfig *Config
	configMutex  sync.RWMutex
)

// Get returns the global configuration instance
// If the configuration has not been initialized, it will return an error
func Get() (*Config, error) {
	configMutex.RLock()
	defer configMutex.RUnlock()

	if globalConfig == nil {
		return nil, fmt.Errorf("configuration not initialized")
	}
	return globalConfig, nil
}

// Set sets the global configuration instance
func Set(cfg *Config) {
	configMutex.Lock()
	defer configMutex.Unlock()

	globalConfig = cfg
}

// Config represents the complete server configuration
type Config struct {
	Database DatabaseConfig
	Logging  LoggingConfig
	Server   ServerConfig
	Lock     LockConfig
	Push     PushConfig
}

// DatabaseConfig represents shared-store configuration
type DatabaseConfig struct {
	Path            string        // Path to the SQLite database file
	KeyPrefix       string        // Namespace prefix for entity keys
	JournalMode     string        // Journal mode (WAL recommended)
	SynchronousMode string        // Synchronous mode
	BusyTimeout     int           // Busy timeout in milliseconds
	CacheSize       int           // Cache size in KiB
	ForeignKeys     bool          // Whether to enforce foreign key constraints
	ConnMaxLife     time.Duration // Maximum connection lifetime
	QueryTimeout    time.Duration // Query timeout
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level      string // debug, info, warn, error
	Format     string // text or json
	Output     string // stdout, stderr, or file path
	AddSource  bool   // Include source code position in logs
	TimeFormat string // Time format for logs (empty uses RFC3339)
}

// ServerConfig represents the HTTP listener configuration
type ServerConfig struct {
	ListenAddr      string        // host:port to bind
	ReadTimeout     time.Duration // Request read timeout
	WriteTimeout    time.Duration // Response write timeout; must exceed SSE heartbeat
	ShutdownTimeout time.Duration // Grace period on shutdown
	ReportRetries   int           // Bounded retries for lock-contended reports
}

// LockConfig represents distributed-lock tuning
type LockConfig struct {
	AcquireTimeout time.Duration // Bounded wait for lock acquisition
	PollInterval   time.Duration // Interval between acquisition attempts
	LeaseDuration  time.Duration // Lease granted per acquisition; crash-recovery bound
}

// PushConfig represents progress-push tuning
type PushConfig struct {
	MemberBuffer    int           // Per-member channel buffer before drops
	SnapshotMinGap  time.Duration // Minimum gap between progress snapshots per session
	SnapshotBurst   int           // Burst allowance for the snapshot limiter
	HeartbeatPeriod time.Duration // SSE keep-alive comment period
}

// New returns an empty configuration
func New() *Config {
	return &Config{}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if err := c.validateDatabase(); err != nil {
		return fmt.Errorf("database config: %w", err)
	}
	if err := c.validateLogging(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}
	if err := c.validateLock(); err != nil {
		return fmt.Errorf("lock config: %w", err)
	}
	if err := c.validateServer(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}
	return nil
}

func (c *Config) validateDatabase() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database path cannot be empty")
	}
	if c.Database.KeyPrefix == "" {
		return fmt.Errorf("key prefix cannot be empty")
	}
	if strings.Contains(c.Database.KeyPrefix, ":") {
		return fmt.Errorf("key prefix must not contain ':'")
	}
	return nil
}

func (c *Config) validateLogging() error {
	level := strings.ToLower(c.Logging.Level)
	switch level {
	case "debug", "info", "warn", "error", "none":
	default:
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	format := strings.ToLower(c.Logging.Format)
	if format != "text" && format != "json" {
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}
	return nil
}

func (c *Config) validateLock() error {
	if c.Lock.AcquireTimeout <= 0 {
		return fmt.Errorf("acquire timeout must be positive")
	}
	if c.Lock.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive")
	}
	if c.Lock.LeaseDuration <= 0 {
		return fmt.Errorf("lease duration must be positive")
	}
	// A lease shorter than the acquire wait would let a healthy holder
	// be stolen from while its contender is still polling.
	if c.Lock.LeaseDuration < c.Lock.AcquireTimeout {
		return fmt.Errorf("lease duration must be at least the acquire timeout")
	}
	return nil
}

func (c *Config) validateServer() error {
	if c.Server.ListenAddr == "" {
		return fmt.Errorf("listen address cannot be empty")
	}
	if c.Server.ReportRetries < 0 {
		return fmt.Errorf("report retries cannot be negative")
	}
	return nil
}

// ParseLogLevel parses a log level string to a slog.Level
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	case "none":
		// Set to a very high level that won't be triggered
		return slog.Level(9999)
	default:
		return slog.LevelInfo
	}
}

// TimeFormat converts a named time format to its layout string
func TimeFormat(name string) string {
	switch name {
	case "RFC3339", "":
		return time.RFC3339
	case "RFC3339Nano":
		return time.RFC3339Nano
	case "Kitchen":
		return time.Kitchen
	default:
		return name
	}
}
