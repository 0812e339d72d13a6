package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// LoadFromEnv loads configuration from environment variables.
// Parameters:
// - configDir: Directory containing config and data files (or empty for default)
// - envFilePath: Path to a .env file (or empty for default)
func LoadFromEnv(configDir string, envFilePath string) (*Config, error) {
	cfg := New()

	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		configDir = filepath.Join(homeDir, ".syncrelay")
	}
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
	}

	// Defaults that live in the config directory
	defaultDBPath := filepath.Join(configDir, "syncrelay.db")
	defaultLogPath := filepath.Join(configDir, "syncrelay.log")

	if envFilePath == "" {
		envFilePath = filepath.Join(configDir, ".env")
	}
	if custom := getEnvString("ENV_FILE_PATH", ""); custom != "" {
		if err := godotenv.Load(custom); err != nil {
			return nil, fmt.Errorf("failed to load env file from %s: %w", custom, err)
		}
	} else if err := godotenv.Load(envFilePath); err != nil {
		// Fall back to a .env in the current directory, if any
		_ = godotenv.Load()
	}

	cfg.Database = DatabaseConfig{
		Path:            getEnvString("SYNCRELAY_DB_PATH", defaultDBPath),
		KeyPrefix:       getEnvString("SYNCRELAY_KEY_PREFIX", "syncrelay"),
		BusyTimeout:     getEnvInt("SYNCRELAY_DB_BUSY_TIMEOUT", 5000),
		JournalMode:     getEnvString("SYNCRELAY_DB_JOURNAL_MODE", "WAL"),
		SynchronousMode: getEnvString("SYNCRELAY_DB_SYNCHRONOUS_MODE", "NORMAL"),
		CacheSize:       getEnvInt("SYNCRELAY_DB_CACHE_SIZE", -64000), // ~64MB
		ForeignKeys:     getEnvBool("SYNCRELAY_DB_FOREIGN_KEYS", true),
		ConnMaxLife:     getEnvDuration("SYNCRELAY_DB_CONN_MAX_LIFE", 5*time.Minute),
		QueryTimeout:    getEnvDuration("SYNCRELAY_DB_QUERY_TIMEOUT", 30*time.Second),
	}

	cfg.Logging = LoggingConfig{
		Level:      getEnvString("SYNCRELAY_LOG_LEVEL", "info"),
		Format:     getEnvString("SYNCRELAY_LOG_FORMAT", "text"),
		Output:     getEnvString("SYNCRELAY_LOG_OUTPUT", defaultLogPath),
		AddSource:  getEnvBool("SYNCRELAY_LOG_ADD_SOURCE", false),
		TimeFormat: TimeFormat(getEnvString("SYNCRELAY_LOG_TIME_FORMAT", "RFC3339")),
	}

	cfg.Server = ServerConfig{
		ListenAddr:      getEnvString("SYNCRELAY_LISTEN_ADDR", "127.0.0.1:8460"),
		ReadTimeout:     getEnvDuration("SYNCRELAY_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    getEnvDuration("SYNCRELAY_WRITE_TIMEOUT", 0),
		ShutdownTimeout: getEnvDuration("SYNCRELAY_SHUTDOWN_TIMEOUT", 10*time.Second),
		ReportRetries:   getEnvInt("SYNCRELAY_REPORT_RETRIES", 3),
	}

	cfg.Lock = LockConfig{
		AcquireTimeout: getEnvDuration("SYNCRELAY_LOCK_ACQUIRE_TIMEOUT", 5*time.Second),
		PollInterval:   getEnvDuration("SYNCRELAY_LOCK_POLL_INTERVAL", 50*time.Millisecond),
		LeaseDuration:  getEnvDuration("SYNCRELAY_LOCK_LEASE_DURATION", 10*time.Second),
	}

	cfg.Push = PushConfig{
		MemberBuffer:    getEnvInt("SYNCRELAY_PUSH_MEMBER_BUFFER", 16),
		SnapshotMinGap:  getEnvDuration("SYNCRELAY_PUSH_SNAPSHOT_MIN_GAP", 200*time.Millisecond),
		SnapshotBurst:   getEnvInt("SYNCRELAY_PUSH_SNAPSHOT_BURST", 5),
		HeartbeatPeriod: getEnvDuration("SYNCRELAY_PUSH_HEARTBEAT_PERIOD", 25*time.Second),
	}

	return cfg, cfg.Validate()
}

// getEnvString returns a string from the environment variable
func getEnvString(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// getEnvInt returns an int from the environment variable
func getEnvInt(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvBool returns a bool from the environment variable
func getEnvBool(key string, defaultValue bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

// getEnvDuration returns a time.Duration from the environment variable
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
