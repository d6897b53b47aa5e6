package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
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

// Supported database drivers
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "pgx"
)

// Conflict policies for pricebook records edited on both sides
const (
	ConflictPolicyRemoteWins = "remote_wins"
	ConflictPolicyManual     = "manual"
)

// Config represents the complete application configuration
type Config struct {
	ServiceTitan ServiceTitanConfig
	Sync         SyncConfig
	Database     DatabaseConfig
	Logging      LoggingConfig
	Server       ServerConfig
	configDir    string // Internal: Directory where config was loaded from
}

// ServiceTitanConfig holds the remote API credentials and client tuning
type ServiceTitanConfig struct {
	BaseURL      string // API base URL, e.g. https://api.servicetitan.io
	AuthURL      string // OAuth2 token endpoint
	TenantID     string
	ClientID     string
	ClientSecret string
	AppKey       string // Sent as the ST-App-Key header

	Timeout    time.Duration // Per request timeout
	MaxRetries int           // Retries for 429/5xx and transport errors

	RequestsPerMinute int
	BurstLimit        int

	PageSize int // Records requested per page
	MaxPages int // Upper bound of pages fetched per entity type
}

// Configured reports whether enough credentials are present to talk to ServiceTitan
func (c ServiceTitanConfig) Configured() bool {
	return c.TenantID != "" && c.ClientID != "" && c.ClientSecret != "" && c.AppKey != ""
}

// SyncConfig controls the scheduler and engine policies
type SyncConfig struct {
	Enabled             bool   // Global switch for scheduled runs
	IncrementalSchedule string // Cron expression for incremental runs
	FullSchedule        string // Cron expression for full runs
	Timezone            string // Location the cron expressions are evaluated in
	ConflictPolicy      string // remote_wins or manual
	RecoverStaleRuns    bool   // Mark orphaned running logs as failed at startup
}

// DatabaseConfig represents database configuration
type DatabaseConfig struct {
	Driver          string        // sqlite3 or pgx
	URL             string        // Postgres connection string (pgx driver)
	Path            string        // Path to the SQLite database file
	JournalMode     string        // Journal mode (WAL recommended)
	SynchronousMode string        // Synchronous mode
	BusyTimeout     int           // Busy timeout in milliseconds
	CacheSize       int           // Cache size in KiB
	ForeignKeys     bool          // Whether to enforce foreign key constraints
	MaxOpenConns    int           // Pool size (forced to 1 for SQLite)
	ConnMaxLife     time.Duration // Maximum connection lifetime
	QueryTimeout    time.Duration // Query timeout
}

// Configured reports whether a local store is configured for the selected driver
func (c DatabaseConfig) Configured() bool {
	if c.Driver == DriverPostgres {
		return c.URL != ""
	}
	return c.Path != ""
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level      string // debug, info, warn, error
	Format     string // text or json
	Output     string // stdout, stderr, or file path
	AddSource  bool   // Include source code position in logs
	TimeFormat string // Time format for logs (empty uses RFC3339)
}

// ServerConfig holds configuration for the sync HTTP API
type ServerConfig struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// New returns a new empty Config
func New() *Config {
	return &Config{
		ServiceTitan: ServiceTitanConfig{},
		Sync:         SyncConfig{},
		Database:     DatabaseConfig{},
		Logging:      LoggingConfig{},
		Server:       ServerConfig{},
	}
}

// ConfigDir returns the directory the configuration was loaded from
func (c *Config) ConfigDir() string {
	return c.configDir
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if err := c.validateServiceTitan(); err != nil {
		return fmt.Errorf("ServiceTitan config: %w", err)
	}

	if err := c.validateSync(); err != nil {
		return fmt.Errorf("sync config: %w", err)
	}

	if err := c.validateDatabase(); err != nil {
		return fmt.Errorf("database config: %w", err)
	}

	if err := c.validateLogging(); err != nil {
		return fmt.Errorf("logging config: %w", err)
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

func (c *Config) validateServiceTitan() error {
	st := c.ServiceTitan

	// Credentials are optional as a whole, but a half-filled set is a mistake
	anySet := st.TenantID != "" || st.ClientID != "" || st.ClientSecret != "" || st.AppKey != ""
	if anySet && !st.Configured() {
		return fmt.Errorf("tenant_id, client_id, client_secret and app_key must all be set")
	}

	if st.BaseURL == "" {
		return fmt.Errorf("base URL cannot be empty")
	}

	if st.AuthURL == "" {
		return fmt.Errorf("auth URL cannot be empty")
	}

	if st.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}

	if st.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative")
	}

	if st.PageSize <= 0 {
		return fmt.Errorf("page size must be positive")
	}

	if st.MaxPages <= 0 {
		return fmt.Errorf("max pages must be positive")
	}

	return nil
}

func (c *Config) validateSync() error {
	if _, err := cron.ParseStandard(c.Sync.IncrementalSchedule); err != nil {
		return fmt.Errorf("invalid incremental schedule %q: %w", c.Sync.IncrementalSchedule, err)
	}

	if _, err := cron.ParseStandard(c.Sync.FullSchedule); err != nil {
		return fmt.Errorf("invalid full schedule %q: %w", c.Sync.FullSchedule, err)
	}

	if _, err := time.LoadLocation(c.Sync.Timezone); err != nil {
		return fmt.Errorf("invalid timezone %q: %w", c.Sync.Timezone, err)
	}

	switch c.Sync.ConflictPolicy {
	case ConflictPolicyRemoteWins, ConflictPolicyManual:
	default:
		return fmt.Errorf("invalid conflict policy: %s", c.Sync.ConflictPolicy)
	}

	return nil
}

func (c *Config) validateDatabase() error {
	switch c.Database.Driver {
	case DriverPostgres:
		if c.Database.MaxOpenConns <= 0 {
			return fmt.Errorf("max open connections must be positive")
		}
	case DriverSQLite:
		if c.Database.Path == "" || c.Database.Path == ":memory:" {
			break
		}

		// Create the directory if it doesn't exist
		dir := filepath.Dir(c.Database.Path)
		if _, err := os.Stat(dir); os.IsNotExist(err) {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return fmt.Errorf("failed to create directory for database: %w", err)
			}
		}

		if err := checkDirectoryWritable(dir); err != nil {
			return fmt.Errorf("database directory: %w", err)
		}

		if c.Database.BusyTimeout <= 0 {
			return fmt.Errorf("busy timeout must be positive")
		}
	default:
		return fmt.Errorf("unsupported driver: %s", c.Database.Driver)
	}

	if c.Database.ConnMaxLife <= 0 {
		return fmt.Errorf("connection max life must be positive")
	}

	if c.Database.QueryTimeout <= 0 {
		return fmt.Errorf("query timeout must be positive")
	}

	return nil
}

func (c *Config) validateLogging() error {
	// Validate logging level
	level := strings.ToLower(c.Logging.Level)
	if level != "debug" && level != "info" && level != "warn" && level != "error" && level != "none" {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	// Validate format
	format := strings.ToLower(c.Logging.Format)
	if format != "text" && format != "json" {
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}

	return nil
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

// getTimeFormat converts a named time format to its actual format string
func getTimeFormat(name string) string {
	switch name {
	case "RFC3339":
		return time.RFC3339
	case "RFC3339Nano":
		return time.RFC3339Nano
	case "Kitchen":
		return time.Kitchen
	case "DateTime":
		return "2006-01-02 15:04:05"
	case "DateTimeMS":
		return "2006-01-02 15:04:05.000"
	default:
		return name
	}
}

// checkDirectoryWritable tests if a directory is writable
func checkDirectoryWritable(dir string) error {
	testFile := filepath.Join(dir, fmt.Sprintf("test_write_%d", time.Now().UnixNano()))
	f, err := os.Create(testFile)
	if err != nil {
		return fmt.Errorf("directory not writable: %w", err)
	}

	f.Close()
	os.Remove(testFile)

	return nil
}
