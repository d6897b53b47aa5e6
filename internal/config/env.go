package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
)

// LoadFromEnv loads configuration from environment variables
// Parameters:
// - configDir: Directory containing config files (or empty for default)
// - configFilePath: Path to .env file (or empty for default)
func LoadFromEnv(configDir string, configFilePath string) (*Config, error) {
	cfg := New()

	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		configDir = filepath.Join(homeDir, ".stsync")

		if err := os.MkdirAll(configDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create config directory: %w", err)
		}
	}
	cfg.configDir = configDir

	if configFilePath == "" {
		configFilePath = filepath.Join(configDir, ".env")
	}

	// ENV_FILE_PATH points at a custom .env file
	envFilePath := getEnvString("ENV_FILE_PATH", "")
	if envFilePath != "" {
		if err := godotenv.Load(envFilePath); err != nil {
			return nil, fmt.Errorf("failed to load env file from %s: %w", envFilePath, err)
		}
	} else {
		if err := godotenv.Load(configFilePath); err != nil {
			_ = godotenv.Load() // Ignore errors if file doesn't exist
		}
	}

	cfg.ServiceTitan = ServiceTitanConfig{
		BaseURL:           getEnvString("STSYNC_ST_BASE_URL", "https://api.servicetitan.io"),
		AuthURL:           getEnvString("STSYNC_ST_AUTH_URL", "https://auth.servicetitan.io/connect/token"),
		TenantID:          getEnvString("STSYNC_ST_TENANT_ID", ""),
		ClientID:          getEnvString("STSYNC_ST_CLIENT_ID", ""),
		ClientSecret:      getEnvString("STSYNC_ST_CLIENT_SECRET", ""),
		AppKey:            getEnvString("STSYNC_ST_APP_KEY", ""),
		Timeout:           getEnvDuration("STSYNC_ST_TIMEOUT", 30*time.Second),
		MaxRetries:        getEnvInt("STSYNC_ST_MAX_RETRIES", 3),
		RequestsPerMinute: getEnvInt("STSYNC_ST_REQUESTS_PER_MINUTE", 600),
		BurstLimit:        getEnvInt("STSYNC_ST_BURST_LIMIT", 10),
		PageSize:          getEnvInt("STSYNC_ST_PAGE_SIZE", 500),
		MaxPages:          getEnvInt("STSYNC_ST_MAX_PAGES", 1000),
	}

	cfg.Sync = SyncConfig{
		Enabled:             getEnvBool("STSYNC_SYNC_ENABLED", true),
		IncrementalSchedule: getEnvString("STSYNC_SYNC_INCREMENTAL_SCHEDULE", "*/15 * * * *"),
		FullSchedule:        getEnvString("STSYNC_SYNC_FULL_SCHEDULE", "0 2 * * *"),
		Timezone:            getEnvString("STSYNC_SYNC_TIMEZONE", "UTC"),
		ConflictPolicy:      getEnvString("STSYNC_SYNC_CONFLICT_POLICY", ConflictPolicyRemoteWins),
		RecoverStaleRuns:    getEnvBool("STSYNC_SYNC_RECOVER_STALE_RUNS", true),
	}

	cfg.Database = DatabaseConfig{
		Driver:          getEnvString("STSYNC_DB_DRIVER", DriverSQLite),
		URL:             getEnvString("STSYNC_DB_URL", ""),
		Path:            getEnvString("STSYNC_DB_PATH", filepath.Join(configDir, "stsync.db")),
		BusyTimeout:     getEnvInt("STSYNC_DB_BUSY_TIMEOUT", 5000),
		JournalMode:     getEnvString("STSYNC_DB_JOURNAL_MODE", "WAL"),
		SynchronousMode: getEnvString("STSYNC_DB_SYNCHRONOUS_MODE", "NORMAL"),
		CacheSize:       getEnvInt("STSYNC_DB_CACHE_SIZE", -64000), // ~64MB
		ForeignKeys:     getEnvBool("STSYNC_DB_FOREIGN_KEYS", true),
		MaxOpenConns:    getEnvInt("STSYNC_DB_MAX_OPEN_CONNS", 10),
		ConnMaxLife:     getEnvDuration("STSYNC_DB_CONN_MAX_LIFE", 5*time.Minute),
		QueryTimeout:    getEnvDuration("STSYNC_DB_QUERY_TIMEOUT", 30*time.Second),
	}

	cfg.Logging = LoggingConfig{
		Level:      getEnvString("STSYNC_LOG_LEVEL", "info"),
		Format:     getEnvString("STSYNC_LOG_FORMAT", "text"),
		Output:     getEnvString("STSYNC_LOG_OUTPUT", "stderr"),
		AddSource:  getEnvBool("STSYNC_LOG_ADD_SOURCE", false),
		TimeFormat: getTimeFormat(getEnvString("STSYNC_LOG_TIME_FORMAT", "RFC3339")),
	}

	cfg.Server = ServerConfig{
		Addr:            getEnvString("STSYNC_SERVER_ADDR", ":3000"),
		ReadTimeout:     getEnvDuration("STSYNC_SERVER_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    getEnvDuration("STSYNC_SERVER_WRITE_TIMEOUT", 30*time.Second),
		ShutdownTimeout: getEnvDuration("STSYNC_SERVER_SHUTDOWN_TIMEOUT", 10*time.Second),
	}

	return cfg, cfg.Validate()
}
