// Package database opens the local store and applies its schema
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/golang-migrate/migrate/v4"
	migratedb "github.com/golang-migrate/migrate/v4/database"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"

	"github.com/tildaslashalef/stsync/internal/config"
	"github.com/tildaslashalef/stsync/internal/loggy"
	"github.com/tildaslashalef/stsync/internal/migrations"
)

// ErrNotConfigured is returned when no local store is configured
var ErrNotConfigured = errors.New("database not configured")

// Store is an open connection pool together with the SQL dialect it speaks.
// It is constructed once by the composition root and passed to repositories.
type Store struct {
	DB     *sql.DB
	Driver string
}

// Open connects to the configured local store and verifies the connection
func Open(ctx context.Context, cfg config.DatabaseConfig) (*Store, error) {
	if !cfg.Configured() {
		return nil, ErrNotConfigured
	}

	var dsn string
	switch cfg.Driver {
	case config.DriverPostgres:
		dsn = cfg.URL
	case config.DriverSQLite:
		dsn = buildSQLiteDSN(&cfg)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	loggy.Info("Opening database", "driver", cfg.Driver)

	db, err := sql.Open(cfg.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	if cfg.Driver == config.DriverSQLite {
		// SQLite supports only one writer at a time
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		if !isMemory(cfg.Path) {
			db.SetConnMaxLifetime(cfg.ConnMaxLife)
		}
	} else {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
		db.SetMaxIdleConns(cfg.MaxOpenConns)
		db.SetConnMaxLifetime(cfg.ConnMaxLife)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{DB: db, Driver: cfg.Driver}, nil
}

// Builder returns a squirrel statement builder using the dialect's placeholders
func (s *Store) Builder() sq.StatementBuilderType {
	return Builder(s.Driver)
}

// Builder returns a squirrel statement builder for driver
func Builder(driver string) sq.StatementBuilderType {
	if driver == config.DriverPostgres {
		return sq.StatementBuilder.PlaceholderFormat(sq.Dollar)
	}
	return sq.StatementBuilder.PlaceholderFormat(sq.Question)
}

// Close closes the connection pool
func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

func isMemory(path string) bool {
	return path == ":memory:" || strings.HasPrefix(path, "file::memory:")
}

// buildSQLiteDSN builds a SQLite DSN with additional parameters
func buildSQLiteDSN(cfg *config.DatabaseConfig) string {
	if isMemory(cfg.Path) {
		return cfg.Path
	}

	params := url.Values{}
	params.Add("_busy_timeout", strconv.Itoa(cfg.BusyTimeout))
	if cfg.JournalMode != "" {
		params.Add("_journal_mode", cfg.JournalMode)
	}
	if cfg.SynchronousMode != "" {
		params.Add("_synchronous", cfg.SynchronousMode)
	}
	if cfg.CacheSize != 0 {
		params.Add("_cache_size", strconv.Itoa(cfg.CacheSize))
	}
	params.Add("_foreign_keys", strconv.FormatBool(cfg.ForeignKeys))

	return fmt.Sprintf("%s?%s", cfg.Path, params.Encode())
}

// newMigrate builds a migrate instance over the embedded migrations.
// The returned instance must not be closed with m.Close, which would also
// close the shared *sql.DB; close the source driver instead.
func (s *Store) newMigrate() (*migrate.Migrate, func(), error) {
	var (
		driver migratedb.Driver
		err    error
	)
	switch s.Driver {
	case config.DriverPostgres:
		driver, err = migratepgx.WithInstance(s.DB, &migratepgx.Config{})
	default:
		driver, err = sqlite3.WithInstance(s.DB, &sqlite3.Config{})
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create database driver: %w", err)
	}

	src, err := migrations.GetSource()
	if err != nil {
		return nil, nil, err
	}

	m, err := migrate.NewWithInstance("iofs", src, s.Driver, driver)
	if err != nil {
		src.Close()
		return nil, nil, fmt.Errorf("failed to create migration instance: %w", err)
	}

	return m, func() { src.Close() }, nil
}

// Migrate applies all pending migrations and returns how many were applied
func (s *Store) Migrate() (int, error) {
	m, done, err := s.newMigrate()
	if err != nil {
		return 0, err
	}
	defer done()

	before, err := currentVersion(m)
	if err != nil {
		return 0, err
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return 0, fmt.Errorf("failed to apply migrations: %w", err)
	}

	after, err := currentVersion(m)
	if err != nil {
		return 0, err
	}

	loggy.Info("Database migration complete", "from_version", before, "to_version", after)
	return int(after) - int(before), nil
}

// Revert rolls back the given number of migrations
func (s *Store) Revert(steps int) error {
	m, done, err := s.newMigrate()
	if err != nil {
		return err
	}
	defer done()

	if err := m.Steps(-steps); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to revert migrations: %w", err)
	}

	version, err := currentVersion(m)
	if err != nil {
		return err
	}

	loggy.Info("Database migration reversion complete", "version", version)
	return nil
}

func currentVersion(m *migrate.Migrate) (uint, error) {
	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get migration version: %w", err)
	}
	if dirty {
		return version, fmt.Errorf("database is at dirty migration version %d", version)
	}
	return version, nil
}
