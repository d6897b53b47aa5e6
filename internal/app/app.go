// Package app provides the application initialization and lifecycle management
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/tildaslashalef/stsync/internal/api"
	"github.com/tildaslashalef/stsync/internal/config"
	"github.com/tildaslashalef/stsync/internal/database"
	"github.com/tildaslashalef/stsync/internal/loggy"
	"github.com/tildaslashalef/stsync/internal/servicetitan"
	"github.com/tildaslashalef/stsync/internal/sync"
	"github.com/tildaslashalef/stsync/internal/sync/scheduler"
	"github.com/tildaslashalef/stsync/internal/webhook"
)

// App represents the application instance with its dependencies. The sync
// engine and everything built on it exist only when both a local store and
// ServiceTitan credentials are configured.
type App struct {
	Config        *config.Config
	Store         *database.Store
	Subscriptions *webhook.SQLRepository
	Scheduler     *scheduler.Scheduler

	engine *sync.Engine
}

// New loads configuration, initializes logging and wires the services
func New(ctx context.Context) (*App, error) {
	cfg, err := Init()
	if err != nil {
		return nil, err
	}

	app, err := Build(ctx, cfg)
	if err != nil {
		return nil, err
	}

	loggy.Info("Application initialized successfully", "engine", app.engine != nil)
	return app, nil
}

// Init loads the configuration and sets up logging, without opening anything
func Init() (*config.Config, error) {
	cfg, err := initConfig()
	if err != nil {
		return nil, err
	}

	if err := initLogger(cfg); err != nil {
		return nil, err
	}

	loggy.Info("Application initializing",
		"version", os.Getenv("VERSION"),
		"log_level", cfg.Logging.Level,
	)
	return cfg, nil
}

// initConfig loads and sets up the application configuration
func initConfig() (*config.Config, error) {
	cfg, err := config.LoadFromEnv("", "")
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	config.Set(cfg)
	return cfg, nil
}

// initLogger initializes the logging system
func initLogger(cfg *config.Config) error {
	err := loggy.Init(loggy.Config{
		Level:      config.ParseLogLevel(cfg.Logging.Level),
		Format:     cfg.Logging.Format,
		Output:     cfg.Logging.Output,
		AddSource:  cfg.Logging.AddSource,
		TimeFormat: cfg.Logging.TimeFormat,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	return nil
}

// Build wires the services for cfg. A missing database or missing
// credentials is not an error: the corresponding services are left nil.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	app := &App{Config: cfg}

	store, err := database.Open(ctx, cfg.Database)
	switch {
	case errors.Is(err, database.ErrNotConfigured):
		loggy.Warn("No local database configured, sync engine disabled")
		return app, nil
	case err != nil:
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	app.Store = store

	applied, err := store.Migrate()
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to apply migrations: %w", err)
	}
	if applied > 0 {
		loggy.Info("Applied database migrations", "count", applied)
	}

	app.Subscriptions = webhook.NewSQLRepository(store.DB, store.Builder())

	if !cfg.ServiceTitan.Configured() {
		loggy.Warn("ServiceTitan credentials not configured, sync engine disabled")
		return app, nil
	}

	client := servicetitan.NewClient(cfg.ServiceTitan, servicetitan.WithLogger(loggy.With("component", "servicetitan")))
	repo := sync.NewSQLRepository(store.DB, store.Builder())
	strategies := sync.NewStrategies(client, repo, sync.FetchOptions{
		PageSize: cfg.ServiceTitan.PageSize,
		MaxPages: cfg.ServiceTitan.MaxPages,
	}, nil)

	app.engine = sync.NewEngine(repo, strategies,
		sync.WithNotifier(webhook.NewNotifier(app.Subscriptions)),
		sync.WithConflictPolicy(sync.ConflictPolicy(cfg.Sync.ConflictPolicy)),
	)

	app.Scheduler, err = scheduler.New(app.engine, cfg.Sync)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}

	return app, nil
}

// Engine returns the sync engine when one could be configured
func (app *App) Engine() (*sync.Engine, bool) {
	return app.engine, app.engine != nil
}

// RequireEngine returns the engine or ErrEngineUnavailable
func (app *App) RequireEngine() (*sync.Engine, error) {
	engine, ok := app.Engine()
	if !ok {
		return nil, fmt.Errorf("%w: configure the database and ServiceTitan credentials", sync.ErrEngineUnavailable)
	}
	return engine, nil
}

// RecoverStaleRuns fails running logs left by a process that died mid-run.
// Call it from serve only: a one-off CLI process cannot tell a dead run
// from one still in flight in a running server.
func (app *App) RecoverStaleRuns(ctx context.Context) (int, error) {
	engine, ok := app.Engine()
	if !ok || !app.Config.Sync.RecoverStaleRuns {
		return 0, nil
	}
	return engine.RecoverStaleRuns(ctx)
}

// Handler builds the HTTP API over the configured services
func (app *App) Handler(version string) http.Handler {
	deps := api.Deps{
		Logger:  loggy.GetGlobalLogger(),
		Version: version,
	}
	if engine, ok := app.Engine(); ok {
		deps.Engine = engine
		deps.Scheduler = app.Scheduler
	}
	if app.Subscriptions != nil {
		deps.Subscriptions = app.Subscriptions
	}
	return api.New(deps)
}

// Shutdown stops the scheduler and closes the database
func (app *App) Shutdown() error {
	loggy.Info("Shutting down application")

	if app.Scheduler != nil {
		app.Scheduler.Stop()
	}

	if err := app.Store.Close(); err != nil {
		loggy.Error("Error closing database connection", "error", err)
	}

	return nil
}

// FromContext retrieves the App instance from the CLI context
func FromContext(c *cli.Context) (*App, error) {
	if c.App.Metadata == nil {
		return nil, fmt.Errorf("app metadata not found in context")
	}

	app, ok := c.App.Metadata["app"].(*App)
	if !ok {
		return nil, fmt.Errorf("app instance not found in context")
	}

	return app, nil
}
