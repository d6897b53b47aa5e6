package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tildaslashalef/stsync/internal/config"
	"github.com/tildaslashalef/stsync/internal/database"
	"github.com/tildaslashalef/stsync/internal/loggy"
	"github.com/tildaslashalef/stsync/internal/sync"
)

func testConfig() *config.Config {
	cfg := config.New()
	cfg.ServiceTitan = config.ServiceTitanConfig{
		BaseURL:      "http://127.0.0.1:1",
		AuthURL:      "http://127.0.0.1:1/connect/token",
		TenantID:     "4242",
		ClientID:     "cid",
		ClientSecret: "secret",
		AppKey:       "ak1.test",
		Timeout:      time.Second,
		PageSize:     50,
		MaxPages:     10,
	}
	cfg.Sync = config.SyncConfig{
		Enabled:             true,
		IncrementalSchedule: "*/15 * * * *",
		FullSchedule:        "0 2 * * *",
		Timezone:            "UTC",
		ConflictPolicy:      config.ConflictPolicyManual,
		RecoverStaleRuns:    true,
	}
	cfg.Database = config.DatabaseConfig{
		Driver:      config.DriverSQLite,
		Path:        ":memory:",
		BusyTimeout: 5000,
	}
	return cfg
}

func serve(t *testing.T, h http.Handler, path string) int {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec.Code
}

func TestBuildWithoutDatabase(t *testing.T) {
	loggy.NewNoopLogger()
	cfg := testConfig()
	cfg.Database = config.DatabaseConfig{Driver: config.DriverPostgres}

	app, err := Build(context.Background(), cfg)
	require.NoError(t, err)
	defer app.Shutdown()

	_, ok := app.Engine()
	assert.False(t, ok)
	assert.Nil(t, app.Scheduler)
	assert.Nil(t, app.Subscriptions)

	_, err = app.RequireEngine()
	assert.ErrorIs(t, err, sync.ErrEngineUnavailable)

	h := app.Handler("test")
	assert.Equal(t, http.StatusServiceUnavailable, serve(t, h, "/api/sync/status"))
	assert.Equal(t, http.StatusServiceUnavailable, serve(t, h, "/api/n8n/subscriptions"))
	assert.Equal(t, http.StatusOK, serve(t, h, "/health"))
}

func TestBuildWithoutCredentials(t *testing.T) {
	loggy.NewNoopLogger()
	cfg := testConfig()
	cfg.ServiceTitan.ClientSecret = ""

	app, err := Build(context.Background(), cfg)
	require.NoError(t, err)
	defer app.Shutdown()

	_, ok := app.Engine()
	assert.False(t, ok)
	assert.NotNil(t, app.Subscriptions)

	h := app.Handler("test")
	assert.Equal(t, http.StatusServiceUnavailable, serve(t, h, "/api/sync/status"))
	assert.Equal(t, http.StatusOK, serve(t, h, "/api/n8n/subscriptions"))
}

func TestBuildWiresEngine(t *testing.T) {
	loggy.NewNoopLogger()

	app, err := Build(context.Background(), testConfig())
	require.NoError(t, err)
	defer app.Shutdown()

	engine, ok := app.Engine()
	require.True(t, ok)
	require.NotNil(t, app.Scheduler)

	status, err := engine.GetStatus(context.Background())
	require.NoError(t, err)
	assert.Len(t, status.Entities, len(sync.Specs()))
	assert.Nil(t, status.LatestRun)

	h := app.Handler("test")
	assert.Equal(t, http.StatusOK, serve(t, h, "/api/sync/status"))
	assert.Equal(t, http.StatusOK, serve(t, h, "/api/sync/logs"))
	assert.Equal(t, http.StatusOK, serve(t, h, "/api/sync/conflicts"))
}

// seedRunningLog leaves a running sync log in a file database, as a server
// in the middle of a run would
func seedRunningLog(t *testing.T, cfg config.DatabaseConfig) {
	t.Helper()
	ctx := context.Background()

	store, err := database.Open(ctx, cfg)
	require.NoError(t, err)
	defer store.Close()
	_, err = store.Migrate()
	require.NoError(t, err)

	repo := sync.NewSQLRepository(store.DB, store.Builder())
	require.NoError(t, repo.CreateSyncLog(ctx, &sync.SyncLog{
		ID:          "sync-live",
		SyncType:    sync.SyncTypeFull,
		Direction:   sync.DirectionInbound,
		EntityTypes: []sync.EntityType{sync.EntityTeams},
		Status:      sync.SyncStatusRunning,
		TriggeredBy: "scheduler",
		StartedAt:   time.Now().UTC(),
	}))
}

func TestBuildLeavesRunningLogsAlone(t *testing.T) {
	loggy.NewNoopLogger()
	ctx := context.Background()
	cfg := testConfig()
	cfg.Database.Path = filepath.Join(t.TempDir(), "stsync.db")
	seedRunningLog(t, cfg.Database)

	app, err := Build(ctx, cfg)
	require.NoError(t, err)
	defer app.Shutdown()

	engine, ok := app.Engine()
	require.True(t, ok)

	log, err := engine.GetLog(ctx, "sync-live")
	require.NoError(t, err)
	assert.Equal(t, sync.SyncStatusRunning, log.Status)
	assert.Empty(t, log.ErrorMessage)

	n, err := app.RecoverStaleRuns(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	log, err = engine.GetLog(ctx, "sync-live")
	require.NoError(t, err)
	assert.Equal(t, sync.SyncStatusFailed, log.Status)
}

func TestRecoverStaleRunsDisabled(t *testing.T) {
	loggy.NewNoopLogger()
	ctx := context.Background()
	cfg := testConfig()
	cfg.Sync.RecoverStaleRuns = false
	cfg.Database.Path = filepath.Join(t.TempDir(), "stsync.db")
	seedRunningLog(t, cfg.Database)

	app, err := Build(ctx, cfg)
	require.NoError(t, err)
	defer app.Shutdown()

	n, err := app.RecoverStaleRuns(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	engine, _ := app.Engine()
	log, err := engine.GetLog(ctx, "sync-live")
	require.NoError(t, err)
	assert.Equal(t, sync.SyncStatusRunning, log.Status)
}

func TestRecoverStaleRunsWithoutEngine(t *testing.T) {
	loggy.NewNoopLogger()
	cfg := testConfig()
	cfg.ServiceTitan.ClientSecret = ""

	app, err := Build(context.Background(), cfg)
	require.NoError(t, err)
	defer app.Shutdown()

	n, err := app.RecoverStaleRuns(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}
