package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/danielgtaylor/huma/v2/humatest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tildaslashalef/stsync/internal/config"
	"github.com/tildaslashalef/stsync/internal/loggy"
	"github.com/tildaslashalef/stsync/internal/sync"
	"github.com/tildaslashalef/stsync/internal/sync/scheduler"
	"github.com/tildaslashalef/stsync/internal/webhook"
)

type fakeEngine struct {
	status    *sync.Status
	logs      []*sync.SyncLog
	conflicts map[string]*sync.SyncConflict

	listedStatus sync.ConflictStatus
	listedLimit  int
	resolvedBy   string
}

func (e *fakeEngine) GetStatus(context.Context) (*sync.Status, error) { return e.status, nil }

func (e *fakeEngine) ListLogs(_ context.Context, limit int) ([]*sync.SyncLog, error) {
	e.listedLimit = limit
	return e.logs, nil
}

func (e *fakeEngine) GetLog(_ context.Context, id string) (*sync.SyncLog, error) {
	for _, l := range e.logs {
		if l.ID == id {
			return l, nil
		}
	}
	return nil, sync.ErrNotFound
}

func (e *fakeEngine) ListConflicts(_ context.Context, status sync.ConflictStatus, limit int) ([]*sync.SyncConflict, error) {
	e.listedStatus, e.listedLimit = status, limit
	var out []*sync.SyncConflict
	for _, c := range e.conflicts {
		if status == "" || c.Status == status {
			out = append(out, c)
		}
	}
	return out, nil
}

func (e *fakeEngine) ResolveConflict(_ context.Context, id string, resolution sync.Resolution, resolvedBy string) (*sync.SyncConflict, error) {
	c, ok := e.conflicts[id]
	if !ok {
		return nil, sync.ErrNotFound
	}
	if c.Status == sync.ConflictResolved {
		return nil, sync.ErrConflictResolved
	}
	c.Status, c.Resolution, c.ResolvedBy = sync.ConflictResolved, resolution, resolvedBy
	e.resolvedBy = resolvedBy
	return c, nil
}

type fakeScheduler struct {
	busy      map[scheduler.Kind]bool
	triggered []sync.Options
	kinds     []scheduler.Kind
}

func (s *fakeScheduler) Trigger(kind scheduler.Kind, opts sync.Options) error {
	if s.busy[kind] {
		return sync.ErrSyncInProgress
	}
	s.kinds = append(s.kinds, kind)
	s.triggered = append(s.triggered, opts)
	return nil
}

func (s *fakeScheduler) Status() scheduler.Status {
	return scheduler.Status{
		Enabled:   true,
		IsRunning: s.busy[scheduler.KindFull] || s.busy[scheduler.KindIncremental],
		Schedules: scheduler.Schedules{FullSync: "0 2 * * *", IncrementalSync: "*/15 * * * *"},
		Running: scheduler.Running{
			Full:        s.busy[scheduler.KindFull],
			Incremental: s.busy[scheduler.KindIncremental],
		},
	}
}

type memorySubscriptions struct {
	subs []*webhook.Subscription
}

func (m *memorySubscriptions) Create(_ context.Context, sub *webhook.Subscription) error {
	m.subs = append(m.subs, sub)
	return nil
}

func (m *memorySubscriptions) List(context.Context, bool) ([]*webhook.Subscription, error) {
	return m.subs, nil
}

type fixture struct {
	api       humatest.TestAPI
	engine    *fakeEngine
	scheduler *fakeScheduler
	subs      *memorySubscriptions
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		engine: &fakeEngine{
			status: &sync.Status{
				Entities:            []sync.EntityCount{{EntityType: sync.EntityTechnicians, TotalCount: 3, ActiveCount: 2}},
				UnresolvedConflicts: 1,
			},
			logs: []*sync.SyncLog{{ID: "sync-1", SyncType: sync.SyncTypeFull, Status: sync.SyncStatusCompleted}},
			conflicts: map[string]*sync.SyncConflict{
				"cfl-1": {ID: "cfl-1", EntityType: sync.EntityMaterials, Status: sync.ConflictUnresolved},
				"cfl-2": {ID: "cfl-2", EntityType: sync.EntityMaterials, Status: sync.ConflictResolved},
			},
		},
		scheduler: &fakeScheduler{busy: map[scheduler.Kind]bool{}},
		subs:      &memorySubscriptions{},
	}

	_, api := humatest.New(t)
	newHandler(Deps{
		Engine:        f.engine,
		Scheduler:     f.scheduler,
		Subscriptions: f.subs,
		Logger:        loggy.NewNoopLogger(),
	}).SetupRoutes(api)
	f.api = api
	return f
}

func decode(t *testing.T, resp *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), v), resp.Body.String())
}

func TestTriggerSync(t *testing.T) {
	f := newFixture(t)

	resp := f.api.Post("/api/sync/pricebook/full")
	require.Equal(t, http.StatusAccepted, resp.Code, resp.Body.String())

	var body triggerResponse
	decode(t, resp, &body)
	assert.Equal(t, sync.SyncTypeFull, body.SyncType)
	assert.Equal(t, sync.GroupPricebook, body.Group)
	assert.Equal(t, []sync.EntityType{sync.EntityCategories, sync.EntityMaterials, sync.EntityServices, sync.EntityEquipment}, body.EntityTypes)

	require.Len(t, f.scheduler.triggered, 1)
	assert.Equal(t, scheduler.KindFull, f.scheduler.kinds[0])
	assert.Equal(t, sync.GroupPricebook, f.scheduler.triggered[0].Group)
	assert.Equal(t, "api", f.scheduler.triggered[0].TriggeredBy)
}

func TestTriggerSyncWithBody(t *testing.T) {
	f := newFixture(t)

	resp := f.api.Post("/api/sync/all/incremental", map[string]any{
		"entityTypes": []string{"technicians", "teams"},
		"dryRun":      true,
		"triggeredBy": "n8n",
	})
	require.Equal(t, http.StatusAccepted, resp.Code, resp.Body.String())

	require.Len(t, f.scheduler.triggered, 1)
	opts := f.scheduler.triggered[0]
	assert.Equal(t, scheduler.KindIncremental, f.scheduler.kinds[0])
	assert.Equal(t, []sync.EntityType{sync.EntityTechnicians, sync.EntityTeams}, opts.EntityTypes)
	assert.True(t, opts.DryRun)
	assert.Equal(t, "n8n", opts.TriggeredBy)

	var body triggerResponse
	decode(t, resp, &body)
	assert.Equal(t, []sync.EntityType{sync.EntityTeams, sync.EntityTechnicians}, body.EntityTypes)
}

func TestTriggerSyncRejections(t *testing.T) {
	f := newFixture(t)
	f.scheduler.busy[scheduler.KindFull] = true

	resp := f.api.Post("/api/sync/all/full")
	assert.Equal(t, http.StatusConflict, resp.Code)

	resp = f.api.Post("/api/sync/all/incremental")
	assert.Equal(t, http.StatusAccepted, resp.Code, "cadences are guarded independently")

	resp = f.api.Post("/api/sync/dispatch/full")
	assert.Equal(t, http.StatusUnprocessableEntity, resp.Code)

	resp = f.api.Post("/api/sync/all/incremental", map[string]any{"entityTypes": []string{"invoices"}})
	assert.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestStatus(t *testing.T) {
	f := newFixture(t)

	resp := f.api.Get("/api/sync/status")
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())

	var body statusResponse
	decode(t, resp, &body)
	require.NotNil(t, body.Database)
	assert.Equal(t, 1, body.Database.UnresolvedConflicts)
	assert.Equal(t, 3, body.Database.Entities[0].TotalCount)
	require.NotNil(t, body.Scheduler)
	assert.Equal(t, "0 2 * * *", body.Scheduler.Schedules.FullSync)
}

func TestLogs(t *testing.T) {
	f := newFixture(t)

	resp := f.api.Get("/api/sync/logs?limit=5")
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	assert.Equal(t, 5, f.engine.listedLimit)

	var body struct {
		Logs []*sync.SyncLog `json:"logs"`
	}
	decode(t, resp, &body)
	require.Len(t, body.Logs, 1)
	assert.Equal(t, "sync-1", body.Logs[0].ID)

	resp = f.api.Get("/api/sync/logs/sync-1")
	assert.Equal(t, http.StatusOK, resp.Code)

	resp = f.api.Get("/api/sync/logs/sync-404")
	assert.Equal(t, http.StatusNotFound, resp.Code)

	resp = f.api.Get("/api/sync/logs?limit=1000")
	assert.Equal(t, http.StatusUnprocessableEntity, resp.Code)
}

func TestConflicts(t *testing.T) {
	f := newFixture(t)

	resp := f.api.Get("/api/sync/conflicts?status=unresolved")
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	assert.Equal(t, sync.ConflictUnresolved, f.engine.listedStatus)

	var body struct {
		Conflicts []*sync.SyncConflict `json:"conflicts"`
	}
	decode(t, resp, &body)
	require.Len(t, body.Conflicts, 1)
	assert.Equal(t, "cfl-1", body.Conflicts[0].ID)

	resp = f.api.Get("/api/sync/conflicts?status=open")
	assert.Equal(t, http.StatusUnprocessableEntity, resp.Code)
}

func TestResolveConflict(t *testing.T) {
	f := newFixture(t)

	resp := f.api.Post("/api/sync/conflicts/cfl-1/resolve", map[string]any{"resolution": "keep_local"})
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())

	var body sync.SyncConflict
	decode(t, resp, &body)
	assert.Equal(t, sync.ConflictResolved, body.Status)
	assert.Equal(t, sync.ResolutionKeepLocal, body.Resolution)
	assert.Equal(t, "api", f.engine.resolvedBy)

	resp = f.api.Post("/api/sync/conflicts/cfl-2/resolve", map[string]any{"resolution": "use_remote"})
	assert.Equal(t, http.StatusConflict, resp.Code)

	resp = f.api.Post("/api/sync/conflicts/cfl-9/resolve", map[string]any{"resolution": "use_remote"})
	assert.Equal(t, http.StatusNotFound, resp.Code)

	resp = f.api.Post("/api/sync/conflicts/cfl-1/resolve", map[string]any{"resolution": "merge"})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.Code)
}

func TestSubscriptions(t *testing.T) {
	f := newFixture(t)

	resp := f.api.Get("/api/n8n/events")
	require.Equal(t, http.StatusOK, resp.Code)
	var events struct {
		Events []eventInfo `json:"events"`
	}
	decode(t, resp, &events)
	require.Len(t, events.Events, 3)
	assert.Equal(t, sync.EventSyncStarted, events.Events[0].Event)

	resp = f.api.Post("/api/n8n/subscribe", map[string]any{
		"name":   "n8n",
		"url":    "https://n8n.example.com/webhook/1",
		"events": []string{"sync_failed"},
	})
	require.Equal(t, http.StatusCreated, resp.Code, resp.Body.String())
	require.Len(t, f.subs.subs, 1)
	assert.Equal(t, []sync.EventType{sync.EventSyncFailed}, f.subs.subs[0].Events)

	resp = f.api.Post("/api/n8n/subscribe", map[string]any{
		"url":    "https://n8n.example.com/webhook/2",
		"events": []string{"sync_paused"},
	})
	assert.Equal(t, http.StatusBadRequest, resp.Code)

	resp = f.api.Get("/api/n8n/subscriptions")
	require.Equal(t, http.StatusOK, resp.Code)
	var subs struct {
		Subscriptions []*webhook.Subscription `json:"subscriptions"`
	}
	decode(t, resp, &subs)
	require.Len(t, subs.Subscriptions, 1)
	assert.Equal(t, "n8n", subs.Subscriptions[0].Name)
}

func TestUnavailableWithoutEngine(t *testing.T) {
	_, api := humatest.New(t)
	newHandler(Deps{Logger: loggy.NewNoopLogger()}).SetupRoutes(api)

	for _, path := range []string{"/api/sync/status", "/api/sync/logs", "/api/sync/conflicts", "/api/n8n/subscriptions"} {
		resp := api.Get(path)
		assert.Equal(t, http.StatusServiceUnavailable, resp.Code, path)
	}
	assert.Equal(t, http.StatusServiceUnavailable, api.Post("/api/sync/all/full").Code)
	assert.Equal(t, http.StatusOK, api.Get("/api/n8n/events").Code)

	resp := api.Get("/health")
	require.Equal(t, http.StatusOK, resp.Code)
	var health healthResponse
	decode(t, resp, &health)
	assert.Equal(t, "ok", health.Status)
	assert.False(t, health.EngineConfigured)
}

func TestRouterRequestID(t *testing.T) {
	mux := New(Deps{Logger: loggy.NewNoopLogger()})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "req-from-caller")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "req-from-caller", rec.Header().Get("X-Request-ID"))

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Contains(t, rec.Header().Get("X-Request-ID"), "req-")
}

func TestNewServer(t *testing.T) {
	srv := NewServer(config.ServerConfig{Addr: ":8080", ReadTimeout: 5 * time.Second}, http.NotFoundHandler())
	assert.Equal(t, ":8080", srv.Addr)
	assert.Equal(t, 5*time.Second, srv.ReadTimeout)
}
