// Package api exposes the sync trigger and status surface over HTTP.
//
//	POST /api/sync/{group}/full          # Start a full sync (202)
//	POST /api/sync/{group}/incremental   # Start an incremental sync (202)
//	GET  /api/sync/status                # Local counts, latest run, scheduler
//	GET  /api/sync/logs                  # Recent runs
//	GET  /api/sync/logs/{id}             # One run
//	GET  /api/sync/conflicts             # Detected conflicts
//	POST /api/sync/conflicts/{id}/resolve
//	GET  /api/n8n/events                 # Event catalogue
//	GET  /api/n8n/subscriptions          # Registered webhooks
//	POST /api/n8n/subscribe              # Register a webhook
//	GET  /health
package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"github.com/tildaslashalef/stsync/internal/config"
	"github.com/tildaslashalef/stsync/internal/loggy"
	"github.com/tildaslashalef/stsync/internal/sync"
	"github.com/tildaslashalef/stsync/internal/sync/scheduler"
	"github.com/tildaslashalef/stsync/internal/webhook"
)

// Engine is the part of the sync engine the API reads from
type Engine interface {
	GetStatus(ctx context.Context) (*sync.Status, error)
	ListLogs(ctx context.Context, limit int) ([]*sync.SyncLog, error)
	GetLog(ctx context.Context, id string) (*sync.SyncLog, error)
	ListConflicts(ctx context.Context, status sync.ConflictStatus, limit int) ([]*sync.SyncConflict, error)
	ResolveConflict(ctx context.Context, id string, resolution sync.Resolution, resolvedBy string) (*sync.SyncConflict, error)
}

// Scheduler starts runs and reports the cadences in flight
type Scheduler interface {
	Trigger(kind scheduler.Kind, opts sync.Options) error
	Status() scheduler.Status
}

// Deps are the services behind the routes. Engine, Scheduler and
// Subscriptions are nil when no local store is configured, in which case
// the routes that need them answer 503.
type Deps struct {
	Engine        Engine
	Scheduler     Scheduler
	Subscriptions webhook.Repository
	Logger        *loggy.Logger
	Version       string
}

// New creates the router with every operation registered
func New(deps Deps) *chi.Mux {
	mux := chi.NewMux()
	api := humachi.New(mux, huma.DefaultConfig("stsync API", versionOf(deps)))
	newHandler(deps).SetupRoutes(api)
	return mux
}

func versionOf(deps Deps) string {
	if deps.Version == "" {
		return "dev"
	}
	return deps.Version
}

func newHandler(deps Deps) *Handler {
	log := deps.Logger
	if log == nil {
		log = loggy.GetGlobalLogger()
	}

	return &Handler{
		engine:        deps.Engine,
		scheduler:     deps.Scheduler,
		subscriptions: deps.Subscriptions,
		log:           log.With("component", "api"),
		middleware: huma.Middlewares{
			requestID(),
			requestLogger(log),
		},
	}
}

// NewServer wraps handler in an http.Server using cfg's timeouts
func NewServer(cfg config.ServerConfig, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         cfg.Addr,
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
}

// Handler serves every operation
type Handler struct {
	engine        Engine
	scheduler     Scheduler
	subscriptions webhook.Repository
	log           *loggy.Logger
	middleware    huma.Middlewares
}

// SetupRoutes registers the operations on api
func (h *Handler) SetupRoutes(api huma.API) {
	huma.Register(api, h.healthCheckOp(), h.healthCheck)

	huma.Register(api, h.triggerFullOp(), h.triggerFull)
	huma.Register(api, h.triggerIncrementalOp(), h.triggerIncremental)
	huma.Register(api, h.getStatusOp(), h.getStatus)
	huma.Register(api, h.listLogsOp(), h.listLogs)
	huma.Register(api, h.getLogOp(), h.getLog)
	huma.Register(api, h.listConflictsOp(), h.listConflicts)
	huma.Register(api, h.resolveConflictOp(), h.resolveConflict)

	huma.Register(api, h.listEventsOp(), h.listEvents)
	huma.Register(api, h.listSubscriptionsOp(), h.listSubscriptions)
	huma.Register(api, h.subscribeOp(), h.subscribe)
}
