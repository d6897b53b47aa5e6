package api

import (
	"net/http"

	"github.com/danielgtaylor/huma/v2"
)

func (h *Handler) triggerFullOp() huma.Operation {
	return huma.Operation{
		OperationID:   "sync-trigger-full",
		Method:        http.MethodPost,
		Path:          "/api/sync/{group}/full",
		Summary:       "Start a full sync",
		Description:   "Fetches every record of the group and reconciles deletions. Returns 409 while a full sync is running.",
		Tags:          []string{"sync"},
		DefaultStatus: http.StatusAccepted,
		Middlewares:   h.middleware,
	}
}

func (h *Handler) triggerIncrementalOp() huma.Operation {
	return huma.Operation{
		OperationID:   "sync-trigger-incremental",
		Method:        http.MethodPost,
		Path:          "/api/sync/{group}/incremental",
		Summary:       "Start an incremental sync",
		Description:   "Fetches records modified since the last successful run. Returns 409 while an incremental sync is running.",
		Tags:          []string{"sync"},
		DefaultStatus: http.StatusAccepted,
		Middlewares:   h.middleware,
	}
}

func (h *Handler) getStatusOp() huma.Operation {
	return huma.Operation{
		OperationID: "sync-get-status",
		Method:      http.MethodGet,
		Path:        "/api/sync/status",
		Summary:     "Get sync status",
		Description: "Returns local record counts, the latest run, open conflicts and the scheduler state",
		Tags:        []string{"sync"},
		Middlewares: h.middleware,
	}
}

func (h *Handler) listLogsOp() huma.Operation {
	return huma.Operation{
		OperationID: "sync-list-logs",
		Method:      http.MethodGet,
		Path:        "/api/sync/logs",
		Summary:     "List sync runs",
		Tags:        []string{"sync"},
		Middlewares: h.middleware,
	}
}

func (h *Handler) getLogOp() huma.Operation {
	return huma.Operation{
		OperationID: "sync-get-log",
		Method:      http.MethodGet,
		Path:        "/api/sync/logs/{id}",
		Summary:     "Get a sync run",
		Tags:        []string{"sync"},
		Middlewares: h.middleware,
	}
}

func (h *Handler) listConflictsOp() huma.Operation {
	return huma.Operation{
		OperationID: "sync-list-conflicts",
		Method:      http.MethodGet,
		Path:        "/api/sync/conflicts",
		Summary:     "List sync conflicts",
		Tags:        []string{"sync"},
		Middlewares: h.middleware,
	}
}

func (h *Handler) resolveConflictOp() huma.Operation {
	return huma.Operation{
		OperationID: "sync-resolve-conflict",
		Method:      http.MethodPost,
		Path:        "/api/sync/conflicts/{id}/resolve",
		Summary:     "Resolve a sync conflict",
		Description: "use_remote writes the remote version; keep_local keeps the local values",
		Tags:        []string{"sync"},
		Middlewares: h.middleware,
	}
}
