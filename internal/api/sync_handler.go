package api

import (
	"context"
	"fmt"

	"github.com/tildaslashalef/stsync/internal/loggy"
	"github.com/tildaslashalef/stsync/internal/sync"
	"github.com/tildaslashalef/stsync/internal/sync/scheduler"
)

func (h *Handler) triggerFull(ctx context.Context, input *triggerInput) (*triggerOutput, error) {
	return h.trigger(ctx, scheduler.KindFull, input)
}

func (h *Handler) triggerIncremental(ctx context.Context, input *triggerInput) (*triggerOutput, error) {
	return h.trigger(ctx, scheduler.KindIncremental, input)
}

func (h *Handler) trigger(ctx context.Context, kind scheduler.Kind, input *triggerInput) (*triggerOutput, error) {
	if h.scheduler == nil {
		return nil, errUnavailable()
	}

	group, err := sync.ParseGroup(input.Group)
	if err != nil {
		return nil, h.toHTTPError(err, "invalid group")
	}

	opts := sync.Options{Group: group, TriggeredBy: "api"}
	if input.Body != nil {
		for _, raw := range input.Body.EntityTypes {
			t, err := sync.ParseEntityType(raw)
			if err != nil {
				return nil, h.toHTTPError(err, "invalid entity type")
			}
			opts.EntityTypes = append(opts.EntityTypes, t)
		}
		opts.DryRun = input.Body.DryRun
		if input.Body.TriggeredBy != "" {
			opts.TriggeredBy = input.Body.TriggeredBy
		}
	}

	types, err := sync.ResolveEntityTypes(opts.EntityTypes, opts.Group)
	if err != nil {
		return nil, h.toHTTPError(err, "invalid entity types")
	}

	if err := h.scheduler.Trigger(kind, opts); err != nil {
		return nil, h.toHTTPError(err, "failed to start sync")
	}

	loggy.FromContext(ctx).Info("Sync triggered over HTTP",
		"sync_type", kind,
		"group", group,
		"entity_types", types,
		"dry_run", opts.DryRun,
	)

	syncType := sync.SyncTypeIncremental
	if kind == scheduler.KindFull {
		syncType = sync.SyncTypeFull
	}

	return &triggerOutput{Body: triggerResponse{
		Message:     fmt.Sprintf("%s sync started", kind),
		SyncType:    syncType,
		Group:       group,
		EntityTypes: types,
		DryRun:      opts.DryRun,
	}}, nil
}

func (h *Handler) getStatus(ctx context.Context, _ *getStatusInput) (*getStatusOutput, error) {
	if h.engine == nil {
		return nil, errUnavailable()
	}

	status, err := h.engine.GetStatus(ctx)
	if err != nil {
		return nil, h.toHTTPError(err, "failed to load sync status")
	}

	out := &getStatusOutput{Body: statusResponse{Database: status}}
	if h.scheduler != nil {
		s := h.scheduler.Status()
		out.Body.Scheduler = &s
	}
	return out, nil
}

func (h *Handler) listLogs(ctx context.Context, input *listLogsInput) (*listLogsOutput, error) {
	if h.engine == nil {
		return nil, errUnavailable()
	}

	logs, err := h.engine.ListLogs(ctx, input.Limit)
	if err != nil {
		return nil, h.toHTTPError(err, "failed to list sync logs")
	}

	out := &listLogsOutput{}
	out.Body.Logs = logs
	if out.Body.Logs == nil {
		out.Body.Logs = []*sync.SyncLog{}
	}
	return out, nil
}

func (h *Handler) getLog(ctx context.Context, input *getLogInput) (*getLogOutput, error) {
	if h.engine == nil {
		return nil, errUnavailable()
	}

	log, err := h.engine.GetLog(ctx, input.ID)
	if err != nil {
		return nil, h.toHTTPError(err, fmt.Sprintf("sync log %s not found", input.ID))
	}
	return &getLogOutput{Body: log}, nil
}

func (h *Handler) listConflicts(ctx context.Context, input *listConflictsInput) (*listConflictsOutput, error) {
	if h.engine == nil {
		return nil, errUnavailable()
	}

	conflicts, err := h.engine.ListConflicts(ctx, sync.ConflictStatus(input.Status), input.Limit)
	if err != nil {
		return nil, h.toHTTPError(err, "failed to list conflicts")
	}

	out := &listConflictsOutput{}
	out.Body.Conflicts = conflicts
	if out.Body.Conflicts == nil {
		out.Body.Conflicts = []*sync.SyncConflict{}
	}
	return out, nil
}

func (h *Handler) resolveConflict(ctx context.Context, input *resolveConflictInput) (*resolveConflictOutput, error) {
	if h.engine == nil {
		return nil, errUnavailable()
	}

	resolvedBy := input.Body.ResolvedBy
	if resolvedBy == "" {
		resolvedBy = "api"
	}

	conflict, err := h.engine.ResolveConflict(ctx, input.ID, sync.Resolution(input.Body.Resolution), resolvedBy)
	if err != nil {
		return nil, h.toHTTPError(err, fmt.Sprintf("conflict %s not found", input.ID))
	}
	return &resolveConflictOutput{Body: conflict}, nil
}
