package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	gosync "sync"
	"time"

	"github.com/tildaslashalef/stsync/internal/loggy"
	"github.com/tildaslashalef/stsync/internal/ulid"
)

const (
	defaultLogLimit = 20
	maxLogLimit     = 200
)

// Engine runs syncs and answers questions about them
type Engine struct {
	repo       Repository
	strategies Strategies
	notifier   Notifier
	policy     ConflictPolicy
	now        func() time.Time

	mu      gosync.Mutex
	running map[string]struct{}
}

// EngineOption customizes an Engine
type EngineOption func(*Engine)

// WithNotifier sets the receiver of run events
func WithNotifier(n Notifier) EngineOption {
	return func(e *Engine) {
		if n != nil {
			e.notifier = n
		}
	}
}

// WithConflictPolicy sets what happens to conflicting pricebook rows
func WithConflictPolicy(p ConflictPolicy) EngineOption {
	return func(e *Engine) {
		if p != "" {
			e.policy = p
		}
	}
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// NewEngine creates an engine persisting through repo
func NewEngine(repo Repository, strategies Strategies, opts ...EngineOption) *Engine {
	e := &Engine{
		repo:       repo,
		strategies: strategies,
		notifier:   noopNotifier{},
		policy:     PolicyRemoteWins,
		now:        time.Now,
		running:    make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Sync runs one sync. The returned result is never nil once options are
// valid; a failed run also returns its RunError.
func (e *Engine) Sync(ctx context.Context, opts Options) (result *SyncResult, err error) {
	types, err := ResolveEntityTypes(opts.EntityTypes, opts.Group)
	if err != nil {
		return nil, err
	}
	for _, t := range types {
		if _, ok := e.strategies[t]; !ok {
			return nil, fmt.Errorf("%w: no strategy for %q", ErrUnknownEntityType, t)
		}
	}

	syncType := SyncTypeIncremental
	if opts.FullSync {
		syncType = SyncTypeFull
	}

	result = &SyncResult{
		ID:          ulid.SyncID(),
		SyncType:    syncType,
		Status:      SyncStatusRunning,
		DryRun:      opts.DryRun,
		TriggeredBy: opts.TriggeredBy,
		EntityTypes: types,
		Entities:    []EntityStats{},
		Errors:      []SyncError{},
		StartedAt:   e.now().UTC(),
	}

	ctx = loggy.WithSyncRun(ctx, result.ID, string(syncType))
	logger := loggy.FromContext(ctx)
	logger.Info("Starting sync",
		"entity_types", types,
		"dry_run", opts.DryRun,
		"triggered_by", opts.TriggeredBy,
	)

	if !opts.DryRun {
		if err := e.repo.CreateSyncLog(ctx, newSyncLog(result)); err != nil {
			return nil, fmt.Errorf("opening sync log: %w", err)
		}
		e.track(result.ID)
		started := *result
		e.notify(ctx, EventSyncStarted, &started)
	}

	var runErr error
	defer func() {
		if p := recover(); p != nil {
			runErr = &RunError{SyncID: result.ID, Err: fmt.Errorf("panic: %v", p)}
		}
		if finishErr := e.finish(ctx, result, runErr); finishErr != nil && runErr == nil {
			runErr = finishErr
		}
		if runErr != nil {
			err = runErr
		}
	}()

	for _, t := range types {
		if ctxErr := ctx.Err(); ctxErr != nil {
			runErr = &RunError{SyncID: result.ID, Err: ctxErr}
			return result, nil
		}

		stats := e.syncEntity(ctx, result, e.strategies[t], opts)
		result.Entities = append(result.Entities, stats)
		result.Totals.add(stats.Counts)
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		runErr = &RunError{SyncID: result.ID, Err: ctxErr}
	}
	return result, nil
}

// syncEntity fetches, compares and applies one entity type. Errors are
// recorded in result and never abort the run.
func (e *Engine) syncEntity(ctx context.Context, result *SyncResult, strategy EntitySyncStrategy, opts Options) (stats EntityStats) {
	spec := strategy.Spec()
	stats.EntityType = spec.Type
	started := e.now()
	defer func() { stats.DurationMS = e.now().Sub(started).Milliseconds() }()

	logger := loggy.FromContext(ctx).With("entity_type", spec.Type)
	fail := func(remoteID string, action Action, err error) {
		stats.Errors++
		result.addError(spec.Type, remoteID, action, err)
		logger.WithError(err).Error("Sync step failed", "action", action, "remote_id", remoteID)
	}

	var since *time.Time
	if !opts.FullSync {
		var err error
		since, err = e.repo.GetWatermark(ctx, spec.Type)
		if err != nil {
			fail("", ActionFetch, fmt.Errorf("reading incremental watermark: %w", err))
			return stats
		}
	}

	remote, err := strategy.FetchAll(ctx, since)
	if err != nil {
		fail("", ActionFetch, err)
		return stats
	}
	stats.Fetched = len(remote)

	cmp, err := strategy.Compare(ctx, remote, opts.FullSync)
	if err != nil {
		fail("", ActionCompare, err)
		return stats
	}
	stats.Unchanged = len(cmp.Unchanged)

	if opts.DryRun {
		stats.Skipped = cmp.Pending()
		logger.Info("Dry run, nothing written",
			"new", len(cmp.New),
			"modified", len(cmp.Modified),
			"deleted", len(cmp.Deleted),
		)
		return stats
	}

	for _, r := range cmp.New {
		if _, err := strategy.Create(ctx, r); err != nil {
			fail(r.RemoteID, ActionCreate, err)
			continue
		}
		stats.Created++
	}

	for _, m := range cmp.Modified {
		if !m.Conflict {
			if _, err := strategy.Update(ctx, m.Local.ID, m.Remote); err != nil {
				fail(m.Remote.RemoteID, ActionUpdate, err)
				continue
			}
			stats.Updated++
			continue
		}

		applied, err := e.handleConflict(ctx, result.ID, strategy, m)
		if applied {
			stats.Updated++
		}
		if err != nil {
			fail(m.Remote.RemoteID, ActionConflict, err)
			continue
		}
		stats.Conflicts++
		if !applied {
			stats.Skipped++
		}
	}

	for _, l := range cmp.Deleted {
		if _, err := strategy.Delete(ctx, l); err != nil {
			fail(l.RemoteID, ActionDelete, err)
			continue
		}
		stats.Deleted++
	}

	// Only a clean pass may move the watermark; anything that failed must be
	// fetched again by the next incremental run.
	if stats.Errors == 0 && ctx.Err() == nil {
		if err := e.repo.AdvanceWatermark(ctx, spec.Type, result.ID, result.StartedAt, e.now()); err != nil {
			logger.WithError(err).Warn("Failed to advance incremental watermark")
		}
	}

	logger.Info("Entity sync finished",
		"fetched", stats.Fetched,
		"created", stats.Created,
		"updated", stats.Updated,
		"deleted", stats.Deleted,
		"unchanged", stats.Unchanged,
		"conflicts", stats.Conflicts,
		"errors", stats.Errors,
	)
	return stats
}

// handleConflict applies the conflict policy to a modified row carrying a
// local edit. It reports whether the remote version was written.
func (e *Engine) handleConflict(ctx context.Context, syncID string, strategy EntitySyncStrategy, m ModifiedEntry) (bool, error) {
	spec := strategy.Spec()

	// Already waiting for someone to decide
	if e.policy == PolicyManual && m.Local.SyncStatus == RecordConflict {
		return false, nil
	}

	conflict, err := newConflict(spec, m, syncID, e.policy, e.now())
	if err != nil {
		return false, err
	}

	if e.policy == PolicyManual {
		if _, err := strategy.MarkConflict(ctx, m.Local); err != nil {
			return false, err
		}
		if err := e.repo.CreateConflict(ctx, conflict); err != nil {
			return false, err
		}
		loggy.FromContext(ctx).Warn("Conflict needs manual resolution",
			"entity_type", spec.Type,
			"remote_id", m.Remote.RemoteID,
			"conflict_id", conflict.ID,
			"changed_fields", m.ChangedFields,
		)
		return false, nil
	}

	if _, err := strategy.Update(ctx, m.Local.ID, m.Remote); err != nil {
		return false, err
	}
	now := e.now().UTC()
	conflict.Status = ConflictResolved
	conflict.Resolution = ResolutionUseRemote
	conflict.ResolvedAt = &now
	conflict.ResolvedBy = "policy:" + string(PolicyRemoteWins)
	if err := e.repo.CreateConflict(ctx, conflict); err != nil {
		return true, err
	}
	return true, nil
}

func newConflict(spec *EntitySpec, m ModifiedEntry, syncID string, policy ConflictPolicy, now time.Time) (*SyncConflict, error) {
	localData, err := json.Marshal(m.Local)
	if err != nil {
		return nil, fmt.Errorf("marshalling local snapshot: %w", err)
	}
	remoteData, err := json.Marshal(m.Remote)
	if err != nil {
		return nil, fmt.Errorf("marshalling remote snapshot: %w", err)
	}
	return &SyncConflict{
		ID:            ulid.ConflictID(),
		EntityType:    spec.Type,
		RemoteID:      m.Remote.RemoteID,
		LocalID:       m.Local.ID,
		ChangedFields: m.ChangedFields,
		LocalData:     string(localData),
		RemoteData:    string(remoteData),
		Status:        ConflictUnresolved,
		Strategy:      policy,
		SyncLogID:     syncID,
		DetectedAt:    now.UTC(),
	}, nil
}

// finish settles the run status and, for real runs, writes the terminal
// log and emits the closing event even if ctx is already cancelled. It
// returns a RunError when the terminal log cannot be written.
func (e *Engine) finish(ctx context.Context, result *SyncResult, runErr error) error {
	result.CompletedAt = e.now().UTC()
	result.DurationMS = result.CompletedAt.Sub(result.StartedAt).Milliseconds()

	switch {
	case runErr != nil:
		result.Status = SyncStatusFailed
		result.Error = runErr.Error()
	case result.Totals.Errors > 0 || len(result.Errors) > 0:
		result.Status = SyncStatusPartial
	default:
		result.Status = SyncStatusCompleted
	}

	logger := loggy.FromContext(ctx)
	logger.Info("Sync finished",
		"status", result.Status,
		"duration_ms", result.DurationMS,
		"created", result.Totals.Created,
		"updated", result.Totals.Updated,
		"deleted", result.Totals.Deleted,
		"errors", result.Totals.Errors,
	)

	if result.DryRun {
		return nil
	}

	var logErr error
	writeCtx := context.WithoutCancel(ctx)
	log := newSyncLog(result)
	log.complete(result)
	if err := e.repo.CompleteSyncLog(writeCtx, log); err != nil {
		logger.WithError(err).Error("Failed to write terminal sync log")
		logErr = &RunError{SyncID: result.ID, Err: fmt.Errorf("writing sync log: %w", err)}
		if runErr == nil {
			result.Status = SyncStatusFailed
			result.Error = logErr.Error()
		}
	}
	e.untrack(result.ID)

	event := EventSyncCompleted
	if result.Status == SyncStatusFailed {
		event = EventSyncFailed
	}
	e.notify(writeCtx, event, result)
	return logErr
}

func (e *Engine) notify(ctx context.Context, t EventType, result *SyncResult) {
	event := Event{Type: t, SyncID: result.ID, OccurredAt: e.now().UTC(), Result: result}
	if err := e.notifier.Notify(ctx, event); err != nil {
		loggy.FromContext(ctx).WithError(err).Warn("Failed to deliver sync event", "event", t)
	}
}

func (e *Engine) track(id string) {
	e.mu.Lock()
	e.running[id] = struct{}{}
	e.mu.Unlock()
}

func (e *Engine) untrack(id string) {
	e.mu.Lock()
	delete(e.running, id)
	e.mu.Unlock()
}

func (e *Engine) owned() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.running))
	for id := range e.running {
		ids = append(ids, id)
	}
	return ids
}

func (e *Engine) owns(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.running[id]
	return ok
}

// RecoverStaleRuns fails running logs left behind by a process that died
// mid-run. Runs in flight in this process are left alone.
func (e *Engine) RecoverStaleRuns(ctx context.Context) (int, error) {
	n, err := e.repo.FailStaleSyncLogs(ctx, e.owned(), "interrupted: process exited before the run finished", e.now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		loggy.FromContext(ctx).Warn("Marked interrupted sync runs as failed", "count", n)
	}
	return int(n), nil
}

// GetStatus reports local counts, the latest run and open conflicts
func (e *Engine) GetStatus(ctx context.Context) (*Status, error) {
	status := &Status{Entities: make([]EntityCount, 0, len(entitySpecs))}

	for _, spec := range entitySpecs {
		count, err := e.repo.CountRecords(ctx, spec)
		if err != nil {
			return nil, err
		}
		status.Entities = append(status.Entities, count)
	}

	latest, err := e.repo.GetLatestSyncLog(ctx)
	switch {
	case errors.Is(err, ErrNotFound):
	case err != nil:
		return nil, err
	default:
		status.LatestRun = latest
		status.LatestRunStale = latest.Status == SyncStatusRunning && !e.owns(latest.ID)
	}

	unresolved, err := e.repo.CountConflicts(ctx, ConflictUnresolved)
	if err != nil {
		return nil, err
	}
	status.UnresolvedConflicts = unresolved

	return status, nil
}

// ListLogs returns recent runs, newest first
func (e *Engine) ListLogs(ctx context.Context, limit int) ([]*SyncLog, error) {
	return e.repo.ListSyncLogs(ctx, clampLimit(limit), 0)
}

// GetLog returns one run
func (e *Engine) GetLog(ctx context.Context, id string) (*SyncLog, error) {
	return e.repo.GetSyncLog(ctx, id)
}

// ListConflicts returns recent conflicts, optionally filtered by status
func (e *Engine) ListConflicts(ctx context.Context, status ConflictStatus, limit int) ([]*SyncConflict, error) {
	switch status {
	case "", ConflictUnresolved, ConflictResolved:
	default:
		return nil, fmt.Errorf("unknown conflict status %q", status)
	}
	return e.repo.ListConflicts(ctx, status, clampLimit(limit))
}

// ResolveConflict settles a conflict. use_remote writes the remote snapshot
// taken when the conflict was detected; keep_local leaves the row's values
// and marks it pending so the local edit survives later runs.
func (e *Engine) ResolveConflict(ctx context.Context, id string, resolution Resolution, resolvedBy string) (*SyncConflict, error) {
	if resolution != ResolutionUseRemote && resolution != ResolutionKeepLocal {
		return nil, fmt.Errorf("%w: %q", ErrInvalidResolution, resolution)
	}

	conflict, err := e.repo.GetConflict(ctx, id)
	if err != nil {
		return nil, err
	}
	if conflict.Status == ConflictResolved {
		return nil, fmt.Errorf("conflict %s: %w", id, ErrConflictResolved)
	}

	spec, err := LookupSpec(conflict.EntityType)
	if err != nil {
		return nil, err
	}
	remote, err := decodeSnapshot(spec, conflict.RemoteData)
	if err != nil {
		return nil, fmt.Errorf("conflict %s: %w", id, err)
	}

	now := e.now()
	switch resolution {
	case ResolutionUseRemote:
		_, err = e.repo.UpdateRecord(ctx, spec, conflict.LocalID, remote, now)
	case ResolutionKeepLocal:
		_, err = e.repo.AcknowledgeRemote(ctx, spec, conflict.LocalID, remote.ModifiedOn, now)
	}
	if err != nil {
		return nil, fmt.Errorf("applying resolution to %s %s: %w", spec.Type, conflict.LocalID, err)
	}

	if err := e.repo.ResolveConflict(ctx, id, resolution, resolvedBy, now); err != nil {
		return nil, err
	}

	loggy.FromContext(ctx).Info("Conflict resolved",
		"conflict_id", id,
		"entity_type", spec.Type,
		"resolution", resolution,
		"resolved_by", resolvedBy,
	)

	return e.repo.GetConflict(ctx, id)
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultLogLimit
	}
	if limit > maxLogLimit {
		return maxLogLimit
	}
	return limit
}
