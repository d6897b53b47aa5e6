package sync

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
)

// LogRepository persists the history of runs
type LogRepository interface {
	// CreateSyncLog inserts the log of a run that is starting
	CreateSyncLog(ctx context.Context, log *SyncLog) error

	// CompleteSyncLog writes the terminal state of a run
	CompleteSyncLog(ctx context.Context, log *SyncLog) error

	// GetSyncLog retrieves a log by ID
	GetSyncLog(ctx context.Context, id string) (*SyncLog, error)

	// GetLatestSyncLog retrieves the most recently started run
	GetLatestSyncLog(ctx context.Context) (*SyncLog, error)

	// ListSyncLogs retrieves logs newest first
	ListSyncLogs(ctx context.Context, limit, offset int) ([]*SyncLog, error)

	// FailStaleSyncLogs marks running logs not listed in keep as failed
	FailStaleSyncLogs(ctx context.Context, keep []string, message string, now time.Time) (int64, error)
}

// ConflictRepository persists detected conflicts
type ConflictRepository interface {
	// CreateConflict inserts a conflict
	CreateConflict(ctx context.Context, conflict *SyncConflict) error

	// GetConflict retrieves a conflict by ID
	GetConflict(ctx context.Context, id string) (*SyncConflict, error)

	// ListConflicts retrieves conflicts newest first, optionally by status
	ListConflicts(ctx context.Context, status ConflictStatus, limit int) ([]*SyncConflict, error)

	// CountConflicts counts conflicts with the given status
	CountConflicts(ctx context.Context, status ConflictStatus) (int, error)

	// ResolveConflict settles an unresolved conflict
	ResolveConflict(ctx context.Context, id string, resolution Resolution, resolvedBy string, now time.Time) error
}

// WatermarkRepository tracks how far incremental runs may skip ahead
type WatermarkRepository interface {
	// GetWatermark returns the start of the latest run that synced
	// entityType without errors, or nil if there is none
	GetWatermark(ctx context.Context, entityType EntityType) (*time.Time, error)

	// AdvanceWatermark records a clean run of entityType. An older start
	// never replaces a newer one.
	AdvanceWatermark(ctx context.Context, entityType EntityType, syncID string, startedAt, now time.Time) error
}

// Repository is everything the engine persists
type Repository interface {
	RecordStore
	LogRepository
	ConflictRepository
	WatermarkRepository
}

// SQLRepository implements Repository over a shared *sql.DB
type SQLRepository struct {
	db      *sql.DB
	builder sq.StatementBuilderType
}

// NewSQLRepository creates a repository using builder's placeholder format
func NewSQLRepository(db *sql.DB, builder sq.StatementBuilderType) *SQLRepository {
	return &SQLRepository{
		db:      db,
		builder: builder,
	}
}

var syncLogColumns = []string{
	"id", "sync_type", "direction", "entity_types", "status", "triggered_by", "dry_run",
	"started_at", "completed_at", "duration_ms",
	"fetched", "created", "updated", "deleted", "skipped", "errors",
	"result", "error_message",
}

// CreateSyncLog inserts the log of a run that is starting
func (r *SQLRepository) CreateSyncLog(ctx context.Context, log *SyncLog) error {
	entityTypes, err := json.Marshal(log.EntityTypes)
	if err != nil {
		return fmt.Errorf("marshalling entity types: %w", err)
	}

	query, args, err := r.builder.Insert("sync_logs").
		Columns("id", "sync_type", "direction", "entity_types", "status", "triggered_by", "dry_run", "started_at").
		Values(log.ID, string(log.SyncType), log.Direction, string(entityTypes), string(log.Status), log.TriggeredBy, log.DryRun, log.StartedAt.UTC()).
		ToSql()
	if err != nil {
		return fmt.Errorf("building create sync log query: %w", err)
	}

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("executing create sync log query: %w", err)
	}

	return nil
}

// CompleteSyncLog writes the terminal state of a run
func (r *SQLRepository) CompleteSyncLog(ctx context.Context, log *SyncLog) error {
	var result any
	if log.Result != nil {
		data, err := json.Marshal(log.Result)
		if err != nil {
			return fmt.Errorf("marshalling sync result: %w", err)
		}
		result = string(data)
	}

	var errorMessage any
	if log.ErrorMessage != "" {
		errorMessage = log.ErrorMessage
	}

	query, args, err := r.builder.Update("sync_logs").
		Set("status", string(log.Status)).
		Set("completed_at", timeArg(log.CompletedAt)).
		Set("duration_ms", log.DurationMS).
		Set("fetched", log.Fetched).
		Set("created", log.Created).
		Set("updated", log.Updated).
		Set("deleted", log.Deleted).
		Set("skipped", log.Skipped).
		Set("errors", log.Errors).
		Set("result", result).
		Set("error_message", errorMessage).
		Where(sq.Eq{"id": log.ID}).
		ToSql()
	if err != nil {
		return fmt.Errorf("building complete sync log query: %w", err)
	}

	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("executing complete sync log query: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("completing sync log %s: %w", log.ID, ErrNotFound)
	}

	return nil
}

// GetSyncLog retrieves a log by ID
func (r *SQLRepository) GetSyncLog(ctx context.Context, id string) (*SyncLog, error) {
	logs, err := r.selectSyncLogs(ctx, r.builder.Select(syncLogColumns...).
		From("sync_logs").
		Where(sq.Eq{"id": id}))
	if err != nil {
		return nil, err
	}
	if len(logs) == 0 {
		return nil, fmt.Errorf("sync log %s: %w", id, ErrNotFound)
	}
	return logs[0], nil
}

// GetLatestSyncLog retrieves the most recently started run
func (r *SQLRepository) GetLatestSyncLog(ctx context.Context) (*SyncLog, error) {
	logs, err := r.ListSyncLogs(ctx, 1, 0)
	if err != nil {
		return nil, err
	}
	if len(logs) == 0 {
		return nil, ErrNotFound
	}
	return logs[0], nil
}

// ListSyncLogs retrieves logs newest first
func (r *SQLRepository) ListSyncLogs(ctx context.Context, limit, offset int) ([]*SyncLog, error) {
	q := r.builder.Select(syncLogColumns...).
		From("sync_logs").
		OrderBy("started_at DESC", "id DESC")

	if limit > 0 {
		q = q.Limit(uint64(limit))
	}
	if offset > 0 {
		q = q.Offset(uint64(offset))
	}

	return r.selectSyncLogs(ctx, q)
}

// GetWatermark returns the start of the latest clean run of entityType
func (r *SQLRepository) GetWatermark(ctx context.Context, entityType EntityType) (*time.Time, error) {
	query, args, err := r.builder.Select("synced_since").
		From("sync_watermarks").
		Where(sq.Eq{"entity_type": string(entityType)}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building watermark query: %w", err)
	}

	var since dbTime
	err = r.db.QueryRowContext(ctx, query, args...).Scan(&since)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("executing watermark query: %w", err)
	}

	return since.Ptr(), nil
}

const advanceWatermarkSuffix = "ON CONFLICT (entity_type) DO UPDATE SET " +
	"synced_since = excluded.synced_since, sync_log_id = excluded.sync_log_id, updated_at = excluded.updated_at " +
	"WHERE sync_watermarks.synced_since < excluded.synced_since"

// AdvanceWatermark moves the watermark of entityType forward to startedAt
func (r *SQLRepository) AdvanceWatermark(ctx context.Context, entityType EntityType, syncID string, startedAt, now time.Time) error {
	query, args, err := r.builder.Insert("sync_watermarks").
		Columns("entity_type", "synced_since", "sync_log_id", "updated_at").
		Values(string(entityType), startedAt.UTC(), syncID, now.UTC()).
		Suffix(advanceWatermarkSuffix).
		ToSql()
	if err != nil {
		return fmt.Errorf("building advance watermark query: %w", err)
	}

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("executing advance watermark query: %w", err)
	}
	return nil
}

// FailStaleSyncLogs marks running logs not listed in keep as failed
func (r *SQLRepository) FailStaleSyncLogs(ctx context.Context, keep []string, message string, now time.Time) (int64, error) {
	q := r.builder.Update("sync_logs").
		Set("status", string(SyncStatusFailed)).
		Set("completed_at", now.UTC()).
		Set("error_message", message).
		Where(sq.Eq{"status": string(SyncStatusRunning)})
	if len(keep) > 0 {
		q = q.Where(sq.NotEq{"id": keep})
	}

	query, args, err := q.ToSql()
	if err != nil {
		return 0, fmt.Errorf("building fail stale logs query: %w", err)
	}

	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("executing fail stale logs query: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("counting failed stale logs: %w", err)
	}
	return n, nil
}

func (r *SQLRepository) selectSyncLogs(ctx context.Context, q sq.SelectBuilder) ([]*SyncLog, error) {
	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("building get sync logs query: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("executing get sync logs query: %w", err)
	}
	defer rows.Close()

	var logs []*SyncLog
	for rows.Next() {
		var (
			log                           SyncLog
			syncType, status, entityTypes string
			startedAt, completedAt        dbTime
			result, errorMessage          sql.NullString
		)
		err := rows.Scan(
			&log.ID,
			&syncType,
			&log.Direction,
			&entityTypes,
			&status,
			&log.TriggeredBy,
			&log.DryRun,
			&startedAt,
			&completedAt,
			&log.DurationMS,
			&log.Fetched,
			&log.Created,
			&log.Updated,
			&log.Deleted,
			&log.Skipped,
			&log.Errors,
			&result,
			&errorMessage,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning sync log row: %w", err)
		}

		log.SyncType = SyncType(syncType)
		log.Status = SyncStatus(status)
		log.StartedAt = startedAt.Time
		log.CompletedAt = completedAt.Ptr()
		log.ErrorMessage = errorMessage.String

		if err := json.Unmarshal([]byte(entityTypes), &log.EntityTypes); err != nil {
			return nil, fmt.Errorf("decoding entity types of sync log %s: %w", log.ID, err)
		}
		if result.Valid && result.String != "" {
			var res SyncResult
			if err := json.Unmarshal([]byte(result.String), &res); err != nil {
				return nil, fmt.Errorf("decoding result of sync log %s: %w", log.ID, err)
			}
			log.Result = &res
		}

		logs = append(logs, &log)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating sync log rows: %w", err)
	}

	return logs, nil
}

var conflictColumns = []string{
	"id", "entity_type", "st_id", "local_id", "changed_fields", "local_data", "remote_data",
	"status", "strategy", "resolution", "sync_log_id", "detected_at", "resolved_at", "resolved_by",
}

// CreateConflict inserts a conflict
func (r *SQLRepository) CreateConflict(ctx context.Context, c *SyncConflict) error {
	changed, err := json.Marshal(c.ChangedFields)
	if err != nil {
		return fmt.Errorf("marshalling changed fields: %w", err)
	}

	var syncLogID any
	if c.SyncLogID != "" {
		syncLogID = c.SyncLogID
	}

	query, args, err := r.builder.Insert("sync_conflicts").
		Columns(conflictColumns...).
		Values(
			c.ID, string(c.EntityType), c.RemoteID, c.LocalID, string(changed), c.LocalData, c.RemoteData,
			string(c.Status), string(c.Strategy), string(c.Resolution), syncLogID,
			c.DetectedAt.UTC(), timeArg(c.ResolvedAt), c.ResolvedBy,
		).
		ToSql()
	if err != nil {
		return fmt.Errorf("building create conflict query: %w", err)
	}

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("executing create conflict query: %w", err)
	}

	return nil
}

// GetConflict retrieves a conflict by ID
func (r *SQLRepository) GetConflict(ctx context.Context, id string) (*SyncConflict, error) {
	conflicts, err := r.selectConflicts(ctx, r.builder.Select(conflictColumns...).
		From("sync_conflicts").
		Where(sq.Eq{"id": id}))
	if err != nil {
		return nil, err
	}
	if len(conflicts) == 0 {
		return nil, fmt.Errorf("conflict %s: %w", id, ErrNotFound)
	}
	return conflicts[0], nil
}

// ListConflicts retrieves conflicts newest first
func (r *SQLRepository) ListConflicts(ctx context.Context, status ConflictStatus, limit int) ([]*SyncConflict, error) {
	q := r.builder.Select(conflictColumns...).
		From("sync_conflicts").
		OrderBy("detected_at DESC", "id DESC")

	if status != "" {
		q = q.Where(sq.Eq{"status": string(status)})
	}
	if limit > 0 {
		q = q.Limit(uint64(limit))
	}

	return r.selectConflicts(ctx, q)
}

// CountConflicts counts conflicts with the given status
func (r *SQLRepository) CountConflicts(ctx context.Context, status ConflictStatus) (int, error) {
	query, args, err := r.builder.Select("COUNT(*)").
		From("sync_conflicts").
		Where(sq.Eq{"status": string(status)}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("building count conflicts query: %w", err)
	}

	var count int
	if err := r.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("executing count conflicts query: %w", err)
	}
	return count, nil
}

// ResolveConflict settles an unresolved conflict
func (r *SQLRepository) ResolveConflict(ctx context.Context, id string, resolution Resolution, resolvedBy string, now time.Time) error {
	query, args, err := r.builder.Update("sync_conflicts").
		Set("status", string(ConflictResolved)).
		Set("resolution", string(resolution)).
		Set("resolved_by", resolvedBy).
		Set("resolved_at", now.UTC()).
		Where(sq.Eq{"id": id, "status": string(ConflictUnresolved)}).
		ToSql()
	if err != nil {
		return fmt.Errorf("building resolve conflict query: %w", err)
	}

	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("executing resolve conflict query: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("unresolved conflict %s: %w", id, ErrNotFound)
	}

	return nil
}

func (r *SQLRepository) selectConflicts(ctx context.Context, q sq.SelectBuilder) ([]*SyncConflict, error) {
	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("building get conflicts query: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("executing get conflicts query: %w", err)
	}
	defer rows.Close()

	var conflicts []*SyncConflict
	for rows.Next() {
		var (
			c                                 SyncConflict
			entityType, status, strategy, res string
			changed                           string
			localData, remoteData, syncLogID  sql.NullString
			detectedAt, resolvedAt            dbTime
		)
		err := rows.Scan(
			&c.ID,
			&entityType,
			&c.RemoteID,
			&c.LocalID,
			&changed,
			&localData,
			&remoteData,
			&status,
			&strategy,
			&res,
			&syncLogID,
			&detectedAt,
			&resolvedAt,
			&c.ResolvedBy,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning conflict row: %w", err)
		}

		c.EntityType = EntityType(entityType)
		c.Status = ConflictStatus(status)
		c.Strategy = ConflictPolicy(strategy)
		c.Resolution = Resolution(res)
		c.LocalData = localData.String
		c.RemoteData = remoteData.String
		c.SyncLogID = syncLogID.String
		c.DetectedAt = detectedAt.Time
		c.ResolvedAt = resolvedAt.Ptr()

		if err := json.Unmarshal([]byte(changed), &c.ChangedFields); err != nil {
			return nil, fmt.Errorf("decoding changed fields of conflict %s: %w", c.ID, err)
		}

		conflicts = append(conflicts, &c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating conflict rows: %w", err)
	}

	return conflicts, nil
}
