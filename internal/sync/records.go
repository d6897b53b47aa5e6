package sync

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/shopspring/decimal"

	"github.com/tildaslashalef/stsync/internal/ulid"
)

// RecordStore reads and writes the rows of the entity tables. Every write
// is a single auto-committed statement returning the row it touched.
type RecordStore interface {
	// ListRecords returns every row of the entity type, soft-deleted ones included
	ListRecords(ctx context.Context, spec *EntitySpec) ([]*LocalRecord, error)

	// InsertRecord inserts a row for remote, or updates the row already holding its remote id
	InsertRecord(ctx context.Context, spec *EntitySpec, remote *RemoteEntity, now time.Time) (*LocalRecord, error)

	// UpdateRecord overwrites the tracked columns of a row and clears its tombstone
	UpdateRecord(ctx context.Context, spec *EntitySpec, localID string, remote *RemoteEntity, now time.Time) (*LocalRecord, error)

	// SoftDeleteRecord deactivates a row and stamps deleted_at
	SoftDeleteRecord(ctx context.Context, spec *EntitySpec, localID string, now time.Time) (*LocalRecord, error)

	// SetRecordStatus changes the sync status of a row
	SetRecordStatus(ctx context.Context, spec *EntitySpec, localID string, status RecordStatus, now time.Time) (*LocalRecord, error)

	// AcknowledgeRemote records that the remote version at modifiedOn was seen
	// but the local values were kept
	AcknowledgeRemote(ctx context.Context, spec *EntitySpec, localID string, modifiedOn *time.Time, now time.Time) (*LocalRecord, error)

	// CountRecords counts the rows of the entity type
	CountRecords(ctx context.Context, spec *EntitySpec) (EntityCount, error)
}

var recordBaseColumns = []string{
	"id", "st_id", "name", "active", "st_modified_on",
	"sync_status", "last_synced_at", "deleted_at", "updated_at",
}

func recordColumns(spec *EntitySpec) []string {
	cols := append([]string{}, recordBaseColumns...)
	for _, c := range spec.Columns {
		cols = append(cols, c.Name)
	}
	return cols
}

func returning(spec *EntitySpec) string {
	return "RETURNING " + strings.Join(recordColumns(spec), ", ")
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(spec *EntitySpec, row rowScanner) (*LocalRecord, error) {
	var (
		rec                                LocalRecord
		status                             string
		modified, synced, deleted, updated dbTime
	)

	dest := []any{&rec.ID, &rec.RemoteID, &rec.Name, &rec.Active, &modified, &status, &synced, &deleted, &updated}
	holders := make([]any, len(spec.Columns))
	for i, col := range spec.Columns {
		switch col.Kind {
		case KindInt:
			holders[i] = &sql.NullInt64{}
		case KindDecimal:
			holders[i] = &decimal.NullDecimal{}
		default:
			holders[i] = &sql.NullString{}
		}
	}
	dest = append(dest, holders...)

	if err := row.Scan(dest...); err != nil {
		return nil, err
	}

	rec.SyncStatus = RecordStatus(status)
	rec.RemoteModifiedOn = modified.Ptr()
	rec.LastSyncedAt = synced.Ptr()
	rec.DeletedAt = deleted.Ptr()
	rec.UpdatedAt = updated.Time
	rec.Values = make(map[string]any, len(spec.Columns))

	for i, col := range spec.Columns {
		var v any
		switch h := holders[i].(type) {
		case *sql.NullInt64:
			if h.Valid {
				v = h.Int64
			}
		case *decimal.NullDecimal:
			if h.Valid {
				v = h.Decimal
			}
		case *sql.NullString:
			if !h.Valid {
				break
			}
			if col.Kind != KindList {
				v = h.String
				break
			}
			var list []string
			if err := json.Unmarshal([]byte(h.String), &list); err != nil {
				return nil, fmt.Errorf("decoding %s.%s: %w", spec.Table, col.Name, err)
			}
			v = list
		}
		rec.Values[col.Name] = v
	}

	return &rec, nil
}

func timeArg(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

// trackedValues converts the remote's tracked columns into arguments
func trackedValues(spec *EntitySpec, remote *RemoteEntity) (map[string]any, error) {
	values := make(map[string]any, len(spec.Columns))
	for _, col := range spec.Columns {
		arg, err := columnArg(col.Kind, remote.Values[col.Name])
		if err != nil {
			return nil, fmt.Errorf("column %s: %w", col.Name, err)
		}
		values[col.Name] = arg
	}
	return values, nil
}

// ListRecords returns every row of the entity type
func (r *SQLRepository) ListRecords(ctx context.Context, spec *EntitySpec) ([]*LocalRecord, error) {
	query, args, err := r.builder.Select(recordColumns(spec)...).
		From(spec.Table).
		OrderBy("st_id").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building list %s query: %w", spec.Type, err)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("executing list %s query: %w", spec.Type, err)
	}
	defer rows.Close()

	var records []*LocalRecord
	for rows.Next() {
		rec, err := scanRecord(spec, rows)
		if err != nil {
			return nil, fmt.Errorf("scanning %s row: %w", spec.Type, err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating %s rows: %w", spec.Type, err)
	}

	return records, nil
}

// InsertRecord inserts a new row keyed by the remote id
func (r *SQLRepository) InsertRecord(ctx context.Context, spec *EntitySpec, remote *RemoteEntity, now time.Time) (*LocalRecord, error) {
	now = now.UTC()
	tracked, err := trackedValues(spec, remote)
	if err != nil {
		return nil, err
	}

	columns := []string{"id", "st_id", "name", "active", "st_modified_on", "sync_status", "last_synced_at", "created_at", "updated_at"}
	values := []any{ulid.NewID(spec.IDPrefix), remote.RemoteID, remote.Name, remote.Active, timeArg(remote.ModifiedOn), string(RecordSynced), now, now, now}
	updates := []string{
		"name = excluded.name",
		"active = excluded.active",
		"st_modified_on = excluded.st_modified_on",
		"sync_status = excluded.sync_status",
		"last_synced_at = excluded.last_synced_at",
		"deleted_at = NULL",
		"updated_at = excluded.updated_at",
	}
	for _, col := range spec.Columns {
		columns = append(columns, col.Name)
		values = append(values, tracked[col.Name])
		updates = append(updates, col.Name+" = excluded."+col.Name)
	}

	q := r.builder.Insert(spec.Table).
		Columns(columns...).
		Values(values...).
		Suffix("ON CONFLICT (st_id) DO UPDATE SET " + strings.Join(updates, ", ") + " " + returning(spec))

	rec, err := r.queryRecord(ctx, spec, q)
	if err != nil {
		return nil, fmt.Errorf("inserting %s %s: %w", spec.Type, remote.RemoteID, err)
	}
	return rec, nil
}

// UpdateRecord overwrites the tracked columns of the row with localID
func (r *SQLRepository) UpdateRecord(ctx context.Context, spec *EntitySpec, localID string, remote *RemoteEntity, now time.Time) (*LocalRecord, error) {
	now = now.UTC()
	set, err := trackedValues(spec, remote)
	if err != nil {
		return nil, err
	}
	set["name"] = remote.Name
	set["active"] = remote.Active
	set["st_modified_on"] = timeArg(remote.ModifiedOn)
	set["sync_status"] = string(RecordSynced)
	set["last_synced_at"] = now
	set["deleted_at"] = nil
	set["updated_at"] = now

	q := r.builder.Update(spec.Table).
		SetMap(set).
		Where(sq.Eq{"id": localID}).
		Suffix(returning(spec))

	rec, err := r.queryRecord(ctx, spec, q)
	if err != nil {
		return nil, fmt.Errorf("updating %s %s: %w", spec.Type, localID, err)
	}
	return rec, nil
}

// SoftDeleteRecord marks the row with localID as removed remotely
func (r *SQLRepository) SoftDeleteRecord(ctx context.Context, spec *EntitySpec, localID string, now time.Time) (*LocalRecord, error) {
	now = now.UTC()
	q := r.builder.Update(spec.Table).
		Set("active", false).
		Set("deleted_at", now).
		Set("sync_status", string(RecordSynced)).
		Set("last_synced_at", now).
		Set("updated_at", now).
		Where(sq.Eq{"id": localID}).
		Suffix(returning(spec))

	rec, err := r.queryRecord(ctx, spec, q)
	if err != nil {
		return nil, fmt.Errorf("deleting %s %s: %w", spec.Type, localID, err)
	}
	return rec, nil
}

// SetRecordStatus changes the sync status of the row with localID
func (r *SQLRepository) SetRecordStatus(ctx context.Context, spec *EntitySpec, localID string, status RecordStatus, now time.Time) (*LocalRecord, error) {
	q := r.builder.Update(spec.Table).
		Set("sync_status", string(status)).
		Set("updated_at", now.UTC()).
		Where(sq.Eq{"id": localID}).
		Suffix(returning(spec))

	rec, err := r.queryRecord(ctx, spec, q)
	if err != nil {
		return nil, fmt.Errorf("setting %s %s status: %w", spec.Type, localID, err)
	}
	return rec, nil
}

// AcknowledgeRemote keeps the local values but moves the remote watermark
// forward, leaving the row pending so the local edit wins next time too.
func (r *SQLRepository) AcknowledgeRemote(ctx context.Context, spec *EntitySpec, localID string, modifiedOn *time.Time, now time.Time) (*LocalRecord, error) {
	q := r.builder.Update(spec.Table).
		Set("st_modified_on", timeArg(modifiedOn)).
		Set("sync_status", string(RecordPending)).
		Set("updated_at", now.UTC()).
		Where(sq.Eq{"id": localID}).
		Suffix(returning(spec))

	rec, err := r.queryRecord(ctx, spec, q)
	if err != nil {
		return nil, fmt.Errorf("acknowledging %s %s: %w", spec.Type, localID, err)
	}
	return rec, nil
}

// CountRecords counts all rows and the active, non-deleted ones
func (r *SQLRepository) CountRecords(ctx context.Context, spec *EntitySpec) (EntityCount, error) {
	count := EntityCount{EntityType: spec.Type}

	query, args, err := r.builder.Select(
		"COUNT(*)",
		"COALESCE(SUM(CASE WHEN active = TRUE AND deleted_at IS NULL THEN 1 ELSE 0 END), 0)",
	).From(spec.Table).ToSql()
	if err != nil {
		return count, fmt.Errorf("building count %s query: %w", spec.Type, err)
	}

	var total, active int64
	if err := r.db.QueryRowContext(ctx, query, args...).Scan(&total, &active); err != nil {
		return count, fmt.Errorf("counting %s: %w", spec.Type, err)
	}

	count.TotalCount = int(total)
	count.ActiveCount = int(active)
	return count, nil
}

func (r *SQLRepository) queryRecord(ctx context.Context, spec *EntitySpec, q sq.Sqlizer) (*LocalRecord, error) {
	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("building query: %w", err)
	}

	rec, err := scanRecord(spec, r.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}
