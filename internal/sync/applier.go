package sync

import (
	"context"
	"time"
)

// Applier writes comparison outcomes for one entity type. Each call is one
// statement; a failure affects only the record it was given.
type Applier struct {
	store RecordStore
	spec  *EntitySpec
	now   func() time.Time
}

// NewApplier creates an applier writing through store
func NewApplier(store RecordStore, spec *EntitySpec, now func() time.Time) *Applier {
	if now == nil {
		now = time.Now
	}
	return &Applier{store: store, spec: spec, now: now}
}

// Create inserts a remote record that has no local row yet
func (a *Applier) Create(ctx context.Context, remote *RemoteEntity) (*LocalRecord, error) {
	rec, err := a.store.InsertRecord(ctx, a.spec, remote, a.now())
	if err != nil {
		return nil, &ApplyError{EntityType: a.spec.Type, RemoteID: remote.RemoteID, Action: ActionCreate, Err: err}
	}
	return rec, nil
}

// Update overwrites the local row with the remote record
func (a *Applier) Update(ctx context.Context, localID string, remote *RemoteEntity) (*LocalRecord, error) {
	rec, err := a.store.UpdateRecord(ctx, a.spec, localID, remote, a.now())
	if err != nil {
		return nil, &ApplyError{EntityType: a.spec.Type, RemoteID: remote.RemoteID, Action: ActionUpdate, Err: err}
	}
	return rec, nil
}

// Delete soft-deletes a local row whose remote record is gone
func (a *Applier) Delete(ctx context.Context, local *LocalRecord) (*LocalRecord, error) {
	rec, err := a.store.SoftDeleteRecord(ctx, a.spec, local.ID, a.now())
	if err != nil {
		return nil, &ApplyError{EntityType: a.spec.Type, RemoteID: local.RemoteID, Action: ActionDelete, Err: err}
	}
	return rec, nil
}

// MarkConflict flags a local row as waiting for manual resolution
func (a *Applier) MarkConflict(ctx context.Context, local *LocalRecord) (*LocalRecord, error) {
	rec, err := a.store.SetRecordStatus(ctx, a.spec, local.ID, RecordConflict, a.now())
	if err != nil {
		return nil, &ApplyError{EntityType: a.spec.Type, RemoteID: local.RemoteID, Action: ActionConflict, Err: err}
	}
	return rec, nil
}
