package sync

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownEntityType is returned for an entity type or group outside the closed set
	ErrUnknownEntityType = errors.New("unknown entity type")
	// ErrNotFound is returned when a log, conflict or record does not exist
	ErrNotFound = errors.New("not found")
	// ErrConflictResolved is returned when resolving a conflict twice
	ErrConflictResolved = errors.New("conflict already resolved")
	// ErrInvalidResolution is returned for a resolution other than use_remote or keep_local
	ErrInvalidResolution = errors.New("invalid conflict resolution")
	// ErrEngineUnavailable is returned when no database or ServiceTitan credentials are configured
	ErrEngineUnavailable = errors.New("sync engine not configured")
	// ErrSyncInProgress is returned when a run of the same cadence is already in flight
	ErrSyncInProgress = errors.New("sync already in progress")
	// ErrUnexpectedShape is returned when a remote payload cannot be understood
	ErrUnexpectedShape = errors.New("unexpected response shape")
)

// FetchError aborts the fetch of one entity type
type FetchError struct {
	EntityType EntityType
	Page       int
	Err        error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetching %s page %d: %v", e.EntityType, e.Page, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// ApplyError is a failure writing one record
type ApplyError struct {
	EntityType EntityType
	RemoteID   string
	Action     Action
	Err        error
}

func (e *ApplyError) Error() string {
	return fmt.Sprintf("%s %s %s: %v", e.Action, e.EntityType, e.RemoteID, e.Err)
}

func (e *ApplyError) Unwrap() error { return e.Err }

// RunError is a failure that ends the whole run
type RunError struct {
	SyncID string
	Err    error
}

func (e *RunError) Error() string {
	return fmt.Sprintf("sync %s failed: %v", e.SyncID, e.Err)
}

func (e *RunError) Unwrap() error { return e.Err }
