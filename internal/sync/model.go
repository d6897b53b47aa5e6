// Package sync pulls ServiceTitan reference data into the local store.
// A run fetches every requested entity type, compares it against the local
// rows and applies creates, updates and soft deletes record by record.
package sync

import (
	"time"
)

// EntityType is one of the ServiceTitan record kinds mirrored locally
type EntityType string

const (
	// EntityTeams are dispatch teams
	EntityTeams EntityType = "teams"
	// EntityZones are dispatch zones
	EntityZones EntityType = "zones"
	// EntityJobTypes are job types
	EntityJobTypes EntityType = "job_types"
	// EntityCategories are pricebook categories
	EntityCategories EntityType = "categories"
	// EntityTechnicians are technicians, which reference teams and zones
	EntityTechnicians EntityType = "technicians"
	// EntityMaterials are pricebook materials
	EntityMaterials EntityType = "materials"
	// EntityServices are pricebook services
	EntityServices EntityType = "services"
	// EntityEquipment is pricebook equipment
	EntityEquipment EntityType = "equipment"
)

// EntityGroup selects a family of entity types
type EntityGroup string

const (
	GroupAll        EntityGroup = "all"
	GroupScheduling EntityGroup = "scheduling"
	GroupPricebook  EntityGroup = "pricebook"
)

// SyncType is the cadence of a run
type SyncType string

const (
	// SyncTypeFull fetches everything and detects deletions
	SyncTypeFull SyncType = "full"
	// SyncTypeIncremental fetches records modified since the last good run
	SyncTypeIncremental SyncType = "incremental"
)

// SyncStatus is the lifecycle state of a run
type SyncStatus string

const (
	SyncStatusRunning   SyncStatus = "running"
	SyncStatusCompleted SyncStatus = "completed"
	SyncStatusPartial   SyncStatus = "partial"
	SyncStatusFailed    SyncStatus = "failed"
)

// DirectionInbound is the only direction a run moves data in
const DirectionInbound = "inbound"

// RecordStatus is the sync state of a local row
type RecordStatus string

const (
	// RecordPending marks a row edited locally and not pushed yet
	RecordPending RecordStatus = "pending"
	// RecordSynced marks a row that matches the last fetched remote
	RecordSynced RecordStatus = "synced"
	// RecordConflict marks a row waiting for manual conflict resolution
	RecordConflict RecordStatus = "conflict"
)

// Action names the step a SyncError happened in
type Action string

const (
	ActionFetch    Action = "fetch"
	ActionCompare  Action = "compare"
	ActionCreate   Action = "create"
	ActionUpdate   Action = "update"
	ActionDelete   Action = "delete"
	ActionConflict Action = "conflict"
)

// Options selects what a run does
type Options struct {
	EntityTypes []EntityType `json:"entityTypes,omitempty"`
	Group       EntityGroup  `json:"group,omitempty"`
	FullSync    bool         `json:"fullSync"`
	DryRun      bool         `json:"dryRun"`
	TriggeredBy string       `json:"triggeredBy,omitempty"`
}

// Counts are the per-record outcomes of a run
type Counts struct {
	Fetched   int `json:"fetched"`
	Created   int `json:"created"`
	Updated   int `json:"updated"`
	Deleted   int `json:"deleted"`
	Unchanged int `json:"unchanged"`
	Skipped   int `json:"skipped"`
	Conflicts int `json:"conflicts"`
	Errors    int `json:"errors"`
}

func (c *Counts) add(o Counts) {
	c.Fetched += o.Fetched
	c.Created += o.Created
	c.Updated += o.Updated
	c.Deleted += o.Deleted
	c.Unchanged += o.Unchanged
	c.Skipped += o.Skipped
	c.Conflicts += o.Conflicts
	c.Errors += o.Errors
}

// EntityStats are the counts for one entity type in a run
type EntityStats struct {
	EntityType EntityType `json:"entityType"`
	Counts
	DurationMS int64 `json:"durationMs"`
}

// SyncError is a failure recorded in a run result. RemoteID is empty for
// entity-level failures.
type SyncError struct {
	EntityType EntityType `json:"entityType"`
	RemoteID   string     `json:"remoteId,omitempty"`
	Action     Action     `json:"action"`
	Message    string     `json:"message"`
}

// SyncResult is the outcome of a run
type SyncResult struct {
	ID          string        `json:"id"`
	SyncType    SyncType      `json:"syncType"`
	Status      SyncStatus    `json:"status"`
	DryRun      bool          `json:"dryRun"`
	TriggeredBy string        `json:"triggeredBy,omitempty"`
	EntityTypes []EntityType  `json:"entityTypes"`
	Totals      Counts        `json:"totals"`
	Entities    []EntityStats `json:"entities"`
	Errors      []SyncError   `json:"errors"`
	StartedAt   time.Time     `json:"startedAt"`
	CompletedAt time.Time     `json:"completedAt"`
	DurationMS  int64         `json:"durationMs"`
	Error       string        `json:"error,omitempty"`
}

func (r *SyncResult) addError(entityType EntityType, remoteID string, action Action, err error) {
	r.Errors = append(r.Errors, SyncError{
		EntityType: entityType,
		RemoteID:   remoteID,
		Action:     action,
		Message:    err.Error(),
	})
}

// SyncLog is the persisted record of one run
type SyncLog struct {
	ID           string       `json:"id"`
	SyncType     SyncType     `json:"syncType"`
	Direction    string       `json:"direction"`
	EntityTypes  []EntityType `json:"entityTypes"`
	Status       SyncStatus   `json:"status"`
	TriggeredBy  string       `json:"triggeredBy"`
	DryRun       bool         `json:"dryRun"`
	StartedAt    time.Time    `json:"startedAt"`
	CompletedAt  *time.Time   `json:"completedAt,omitempty"`
	DurationMS   int64        `json:"durationMs"`
	Fetched      int          `json:"fetched"`
	Created      int          `json:"created"`
	Updated      int          `json:"updated"`
	Deleted      int          `json:"deleted"`
	Skipped      int          `json:"skipped"`
	Errors       int          `json:"errors"`
	Result       *SyncResult  `json:"result,omitempty"`
	ErrorMessage string       `json:"errorMessage,omitempty"`
}

// newSyncLog opens a log for a run that is starting
func newSyncLog(result *SyncResult) *SyncLog {
	return &SyncLog{
		ID:          result.ID,
		SyncType:    result.SyncType,
		Direction:   DirectionInbound,
		EntityTypes: result.EntityTypes,
		Status:      SyncStatusRunning,
		TriggeredBy: result.TriggeredBy,
		DryRun:      result.DryRun,
		StartedAt:   result.StartedAt,
	}
}

// complete copies the terminal state of result into the log
func (l *SyncLog) complete(result *SyncResult) {
	completed := result.CompletedAt
	l.Status = result.Status
	l.CompletedAt = &completed
	l.DurationMS = result.DurationMS
	l.Fetched = result.Totals.Fetched
	l.Created = result.Totals.Created
	l.Updated = result.Totals.Updated
	l.Deleted = result.Totals.Deleted
	l.Skipped = result.Totals.Skipped
	l.Errors = result.Totals.Errors
	l.Result = result
	l.ErrorMessage = result.Error
}

// ConflictStatus is the lifecycle of a SyncConflict
type ConflictStatus string

const (
	ConflictUnresolved ConflictStatus = "unresolved"
	ConflictResolved   ConflictStatus = "resolved"
)

// ConflictPolicy decides what a run does with a conflicting record
type ConflictPolicy string

const (
	// PolicyRemoteWins overwrites the local edit and records a resolved conflict
	PolicyRemoteWins ConflictPolicy = "remote_wins"
	// PolicyManual leaves the local row alone until someone resolves it
	PolicyManual ConflictPolicy = "manual"
)

// Resolution is how a conflict was settled
type Resolution string

const (
	ResolutionUseRemote Resolution = "use_remote"
	ResolutionKeepLocal Resolution = "keep_local"
)

// SyncConflict records a pricebook row that changed on both sides
type SyncConflict struct {
	ID            string         `json:"id"`
	EntityType    EntityType     `json:"entityType"`
	RemoteID      string         `json:"remoteId"`
	LocalID       string         `json:"localId"`
	ChangedFields []string       `json:"changedFields"`
	LocalData     string         `json:"localData,omitempty"`
	RemoteData    string         `json:"remoteData,omitempty"`
	Status        ConflictStatus `json:"status"`
	Strategy      ConflictPolicy `json:"strategy"`
	Resolution    Resolution     `json:"resolution,omitempty"`
	SyncLogID     string         `json:"syncLogId,omitempty"`
	DetectedAt    time.Time      `json:"detectedAt"`
	ResolvedAt    *time.Time     `json:"resolvedAt,omitempty"`
	ResolvedBy    string         `json:"resolvedBy,omitempty"`
}

// EntityCount is the local population of one entity type
type EntityCount struct {
	EntityType  EntityType `json:"entityType"`
	TotalCount  int        `json:"totalCount"`
	ActiveCount int        `json:"activeCount"`
}

// Status summarizes the local store and the latest run
type Status struct {
	Entities            []EntityCount `json:"entities"`
	LatestRun           *SyncLog      `json:"latestRun,omitempty"`
	LatestRunStale      bool          `json:"latestRunStale"`
	UnresolvedConflicts int           `json:"unresolvedConflicts"`
}
