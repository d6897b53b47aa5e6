// Package ulid wraps github.com/oklog/ulid/v2 with prefixed, sortable
// identifiers for local records, sync runs and the other rows stsync owns.
package ulid

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Prefixes used across the application
const (
	PrefixSync         = "sync"
	PrefixConflict     = "cfl"
	PrefixSubscription = "hook"
	PrefixEvent        = "evt"
	PrefixRequest      = "req"

	// Local record prefixes, one per synced entity type
	PrefixTechnician = "tech"
	PrefixTeam       = "team"
	PrefixZone       = "zone"
	PrefixJobType    = "jobt"
	PrefixCategory   = "cat"
	PrefixMaterial   = "mat"
	PrefixService    = "svc"
	PrefixEquipment  = "eqp"

	// PrefixSeparator is used to separate the prefix from the ULID
	PrefixSeparator = "-"
)

var (
	entropy     = ulid.Monotonic(rand.Reader, 0)
	entropyLock sync.Mutex
)

// NewID returns a fresh "prefix-ULID" identifier. IDs created by one
// process sort in creation order.
func NewID(prefix string) string {
	entropyLock.Lock()
	id := ulid.MustNew(ulid.Timestamp(time.Now()), entropy)
	entropyLock.Unlock()
	return prefix + PrefixSeparator + id.String()
}

// SyncID generates a new sync run ID
func SyncID() string {
	return NewID(PrefixSync)
}

// ConflictID generates a new sync conflict ID
func ConflictID() string {
	return NewID(PrefixConflict)
}

// SubscriptionID generates a new webhook subscription ID
func SubscriptionID() string {
	return NewID(PrefixSubscription)
}

// EventID generates a new outbound event ID
func EventID() string {
	return NewID(PrefixEvent)
}

// RequestID generates a new HTTP request ID
func RequestID() string {
	return NewID(PrefixRequest)
}
