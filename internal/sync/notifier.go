package sync

import (
	"context"
	"time"
)

// EventType names a run lifecycle event
type EventType string

const (
	EventSyncStarted   EventType = "sync_started"
	EventSyncCompleted EventType = "sync_completed"
	EventSyncFailed    EventType = "sync_failed"
)

// EventTypes lists every event a notifier may receive
var EventTypes = []EventType{EventSyncStarted, EventSyncCompleted, EventSyncFailed}

// Event is emitted at the start and end of every non-dry run
type Event struct {
	Type       EventType   `json:"event"`
	SyncID     string      `json:"syncId"`
	OccurredAt time.Time   `json:"occurredAt"`
	Result     *SyncResult `json:"result"`
}

// Notifier delivers run events. Errors are logged by the engine and never
// change the outcome of a run.
type Notifier interface {
	Notify(ctx context.Context, event Event) error
}

// NotifierFunc adapts a function to Notifier
type NotifierFunc func(ctx context.Context, event Event) error

// Notify calls f
func (f NotifierFunc) Notify(ctx context.Context, event Event) error {
	return f(ctx, event)
}

type noopNotifier struct{}

func (noopNotifier) Notify(context.Context, Event) error { return nil }
