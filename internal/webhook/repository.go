// Package webhook stores n8n webhook subscriptions and delivers sync run
// events to them.
package webhook

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/tildaslashalef/stsync/internal/sync"
	"github.com/tildaslashalef/stsync/internal/ulid"
)

var (
	// ErrInvalidSubscription is returned for a subscription that cannot be stored
	ErrInvalidSubscription = errors.New("invalid subscription")
)

// Subscription is an endpoint receiving run events
type Subscription struct {
	ID        string           `json:"id"`
	Name      string           `json:"name"`
	URL       string           `json:"url"`
	Events    []sync.EventType `json:"events"`
	Active    bool             `json:"active"`
	CreatedAt time.Time        `json:"createdAt"`
}

// Wants reports whether the subscription receives events of type t
func (s *Subscription) Wants(t sync.EventType) bool {
	return s.Active && slices.Contains(s.Events, t)
}

// NewSubscription validates the inputs and builds an active subscription.
// An empty events list subscribes to every event.
func NewSubscription(name, rawURL string, events []sync.EventType) (*Subscription, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: url must be an absolute http(s) URL", ErrInvalidSubscription)
	}

	if len(events) == 0 {
		events = slices.Clone(sync.EventTypes)
	}
	seen := make(map[sync.EventType]bool, len(events))
	deduped := make([]sync.EventType, 0, len(events))
	for _, e := range events {
		if !slices.Contains(sync.EventTypes, e) {
			return nil, fmt.Errorf("%w: unknown event %q", ErrInvalidSubscription, e)
		}
		if !seen[e] {
			seen[e] = true
			deduped = append(deduped, e)
		}
	}

	return &Subscription{
		ID:        ulid.SubscriptionID(),
		Name:      strings.TrimSpace(name),
		URL:       u.String(),
		Events:    deduped,
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// Repository persists subscriptions
type Repository interface {
	// Create inserts a subscription
	Create(ctx context.Context, sub *Subscription) error

	// List retrieves subscriptions oldest first, optionally only active ones
	List(ctx context.Context, activeOnly bool) ([]*Subscription, error)
}

// SQLRepository implements Repository over a shared *sql.DB
type SQLRepository struct {
	db      *sql.DB
	builder sq.StatementBuilderType
}

// NewSQLRepository creates a subscription repository
func NewSQLRepository(db *sql.DB, builder sq.StatementBuilderType) *SQLRepository {
	return &SQLRepository{db: db, builder: builder}
}

// Create inserts a subscription
func (r *SQLRepository) Create(ctx context.Context, sub *Subscription) error {
	events, err := json.Marshal(sub.Events)
	if err != nil {
		return fmt.Errorf("encoding events: %w", err)
	}

	query, args, err := r.builder.Insert("webhook_subscriptions").
		Columns("id", "name", "url", "events", "active", "created_at").
		Values(sub.ID, sub.Name, sub.URL, string(events), sub.Active, sub.CreatedAt.UTC()).
		ToSql()
	if err != nil {
		return fmt.Errorf("building insert subscription query: %w", err)
	}

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("executing insert subscription query: %w", err)
	}
	return nil
}

// List retrieves subscriptions oldest first
func (r *SQLRepository) List(ctx context.Context, activeOnly bool) ([]*Subscription, error) {
	q := r.builder.Select("id", "name", "url", "events", "active", "created_at").
		From("webhook_subscriptions").
		OrderBy("created_at", "id")
	if activeOnly {
		q = q.Where(sq.Eq{"active": true})
	}

	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("building list subscriptions query: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("executing list subscriptions query: %w", err)
	}
	defer rows.Close()

	subs := []*Subscription{}
	for rows.Next() {
		var (
			sub    Subscription
			events string
		)
		if err := rows.Scan(&sub.ID, &sub.Name, &sub.URL, &events, &sub.Active, &sub.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning subscription row: %w", err)
		}
		if err := json.Unmarshal([]byte(events), &sub.Events); err != nil {
			return nil, fmt.Errorf("decoding events of subscription %s: %w", sub.ID, err)
		}
		sub.CreatedAt = sub.CreatedAt.UTC()
		subs = append(subs, &sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating subscription rows: %w", err)
	}

	return subs, nil
}
