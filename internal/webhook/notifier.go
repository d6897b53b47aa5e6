package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tildaslashalef/stsync/internal/loggy"
	"github.com/tildaslashalef/stsync/internal/sync"
	"github.com/tildaslashalef/stsync/internal/ulid"
)

const defaultTimeout = 10 * time.Second

// Notifier posts run events to every active subscription listing them.
// Each delivery is attempted once; failures are logged and dropped.
type Notifier struct {
	repo   Repository
	client *http.Client
	logger *loggy.Logger
}

// Option customizes a Notifier
type Option func(*Notifier)

// WithHTTPClient sets the client used for deliveries
func WithHTTPClient(hc *http.Client) Option {
	return func(n *Notifier) { n.client = hc }
}

// WithLogger sets the logger used for delivery failures
func WithLogger(logger *loggy.Logger) Option {
	return func(n *Notifier) { n.logger = logger }
}

// NewNotifier creates a notifier reading subscriptions from repo
func NewNotifier(repo Repository, opts ...Option) *Notifier {
	n := &Notifier{
		repo:   repo,
		client: &http.Client{Timeout: defaultTimeout},
		logger: loggy.GetGlobalLogger(),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

type payload struct {
	ID string `json:"id"`
	sync.Event
}

// Notify delivers event. Only a failure to load subscriptions or encode the
// event is returned.
func (n *Notifier) Notify(ctx context.Context, event sync.Event) error {
	subs, err := n.repo.List(ctx, true)
	if err != nil {
		return fmt.Errorf("loading subscriptions: %w", err)
	}

	body, err := json.Marshal(payload{ID: ulid.EventID(), Event: event})
	if err != nil {
		return fmt.Errorf("encoding %s event: %w", event.Type, err)
	}

	for _, sub := range subs {
		if !sub.Wants(event.Type) {
			continue
		}
		if err := n.deliver(ctx, sub, event.Type, body); err != nil {
			n.logger.WithError(err).Warn("Webhook delivery failed",
				"subscription_id", sub.ID,
				"event", event.Type,
				"sync_id", event.SyncID,
			)
			continue
		}
		n.logger.Debug("Webhook delivered", "subscription_id", sub.ID, "event", event.Type)
	}
	return nil
}

func (n *Notifier) deliver(ctx context.Context, sub *Subscription, t sync.EventType, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Stsync-Event", string(t))

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting to %s: %w", sub.URL, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("posting to %s: unexpected status %d", sub.URL, resp.StatusCode)
	}
	return nil
}
