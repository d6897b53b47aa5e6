package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/tildaslashalef/stsync/internal/sync"
	"github.com/tildaslashalef/stsync/internal/webhook"
)

var eventDescriptions = map[sync.EventType]string{
	sync.EventSyncStarted:   "A sync run opened its log",
	sync.EventSyncCompleted: "A sync run finished as completed or partial",
	sync.EventSyncFailed:    "A sync run failed or was interrupted",
}

type eventInfo struct {
	Event       sync.EventType `json:"event"`
	Description string         `json:"description"`
}

type listEventsInput struct{}

type listEventsOutput struct {
	Body struct {
		Events []eventInfo `json:"events"`
	}
}

type listSubscriptionsInput struct{}

type listSubscriptionsOutput struct {
	Body struct {
		Subscriptions []*webhook.Subscription `json:"subscriptions"`
	}
}

type subscribeInput struct {
	Body struct {
		Name   string   `json:"name,omitempty"`
		URL    string   `json:"url" format:"uri" doc:"Endpoint receiving the event JSON"`
		Events []string `json:"events,omitempty" doc:"Events to receive, all when empty"`
	}
}

type subscribeOutput struct {
	Body *webhook.Subscription
}

func (h *Handler) listEventsOp() huma.Operation {
	return huma.Operation{
		OperationID: "n8n-list-events",
		Method:      http.MethodGet,
		Path:        "/api/n8n/events",
		Summary:     "List webhook events",
		Tags:        []string{"n8n"},
		Middlewares: h.middleware,
	}
}

func (h *Handler) listSubscriptionsOp() huma.Operation {
	return huma.Operation{
		OperationID: "n8n-list-subscriptions",
		Method:      http.MethodGet,
		Path:        "/api/n8n/subscriptions",
		Summary:     "List webhook subscriptions",
		Tags:        []string{"n8n"},
		Middlewares: h.middleware,
	}
}

func (h *Handler) subscribeOp() huma.Operation {
	return huma.Operation{
		OperationID:   "n8n-subscribe",
		Method:        http.MethodPost,
		Path:          "/api/n8n/subscribe",
		Summary:       "Register a webhook",
		Description:   "Each matching event is posted once to the URL; failed deliveries are not retried",
		Tags:          []string{"n8n"},
		DefaultStatus: http.StatusCreated,
		Middlewares:   h.middleware,
	}
}

func (h *Handler) listEvents(_ context.Context, _ *listEventsInput) (*listEventsOutput, error) {
	out := &listEventsOutput{}
	for _, e := range sync.EventTypes {
		out.Body.Events = append(out.Body.Events, eventInfo{Event: e, Description: eventDescriptions[e]})
	}
	return out, nil
}

func (h *Handler) listSubscriptions(ctx context.Context, _ *listSubscriptionsInput) (*listSubscriptionsOutput, error) {
	if h.subscriptions == nil {
		return nil, errUnavailable()
	}

	subs, err := h.subscriptions.List(ctx, false)
	if err != nil {
		return nil, h.toHTTPError(err, "failed to list subscriptions")
	}

	out := &listSubscriptionsOutput{}
	out.Body.Subscriptions = subs
	return out, nil
}

func (h *Handler) subscribe(ctx context.Context, input *subscribeInput) (*subscribeOutput, error) {
	if h.subscriptions == nil {
		return nil, errUnavailable()
	}

	events := make([]sync.EventType, 0, len(input.Body.Events))
	for _, e := range input.Body.Events {
		events = append(events, sync.EventType(e))
	}

	sub, err := webhook.NewSubscription(input.Body.Name, input.Body.URL, events)
	if err != nil {
		return nil, h.toHTTPError(err, "invalid subscription")
	}
	if err := h.subscriptions.Create(ctx, sub); err != nil {
		return nil, h.toHTTPError(err, "failed to store subscription")
	}

	h.log.Info("Webhook subscription created", "subscription_id", sub.ID, "events", sub.Events)
	return &subscribeOutput{Body: sub}, nil
}
