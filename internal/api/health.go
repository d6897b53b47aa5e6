package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
)

type healthInput struct{}

type healthOutput struct {
	Body healthResponse
}

type healthResponse struct {
	Status           string `json:"status" example:"ok" doc:"Health status of the service"`
	EngineConfigured bool   `json:"engineConfigured" doc:"Whether a local store is configured"`
	SchedulerEnabled bool   `json:"schedulerEnabled"`
}

func (h *Handler) healthCheckOp() huma.Operation {
	return huma.Operation{
		OperationID: "health-check",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check endpoint",
		Description: "Returns the health status of the service",
		Tags:        []string{"health"},
		Middlewares: h.middleware,
	}
}

func (h *Handler) healthCheck(_ context.Context, _ *healthInput) (*healthOutput, error) {
	h.log.Debug("health check request received")

	out := &healthOutput{Body: healthResponse{
		Status:           "ok",
		EngineConfigured: h.engine != nil,
	}}
	if h.scheduler != nil {
		out.Body.SchedulerEnabled = h.scheduler.Status().Enabled
	}
	return out, nil
}
