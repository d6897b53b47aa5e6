package api

import (
	"errors"

	"github.com/danielgtaylor/huma/v2"

	"github.com/tildaslashalef/stsync/internal/sync"
	"github.com/tildaslashalef/stsync/internal/webhook"
)

func errUnavailable() error {
	return huma.Error503ServiceUnavailable("sync engine is not configured: set up the local database")
}

// toHTTPError maps domain errors to status errors. Anything unknown is
// logged and reported as a 500 without its details.
func (h *Handler) toHTTPError(err error, msg string) error {
	switch {
	case errors.Is(err, sync.ErrNotFound):
		return huma.Error404NotFound(msg)
	case errors.Is(err, sync.ErrSyncInProgress), errors.Is(err, sync.ErrConflictResolved):
		return huma.Error409Conflict(err.Error())
	case errors.Is(err, sync.ErrUnknownEntityType),
		errors.Is(err, sync.ErrInvalidResolution),
		errors.Is(err, webhook.ErrInvalidSubscription):
		return huma.Error400BadRequest(err.Error())
	case errors.Is(err, sync.ErrEngineUnavailable):
		return errUnavailable()
	default:
		h.log.WithError(err).Error(msg)
		return huma.Error500InternalServerError(msg)
	}
}
