package api

import (
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/tildaslashalef/stsync/internal/loggy"
	"github.com/tildaslashalef/stsync/internal/ulid"
)

const requestIDHeader = "X-Request-ID"

// requestID reuses the caller's request ID or issues one, echoes it back
// and stores it in the request context for the loggers
func requestID() func(huma.Context, func(huma.Context)) {
	return func(ctx huma.Context, next func(huma.Context)) {
		id := ctx.Header(requestIDHeader)
		if id == "" {
			id = ulid.RequestID()
		}
		ctx.SetHeader(requestIDHeader, id)

		next(huma.WithContext(ctx, loggy.WithRequestID(ctx.Context(), id)))
	}
}

// requestLogger logs every request once it has been served
func requestLogger(log *loggy.Logger) func(huma.Context, func(huma.Context)) {
	log = log.With("component", "http_logger")

	return func(ctx huma.Context, next func(huma.Context)) {
		start := time.Now()
		method := ctx.Method()
		path := ctx.URL().Path

		next(ctx)

		log.Info("HTTP request",
			"method", method,
			"path", path,
			"status", ctx.Status(),
			"duration", time.Since(start),
			"remote_addr", ctx.RemoteAddr(),
			"request_id", loggy.GetRequestID(ctx.Context()),
		)
	}
}
