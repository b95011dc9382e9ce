// Package shield provides the HTTP middleware stack for the check-in
// API: security headers, request tracing with a per-request structured
// logger, body limits, and per-IP rate limiting on the expensive
// endpoints.
//
// Usage:
//
//	r := chi.NewRouter()
//	for _, mw := range shield.DefaultStack() {
//	    r.Use(mw)
//	}
package shield

import (
	"context"
	"log/slog"
	"net/http"
)

type contextKey string

// LoggerKey is the context key for the per-request structured logger.
const LoggerKey contextKey = "shield_logger"

// GetLogger retrieves the per-request logger from the context. Returns
// slog.Default() if no logger was set.
func GetLogger(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(LoggerKey).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}

// DefaultStack returns the standard middleware stack for the check-in
// API, ordered SecurityHeaders → MaxJSONBody → TraceID.
func DefaultStack() []func(http.Handler) http.Handler {
	return []func(http.Handler) http.Handler{
		SecurityHeaders(DefaultHeaders()),
		MaxJSONBody(256 * 1024),
		TraceID,
	}
}
