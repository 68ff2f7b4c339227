// Package audit emits a structured trail of security-relevant events:
// session lifecycle, role and permission changes, workflow permission
// edits and execution attempts. Entries go to the shared JSON logger
// enriched with the caller identity and request id from the context.
package audit

import (
	"context"
	"strings"

	"github.com/sirupsen/logrus"

	"flowgate.org/internal/auth"
	"flowgate.org/internal/obs"
)

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// WithRequestID attaches the request identifier to the context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext returns the request id attached by WithRequestID.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// Event writes one audit entry. The event name is required; empty names
// are dropped silently so call sites stay unconditional.
func Event(ctx context.Context, event string, fields logrus.Fields) {
	event = strings.TrimSpace(event)
	if event == "" {
		return
	}
	entry := obs.Logger().WithField("type", "audit").WithField("event", event)
	if rid := RequestIDFromContext(ctx); rid != "" {
		entry = entry.WithField("request_id", rid)
	}
	if id, ok := auth.IdentityFromContext(ctx); ok {
		entry = entry.WithField("user_id", id.UserID)
	}
	if len(fields) > 0 {
		entry = entry.WithFields(fields)
	}
	entry.Info(event)
}
