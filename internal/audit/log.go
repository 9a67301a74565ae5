// Package audit records security relevant events on the shared logger.
package audit

import (
	"context"
	"errors"
	"strings"

	"github.com/fastybird/accounts-module/internal/auth"
	"github.com/fastybird/accounts-module/internal/obs"
)

// Event names emitted by the HTTP layer.
const (
	EventLogin           = "session.login"
	EventLoginFailed     = "session.login_failed"
	EventRefresh         = "session.refresh"
	EventLogout          = "session.logout"
	EventAccountCreated  = "account.created"
	EventAccountUpdated  = "account.updated"
	EventAccountDeleted  = "account.deleted"
	EventEmailChanged    = "email.changed"
	EventSecretChanged   = "identity.secret_changed"
	EventTokenRotated    = "identity.token_rotated"
	EventPasswordReset   = "identity.password_reset"
	EventRoleCreated     = "role.created"
	EventInvariantDenied = "invariant.denied"
)

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext returns the request identifier attached by WithRequestID.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// LogEvent writes an audit entry enriched with the request id and the
// authorized account, when present.
func LogEvent(ctx context.Context, event string, fields map[string]any) error {
	event = strings.TrimSpace(event)
	if event == "" {
		return errors.New("event name is required")
	}
	l := obs.Logger()
	entry := l.Info().Str("type", "audit").Str("event", event)
	if rid := RequestIDFromContext(ctx); rid != "" {
		entry = entry.Str("request_id", rid)
	}
	if grant, ok := auth.GrantFromContext(ctx); ok {
		entry = entry.Str("account_id", grant.AccountID).Str("identity_id", grant.IdentityID)
	}
	if fields == nil {
		fields = map[string]any{}
	}
	entry.Interface("fields", fields).Msg("audit")
	return nil
}
