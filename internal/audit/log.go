// Package audit records security-relevant actions in an append-only store.
// The notification feed reads the same store ordered by creation time.
package audit

import (
	"context"
	"errors"
	"strings"
	"time"

	"peopledesk.org/internal/ids"
	"peopledesk.org/internal/obs"
)

// Action tags. The vocabulary is closed; consumers switch on these values.
const (
	ActionLogin                = "auth.login"
	ActionLoginFailed          = "auth.login_failed"
	ActionLocked               = "auth.locked"
	ActionLogout               = "auth.logout"
	ActionPasswordChanged      = "auth.password_changed"
	ActionLinkRequested        = "auth.link_requested"
	ActionTOTPEnabled          = "auth.2fa_enabled"
	ActionTOTPDisabled         = "auth.2fa_disabled"
	ActionTOTPEmergencyDisable = "auth.2fa_emergency_disable"
	ActionBackupCodeUsed       = "auth.backup_code_used"
	ActionUnlock               = "auth.unlock"
	ActionRotationRequired     = "auth.rotation_required"
	ActionRoleAssign           = "role.assign"
	ActionRoleRevoke           = "role.revoke"
)

// SystemActor is the actor email recorded for actions without a human actor.
const SystemActor = "system"

// Event is one immutable audit record. An empty ActorID is stored as NULL.
type Event struct {
	ID           string            `json:"id"`
	ActorID      string            `json:"actor_id,omitempty"`
	ActorEmail   string            `json:"actor_email"`
	Action       string            `json:"action"`
	ResourceType string            `json:"resource_type"`
	ResourceID   string            `json:"resource_id"`
	OldValue     map[string]any    `json:"old_value,omitempty"`
	NewValue     map[string]any    `json:"new_value,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
}

// Store persists events.
type Store interface {
	Append(ctx context.Context, event *Event) error
	// List returns at most limit events, newest first.
	List(ctx context.Context, limit int) ([]Event, error)
}

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

// Logger appends events and mirrors them to the structured log.
// Persistence failures are logged and counted but never returned: the
// mutation an event describes has already happened.
type Logger struct {
	store Store
	now   func() time.Time
}

// NewLogger constructs a Logger over store. now may be nil.
func NewLogger(store Store, now func() time.Time) *Logger {
	if now == nil {
		now = time.Now
	}
	return &Logger{store: store, now: now}
}

// Record writes event, filling ID, CreatedAt and the request id.
func (l *Logger) Record(ctx context.Context, event Event) {
	if l == nil {
		return
	}
	if err := validate(event); err != nil {
		obs.Error("audit event rejected", map[string]any{"error": err, "action": event.Action})
		return
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = l.now().UTC()
	}
	if event.ID == "" {
		event.ID = ids.NewAt(event.CreatedAt)
	}
	if rid := RequestIDFromContext(ctx); rid != "" {
		md := make(map[string]string, len(event.Metadata)+1)
		for k, v := range event.Metadata {
			md[k] = v
		}
		md["request_id"] = rid
		event.Metadata = md
	}

	fields := map[string]any{
		"type":          "audit",
		"event":         event.Action,
		"audit_id":      event.ID,
		"actor_email":   event.ActorEmail,
		"resource_type": event.ResourceType,
		"resource_id":   event.ResourceID,
	}
	if event.ActorID != "" {
		fields["actor_id"] = event.ActorID
	}
	if rid := event.Metadata["request_id"]; rid != "" {
		fields["request_id"] = rid
	}
	obs.Info("audit", fields)

	if l.store == nil {
		return
	}
	if err := l.store.Append(ctx, &event); err != nil {
		obs.ObserveAuditFailure()
		obs.Error("audit append failed", map[string]any{
			"error":    err,
			"action":   event.Action,
			"audit_id": event.ID,
		})
	}
}

func validate(e Event) error {
	if strings.TrimSpace(e.Action) == "" {
		return errors.New("audit: action is required")
	}
	if strings.TrimSpace(e.ActorEmail) == "" {
		return errors.New("audit: actor email is required")
	}
	return nil
}
