package audit

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/platinummonkey/tollgate/pkg/contextkeys"
)

// Logger is the interface for audit logging. Implementations own storage and
// retention; callers only report events.
type Logger interface {
	// Log records an audit event
	Log(ctx context.Context, event *AuditEvent) error

	// Close flushes any buffered events
	Close() error
}

// NewEvent builds an event with the common fields filled in.
func NewEvent(ctx context.Context, eventType EventType, tenantID, actorID string) *AuditEvent {
	return &AuditEvent{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		Severity:  SeverityInfo,
		Status:    EventStatusSuccess,
		TenantID:  tenantID,
		ActorID:   actorID,
		RequestID: contextkeys.GetRequestID(ctx),
		Metadata:  make(map[string]interface{}),
	}
}

// Target sets the entity the event acted upon
func (e *AuditEvent) Target(targetType TargetType, targetID string) *AuditEvent {
	e.TargetType = targetType
	e.TargetID = targetID
	return e
}

// WithSeverity overrides the default info severity
func (e *AuditEvent) WithSeverity(severity Severity) *AuditEvent {
	e.Severity = severity
	return e
}

// WithMessage sets the human readable message
func (e *AuditEvent) WithMessage(message string) *AuditEvent {
	e.Message = message
	return e
}

// WithMeta adds a metadata entry
func (e *AuditEvent) WithMeta(key string, value interface{}) *AuditEvent {
	if e.Metadata == nil {
		e.Metadata = make(map[string]interface{})
	}
	e.Metadata[key] = value
	return e
}

// WithChanges records before/after values
func (e *AuditEvent) WithChanges(before, after map[string]interface{}) *AuditEvent {
	e.Changes = &ChangeDetails{Before: before, After: after}
	return e
}

// Failed marks the event as a failure carrying err
func (e *AuditEvent) Failed(err error) *AuditEvent {
	e.Status = EventStatusFailure
	if err != nil {
		e.ErrorMessage = err.Error()
	}
	if e.Severity == SeverityInfo {
		e.Severity = SeverityWarning
	}
	return e
}

// Denied marks the event as a refused attempt
func (e *AuditEvent) Denied(reason string) *AuditEvent {
	e.Status = EventStatusDenied
	e.ErrorMessage = reason
	if e.Severity == SeverityInfo {
		e.Severity = SeverityWarning
	}
	return e
}

// NewNoOpLogger returns a logger that discards every event
func NewNoOpLogger() Logger {
	return &noOpLogger{}
}

// noOpLogger is a logger that does nothing (used when no logger is configured)
type noOpLogger struct{}

func (l *noOpLogger) Log(ctx context.Context, event *AuditEvent) error {
	return nil
}

func (l *noOpLogger) Close() error {
	return nil
}
