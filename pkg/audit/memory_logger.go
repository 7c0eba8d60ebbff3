package audit

import (
	"context"
	"sync"
)

// MemoryLogger keeps events in memory. It backs tests and local development.
type MemoryLogger struct {
	mu     sync.Mutex
	events []AuditEvent
}

// NewMemoryLogger creates an empty in-memory logger
func NewMemoryLogger() *MemoryLogger {
	return &MemoryLogger{}
}

func (l *MemoryLogger) Log(ctx context.Context, event *AuditEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, *event)
	return nil
}

func (l *MemoryLogger) Close() error {
	return nil
}

// Events returns a copy of the recorded events
func (l *MemoryLogger) Events() []AuditEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]AuditEvent, len(l.events))
	copy(out, l.events)
	return out
}

// OfType returns the recorded events with the given action code
func (l *MemoryLogger) OfType(eventType EventType) []AuditEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []AuditEvent
	for _, e := range l.events {
		if e.EventType == eventType {
			out = append(out, e)
		}
	}
	return out
}
