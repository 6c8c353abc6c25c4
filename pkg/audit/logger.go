package audit

import (
	"context"
	"sync"
	"time"
)

// Logger records and queries audit events
type Logger interface {
	// Record appends one event. Implementations fill ID and default the
	// timestamp when unset.
	Record(ctx context.Context, event *Event) error

	// Search returns events matching the filter, newest first.
	Search(ctx context.Context, filter Filter) ([]*Event, error)

	// Close flushes any buffered events
	Close() error
}

type contextKey string

const loggerKey contextKey = "audit_logger"

// WithLogger attaches an audit logger to the context
func WithLogger(ctx context.Context, logger Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// FromContext retrieves the audit logger from the context, or a no-op
// logger when none is attached.
func FromContext(ctx context.Context) Logger {
	if logger, ok := ctx.Value(loggerKey).(Logger); ok {
		return logger
	}
	return &noOpLogger{}
}

type noOpLogger struct{}

func (*noOpLogger) Record(context.Context, *Event) error             { return nil }
func (*noOpLogger) Search(context.Context, Filter) ([]*Event, error) { return nil, nil }
func (*noOpLogger) Close() error                                     { return nil }

// MemoryLogger is an in-memory Logger for tests and single-node use.
type MemoryLogger struct {
	mu     sync.Mutex
	nextID int64
	events []*Event
}

// NewMemoryLogger creates an empty in-memory logger
func NewMemoryLogger() *MemoryLogger {
	return &MemoryLogger{}
}

// Record appends one event
func (l *MemoryLogger) Record(_ context.Context, event *Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.nextID++
	event.ID = l.nextID
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	copied := *event
	l.events = append(l.events, &copied)
	return nil
}

// Search returns matching events, newest first
func (l *MemoryLogger) Search(_ context.Context, filter Filter) ([]*Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var matched []*Event
	for i := len(l.events) - 1; i >= 0; i-- {
		event := l.events[i]
		if !matches(event, filter) {
			continue
		}
		copied := *event
		matched = append(matched, &copied)
	}

	if filter.Offset > 0 {
		if filter.Offset >= len(matched) {
			return nil, nil
		}
		matched = matched[filter.Offset:]
	}
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	return matched, nil
}

// Close is a no-op for the in-memory logger
func (l *MemoryLogger) Close() error { return nil }

// Events returns a copy of all recorded events, oldest first.
func (l *MemoryLogger) Events() []*Event {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]*Event, len(l.events))
	for i, event := range l.events {
		copied := *event
		out[i] = &copied
	}
	return out
}

func matches(event *Event, filter Filter) bool {
	if filter.StartTime != nil && event.Timestamp.Before(*filter.StartTime) {
		return false
	}
	if filter.EndTime != nil && event.Timestamp.After(*filter.EndTime) {
		return false
	}
	if filter.OrganizationID != nil && event.OrganizationID != *filter.OrganizationID {
		return false
	}
	if filter.ProviderID != nil && (event.ProviderID == nil || *event.ProviderID != *filter.ProviderID) {
		return false
	}
	if len(filter.Actions) > 0 {
		found := false
		for _, action := range filter.Actions {
			if event.Action == action {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if filter.Severity != nil && event.Severity != *filter.Severity {
		return false
	}
	if filter.Category != nil && event.Category != *filter.Category {
		return false
	}
	if filter.Actor != "" && event.Actor != filter.Actor {
		return false
	}
	return true
}
