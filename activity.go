package session

import (
	"context"
	"time"
)

// ActivityEventType enumerates supported activity categories.
type ActivityEventType string

const (
	ActivityEventLoginSuccess    ActivityEventType = "session.login.success"
	ActivityEventLoginFailure    ActivityEventType = "session.login.failure"
	ActivityEventRegisterSuccess ActivityEventType = "session.register.success"
	ActivityEventRegisterFailure ActivityEventType = "session.register.failure"
	ActivityEventLogout          ActivityEventType = "session.logout"
	ActivityEventRehydrate       ActivityEventType = "session.rehydrate"
	ActivityEventRoleElevated    ActivityEventType = "session.role.elevated"
	ActivityEventGuardDecision   ActivityEventType = "session.guard.decision"
)

// ActivityEvent captures audit-friendly information about a session action.
type ActivityEvent struct {
	EventType  ActivityEventType
	UserID     string
	Role       Role
	Path       string
	Metadata   map[string]any
	OccurredAt time.Time
}

// ActivitySink consumes activity events for auditing/telemetry purposes.
// Sinks run best effort, errors are logged and never change a decision.
type ActivitySink interface {
	Record(ctx context.Context, event ActivityEvent) error
}

// ActivitySinkFunc adapts a function to the ActivitySink interface.
type ActivitySinkFunc func(ctx context.Context, event ActivityEvent) error

// Record implements ActivitySink.
func (f ActivitySinkFunc) Record(ctx context.Context, event ActivityEvent) error {
	if f == nil {
		return nil
	}
	return f(ctx, event)
}

type noopActivitySink struct{}

func (noopActivitySink) Record(context.Context, ActivityEvent) error {
	return nil
}

func normalizeActivitySink(s ActivitySink) ActivitySink {
	if s == nil {
		return noopActivitySink{}
	}
	return s
}

func recordActivity(ctx context.Context, sink ActivitySink, logger Logger, now Clock, event ActivityEvent) {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = now()
	}
	if event.Metadata == nil {
		event.Metadata = map[string]any{}
	}
	if err := normalizeActivitySink(sink).Record(ctx, event); err != nil {
		normalizeLogger(logger).Warn("activity sink record error: %v", err)
	}
}
