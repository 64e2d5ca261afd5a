// Package activitymap flattens session activity events into a transport
// agnostic record for audit logs and event pipelines.
package activitymap

import (
	"context"
	"strings"
	"time"

	"github.com/goliatone/go-session"
)

const (
	// MetadataKeyRole stores the effective role at the time of the event.
	MetadataKeyRole = "role"
	// MetadataKeyPath stores the navigation path of guard decisions.
	MetadataKeyPath = "path"
)

const (
	defaultChannel    = "session"
	userObjectType    = "user"
	routeObjectType   = "route"
	anonymousActorID  = "anonymous"
	objectTypeUnknown = ""
)

// Normalized is a flat activity shape for downstream systems.
type Normalized struct {
	ActorID    string         `json:"actor_id"`
	Verb       string         `json:"verb"`
	ObjectType string         `json:"object_type,omitempty"`
	ObjectID   string         `json:"object_id,omitempty"`
	Channel    string         `json:"channel,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// Option customizes normalization behavior.
type Option func(*normalizeOptions)

type normalizeOptions struct {
	channel       string
	actorFallback string
	now           func() time.Time
}

// Normalize converts a session.ActivityEvent into the flat shape. Guard
// decisions are recorded against the route, everything else against the user.
func Normalize(event session.ActivityEvent, opts ...Option) Normalized {
	options := normalizeOptions{
		channel:       defaultChannel,
		actorFallback: anonymousActorID,
		now:           time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}

	userID := strings.TrimSpace(event.UserID)
	actorID := userID
	if actorID == "" {
		actorID = options.actorFallback
	}

	objectType, objectID := userObjectType, userID
	if event.EventType == session.ActivityEventGuardDecision {
		objectType, objectID = routeObjectType, strings.TrimSpace(event.Path)
	}
	if objectID == "" {
		objectType = objectTypeUnknown
	}

	occurredAt := event.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = options.now()
	}

	return Normalized{
		ActorID:    actorID,
		Verb:       string(event.EventType),
		ObjectType: objectType,
		ObjectID:   objectID,
		Channel:    options.channel,
		Metadata:   normalizeMetadata(event),
		OccurredAt: occurredAt.UTC(),
	}
}

// WithChannel sets the channel for normalized records.
func WithChannel(channel string) Option {
	return func(opts *normalizeOptions) {
		if channel = strings.TrimSpace(channel); channel != "" {
			opts.channel = channel
		}
	}
}

// WithActorFallback sets the actor id used when the event has no user.
func WithActorFallback(actorID string) Option {
	return func(opts *normalizeOptions) {
		opts.actorFallback = strings.TrimSpace(actorID)
	}
}

// WithClock sets the clock used for events without a timestamp.
func WithClock(now func() time.Time) Option {
	return func(opts *normalizeOptions) {
		if now != nil {
			opts.now = now
		}
	}
}

// Sink returns a session.ActivitySink that normalizes every event and hands
// it to emit.
func Sink(emit func(context.Context, Normalized) error, opts ...Option) session.ActivitySink {
	return session.ActivitySinkFunc(func(ctx context.Context, event session.ActivityEvent) error {
		if emit == nil {
			return nil
		}
		return emit(ctx, Normalize(event, opts...))
	})
}

func normalizeMetadata(event session.ActivityEvent) map[string]any {
	metadata := cloneMap(event.Metadata)

	if event.Role != "" {
		if metadata == nil {
			metadata = map[string]any{}
		}
		if _, exists := metadata[MetadataKeyRole]; !exists {
			metadata[MetadataKeyRole] = event.Role.String()
		}
	}

	if path := strings.TrimSpace(event.Path); path != "" {
		if metadata == nil {
			metadata = map[string]any{}
		}
		metadata[MetadataKeyPath] = path
	}

	return metadata
}

func cloneMap(in map[string]any) map[string]any {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]any, len(in))
	for key, value := range in {
		out[key] = value
	}
	return out
}
