package event

import "context"

// Store persists and retrieves events.
type Store interface {
	// Append persists one or more events atomically. An event whose
	// ExternalRef was already recorded fails with store.ErrDuplicate.
	Append(ctx context.Context, events ...Event) error
	// Load returns all events for an aggregate, ordered by version.
	Load(ctx context.Context, aggregateID string) ([]Event, error)
	// LoadByType returns events filtered by type.
	LoadByType(ctx context.Context, eventType Type) ([]Event, error)
	// HasExternalRef reports whether an event with the given external
	// reference was recorded.
	HasExternalRef(ctx context.Context, ref string) (bool, error)
}
