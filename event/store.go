package event

import (
	"context"
	"time"

	"github.com/MouMou78/NeuroVitalityCRM-sub002/id"
)

// Store defines the persistence contract for events. The log is
// append-only: there is no update or delete beyond the Processed flag.
type Store interface {
	// InsertEvent persists a new event. Returns sequent.ErrDuplicateEvent
	// if an event with the same (tenant, dedupe key) already exists — the
	// uniqueness constraint is the concurrency safety net for ingestion.
	InsertEvent(ctx context.Context, evt *Event) error

	// GetEventByDedupeKey retrieves an event by its tenant-scoped dedupe
	// key. Returns sequent.ErrEventNotFound if absent.
	GetEventByDedupeKey(ctx context.Context, tenantID, dedupeKey string) (*Event, error)

	// ListEventsInWindow returns all events for the given tenant and
	// entity whose OccurredAt falls within the trailing window ending now.
	// An empty eventType matches all types. The result is a fresh snapshot;
	// callers re-query rather than resume.
	ListEventsInWindow(ctx context.Context, tenantID, entityID string, eventType Type, window time.Duration) ([]*Event, error)

	// MarkEventProcessed flips the Processed flag to true.
	MarkEventProcessed(ctx context.Context, eventID id.EventID) error

	// ListUnprocessedEvents returns events not yet absorbed downstream,
	// oldest first, up to limit (zero means no limit). Used by the
	// recovery sweep when an ingest-time wake-up was lost.
	ListUnprocessedEvents(ctx context.Context, limit int) ([]*Event, error)
}
