package event

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	sequent "github.com/MouMou78/NeuroVitalityCRM-sub002"
	"github.com/MouMou78/NeuroVitalityCRM-sub002/id"
)

// Handler consumes a freshly ingested event. The workflow engine's
// HandleEvent satisfies this; the interface breaks the import cycle
// between event and workflow.
type Handler interface {
	HandleEvent(ctx context.Context, evt *Event) error
}

// Emitter emits ingestion lifecycle events.
// ext.Registry satisfies this interface.
type Emitter interface {
	EmitEventIngested(ctx context.Context, evt *Event)
	EmitEventDuplicate(ctx context.Context, tenantID, dedupeKey string)
}

// Input carries the caller-supplied fields for one ingestion.
// OccurredAt and DedupeKey are optional; see Ingest.
type Input struct {
	TenantID   string
	Type       Type
	EntityType string
	EntityID   string
	Source     string
	OccurredAt time.Time
	DedupeKey  string
	Payload    map[string]any
}

// Result reports the outcome of one ingestion. On a duplicate delivery,
// Event is the previously stored event and Duplicate is true.
type Result struct {
	Event     *Event
	Duplicate bool
}

// Ingestor owns event ingestion: dedupe-key derivation, the idempotency
// check, persistence, and the downstream wake-up.
type Ingestor struct {
	store   Store
	sink    Handler
	emitter Emitter
	logger  *slog.Logger
}

// NewIngestor creates an Ingestor. sink may be nil (ingest-only mode);
// emitter may be nil.
func NewIngestor(store Store, sink Handler, emitter Emitter, logger *slog.Logger) *Ingestor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingestor{store: store, sink: sink, emitter: emitter, logger: logger}
}

// DeriveDedupeKey builds the deterministic fallback dedupe key for events
// whose producer did not supply one. Producers with naturally idempotent
// identifiers (e.g. a webhook delivery id) should pass an explicit key:
// two distinct real events sharing a timestamp would collapse under this
// derivation.
func DeriveDedupeKey(eventType Type, entityID string, occurredAt time.Time) string {
	return string(eventType) + ":" + entityID + ":" + occurredAt.UTC().Format(time.RFC3339Nano)
}

// Ingest records one interaction event. The second delivery of the same
// (tenant, dedupe key) is discarded and reported as a duplicate — not an
// error — with no side effects fired. On a successful insert the sink is
// invoked and, if it returns nil, the event is marked processed.
//
// Ingestion and the sink wake-up are not transactional with each other;
// a crash between them is recovered by ReplayUnprocessed or by the
// scheduler's periodic sweep.
func (i *Ingestor) Ingest(ctx context.Context, in Input) (*Result, error) {
	now := time.Now().UTC()

	occurredAt := in.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = now
	}
	dedupeKey := in.DedupeKey
	if dedupeKey == "" {
		dedupeKey = DeriveDedupeKey(in.Type, in.EntityID, occurredAt)
	}

	// Fast path: already ingested.
	existing, err := i.store.GetEventByDedupeKey(ctx, in.TenantID, dedupeKey)
	if err != nil && !errors.Is(err, sequent.ErrEventNotFound) {
		return nil, fmt.Errorf("ingest lookup for key %q: %w", dedupeKey, err)
	}
	if existing != nil {
		if i.emitter != nil {
			i.emitter.EmitEventDuplicate(ctx, in.TenantID, dedupeKey)
		}
		return &Result{Event: existing, Duplicate: true}, nil
	}

	evt := &Event{
		Entity:     sequent.NewEntity(),
		ID:         id.NewEventID(),
		TenantID:   in.TenantID,
		Type:       in.Type,
		EntityType: in.EntityType,
		EntityID:   in.EntityID,
		Source:     in.Source,
		OccurredAt: occurredAt,
		ReceivedAt: now,
		Payload:    in.Payload,
		DedupeKey:  dedupeKey,
	}

	if insertErr := i.store.InsertEvent(ctx, evt); insertErr != nil {
		// A concurrent ingestion of the same key won the insert race.
		if errors.Is(insertErr, sequent.ErrDuplicateEvent) {
			if i.emitter != nil {
				i.emitter.EmitEventDuplicate(ctx, in.TenantID, dedupeKey)
			}
			stored, getErr := i.store.GetEventByDedupeKey(ctx, in.TenantID, dedupeKey)
			if getErr != nil {
				return nil, fmt.Errorf("ingest duplicate re-read for key %q: %w", dedupeKey, getErr)
			}
			return &Result{Event: stored, Duplicate: true}, nil
		}
		return nil, fmt.Errorf("ingest insert for key %q: %w", dedupeKey, insertErr)
	}

	if i.emitter != nil {
		i.emitter.EmitEventIngested(ctx, evt)
	}

	i.dispatch(ctx, evt)

	return &Result{Event: evt}, nil
}

// Store returns the ingestor's event store.
func (i *Ingestor) Store() Store { return i.store }

// ReplayUnprocessed re-dispatches events whose ingest-time wake-up was
// lost (crash between insert and sink). Returns how many events were
// dispatched. Safe to re-run: downstream consumers are idempotent per
// event and the Processed flag gates re-selection.
func (i *Ingestor) ReplayUnprocessed(ctx context.Context, limit int) (int, error) {
	events, err := i.store.ListUnprocessedEvents(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("list unprocessed events: %w", err)
	}

	dispatched := 0
	for _, evt := range events {
		if ctx.Err() != nil {
			return dispatched, ctx.Err()
		}
		i.dispatch(ctx, evt)
		dispatched++
	}
	return dispatched, nil
}

// dispatch runs the sink and marks the event processed on success.
// Sink errors are logged, not propagated: the event is durably stored
// and the recovery sweep will retry it.
func (i *Ingestor) dispatch(ctx context.Context, evt *Event) {
	if i.sink == nil {
		return
	}

	if sinkErr := i.sink.HandleEvent(ctx, evt); sinkErr != nil {
		i.logger.Error("event sink failed",
			slog.String("event_id", evt.ID.String()),
			slog.String("event_type", string(evt.Type)),
			slog.String("tenant_id", evt.TenantID),
			slog.String("error", sinkErr.Error()),
		)
		return
	}

	if markErr := i.store.MarkEventProcessed(ctx, evt.ID); markErr != nil {
		i.logger.Warn("failed to mark event processed",
			slog.String("event_id", evt.ID.String()),
			slog.String("error", markErr.Error()),
		)
	}
}
