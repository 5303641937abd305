package event_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MouMou78/NeuroVitalityCRM-sub002/event"
	"github.com/MouMou78/NeuroVitalityCRM-sub002/store/memory"
)

type captureSink struct {
	events []*event.Event
	err    error
}

func (s *captureSink) HandleEvent(_ context.Context, evt *event.Event) error {
	if s.err != nil {
		return s.err
	}
	s.events = append(s.events, evt)
	return nil
}

func openInput(dedupeKey string) event.Input {
	return event.Input{
		TenantID:   "t1",
		Type:       event.TypeEmailOpened,
		EntityType: "lead",
		EntityID:   "lead-1",
		Source:     "esp_webhook",
		DedupeKey:  dedupeKey,
	}
}

func TestDeriveDedupeKey(t *testing.T) {
	t.Parallel()

	at := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	got := event.DeriveDedupeKey(event.TypeEmailOpened, "lead-1", at)
	want := "email_opened:lead-1:2026-03-14T09:26:53Z"
	if got != want {
		t.Fatalf("DeriveDedupeKey = %q, want %q", got, want)
	}

	// Same inputs always derive the same key.
	if again := event.DeriveDedupeKey(event.TypeEmailOpened, "lead-1", at); again != got {
		t.Fatalf("derivation is not deterministic: %q vs %q", again, got)
	}
}

func TestIngestStoresAndDispatches(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := memory.New()
	sink := &captureSink{}
	ing := event.NewIngestor(st, sink, nil, nil)

	res, err := ing.Ingest(ctx, openInput("d-1"))
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if res.Duplicate {
		t.Fatal("first delivery reported as duplicate")
	}
	if res.Event.OccurredAt.IsZero() || res.Event.ReceivedAt.IsZero() {
		t.Fatal("timestamps not defaulted")
	}
	if len(sink.events) != 1 {
		t.Fatalf("sink invocations = %d, want 1", len(sink.events))
	}

	// Successful dispatch marks the event processed.
	pending, err := st.ListUnprocessedEvents(ctx, 0)
	if err != nil {
		t.Fatalf("ListUnprocessedEvents: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("unprocessed events = %d, want 0", len(pending))
	}
}

func TestIngestDuplicateIsSilent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	sink := &captureSink{}
	ing := event.NewIngestor(memory.New(), sink, nil, nil)

	first, err := ing.Ingest(ctx, openInput("d-dup"))
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	second, err := ing.Ingest(ctx, openInput("d-dup"))
	if err != nil {
		t.Fatalf("Ingest duplicate: %v", err)
	}

	if !second.Duplicate {
		t.Fatal("second delivery not reported as duplicate")
	}
	if second.Event.ID.String() != first.Event.ID.String() {
		t.Fatal("duplicate did not return the stored event")
	}
	if len(sink.events) != 1 {
		t.Fatalf("sink invocations = %d, want 1 (duplicates fire no side effects)", len(sink.events))
	}
}

func TestSinkFailureIsRecoverable(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := memory.New()
	sink := &captureSink{err: errors.New("downstream unavailable")}
	ing := event.NewIngestor(st, sink, nil, nil)

	// The event is durably stored even when the wake-up fails.
	if _, err := ing.Ingest(ctx, openInput("d-retry")); err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	pending, err := st.ListUnprocessedEvents(ctx, 0)
	if err != nil {
		t.Fatalf("ListUnprocessedEvents: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("unprocessed events = %d, want 1", len(pending))
	}

	// Once the sink recovers, replay dispatches and marks it processed.
	sink.err = nil
	n, err := ing.ReplayUnprocessed(ctx, 0)
	if err != nil {
		t.Fatalf("ReplayUnprocessed: %v", err)
	}
	if n != 1 {
		t.Fatalf("replayed = %d, want 1", n)
	}
	if len(sink.events) != 1 {
		t.Fatalf("sink invocations = %d, want 1", len(sink.events))
	}
	pending, err = st.ListUnprocessedEvents(ctx, 0)
	if err != nil {
		t.Fatalf("ListUnprocessedEvents: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("unprocessed events after replay = %d, want 0", len(pending))
	}
}

func TestIngestWithoutSink(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := memory.New()
	ing := event.NewIngestor(st, nil, nil, nil)

	if _, err := ing.Ingest(ctx, openInput("d-nosink")); err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	// Ingest-only mode leaves events for a downstream replayer.
	pending, err := st.ListUnprocessedEvents(ctx, 0)
	if err != nil {
		t.Fatalf("ListUnprocessedEvents: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("unprocessed events = %d, want 1", len(pending))
	}
}

func TestListEventsInWindow(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := memory.New()
	ing := event.NewIngestor(st, nil, nil, nil)

	old := openInput("d-old")
	old.OccurredAt = time.Now().UTC().Add(-30 * 24 * time.Hour)
	if _, err := ing.Ingest(ctx, old); err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if _, err := ing.Ingest(ctx, openInput("d-recent")); err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	recent, err := st.ListEventsInWindow(ctx, "t1", "lead-1", event.TypeEmailOpened, 7*24*time.Hour)
	if err != nil {
		t.Fatalf("ListEventsInWindow: %v", err)
	}
	if len(recent) != 1 {
		t.Fatalf("events in window = %d, want 1", len(recent))
	}
}
