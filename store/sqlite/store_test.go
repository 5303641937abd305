package sqlite_test

import (
	"context"
	"errors"
	"testing"
	"time"

	sequent "github.com/MouMou78/NeuroVitalityCRM-sub002"
	"github.com/MouMou78/NeuroVitalityCRM-sub002/cluster"
	"github.com/MouMou78/NeuroVitalityCRM-sub002/event"
	"github.com/MouMou78/NeuroVitalityCRM-sub002/fault"
	"github.com/MouMou78/NeuroVitalityCRM-sub002/id"
	"github.com/MouMou78/NeuroVitalityCRM-sub002/score"
	"github.com/MouMou78/NeuroVitalityCRM-sub002/store/sqlite"
	"github.com/MouMou78/NeuroVitalityCRM-sub002/suppression"
	"github.com/MouMou78/NeuroVitalityCRM-sub002/workflow"
)

func setupTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.New(":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return s
}

func TestMigrateIdempotent(t *testing.T) {
	t.Parallel()
	s := setupTestStore(t)
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
}

func TestEventDedupe(t *testing.T) {
	t.Parallel()
	s := setupTestStore(t)
	ctx := context.Background()

	evt := &event.Event{
		Entity:     sequent.NewEntity(),
		ID:         id.NewEventID(),
		TenantID:   "t1",
		Type:       event.TypeEmailOpened,
		EntityType: "lead",
		EntityID:   "lead-1",
		Source:     "esp_webhook",
		OccurredAt: time.Now().UTC(),
		ReceivedAt: time.Now().UTC(),
		DedupeKey:  "k1",
		Payload:    map[string]any{"campaign": "spring"},
	}
	if err := s.InsertEvent(ctx, evt); err != nil {
		t.Fatalf("InsertEvent: %v", err)
	}
	dup := *evt
	dup.ID = id.NewEventID()
	if err := s.InsertEvent(ctx, &dup); !errors.Is(err, sequent.ErrDuplicateEvent) {
		t.Fatalf("duplicate insert: got %v, want ErrDuplicateEvent", err)
	}

	stored, err := s.GetEventByDedupeKey(ctx, "t1", "k1")
	if err != nil {
		t.Fatalf("GetEventByDedupeKey: %v", err)
	}
	if stored.Payload["campaign"] != "spring" {
		t.Fatal("payload did not round-trip")
	}

	if err := s.MarkEventProcessed(ctx, evt.ID); err != nil {
		t.Fatalf("MarkEventProcessed: %v", err)
	}
	pending, err := s.ListUnprocessedEvents(ctx, 0)
	if err != nil {
		t.Fatalf("ListUnprocessedEvents: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("unprocessed = %d, want 0", len(pending))
	}
}

func TestScoreVersionConflict(t *testing.T) {
	t.Parallel()
	s := setupTestStore(t)
	ctx := context.Background()

	row := &score.Score{
		Entity:         sequent.NewEntity(),
		TenantID:       "t1",
		EntityID:       "lead-1",
		RawScore:       25,
		Tier:           score.TierWarm,
		LastActivityAt: time.Now().UTC(),
		LastEventID:    "evt_initial",
	}
	if err := s.UpsertScore(ctx, row); err != nil {
		t.Fatalf("initial upsert: %v", err)
	}
	fresh, err := s.GetScore(ctx, "t1", "lead-1")
	if err != nil {
		t.Fatalf("GetScore: %v", err)
	}
	if fresh.LastEventID != "evt_initial" {
		t.Fatalf("last event id = %q, want evt_initial", fresh.LastEventID)
	}
	fresh.RawScore = 45
	if err := s.UpsertScore(ctx, fresh); err != nil {
		t.Fatalf("versioned upsert: %v", err)
	}
	stale := *fresh
	stale.Version--
	if err := s.UpsertScore(ctx, &stale); !errors.Is(err, sequent.ErrVersionConflict) {
		t.Fatalf("stale upsert: got %v, want ErrVersionConflict", err)
	}
}

func TestEnrollmentLifecycle(t *testing.T) {
	t.Parallel()
	s := setupTestStore(t)
	ctx := context.Background()

	wfID := id.NewWorkflowID()
	def := &workflow.Definition{
		Entity:      sequent.NewEntity(),
		ID:          wfID,
		TenantID:    "t1",
		Name:        "welcome",
		Version:     1,
		EntryNodeID: "done",
		Nodes:       []*workflow.Node{{ID: "done", Type: workflow.NodeStop, Stop: &workflow.StopConfig{Outcome: "finished"}}},
	}
	if err := s.PutDefinition(ctx, def); err != nil {
		t.Fatalf("PutDefinition: %v", err)
	}

	enr := &workflow.Enrollment{
		Entity:          sequent.NewEntity(),
		ID:              id.NewEnrollmentID(),
		WorkflowID:      wfID,
		WorkflowVersion: 1,
		TenantID:        "t1",
		EntityID:        "lead-1",
		CurrentNodeID:   "done",
		Status:          workflow.StatusActive,
		EnteredAt:       time.Now().UTC(),
		LastTransition:  time.Now().UTC(),
		Snapshot:        map[string]any{"email": "lead@example.com"},
		Version:         1,
	}
	if err := s.CreateEnrollment(ctx, enr); err != nil {
		t.Fatalf("CreateEnrollment: %v", err)
	}

	second := *enr
	second.Entity = sequent.NewEntity()
	second.ID = id.NewEnrollmentID()
	if err := s.CreateEnrollment(ctx, &second); !errors.Is(err, sequent.ErrEnrollmentExists) {
		t.Fatalf("second live enrollment: got %v, want ErrEnrollmentExists", err)
	}

	active, err := s.GetActiveEnrollment(ctx, "t1", wfID, "lead-1")
	if err != nil {
		t.Fatalf("GetActiveEnrollment: %v", err)
	}
	if active.Field("email") != "lead@example.com" {
		t.Fatal("snapshot did not round-trip")
	}

	// An active enrollment with no check time is immediately due.
	due, err := s.ListDueEnrollments(ctx, time.Now().UTC(), 10)
	if err != nil {
		t.Fatalf("ListDueEnrollments: %v", err)
	}
	if len(due) != 1 || due[0].NextCheckAt != nil {
		t.Fatalf("due = %d, want the unarmed enrollment", len(due))
	}

	past := time.Now().UTC().Add(-time.Minute)
	active.NextCheckAt = &past
	if err := s.UpdateEnrollment(ctx, active); err != nil {
		t.Fatalf("UpdateEnrollment: %v", err)
	}
	due, err = s.ListDueEnrollments(ctx, time.Now().UTC(), 10)
	if err != nil {
		t.Fatalf("ListDueEnrollments: %v", err)
	}
	if len(due) != 1 {
		t.Fatalf("due = %d, want 1", len(due))
	}

	stopped, err := s.GetEnrollment(ctx, enr.ID)
	if err != nil {
		t.Fatalf("GetEnrollment: %v", err)
	}
	stopped.Status = workflow.StatusStopped
	stopped.Outcome = "finished"
	if err := s.UpdateEnrollment(ctx, stopped); err != nil {
		t.Fatalf("terminal update: %v", err)
	}
	if _, err := s.GetActiveEnrollment(ctx, "t1", wfID, "lead-1"); !errors.Is(err, sequent.ErrEnrollmentNotFound) {
		t.Fatalf("active after stop: got %v, want ErrEnrollmentNotFound", err)
	}
}

func TestFaultLog(t *testing.T) {
	t.Parallel()
	s := setupTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	entry := &fault.Entry{
		ID:           id.NewFaultID(),
		EnrollmentID: id.NewEnrollmentID(),
		TenantID:     "t1",
		EntityID:     "lead-1",
		WorkflowID:   id.NewWorkflowID(),
		NodeID:       "send-1",
		Error:        "template missing",
		FailedAt:     now,
		CreatedAt:    now,
	}
	if err := s.PushFault(ctx, entry); err != nil {
		t.Fatalf("PushFault: %v", err)
	}

	if err := s.ReplayFault(ctx, entry.ID); err != nil {
		t.Fatalf("ReplayFault: %v", err)
	}
	replayed, err := s.GetFault(ctx, entry.ID)
	if err != nil {
		t.Fatalf("GetFault: %v", err)
	}
	if replayed.ReplayedAt == nil {
		t.Fatal("ReplayedAt not stamped")
	}

	purged, err := s.PurgeFaults(ctx, now.Add(time.Second))
	if err != nil {
		t.Fatalf("PurgeFaults: %v", err)
	}
	if purged != 1 {
		t.Fatalf("purged = %d, want 1", purged)
	}
}

func TestSuppressionLedger(t *testing.T) {
	t.Parallel()
	s := setupTestStore(t)
	ctx := context.Background()

	if err := s.SuppressEmail(ctx, "t1", "Lead@Example.com", suppression.ReasonUnsubscribe); err != nil {
		t.Fatalf("SuppressEmail: %v", err)
	}
	status, err := s.CheckSuppression(ctx, "t1", "lead@example.com")
	if err != nil {
		t.Fatalf("CheckSuppression: %v", err)
	}
	if !status.Suppressed || status.Reason != suppression.ReasonUnsubscribe {
		t.Fatalf("status = %+v, want suppressed with unsubscribe reason", status)
	}
	if err := s.UnsuppressEmail(ctx, "t1", "lead@example.com"); err != nil {
		t.Fatalf("UnsuppressEmail: %v", err)
	}
	status, err = s.CheckSuppression(ctx, "t1", "lead@example.com")
	if err != nil {
		t.Fatalf("CheckSuppression: %v", err)
	}
	if status.Suppressed {
		t.Fatal("address still suppressed after removal")
	}
}

func TestLeadershipAndLeases(t *testing.T) {
	t.Parallel()
	s := setupTestStore(t)
	ctx := context.Background()

	a, b := id.NewWorkerID(), id.NewWorkerID()
	now := time.Now().UTC()
	for _, wID := range []id.WorkerID{a, b} {
		if err := s.RegisterWorker(ctx, &cluster.Worker{ID: wID, Hostname: "host", State: cluster.WorkerActive, LastSeen: now, CreatedAt: now}); err != nil {
			t.Fatalf("RegisterWorker: %v", err)
		}
	}

	claimed, err := s.AcquireLeadership(ctx, a, time.Minute)
	if err != nil {
		t.Fatalf("AcquireLeadership: %v", err)
	}
	if !claimed {
		t.Fatal("first claim must win")
	}
	claimed, err = s.AcquireLeadership(ctx, b, time.Minute)
	if err != nil {
		t.Fatalf("AcquireLeadership contender: %v", err)
	}
	if claimed {
		t.Fatal("second claim must lose while the term holds")
	}

	granted, err := s.AcquireLease(ctx, "enrollment:abc", time.Minute)
	if err != nil {
		t.Fatalf("AcquireLease: %v", err)
	}
	if !granted {
		t.Fatal("free lease must be granted")
	}
	granted, err = s.AcquireLease(ctx, "enrollment:abc", time.Minute)
	if err != nil {
		t.Fatalf("AcquireLease held: %v", err)
	}
	if granted {
		t.Fatal("held lease must be denied")
	}
	if err := s.ReleaseLease(ctx, "enrollment:abc"); err != nil {
		t.Fatalf("ReleaseLease: %v", err)
	}
}
