package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	sequent "github.com/MouMou78/NeuroVitalityCRM-sub002"
	"github.com/MouMou78/NeuroVitalityCRM-sub002/engine"
	"github.com/MouMou78/NeuroVitalityCRM-sub002/event"
	"github.com/MouMou78/NeuroVitalityCRM-sub002/id"
	"github.com/MouMou78/NeuroVitalityCRM-sub002/rules"
	"github.com/MouMou78/NeuroVitalityCRM-sub002/store/memory"
	"github.com/MouMou78/NeuroVitalityCRM-sub002/suppression"
	"github.com/MouMou78/NeuroVitalityCRM-sub002/throttle"
	"github.com/MouMou78/NeuroVitalityCRM-sub002/workflow"
)

func buildEngine(t *testing.T, opts ...engine.Option) *engine.Engine {
	t.Helper()
	seq, err := sequent.New(sequent.WithStore(memory.New()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	eng, err := engine.Build(seq, opts...)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return eng
}

// sendAndStop is a two-node graph: send a welcome email, then stop. The
// suppressed edge routes to its own stop node so tests can observe the
// routing decision in the outcome.
func sendAndStop(tenantID string) *workflow.Definition {
	return &workflow.Definition{
		Entity:      sequent.NewEntity(),
		ID:          id.NewWorkflowID(),
		TenantID:    tenantID,
		Name:        "welcome",
		Version:     1,
		EntryNodeID: "send-welcome",
		Nodes: []*workflow.Node{
			{
				ID:   "send-welcome",
				Type: workflow.NodeSend,
				Send: &workflow.SendConfig{TemplateID: "tpl-welcome"},
				Edges: map[string]string{
					workflow.EdgeDefault:    "done",
					workflow.EdgeSuppressed: "done-suppressed",
				},
			},
			{
				ID:   "done",
				Type: workflow.NodeStop,
				Stop: &workflow.StopConfig{Outcome: "finished"},
			},
			{
				ID:   "done-suppressed",
				Type: workflow.NodeStop,
				Stop: &workflow.StopConfig{Outcome: "suppressed"},
			},
		},
	}
}

func TestBuildRequiresStore(t *testing.T) {
	t.Parallel()

	seq, err := sequent.New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := engine.Build(seq); !errors.Is(err, sequent.ErrNoStore) {
		t.Fatalf("Build without store: got %v, want ErrNoStore", err)
	}
}

func TestRegisterDefinitionValidates(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	eng := buildEngine(t)

	bad := &workflow.Definition{
		Entity:      sequent.NewEntity(),
		ID:          id.NewWorkflowID(),
		TenantID:    "t1",
		Name:        "broken",
		Version:     1,
		EntryNodeID: "missing",
		Nodes: []*workflow.Node{
			{ID: "stop", Type: workflow.NodeStop},
		},
	}
	if err := eng.RegisterDefinition(ctx, bad); !errors.Is(err, sequent.ErrInvalidDefinition) {
		t.Fatalf("RegisterDefinition: got %v, want ErrInvalidDefinition", err)
	}
}

func TestEnrollRunsToCompletion(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	eng := buildEngine(t)

	def := sendAndStop("t1")
	if err := eng.RegisterDefinition(ctx, def); err != nil {
		t.Fatalf("RegisterDefinition: %v", err)
	}

	enr, err := eng.Enroll(ctx, "t1", def.ID, "lead-1", map[string]any{"email": "lead@example.com"})
	if err != nil {
		t.Fatalf("Enroll: %v", err)
	}
	if enr.Status != workflow.StatusStopped {
		t.Fatalf("status = %q, want %q", enr.Status, workflow.StatusStopped)
	}
	if enr.Outcome != "finished" {
		t.Fatalf("outcome = %q, want finished", enr.Outcome)
	}
	if got := len(enr.PendingSends()); got != 1 {
		t.Fatalf("pending sends = %d, want 1", got)
	}

	// The send node records an email_sent marker through ingestion.
	events, err := eng.Ingestor().Store().ListEventsInWindow(ctx, "t1", "lead-1", event.TypeEmailSent, time.Hour)
	if err != nil {
		t.Fatalf("ListEventsInWindow: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("email_sent markers = %d, want 1", len(events))
	}
}

func TestSuppressedLeadRoutesSuppressedEdge(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	eng := buildEngine(t)

	def := sendAndStop("t1")
	if err := eng.RegisterDefinition(ctx, def); err != nil {
		t.Fatalf("RegisterDefinition: %v", err)
	}
	if err := eng.Ledger().SuppressEmail(ctx, "t1", "lead@example.com", suppression.ReasonUnsubscribe); err != nil {
		t.Fatalf("SuppressEmail: %v", err)
	}

	enr, err := eng.Enroll(ctx, "t1", def.ID, "lead-1", map[string]any{"email": "lead@example.com"})
	if err != nil {
		t.Fatalf("Enroll: %v", err)
	}
	if enr.Outcome != "suppressed" {
		t.Fatalf("outcome = %q, want suppressed", enr.Outcome)
	}
	if got := len(enr.PendingSends()); got != 0 {
		t.Fatalf("pending sends = %d, want 0", got)
	}
}

func TestIngestDeduplicates(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	eng := buildEngine(t)

	in := event.Input{
		TenantID:  "t1",
		Type:      event.TypeEmailOpened,
		EntityID:  "lead-1",
		DedupeKey: "open-1",
	}
	first, err := eng.Ingest(ctx, in)
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if first.Duplicate {
		t.Fatal("first delivery reported as duplicate")
	}

	second, err := eng.Ingest(ctx, in)
	if err != nil {
		t.Fatalf("Ingest (redelivery): %v", err)
	}
	if !second.Duplicate {
		t.Fatal("redelivery not reported as duplicate")
	}
	if second.Event.ID.String() != first.Event.ID.String() {
		t.Fatalf("redelivery returned event %s, want %s", second.Event.ID, first.Event.ID)
	}
}

func TestIngestUpdatesScore(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	eng := buildEngine(t)

	if _, err := eng.Ingest(ctx, event.Input{
		TenantID: "t1",
		Type:     event.TypeEmailOpened,
		EntityID: "lead-1",
	}); err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	current, err := eng.Scorer().Current(ctx, "t1", "lead-1")
	if err != nil {
		t.Fatalf("Current: %v", err)
	}
	if current <= 0 {
		t.Fatalf("score after email_opened = %d, want > 0", current)
	}
}

func TestHardBounceAutoSuppresses(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	eng := buildEngine(t)

	if _, err := eng.Ingest(ctx, event.Input{
		TenantID: "t1",
		Type:     event.TypeEmailBounced,
		EntityID: "lead-1",
		Payload:  map[string]any{"email": "lead@example.com", "bounce_type": "hard"},
	}); err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	status, err := eng.Ledger().CheckSuppression(ctx, "t1", "lead@example.com")
	if err != nil {
		t.Fatalf("CheckSuppression: %v", err)
	}
	if !status.Suppressed || status.Reason != suppression.ReasonBounce {
		t.Fatalf("status = %+v, want suppressed for bounce", status)
	}
}

func TestThrottledSendDefers(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	eng := buildEngine(t, engine.WithTenantThrottle(throttle.TenantConfig{
		TenantID:       "t1",
		SendsPerSecond: 0.001,
		Burst:          1,
	}))

	def := sendAndStop("t1")
	if err := eng.RegisterDefinition(ctx, def); err != nil {
		t.Fatalf("RegisterDefinition: %v", err)
	}

	// First enrollment consumes the burst token and completes.
	first, err := eng.Enroll(ctx, "t1", def.ID, "lead-1", map[string]any{"email": "a@example.com"})
	if err != nil {
		t.Fatalf("Enroll: %v", err)
	}
	if first.Status != workflow.StatusStopped {
		t.Fatalf("first status = %q, want stopped", first.Status)
	}

	// Second hits the rate limit: the send defers instead of executing.
	second, err := eng.Enroll(ctx, "t1", def.ID, "lead-2", map[string]any{"email": "b@example.com"})
	if err != nil {
		t.Fatalf("Enroll: %v", err)
	}
	if second.Status != workflow.StatusActive {
		t.Fatalf("second status = %q, want active", second.Status)
	}
	if second.NextCheckAt == nil {
		t.Fatal("throttled enrollment has no retry time")
	}
	if got := len(second.PendingSends()); got != 0 {
		t.Fatalf("pending sends = %d, want 0", got)
	}
}

func TestBranchOnEventWindow(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	eng := buildEngine(t)

	def := &workflow.Definition{
		Entity:      sequent.NewEntity(),
		ID:          id.NewWorkflowID(),
		TenantID:    "t1",
		Name:        "engaged-check",
		Version:     1,
		EntryNodeID: "check",
		Nodes: []*workflow.Node{
			{
				ID:   "check",
				Type: workflow.NodeBranch,
				Branch: &workflow.BranchConfig{Condition: &rules.Condition{
					Kind:      rules.KindEventWindow,
					EventType: event.TypeEmailOpened,
					Window:    sequent.Duration(7 * 24 * time.Hour),
					MinCount:  1,
				}},
				Edges: map[string]string{
					workflow.EdgeYes: "engaged",
					workflow.EdgeNo:  "cold",
				},
			},
			{ID: "engaged", Type: workflow.NodeStop, Stop: &workflow.StopConfig{Outcome: "engaged"}},
			{ID: "cold", Type: workflow.NodeStop, Stop: &workflow.StopConfig{Outcome: "cold"}},
		},
	}
	if err := eng.RegisterDefinition(ctx, def); err != nil {
		t.Fatalf("RegisterDefinition: %v", err)
	}

	if _, err := eng.Ingest(ctx, event.Input{
		TenantID: "t1", Type: event.TypeEmailOpened, EntityID: "lead-warm",
	}); err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	warm, err := eng.Enroll(ctx, "t1", def.ID, "lead-warm", nil)
	if err != nil {
		t.Fatalf("Enroll warm: %v", err)
	}
	if warm.Outcome != "engaged" {
		t.Fatalf("warm outcome = %q, want engaged", warm.Outcome)
	}

	cold, err := eng.Enroll(ctx, "t1", def.ID, "lead-cold", nil)
	if err != nil {
		t.Fatalf("Enroll cold: %v", err)
	}
	if cold.Outcome != "cold" {
		t.Fatalf("cold outcome = %q, want cold", cold.Outcome)
	}
}

func TestStartStop(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	eng := buildEngine(t)

	if err := eng.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := eng.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}
