package workflow_test

import (
	"context"
	"errors"
	"testing"
	"time"

	sequent "github.com/MouMou78/NeuroVitalityCRM-sub002"
	"github.com/MouMou78/NeuroVitalityCRM-sub002/event"
	"github.com/MouMou78/NeuroVitalityCRM-sub002/id"
	"github.com/MouMou78/NeuroVitalityCRM-sub002/rules"
	"github.com/MouMou78/NeuroVitalityCRM-sub002/score"
	"github.com/MouMou78/NeuroVitalityCRM-sub002/store/memory"
	"github.com/MouMou78/NeuroVitalityCRM-sub002/workflow"
)

type captureFaults struct {
	nodes  []string
	causes []error
}

func (c *captureFaults) RecordFault(_ context.Context, _ *workflow.Enrollment, nodeID string, cause error) error {
	c.nodes = append(c.nodes, nodeID)
	c.causes = append(c.causes, cause)
	return nil
}

type deniedLocker struct{}

func (deniedLocker) AcquireLease(context.Context, string, time.Duration) (bool, error) {
	return false, nil
}
func (deniedLocker) ReleaseLease(context.Context, string) error { return nil }

func putDefinition(t *testing.T, st workflow.Store, tenantID, entry string, nodes ...*workflow.Node) id.WorkflowID {
	t.Helper()
	def := &workflow.Definition{
		Entity:      sequent.NewEntity(),
		ID:          id.NewWorkflowID(),
		TenantID:    tenantID,
		Name:        "test-workflow",
		Version:     1,
		EntryNodeID: entry,
		Nodes:       nodes,
	}
	if err := workflow.Validate(def); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if err := st.PutDefinition(context.Background(), def); err != nil {
		t.Fatalf("PutDefinition: %v", err)
	}
	return def.ID
}

func stopNode(nodeID, outcome string) *workflow.Node {
	return &workflow.Node{ID: nodeID, Type: workflow.NodeStop, Stop: &workflow.StopConfig{Outcome: outcome}}
}

func waitNode(nodeID string, d time.Duration, next string) *workflow.Node {
	return &workflow.Node{
		ID:    nodeID,
		Type:  workflow.NodeWait,
		Wait:  &workflow.WaitConfig{Duration: sequent.Duration(d)},
		Edges: map[string]string{workflow.EdgeDefault: next},
	}
}

func TestEnrollIsIdempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := memory.New()
	eng := workflow.NewEngine(st)
	wfID := putDefinition(t, st, "t1", "hold",
		waitNode("hold", time.Hour, "done"),
		stopNode("done", "finished"),
	)

	first, err := eng.EnrollLead(ctx, "t1", wfID, "lead-1", nil)
	if err != nil {
		t.Fatalf("EnrollLead: %v", err)
	}
	second, err := eng.EnrollLead(ctx, "t1", wfID, "lead-1", nil)
	if err != nil {
		t.Fatalf("EnrollLead again: %v", err)
	}
	if second.ID.String() != first.ID.String() {
		t.Fatal("re-enrolling a live lead must return the existing enrollment")
	}
}

func TestEnrollUnknownWorkflow(t *testing.T) {
	t.Parallel()
	eng := workflow.NewEngine(memory.New())

	_, err := eng.EnrollLead(context.Background(), "t1", id.NewWorkflowID(), "lead-1", nil)
	if !errors.Is(err, sequent.ErrWorkflowNotFound) {
		t.Fatalf("EnrollLead: got %v, want ErrWorkflowNotFound", err)
	}
}

func TestWaitArmsThenSweepAdvances(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := memory.New()
	eng := workflow.NewEngine(st)
	wfID := putDefinition(t, st, "t1", "hold",
		waitNode("hold", time.Hour, "done"),
		stopNode("done", "finished"),
	)

	enr, err := eng.EnrollLead(ctx, "t1", wfID, "lead-1", nil)
	if err != nil {
		t.Fatalf("EnrollLead: %v", err)
	}
	if enr.Status != workflow.StatusActive {
		t.Fatalf("status = %s, want active", enr.Status)
	}
	if enr.NextCheckAt == nil {
		t.Fatal("wait node did not arm NextCheckAt")
	}

	// Not due yet: the sweep leaves it alone.
	res, err := eng.ProcessDueEnrollments(ctx)
	if err != nil {
		t.Fatalf("ProcessDueEnrollments: %v", err)
	}
	if res.Due != 0 {
		t.Fatalf("due = %d, want 0", res.Due)
	}

	// Rewind the check time to simulate the wait elapsing.
	past := time.Now().UTC().Add(-time.Minute)
	enr.NextCheckAt = &past
	if err := st.UpdateEnrollment(ctx, enr); err != nil {
		t.Fatalf("UpdateEnrollment: %v", err)
	}

	res, err = eng.ProcessDueEnrollments(ctx)
	if err != nil {
		t.Fatalf("ProcessDueEnrollments: %v", err)
	}
	if res.Due != 1 || res.Advanced != 1 || res.Failed != 0 {
		t.Fatalf("sweep result = %+v, want 1 due, 1 advanced", res)
	}

	final, err := st.GetEnrollment(ctx, enr.ID)
	if err != nil {
		t.Fatalf("GetEnrollment: %v", err)
	}
	if final.Status != workflow.StatusStopped || final.Outcome != "finished" {
		t.Fatalf("enrollment = %s/%s, want stopped/finished", final.Status, final.Outcome)
	}
}

func TestSweepRecoversEnrollmentWithoutCheckTime(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := memory.New()
	eng := workflow.NewEngine(st)
	wfID := putDefinition(t, st, "t1", "hold",
		waitNode("hold", time.Hour, "done"),
		stopNode("done", "finished"),
	)

	// An active enrollment with no NextCheckAt: created but never
	// advanced, as after a crash between creation and the first hop.
	now := time.Now().UTC()
	enr := &workflow.Enrollment{
		Entity:          sequent.NewEntity(),
		ID:              id.NewEnrollmentID(),
		WorkflowID:      wfID,
		WorkflowVersion: 1,
		TenantID:        "t1",
		EntityID:        "lead-1",
		CurrentNodeID:   "hold",
		Status:          workflow.StatusActive,
		EnteredAt:       now,
		LastTransition:  now,
		Version:         1,
	}
	if err := st.CreateEnrollment(ctx, enr); err != nil {
		t.Fatalf("CreateEnrollment: %v", err)
	}

	res, err := eng.ProcessDueEnrollments(ctx)
	if err != nil {
		t.Fatalf("ProcessDueEnrollments: %v", err)
	}
	if res.Due != 1 || res.Advanced != 1 {
		t.Fatalf("sweep result = %+v, want the unarmed enrollment recovered", res)
	}

	final, err := st.GetEnrollment(ctx, enr.ID)
	if err != nil {
		t.Fatalf("GetEnrollment: %v", err)
	}
	if final.Status != workflow.StatusActive {
		t.Fatalf("status = %s, want active", final.Status)
	}
	if final.NextCheckAt == nil {
		t.Fatal("sweep did not re-arm NextCheckAt")
	}
}

func TestEventWakeBypassesPendingWait(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := memory.New()
	eng := workflow.NewEngine(st)
	wfID := putDefinition(t, st, "t1", "hold",
		waitNode("hold", 24*time.Hour, "done"),
		stopNode("done", "finished"),
	)

	enr, err := eng.EnrollLead(ctx, "t1", wfID, "lead-1", nil)
	if err != nil {
		t.Fatalf("EnrollLead: %v", err)
	}

	evt := &event.Event{
		Entity:   sequent.NewEntity(),
		ID:       id.NewEventID(),
		TenantID: "t1",
		EntityID: "lead-1",
		Type:     event.TypeEmailClicked,
	}
	if err := eng.HandleEvent(ctx, evt); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}

	final, err := st.GetEnrollment(ctx, enr.ID)
	if err != nil {
		t.Fatalf("GetEnrollment: %v", err)
	}
	if final.Status != workflow.StatusStopped {
		t.Fatalf("status = %s, want stopped (live events bypass pending waits)", final.Status)
	}
}

func TestPauseResume(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := memory.New()
	eng := workflow.NewEngine(st)
	wfID := putDefinition(t, st, "t1", "hold",
		waitNode("hold", 24*time.Hour, "done"),
		stopNode("done", "finished"),
	)

	enr, err := eng.EnrollLead(ctx, "t1", wfID, "lead-1", nil)
	if err != nil {
		t.Fatalf("EnrollLead: %v", err)
	}

	if err := eng.Pause(ctx, enr.ID); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if err := eng.Pause(ctx, enr.ID); !errors.Is(err, sequent.ErrInvalidState) {
		t.Fatalf("double pause: got %v, want ErrInvalidState", err)
	}

	// Paused enrollments ignore event wakes.
	evt := &event.Event{
		Entity:   sequent.NewEntity(),
		ID:       id.NewEventID(),
		TenantID: "t1",
		EntityID: "lead-1",
		Type:     event.TypeEmailClicked,
	}
	if err := eng.HandleEvent(ctx, evt); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}
	paused, err := st.GetEnrollment(ctx, enr.ID)
	if err != nil {
		t.Fatalf("GetEnrollment: %v", err)
	}
	if paused.Status != workflow.StatusPaused {
		t.Fatalf("status = %s, want paused", paused.Status)
	}

	if err := eng.Resume(ctx, enr.ID); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	resumed, err := st.GetEnrollment(ctx, enr.ID)
	if err != nil {
		t.Fatalf("GetEnrollment: %v", err)
	}
	if resumed.Status != workflow.StatusActive {
		t.Fatalf("status = %s, want active", resumed.Status)
	}
	if err := eng.Resume(ctx, enr.ID); !errors.Is(err, sequent.ErrInvalidState) {
		t.Fatalf("double resume: got %v, want ErrInvalidState", err)
	}
}

func TestStopEnrollmentIsFinal(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := memory.New()
	eng := workflow.NewEngine(st)
	wfID := putDefinition(t, st, "t1", "hold",
		waitNode("hold", 24*time.Hour, "done"),
		stopNode("done", "finished"),
	)

	enr, err := eng.EnrollLead(ctx, "t1", wfID, "lead-1", nil)
	if err != nil {
		t.Fatalf("EnrollLead: %v", err)
	}

	if err := eng.StopEnrollment(ctx, enr.ID, "disqualified"); err != nil {
		t.Fatalf("StopEnrollment: %v", err)
	}
	final, err := st.GetEnrollment(ctx, enr.ID)
	if err != nil {
		t.Fatalf("GetEnrollment: %v", err)
	}
	if final.Status != workflow.StatusStopped || final.Outcome != "disqualified" {
		t.Fatalf("enrollment = %s/%s, want stopped/disqualified", final.Status, final.Outcome)
	}

	if err := eng.StopEnrollment(ctx, enr.ID, "again"); !errors.Is(err, sequent.ErrInvalidState) {
		t.Fatalf("stopping a terminal enrollment: got %v, want ErrInvalidState", err)
	}
}

func TestBranchRoutesOnSnapshotField(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := memory.New()
	scorer := score.NewScorer(st, nil, nil)
	eng := workflow.NewEngine(st,
		workflow.WithEvaluator(rules.NewEvaluator(st, scorer, nil)),
	)
	wfID := putDefinition(t, st, "t1", "segment",
		&workflow.Node{
			ID:   "segment",
			Type: workflow.NodeBranch,
			Branch: &workflow.BranchConfig{
				Condition: rules.FieldCompare("industry", rules.OpEq, "fintech"),
			},
			Edges: map[string]string{
				workflow.EdgeYes: "done-fintech",
				workflow.EdgeNo:  "done-other",
			},
		},
		stopNode("done-fintech", "fintech"),
		stopNode("done-other", "other"),
	)

	tests := []struct {
		entityID string
		industry string
		want     string
	}{
		{"lead-fin", "fintech", "fintech"},
		{"lead-ret", "retail", "other"},
	}
	for _, tt := range tests {
		enr, err := eng.EnrollLead(ctx, "t1", wfID, tt.entityID, map[string]any{"industry": tt.industry})
		if err != nil {
			t.Fatalf("EnrollLead(%s): %v", tt.entityID, err)
		}
		if enr.Outcome != tt.want {
			t.Errorf("outcome for industry %q = %q, want %q", tt.industry, enr.Outcome, tt.want)
		}
	}
}

func TestUpdateNodeMergesSnapshotAndAdjustsScore(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := memory.New()
	scorer := score.NewScorer(st, nil, nil)
	eng := workflow.NewEngine(st, workflow.WithScorer(scorer))
	wfID := putDefinition(t, st, "t1", "tag",
		&workflow.Node{
			ID:   "tag",
			Type: workflow.NodeUpdate,
			Update: &workflow.UpdateConfig{
				Fields:     map[string]any{"stage": "engaged"},
				ScoreDelta: 15,
			},
			Edges: map[string]string{workflow.EdgeDefault: "done"},
		},
		stopNode("done", "finished"),
	)

	enr, err := eng.EnrollLead(ctx, "t1", wfID, "lead-1", map[string]any{"email": "lead@example.com"})
	if err != nil {
		t.Fatalf("EnrollLead: %v", err)
	}
	if got := enr.Field("stage"); got != "engaged" {
		t.Fatalf("snapshot stage = %v, want engaged", got)
	}
	if got := enr.Field("email"); got != "lead@example.com" {
		t.Fatal("update node must merge, not replace, the snapshot")
	}

	current, err := scorer.Current(ctx, "t1", "lead-1")
	if err != nil {
		t.Fatalf("Current: %v", err)
	}
	if current != 15 {
		t.Fatalf("score = %d, want 15", current)
	}
}

func TestSendWithoutAddressSkipsNode(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := memory.New()
	eng := workflow.NewEngine(st)
	wfID := putDefinition(t, st, "t1", "welcome",
		&workflow.Node{
			ID:    "welcome",
			Type:  workflow.NodeSend,
			Send:  &workflow.SendConfig{TemplateID: "tpl-welcome"},
			Edges: map[string]string{workflow.EdgeDefault: "done"},
		},
		stopNode("done", "finished"),
	)

	enr, err := eng.EnrollLead(ctx, "t1", wfID, "lead-1", nil)
	if err != nil {
		t.Fatalf("EnrollLead: %v", err)
	}
	if enr.Status != workflow.StatusStopped {
		t.Fatalf("status = %s, want stopped (missing address skips, never faults)", enr.Status)
	}
	if len(enr.PendingSends()) != 0 {
		t.Fatal("no send intent may be queued without a recipient address")
	}
}

func TestCrossEnroll(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := memory.New()
	eng := workflow.NewEngine(st)
	nestedID := putDefinition(t, st, "t1", "hold",
		waitNode("hold", 24*time.Hour, "done"),
		stopNode("done", "finished"),
	)
	outerID := putDefinition(t, st, "t1", "fanout",
		&workflow.Node{
			ID:    "fanout",
			Type:  workflow.NodeEnrol,
			Enrol: &workflow.EnrolConfig{WorkflowID: nestedID},
			Edges: map[string]string{workflow.EdgeDefault: "done"},
		},
		stopNode("done", "finished"),
	)

	snapshot := map[string]any{"industry": "fintech"}
	if _, err := eng.EnrollLead(ctx, "t1", outerID, "lead-1", snapshot); err != nil {
		t.Fatalf("EnrollLead: %v", err)
	}

	nested, err := st.GetActiveEnrollment(ctx, "t1", nestedID, "lead-1")
	if err != nil {
		t.Fatalf("GetActiveEnrollment: %v", err)
	}
	if got := nested.Field("industry"); got != "fintech" {
		t.Fatal("cross-enrollment must carry the snapshot forward")
	}
}

func TestHopBudgetExhaustion(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := memory.New()
	faults := &captureFaults{}
	eng := workflow.NewEngine(st, workflow.WithFaultSink(faults))
	wfID := putDefinition(t, st, "t1", "ping",
		&workflow.Node{
			ID:     "ping",
			Type:   workflow.NodeUpdate,
			Update: &workflow.UpdateConfig{Fields: map[string]any{"last": "ping"}},
			Edges:  map[string]string{workflow.EdgeDefault: "pong"},
		},
		&workflow.Node{
			ID:     "pong",
			Type:   workflow.NodeUpdate,
			Update: &workflow.UpdateConfig{Fields: map[string]any{"last": "pong"}},
			Edges:  map[string]string{workflow.EdgeDefault: "ping"},
		},
	)

	enr, err := eng.EnrollLead(ctx, "t1", wfID, "lead-1", nil)
	if err != nil {
		t.Fatalf("EnrollLead: %v", err)
	}
	if enr.Status != workflow.StatusActive {
		t.Fatalf("status = %s, want active (budget exhaustion never terminates)", enr.Status)
	}
	if len(faults.nodes) != 1 {
		t.Fatalf("recorded faults = %d, want 1", len(faults.nodes))
	}

	// Exhaustion leaves NextCheckAt unset; the sweep must still see the
	// enrollment and retry it rather than strand the lead.
	res, err := eng.ProcessDueEnrollments(ctx)
	if err != nil {
		t.Fatalf("ProcessDueEnrollments: %v", err)
	}
	if res.Due != 1 || res.Failed != 1 {
		t.Fatalf("sweep result = %+v, want the exhausted enrollment retried", res)
	}
	if len(faults.nodes) != 2 {
		t.Fatalf("recorded faults = %d, want 2 after retry", len(faults.nodes))
	}
}

func TestHeldLeaseSkipsAdvancement(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := memory.New()
	eng := workflow.NewEngine(st, workflow.WithLocker(deniedLocker{}))
	wfID := putDefinition(t, st, "t1", "done",
		stopNode("done", "finished"),
	)

	enr, err := eng.EnrollLead(ctx, "t1", wfID, "lead-1", nil)
	if err != nil {
		t.Fatalf("EnrollLead: %v", err)
	}
	if enr.Status != workflow.StatusActive || enr.CurrentNodeID != "done" {
		t.Fatalf("enrollment = %s at %q, want untouched active at entry", enr.Status, enr.CurrentNodeID)
	}
}

func TestRunningOffTheGraphCompletes(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := memory.New()
	eng := workflow.NewEngine(st)
	wfID := putDefinition(t, st, "t1", "tag",
		&workflow.Node{
			ID:     "tag",
			Type:   workflow.NodeUpdate,
			Update: &workflow.UpdateConfig{Fields: map[string]any{"stage": "done"}},
		},
	)

	enr, err := eng.EnrollLead(ctx, "t1", wfID, "lead-1", nil)
	if err != nil {
		t.Fatalf("EnrollLead: %v", err)
	}
	if enr.Status != workflow.StatusCompleted || enr.Outcome != workflow.OutcomeCompleted {
		t.Fatalf("enrollment = %s/%s, want completed/completed", enr.Status, enr.Outcome)
	}
}
