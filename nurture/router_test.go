package nurture_test

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	sequent "github.com/MouMou78/NeuroVitalityCRM-sub002"
	"github.com/MouMou78/NeuroVitalityCRM-sub002/event"
	"github.com/MouMou78/NeuroVitalityCRM-sub002/id"
	"github.com/MouMou78/NeuroVitalityCRM-sub002/nurture"
	"github.com/MouMou78/NeuroVitalityCRM-sub002/store/memory"
	"github.com/MouMou78/NeuroVitalityCRM-sub002/suppression"
	"github.com/MouMou78/NeuroVitalityCRM-sub002/workflow"
)

type fakeEnroller struct {
	enrolled []id.WorkflowID
	stopped  []id.EnrollmentID
}

func (f *fakeEnroller) EnrollLead(_ context.Context, tenantID string, workflowID id.WorkflowID, entityID string, snapshot map[string]any) (*workflow.Enrollment, error) {
	f.enrolled = append(f.enrolled, workflowID)
	return &workflow.Enrollment{
		Entity:     sequent.NewEntity(),
		ID:         id.NewEnrollmentID(),
		WorkflowID: workflowID,
		TenantID:   tenantID,
		EntityID:   entityID,
		Status:     workflow.StatusActive,
		Snapshot:   snapshot,
	}, nil
}

func (f *fakeEnroller) StopEnrollment(_ context.Context, enrollmentID id.EnrollmentID, _ string) error {
	f.stopped = append(f.stopped, enrollmentID)
	return nil
}

type fixedScore struct{ score int }

func (f fixedScore) Current(context.Context, string, string) (int, error) { return f.score, nil }

func newRouter(t *testing.T, ledger suppression.Ledger, scores nurture.ScoreReader, cfg nurture.Config) (*nurture.Router, *fakeEnroller, nurture.Store) {
	t.Helper()
	st := memory.New()
	eng := &fakeEnroller{}
	if cfg.NurtureWorkflowID.IsNil() {
		cfg.NurtureWorkflowID = id.NewWorkflowID()
	}
	return nurture.NewRouter(st, eng, ledger, scores, nil, nil, cfg), eng, st
}

func TestTryEnrolGateRejections(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	ledger := memory.New()
	if err := ledger.SuppressEmail(ctx, "t1", "bounced@example.com", suppression.ReasonBounce); err != nil {
		t.Fatalf("SuppressEmail: %v", err)
	}

	tests := []struct {
		name string
		in   nurture.GateInput
	}{
		{"open deal", nurture.GateInput{HasOpenDeal: true}},
		{"explicit negative", nurture.GateInput{ExplicitNegative: true}},
		{"suppressed address", nurture.GateInput{Address: "bounced@example.com"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r, eng, _ := newRouter(t, ledger, nil, nurture.DefaultConfig())
			_, err := r.TryEnrol(ctx, "t1", "lead-1", tt.in)
			if !errors.Is(err, sequent.ErrNurtureIneligible) {
				t.Fatalf("TryEnrol: got %v, want ErrNurtureIneligible", err)
			}
			if len(eng.enrolled) != 0 {
				t.Fatal("gate rejection must not enroll the lead anywhere")
			}
		})
	}
}

func TestTryEnrolFirstTouchWindow(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r, eng, _ := newRouter(t, nil, nil, nurture.DefaultConfig())

	before := time.Now().UTC()
	n, err := r.TryEnrol(ctx, "t1", "lead-1", nurture.GateInput{Address: "lead@example.com"})
	if err != nil {
		t.Fatalf("TryEnrol: %v", err)
	}
	after := time.Now().UTC()

	min := before.Add(30 * 24 * time.Hour)
	max := after.Add(45 * 24 * time.Hour)
	if n.NextSendAt.Before(min) || n.NextSendAt.After(max) {
		t.Fatalf("first touch at %v, want within 30 to 45 days", n.NextSendAt)
	}
	if n.Status != nurture.StatusActive {
		t.Fatalf("status = %s, want active", n.Status)
	}
	if len(eng.enrolled) != 1 {
		t.Fatalf("workflow enrollments = %d, want 1", len(eng.enrolled))
	}
	if n.EnrollmentID.IsNil() {
		t.Fatal("nurture record must reference its workflow enrollment")
	}
}

func TestTryEnrolFirstTouchAvoidsWindowBounds(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	// A spread of 3ns leaves only two interior values, so a draw that
	// could land on either bound would do so almost immediately.
	cfg := nurture.DefaultConfig()
	cfg.MinDelay = time.Hour
	cfg.MaxDelay = time.Hour + 3
	r, _, _ := newRouter(t, nil, nil, cfg)

	for i := 0; i < 64; i++ {
		n, err := r.TryEnrol(ctx, "t1", "lead-"+strconv.Itoa(i), nurture.GateInput{})
		if err != nil {
			t.Fatalf("TryEnrol: %v", err)
		}
		delay := n.NextSendAt.Sub(n.EnrolledAt)
		if delay <= cfg.MinDelay || delay >= cfg.MaxDelay {
			t.Fatalf("first touch delay = %v, want strictly inside (%v, %v)",
				delay, cfg.MinDelay, cfg.MaxDelay)
		}
	}
}

type failingNurtureStore struct {
	nurture.Store
	err error
}

func (f *failingNurtureStore) CreateNurture(context.Context, *nurture.Enrollment) error {
	return f.err
}

func TestTryEnrolUnwindsWorkflowOnNurtureWriteFailure(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	boom := errors.New("nurture write refused")
	eng := &fakeEnroller{}
	st := &failingNurtureStore{Store: memory.New(), err: boom}
	r := nurture.NewRouter(st, eng, nil, nil, nil, nil, nurture.DefaultConfig())

	if _, err := r.TryEnrol(ctx, "t1", "lead-1", nurture.GateInput{}); !errors.Is(err, boom) {
		t.Fatalf("TryEnrol: got %v, want the store failure", err)
	}
	if len(eng.enrolled) != 1 {
		t.Fatalf("enrolled = %d, want 1", len(eng.enrolled))
	}
	if len(eng.stopped) != 1 {
		t.Fatal("workflow enrollment was not stopped after the nurture write failed")
	}
}

func TestTryEnrolIsIdempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r, eng, _ := newRouter(t, nil, nil, nurture.DefaultConfig())

	first, err := r.TryEnrol(ctx, "t1", "lead-1", nurture.GateInput{})
	if err != nil {
		t.Fatalf("TryEnrol: %v", err)
	}
	second, err := r.TryEnrol(ctx, "t1", "lead-1", nurture.GateInput{HasOpenDeal: true})
	if err != nil {
		t.Fatalf("TryEnrol again: %v", err)
	}
	if second.ID.String() != first.ID.String() {
		t.Fatal("an active nurture enrollment must be returned unchanged")
	}
	if len(eng.enrolled) != 1 {
		t.Fatalf("workflow enrollments = %d, want 1", len(eng.enrolled))
	}
}

func TestReEntryOnTriggerEvent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r, eng, st := newRouter(t, nil, fixedScore{score: 0}, nurture.Config{ExclusiveTracks: true})

	n, err := r.TryEnrol(ctx, "t1", "lead-1", nurture.GateInput{})
	if err != nil {
		t.Fatalf("TryEnrol: %v", err)
	}

	primary := id.NewWorkflowID()
	fired, err := r.CheckReEntryTriggers(ctx, "t1", "lead-1", primary, event.TypeEmailClicked)
	if err != nil {
		t.Fatalf("CheckReEntryTriggers: %v", err)
	}
	if !fired {
		t.Fatal("email_clicked must fire re-entry regardless of score")
	}
	if len(eng.enrolled) != 2 || eng.enrolled[1].String() != primary.String() {
		t.Fatalf("expected re-enrollment into the primary workflow, got %v", eng.enrolled)
	}

	// Exclusive tracks: re-entry also exits the nurture side.
	exited, err := st.GetNurture(ctx, n.ID)
	if err != nil {
		t.Fatalf("GetNurture: %v", err)
	}
	if exited.Status != nurture.StatusExited {
		t.Fatalf("status = %s, want exited", exited.Status)
	}
	if len(eng.stopped) != 1 {
		t.Fatalf("stopped enrollments = %d, want 1", len(eng.stopped))
	}
}

func TestReEntryOnScoreFloor(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	tests := []struct {
		name  string
		score int
		want  bool
	}{
		{"at the floor", 60, true},
		{"below the floor", 59, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r, _, _ := newRouter(t, nil, fixedScore{score: tt.score}, nurture.Config{})
			if _, err := r.TryEnrol(ctx, "t1", "lead-1", nurture.GateInput{}); err != nil {
				t.Fatalf("TryEnrol: %v", err)
			}

			fired, err := r.CheckReEntryTriggers(ctx, "t1", "lead-1", id.NewWorkflowID(), event.TypeEmailOpened)
			if err != nil {
				t.Fatalf("CheckReEntryTriggers: %v", err)
			}
			if fired != tt.want {
				t.Fatalf("fired = %v, want %v", fired, tt.want)
			}
		})
	}
}

func TestReEntryWithoutNurtureRecord(t *testing.T) {
	t.Parallel()
	r, _, _ := newRouter(t, nil, fixedScore{score: 100}, nurture.Config{})

	fired, err := r.CheckReEntryTriggers(context.Background(), "t1", "stranger", id.NewWorkflowID(), event.TypeEmailClicked)
	if err != nil {
		t.Fatalf("CheckReEntryTriggers: %v", err)
	}
	if fired {
		t.Fatal("re-entry must not fire for leads not on the nurture track")
	}
}

func TestArchiveInactive(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r, eng, st := newRouter(t, nil, nil, nurture.DefaultConfig())

	n, err := r.TryEnrol(ctx, "t1", "lead-1", nurture.GateInput{})
	if err != nil {
		t.Fatalf("TryEnrol: %v", err)
	}

	// Fresh record: nothing to archive.
	archived, err := r.ArchiveInactive(ctx)
	if err != nil {
		t.Fatalf("ArchiveInactive: %v", err)
	}
	if archived != 0 {
		t.Fatalf("archived = %d, want 0", archived)
	}

	// Backdate the activity past the archival window.
	n.LastActivityAt = time.Now().UTC().Add(-361 * 24 * time.Hour)
	if err := st.UpdateNurture(ctx, n); err != nil {
		t.Fatalf("UpdateNurture: %v", err)
	}

	archived, err = r.ArchiveInactive(ctx)
	if err != nil {
		t.Fatalf("ArchiveInactive: %v", err)
	}
	if archived != 1 {
		t.Fatalf("archived = %d, want 1", archived)
	}
	final, err := st.GetNurture(ctx, n.ID)
	if err != nil {
		t.Fatalf("GetNurture: %v", err)
	}
	if final.Status != nurture.StatusArchived {
		t.Fatalf("status = %s, want archived", final.Status)
	}
	if len(eng.stopped) != 1 {
		t.Fatalf("stopped enrollments = %d, want 1", len(eng.stopped))
	}
}

func TestHandleEventTouchesActivity(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r, _, st := newRouter(t, nil, nil, nurture.DefaultConfig())

	n, err := r.TryEnrol(ctx, "t1", "lead-1", nurture.GateInput{})
	if err != nil {
		t.Fatalf("TryEnrol: %v", err)
	}
	n.LastActivityAt = time.Now().UTC().Add(-time.Hour)
	if err := st.UpdateNurture(ctx, n); err != nil {
		t.Fatalf("UpdateNurture: %v", err)
	}

	evt := &event.Event{
		Entity:   sequent.NewEntity(),
		ID:       id.NewEventID(),
		TenantID: "t1",
		EntityID: "lead-1",
		Type:     event.TypeEmailSent,
	}
	if err := r.HandleEvent(ctx, evt); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}

	touched, err := st.GetNurture(ctx, n.ID)
	if err != nil {
		t.Fatalf("GetNurture: %v", err)
	}
	if !touched.LastActivityAt.After(n.LastActivityAt) {
		t.Fatal("HandleEvent must advance LastActivityAt")
	}
	if touched.ContentIndex != 1 {
		t.Fatalf("ContentIndex = %d, want 1 after an observed send", touched.ContentIndex)
	}
}
