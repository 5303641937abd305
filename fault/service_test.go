package fault_test

import (
	"context"
	"errors"
	"testing"
	"time"

	sequent "github.com/MouMou78/NeuroVitalityCRM-sub002"
	"github.com/MouMou78/NeuroVitalityCRM-sub002/fault"
	"github.com/MouMou78/NeuroVitalityCRM-sub002/id"
	"github.com/MouMou78/NeuroVitalityCRM-sub002/store/memory"
	"github.com/MouMou78/NeuroVitalityCRM-sub002/workflow"
)

type fakeAdvancer struct {
	advanced []id.EnrollmentID
	err      error
}

func (f *fakeAdvancer) AdvanceEnrollment(_ context.Context, enrollmentID id.EnrollmentID) error {
	if f.err != nil {
		return f.err
	}
	f.advanced = append(f.advanced, enrollmentID)
	return nil
}

func testEnrollment(tenantID string) *workflow.Enrollment {
	return &workflow.Enrollment{
		Entity:     sequent.NewEntity(),
		ID:         id.NewEnrollmentID(),
		WorkflowID: id.NewWorkflowID(),
		TenantID:   tenantID,
		EntityID:   "lead-1",
		Status:     workflow.StatusActive,
	}
}

func TestRecordAndListFaults(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc := fault.NewService(memory.New(), nil, nil)

	if err := svc.RecordFault(ctx, testEnrollment("t1"), "send-1", errors.New("template missing")); err != nil {
		t.Fatalf("RecordFault: %v", err)
	}
	if err := svc.RecordFault(ctx, testEnrollment("t2"), "wait-1", errors.New("bad duration")); err != nil {
		t.Fatalf("RecordFault: %v", err)
	}

	all, err := svc.FaultStore().ListFaults(ctx, fault.ListOpts{})
	if err != nil {
		t.Fatalf("ListFaults: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("faults = %d, want 2", len(all))
	}

	scoped, err := svc.FaultStore().ListFaults(ctx, fault.ListOpts{TenantID: "t1"})
	if err != nil {
		t.Fatalf("ListFaults: %v", err)
	}
	if len(scoped) != 1 || scoped[0].NodeID != "send-1" {
		t.Fatalf("tenant-scoped faults = %d, want the single t1 entry", len(scoped))
	}

	count, err := svc.FaultStore().CountFaults(ctx)
	if err != nil {
		t.Fatalf("CountFaults: %v", err)
	}
	if count != 2 {
		t.Fatalf("count = %d, want 2", count)
	}
}

func TestReplayMarksAndAdvances(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := memory.New()
	adv := &fakeAdvancer{}
	svc := fault.NewService(st, adv, nil)

	enr := testEnrollment("t1")
	if err := svc.RecordFault(ctx, enr, "send-1", errors.New("throttled backend")); err != nil {
		t.Fatalf("RecordFault: %v", err)
	}
	entries, err := st.ListFaults(ctx, fault.ListOpts{})
	if err != nil {
		t.Fatalf("ListFaults: %v", err)
	}

	if err := svc.Replay(ctx, entries[0].ID); err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if len(adv.advanced) != 1 || adv.advanced[0].String() != enr.ID.String() {
		t.Fatal("replay must re-advance the faulted enrollment")
	}

	replayed, err := st.GetFault(ctx, entries[0].ID)
	if err != nil {
		t.Fatalf("GetFault: %v", err)
	}
	if replayed.ReplayedAt == nil {
		t.Fatal("replay must stamp ReplayedAt")
	}
}

func TestReplaySurfacesAdvancementFailure(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := memory.New()
	boom := errors.New("node still failing")
	svc := fault.NewService(st, &fakeAdvancer{err: boom}, nil)

	if err := svc.RecordFault(ctx, testEnrollment("t1"), "send-1", errors.New("original cause")); err != nil {
		t.Fatalf("RecordFault: %v", err)
	}
	entries, err := st.ListFaults(ctx, fault.ListOpts{})
	if err != nil {
		t.Fatalf("ListFaults: %v", err)
	}

	if err := svc.Replay(ctx, entries[0].ID); !errors.Is(err, boom) {
		t.Fatalf("Replay: got %v, want advancement failure", err)
	}
}

func TestReplayUnknownFault(t *testing.T) {
	t.Parallel()
	svc := fault.NewService(memory.New(), nil, nil)

	if err := svc.Replay(context.Background(), id.NewFaultID()); !errors.Is(err, sequent.ErrFaultNotFound) {
		t.Fatalf("Replay: got %v, want ErrFaultNotFound", err)
	}
}

func TestPurgeExpired(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := memory.New()
	svc := fault.NewService(st, nil, nil)

	old := &fault.Entry{
		ID:           id.NewFaultID(),
		EnrollmentID: id.NewEnrollmentID(),
		TenantID:     "t1",
		NodeID:       "send-1",
		Error:        "stale failure",
		FailedAt:     time.Now().UTC().Add(-31 * 24 * time.Hour),
		CreatedAt:    time.Now().UTC().Add(-31 * 24 * time.Hour),
	}
	if err := st.PushFault(ctx, old); err != nil {
		t.Fatalf("PushFault: %v", err)
	}
	if err := svc.RecordFault(ctx, testEnrollment("t1"), "send-2", errors.New("fresh failure")); err != nil {
		t.Fatalf("RecordFault: %v", err)
	}

	purged, err := svc.PurgeExpired(ctx, 30*24*time.Hour)
	if err != nil {
		t.Fatalf("PurgeExpired: %v", err)
	}
	if purged != 1 {
		t.Fatalf("purged = %d, want 1", purged)
	}

	remaining, err := st.CountFaults(ctx)
	if err != nil {
		t.Fatalf("CountFaults: %v", err)
	}
	if remaining != 1 {
		t.Fatalf("remaining = %d, want 1", remaining)
	}
}
