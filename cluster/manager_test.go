package cluster_test

import (
	"context"
	"testing"
	"time"

	"github.com/MouMou78/NeuroVitalityCRM-sub002/cluster"
	"github.com/MouMou78/NeuroVitalityCRM-sub002/store/memory"
)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

func TestStartAcquiresLeadership(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := memory.New()
	m := cluster.NewManager(st,
		cluster.WithHostname("test-host"),
		cluster.WithHeartbeatInterval(10*time.Millisecond),
		cluster.WithLeaderTTL(time.Minute),
	)

	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !waitFor(t, time.Second, m.IsLeader) {
		t.Fatal("sole worker never acquired leadership")
	}

	workers, err := st.ListWorkers(ctx)
	if err != nil {
		t.Fatalf("ListWorkers: %v", err)
	}
	if len(workers) != 1 || workers[0].Hostname != "test-host" {
		t.Fatalf("workers = %d, want the one registered instance", len(workers))
	}

	leader, err := st.GetLeader(ctx)
	if err != nil {
		t.Fatalf("GetLeader: %v", err)
	}
	if leader == nil || leader.ID.String() != m.WorkerID().String() {
		t.Fatal("store leader does not match the manager's worker")
	}

	if err := m.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if m.IsLeader() {
		t.Fatal("a stopped manager must not report leadership")
	}
	workers, err = st.ListWorkers(ctx)
	if err != nil {
		t.Fatalf("ListWorkers: %v", err)
	}
	if len(workers) != 0 {
		t.Fatalf("workers after Stop = %d, want 0", len(workers))
	}
}

func TestSecondWorkerDoesNotLead(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := memory.New()

	first := cluster.NewManager(st,
		cluster.WithHeartbeatInterval(10*time.Millisecond),
		cluster.WithLeaderTTL(time.Minute),
	)
	if err := first.Start(ctx); err != nil {
		t.Fatalf("Start first: %v", err)
	}
	defer first.Stop(ctx)
	if !waitFor(t, time.Second, first.IsLeader) {
		t.Fatal("first worker never acquired leadership")
	}

	second := cluster.NewManager(st,
		cluster.WithHeartbeatInterval(10*time.Millisecond),
		cluster.WithLeaderTTL(time.Minute),
	)
	if err := second.Start(ctx); err != nil {
		t.Fatalf("Start second: %v", err)
	}
	defer second.Stop(ctx)

	time.Sleep(50 * time.Millisecond)
	if second.IsLeader() {
		t.Fatal("second worker must not lead while the first holds the TTL")
	}
	if !first.IsLeader() {
		t.Fatal("first worker must keep renewing its leadership")
	}
}

func TestLeaseForwarding(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := cluster.NewManager(memory.New())

	acquired, err := m.AcquireLease(ctx, "enrollment:abc", time.Minute)
	if err != nil {
		t.Fatalf("AcquireLease: %v", err)
	}
	if !acquired {
		t.Fatal("free lease must be granted")
	}

	acquired, err = m.AcquireLease(ctx, "enrollment:abc", time.Minute)
	if err != nil {
		t.Fatalf("AcquireLease: %v", err)
	}
	if acquired {
		t.Fatal("held lease must be denied")
	}

	if err := m.ReleaseLease(ctx, "enrollment:abc"); err != nil {
		t.Fatalf("ReleaseLease: %v", err)
	}
	acquired, err = m.AcquireLease(ctx, "enrollment:abc", time.Minute)
	if err != nil {
		t.Fatalf("AcquireLease: %v", err)
	}
	if !acquired {
		t.Fatal("released lease must be grantable again")
	}
}

func TestStopWithoutStart(t *testing.T) {
	t.Parallel()
	m := cluster.NewManager(memory.New())
	if err := m.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}
