// Package memory is a fully in-memory store backend. Safe for concurrent
// access. Intended for unit testing and development.
package memory

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	sequent "github.com/MouMou78/NeuroVitalityCRM-sub002"
	"github.com/MouMou78/NeuroVitalityCRM-sub002/cluster"
	"github.com/MouMou78/NeuroVitalityCRM-sub002/event"
	"github.com/MouMou78/NeuroVitalityCRM-sub002/fault"
	"github.com/MouMou78/NeuroVitalityCRM-sub002/id"
	"github.com/MouMou78/NeuroVitalityCRM-sub002/nurture"
	"github.com/MouMou78/NeuroVitalityCRM-sub002/score"
	"github.com/MouMou78/NeuroVitalityCRM-sub002/suppression"
	"github.com/MouMou78/NeuroVitalityCRM-sub002/workflow"
)

// Ensure Store implements store.Store at compile time.
// We can't import store here (import cycle), so we verify each subsystem.
var (
	_ event.Store        = (*Store)(nil)
	_ score.Store        = (*Store)(nil)
	_ workflow.Store     = (*Store)(nil)
	_ nurture.Store      = (*Store)(nil)
	_ fault.Store        = (*Store)(nil)
	_ cluster.Store      = (*Store)(nil)
	_ suppression.Ledger = (*Store)(nil)
)

// Store is a fully in-memory implementation of store.Store.
type Store struct {
	mu sync.RWMutex

	events     map[string]*event.Event         // key: event ID
	dedupeIdx  map[string]string               // key: tenant|dedupeKey → event ID
	scores     map[string]*score.Score         // key: tenant|entity
	defs       map[string]*workflow.Definition // key: tenant|workflowID|version
	defLatest  map[string]int                  // key: tenant|workflowID → highest version
	enrolls    map[string]*workflow.Enrollment // key: enrollment ID
	enrollIdx  map[string]string               // key: tenant|workflowID|entity → live enrollment ID
	nurtures   map[string]*nurture.Enrollment  // key: nurture ID
	nurtureIdx map[string]string               // key: tenant|entity → active nurture ID
	faults     map[string]*fault.Entry         // key: fault ID
	workers    map[string]*cluster.Worker      // key: worker ID
	suppressed map[string]*suppression.Entry   // key: tenant|address
	leases     map[string]time.Time            // key → expiry

	leader      string
	leaderUntil time.Time
}

// New returns a new empty Store.
func New() *Store {
	return &Store{
		events:     make(map[string]*event.Event),
		dedupeIdx:  make(map[string]string),
		scores:     make(map[string]*score.Score),
		defs:       make(map[string]*workflow.Definition),
		defLatest:  make(map[string]int),
		enrolls:    make(map[string]*workflow.Enrollment),
		enrollIdx:  make(map[string]string),
		nurtures:   make(map[string]*nurture.Enrollment),
		nurtureIdx: make(map[string]string),
		faults:     make(map[string]*fault.Entry),
		workers:    make(map[string]*cluster.Worker),
		suppressed: make(map[string]*suppression.Entry),
		leases:     make(map[string]time.Time),
	}
}

func key2(a, b string) string    { return a + "|" + b }
func key3(a, b, c string) string { return a + "|" + b + "|" + c }

// ──────────────────────────────────────────────────
// Lifecycle — Migrate / Ping / Close
// ──────────────────────────────────────────────────

// Migrate is a no-op for the memory store.
func (m *Store) Migrate(_ context.Context) error { return nil }

// Ping always succeeds for the memory store.
func (m *Store) Ping(_ context.Context) error { return nil }

// Close is a no-op for the memory store.
func (m *Store) Close() error { return nil }

// ──────────────────────────────────────────────────
// Event Store
// ──────────────────────────────────────────────────

// InsertEvent persists a new event, enforcing per-tenant dedupe-key
// uniqueness.
func (m *Store) InsertEvent(_ context.Context, evt *event.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	dk := key2(evt.TenantID, evt.DedupeKey)
	if _, exists := m.dedupeIdx[dk]; exists {
		return sequent.ErrDuplicateEvent
	}
	cp := *evt
	m.events[evt.ID.String()] = &cp
	m.dedupeIdx[dk] = evt.ID.String()
	return nil
}

// GetEventByDedupeKey retrieves an event by its tenant-scoped dedupe key.
func (m *Store) GetEventByDedupeKey(_ context.Context, tenantID, dedupeKey string) (*event.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	eventID, ok := m.dedupeIdx[key2(tenantID, dedupeKey)]
	if !ok {
		return nil, sequent.ErrEventNotFound
	}
	cp := *m.events[eventID]
	return &cp, nil
}

// ListEventsInWindow returns matching events with OccurredAt inside the
// trailing window, oldest first.
func (m *Store) ListEventsInWindow(_ context.Context, tenantID, entityID string, eventType event.Type, window time.Duration) ([]*event.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cutoff := time.Now().UTC().Add(-window)
	var out []*event.Event
	for _, evt := range m.events {
		if evt.TenantID != tenantID || evt.EntityID != entityID {
			continue
		}
		if eventType != "" && evt.Type != eventType {
			continue
		}
		if evt.OccurredAt.Before(cutoff) {
			continue
		}
		cp := *evt
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OccurredAt.Before(out[j].OccurredAt) })
	return out, nil
}

// MarkEventProcessed flips the Processed flag to true.
func (m *Store) MarkEventProcessed(_ context.Context, eventID id.EventID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	evt, ok := m.events[eventID.String()]
	if !ok {
		return sequent.ErrEventNotFound
	}
	evt.Processed = true
	return nil
}

// ListUnprocessedEvents returns unprocessed events, oldest first.
func (m *Store) ListUnprocessedEvents(_ context.Context, limit int) ([]*event.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*event.Event
	for _, evt := range m.events {
		if evt.Processed {
			continue
		}
		cp := *evt
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReceivedAt.Before(out[j].ReceivedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ──────────────────────────────────────────────────
// Score Store
// ──────────────────────────────────────────────────

// GetScore retrieves the score row for (tenant, entity).
func (m *Store) GetScore(_ context.Context, tenantID, entityID string) (*score.Score, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	row, ok := m.scores[key2(tenantID, entityID)]
	if !ok {
		return nil, sequent.ErrScoreNotFound
	}
	cp := *row
	return &cp, nil
}

// UpsertScore persists a score row with an optimistic version check.
func (m *Store) UpsertScore(_ context.Context, s *score.Score) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := key2(s.TenantID, s.EntityID)
	existing, ok := m.scores[k]
	if s.Version == 0 {
		if ok {
			return sequent.ErrVersionConflict
		}
	} else {
		if !ok || existing.Version != s.Version {
			return sequent.ErrVersionConflict
		}
	}
	cp := *s
	cp.Version++
	cp.UpdatedAt = time.Now().UTC()
	m.scores[k] = &cp
	s.Version = cp.Version
	return nil
}

// ──────────────────────────────────────────────────
// Workflow Store
// ──────────────────────────────────────────────────

// PutDefinition stores a workflow definition under (id, version).
func (m *Store) PutDefinition(_ context.Context, def *workflow.Definition) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *def
	wfKey := key2(def.TenantID, def.ID.String())
	m.defs[key3(def.TenantID, def.ID.String(), strconv.Itoa(def.Version))] = &cp
	if def.Version > m.defLatest[wfKey] {
		m.defLatest[wfKey] = def.Version
	}
	return nil
}

// GetDefinition returns the highest stored version of a workflow.
func (m *Store) GetDefinition(_ context.Context, tenantID string, workflowID id.WorkflowID) (*workflow.Definition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	latest, ok := m.defLatest[key2(tenantID, workflowID.String())]
	if !ok {
		return nil, sequent.ErrWorkflowNotFound
	}
	cp := *m.defs[key3(tenantID, workflowID.String(), strconv.Itoa(latest))]
	return &cp, nil
}

// GetDefinitionVersion returns one exact stored version.
func (m *Store) GetDefinitionVersion(_ context.Context, tenantID string, workflowID id.WorkflowID, version int) (*workflow.Definition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	def, ok := m.defs[key3(tenantID, workflowID.String(), strconv.Itoa(version))]
	if !ok {
		return nil, sequent.ErrWorkflowNotFound
	}
	cp := *def
	return &cp, nil
}

// CreateEnrollment inserts a new enrollment, enforcing at most one live
// enrollment per (tenant, workflow, entity).
func (m *Store) CreateEnrollment(_ context.Context, enr *workflow.Enrollment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	idxKey := key3(enr.TenantID, enr.WorkflowID.String(), enr.EntityID)
	if _, exists := m.enrollIdx[idxKey]; exists {
		return sequent.ErrEnrollmentExists
	}
	cp := *enr
	m.enrolls[enr.ID.String()] = &cp
	if !cp.Terminal() {
		m.enrollIdx[idxKey] = enr.ID.String()
	}
	return nil
}

// GetEnrollment returns an enrollment by ID.
func (m *Store) GetEnrollment(_ context.Context, enrollmentID id.EnrollmentID) (*workflow.Enrollment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	enr, ok := m.enrolls[enrollmentID.String()]
	if !ok {
		return nil, sequent.ErrEnrollmentNotFound
	}
	cp := *enr
	return &cp, nil
}

// GetActiveEnrollment returns the live enrollment for a
// (tenant, workflow, entity).
func (m *Store) GetActiveEnrollment(_ context.Context, tenantID string, workflowID id.WorkflowID, entityID string) (*workflow.Enrollment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	enrID, ok := m.enrollIdx[key3(tenantID, workflowID.String(), entityID)]
	if !ok {
		return nil, sequent.ErrEnrollmentNotFound
	}
	cp := *m.enrolls[enrID]
	return &cp, nil
}

// ListActiveEnrollments returns all active enrollments for an entity.
func (m *Store) ListActiveEnrollments(_ context.Context, tenantID, entityID string) ([]*workflow.Enrollment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*workflow.Enrollment
	for _, enr := range m.enrolls {
		if enr.TenantID != tenantID || enr.EntityID != entityID {
			continue
		}
		if enr.Status != workflow.StatusActive {
			continue
		}
		cp := *enr
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EnteredAt.Before(out[j].EnteredAt) })
	return out, nil
}

// ListDueEnrollments returns active enrollments whose NextCheckAt is
// unset or has elapsed, oldest first with unset sorting first.
func (m *Store) ListDueEnrollments(_ context.Context, now time.Time, limit int) ([]*workflow.Enrollment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*workflow.Enrollment
	for _, enr := range m.enrolls {
		if enr.Status != workflow.StatusActive {
			continue
		}
		if enr.NextCheckAt != nil && enr.NextCheckAt.After(now) {
			continue
		}
		cp := *enr
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].NextCheckAt == nil || out[j].NextCheckAt == nil {
			return out[j].NextCheckAt != nil
		}
		return out[i].NextCheckAt.Before(*out[j].NextCheckAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// UpdateEnrollment persists enrollment state using CAS on Version.
func (m *Store) UpdateEnrollment(_ context.Context, enr *workflow.Enrollment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.enrolls[enr.ID.String()]
	if !ok {
		return sequent.ErrEnrollmentNotFound
	}
	if stored.Version != enr.Version {
		return sequent.ErrVersionConflict
	}
	cp := *enr
	cp.Version++
	cp.UpdatedAt = time.Now().UTC()
	m.enrolls[enr.ID.String()] = &cp

	idxKey := key3(enr.TenantID, enr.WorkflowID.String(), enr.EntityID)
	if cp.Terminal() {
		if m.enrollIdx[idxKey] == enr.ID.String() {
			delete(m.enrollIdx, idxKey)
		}
	}
	enr.Version = cp.Version
	return nil
}

// ──────────────────────────────────────────────────
// Nurture Store
// ──────────────────────────────────────────────────

// CreateNurture inserts a new nurture enrollment, enforcing at most one
// active per (tenant, entity).
func (m *Store) CreateNurture(_ context.Context, n *nurture.Enrollment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	idxKey := key2(n.TenantID, n.EntityID)
	if _, exists := m.nurtureIdx[idxKey]; exists {
		return sequent.ErrNurtureExists
	}
	cp := *n
	m.nurtures[n.ID.String()] = &cp
	if cp.Status == nurture.StatusActive {
		m.nurtureIdx[idxKey] = n.ID.String()
	}
	return nil
}

// GetNurture returns a nurture enrollment by ID.
func (m *Store) GetNurture(_ context.Context, nurtureID id.NurtureID) (*nurture.Enrollment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n, ok := m.nurtures[nurtureID.String()]
	if !ok {
		return nil, sequent.ErrNurtureNotFound
	}
	cp := *n
	return &cp, nil
}

// GetActiveNurture returns the active nurture enrollment for a
// (tenant, entity).
func (m *Store) GetActiveNurture(_ context.Context, tenantID, entityID string) (*nurture.Enrollment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	nID, ok := m.nurtureIdx[key2(tenantID, entityID)]
	if !ok {
		return nil, sequent.ErrNurtureNotFound
	}
	cp := *m.nurtures[nID]
	return &cp, nil
}

// ListInactiveNurtures returns active nurture enrollments whose last
// activity predates the cutoff.
func (m *Store) ListInactiveNurtures(_ context.Context, cutoff time.Time, limit int) ([]*nurture.Enrollment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*nurture.Enrollment
	for _, n := range m.nurtures {
		if n.Status != nurture.StatusActive {
			continue
		}
		if !n.LastActivityAt.Before(cutoff) {
			continue
		}
		cp := *n
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastActivityAt.Before(out[j].LastActivityAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// UpdateNurture persists nurture enrollment state.
func (m *Store) UpdateNurture(_ context.Context, n *nurture.Enrollment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.nurtures[n.ID.String()]; !ok {
		return sequent.ErrNurtureNotFound
	}
	cp := *n
	cp.UpdatedAt = time.Now().UTC()
	m.nurtures[n.ID.String()] = &cp

	idxKey := key2(n.TenantID, n.EntityID)
	if cp.Status != nurture.StatusActive {
		if m.nurtureIdx[idxKey] == n.ID.String() {
			delete(m.nurtureIdx, idxKey)
		}
	} else {
		m.nurtureIdx[idxKey] = n.ID.String()
	}
	return nil
}

// ──────────────────────────────────────────────────
// Fault Store
// ──────────────────────────────────────────────────

// PushFault adds a failed execution entry to the log.
func (m *Store) PushFault(_ context.Context, entry *fault.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *entry
	m.faults[entry.ID.String()] = &cp
	return nil
}

// ListFaults returns fault entries matching the options, newest first.
func (m *Store) ListFaults(_ context.Context, opts fault.ListOpts) ([]*fault.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*fault.Entry
	for _, entry := range m.faults {
		if opts.TenantID != "" && entry.TenantID != opts.TenantID {
			continue
		}
		cp := *entry
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FailedAt.After(out[j].FailedAt) })

	if opts.Offset > 0 {
		if opts.Offset >= len(out) {
			return nil, nil
		}
		out = out[opts.Offset:]
	}
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

// GetFault retrieves a fault entry by ID.
func (m *Store) GetFault(_ context.Context, faultID id.FaultID) (*fault.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, ok := m.faults[faultID.String()]
	if !ok {
		return nil, sequent.ErrFaultNotFound
	}
	cp := *entry
	return &cp, nil
}

// ReplayFault marks a fault entry as replayed.
func (m *Store) ReplayFault(_ context.Context, faultID id.FaultID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.faults[faultID.String()]
	if !ok {
		return sequent.ErrFaultNotFound
	}
	now := time.Now().UTC()
	entry.ReplayedAt = &now
	return nil
}

// PurgeFaults removes entries with FailedAt before the given time.
func (m *Store) PurgeFaults(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var removed int64
	for k, entry := range m.faults {
		if entry.FailedAt.Before(before) {
			delete(m.faults, k)
			removed++
		}
	}
	return removed, nil
}

// CountFaults returns the total number of entries in the log.
func (m *Store) CountFaults(_ context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.faults)), nil
}

// ──────────────────────────────────────────────────
// Cluster Store
// ──────────────────────────────────────────────────

// RegisterWorker adds a worker to the cluster registry.
func (m *Store) RegisterWorker(_ context.Context, w *cluster.Worker) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *w
	m.workers[w.ID.String()] = &cp
	return nil
}

// DeregisterWorker removes a worker from the cluster registry.
func (m *Store) DeregisterWorker(_ context.Context, workerID id.WorkerID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.workers, workerID.String())
	if m.leader == workerID.String() {
		m.leader = ""
		m.leaderUntil = time.Time{}
	}
	return nil
}

// HeartbeatWorker updates the last-seen timestamp for a worker.
func (m *Store) HeartbeatWorker(_ context.Context, workerID id.WorkerID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.workers[workerID.String()]
	if !ok {
		return sequent.ErrWorkerNotFound
	}
	w.LastSeen = time.Now().UTC()
	return nil
}

// ListWorkers returns all registered workers.
func (m *Store) ListWorkers(_ context.Context) ([]*cluster.Worker, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*cluster.Worker, 0, len(m.workers))
	for _, w := range m.workers {
		cp := *w
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// ReapDeadWorkers returns workers whose last-seen timestamp is older
// than the threshold.
func (m *Store) ReapDeadWorkers(_ context.Context, threshold time.Duration) ([]*cluster.Worker, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cutoff := time.Now().UTC().Add(-threshold)
	var out []*cluster.Worker
	for _, w := range m.workers {
		if w.LastSeen.Before(cutoff) {
			cp := *w
			cp.State = cluster.WorkerDead
			out = append(out, &cp)
		}
	}
	return out, nil
}

// AcquireLeadership attempts to become the cluster leader.
func (m *Store) AcquireLeadership(_ context.Context, workerID id.WorkerID, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	if m.leader != "" && m.leader != workerID.String() && m.leaderUntil.After(now) {
		return false, nil
	}
	m.leader = workerID.String()
	m.leaderUntil = now.Add(ttl)
	return true, nil
}

// RenewLeadership extends the leader's hold.
func (m *Store) RenewLeadership(_ context.Context, workerID id.WorkerID, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.leader != workerID.String() {
		return false, nil
	}
	m.leaderUntil = time.Now().UTC().Add(ttl)
	return true, nil
}

// GetLeader returns the current cluster leader, or nil when no leader
// holds an unexpired term.
func (m *Store) GetLeader(_ context.Context) (*cluster.Worker, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.leader == "" || !m.leaderUntil.After(time.Now().UTC()) {
		return nil, nil
	}
	w, ok := m.workers[m.leader]
	if !ok {
		return nil, nil
	}
	cp := *w
	cp.IsLeader = true
	until := m.leaderUntil
	cp.LeaderUntil = &until
	return &cp, nil
}

// AcquireLease takes a non-blocking keyed TTL lease.
func (m *Store) AcquireLease(_ context.Context, key string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	if expiry, held := m.leases[key]; held && expiry.After(now) {
		return false, nil
	}
	m.leases[key] = now.Add(ttl)
	return true, nil
}

// ReleaseLease drops a keyed lease.
func (m *Store) ReleaseLease(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.leases, key)
	return nil
}

// ──────────────────────────────────────────────────
// Suppression Ledger
// ──────────────────────────────────────────────────

// CheckSuppression reports whether the address is suppressed for the
// tenant.
func (m *Store) CheckSuppression(_ context.Context, tenantID, address string) (suppression.Status, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, ok := m.suppressed[key2(tenantID, normalizeAddress(address))]
	if !ok {
		return suppression.Status{}, nil
	}
	return suppression.Status{Suppressed: true, Reason: entry.Reason}, nil
}

// SuppressEmail marks the address un-contactable.
func (m *Store) SuppressEmail(_ context.Context, tenantID, address string, reason suppression.Reason) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := key2(tenantID, normalizeAddress(address))
	if existing, ok := m.suppressed[k]; ok {
		existing.Reason = reason
		return nil
	}
	m.suppressed[k] = &suppression.Entry{
		TenantID:  tenantID,
		Address:   normalizeAddress(address),
		Reason:    reason,
		CreatedAt: time.Now().UTC(),
	}
	return nil
}

// UnsuppressEmail removes the address from the ledger.
func (m *Store) UnsuppressEmail(_ context.Context, tenantID, address string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.suppressed, key2(tenantID, normalizeAddress(address)))
	return nil
}

func normalizeAddress(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}
