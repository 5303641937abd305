package redis

import (
	"encoding/json"
	"fmt"
	"time"

	sequent "github.com/MouMou78/NeuroVitalityCRM-sub002"
	"github.com/MouMou78/NeuroVitalityCRM-sub002/cluster"
	"github.com/MouMou78/NeuroVitalityCRM-sub002/event"
	"github.com/MouMou78/NeuroVitalityCRM-sub002/fault"
	"github.com/MouMou78/NeuroVitalityCRM-sub002/id"
	"github.com/MouMou78/NeuroVitalityCRM-sub002/nurture"
	"github.com/MouMou78/NeuroVitalityCRM-sub002/score"
	"github.com/MouMou78/NeuroVitalityCRM-sub002/workflow"
)

// msgpack models. TypeIDs carry unexported state, so entities convert
// through these flat structs with string IDs before encoding.

// ── Event model ───────────────────────────────────

type eventModel struct {
	ID         string         `msgpack:"id"`
	TenantID   string         `msgpack:"tenant_id"`
	Type       string         `msgpack:"event_type"`
	EntityType string         `msgpack:"entity_type"`
	EntityID   string         `msgpack:"entity_id"`
	Source     string         `msgpack:"source"`
	OccurredAt time.Time      `msgpack:"occurred_at"`
	ReceivedAt time.Time      `msgpack:"received_at"`
	Payload    map[string]any `msgpack:"payload"`
	DedupeKey  string         `msgpack:"dedupe_key"`
	Processed  bool           `msgpack:"processed"`
	CreatedAt  time.Time      `msgpack:"created_at"`
	UpdatedAt  time.Time      `msgpack:"updated_at"`
}

func toEventModel(evt *event.Event) *eventModel {
	return &eventModel{
		ID:         evt.ID.String(),
		TenantID:   evt.TenantID,
		Type:       string(evt.Type),
		EntityType: evt.EntityType,
		EntityID:   evt.EntityID,
		Source:     evt.Source,
		OccurredAt: evt.OccurredAt,
		ReceivedAt: evt.ReceivedAt,
		Payload:    evt.Payload,
		DedupeKey:  evt.DedupeKey,
		Processed:  evt.Processed,
		CreatedAt:  evt.CreatedAt,
		UpdatedAt:  evt.UpdatedAt,
	}
}

func fromEventModel(m *eventModel) (*event.Event, error) {
	parsedID, err := id.ParseEventID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("sequent/redis: parse event id %q: %w", m.ID, err)
	}

	return &event.Event{
		Entity:     sequent.Entity{CreatedAt: m.CreatedAt, UpdatedAt: m.UpdatedAt},
		ID:         parsedID,
		TenantID:   m.TenantID,
		Type:       event.Type(m.Type),
		EntityType: m.EntityType,
		EntityID:   m.EntityID,
		Source:     m.Source,
		OccurredAt: m.OccurredAt,
		ReceivedAt: m.ReceivedAt,
		Payload:    m.Payload,
		DedupeKey:  m.DedupeKey,
		Processed:  m.Processed,
	}, nil
}

// ── Score model ───────────────────────────────────

type scoreModel struct {
	TenantID       string    `msgpack:"tenant_id"`
	EntityID       string    `msgpack:"entity_id"`
	RawScore       float64   `msgpack:"raw_score"`
	Tier           string    `msgpack:"tier"`
	LastActivityAt time.Time `msgpack:"last_activity_at"`
	LastEventID    string    `msgpack:"last_event_id"`
	Version        int64     `msgpack:"version"`
	CreatedAt      time.Time `msgpack:"created_at"`
	UpdatedAt      time.Time `msgpack:"updated_at"`
}

func toScoreModel(row *score.Score) *scoreModel {
	return &scoreModel{
		TenantID:       row.TenantID,
		EntityID:       row.EntityID,
		RawScore:       row.RawScore,
		Tier:           string(row.Tier),
		LastActivityAt: row.LastActivityAt,
		LastEventID:    row.LastEventID,
		Version:        row.Version,
		CreatedAt:      row.CreatedAt,
		UpdatedAt:      row.UpdatedAt,
	}
}

func fromScoreModel(m *scoreModel) *score.Score {
	return &score.Score{
		Entity:         sequent.Entity{CreatedAt: m.CreatedAt, UpdatedAt: m.UpdatedAt},
		TenantID:       m.TenantID,
		EntityID:       m.EntityID,
		RawScore:       m.RawScore,
		Tier:           score.Tier(m.Tier),
		LastActivityAt: m.LastActivityAt,
		LastEventID:    m.LastEventID,
		Version:        m.Version,
	}
}

// ── Definition model ──────────────────────────────

type definitionModel struct {
	ID          string    `msgpack:"id"`
	TenantID    string    `msgpack:"tenant_id"`
	Name        string    `msgpack:"name"`
	Version     int       `msgpack:"version"`
	EntryNodeID string    `msgpack:"entry_node_id"`
	Nodes       []byte    `msgpack:"nodes"` // JSON-encoded node graph
	CreatedAt   time.Time `msgpack:"created_at"`
	UpdatedAt   time.Time `msgpack:"updated_at"`
}

func toDefinitionModel(def *workflow.Definition) (*definitionModel, error) {
	nodes, err := json.Marshal(def.Nodes)
	if err != nil {
		return nil, fmt.Errorf("sequent/redis: marshal nodes: %w", err)
	}
	return &definitionModel{
		ID:          def.ID.String(),
		TenantID:    def.TenantID,
		Name:        def.Name,
		Version:     def.Version,
		EntryNodeID: def.EntryNodeID,
		Nodes:       nodes,
		CreatedAt:   def.CreatedAt,
		UpdatedAt:   def.UpdatedAt,
	}, nil
}

func fromDefinitionModel(m *definitionModel) (*workflow.Definition, error) {
	parsedID, err := id.ParseWorkflowID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("sequent/redis: parse workflow id %q: %w", m.ID, err)
	}

	def := &workflow.Definition{
		Entity:      sequent.Entity{CreatedAt: m.CreatedAt, UpdatedAt: m.UpdatedAt},
		ID:          parsedID,
		TenantID:    m.TenantID,
		Name:        m.Name,
		Version:     m.Version,
		EntryNodeID: m.EntryNodeID,
	}
	if len(m.Nodes) > 0 {
		if err := json.Unmarshal(m.Nodes, &def.Nodes); err != nil {
			return nil, fmt.Errorf("sequent/redis: unmarshal nodes: %w", err)
		}
	}
	return def, nil
}

// ── Enrollment model ──────────────────────────────

type enrollmentModel struct {
	ID              string         `msgpack:"id"`
	WorkflowID      string         `msgpack:"workflow_id"`
	WorkflowVersion int            `msgpack:"workflow_version"`
	TenantID        string         `msgpack:"tenant_id"`
	EntityID        string         `msgpack:"entity_id"`
	CurrentNodeID   string         `msgpack:"current_node_id"`
	Status          string         `msgpack:"status"`
	Outcome         string         `msgpack:"outcome"`
	EnteredAt       time.Time      `msgpack:"entered_at"`
	LastTransition  time.Time      `msgpack:"last_transition_at"`
	Snapshot        map[string]any `msgpack:"state_snapshot"`
	NextCheckAt     *time.Time     `msgpack:"next_check_at"`
	Version         int64          `msgpack:"version"`
	CreatedAt       time.Time      `msgpack:"created_at"`
	UpdatedAt       time.Time      `msgpack:"updated_at"`
}

func toEnrollmentModel(enr *workflow.Enrollment) *enrollmentModel {
	return &enrollmentModel{
		ID:              enr.ID.String(),
		WorkflowID:      enr.WorkflowID.String(),
		WorkflowVersion: enr.WorkflowVersion,
		TenantID:        enr.TenantID,
		EntityID:        enr.EntityID,
		CurrentNodeID:   enr.CurrentNodeID,
		Status:          string(enr.Status),
		Outcome:         enr.Outcome,
		EnteredAt:       enr.EnteredAt,
		LastTransition:  enr.LastTransition,
		Snapshot:        enr.Snapshot,
		NextCheckAt:     enr.NextCheckAt,
		Version:         enr.Version,
		CreatedAt:       enr.CreatedAt,
		UpdatedAt:       enr.UpdatedAt,
	}
}

func fromEnrollmentModel(m *enrollmentModel) (*workflow.Enrollment, error) {
	parsedID, err := id.ParseEnrollmentID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("sequent/redis: parse enrollment id %q: %w", m.ID, err)
	}
	parsedWf, err := id.ParseWorkflowID(m.WorkflowID)
	if err != nil {
		return nil, fmt.Errorf("sequent/redis: parse workflow id %q: %w", m.WorkflowID, err)
	}

	return &workflow.Enrollment{
		Entity:          sequent.Entity{CreatedAt: m.CreatedAt, UpdatedAt: m.UpdatedAt},
		ID:              parsedID,
		WorkflowID:      parsedWf,
		WorkflowVersion: m.WorkflowVersion,
		TenantID:        m.TenantID,
		EntityID:        m.EntityID,
		CurrentNodeID:   m.CurrentNodeID,
		Status:          workflow.Status(m.Status),
		Outcome:         m.Outcome,
		EnteredAt:       m.EnteredAt,
		LastTransition:  m.LastTransition,
		Snapshot:        m.Snapshot,
		NextCheckAt:     m.NextCheckAt,
		Version:         m.Version,
	}, nil
}

// ── Nurture model ─────────────────────────────────

type nurtureModel struct {
	ID             string    `msgpack:"id"`
	TenantID       string    `msgpack:"tenant_id"`
	EntityID       string    `msgpack:"entity_id"`
	WorkflowID     string    `msgpack:"nurture_workflow_id"`
	EnrollmentID   string    `msgpack:"enrollment_id"`
	Status         string    `msgpack:"status"`
	NextSendAt     time.Time `msgpack:"next_send_at"`
	ContentIndex   int       `msgpack:"content_index"`
	EnrolledAt     time.Time `msgpack:"enrolled_at"`
	LastActivityAt time.Time `msgpack:"last_activity_at"`
	ExitReason     string    `msgpack:"exit_reason"`
	CreatedAt      time.Time `msgpack:"created_at"`
	UpdatedAt      time.Time `msgpack:"updated_at"`
}

func toNurtureModel(n *nurture.Enrollment) *nurtureModel {
	return &nurtureModel{
		ID:             n.ID.String(),
		TenantID:       n.TenantID,
		EntityID:       n.EntityID,
		WorkflowID:     n.WorkflowID.String(),
		EnrollmentID:   n.EnrollmentID.String(),
		Status:         string(n.Status),
		NextSendAt:     n.NextSendAt,
		ContentIndex:   n.ContentIndex,
		EnrolledAt:     n.EnrolledAt,
		LastActivityAt: n.LastActivityAt,
		ExitReason:     n.ExitReason,
		CreatedAt:      n.CreatedAt,
		UpdatedAt:      n.UpdatedAt,
	}
}

func fromNurtureModel(m *nurtureModel) (*nurture.Enrollment, error) {
	parsedID, err := id.ParseNurtureID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("sequent/redis: parse nurture id %q: %w", m.ID, err)
	}
	parsedWf, err := id.ParseWorkflowID(m.WorkflowID)
	if err != nil {
		return nil, fmt.Errorf("sequent/redis: parse workflow id %q: %w", m.WorkflowID, err)
	}

	n := &nurture.Enrollment{
		Entity:         sequent.Entity{CreatedAt: m.CreatedAt, UpdatedAt: m.UpdatedAt},
		ID:             parsedID,
		TenantID:       m.TenantID,
		EntityID:       m.EntityID,
		WorkflowID:     parsedWf,
		Status:         nurture.Status(m.Status),
		NextSendAt:     m.NextSendAt,
		ContentIndex:   m.ContentIndex,
		EnrolledAt:     m.EnrolledAt,
		LastActivityAt: m.LastActivityAt,
		ExitReason:     m.ExitReason,
	}
	if m.EnrollmentID != "" {
		if parsed, enrErr := id.ParseEnrollmentID(m.EnrollmentID); enrErr == nil {
			n.EnrollmentID = parsed
		}
	}
	return n, nil
}

// ── Fault model ───────────────────────────────────

type faultModel struct {
	ID           string     `msgpack:"id"`
	EnrollmentID string     `msgpack:"enrollment_id"`
	TenantID     string     `msgpack:"tenant_id"`
	EntityID     string     `msgpack:"entity_id"`
	WorkflowID   string     `msgpack:"workflow_id"`
	NodeID       string     `msgpack:"node_id"`
	Error        string     `msgpack:"error"`
	FailedAt     time.Time  `msgpack:"failed_at"`
	ReplayedAt   *time.Time `msgpack:"replayed_at"`
	CreatedAt    time.Time  `msgpack:"created_at"`
}

func toFaultModel(entry *fault.Entry) *faultModel {
	return &faultModel{
		ID:           entry.ID.String(),
		EnrollmentID: entry.EnrollmentID.String(),
		TenantID:     entry.TenantID,
		EntityID:     entry.EntityID,
		WorkflowID:   entry.WorkflowID.String(),
		NodeID:       entry.NodeID,
		Error:        entry.Error,
		FailedAt:     entry.FailedAt,
		ReplayedAt:   entry.ReplayedAt,
		CreatedAt:    entry.CreatedAt,
	}
}

func fromFaultModel(m *faultModel) (*fault.Entry, error) {
	parsedID, err := id.ParseFaultID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("sequent/redis: parse fault id %q: %w", m.ID, err)
	}

	entry := &fault.Entry{
		ID:         parsedID,
		TenantID:   m.TenantID,
		EntityID:   m.EntityID,
		NodeID:     m.NodeID,
		Error:      m.Error,
		FailedAt:   m.FailedAt,
		ReplayedAt: m.ReplayedAt,
		CreatedAt:  m.CreatedAt,
	}
	if parsed, enrErr := id.ParseEnrollmentID(m.EnrollmentID); enrErr == nil {
		entry.EnrollmentID = parsed
	}
	if parsed, wfErr := id.ParseWorkflowID(m.WorkflowID); wfErr == nil {
		entry.WorkflowID = parsed
	}
	return entry, nil
}

// ── Worker model ──────────────────────────────────

type workerModel struct {
	ID          string            `msgpack:"id"`
	Hostname    string            `msgpack:"hostname"`
	State       string            `msgpack:"state"`
	IsLeader    bool              `msgpack:"is_leader"`
	LeaderUntil *time.Time        `msgpack:"leader_until"`
	LastSeen    time.Time         `msgpack:"last_seen"`
	Metadata    map[string]string `msgpack:"metadata"`
	CreatedAt   time.Time         `msgpack:"created_at"`
}

func toWorkerModel(w *cluster.Worker) *workerModel {
	return &workerModel{
		ID:          w.ID.String(),
		Hostname:    w.Hostname,
		State:       string(w.State),
		IsLeader:    w.IsLeader,
		LeaderUntil: w.LeaderUntil,
		LastSeen:    w.LastSeen,
		Metadata:    w.Metadata,
		CreatedAt:   w.CreatedAt,
	}
}

func fromWorkerModel(m *workerModel) (*cluster.Worker, error) {
	parsedID, err := id.ParseWorkerID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("sequent/redis: parse worker id %q: %w", m.ID, err)
	}

	return &cluster.Worker{
		ID:          parsedID,
		Hostname:    m.Hostname,
		State:       cluster.WorkerState(m.State),
		IsLeader:    m.IsLeader,
		LeaderUntil: m.LeaderUntil,
		LastSeen:    m.LastSeen,
		Metadata:    m.Metadata,
		CreatedAt:   m.CreatedAt,
	}, nil
}
