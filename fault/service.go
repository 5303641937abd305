package fault

import (
	"context"
	"log/slog"
	"time"

	"github.com/MouMou78/NeuroVitalityCRM-sub002/id"
	"github.com/MouMou78/NeuroVitalityCRM-sub002/workflow"
)

// Advancer re-runs advancement for an enrollment. workflow.Engine
// satisfies this interface.
type Advancer interface {
	AdvanceEnrollment(ctx context.Context, enrollmentID id.EnrollmentID) error
}

// Service provides high-level fault-log operations over a Store.
type Service struct {
	store    Store
	advancer Advancer
	logger   *slog.Logger
}

// NewService creates a fault service. advancer may be nil; Replay then
// only marks entries without re-advancing.
func NewService(store Store, advancer Advancer, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, advancer: advancer, logger: logger}
}

var _ workflow.FaultSink = (*Service)(nil)

// RecordFault builds an Entry from a failed node execution and persists
// it. The engine calls this on every execution failure.
func (s *Service) RecordFault(ctx context.Context, enr *workflow.Enrollment, nodeID string, cause error) error {
	now := time.Now().UTC()
	entry := &Entry{
		ID:           id.NewFaultID(),
		EnrollmentID: enr.ID,
		TenantID:     enr.TenantID,
		EntityID:     enr.EntityID,
		WorkflowID:   enr.WorkflowID,
		NodeID:       nodeID,
		Error:        cause.Error(),
		FailedAt:     now,
		CreatedAt:    now,
	}
	return s.store.PushFault(ctx, entry)
}

// Replay marks a fault entry as replayed and re-advances its enrollment.
// The node runs again from the position it failed at.
func (s *Service) Replay(ctx context.Context, faultID id.FaultID) error {
	entry, err := s.store.GetFault(ctx, faultID)
	if err != nil {
		return err
	}
	if err := s.store.ReplayFault(ctx, faultID); err != nil {
		return err
	}
	if s.advancer == nil {
		return nil
	}
	if err := s.advancer.AdvanceEnrollment(ctx, entry.EnrollmentID); err != nil {
		// The entry is already marked; surface the failed re-advancement.
		s.logger.Error("fault replay advancement failed",
			"fault_id", faultID, "enrollment_id", entry.EnrollmentID, "error", err)
		return err
	}
	return nil
}

// PurgeExpired removes entries older than the retention window and
// returns the number removed.
func (s *Service) PurgeExpired(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-retention)
	return s.store.PurgeFaults(ctx, cutoff)
}

// FaultStore returns the underlying store for direct access to List,
// Get, and Count operations.
func (s *Service) FaultStore() Store {
	return s.store
}
