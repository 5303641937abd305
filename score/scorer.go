package score

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	sequent "github.com/MouMou78/NeuroVitalityCRM-sub002"
	"github.com/MouMou78/NeuroVitalityCRM-sub002/event"
)

// Emitter emits score lifecycle events. ext.Registry satisfies this.
type Emitter interface {
	EmitScoreChanged(ctx context.Context, tenantID, entityID string, delta float64, newScore int, tier Tier)
}

// Snapshot is the read-side view of a lead's score, decay already applied.
// A lead with no score row reads as {0, cold}.
type Snapshot struct {
	Score          int       `json:"score"`
	Tier           Tier      `json:"tier"`
	LastActivityAt time.Time `json:"last_activity_at,omitempty"`
}

// casRetries bounds the optimistic-concurrency retry loop in Apply.
const casRetries = 3

// Scorer applies scored events to lead score rows and answers decayed
// score reads.
type Scorer struct {
	store   Store
	emitter Emitter
	logger  *slog.Logger
}

// NewScorer creates a Scorer. emitter may be nil.
func NewScorer(store Store, emitter Emitter, logger *slog.Logger) *Scorer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scorer{store: store, emitter: emitter, logger: logger}
}

// Apply folds one event into the lead's score. Events resolving to a zero
// delta are a no-op: no row is touched and no change is reported. On a
// non-zero delta the current decayed score is read, the delta added,
// the result clamped to ≥ 0, the tier recomputed, and LastActivityAt
// advanced to now. Re-applying the event already recorded on the row —
// replay delivers events the sink saw but never marked processed — is a
// no-op. Returns the resolved delta.
func (s *Scorer) Apply(ctx context.Context, evt *event.Event) (float64, error) {
	return s.apply(ctx, evt.TenantID, evt.EntityID, evt.ID.String(), DeltaFor(evt))
}

// Adjust applies a direct delta outside the event weight table, e.g. from
// a workflow update node. Zero is a no-op.
func (s *Scorer) Adjust(ctx context.Context, tenantID, entityID string, delta float64) error {
	_, err := s.apply(ctx, tenantID, entityID, "", delta)
	return err
}

func (s *Scorer) apply(ctx context.Context, tenantID, entityID, eventID string, delta float64) (float64, error) {
	if delta == 0 {
		return 0, nil
	}

	for attempt := 0; ; attempt++ {
		row, err := s.store.GetScore(ctx, tenantID, entityID)
		if err != nil && !errors.Is(err, sequent.ErrScoreNotFound) {
			return 0, fmt.Errorf("get score for %s/%s: %w", tenantID, entityID, err)
		}

		now := time.Now().UTC()
		if row == nil {
			row = &Score{
				Entity:   sequent.NewEntity(),
				TenantID: tenantID,
				EntityID: entityID,
			}
		}
		if eventID != "" && row.LastEventID == eventID {
			return 0, nil
		}

		current := float64(Decayed(row.RawScore, row.LastActivityAt, now))
		next := math.Max(0, current+delta)

		row.RawScore = next
		row.Tier = TierFor(int(math.Round(next)))
		row.LastActivityAt = now
		if eventID != "" {
			row.LastEventID = eventID
		}

		err = s.store.UpsertScore(ctx, row)
		if err == nil {
			if s.emitter != nil {
				s.emitter.EmitScoreChanged(ctx, tenantID, entityID, delta, int(math.Round(next)), row.Tier)
			}
			return delta, nil
		}
		if errors.Is(err, sequent.ErrVersionConflict) && attempt < casRetries {
			// Another scored event won the write; re-read and re-apply.
			continue
		}
		return 0, fmt.Errorf("upsert score for %s/%s: %w", tenantID, entityID, err)
	}
}

// Get returns the lead's current decayed score. Storage errors other than
// a missing row propagate; a missing row reads as {0, cold}.
func (s *Scorer) Get(ctx context.Context, tenantID, entityID string) (Snapshot, error) {
	row, err := s.store.GetScore(ctx, tenantID, entityID)
	if err != nil {
		if errors.Is(err, sequent.ErrScoreNotFound) {
			return Snapshot{Score: 0, Tier: TierCold}, nil
		}
		return Snapshot{}, fmt.Errorf("get score for %s/%s: %w", tenantID, entityID, err)
	}

	decayed := Decayed(row.RawScore, row.LastActivityAt, time.Now().UTC())
	return Snapshot{
		Score:          decayed,
		Tier:           TierFor(decayed),
		LastActivityAt: row.LastActivityAt,
	}, nil
}

// Current implements the rules evaluator's ScoreReader: the decayed score
// as an integer, with a missing row reading as zero.
func (s *Scorer) Current(ctx context.Context, tenantID, entityID string) (int, error) {
	snap, err := s.Get(ctx, tenantID, entityID)
	if err != nil {
		return 0, err
	}
	return snap.Score, nil
}
