// Package score maintains one decaying numeric score per (tenant, lead),
// derived from weighted interaction events. Decay is computed on read —
// the stored raw score never changes until the next scored event — so two
// reads minutes apart differ negligibly while reads months apart differ
// substantially.
package score

import (
	"math"
	"time"

	sequent "github.com/MouMou78/NeuroVitalityCRM-sub002"
	"github.com/MouMou78/NeuroVitalityCRM-sub002/event"
)

// Tier is the coarse engagement bucket derived from a score.
type Tier string

const (
	TierCold       Tier = "cold"
	TierWarm       Tier = "warm"
	TierHot        Tier = "hot"
	TierSalesReady Tier = "sales_ready"
)

// Tier boundaries. Centralized here because both display and branch
// conditions depend on them and the two must never disagree.
const (
	tierWarmFloor       = 21
	tierHotFloor        = 61
	tierSalesReadyFloor = 121
)

// TierFor maps a score to its tier: 0–20 cold, 21–60 warm, 61–120 hot,
// 121+ sales_ready.
func TierFor(score int) Tier {
	switch {
	case score >= tierSalesReadyFloor:
		return TierSalesReady
	case score >= tierHotFloor:
		return TierHot
	case score >= tierWarmFloor:
		return TierWarm
	default:
		return TierCold
	}
}

// Score is the stored per-lead score row. RawScore holds the value as of
// LastActivityAt; readers apply decay. Tier is recomputed on every write,
// never stored independently of the score.
type Score struct {
	sequent.Entity

	TenantID       string    `json:"tenant_id"`
	EntityID       string    `json:"entity_id"`
	RawScore       float64   `json:"raw_score"`
	Tier           Tier      `json:"tier"`
	LastActivityAt time.Time `json:"last_activity_at"`

	// LastEventID is the event most recently folded into the row.
	// Redelivering that event (event replay after a crash between the
	// score write and the processed mark) is a no-op.
	LastEventID string `json:"last_event_id,omitempty"`

	// Version guards concurrent read-modify-write cycles. Stores reject
	// an update whose Version does not match the stored row.
	Version int64 `json:"version"`
}

// Decay parameters: a 10% reduction compounding every 30 days of inactivity.
const (
	decayRate   = 0.10
	decayPeriod = 30.0 // days
)

// Decayed returns the raw score decayed for the time elapsed between
// lastActivity and now, floored at 0 and rounded to an integer.
func Decayed(raw float64, lastActivity, now time.Time) int {
	if raw <= 0 {
		return 0
	}
	if lastActivity.IsZero() || !now.After(lastActivity) {
		return int(math.Round(raw))
	}

	days := now.Sub(lastActivity).Hours() / 24
	decayed := raw * math.Pow(1-decayRate, days/decayPeriod)
	if decayed < 0 {
		return 0
	}
	return int(math.Round(decayed))
}

// Event weight table. Types absent from the table are unscored.
var weights = map[event.Type]float64{
	event.TypeEmailOpened:       5,
	event.TypeEmailClicked:      20,
	event.TypeFormSubmitted:     60,
	event.TypeEmailReplied:      75,
	event.TypeEmailUnsubscribed: -50,
}

// Payload-driven weight overrides.
const (
	pricingPageVisitDelta = 30
	repeatOpenDelta       = 10
)

// DeltaFor resolves the score delta for one event, applying the weight
// table, the payload-driven overrides, and the verbatim delta of manual
// score adjustments. A zero result means the event is unscored.
func DeltaFor(evt *event.Event) float64 {
	switch evt.Type {
	case event.TypeScoreAdjustment:
		d, _ := evt.PayloadNumber("delta")
		return d
	case event.TypePageVisit:
		if evt.PayloadBool("pricing_page") {
			return pricingPageVisitDelta
		}
		return 0
	case event.TypeEmailOpened:
		if evt.PayloadBool("repeat_open") {
			return repeatOpenDelta
		}
		return weights[evt.Type]
	default:
		return weights[evt.Type]
	}
}
