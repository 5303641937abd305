// Package event defines the canonical interaction event and its append-only
// store. Ingestion is idempotent: every event carries a dedupe key, unique
// per tenant, and a second delivery of the same key is discarded rather
// than merged.
package event

import (
	"time"

	sequent "github.com/MouMou78/NeuroVitalityCRM-sub002"
	"github.com/MouMou78/NeuroVitalityCRM-sub002/id"
)

// Type names a kind of interaction event.
type Type string

// Interaction event vocabulary. Mail-transport collaborators report
// delivery outcomes back in as new ingested events using these types.
const (
	TypeEmailSent         Type = "email_sent"
	TypeEmailDelivered    Type = "email_delivered"
	TypeEmailOpened       Type = "email_opened"
	TypeEmailClicked      Type = "email_clicked"
	TypeEmailReplied      Type = "email_replied"
	TypeEmailBounced      Type = "email_bounced"
	TypeEmailUnsubscribed Type = "email_unsubscribed"
	TypeFormSubmitted     Type = "form_submitted"
	TypePageVisit         Type = "page_visit"
	TypeSiteRevisit       Type = "site_revisit"
	TypeManualTag         Type = "manual_tag"
	TypeScoreAdjustment   Type = "score_adjustment"
	TypeDealCreated       Type = "deal_created"
)

// Event is an immutable interaction fact. Created once on ingestion;
// Processed flips to true when downstream consumers have absorbed it;
// never deleted, never otherwise mutated.
type Event struct {
	sequent.Entity

	ID         id.EventID     `json:"id"`
	TenantID   string         `json:"tenant_id"`
	Type       Type           `json:"event_type"`
	EntityType string         `json:"entity_type"`
	EntityID   string         `json:"entity_id"`
	Source     string         `json:"source,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
	ReceivedAt time.Time      `json:"received_at"`
	Payload    map[string]any `json:"payload,omitempty"`
	DedupeKey  string         `json:"dedupe_key"`
	Processed  bool           `json:"processed"`
}

// PayloadString returns the named payload field as a string.
// Returns "" if the field is absent or not a string.
func (e *Event) PayloadString(key string) string {
	if e.Payload == nil {
		return ""
	}
	v, _ := e.Payload[key].(string)
	return v
}

// PayloadBool returns the named payload field as a bool.
// Returns false if the field is absent or not a bool.
func (e *Event) PayloadBool(key string) bool {
	if e.Payload == nil {
		return false
	}
	v, _ := e.Payload[key].(bool)
	return v
}

// PayloadNumber returns the named payload field as a float64 and whether
// it was present as a number. JSON decoding yields float64 for all numbers.
func (e *Event) PayloadNumber(key string) (float64, bool) {
	if e.Payload == nil {
		return 0, false
	}
	switch v := e.Payload[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}
