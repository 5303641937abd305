// Package suppression defines the ledger of un-contactable addresses.
// The ledger is authoritative: the workflow engine never emits a send
// intent for a suppressed address. The engine depends only on the Ledger
// interface; every store backend implements it so the engine is runnable
// without an external ledger service.
package suppression

import (
	"context"
	"time"
)

// Reason records why an address was suppressed.
type Reason string

const (
	ReasonBounce      Reason = "bounce"
	ReasonUnsubscribe Reason = "unsubscribe"
	ReasonComplaint   Reason = "complaint"
	ReasonManual      Reason = "manual"
)

// Entry is one suppressed (tenant, address) pair.
type Entry struct {
	TenantID  string    `json:"tenant_id"`
	Address   string    `json:"address"`
	Reason    Reason    `json:"reason"`
	CreatedAt time.Time `json:"created_at"`
}

// Status is the result of a suppression check.
type Status struct {
	Suppressed bool   `json:"suppressed"`
	Reason     Reason `json:"reason,omitempty"`
}

// Ledger is the durable set of un-contactable addresses.
type Ledger interface {
	// CheckSuppression reports whether the address is suppressed for the
	// tenant, and why.
	CheckSuppression(ctx context.Context, tenantID, address string) (Status, error)

	// SuppressEmail marks the address un-contactable. Suppressing an
	// already-suppressed address updates the reason; it is not an error.
	SuppressEmail(ctx context.Context, tenantID, address string, reason Reason) error

	// UnsuppressEmail removes the address from the ledger. Removing an
	// absent address is a no-op.
	UnsuppressEmail(ctx context.Context, tenantID, address string) error
}
