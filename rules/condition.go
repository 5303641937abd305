// Package rules evaluates declarative condition trees against a lead's
// event history, score, and enrollment state. Conditions are data, not
// code: a closed set of variant kinds dispatched by a switch. A bad
// configuration degrades a single branch (evaluates false, logged) rather
// than halting the engine.
package rules

import (
	"fmt"

	sequent "github.com/MouMou78/NeuroVitalityCRM-sub002"
	"github.com/MouMou78/NeuroVitalityCRM-sub002/event"
)

// Kind identifies a condition variant.
type Kind string

const (
	KindAlwaysTrue     Kind = "always_true"
	KindAnd            Kind = "and"
	KindOr             Kind = "or"
	KindEventWindow    Kind = "event_window"
	KindFieldCompare   Kind = "field_compare"
	KindScoreThreshold Kind = "score_threshold"
)

// Operator is a comparison operator for field_compare and score_threshold.
type Operator string

const (
	OpEq          Operator = "eq"
	OpNeq         Operator = "neq"
	OpGt          Operator = "gt"
	OpGte         Operator = "gte"
	OpLt          Operator = "lt"
	OpLte         Operator = "lte"
	OpContains    Operator = "contains"
	OpNotContains Operator = "not_contains"
)

// Condition is one node of a condition tree. Which fields are meaningful
// depends on Kind:
//
//   - and / or: Children (short-circuiting)
//   - event_window: EventType, Window, MinCount (default 1)
//   - field_compare: Field, Op, Value
//   - score_threshold: Op (default gte), Threshold
//   - always_true: nothing
type Condition struct {
	Kind Kind `json:"type"`

	Children []*Condition `json:"conditions,omitempty"`

	EventType event.Type       `json:"event_type,omitempty"`
	Window    sequent.Duration `json:"window,omitempty"`
	MinCount  int              `json:"min_count,omitempty"`

	Field string   `json:"field,omitempty"`
	Op    Operator `json:"operator,omitempty"`
	Value any      `json:"value,omitempty"`

	Threshold int `json:"threshold,omitempty"`
}

// AlwaysTrue returns the trivial condition.
func AlwaysTrue() *Condition { return &Condition{Kind: KindAlwaysTrue} }

// And combines sub-conditions; all must hold.
func And(children ...*Condition) *Condition {
	return &Condition{Kind: KindAnd, Children: children}
}

// Or combines sub-conditions; at least one must hold.
func Or(children ...*Condition) *Condition {
	return &Condition{Kind: KindOr, Children: children}
}

// EventWindow is true when at least minCount events of the given type
// occurred within the trailing window.
func EventWindow(eventType event.Type, window sequent.Duration, minCount int) *Condition {
	return &Condition{Kind: KindEventWindow, EventType: eventType, Window: window, MinCount: minCount}
}

// FieldCompare compares a named enrollment snapshot field against a literal.
func FieldCompare(field string, op Operator, value any) *Condition {
	return &Condition{Kind: KindFieldCompare, Field: field, Op: op, Value: value}
}

// ScoreThreshold compares the lead's current decayed score.
func ScoreThreshold(op Operator, threshold int) *Condition {
	return &Condition{Kind: KindScoreThreshold, Op: op, Threshold: threshold}
}

// validOps is the full operator vocabulary.
var validOps = map[Operator]bool{
	OpEq: true, OpNeq: true, OpGt: true, OpGte: true,
	OpLt: true, OpLte: true, OpContains: true, OpNotContains: true,
}

// numericOps are the operators meaningful for score_threshold.
var numericOps = map[Operator]bool{
	OpEq: true, OpNeq: true, OpGt: true, OpGte: true, OpLt: true, OpLte: true,
}

// Validate checks a condition tree against the closed vocabulary.
// Configuration is validated at load time, failing closed; execution-time
// handling of unknown kinds remains defensive regardless.
func Validate(c *Condition) error {
	if c == nil {
		return fmt.Errorf("%w: nil condition", sequent.ErrInvalidDefinition)
	}

	switch c.Kind {
	case KindAlwaysTrue:
		return nil
	case KindAnd, KindOr:
		if len(c.Children) == 0 {
			return fmt.Errorf("%w: %s condition has no sub-conditions", sequent.ErrInvalidDefinition, c.Kind)
		}
		for _, child := range c.Children {
			if err := Validate(child); err != nil {
				return err
			}
		}
		return nil
	case KindEventWindow:
		if c.EventType == "" {
			return fmt.Errorf("%w: event_window condition missing event_type", sequent.ErrInvalidDefinition)
		}
		if c.Window <= 0 {
			return fmt.Errorf("%w: event_window condition missing window", sequent.ErrInvalidDefinition)
		}
		if c.MinCount < 0 {
			return fmt.Errorf("%w: event_window min_count is negative", sequent.ErrInvalidDefinition)
		}
		return nil
	case KindFieldCompare:
		if c.Field == "" {
			return fmt.Errorf("%w: field_compare condition missing field", sequent.ErrInvalidDefinition)
		}
		if !validOps[c.Op] {
			return fmt.Errorf("%w: field_compare has unknown operator %q", sequent.ErrInvalidDefinition, c.Op)
		}
		return nil
	case KindScoreThreshold:
		if c.Op != "" && !numericOps[c.Op] {
			return fmt.Errorf("%w: score_threshold has non-numeric operator %q", sequent.ErrInvalidDefinition, c.Op)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown condition type %q", sequent.ErrInvalidDefinition, c.Kind)
	}
}
