package rules

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/MouMou78/NeuroVitalityCRM-sub002/event"
)

// EventSource answers trailing-window event queries. event.Store
// satisfies this interface.
type EventSource interface {
	ListEventsInWindow(ctx context.Context, tenantID, entityID string, eventType event.Type, window time.Duration) ([]*event.Event, error)
}

// ScoreReader answers current decayed score reads. score.Scorer
// satisfies this interface.
type ScoreReader interface {
	Current(ctx context.Context, tenantID, entityID string) (int, error)
}

// Scope identifies the lead under evaluation and the enrollment-local
// state snapshot consulted by field_compare conditions.
type Scope struct {
	TenantID string
	EntityID string
	Fields   map[string]any
}

// Evaluator answers yes/no questions about a lead given a condition tree.
// Evaluation is a pure read: it mutates nothing.
type Evaluator struct {
	events EventSource
	scores ScoreReader
	logger *slog.Logger
}

// NewEvaluator creates an Evaluator.
func NewEvaluator(events EventSource, scores ScoreReader, logger *slog.Logger) *Evaluator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Evaluator{events: events, scores: scores, logger: logger}
}

// Evaluate walks the condition tree. Unknown condition kinds evaluate to
// false and are logged as warnings — a bad configuration degrades one
// branch, never the engine. Storage errors propagate so callers can apply
// their own conservative default.
func (e *Evaluator) Evaluate(ctx context.Context, c *Condition, scope Scope) (bool, error) {
	if c == nil {
		return false, nil
	}

	switch c.Kind {
	case KindAlwaysTrue:
		return true, nil

	case KindAnd:
		for _, child := range c.Children {
			ok, err := e.Evaluate(ctx, child, scope)
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
		}
		return true, nil

	case KindOr:
		for _, child := range c.Children {
			ok, err := e.Evaluate(ctx, child, scope)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil

	case KindEventWindow:
		events, err := e.events.ListEventsInWindow(ctx, scope.TenantID, scope.EntityID, c.EventType, c.Window.Std())
		if err != nil {
			return false, fmt.Errorf("event window query for %q: %w", c.EventType, err)
		}
		min := c.MinCount
		if min <= 0 {
			min = 1
		}
		return len(events) >= min, nil

	case KindFieldCompare:
		return compareField(scope.Fields[c.Field], c.Op, c.Value), nil

	case KindScoreThreshold:
		current, err := e.scores.Current(ctx, scope.TenantID, scope.EntityID)
		if err != nil {
			return false, fmt.Errorf("score read: %w", err)
		}
		op := c.Op
		if op == "" {
			op = OpGte
		}
		return compareNumeric(float64(current), op, float64(c.Threshold)), nil

	default:
		e.logger.Warn("unknown condition type",
			slog.String("type", string(c.Kind)),
			slog.String("tenant_id", scope.TenantID),
			slog.String("entity_id", scope.EntityID),
		)
		return false, nil
	}
}

// compareField compares a snapshot field against a literal. When both
// sides are numeric the ordering operators compare numbers; otherwise
// values compare as strings. contains/not_contains always use string
// containment.
func compareField(fieldVal any, op Operator, literal any) bool {
	switch op {
	case OpContains:
		return strings.Contains(asString(fieldVal), asString(literal))
	case OpNotContains:
		return !strings.Contains(asString(fieldVal), asString(literal))
	}

	fNum, fOK := asNumber(fieldVal)
	lNum, lOK := asNumber(literal)
	if fOK && lOK {
		return compareNumeric(fNum, op, lNum)
	}

	fs, ls := asString(fieldVal), asString(literal)
	switch op {
	case OpEq:
		return fs == ls
	case OpNeq:
		return fs != ls
	case OpGt:
		return fs > ls
	case OpGte:
		return fs >= ls
	case OpLt:
		return fs < ls
	case OpLte:
		return fs <= ls
	default:
		return false
	}
}

func compareNumeric(a float64, op Operator, b float64) bool {
	switch op {
	case OpEq:
		return a == b
	case OpNeq:
		return a != b
	case OpGt:
		return a > b
	case OpGte:
		return a >= b
	case OpLt:
		return a < b
	case OpLte:
		return a <= b
	default:
		return false
	}
}

func asString(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case int:
		return strconv.Itoa(val)
	default:
		return fmt.Sprintf("%v", val)
	}
}

func asNumber(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	case string:
		f, err := strconv.ParseFloat(val, 64)
		return f, err == nil
	default:
		return 0, false
	}
}
