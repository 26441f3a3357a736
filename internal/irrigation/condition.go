package irrigation

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	logx "github.com/goatboynz/ha-irrigation-control/pkg/logx"
)

type Operator string

const (
	OpEq       Operator = "=="
	OpNe       Operator = "!="
	OpGt       Operator = ">"
	OpLt       Operator = "<"
	OpGe       Operator = ">="
	OpLe       Operator = "<="
	OpContains Operator = "contains"
)

var ErrUnknownOperator = errors.New("unknown operator")

func (o Operator) Valid() bool {
	switch o {
	case OpEq, OpNe, OpGt, OpLt, OpGe, OpLe, OpContains:
		return true
	}
	return false
}

func (k ConditionKind) Valid() bool {
	return k == KindState || k == KindNumeric
}

// Compare checks a fetched value against a condition. A numeric parse
// failure returns false with the error so callers can report it.
func Compare(kind ConditionKind, op Operator, actual, expected string) (bool, error) {
	switch kind {
	case KindState:
		return compareOrdered(op, actual, expected)
	case KindNumeric:
		if op == OpContains {
			return false, nil
		}
		a, err := strconv.ParseFloat(strings.TrimSpace(actual), 64)
		if err != nil {
			return false, fmt.Errorf("fetched value %q is not numeric", actual)
		}
		e, err := strconv.ParseFloat(strings.TrimSpace(expected), 64)
		if err != nil {
			return false, fmt.Errorf("expected value %q is not numeric", expected)
		}
		return compareOrdered(op, a, e)
	default:
		return false, fmt.Errorf("unknown condition kind %q", kind)
	}
}

func compareOrdered[T string | float64](op Operator, a, b T) (bool, error) {
	switch op {
	case OpEq:
		return a == b, nil
	case OpNe:
		return a != b, nil
	case OpGt:
		return a > b, nil
	case OpLt:
		return a < b, nil
	case OpGe:
		return a >= b, nil
	case OpLe:
		return a <= b, nil
	case OpContains:
		as, aok := any(a).(string)
		bs, bok := any(b).(string)
		return aok && bok && strings.Contains(as, bs), nil
	default:
		return false, fmt.Errorf("%w %q", ErrUnknownOperator, op)
	}
}

// StateReader fetches the current state of an entity.
type StateReader interface {
	GetDeviceState(ctx context.Context, entityID string) (string, error)
}

// Evaluator checks a schedule's conditions against live entity state.
type Evaluator struct {
	states StateReader
	log    logx.Logger
}

func NewEvaluator(states StateReader, log logx.Logger) *Evaluator {
	return &Evaluator{states: states, log: log}
}

// Check reports whether every condition holds. It stops at the first one
// that does not and returns a short reason. Fetch and parse failures count
// as not satisfied.
func (e *Evaluator) Check(ctx context.Context, conds []Condition) (bool, string) {
	for _, c := range conds {
		if err := ctx.Err(); err != nil {
			return false, "cancelled"
		}
		actual, err := e.states.GetDeviceState(ctx, c.EntityID)
		if err != nil {
			e.log.Warn("condition state fetch failed", logx.Entity(c.EntityID), logx.Err(err))
			return false, fmt.Sprintf("%s: fetch failed", c.EntityID)
		}
		ok, err := Compare(c.Kind, c.Operator, actual, c.Value)
		if err != nil {
			e.log.Warn("condition evaluation failed",
				logx.Entity(c.EntityID),
				logx.String("op", string(c.Operator)),
				logx.String("value", c.Value),
				logx.String("actual", actual),
				logx.Err(err),
			)
			return false, fmt.Sprintf("%s: %v", c.EntityID, err)
		}
		if !ok {
			return false, fmt.Sprintf("%s %s %s (actual %s)", c.EntityID, c.Operator, c.Value, actual)
		}
	}
	return true, ""
}
