package expressions

import (
	"context"
	"encoding/json"
	"math"
	"reflect"
	"strconv"
	"strings"

	"github.com/vallit/flowexec/pkg/schema"
)

// KnownOperator reports whether op is a supported comparison operator.
func KnownOperator(op string) bool {
	switch op {
	case schema.OpEquals, schema.OpNotEquals, schema.OpContains,
		schema.OpGreaterThan, schema.OpLessThan, schema.OpExists:
		return true
	}
	return false
}

// Evaluator decides conditions against the execution context.
type Evaluator struct {
	cel *CELEngine
}

// NewEvaluator creates an Evaluator. cel may be nil, in which case conditions
// carrying an expression fail with a validation error.
func NewEvaluator(cel *CELEngine) *Evaluator {
	return &Evaluator{cel: cel}
}

// Evaluate decides cond. A nil condition is true. The field is resolved as a
// template first; a field that is not a template is compared literally.
// Unknown operators evaluate to false.
func (e *Evaluator) Evaluate(ctx context.Context, cond *schema.Condition, l Lookuper) (bool, error) {
	if cond == nil {
		return true, nil
	}
	if cond.Expression != "" {
		return e.evaluateCEL(ctx, cond.Expression, l)
	}

	var field any = cond.Field
	if cond.Field != "" {
		field = ResolveString(cond.Field, l)
	}
	return Compare(field, cond.Operator, cond.Value), nil
}

func (e *Evaluator) evaluateCEL(ctx context.Context, expression string, l Lookuper) (bool, error) {
	if e.cel == nil {
		return false, schema.NewError(schema.ErrCodeValidation, "CEL expressions are not enabled")
	}
	out, err := e.cel.Evaluate(ctx, expression, l.Snapshot())
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeValidation,
			"condition expression %q returned %T, expected bool", expression, out)
	}
	return b, nil
}

// Compare applies a single operator to a resolved field value.
func Compare(field any, op string, value any) bool {
	switch op {
	case schema.OpEquals:
		return looseEqual(field, value)
	case schema.OpNotEquals:
		return !looseEqual(field, value)
	case schema.OpContains:
		return strings.Contains(Stringify(field), Stringify(value))
	case schema.OpGreaterThan:
		a, b := toNumber(field), toNumber(value)
		return a > b
	case schema.OpLessThan:
		a, b := toNumber(field), toNumber(value)
		return a < b
	case schema.OpExists:
		return field != nil
	default:
		return false
	}
}

// ConditionFromValue decodes a condition object from raw step config.
// nil input yields a nil condition.
func ConditionFromValue(v any) (*schema.Condition, error) {
	switch c := v.(type) {
	case nil:
		return nil, nil
	case *schema.Condition:
		return c, nil
	case schema.Condition:
		return &c, nil
	case map[string]any:
		b, err := json.Marshal(c)
		if err != nil {
			return nil, err
		}
		var cond schema.Condition
		if err := json.Unmarshal(b, &cond); err != nil {
			return nil, err
		}
		return &cond, nil
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "condition must be an object, got %T", v)
	}
}

// looseEqual is strict equality except that numbers of different Go types
// compare by value.
func looseEqual(a, b any) bool {
	if na, ok := numeric(a); ok {
		if nb, ok := numeric(b); ok {
			return na == nb
		}
		return false
	}
	return reflect.DeepEqual(a, b)
}

func numeric(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// toNumber coerces like a numeric cast: numbers as is, booleans to 0/1, numeric
// strings parsed, anything else (absent values included) NaN so every
// comparison against it is false.
func toNumber(v any) float64 {
	if n, ok := numeric(v); ok {
		return n
	}
	switch val := v.(type) {
	case bool:
		if val {
			return 1
		}
		return 0
	case string:
		s := strings.TrimSpace(val)
		if s == "" {
			return 0
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return math.NaN()
		}
		return f
	}
	return math.NaN()
}
