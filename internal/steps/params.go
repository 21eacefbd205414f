package steps

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/vallit/flowexec/internal/expressions"
)

// Param helpers shared by the handler files.

func stringParam(m map[string]any, key, defaultVal string) string {
	v, ok := m[key]
	if !ok || v == nil {
		return defaultVal
	}
	s, ok := v.(string)
	if !ok {
		return defaultVal
	}
	return s
}

// firstString returns the first non-empty string value among keys.
func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s := stringParam(m, k, ""); s != "" {
			return s
		}
	}
	return ""
}

// intParam reads an integer. ok is false when the key is present but not a
// whole number that fits in an int64.
func intParam(m map[string]any, key string, defaultVal int64) (int64, bool) {
	v, present := m[key]
	if !present || v == nil {
		return defaultVal, true
	}
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		if n != math.Trunc(n) || n < math.MinInt64 || n >= math.MaxInt64 {
			return defaultVal, false
		}
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return defaultVal, false
		}
		return i, true
	default:
		return defaultVal, false
	}
}

func mapParam(m map[string]any, key string) map[string]any {
	v, ok := m[key].(map[string]any)
	if !ok {
		return nil
	}
	return v
}

func sliceParam(m map[string]any, key string) []any {
	v, ok := m[key].([]any)
	if !ok {
		return nil
	}
	return v
}

// stringMap flattens a header-style object into strings.
func stringMap(v any) (map[string]string, error) {
	if v == nil {
		return nil, nil
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("expected an object, got %T", v)
	}
	out := make(map[string]string, len(m))
	for k, val := range m {
		out[k] = expressions.Stringify(val)
	}
	return out, nil
}
