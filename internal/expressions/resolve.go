package expressions

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// ResolveString resolves template references in s.
//
// A string that is exactly one {{path}} resolves to the referenced value with its
// type preserved, or nil when the path is absent. References embedded in a longer
// string are replaced by their string form; absent ones become "". A string with
// no markers is returned unchanged.
func ResolveString(s string, l Lookuper) any {
	if ref, ok := ParseRef(s); ok {
		v, found := l.Lookup(ref)
		if !found {
			return nil
		}
		return v
	}
	if !HasRefs(s) {
		return s
	}
	return embedRefPattern.ReplaceAllStringFunc(s, func(m string) string {
		sub := embedRefPattern.FindStringSubmatch(m)
		v, found := l.Lookup(ParsePath(sub[1]))
		if !found {
			return ""
		}
		return Stringify(v)
	})
}

// ResolveValue walks maps and slices, resolving every string it finds.
// The input is never modified.
func ResolveValue(v any, l Lookuper) any {
	switch val := v.(type) {
	case string:
		return ResolveString(val, l)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = ResolveValue(item, l)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = ResolveValue(item, l)
		}
		return out
	default:
		return val
	}
}

// ResolveConfig resolves every template in a step config.
func ResolveConfig(cfg map[string]any, l Lookuper) map[string]any {
	if cfg == nil {
		return map[string]any{}
	}
	return ResolveValue(cfg, l).(map[string]any)
}

// Stringify renders a resolved value for embedding in text.
func Stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(val), 'f', -1, 32)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case json.Number:
		return val.String()
	case map[string]any, []any:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(b)
	default:
		return fmt.Sprintf("%v", val)
	}
}
