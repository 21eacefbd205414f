package expressions

import (
	"regexp"
	"strconv"
	"strings"
)

// ContextRef is a parsed {{a.b.c}} reference into the execution context.
type ContextRef struct {
	Path []string
}

var (
	wholeRefPattern = regexp.MustCompile(`^\{\{\s*([^{}]+?)\s*\}\}$`)
	embedRefPattern = regexp.MustCompile(`\{\{\s*([^{}]+?)\s*\}\}`)
)

// ParsePath builds a reference from a dot-separated path such as "input.user.name".
func ParsePath(path string) ContextRef {
	path = strings.TrimSpace(path)
	if path == "" {
		return ContextRef{}
	}
	return ContextRef{Path: strings.Split(path, ".")}
}

// ParseRef parses a string that consists of exactly one {{path}} reference.
// The second return is false for any other string.
func ParseRef(s string) (ContextRef, bool) {
	m := wholeRefPattern.FindStringSubmatch(s)
	if m == nil {
		return ContextRef{}, false
	}
	return ParsePath(m[1]), true
}

// HasRefs reports whether s contains at least one {{...}} marker.
func HasRefs(s string) bool {
	return embedRefPattern.MatchString(s)
}

func (r ContextRef) String() string {
	return "{{" + strings.Join(r.Path, ".") + "}}"
}

// Root returns the first path segment, the top-level context key.
func (r ContextRef) Root() string {
	if len(r.Path) == 0 {
		return ""
	}
	return r.Path[0]
}

// Lookup walks the reference into root. Maps are indexed by key and slices by
// numeric segment. Any missing segment yields (nil, false).
func (r ContextRef) Lookup(root map[string]any) (any, bool) {
	if len(r.Path) == 0 || root == nil {
		return nil, false
	}
	var current any = root
	for _, seg := range r.Path {
		switch v := current.(type) {
		case map[string]any:
			next, ok := v[seg]
			if !ok {
				return nil, false
			}
			current = next
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(v) {
				return nil, false
			}
			current = v[idx]
		default:
			return nil, false
		}
	}
	return current, true
}
