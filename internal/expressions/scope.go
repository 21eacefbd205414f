package expressions

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/vallit/flowexec/pkg/schema"
)

// Context keys seeded into every run.
const (
	KeyInput     = "input"
	KeyWorkflow  = "workflow"
	KeyUser      = "user"
	KeyTimestamp = "timestamp"
	KeyItem      = "item"

	stepKeyPrefix = "step_"
)

// StepKey returns the context key under which a step's result is recorded.
func StepKey(stepID string) string {
	return stepKeyPrefix + stepID
}

// Lookuper resolves references against some view of the execution context.
type Lookuper interface {
	Lookup(ref ContextRef) (any, bool)
	Snapshot() map[string]any
}

// Scope is the execution context of a single run. It is append-only:
// a key, once written, cannot be overwritten. Values are frozen (deep-copied)
// on insert and every read hands out copies.
type Scope struct {
	mu   sync.RWMutex
	vars map[string]any
}

// NewScope seeds a context with the run's input, workflow metadata, invoking user
// and start timestamp. input and workflow are deep-copied.
func NewScope(input, workflow map[string]any, user string, startedAt time.Time) *Scope {
	if input == nil {
		input = map[string]any{}
	}
	return &Scope{
		vars: map[string]any{
			KeyInput:     normalize(input),
			KeyWorkflow:  normalize(workflow),
			KeyUser:      user,
			KeyTimestamp: startedAt.UTC().Format(time.RFC3339Nano),
		},
	}
}

// Set records a value under key. Writing an existing key is rejected.
func (s *Scope) Set(key string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.vars[key]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict,
			"context key %q already set; the execution context is append-only", key)
	}
	s.vars[key] = normalize(value)
	return nil
}

// SetStepResult records a completed step's result under step_<id>.
func (s *Scope) SetStepResult(stepID string, result any) error {
	return s.Set(StepKey(stepID), result)
}

// Get returns a copy of the value stored under key.
func (s *Scope) Get(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.vars[key]
	return deepCopyAny(v), ok
}

// Lookup resolves ref against the context. The returned value is a copy.
func (s *Scope) Lookup(ref ContextRef) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := ref.Lookup(s.vars)
	return deepCopyAny(v), ok
}

// Snapshot returns a deep copy of the whole context.
func (s *Scope) Snapshot() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return deepCopyMap(s.vars)
}

// Len returns the number of top-level keys.
func (s *Scope) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.vars)
}

// WithItem returns a read-only view of the context with "item" bound to v.
// Used to evaluate per-element predicates.
func (s *Scope) WithItem(v any) MapView {
	snap := s.Snapshot()
	snap[KeyItem] = normalize(v)
	return MapView(snap)
}

// MapView is a Lookuper over a plain map. It is not copied on read.
type MapView map[string]any

func (m MapView) Lookup(ref ContextRef) (any, bool) {
	return ref.Lookup(m)
}

func (m MapView) Snapshot() map[string]any {
	return m
}

var (
	_ Lookuper = (*Scope)(nil)
	_ Lookuper = MapView(nil)
)

// --- Deep copy utilities ---

// deepCopyMap creates a deep copy of a map[string]any.
func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = deepCopyAny(v)
	}
	return cp
}

// deepCopyAny recursively deep-copies maps and slices. Scalars are returned as is.
func deepCopyAny(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		cp := make([]any, len(val))
		for i, item := range val {
			cp[i] = deepCopyAny(item)
		}
		return cp
	default:
		return v
	}
}

// DeepCopy returns a deep copy of m.
func DeepCopy(m map[string]any) map[string]any {
	return deepCopyMap(m)
}

// normalize converts v into the plain JSON value space (map[string]any, []any,
// string, bool, numbers, nil) so references can walk it. Values already in that
// space are deep-copied; anything else goes through a JSON round trip.
func normalize(v any) any {
	switch val := v.(type) {
	case nil, string, bool, float64, float32, int, int32, int64, uint, uint32, uint64, json.Number:
		return val
	case map[string]any:
		cp := make(map[string]any, len(val))
		for k, item := range val {
			cp[k] = normalize(item)
		}
		return cp
	case []any:
		cp := make([]any, len(val))
		for i, item := range val {
			cp[i] = normalize(item)
		}
		return cp
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return val
		}
		var out any
		if err := json.Unmarshal(b, &out); err != nil {
			return val
		}
		return out
	}
}

// Normalize exposes normalize for collaborators that hand back typed values.
func Normalize(v any) any {
	return normalize(v)
}
