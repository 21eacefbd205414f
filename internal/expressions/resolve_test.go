package expressions

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestScope(t *testing.T, input map[string]any) *Scope {
	t.Helper()
	return NewScope(input, map[string]any{"id": "wf-1", "name": "demo"}, "user-1",
		time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))
}

func TestParseRef(t *testing.T) {
	tests := []struct {
		in   string
		ok   bool
		path []string
	}{
		{"{{input.x}}", true, []string{"input", "x"}},
		{"{{ input.user.name }}", true, []string{"input", "user", "name"}},
		{"{{step_a}}", true, []string{"step_a"}},
		{"hello {{input.x}}", false, nil},
		{"{{a}} and {{b}}", false, nil},
		{"plain", false, nil},
		{"{{}}", false, nil},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			ref, ok := ParseRef(tt.in)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.path, ref.Path)
			}
		})
	}
}

func TestContextRef_Lookup(t *testing.T) {
	root := map[string]any{
		"input": map[string]any{
			"items": []any{map[string]any{"n": 1.0}, "second"},
			"nil":   nil,
		},
	}

	v, ok := ParsePath("input.items.0.n").Lookup(root)
	require.True(t, ok)
	assert.Equal(t, 1.0, v)

	v, ok = ParsePath("input.items.1").Lookup(root)
	require.True(t, ok)
	assert.Equal(t, "second", v)

	v, ok = ParsePath("input.nil").Lookup(root)
	assert.True(t, ok, "present-but-null is found")
	assert.Nil(t, v)

	_, ok = ParsePath("input.items.5").Lookup(root)
	assert.False(t, ok)
	_, ok = ParsePath("input.missing.deeper").Lookup(root)
	assert.False(t, ok)
	_, ok = ParsePath("input.items.0.n.x").Lookup(root)
	assert.False(t, ok)
	_, ok = ContextRef{}.Lookup(root)
	assert.False(t, ok)
}

func TestResolveString_WholeReferenceKeepsType(t *testing.T) {
	s := newTestScope(t, map[string]any{"score": 80.0, "tags": []any{"a", "b"}})

	assert.Equal(t, 80.0, ResolveString("{{input.score}}", s))
	assert.Equal(t, []any{"a", "b"}, ResolveString("{{input.tags}}", s))
	assert.Equal(t, "user-1", ResolveString("{{user}}", s))
	assert.Equal(t, "wf-1", ResolveString("{{workflow.id}}", s))
}

func TestResolveString_MissingIsAbsent(t *testing.T) {
	s := newTestScope(t, nil)
	assert.Nil(t, ResolveString("{{input.nope}}", s))
	assert.Nil(t, ResolveString("{{step_missing.result}}", s))
}

func TestResolveString_NoMarkersUnchanged(t *testing.T) {
	s := newTestScope(t, nil)
	for _, in := range []string{"", "hello", "{ not a ref }", "{{unclosed"} {
		assert.Equal(t, in, ResolveString(in, s))
	}
}

func TestResolveString_Embedded(t *testing.T) {
	s := newTestScope(t, map[string]any{"name": "Ada", "count": 3.0, "obj": map[string]any{"k": "v"}})

	assert.Equal(t, "Hello Ada, you have 3 items", ResolveString("Hello {{input.name}}, you have {{input.count}} items", s))
	assert.Equal(t, "missing: []", ResolveString("missing: [{{input.none}}]", s))
	assert.Equal(t, `obj={"k":"v"}`, ResolveString("obj={{input.obj}}", s))
}

func TestResolveConfig_RecursesAndDoesNotMutate(t *testing.T) {
	s := newTestScope(t, map[string]any{"id": "db-1", "title": "T"})
	cfg := map[string]any{
		"database_id": "{{input.id}}",
		"properties": map[string]any{
			"Name": "{{input.title}}",
			"List": []any{"{{input.id}}", 2.0},
		},
		"static": true,
	}

	out := ResolveConfig(cfg, s)
	assert.Equal(t, "db-1", out["database_id"])
	assert.Equal(t, "T", out["properties"].(map[string]any)["Name"])
	assert.Equal(t, []any{"db-1", 2.0}, out["properties"].(map[string]any)["List"])
	assert.Equal(t, true, out["static"])

	assert.Equal(t, "{{input.id}}", cfg["database_id"], "source config untouched")
	assert.Empty(t, ResolveConfig(nil, s))
}

func TestStringify(t *testing.T) {
	assert.Equal(t, "", Stringify(nil))
	assert.Equal(t, "1.5", Stringify(1.5))
	assert.Equal(t, "42", Stringify(42.0))
	assert.Equal(t, "7", Stringify(7))
	assert.Equal(t, "true", Stringify(true))
	assert.Equal(t, `[1,"a"]`, Stringify([]any{1.0, "a"}))
}
