package mcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSessionRegistry_RegisterAndLookup(t *testing.T) {
	r := NewSessionRegistry()

	r.Register("user-1", "session-abc")
	sid, ok := r.SessionFor("user-1")
	assert.True(t, ok)
	assert.Equal(t, "session-abc", sid)
}

func TestSessionRegistry_NotFound(t *testing.T) {
	r := NewSessionRegistry()

	_, ok := r.SessionFor("unknown")
	assert.False(t, ok)
}

func TestSessionRegistry_Overwrite(t *testing.T) {
	r := NewSessionRegistry()

	r.Register("user-1", "session-old")
	r.Register("user-1", "session-new")

	sid, ok := r.SessionFor("user-1")
	assert.True(t, ok)
	assert.Equal(t, "session-new", sid)
	assert.Equal(t, 1, r.Len())
}

func TestSessionRegistry_RemoveDropsEveryUserOfSession(t *testing.T) {
	r := NewSessionRegistry()

	r.Register("user-1", "shared")
	r.Register("user-2", "shared")
	r.Register("user-3", "other")

	r.Remove("shared")

	_, ok := r.SessionFor("user-1")
	assert.False(t, ok)
	_, ok = r.SessionFor("user-2")
	assert.False(t, ok)
	sid, ok := r.SessionFor("user-3")
	assert.True(t, ok)
	assert.Equal(t, "other", sid)
}
