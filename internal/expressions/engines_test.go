package expressions

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vallit/flowexec/pkg/schema"
)

func TestEngines_ImplementEngine(t *testing.T) {
	var _ Engine = (*CELEngine)(nil)
	var _ Engine = (*ExprEngine)(nil)
	var _ Engine = (*GoJQEngine)(nil)
}

func TestCEL_CompileErrorIsValidation(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	err = e.Check("input.score >")
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))

	_, err = e.Evaluate(context.Background(), "", nil)
	assert.Error(t, err)
}

func TestCEL_MissingKeysDefault(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	out, err := e.Evaluate(context.Background(), `has(input.x)`, nil)
	require.NoError(t, err)
	assert.Equal(t, false, out)
}

func TestCEL_CacheIsConcurrencySafe(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := e.Evaluate(context.Background(), `input.n * 2.0`, map[string]any{"input": map[string]any{"n": 2.0}})
			assert.NoError(t, err)
			assert.Equal(t, 4.0, out)
		}()
	}
	wg.Wait()
}

func TestExpr_Predicate(t *testing.T) {
	e := NewExprEngine()

	ok, err := e.Predicate(context.Background(), `item.score > 50 && item.active`,
		map[string]any{"item": map[string]any{"score": 70.0, "active": true}})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = e.Predicate(context.Background(), `item.score > 50`,
		map[string]any{"item": map[string]any{"score": 10.0}})
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = e.Predicate(context.Background(), `item.score + 1`,
		map[string]any{"item": map[string]any{"score": 10.0}})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
}

func TestExpr_CompileError(t *testing.T) {
	e := NewExprEngine()
	_, err := e.Evaluate(context.Background(), `item.score >`, nil)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
}

func TestGoJQ_Transform(t *testing.T) {
	e := NewGoJQEngine()

	out, err := e.Transform(context.Background(), `map(.n) | add`, []any{
		map[string]any{"n": 1.0}, map[string]any{"n": int64(2)},
	})
	require.NoError(t, err)
	assert.Equal(t, 3.0, out)

	out, err = e.Transform(context.Background(), `.[]`, []any{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b"}, out)

	out, err = e.Transform(context.Background(), `empty`, map[string]any{})
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestGoJQ_Errors(t *testing.T) {
	e := NewGoJQEngine()

	_, err := e.Transform(context.Background(), `.[`, nil)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))

	_, err = e.Transform(context.Background(), `error("boom")`, map[string]any{})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeExecution, schema.CodeOf(err))

	_, err = e.Evaluate(context.Background(), `$ENV.HOME`, map[string]any{})
	assert.NoError(t, err, "env is sandboxed to empty, not an error")
}
