package validation

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vallit/flowexec/pkg/schema"
)

func newJSV(t *testing.T) *JSONSchemaValidator {
	t.Helper()
	v, err := NewJSONSchemaValidator()
	require.NoError(t, err)
	require.NotNil(t, v.workflowSchema)
	return v
}

// --- ValidateDefinition ---

func TestValidateDefinition_Nil(t *testing.T) {
	err := newJSV(t).ValidateDefinition(nil)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
}

func TestValidateDefinition_MinimalValid(t *testing.T) {
	def := &schema.WorkflowDefinition{
		Steps: []schema.StepDefinition{{ID: "s1", Type: schema.StepTypeDelay}},
	}
	assert.NoError(t, newJSV(t).ValidateDefinition(def))
}

func TestValidateDefinition_FullValid(t *testing.T) {
	def := &schema.WorkflowDefinition{
		Steps: []schema.StepDefinition{
			{
				ID:     "check",
				Type:   schema.StepTypeCondition,
				Config: map[string]any{"condition": map[string]any{"field": "{{input.score}}", "operator": "greater_than", "value": 50}},
				Next: &schema.Next{Branch: &schema.Branch{
					Condition: &schema.Condition{Field: "{{input.score}}", Operator: schema.OpGreaterThan, Value: 50},
					True:      "hot",
					False:     "cold",
				}},
			},
			{ID: "hot", Type: schema.StepTypeNotification, Config: map[string]any{"message": "hot"}, DependsOn: []string{"check"}, Next: &schema.Next{Step: "done"}},
			{ID: "cold", Type: schema.StepTypeDelay, DependsOn: []string{"check"}},
			{ID: "done", Type: schema.StepTypeDelay, DependsOn: []string{"hot"}},
		},
		ErrorHandling: schema.ErrorHandling{
			RetryCount:     3,
			FallbackAction: schema.FallbackNotify,
			RetryBackoff:   "exponential",
			RetryDelay:     "200ms",
			RetryMaxDelay:  "5s",
		},
	}
	assert.NoError(t, newJSV(t).ValidateDefinition(def))
}

func TestValidateDefinition_EmptySteps(t *testing.T) {
	err := newJSV(t).ValidateDefinition(&schema.WorkflowDefinition{Steps: []schema.StepDefinition{}})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
}

func TestValidateDefinition_StructuralViolations(t *testing.T) {
	tests := []struct {
		name string
		def  *schema.WorkflowDefinition
	}{
		{
			name: "missing id",
			def:  &schema.WorkflowDefinition{Steps: []schema.StepDefinition{{Type: schema.StepTypeDelay}}},
		},
		{
			name: "missing type",
			def:  &schema.WorkflowDefinition{Steps: []schema.StepDefinition{{ID: "a"}}},
		},
		{
			name: "bad retry backoff",
			def: &schema.WorkflowDefinition{
				Steps:         []schema.StepDefinition{{ID: "a", Type: schema.StepTypeDelay}},
				ErrorHandling: schema.ErrorHandling{RetryBackoff: "fibonacci"},
			},
		},
		{
			name: "bad retry delay",
			def: &schema.WorkflowDefinition{
				Steps:         []schema.StepDefinition{{ID: "a", Type: schema.StepTypeDelay}},
				ErrorHandling: schema.ErrorHandling{RetryDelay: "soon"},
			},
		},
		{
			name: "negative retry count",
			def: &schema.WorkflowDefinition{
				Steps:         []schema.StepDefinition{{ID: "a", Type: schema.StepTypeDelay}},
				ErrorHandling: schema.ErrorHandling{RetryCount: -1},
			},
		},
	}

	v := newJSV(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.ValidateDefinition(tt.def)
			require.Error(t, err)
			fe, ok := err.(*schema.FlowError)
			require.True(t, ok)
			assert.Equal(t, schema.ErrCodeValidation, fe.Code)
			assert.NotEmpty(t, fe.Details["violations"])
		})
	}
}

func TestValidateDefinition_NextShapes(t *testing.T) {
	v := newJSV(t)
	for _, next := range []*schema.Next{
		nil,
		{},
		{Step: "b"},
		{Branch: &schema.Branch{True: "b"}},
	} {
		def := &schema.WorkflowDefinition{Steps: []schema.StepDefinition{
			{ID: "a", Type: schema.StepTypeDelay, Next: next},
			{ID: "b", Type: schema.StepTypeDelay, DependsOn: []string{"a"}},
		}}
		assert.NoError(t, v.ValidateDefinition(def))
	}
}

func TestValidateDefinition_Concurrent(t *testing.T) {
	v := newJSV(t)
	def := &schema.WorkflowDefinition{Steps: []schema.StepDefinition{{ID: "a", Type: schema.StepTypeDelay}}}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, v.ValidateDefinition(def))
		}()
	}
	wg.Wait()
}

// --- ValidateInput ---

func TestValidateInput_NilInput(t *testing.T) {
	err := newJSV(t).ValidateInput(nil, []byte(`{"type": "object"}`))
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
}

func TestValidateInput_EmptySchema(t *testing.T) {
	v := newJSV(t)
	assert.NoError(t, v.ValidateInput(map[string]any{"foo": "bar"}, nil))
	assert.NoError(t, v.ValidateInput(map[string]any{"foo": "bar"}, []byte{}))
}

func TestValidateInput(t *testing.T) {
	leadSchema := []byte(`{
		"type": "object",
		"required": ["email", "score"],
		"properties": {
			"email": {"type": "string", "format": "email"},
			"score": {"type": "integer", "minimum": 0, "maximum": 100},
			"tier": {"enum": ["gold", "silver"]}
		}
	}`)

	tests := []struct {
		name    string
		input   map[string]any
		wantErr bool
	}{
		{name: "valid", input: map[string]any{"email": "ada@example.com", "score": 80, "tier": "gold"}},
		{name: "missing required", input: map[string]any{"email": "ada@example.com"}, wantErr: true},
		{name: "wrong type", input: map[string]any{"email": "ada@example.com", "score": "high"}, wantErr: true},
		{name: "above maximum", input: map[string]any{"email": "ada@example.com", "score": 101}, wantErr: true},
		{name: "bad format", input: map[string]any{"email": "not-an-email", "score": 1}, wantErr: true},
		{name: "bad enum", input: map[string]any{"email": "ada@example.com", "score": 1, "tier": "bronze"}, wantErr: true},
	}

	v := newJSV(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.ValidateInput(tt.input, leadSchema)
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestValidateInput_InvalidSchema(t *testing.T) {
	err := newJSV(t).ValidateInput(map[string]any{}, []byte(`{not json`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid input schema")
}

func TestValidateInput_SchemaCaching(t *testing.T) {
	v := newJSV(t)
	s := []byte(`{"type": "object"}`)

	require.NoError(t, v.ValidateInput(map[string]any{}, s))
	require.NoError(t, v.ValidateInput(map[string]any{"a": 1}, s))

	v.mu.RLock()
	defer v.mu.RUnlock()
	assert.Len(t, v.cache, 1)
}

func TestValidateInput_MultipleErrors(t *testing.T) {
	s := []byte(`{
		"type": "object",
		"required": ["a", "b"],
		"properties": {"a": {"type": "string"}, "b": {"type": "string"}},
		"additionalProperties": false
	}`)
	err := newJSV(t).ValidateInput(map[string]any{"c": 1}, s)
	require.Error(t, err)

	fe, ok := err.(*schema.FlowError)
	require.True(t, ok)
	violations, ok := fe.Details["violations"].([]string)
	require.True(t, ok)
	assert.GreaterOrEqual(t, len(violations), 2)
}
