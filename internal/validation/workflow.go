package validation

import (
	"github.com/vallit/flowexec/internal/expressions"
	"github.com/vallit/flowexec/pkg/schema"
)

// WorkflowValidator runs the three-stage validation pipeline:
// 1. Structural (JSON Schema)
// 2. Semantic (step types, references, per-type config, expressions)
// 3. Graph (entry step, cycles, reachability)
type WorkflowValidator struct {
	jsonSchema *JSONSchemaValidator
	checkers   Checkers
}

// NewWorkflowValidator creates a WorkflowValidator. A zero Checkers gets a CEL,
// expr and jq engine of its own.
func NewWorkflowValidator(chk Checkers) (*WorkflowValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	if chk.CEL == nil {
		cel, err := expressions.NewCELEngine()
		if err != nil {
			return nil, err
		}
		chk.CEL = cel
	}
	if chk.Expr == nil {
		chk.Expr = expressions.NewExprEngine()
	}
	if chk.JQ == nil {
		chk.JQ = expressions.NewGoJQEngine()
	}
	return &WorkflowValidator{jsonSchema: jsv, checkers: chk}, nil
}

// Validate runs the pipeline and returns an aggregated result.
// Structural errors short-circuit; graph analysis needs a semantically valid
// definition.
func (wv *WorkflowValidator) Validate(def *schema.WorkflowDefinition) *schema.ValidationResult {
	if def == nil {
		r := &schema.ValidationResult{}
		r.AddError("/", schema.IssueSchema, "workflow definition is nil")
		return r
	}

	result := validateStructural(wv.jsonSchema, def)
	if !result.Valid() {
		return result
	}

	result.Merge(validateSemantic(def, wv.checkers))

	if result.Valid() {
		result.Merge(validateGraph(def))
	}
	return result
}

// ValidateDefinition satisfies the Validator interface.
func (wv *WorkflowValidator) ValidateDefinition(def *schema.WorkflowDefinition) error {
	return wv.Validate(def).ToError()
}

// ValidateInput delegates to the underlying JSONSchemaValidator.
func (wv *WorkflowValidator) ValidateInput(input map[string]any, inputSchema []byte) error {
	return wv.jsonSchema.ValidateInput(input, inputSchema)
}

// validateStructural converts the JSON Schema outcome into issues.
func validateStructural(v *JSONSchemaValidator, def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	err := v.ValidateDefinition(def)
	if err == nil {
		return result
	}

	fe, ok := err.(*schema.FlowError)
	if !ok {
		result.AddError("/", schema.IssueSchema, err.Error())
		return result
	}

	if violations, ok := fe.Details["violations"].([]string); ok {
		for _, v := range violations {
			result.AddError("/", schema.IssueSchema, v)
		}
		return result
	}
	result.AddError("/", schema.IssueSchema, fe.Message)
	return result
}
