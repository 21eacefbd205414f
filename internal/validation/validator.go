package validation

import "github.com/vallit/flowexec/pkg/schema"

// Validator checks workflow definitions before they are stored or run.
// Input validation uses JSON Schema Draft 2020-12.
type Validator interface {
	ValidateDefinition(def *schema.WorkflowDefinition) error
	ValidateInput(input map[string]any, inputSchema []byte) error
}
