package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// WorkflowDefinition is the JSON-serializable step graph of a workflow.
type WorkflowDefinition struct {
	Steps         []StepDefinition `json:"steps" yaml:"steps"`
	ErrorHandling ErrorHandling    `json:"error_handling" yaml:"error_handling"`
}

// ErrorHandling is the workflow-wide failure policy.
type ErrorHandling struct {
	RetryCount     int    `json:"retry_count" yaml:"retry_count"`
	FallbackAction string `json:"fallback_action,omitempty" yaml:"fallback_action,omitempty"` // fail | notify (default: fail)
	RetryBackoff   string `json:"retry_backoff,omitempty" yaml:"retry_backoff,omitempty"`     // none | constant | linear | exponential
	RetryDelay     string `json:"retry_delay,omitempty" yaml:"retry_delay,omitempty"`         // e.g. "500ms"
	RetryMaxDelay  string `json:"retry_max_delay,omitempty" yaml:"retry_max_delay,omitempty"`
}

// Fallback actions.
const (
	FallbackFail   = "fail"
	FallbackNotify = "notify"
)

// RetryPolicy derives the per-step retry policy from the workflow policy.
func (h ErrorHandling) RetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		Max:      h.RetryCount,
		Backoff:  h.RetryBackoff,
		Delay:    h.RetryDelay,
		MaxDelay: h.RetryMaxDelay,
	}
}

// RetryPolicy configures retry behavior for a step.
type RetryPolicy struct {
	Max      int    `json:"max"`
	Backoff  string `json:"backoff,omitempty"` // none | constant | linear | exponential (default: none)
	Delay    string `json:"delay,omitempty"`   // initial delay (e.g. "1s", "500ms")
	MaxDelay string `json:"max_delay,omitempty"`
}

// StepDefinition describes a single step in a workflow.
type StepDefinition struct {
	ID        string         `json:"id" yaml:"id"`
	Type      StepType       `json:"type" yaml:"type"`
	Config    map[string]any `json:"config,omitempty" yaml:"config,omitempty"`
	Next      *Next          `json:"next,omitempty" yaml:"next,omitempty"`
	DependsOn []string       `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
}

// StepType enumerates the kinds of steps in a workflow.
type StepType string

const (
	StepTypeAIAnalysis     StepType = "ai_analysis"
	StepTypeDataTransform  StepType = "data_transform"
	StepTypeExternalAction StepType = "external_action"
	StepTypeCondition      StepType = "condition"
	StepTypeNotification   StepType = "notification"
	StepTypeWebhook        StepType = "webhook"
	StepTypeDelay          StepType = "delay"
)

// StepTypes lists every supported step type in declaration order.
var StepTypes = []StepType{
	StepTypeAIAnalysis,
	StepTypeDataTransform,
	StepTypeExternalAction,
	StepTypeCondition,
	StepTypeNotification,
	StepTypeWebhook,
	StepTypeDelay,
}

// Valid reports whether t is one of the supported step types.
func (t StepType) Valid() bool {
	for _, s := range StepTypes {
		if s == t {
			return true
		}
	}
	return false
}

// Condition is a single comparison against the execution context.
// When Expression is set it is evaluated as CEL and the other fields are ignored.
type Condition struct {
	Field      string `json:"field,omitempty" yaml:"field,omitempty"`
	Operator   string `json:"operator,omitempty" yaml:"operator,omitempty"`
	Value      any    `json:"value,omitempty" yaml:"value,omitempty"`
	Expression string `json:"expression,omitempty" yaml:"expression,omitempty"`
}

// Condition operators.
const (
	OpEquals      = "equals"
	OpNotEquals   = "not_equals"
	OpContains    = "contains"
	OpGreaterThan = "greater_than"
	OpLessThan    = "less_than"
	OpExists      = "exists"
)

// Branch selects one of two successors based on a condition.
type Branch struct {
	Condition *Condition `json:"condition,omitempty" yaml:"condition,omitempty"`
	True      string     `json:"true,omitempty" yaml:"true,omitempty"`
	False     string     `json:"false,omitempty" yaml:"false,omitempty"`
}

// Next is the outgoing edge of a step: either an unconditional target id or a
// conditional branch. A nil *Next, or one with neither set, is terminal.
type Next struct {
	Step   string
	Branch *Branch
}

// Terminal reports whether the edge ends the run.
func (n *Next) Terminal() bool {
	return n == nil || (n.Step == "" && n.Branch == nil)
}

func (n Next) MarshalJSON() ([]byte, error) {
	if n.Branch != nil {
		return json.Marshal(n.Branch)
	}
	if n.Step == "" {
		return []byte("null"), nil
	}
	return json.Marshal(n.Step)
}

func (n *Next) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case len(data) == 0 || bytes.Equal(data, []byte("null")):
		*n = Next{}
		return nil
	case data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*n = Next{Step: s}
		return nil
	case data[0] == '{':
		var b Branch
		if err := json.Unmarshal(data, &b); err != nil {
			return err
		}
		*n = Next{Branch: &b}
		return nil
	default:
		return fmt.Errorf("next: expected string, object or null, got %s", string(data))
	}
}

// UnmarshalYAML accepts the same shapes as UnmarshalJSON from YAML definition files.
func (n *Next) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err == nil {
		*n = Next{Step: s}
		return nil
	}
	var b Branch
	if err := unmarshal(&b); err != nil {
		return fmt.Errorf("next: expected string or mapping: %w", err)
	}
	*n = Next{Branch: &b}
	return nil
}

// StepByID returns the step with the given id, or nil.
func (d *WorkflowDefinition) StepByID(id string) *StepDefinition {
	for i := range d.Steps {
		if d.Steps[i].ID == id {
			return &d.Steps[i]
		}
	}
	return nil
}

// EntryStep returns the first declared step without dependencies, or nil.
func (d *WorkflowDefinition) EntryStep() *StepDefinition {
	for i := range d.Steps {
		if len(d.Steps[i].DependsOn) == 0 {
			return &d.Steps[i]
		}
	}
	return nil
}
