package validation

import (
	"fmt"
	"math"

	"github.com/vallit/flowexec/internal/engine"
	"github.com/vallit/flowexec/internal/expressions"
	"github.com/vallit/flowexec/internal/steps"
	"github.com/vallit/flowexec/pkg/schema"
)

// Checkers compile expressions found in a definition. Any of them may be nil,
// which skips that check.
type Checkers struct {
	CEL  *expressions.CELEngine
	Expr *expressions.ExprEngine
	JQ   *expressions.GoJQEngine
}

// validateSemantic checks what the JSON Schema cannot: unique step ids, the
// closed set of step types, references between steps, per-type config and
// the error_handling policy.
func validateSemantic(def *schema.WorkflowDefinition, chk Checkers) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	stepIDs := make(map[string]bool, len(def.Steps))
	for i, s := range def.Steps {
		if stepIDs[s.ID] {
			result.AddError(schema.StepPath(i, "id"), schema.IssueDuplicateStepID,
				fmt.Sprintf("duplicate step id %q", s.ID))
		}
		stepIDs[s.ID] = true
	}

	for i := range def.Steps {
		validateStep(&def.Steps[i], i, stepIDs, chk, result)
	}

	validateErrorHandling(def.ErrorHandling, result)
	return result
}

func validateStep(step *schema.StepDefinition, i int, stepIDs map[string]bool, chk Checkers, result *schema.ValidationResult) {
	if !step.Type.Valid() {
		result.AddError(schema.StepPath(i, "type"), schema.IssueUnknownStepType,
			fmt.Sprintf("unknown step type %q", step.Type))
	}

	for j, dep := range step.DependsOn {
		if !stepIDs[dep] {
			result.AddError(schema.StepPath(i, fmt.Sprintf("depends_on[%d]", j)), schema.IssueUnknownDependsOn,
				fmt.Sprintf("references non-existent step %q", dep))
		}
	}

	if step.Next != nil {
		checkTarget := func(field, target string) {
			if target != "" && !stepIDs[target] {
				result.AddError(schema.StepPath(i, field), schema.IssueUnknownTarget,
					fmt.Sprintf("next step %q does not exist", target))
			}
			if target == step.ID {
				result.AddError(schema.StepPath(i, field), schema.IssueCycle,
					fmt.Sprintf("step %q points at itself", step.ID))
			}
		}
		checkTarget("next", step.Next.Step)
		if b := step.Next.Branch; b != nil {
			checkTarget("next.true", b.True)
			checkTarget("next.false", b.False)
			validateCondition(b.Condition, schema.StepPath(i, "next.condition"), chk, result)
		}
	}

	validateConfig(step, i, chk, result)
}

// validateConfig checks the parameters each step type needs. Values that are
// templates are only known at run time and are not inspected.
func validateConfig(step *schema.StepDefinition, i int, chk Checkers, result *schema.ValidationResult) {
	cfg := step.Config
	missing := func(key string) {
		result.AddError(schema.StepPath(i, "config."+key), schema.IssueMissingConfig,
			fmt.Sprintf("%s step requires config.%s", step.Type, key))
	}

	switch step.Type {
	case schema.StepTypeAIAnalysis:
		if kind, ok := cfg["analysis_type"].(string); ok && !isTemplate(kind) {
			switch steps.AnalysisKind(kind) {
			case steps.AnalysisGeneric, steps.AnalysisExternalPage, steps.AnalysisWorkflowInsights, "external_page", "workflow_insights":
			default:
				result.AddWarning(schema.StepPath(i, "config.analysis_type"), schema.IssueMissingConfig,
					fmt.Sprintf("unknown analysis_type %q runs as generic", kind))
			}
		}

	case schema.StepTypeDataTransform:
		if m, ok := cfg["mapping"]; ok && m != nil {
			if _, isMap := m.(map[string]any); !isMap {
				result.AddError(schema.StepPath(i, "config.mapping"), schema.IssueMissingConfig,
					fmt.Sprintf("mapping must be an object, got %T", m))
			}
		}
		switch f := cfg["filter"].(type) {
		case nil:
		case string:
			if chk.Expr != nil {
				if err := chk.Expr.Check(f); err != nil {
					result.AddError(schema.StepPath(i, "config.filter"), schema.IssueBadExpression, err.Error())
				}
			}
		default:
			cond, err := expressions.ConditionFromValue(f)
			if err != nil {
				result.AddError(schema.StepPath(i, "config.filter"), schema.IssueMissingConfig, err.Error())
				break
			}
			validateCondition(cond, schema.StepPath(i, "config.filter"), chk, result)
		}
		if prog, ok := cfg["jq"].(string); ok && prog != "" && chk.JQ != nil {
			if err := chk.JQ.Check(prog); err != nil {
				result.AddError(schema.StepPath(i, "config.jq"), schema.IssueBadExpression, err.Error())
			}
		}

	case schema.StepTypeExternalAction:
		action, _ := cfg["action"].(string)
		switch {
		case action == "":
			missing("action")
		case isTemplate(action):
		case !steps.KnownAction(action):
			result.AddError(schema.StepPath(i, "config.action"), schema.IssueMissingConfig,
				fmt.Sprintf("unknown external action %q (want create, update or query)", action))
		}

	case schema.StepTypeCondition:
		raw, ok := cfg["condition"]
		if !ok || raw == nil {
			missing("condition")
			break
		}
		cond, err := expressions.ConditionFromValue(raw)
		if err != nil {
			result.AddError(schema.StepPath(i, "config.condition"), schema.IssueMissingConfig, err.Error())
			break
		}
		validateCondition(cond, schema.StepPath(i, "config.condition"), chk, result)

	case schema.StepTypeNotification:
		if cfg["message"] == nil {
			missing("message")
		}

	case schema.StepTypeWebhook:
		if url, _ := cfg["url"].(string); url == "" {
			missing("url")
		}

	case schema.StepTypeDelay:
		path := schema.StepPath(i, "config.delay_ms")
		switch ms := cfg["delay_ms"].(type) {
		case nil:
		case int:
			checkDelayMs(float64(ms), path, result)
		case int64:
			checkDelayMs(float64(ms), path, result)
		case float64:
			checkDelayMs(ms, path, result)
		case string:
			if !isTemplate(ms) {
				result.AddError(path, schema.IssueMissingConfig,
					fmt.Sprintf("delay_ms must be a number, got %q", ms))
			}
		default:
			result.AddError(path, schema.IssueMissingConfig,
				fmt.Sprintf("delay_ms must be a number, got %T", ms))
		}
	}
}

// checkDelayMs applies the bounds the delay step enforces at run time.
func checkDelayMs(ms float64, path string, result *schema.ValidationResult) {
	switch {
	case ms < 0:
		result.AddError(path, schema.IssueMissingConfig, "delay_ms must not be negative")
	case ms != math.Trunc(ms):
		result.AddError(path, schema.IssueMissingConfig, "delay_ms must be a whole number of milliseconds")
	case ms > steps.MaxDelayMs:
		result.AddError(path, schema.IssueMissingConfig,
			fmt.Sprintf("delay_ms must not exceed %d", steps.MaxDelayMs))
	}
}

// validateCondition checks the operator of a field condition or compiles a
// CEL expression.
func validateCondition(cond *schema.Condition, path string, chk Checkers, result *schema.ValidationResult) {
	if cond == nil {
		return
	}
	if cond.Expression != "" {
		if chk.CEL == nil {
			return
		}
		if err := chk.CEL.Check(cond.Expression); err != nil {
			result.AddError(path+".expression", schema.IssueBadExpression, err.Error())
		}
		return
	}
	if !expressions.KnownOperator(cond.Operator) {
		// Unknown operators evaluate to false at run time; storing one is almost
		// always a typo.
		result.AddError(path+".operator", schema.IssueUnknownOperator,
			fmt.Sprintf("unknown operator %q", cond.Operator))
	}
}

func validateErrorHandling(eh schema.ErrorHandling, result *schema.ValidationResult) {
	switch eh.FallbackAction {
	case "", schema.FallbackFail, schema.FallbackNotify:
	default:
		result.AddError("error_handling.fallback_action", schema.IssueBadFallback,
			fmt.Sprintf("unknown fallback_action %q (want fail or notify)", eh.FallbackAction))
	}
	if eh.RetryCount > engine.MaxRetryCount {
		result.AddWarning("error_handling.retry_count", schema.IssueHighRetryCount,
			fmt.Sprintf("retry_count %d is capped at %d", eh.RetryCount, engine.MaxRetryCount))
	}
}

func isTemplate(s string) bool {
	return expressions.HasRefs(s)
}
