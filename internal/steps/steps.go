package steps

import (
	"context"
	"log/slog"

	"github.com/vallit/flowexec/internal/expressions"
	"github.com/vallit/flowexec/pkg/schema"
)

// Handler executes one step and returns its result payload.
type Handler interface {
	Handle(ctx context.Context, req *Request) (any, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, req *Request) (any, error)

func (f HandlerFunc) Handle(ctx context.Context, req *Request) (any, error) {
	return f(ctx, req)
}

// Request is the data a handler receives for one step execution.
type Request struct {
	StepID string
	// Config is the step config with every template resolved.
	Config map[string]any
	// Raw is the config as authored. Handlers that evaluate conditions
	// against bindings other than the run context read from here.
	Raw   map[string]any
	Scope expressions.Lookuper
}

// Input returns the run input from the scope, or nil.
func (r *Request) Input() any {
	v, _ := r.Scope.Lookup(expressions.ParsePath(expressions.KeyInput))
	return v
}

// Set holds one handler per step type. Dispatch is a closed switch over
// schema.StepType; there is no runtime registration.
type Set struct {
	AIAnalysis     Handler
	DataTransform  Handler
	ExternalAction Handler
	Condition      Handler
	Notification   Handler
	Webhook        Handler
	Delay          Handler
}

// Handler returns the handler for t.
func (s *Set) Handler(t schema.StepType) (Handler, error) {
	var h Handler
	switch t {
	case schema.StepTypeAIAnalysis:
		h = s.AIAnalysis
	case schema.StepTypeDataTransform:
		h = s.DataTransform
	case schema.StepTypeExternalAction:
		h = s.ExternalAction
	case schema.StepTypeCondition:
		h = s.Condition
	case schema.StepTypeNotification:
		h = s.Notification
	case schema.StepTypeWebhook:
		h = s.Webhook
	case schema.StepTypeDelay:
		h = s.Delay
	default:
		return nil, schema.NewErrorf(schema.ErrCodeUnknownStepType, "unknown step type %q", t)
	}
	if h == nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "no handler configured for step type %q", t)
	}
	return h, nil
}

// Deps are the collaborators and evaluators the built-in handlers use.
type Deps struct {
	Analyzer  Analyzer
	Content   ContentStore
	Notifier  Notifier
	Requester Requester

	Conditions *expressions.Evaluator
	Expr       *expressions.ExprEngine
	JQ         *expressions.GoJQEngine

	Logger *slog.Logger
}

// NewSet wires the built-in handlers. Missing evaluators get defaults;
// missing collaborators surface as validation errors when a step needs them.
func NewSet(d Deps) *Set {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Conditions == nil {
		cel, err := expressions.NewCELEngine()
		if err != nil {
			d.Logger.Warn("CEL conditions disabled", "error", err)
		}
		d.Conditions = expressions.NewEvaluator(cel)
	}
	if d.Expr == nil {
		d.Expr = expressions.NewExprEngine()
	}
	if d.JQ == nil {
		d.JQ = expressions.NewGoJQEngine()
	}
	if d.Notifier == nil {
		d.Notifier = NewLogNotifier(d.Logger)
	}

	return &Set{
		AIAnalysis:     &AIAnalysisHandler{analyzer: d.Analyzer},
		DataTransform:  &TransformHandler{conditions: d.Conditions, expr: d.Expr, jq: d.JQ},
		ExternalAction: &ExternalActionHandler{content: d.Content},
		Condition:      &ConditionHandler{conditions: d.Conditions},
		Notification:   &NotificationHandler{notifier: d.Notifier, logger: d.Logger},
		Webhook:        &WebhookHandler{requester: d.Requester},
		Delay:          &DelayHandler{},
	}
}
