package expressions

import "context"

// Engine evaluates expressions embedded in step configuration.
// Three implementations: CEL (conditions), Expr (filter predicates), GoJQ (transforms).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}
