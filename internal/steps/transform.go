package steps

import (
	"context"
	"strings"

	"github.com/vallit/flowexec/internal/expressions"
	"github.com/vallit/flowexec/pkg/schema"
)

// TransformHandler runs a data_transform step. It never calls out.
//
// Config:
//
//	input    value to transform (default: the run input)
//	mapping  object of target key -> source path
//	filter   condition object, or an expr predicate string; "item" is bound per element
//	jq       jq program applied last
type TransformHandler struct {
	conditions *expressions.Evaluator
	expr       *expressions.ExprEngine
	jq         *expressions.GoJQEngine
}

func (h *TransformHandler) Handle(ctx context.Context, req *Request) (any, error) {
	data := req.Config["input"]
	if data == nil {
		data = req.Input()
	}

	if raw, ok := req.Raw["mapping"]; ok && raw != nil {
		mapping, ok := raw.(map[string]any)
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "data_transform: mapping must be an object, got %T", raw)
		}
		mapped, err := applyMapping(data, mapping, req.Scope)
		if err != nil {
			return nil, err
		}
		data = mapped
	}

	if filter, ok := req.Raw["filter"]; ok && filter != nil {
		filtered, err := h.applyFilter(ctx, data, filter, req.Scope)
		if err != nil {
			return nil, err
		}
		data = filtered
	}

	if prog := stringParam(req.Raw, "jq", ""); prog != "" {
		out, err := h.jq.Transform(ctx, prog, data)
		if err != nil {
			return nil, err
		}
		data = out
	}
	return data, nil
}

// applyMapping builds a new object from target -> source path pairs. Paths
// resolve against the data first and fall back to the whole run context, so
// both "name" and "input.name" work when the data is the run input.
func applyMapping(data any, mapping map[string]any, scope expressions.Lookuper) (map[string]any, error) {
	out := make(map[string]any, len(mapping))
	for target, src := range mapping {
		path, ok := src.(string)
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"data_transform: mapping %q must be a path string, got %T", target, src)
		}
		ref, isRef := expressions.ParseRef(path)
		if !isRef {
			ref = expressions.ParsePath(strings.TrimSpace(path))
		}

		var v any
		found := false
		if m, ok := data.(map[string]any); ok {
			v, found = ref.Lookup(m)
		}
		if !found {
			v, _ = scope.Lookup(ref)
		}
		out[target] = v
	}
	return out, nil
}

// applyFilter keeps the elements of a sequence the filter accepts.
// Non-sequence data passes through untouched.
func (h *TransformHandler) applyFilter(ctx context.Context, data, filter any, scope expressions.Lookuper) (any, error) {
	items, ok := data.([]any)
	if !ok {
		return data, nil
	}

	var keep func(view expressions.MapView) (bool, error)
	switch f := filter.(type) {
	case string:
		keep = func(view expressions.MapView) (bool, error) {
			return h.expr.Predicate(ctx, f, view)
		}
	default:
		cond, err := expressions.ConditionFromValue(f)
		if err != nil {
			return nil, schema.NewError(schema.ErrCodeValidation, "data_transform: invalid filter").WithCause(err)
		}
		keep = func(view expressions.MapView) (bool, error) {
			return h.conditions.Evaluate(ctx, cond, view)
		}
	}

	base := scope.Snapshot()
	out := make([]any, 0, len(items))
	for _, item := range items {
		view := make(expressions.MapView, len(base)+1)
		for k, v := range base {
			view[k] = v
		}
		view[expressions.KeyItem] = expressions.Normalize(item)

		ok, err := keep(view)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, item)
		}
	}
	return out, nil
}
