package steps

import (
	"context"

	"github.com/vallit/flowexec/pkg/schema"
)

// External action names. The *_page / *_database spellings are accepted as aliases.
const (
	ActionCreate = "create"
	ActionUpdate = "update"
	ActionQuery  = "query"
)

// ExternalActionHandler runs an external_action step against the ContentStore.
//
// Config:
//
//	action      create | update | query
//	locator     collection (create, query) or item (update); database_id / page_id also accepted
//	properties  object written on create and update
//	filter      query filter object
//	sorts       query sort list
type ExternalActionHandler struct {
	content ContentStore
}

// KnownAction reports whether action names a content store operation,
// including the page/database spellings.
func KnownAction(action string) bool {
	switch action {
	case ActionCreate, "create_page", ActionUpdate, "update_page", ActionQuery, "query_database":
		return true
	}
	return false
}

func (h *ExternalActionHandler) Handle(ctx context.Context, req *Request) (any, error) {
	if h.content == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "external_action: no content store configured")
	}

	action := stringParam(req.Config, "action", "")
	switch action {
	case ActionCreate, "create_page":
		locator := firstString(req.Config, "locator", "database_id")
		if locator == "" {
			return nil, missingParam("create", "locator")
		}
		rec, err := h.content.Create(ctx, locator, properties(req.Config))
		if err != nil {
			return nil, err
		}
		return recordResult(rec), nil

	case ActionUpdate, "update_page":
		locator := firstString(req.Config, "locator", "page_id")
		if locator == "" {
			return nil, missingParam("update", "locator")
		}
		rec, err := h.content.Update(ctx, locator, properties(req.Config))
		if err != nil {
			return nil, err
		}
		return recordResult(rec), nil

	case ActionQuery, "query_database":
		locator := firstString(req.Config, "locator", "database_id")
		if locator == "" {
			return nil, missingParam("query", "locator")
		}
		res, err := h.content.Query(ctx, locator, mapParam(req.Config, "filter"), sliceParam(req.Config, "sorts"))
		if err != nil {
			return nil, err
		}
		items := res.Items
		if items == nil {
			items = []any{}
		}
		return map[string]any{"items": items, "has_more": res.HasMore}, nil

	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "external_action: unknown action %q", action)
	}
}

func properties(cfg map[string]any) map[string]any {
	if p := mapParam(cfg, "properties"); p != nil {
		return p
	}
	return map[string]any{}
}

func recordResult(rec *Record) map[string]any {
	if rec == nil {
		return map[string]any{"id": "", "locator": ""}
	}
	return map[string]any{"id": rec.ID, "locator": rec.Locator}
}

func missingParam(action, key string) error {
	return schema.NewErrorf(schema.ErrCodeValidation, "external_action %s: missing required param %q", action, key)
}
