package steps

import (
	"context"
	"strings"
)

// AnalysisKind selects the analyzer prompt.
type AnalysisKind string

const (
	AnalysisGeneric          AnalysisKind = "generic"
	AnalysisExternalPage     AnalysisKind = "external-page"
	AnalysisWorkflowInsights AnalysisKind = "workflow-insights"
)

// ParseAnalysisKind maps a configured analysis_type to a kind. Underscored
// spellings and the legacy "notion_page" are accepted; anything else is generic.
func ParseAnalysisKind(s string) AnalysisKind {
	switch strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "_", "-") {
	case "external-page", "notion-page", "page":
		return AnalysisExternalPage
	case "workflow-insights", "insights":
		return AnalysisWorkflowInsights
	default:
		return AnalysisGeneric
	}
}

// Analyzer is the inference collaborator.
type Analyzer interface {
	Analyze(ctx context.Context, kind AnalysisKind, data any, context map[string]any) (any, error)
}

// Record identifies an item written to a content store.
type Record struct {
	ID      string `json:"id"`
	Locator string `json:"locator"`
}

// QueryResult is one page of content store items.
type QueryResult struct {
	Items   []any `json:"items"`
	HasMore bool  `json:"has_more"`
}

// ContentStore is the external page/database collaborator.
// For Create and Query the locator names a collection; for Update it names an item.
type ContentStore interface {
	Create(ctx context.Context, locator string, props map[string]any) (*Record, error)
	Update(ctx context.Context, locator string, props map[string]any) (*Record, error)
	Query(ctx context.Context, locator string, filter map[string]any, sorts []any) (*QueryResult, error)
}

// Notifier delivers a notification message of the given type.
type Notifier interface {
	Send(ctx context.Context, message, kind string) (bool, error)
}

// Requester issues one outbound HTTP call and reports the status code.
type Requester interface {
	Request(ctx context.Context, url, method string, headers map[string]string, body any) (int, error)
}
