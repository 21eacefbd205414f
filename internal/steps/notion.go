package steps

import (
	"context"
	"net/http"
	"net/url"

	"github.com/vallit/flowexec/pkg/schema"
)

const (
	defaultNotionBaseURL = "https://api.notion.com/v1"
	notionVersion        = "2022-06-28"
)

// NotionConfig configures the Notion content store.
type NotionConfig struct {
	Token   string
	BaseURL string
	HTTP    HTTPConfig
}

// NotionStore implements ContentStore on Notion pages and databases.
// Create and Query locators are database ids; Update locators are page ids.
// Returned record locators are page URLs.
type NotionStore struct {
	api *jsonAPI
}

// NewNotionStore creates a Notion content store. An empty token is rejected.
func NewNotionStore(cfg NotionConfig) (*NotionStore, error) {
	if cfg.Token == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "notion: token is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultNotionBaseURL
	}
	return &NotionStore{api: &jsonAPI{
		name:    "notion",
		baseURL: cfg.BaseURL,
		headers: map[string]string{
			"Authorization":  "Bearer " + cfg.Token,
			"Notion-Version": notionVersion,
		},
		config: cfg.HTTP.withDefaults(),
	}}, nil
}

type notionPage struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

func (n *NotionStore) Create(ctx context.Context, databaseID string, props map[string]any) (*Record, error) {
	body := map[string]any{
		"parent":     map[string]any{"database_id": databaseID},
		"properties": props,
	}
	var page notionPage
	if err := n.api.do(ctx, http.MethodPost, "/pages", body, &page); err != nil {
		return nil, err
	}
	return &Record{ID: page.ID, Locator: page.URL}, nil
}

func (n *NotionStore) Update(ctx context.Context, pageID string, props map[string]any) (*Record, error) {
	var page notionPage
	if err := n.api.do(ctx, http.MethodPatch, "/pages/"+url.PathEscape(pageID), map[string]any{"properties": props}, &page); err != nil {
		return nil, err
	}
	return &Record{ID: page.ID, Locator: page.URL}, nil
}

func (n *NotionStore) Query(ctx context.Context, databaseID string, filter map[string]any, sorts []any) (*QueryResult, error) {
	// Notion rejects an empty filter object.
	body := map[string]any{}
	if len(filter) > 0 {
		body["filter"] = filter
	}
	if len(sorts) > 0 {
		body["sorts"] = sorts
	}
	var resp struct {
		Results []any `json:"results"`
		HasMore bool  `json:"has_more"`
	}
	if err := n.api.do(ctx, http.MethodPost, "/databases/"+url.PathEscape(databaseID)+"/query", body, &resp); err != nil {
		return nil, err
	}
	return &QueryResult{Items: resp.Results, HasMore: resp.HasMore}, nil
}
