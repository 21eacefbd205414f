package steps

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/vallit/flowexec/pkg/schema"
)

const (
	defaultOpenAIBaseURL = "https://api.openai.com/v1"
	defaultOpenAIModel   = "gpt-4o-mini"
)

// OpenAIConfig configures the chat-completions analyzer.
type OpenAIConfig struct {
	APIKey  string
	Model   string
	BaseURL string
	HTTP    HTTPConfig
}

// OpenAIAnalyzer implements Analyzer with the OpenAI chat completions API.
// Each analysis kind has its own prompt and the model is asked for a JSON object.
type OpenAIAnalyzer struct {
	api   *jsonAPI
	model string
}

// NewOpenAIAnalyzer creates an analyzer. An empty API key is rejected.
func NewOpenAIAnalyzer(cfg OpenAIConfig) (*OpenAIAnalyzer, error) {
	if cfg.APIKey == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "openai: api key is required")
	}
	if cfg.Model == "" {
		cfg.Model = defaultOpenAIModel
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultOpenAIBaseURL
	}
	return &OpenAIAnalyzer{
		api: &jsonAPI{
			name:    "openai",
			baseURL: cfg.BaseURL,
			headers: map[string]string{"Authorization": "Bearer " + cfg.APIKey},
			config:  cfg.HTTP.withDefaults(),
		},
		model: cfg.Model,
	}, nil
}

type analysisPrompt struct {
	system      string
	task        string
	shape       string
	temperature float64
	maxTokens   int
}

var analysisPrompts = map[AnalysisKind]analysisPrompt{
	AnalysisGeneric: {
		system:      "You are an expert data analyst. Provide clear, actionable insights based on the data provided. Always respond with valid JSON.",
		task:        "Analyze the following data and provide key patterns and trends, anomalies or outliers, actionable insights and recommendations.",
		shape:       `{"patterns": [], "anomalies": [], "insights": [], "recommendations": [], "confidence": 0.0}`,
		temperature: 0.3,
		maxTokens:   2000,
	},
	AnalysisExternalPage: {
		system:      "You are an expert at analyzing document pages and extracting structured information. Always respond with valid JSON.",
		task:        "Analyze this page content and extract a summary, key topics, action items, important dates, category suggestions and the overall sentiment.",
		shape:       `{"summary": "", "topics": [], "action_items": [], "dates": [], "categories": [], "sentiment": "positive|negative|neutral", "confidence": 0.0, "suggested_workflows": []}`,
		temperature: 0.3,
		maxTokens:   2000,
	},
	AnalysisWorkflowInsights: {
		system:      "You are a workflow optimization expert. Analyze execution data and provide actionable insights. Always respond with valid JSON.",
		task:        "Analyze these workflow execution results and report performance, success and failure patterns, optimization suggestions and reliability.",
		shape:       `{"performance": {"avg_execution_time": 0, "success_rate": 0.0, "bottlenecks": []}, "patterns": {"common_failures": [], "peak_times": []}, "optimizations": [], "recommendations": []}`,
		temperature: 0.2,
		maxTokens:   2500,
	},
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string            `json:"model"`
	Messages       []chatMessage     `json:"messages"`
	Temperature    float64           `json:"temperature"`
	MaxTokens      int               `json:"max_tokens"`
	ResponseFormat map[string]string `json:"response_format"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

func (a *OpenAIAnalyzer) Analyze(ctx context.Context, kind AnalysisKind, data any, execContext map[string]any) (any, error) {
	p, ok := analysisPrompts[kind]
	if !ok {
		p = analysisPrompts[AnalysisGeneric]
	}
	user, err := buildPrompt(p, data, execContext)
	if err != nil {
		return nil, err
	}

	req := chatRequest{
		Model: a.model,
		Messages: []chatMessage{
			{Role: "system", Content: p.system},
			{Role: "user", Content: user},
		},
		Temperature:    p.temperature,
		MaxTokens:      p.maxTokens,
		ResponseFormat: map[string]string{"type": "json_object"},
	}
	var resp chatResponse
	if err := a.api.do(ctx, http.MethodPost, "/chat/completions", req, &resp); err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, schema.NewError(schema.ErrCodeExecution, "openai: response has no choices")
	}

	var insight any
	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	if err := json.Unmarshal([]byte(content), &insight); err != nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "openai: analysis is not valid JSON").
			WithCause(err).
			WithDetails(map[string]any{"content": truncate(content, 512)})
	}
	return insight, nil
}

func buildPrompt(p analysisPrompt, data any, execContext map[string]any) (string, error) {
	d, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return "", schema.NewError(schema.ErrCodeValidation, "openai: data is not JSON-encodable").WithCause(err)
	}
	c, err := json.MarshalIndent(execContext, "", "  ")
	if err != nil {
		return "", schema.NewError(schema.ErrCodeValidation, "openai: context is not JSON-encodable").WithCause(err)
	}
	return fmt.Sprintf("%s\n\nData: %s\nContext: %s\n\nRespond with JSON shaped like:\n%s", p.task, d, c, p.shape), nil
}
