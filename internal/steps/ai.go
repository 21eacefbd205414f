package steps

import (
	"context"

	"github.com/vallit/flowexec/pkg/schema"
)

// AIAnalysisHandler runs an ai_analysis step through the Analyzer.
//
// Config:
//
//	analysis_type  generic | external-page | workflow-insights (default generic)
//	data           value to analyze (default: the run input)
type AIAnalysisHandler struct {
	analyzer Analyzer
}

func (h *AIAnalysisHandler) Handle(ctx context.Context, req *Request) (any, error) {
	if h.analyzer == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "ai_analysis: no analyzer configured")
	}
	kind := ParseAnalysisKind(stringParam(req.Config, "analysis_type", ""))
	data := req.Config["data"]
	if data == nil {
		data = req.Input()
	}
	return h.analyzer.Analyze(ctx, kind, data, req.Scope.Snapshot())
}
