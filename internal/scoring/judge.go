package scoring

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"

	"atlas/internal/metrics"
	"atlas/internal/providers"

	"github.com/rotisserie/eris"
)

type Category string

const (
	VeryDifferent Category = "Very different"
	Different     Category = "Different"
	Similar       Category = "Similar"
	VerySimilar   Category = "Very similar"

	judgeTool = "compare_strings"
)

var categories = []string{string(VeryDifferent), string(Different), string(Similar), string(VerySimilar)}

// Judge rates how close a predicted string is to its reference.
type Judge interface {
	Compare(ctx context.Context, reference, answer string) (Category, error)
}

type AnthropicJudge struct {
	api   providers.ToolCaller
	model string
}

func NewAnthropicJudge(api providers.ToolCaller, model string) *AnthropicJudge {
	return &AnthropicJudge{api: api, model: model}
}

func (j *AnthropicJudge) Compare(ctx context.Context, reference, answer string) (Category, error) {
	temp := 0.0
	resp, err := j.api.CallTool(ctx, providers.ToolRequest{
		Model: j.model,
		Prompt: fmt.Sprintf("Do these two strings convey the same message or are they similar?\n\nString 1: %s\nString 2: %s\n",
			reference, answer),
		Temperature:     &temp,
		MaxTokens:       256,
		ToolName:        judgeTool,
		ToolDescription: "Determines if two strings convey the same message or if they are similar",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"similarity_threshold": map[string]any{
					"type":        "string",
					"description": "How similar are the two strings and do they convey the same message?",
					"enum":        categories,
				},
			},
			"required":             []string{"similarity_threshold"},
			"additionalProperties": false,
		},
	})
	if err != nil {
		return "", eris.Wrap(err, "judge: call")
	}
	var out struct {
		Similarity string `json:"similarity_threshold"`
	}
	if err := json.Unmarshal(resp.Input, &out); err != nil {
		return "", eris.Wrap(err, "judge: decode tool input")
	}
	if !slices.Contains(categories, out.Similarity) {
		return "", eris.Errorf("judge: unexpected category %q", out.Similarity)
	}
	return Category(out.Similarity), nil
}

// ExactJudge is used when no judge model is configured: equal strings are
// very similar, anything else is different.
type ExactJudge struct{}

func (ExactJudge) Compare(_ context.Context, reference, answer string) (Category, error) {
	if stringScore(reference, answer) == 1 {
		return VerySimilar, nil
	}
	return Different, nil
}

func recordJudge(outcome string) {
	metrics.Get().JudgeCallsTotal.WithLabelValues(outcome).Inc()
}
