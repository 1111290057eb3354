package strategy

import (
	"context"
	"os"

	"atlas/internal/apperr"
	"atlas/internal/providers"

	"github.com/rotisserie/eris"
)

// ClaudeTool sends the paper as a PDF document block and forces the model
// to answer through a single tool whose input schema is the compiled tree.
type ClaudeTool struct {
	api   providers.ToolCaller
	model string
}

func (c *ClaudeTool) Name() string { return NameClaudeTool }

func (c *ClaudeTool) Extract(ctx context.Context, req Request) (Output, error) {
	req.Emitter.Emit(ctx, cpDirectStart)
	defer req.Emitter.Emit(ctx, cpDirectCleanup)
	if req.Schema == nil {
		return Output{}, apperr.Invalid("schema", "required")
	}
	inputSchema := req.Schema.JSONSchema()
	req.Emitter.Emit(ctx, cpDirectSchema)

	data, err := os.ReadFile(req.FilePath)
	if err != nil {
		return Output{}, eris.Wrapf(err, "read staged file %s", req.FilePath)
	}
	req.Emitter.Emit(ctx, cpDirectFile)

	temp := req.Temperature
	req.Emitter.Emit(ctx, cpDirectRun)
	resp, err := c.api.CallTool(ctx, providers.ToolRequest{
		Model:           c.model,
		System:          instructions(req),
		Prompt:          userTurn,
		Document:        data,
		Temperature:     &temp,
		ToolName:        functionName,
		ToolDescription: functionDescription,
		InputSchema:     inputSchema,
	})
	if err != nil {
		return Output{}, apperr.Extraction(NameClaudeTool, "tool call failed", err)
	}
	req.Emitter.Emit(ctx, cpDirectCompleted)

	result, err := decodeOutput(NameClaudeTool, string(resp.Input), req.Schema.RootRequired())
	if err != nil {
		return Output{}, err
	}
	req.Emitter.Emit(ctx, cpDirectValidated)
	return Output{
		Result:           result,
		PromptTokens:     resp.InputTokens,
		CompletionTokens: resp.OutputTokens,
	}, nil
}
