package strategy

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"atlas/internal/apperr"
	"atlas/internal/progress"
	"atlas/internal/providers"

	"github.com/rotisserie/eris"
)

type ChatAPI interface {
	ChatCompletion(ctx context.Context, req providers.ChatRequest) (providers.ChatResponse, error)
}

// Checkpoints shared by the single-request strategies.
var (
	cpDirectStart     = progress.Checkpoint{Name: "start", Progress: 0, Message: "Starting extraction"}
	cpDirectSchema    = progress.Checkpoint{Name: "schema", Progress: 10, Message: "Feature schema built"}
	cpDirectFile      = progress.Checkpoint{Name: "file", Progress: 20, Message: "Paper encoded for provider"}
	cpDirectRun       = progress.Checkpoint{Name: "run", Progress: 30, Message: "Extraction request sent"}
	cpDirectCompleted = progress.Checkpoint{Name: "completed", Progress: 60, Message: "Extraction response received"}
	cpDirectValidated = progress.Checkpoint{Name: "validated", Progress: 65, Message: "Output validated"}
	cpDirectCleanup   = progress.Checkpoint{Name: "cleanup", Progress: 70, Message: "Extraction finished"}
)

// Structured sends the whole paper in one chat completion constrained by a
// strict json_schema response format.
type Structured struct {
	api   ChatAPI
	model string
}

func (s *Structured) Name() string { return NameStructured }

func (s *Structured) Extract(ctx context.Context, req Request) (Output, error) {
	req.Emitter.Emit(ctx, cpDirectStart)
	defer req.Emitter.Emit(ctx, cpDirectCleanup)
	if req.Schema == nil {
		return Output{}, apperr.Invalid("schema", "required")
	}
	format := req.Schema.ResponseFormat(functionName)
	req.Emitter.Emit(ctx, cpDirectSchema)

	data, err := os.ReadFile(req.FilePath)
	if err != nil {
		return Output{}, eris.Wrapf(err, "read staged file %s", req.FilePath)
	}
	filename := req.Filename
	if filename == "" {
		filename = filepath.Base(req.FilePath)
	}
	req.Emitter.Emit(ctx, cpDirectFile)

	chat := providers.ChatRequest{
		Model:          s.model,
		System:         instructions(req),
		Filename:       filename,
		FileData:       data,
		ResponseFormat: format,
	}
	// reasoning models reject temperature
	if isReasoningModel(s.model) {
		chat.ReasoningEffort = "high"
	} else {
		t := req.Temperature
		chat.Temperature = &t
	}
	req.Emitter.Emit(ctx, cpDirectRun)
	resp, err := s.api.ChatCompletion(ctx, chat)
	if err != nil {
		return Output{}, eris.Wrap(err, "chat completion")
	}
	req.Emitter.Emit(ctx, cpDirectCompleted)

	result, err := decodeOutput(NameStructured, resp.Content, req.Schema.RootRequired())
	if err != nil {
		return Output{}, err
	}
	req.Emitter.Emit(ctx, cpDirectValidated)
	return Output{
		Result:           result,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
	}, nil
}

func isReasoningModel(model string) bool {
	m := strings.ToLower(model)
	return strings.HasPrefix(m, "o1") || strings.HasPrefix(m, "o3") || strings.HasPrefix(m, "o4")
}
