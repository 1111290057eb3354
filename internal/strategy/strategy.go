// Package strategy drives an LLM provider to produce output that conforms to
// a compiled feature schema.
package strategy

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"atlas/internal/apperr"
	"atlas/internal/config"
	"atlas/internal/progress"
	"atlas/internal/providers"
	"atlas/internal/schema"

	"go.uber.org/zap"
)

const (
	NameAssistant  = "assistant_api"
	NameStructured = "json_schema"
	NameClaudeTool = "claude_tool"

	functionName        = "extract_features"
	functionDescription = "Record every requested feature found in the attached paper."
)

// DefaultPrompt is used when a project has no custom instructions.
const DefaultPrompt = `You are a research cartographer. Read the attached scientific paper and extract
the requested features for every experiment it reports. Follow the structure of
the provided schema exactly: one array element per experiment, condition or
behavior described in the paper. Use only information stated in the paper; when
a value is not reported, answer with an empty string rather than guessing.`

const userTurn = "Extract the requested features from the attached paper by calling the " + functionName + " function exactly once."

type Request struct {
	FilePath           string
	Filename           string
	Schema             *schema.Tree
	Temperature        float64
	CustomInstructions string
	Emitter            *progress.Emitter
}

type Output struct {
	Result           json.RawMessage
	PromptTokens     int64
	CompletionTokens int64
}

type Strategy interface {
	Name() string
	Extract(ctx context.Context, req Request) (Output, error)
}

func instructions(req Request) string {
	if s := strings.TrimSpace(req.CustomInstructions); s != "" {
		return s
	}
	return DefaultPrompt
}

// decodeOutput strips markdown fences and applies the top-level key check.
func decodeOutput(strategy, text string, required []string) (json.RawMessage, error) {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, apperr.Extraction(strategy, "empty model output", nil)
	}
	if _, err := schema.CheckOutput([]byte(text), required); err != nil {
		return nil, apperr.Extraction(strategy, "format check failed", err)
	}
	return json.RawMessage(text), nil
}

// Factory builds strategies by name from shared provider clients.
type Factory struct {
	openai    *providers.OpenAIClient
	anthropic providers.ToolCaller
	cfg       config.Config
	logger    *zap.Logger
}

func NewFactory(cfg config.Config, logger *zap.Logger) *Factory {
	if logger == nil {
		logger = zap.NewNop()
	}
	f := &Factory{
		openai: providers.NewOpenAIClient(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL),
		cfg:    cfg,
		logger: logger,
	}
	if cfg.AnthropicAPIKey != "" {
		f.anthropic = providers.NewAnthropicClient(cfg.AnthropicAPIKey, cfg.AnthropicBaseURL)
	}
	return f
}

func (f *Factory) Names() []string {
	names := []string{NameAssistant, NameStructured, NameClaudeTool}
	sort.Strings(names)
	return names
}

func (f *Factory) New(name string) (Strategy, error) {
	switch name {
	case NameAssistant:
		return &Assistant{
			api:          f.openai,
			model:        f.cfg.AssistantModel,
			pollInterval: f.cfg.PollInterval,
			maxPolls:     f.cfg.MaxPollIterations,
			logger:       f.logger.Named(NameAssistant),
		}, nil
	case NameStructured:
		return &Structured{api: f.openai, model: f.cfg.StructuredOutputModel}, nil
	case NameClaudeTool:
		if f.anthropic == nil {
			return nil, apperr.Invalid("strategy", "claude_tool requires ATLAS_ANTHROPIC_API_KEY")
		}
		return &ClaudeTool{api: f.anthropic, model: f.cfg.ClaudeModel}, nil
	}
	return nil, apperr.Invalid("strategy", "unknown strategy "+name)
}

// Known reports whether name is a registered strategy.
func Known(name string) bool {
	switch name {
	case NameAssistant, NameStructured, NameClaudeTool:
		return true
	}
	return false
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
