package providers

import (
	"context"
	"encoding/base64"
	"encoding/json"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rotisserie/eris"
)

// ToolRequest asks Claude to answer by calling exactly one tool whose input
// schema is InputSchema.
type ToolRequest struct {
	Model           string
	System          string
	Prompt          string
	Document        []byte
	Temperature     *float64
	MaxTokens       int64
	ToolName        string
	ToolDescription string
	InputSchema     map[string]any
}

type ToolResponse struct {
	Input        json.RawMessage
	InputTokens  int64
	OutputTokens int64
	StopReason   string
}

// ToolCaller is satisfied by AnthropicClient and by test doubles.
type ToolCaller interface {
	CallTool(ctx context.Context, req ToolRequest) (ToolResponse, error)
}

type AnthropicClient struct {
	client sdk.Client
}

func NewAnthropicClient(apiKey, baseURL string) *AnthropicClient {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &AnthropicClient{client: sdk.NewClient(opts...)}
}

func (c *AnthropicClient) CallTool(ctx context.Context, req ToolRequest) (ToolResponse, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 8192
	}

	blocks := make([]sdk.ContentBlockParamUnion, 0, 2)
	if len(req.Document) > 0 {
		blocks = append(blocks, sdk.NewDocumentBlock(sdk.Base64PDFSourceParam{
			Data: base64.StdEncoding.EncodeToString(req.Document),
		}))
	}
	blocks = append(blocks, sdk.NewTextBlock(req.Prompt))

	properties := req.InputSchema["properties"]
	required := toStrings(req.InputSchema["required"])
	extra := map[string]any{}
	for k, v := range req.InputSchema {
		switch k {
		case "type", "properties", "required":
		default:
			extra[k] = v
		}
	}

	tool := sdk.ToolParam{
		Name:        req.ToolName,
		Description: sdk.String(req.ToolDescription),
		InputSchema: sdk.ToolInputSchemaParam{
			Properties:  properties,
			Required:    required,
			ExtraFields: extra,
		},
	}
	params := sdk.MessageNewParams{
		Model:      sdk.Model(req.Model),
		MaxTokens:  maxTokens,
		Messages:   []sdk.MessageParam{sdk.NewUserMessage(blocks...)},
		Tools:      []sdk.ToolUnionParam{{OfTool: &tool}},
		ToolChoice: sdk.ToolChoiceParamOfTool(req.ToolName),
	}
	if req.System != "" {
		params.System = []sdk.TextBlockParam{{Text: req.System}}
	}
	if req.Temperature != nil {
		params.Temperature = sdk.Float(*req.Temperature)
	}

	msg, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return ToolResponse{}, eris.Wrap(err, "anthropic: create message")
	}
	resp := ToolResponse{
		InputTokens:  msg.Usage.InputTokens,
		OutputTokens: msg.Usage.OutputTokens,
		StopReason:   string(msg.StopReason),
	}
	for _, b := range msg.Content {
		if b.Type == "tool_use" && b.Name == req.ToolName {
			resp.Input = json.RawMessage(b.Input)
			return resp, nil
		}
	}
	return resp, eris.Errorf("anthropic: no %s tool call in response (stop reason %s)", req.ToolName, resp.StopReason)
}

func toStrings(v any) []string {
	switch x := v.(type) {
	case []string:
		return x
	case []any:
		out := make([]string, 0, len(x))
		for _, s := range x {
			if str, ok := s.(string); ok {
				out = append(out, str)
			}
		}
		return out
	}
	return nil
}
