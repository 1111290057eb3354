package providers

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// HTTPError is a non-2xx provider response.
type HTTPError struct {
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("openai error %d: %s", e.Status, e.Body)
}

// OpenAIClient speaks the OpenAI REST API: files, vector stores, the
// Assistants v2 surface and chat completions.
type OpenAIClient struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

func NewOpenAIClient(apiKey, baseURL string) *OpenAIClient {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	return &OpenAIClient{
		apiKey:  apiKey,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  &http.Client{Timeout: 5 * time.Minute},
	}
}

func (o *OpenAIClient) do(ctx context.Context, method, path string, payload any, out any) error {
	if o.apiKey == "" {
		return eris.New("openai api key missing")
	}
	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return eris.Wrap(err, "encode openai request")
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, o.baseURL+path, body)
	if err != nil {
		return eris.Wrap(err, "build openai request")
	}
	req.Header.Set("Authorization", "Bearer "+o.apiKey)
	req.Header.Set("OpenAI-Beta", "assistants=v2")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return o.send(req, out)
}

func (o *OpenAIClient) send(req *http.Request, out any) error {
	resp, err := o.client.Do(req)
	if err != nil {
		return eris.Wrapf(err, "openai %s %s", req.Method, req.URL.Path)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 400 {
		return &HTTPError{Status: resp.StatusCode, Body: string(raw)}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return eris.Wrapf(err, "decode openai %s response", req.URL.Path)
	}
	return nil
}

func (o *OpenAIClient) UploadFile(ctx context.Context, filename string, data []byte, purpose string) (string, error) {
	if o.apiKey == "" {
		return "", eris.New("openai api key missing")
	}
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("purpose", purpose); err != nil {
		return "", eris.Wrap(err, "write purpose field")
	}
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return "", eris.Wrap(err, "create form file")
	}
	if _, err := fw.Write(data); err != nil {
		return "", eris.Wrap(err, "write form file")
	}
	if err := mw.Close(); err != nil {
		return "", eris.Wrap(err, "close multipart body")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/files", &buf)
	if err != nil {
		return "", eris.Wrap(err, "build upload request")
	}
	req.Header.Set("Authorization", "Bearer "+o.apiKey)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	var parsed struct {
		ID string `json:"id"`
	}
	if err := o.send(req, &parsed); err != nil {
		return "", err
	}
	return parsed.ID, nil
}

func (o *OpenAIClient) DeleteFile(ctx context.Context, fileID string) error {
	return o.do(ctx, http.MethodDelete, "/files/"+fileID, nil, nil)
}

func (o *OpenAIClient) CreateVectorStore(ctx context.Context, name string, fileIDs []string) (string, error) {
	var parsed struct {
		ID string `json:"id"`
	}
	err := o.do(ctx, http.MethodPost, "/vector_stores", map[string]any{"name": name, "file_ids": fileIDs}, &parsed)
	return parsed.ID, err
}

// VectorStoreStatus returns "in_progress", "completed" or "expired".
func (o *OpenAIClient) VectorStoreStatus(ctx context.Context, id string) (string, error) {
	var parsed struct {
		Status string `json:"status"`
	}
	err := o.do(ctx, http.MethodGet, "/vector_stores/"+id, nil, &parsed)
	return parsed.Status, err
}

func (o *OpenAIClient) VectorStoreFiles(ctx context.Context, id string) ([]string, error) {
	var parsed struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := o.do(ctx, http.MethodGet, "/vector_stores/"+id+"/files", nil, &parsed); err != nil {
		return nil, err
	}
	out := make([]string, 0, len(parsed.Data))
	for _, d := range parsed.Data {
		out = append(out, d.ID)
	}
	return out, nil
}

func (o *OpenAIClient) DeleteVectorStore(ctx context.Context, id string) error {
	return o.do(ctx, http.MethodDelete, "/vector_stores/"+id, nil, nil)
}

type AssistantParams struct {
	Model          string
	Name           string
	Instructions   string
	Temperature    float64
	Function       map[string]any
	VectorStoreIDs []string
}

func (o *OpenAIClient) CreateAssistant(ctx context.Context, p AssistantParams) (string, error) {
	payload := map[string]any{
		"model":        p.Model,
		"name":         p.Name,
		"instructions": p.Instructions,
		"temperature":  p.Temperature,
		"tools": []map[string]any{
			{"type": "file_search"},
			{"type": "function", "function": p.Function},
		},
		"tool_resources": map[string]any{
			"file_search": map[string]any{"vector_store_ids": p.VectorStoreIDs},
		},
	}
	var parsed struct {
		ID string `json:"id"`
	}
	err := o.do(ctx, http.MethodPost, "/assistants", payload, &parsed)
	return parsed.ID, err
}

func (o *OpenAIClient) DeleteAssistant(ctx context.Context, id string) error {
	return o.do(ctx, http.MethodDelete, "/assistants/"+id, nil, nil)
}

func (o *OpenAIClient) CreateThread(ctx context.Context, userMessage string) (string, error) {
	payload := map[string]any{
		"messages": []map[string]any{{"role": "user", "content": userMessage}},
	}
	var parsed struct {
		ID string `json:"id"`
	}
	err := o.do(ctx, http.MethodPost, "/threads", payload, &parsed)
	return parsed.ID, err
}

func (o *OpenAIClient) DeleteThread(ctx context.Context, id string) error {
	return o.do(ctx, http.MethodDelete, "/threads/"+id, nil, nil)
}

type ToolCall struct {
	ID       string `json:"id"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type Usage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
}

type Run struct {
	ID             string `json:"id"`
	ThreadID       string `json:"thread_id"`
	Status         string `json:"status"`
	RequiredAction *struct {
		SubmitToolOutputs struct {
			ToolCalls []ToolCall `json:"tool_calls"`
		} `json:"submit_tool_outputs"`
	} `json:"required_action"`
	LastError *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"last_error"`
	Usage *Usage `json:"usage"`
}

// ToolCalls returns the pending calls of a requires_action run.
func (r Run) ToolCalls() []ToolCall {
	if r.RequiredAction == nil {
		return nil
	}
	return r.RequiredAction.SubmitToolOutputs.ToolCalls
}

func (o *OpenAIClient) CreateRun(ctx context.Context, threadID, assistantID string) (Run, error) {
	var run Run
	err := o.do(ctx, http.MethodPost, "/threads/"+threadID+"/runs", map[string]any{"assistant_id": assistantID}, &run)
	return run, err
}

func (o *OpenAIClient) GetRun(ctx context.Context, threadID, runID string) (Run, error) {
	var run Run
	err := o.do(ctx, http.MethodGet, "/threads/"+threadID+"/runs/"+runID, nil, &run)
	return run, err
}

type ToolOutput struct {
	ToolCallID string `json:"tool_call_id"`
	Output     string `json:"output"`
}

func (o *OpenAIClient) SubmitToolOutputs(ctx context.Context, threadID, runID string, outputs []ToolOutput) (Run, error) {
	var run Run
	err := o.do(ctx, http.MethodPost, "/threads/"+threadID+"/runs/"+runID+"/submit_tool_outputs",
		map[string]any{"tool_outputs": outputs}, &run)
	return run, err
}

// LatestMessageText returns the text of the newest message on a thread.
func (o *OpenAIClient) LatestMessageText(ctx context.Context, threadID string) (string, error) {
	var parsed struct {
		Data []struct {
			Content []struct {
				Type string `json:"type"`
				Text struct {
					Value string `json:"value"`
				} `json:"text"`
			} `json:"content"`
		} `json:"data"`
	}
	if err := o.do(ctx, http.MethodGet, "/threads/"+threadID+"/messages?order=desc&limit=1", nil, &parsed); err != nil {
		return "", err
	}
	if len(parsed.Data) == 0 {
		return "", eris.New("thread has no messages")
	}
	for _, c := range parsed.Data[0].Content {
		if c.Type == "text" {
			return c.Text.Value, nil
		}
	}
	return "", eris.New("latest message has no text content")
}

type ChatRequest struct {
	Model           string
	System          string
	Filename        string
	FileData        []byte
	ResponseFormat  map[string]any
	Temperature     *float64
	ReasoningEffort string
}

type ChatResponse struct {
	Content string
	Usage   Usage
}

// ChatCompletion sends one system prompt plus the document inlined as a
// base64 data URL and returns the first choice.
func (o *OpenAIClient) ChatCompletion(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	payload := map[string]any{
		"model": req.Model,
		"messages": []map[string]any{
			{"role": "system", "content": req.System},
			{"role": "user", "content": []map[string]any{{
				"type": "file",
				"file": map[string]any{
					"filename":  req.Filename,
					"file_data": "data:application/pdf;base64," + base64.StdEncoding.EncodeToString(req.FileData),
				},
			}}},
		},
		"response_format": req.ResponseFormat,
	}
	if req.Temperature != nil {
		payload["temperature"] = *req.Temperature
	}
	if req.ReasoningEffort != "" {
		payload["reasoning_effort"] = req.ReasoningEffort
	}
	var parsed struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
				Refusal string `json:"refusal"`
			} `json:"message"`
		} `json:"choices"`
		Usage Usage `json:"usage"`
	}
	if err := o.do(ctx, http.MethodPost, "/chat/completions", payload, &parsed); err != nil {
		return ChatResponse{}, err
	}
	if len(parsed.Choices) == 0 {
		return ChatResponse{Usage: parsed.Usage}, eris.New("openai response has no choices")
	}
	msg := parsed.Choices[0].Message
	if msg.Refusal != "" {
		return ChatResponse{Usage: parsed.Usage}, eris.Errorf("model refused: %s", msg.Refusal)
	}
	return ChatResponse{Content: msg.Content, Usage: parsed.Usage}, nil
}
