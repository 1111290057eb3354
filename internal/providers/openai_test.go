package providers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChatCompletionSendsInlineFile(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer k", r.Header.Get("Authorization"))
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "o4-mini", body["model"])
		assert.Equal(t, "high", body["reasoning_effort"])
		_, hasTemp := body["temperature"]
		assert.False(t, hasTemp)

		msgs := body["messages"].([]any)
		user := msgs[1].(map[string]any)
		part := user["content"].([]any)[0].(map[string]any)
		file := part["file"].(map[string]any)
		assert.True(t, strings.HasPrefix(file["file_data"].(string), "data:application/pdf;base64,"))

		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []any{map[string]any{"message": map[string]any{"content": `{"a":1}`}}},
			"usage":   map[string]any{"prompt_tokens": 11, "completion_tokens": 7},
		})
	}))
	defer ts.Close()

	c := NewOpenAIClient("k", ts.URL)
	resp, err := c.ChatCompletion(context.Background(), ChatRequest{
		Model:           "o4-mini",
		System:          "sys",
		Filename:        "p.pdf",
		FileData:        []byte("%PDF"),
		ResponseFormat:  map[string]any{"type": "json_schema"},
		ReasoningEffort: "high",
	})
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, resp.Content)
	assert.Equal(t, int64(11), resp.Usage.PromptTokens)
	assert.Equal(t, int64(7), resp.Usage.CompletionTokens)
}

func TestChatCompletionRefusal(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []any{map[string]any{"message": map[string]any{"refusal": "cannot"}}},
		})
	}))
	defer ts.Close()

	_, err := NewOpenAIClient("k", ts.URL).ChatCompletion(context.Background(), ChatRequest{Model: "m"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "refused")
}

func TestOpenAIHTTPErrorIsClassified(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"type":"insufficient_quota"}}`))
	}))
	defer ts.Close()

	_, err := NewOpenAIClient("k", ts.URL).CreateThread(context.Background(), "hi")
	require.Error(t, err)
	var he *HTTPError
	require.ErrorAs(t, err, &he)
	assert.Equal(t, http.StatusTooManyRequests, he.Status)
	assert.Equal(t, ErrorQuota, ClassifyError(err))
}

func TestMissingAPIKey(t *testing.T) {
	_, err := NewOpenAIClient("", "http://unused").CreateVectorStore(context.Background(), "vs", nil)
	require.Error(t, err)
}

func TestRunToolCalls(t *testing.T) {
	var run Run
	require.NoError(t, json.Unmarshal([]byte(`{
		"id":"run_1","status":"requires_action",
		"required_action":{"submit_tool_outputs":{"tool_calls":[
			{"id":"call_1","function":{"name":"extract_features","arguments":"{\"x\":1}"}}
		]}}
	}`), &run))
	calls := run.ToolCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, "extract_features", calls[0].Function.Name)
	assert.Empty(t, Run{}.ToolCalls())
}
