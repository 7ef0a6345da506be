package providers

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/c360studio/finops/llm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistered(t *testing.T) {
	assert.Equal(t, []string{"anthropic", "ollama", "openai"}, llm.ListProviders())
	assert.Equal(t, "openai", NewOpenAI().Name())
	assert.Equal(t, "ollama", NewOllama().Name())
}

func TestBuildURL(t *testing.T) {
	tests := []struct {
		name     string
		provider llm.Provider
		baseURL  string
		want     string
	}{
		{"openai default", NewOpenAI(), "", "https://api.openai.com/v1/chat/completions"},
		{"openrouter", NewOpenAI(), "https://openrouter.ai/api/v1", "https://openrouter.ai/api/v1/chat/completions"},
		{"ollama default", NewOllama(), "", "http://localhost:11434/v1/chat/completions"},
		{"trailing slash", NewOllama(), "http://localhost:11434/v1/", "http://localhost:11434/v1/chat/completions"},
		{"already has endpoint", NewOllama(), "http://vllm:8000/v1/chat/completions", "http://vllm:8000/v1/chat/completions"},
		{"anthropic default", &AnthropicProvider{}, "", "https://api.anthropic.com/v1/messages"},
		{"anthropic custom", &AnthropicProvider{}, "https://proxy.internal/", "https://proxy.internal/v1/messages"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.provider.BuildURL(tt.baseURL))
		})
	}
}

func TestChatCompletions_SetHeaders(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("OPENROUTER_SITE_URL", "https://finops.example.com")
	t.Setenv("OPENROUTER_SITE_NAME", "FinOps")

	req, _ := http.NewRequest("POST", "https://openrouter.ai/api/v1/chat/completions", nil)
	NewOpenAI().SetHeaders(req)
	assert.Equal(t, "Bearer sk-test", req.Header.Get("Authorization"))
	assert.Equal(t, "https://finops.example.com", req.Header.Get("HTTP-Referer"))
	assert.Equal(t, "FinOps", req.Header.Get("X-Title"))

	req, _ = http.NewRequest("POST", "http://localhost:11434/v1/chat/completions", nil)
	NewOllama().SetHeaders(req)
	assert.Equal(t, "Bearer sk-test", req.Header.Get("Authorization"))
	assert.Empty(t, req.Header.Get("HTTP-Referer"))
}

func TestChatCompletions_BuildRequestBody(t *testing.T) {
	p := NewOllama()
	messages := []llm.Message{
		{Role: "system", Content: "You are a FinOps analyst."},
		{Role: "user", Content: "Review these instances."},
	}

	temp := 0.3
	body, err := p.BuildRequestBody("llama3", messages, &temp, 800)
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, "llama3", got["model"])
	assert.Equal(t, 0.3, got["temperature"])
	assert.Equal(t, float64(800), got["max_tokens"])
	assert.Len(t, got["messages"], 2)

	body, err = p.BuildRequestBody("llama3", messages[1:], nil, 0)
	require.NoError(t, err)
	assert.NotContains(t, string(body), `"temperature"`)
	assert.NotContains(t, string(body), `"max_tokens"`)

	zero := 0.0
	body, err = p.BuildRequestBody("llama3", messages[1:], &zero, 0)
	require.NoError(t, err)
	assert.Contains(t, string(body), `"temperature":0`)
}

func TestChatCompletions_ParseResponse(t *testing.T) {
	p := NewOpenAI()

	resp, err := p.ParseResponse([]byte(`{
		"id": "chatcmpl-123",
		"model": "gpt-4o-mini",
		"choices": [{"index": 0, "message": {"role": "assistant", "content": "{\"items\":[]}"}, "finish_reason": "stop"}],
		"usage": {"prompt_tokens": 120, "completion_tokens": 6, "total_tokens": 126}
	}`), "gpt-4o-mini")
	require.NoError(t, err)
	assert.Equal(t, `{"items":[]}`, resp.Content)
	assert.Equal(t, "gpt-4o-mini", resp.Model)
	assert.Equal(t, 120, resp.Usage.PromptTokens)
	assert.Equal(t, 126, resp.Usage.TotalTokens)
	assert.Equal(t, "stop", resp.FinishReason)

	_, err = p.ParseResponse([]byte(`{"choices": []}`), "gpt-4o-mini")
	assert.ErrorContains(t, err, "no choices")

	_, err = p.ParseResponse([]byte(`not json`), "gpt-4o-mini")
	assert.ErrorContains(t, err, "parse openai response")
}

func TestAnthropic_BuildRequestBody(t *testing.T) {
	p := &AnthropicProvider{}
	messages := []llm.Message{
		{Role: "system", Content: "You are a FinOps analyst."},
		{Role: "user", Content: "Review these instances."},
	}

	body, err := p.BuildRequestBody("claude-sonnet", messages, nil, 0)
	require.NoError(t, err)

	var got messagesRequest
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, "You are a FinOps analyst.", got.System)
	assert.Equal(t, anthropicMaxTokens, got.MaxTokens)
	require.Len(t, got.Messages, 1)
	assert.Equal(t, "user", got.Messages[0].Role)
	assert.Nil(t, got.Temperature)
}

func TestAnthropic_ParseResponse(t *testing.T) {
	p := &AnthropicProvider{}

	resp, err := p.ParseResponse([]byte(`{
		"id": "msg_123",
		"type": "message",
		"content": [{"type": "text", "text": "{\"items\":"}, {"type": "text", "text": "[]}"}],
		"model": "claude-sonnet",
		"stop_reason": "end_turn",
		"usage": {"input_tokens": 15, "output_tokens": 8}
	}`), "claude-sonnet")
	require.NoError(t, err)
	assert.Equal(t, `{"items":[]}`, resp.Content)
	assert.Equal(t, 23, resp.Usage.TotalTokens)
	assert.Equal(t, "end_turn", resp.FinishReason)
}

func TestIsRateLimitBody(t *testing.T) {
	chat := NewOpenAI()
	assert.True(t, chat.IsRateLimitBody(400, []byte(`{"error":{"code":"rate_limit_exceeded"}}`)))
	assert.False(t, chat.IsRateLimitBody(400, []byte(`{"error":{"code":"invalid_request"}}`)))
	assert.False(t, chat.IsRateLimitBody(500, []byte(`<html>`)))

	anthropic := &AnthropicProvider{}
	assert.True(t, anthropic.IsRateLimitBody(529, nil))
	assert.True(t, anthropic.IsRateLimitBody(400, []byte(`{"error":{"type":"rate_limit_error"}}`)))
	assert.False(t, anthropic.IsRateLimitBody(401, []byte(`{"error":{"type":"authentication_error"}}`)))
}
