package providers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/c360studio/finops/llm"
)

const (
	anthropicVersion   = "2023-06-01"
	anthropicDefault   = "https://api.anthropic.com"
	anthropicMaxTokens = 4096

	// statusOverloaded is Anthropic's non-standard overload status.
	statusOverloaded = 529
)

// AnthropicProvider implements the Anthropic messages API.
type AnthropicProvider struct{}

func init() {
	llm.RegisterProvider(&AnthropicProvider{})
}

// Name returns the provider identifier.
func (a *AnthropicProvider) Name() string {
	return "anthropic"
}

// BuildURL constructs the messages endpoint.
func (a *AnthropicProvider) BuildURL(baseURL string) string {
	if baseURL == "" {
		baseURL = anthropicDefault
	}
	return strings.TrimSuffix(baseURL, "/") + "/v1/messages"
}

// SetHeaders adds the API key from ANTHROPIC_API_KEY and the version header.
func (a *AnthropicProvider) SetHeaders(req *http.Request) {
	if apiKey := os.Getenv("ANTHROPIC_API_KEY"); apiKey != "" {
		req.Header.Set("x-api-key", apiKey)
	}
	req.Header.Set("anthropic-version", anthropicVersion)
}

type messagesRequest struct {
	Model       string        `json:"model"`
	MaxTokens   int           `json:"max_tokens"`
	Messages    []llm.Message `json:"messages"`
	System      string        `json:"system,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
}

// BuildRequestBody lifts system messages into the top-level system field.
// max_tokens is mandatory for this API, so zero becomes the default.
func (a *AnthropicProvider) BuildRequestBody(model string, messages []llm.Message, temperature *float64, maxTokens int) ([]byte, error) {
	req := messagesRequest{
		Model:       model,
		MaxTokens:   maxTokens,
		Temperature: temperature,
	}
	if req.MaxTokens <= 0 {
		req.MaxTokens = anthropicMaxTokens
	}

	var system []string
	for _, msg := range messages {
		if msg.Role == "system" {
			system = append(system, msg.Content)
			continue
		}
		req.Messages = append(req.Messages, msg)
	}
	req.System = strings.Join(system, "\n\n")

	return json.Marshal(req)
}

type messagesResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Model      string `json:"model"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// ParseResponse concatenates the text blocks.
func (a *AnthropicProvider) ParseResponse(body []byte, _ string) (*llm.Response, error) {
	var resp messagesResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("parse anthropic response: %w", err)
	}

	var content strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			content.WriteString(block.Text)
		}
	}

	return &llm.Response{
		Content: content.String(),
		Model:   resp.Model,
		Usage: llm.TokenUsage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
		FinishReason: resp.StopReason,
	}, nil
}

// IsRateLimitBody treats rate_limit_error, overloaded_error and HTTP 529 as
// throttling.
func (a *AnthropicProvider) IsRateLimitBody(statusCode int, body []byte) bool {
	if statusCode == statusOverloaded {
		return true
	}
	var e struct {
		Error struct {
			Type string `json:"type"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &e); err != nil {
		return false
	}
	return e.Error.Type == "rate_limit_error" || e.Error.Type == "overloaded_error"
}
