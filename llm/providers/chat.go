package providers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/c360studio/finops/llm"
)

const chatCompletionsPath = "/chat/completions"

// ChatCompletionsProvider speaks the OpenAI chat completions wire format.
// OpenAI, OpenRouter, Ollama and vLLM all accept it; instances differ only in
// default URL and in the headers they send.
type ChatCompletionsProvider struct {
	name       string
	defaultURL string

	// openRouter adds the attribution headers OpenRouter asks for.
	openRouter bool
}

func init() {
	llm.RegisterProvider(&ChatCompletionsProvider{
		name:       "openai",
		defaultURL: "https://api.openai.com/v1",
		openRouter: true,
	})
	llm.RegisterProvider(&ChatCompletionsProvider{
		name:       "ollama",
		defaultURL: "http://localhost:11434/v1",
	})
}

// NewOpenAI returns the provider registered as "openai".
func NewOpenAI() *ChatCompletionsProvider {
	return llm.GetProvider("openai").(*ChatCompletionsProvider)
}

// NewOllama returns the provider registered as "ollama".
func NewOllama() *ChatCompletionsProvider {
	return llm.GetProvider("ollama").(*ChatCompletionsProvider)
}

// Name returns the provider identifier.
func (p *ChatCompletionsProvider) Name() string {
	return p.name
}

// BuildURL appends /chat/completions unless the URL already ends with it.
func (p *ChatCompletionsProvider) BuildURL(baseURL string) string {
	if baseURL == "" {
		baseURL = p.defaultURL
	}
	baseURL = strings.TrimSuffix(baseURL, "/")

	if strings.HasSuffix(baseURL, chatCompletionsPath) {
		return baseURL
	}
	return baseURL + chatCompletionsPath
}

// SetHeaders adds bearer auth from OPENAI_API_KEY when present.
func (p *ChatCompletionsProvider) SetHeaders(req *http.Request) {
	if apiKey := os.Getenv("OPENAI_API_KEY"); apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	if !p.openRouter {
		return
	}
	if siteURL := os.Getenv("OPENROUTER_SITE_URL"); siteURL != "" {
		req.Header.Set("HTTP-Referer", siteURL)
	}
	if siteName := os.Getenv("OPENROUTER_SITE_NAME"); siteName != "" {
		req.Header.Set("X-Title", siteName)
	}
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []llm.Message `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
}

// BuildRequestBody creates the request body. System messages stay inline.
func (p *ChatCompletionsProvider) BuildRequestBody(model string, messages []llm.Message, temperature *float64, maxTokens int) ([]byte, error) {
	req := chatRequest{
		Model:       model,
		Messages:    messages,
		Temperature: temperature, // nil = use default, 0 = deterministic
	}
	if maxTokens > 0 {
		req.MaxTokens = &maxTokens
	}
	return json.Marshal(req)
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// ParseResponse returns the first choice.
func (p *ChatCompletionsProvider) ParseResponse(body []byte, _ string) (*llm.Response, error) {
	var resp chatResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("parse %s response: %w", p.name, err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("no choices in response")
	}

	return &llm.Response{
		Content: resp.Choices[0].Message.Content,
		Model:   resp.Model,
		Usage: llm.TokenUsage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
		FinishReason: resp.Choices[0].FinishReason,
	}, nil
}

// IsRateLimitBody recognizes the rate_limit_exceeded error code, which some
// gateways return with a non-429 status.
func (p *ChatCompletionsProvider) IsRateLimitBody(_ int, body []byte) bool {
	var e struct {
		Error struct {
			Type string `json:"type"`
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &e); err != nil {
		return false
	}
	return e.Error.Code == "rate_limit_exceeded" || e.Error.Type == "rate_limit_error"
}
