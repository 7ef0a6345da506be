// Package llm provides the single-endpoint LLM client used by the
// recommendation pipeline. A Client performs exactly one HTTP call per
// request; retry, backoff and cancellation are the caller's concern.
package llm

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// maxResponseSize limits the LLM response body to prevent memory exhaustion.
const maxResponseSize = 10 * 1024 * 1024 // 10MB

// maxErrorBody is how much of an error reply is kept in the error message.
const maxErrorBody = 200

// Caller is the contract the orchestrator depends on: one prompt in, one
// completion out.
type Caller interface {
	Call(ctx context.Context, prompt string, maxTokens int) (string, error)
}

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"`    // "system", "user", or "assistant"
	Content string `json:"content"` // Message content
}

// Request defines an LLM completion request.
type Request struct {
	// Messages is the chat history to send to the LLM.
	Messages []Message

	// Temperature controls randomness. nil uses the endpoint default.
	Temperature *float64

	// MaxTokens limits response length. 0 uses endpoint default.
	MaxTokens int
}

// TokenUsage represents token consumption details for an LLM call.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response contains the LLM completion result.
type Response struct {
	// Content is the generated text.
	Content string

	// Model is the actual model that was used.
	Model string

	// Usage contains detailed token consumption metrics.
	Usage TokenUsage

	// FinishReason indicates why generation stopped.
	FinishReason string
}

// EndpointConfig identifies the one endpoint a Client talks to.
type EndpointConfig struct {
	// Provider names a registered Provider ("openai", "ollama", "anthropic").
	Provider string

	// URL is the provider base URL. Empty uses the provider default.
	URL string

	// Model is sent in the request body.
	Model string

	// Temperature applies when a request does not set its own.
	Temperature *float64
}

// Client is a single-endpoint LLM client.
type Client struct {
	endpoint   EndpointConfig
	provider   Provider
	httpClient *http.Client
	logger     *slog.Logger
	tracer     trace.Tracer
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(client *Client) {
		client.httpClient = c
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(client *Client) {
		client.logger = logger
	}
}

// NewClient creates a client for the endpoint. The provider must already be
// registered, usually by importing llm/providers.
func NewClient(endpoint EndpointConfig, opts ...ClientOption) (*Client, error) {
	provider := GetProvider(endpoint.Provider)
	if provider == nil {
		return nil, fmt.Errorf("unknown provider %q (registered: %s)",
			endpoint.Provider, strings.Join(ListProviders(), ", "))
	}

	c := &Client{
		endpoint: endpoint,
		provider: provider,
		httpClient: &http.Client{
			Timeout: 180 * time.Second, // Allow time for LLM responses
		},
		logger: slog.Default(),
		tracer: otel.Tracer("github.com/c360studio/finops/llm"),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c, nil
}

// Call sends prompt as a single user message and returns the completion text.
func (c *Client) Call(ctx context.Context, prompt string, maxTokens int) (string, error) {
	resp, err := c.Complete(ctx, Request{
		Messages:  []Message{{Role: "user", Content: prompt}},
		MaxTokens: maxTokens,
	})
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

// Complete executes one request against the endpoint.
func (c *Client) Complete(ctx context.Context, req Request) (*Response, error) {
	if len(req.Messages) == 0 {
		return nil, NewFatalError(fmt.Errorf("at least one message is required"))
	}

	ctx, span := c.tracer.Start(ctx, "llm.complete",
		trace.WithAttributes(
			attribute.String("llm.provider", c.provider.Name()),
			attribute.String("llm.model", c.endpoint.Model),
			attribute.Int("llm.max_tokens", req.MaxTokens),
		))
	defer span.End()

	start := time.Now()
	resp, err := c.doRequest(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	span.SetAttributes(attribute.Int("llm.total_tokens", resp.Usage.TotalTokens))
	c.logger.Debug("LLM call completed",
		"provider", c.provider.Name(),
		"model", resp.Model,
		"tokens", resp.Usage.TotalTokens,
		"finish_reason", resp.FinishReason,
		"duration", time.Since(start))
	return resp, nil
}

// doRequest executes a single HTTP request to the LLM endpoint.
func (c *Client) doRequest(ctx context.Context, req Request) (*Response, error) {
	url := c.provider.BuildURL(c.endpoint.URL)

	temperature := req.Temperature
	if temperature == nil {
		temperature = c.endpoint.Temperature
	}

	body, err := c.provider.BuildRequestBody(c.endpoint.Model, req.Messages, temperature, req.MaxTokens)
	if err != nil {
		return nil, NewFatalError(fmt.Errorf("build request body: %w", err))
	}

	c.logger.Debug("Sending LLM request",
		"provider", c.provider.Name(),
		"model", c.endpoint.Model,
		"url", url,
		"messages", len(req.Messages))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, NewFatalError(fmt.Errorf("create HTTP request: %w", err))
	}

	httpReq.Header.Set("Content-Type", "application/json")
	c.provider.SetHeaders(httpReq)

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		// Network errors are transient
		return nil, NewTransientError(fmt.Errorf("HTTP request failed: %w", err))
	}
	defer httpResp.Body.Close()

	// Read response body with size limit to prevent memory exhaustion
	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseSize))
	if err != nil {
		return nil, NewTransientError(fmt.Errorf("read response body: %w", err))
	}

	if httpResp.StatusCode != http.StatusOK {
		return nil, c.classifyHTTPError(httpResp, respBody)
	}

	resp, err := c.provider.ParseResponse(respBody, c.endpoint.Model)
	if err != nil {
		return nil, NewFatalError(err)
	}
	return resp, nil
}

// classifyHTTPError maps a non-200 reply onto the error taxonomy.
func (c *Client) classifyHTTPError(resp *http.Response, body []byte) error {
	bodyStr := string(body)
	if len(bodyStr) > maxErrorBody {
		bodyStr = bodyStr[:maxErrorBody] + "..."
	}

	statusCode := resp.StatusCode
	err := fmt.Errorf("LLM API error (status %d): %s", statusCode, bodyStr)

	rateLimited := statusCode == http.StatusTooManyRequests
	if d, ok := c.provider.(RateLimitDetector); ok && d.IsRateLimitBody(statusCode, body) {
		rateLimited = true
	}

	switch {
	case rateLimited:
		return NewRateLimitError(err, parseRetryAfter(resp.Header.Get("Retry-After")))
	case statusCode >= 500:
		return NewTransientError(err)
	default:
		// Auth, bad request and unknown statuses are fatal
		return NewFatalError(err)
	}
}

// parseRetryAfter reads the delay-seconds form of Retry-After.
func parseRetryAfter(v string) time.Duration {
	secs, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
