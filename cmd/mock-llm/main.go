// Package main implements a mock OpenAI-compatible LLM for local runs of the
// finops server. It answers /v1/chat/completions with canned recommendation
// payloads and can throttle to exercise the rate-limit retry protocol.
//
// Usage:
//
//	mock-llm -port 11434 -rate-limit 2 -latency 500ms
//
// Without -fixtures every model receives the built-in recommendation reply.
// A fixture directory holds "<model>.txt" or "<model>.json" files whose
// content is returned verbatim as the assistant message, so malformed or
// fenced replies can be reproduced.
//
// -rate-limit N answers the first N calls with HTTP 429 and a Retry-After
// header before serving normally.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// defaultReply is served when no fixture matches the requested model.
const defaultReply = "```json\n" + `{
  "recommendations": [
    {
      "resource_id": "i-0abc",
      "action": "rightsize",
      "current": "m5.large",
      "suggested": "t3.large",
      "estimated_monthly_savings": 9.34,
      "confidence": "medium",
      "rationale": "Average CPU stayed under 10% for the whole window."
    }
  ]
}` + "\n```"

// --- OpenAI-compatible types ---

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	Usage   chatUsage    `json:"usage"`
}

type chatChoice struct {
	Index        int         `json:"index"`
	Message      chatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// --- Server ---

type options struct {
	rateLimit  int
	retryAfter time.Duration
	latency    time.Duration
}

type server struct {
	fixtures map[string]string
	opts     options

	calls     atomic.Int64
	throttled atomic.Int64

	mu        sync.Mutex
	maxTokens []int
}

func newServer(fixtures map[string]string, opts options) *server {
	if fixtures == nil {
		fixtures = map[string]string{}
	}
	return &server{fixtures: fixtures, opts: opts}
}

func (s *server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/v1/chat/completions", s.handleChatCompletions)
	mux.HandleFunc("/stats", s.handleStats)
	return mux
}

func main() {
	fixtureDir := flag.String("fixtures", "", "directory of <model>.txt/.json reply files")
	port := flag.Int("port", 11434, "port to listen on")
	rateLimit := flag.Int("rate-limit", 0, "answer the first N calls with 429")
	retryAfter := flag.Duration("retry-after", 0, "Retry-After sent with 429 replies")
	latency := flag.Duration("latency", 0, "delay before each reply")
	flag.Parse()

	if envDir := os.Getenv("MOCK_LLM_FIXTURES"); envDir != "" && *fixtureDir == "" {
		*fixtureDir = envDir
	}

	var fixtures map[string]string
	if *fixtureDir != "" {
		var err error
		fixtures, err = loadFixtures(*fixtureDir)
		if err != nil {
			log.Fatalf("Failed to load fixtures from %s: %v", *fixtureDir, err)
		}
		log.Printf("Loaded %d fixture(s) from %s", len(fixtures), *fixtureDir)
	}

	s := newServer(fixtures, options{rateLimit: *rateLimit, retryAfter: *retryAfter, latency: *latency})

	addr := fmt.Sprintf(":%d", *port)
	log.Printf("Mock LLM listening on %s (rate-limit=%d latency=%s)", addr, *rateLimit, *latency)
	if err := http.ListenAndServe(addr, s.routes()); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	callNum := s.calls.Add(1)
	if req.MaxTokens != nil {
		s.mu.Lock()
		s.maxTokens = append(s.maxTokens, *req.MaxTokens)
		s.mu.Unlock()
	}

	if int(callNum) <= s.opts.rateLimit {
		s.throttled.Add(1)
		log.Printf("[call %d] model=%s throttled", callNum, req.Model)
		if s.opts.retryAfter > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(int(s.opts.retryAfter.Seconds())))
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]string{"type": "rate_limit_exceeded", "message": "mock rate limit"},
		})
		return
	}

	if s.opts.latency > 0 {
		select {
		case <-r.Context().Done():
			return
		case <-time.After(s.opts.latency):
		}
	}

	content, ok := s.fixtures[req.Model]
	if !ok {
		content, ok = s.fixtures[strings.TrimPrefix(req.Model, "mock-")]
	}
	if !ok {
		content = defaultReply
	}

	log.Printf("[call %d] model=%s messages=%d bytes=%d", callNum, req.Model, len(req.Messages), len(content))

	resp := chatResponse{
		ID:      fmt.Sprintf("mock-%d", time.Now().UnixNano()),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   req.Model,
		Choices: []chatChoice{{
			Message:      chatMessage{Role: "assistant", Content: content},
			FinishReason: "stop",
		}},
		Usage: chatUsage{
			PromptTokens:     promptLength(req.Messages) / 4,
			CompletionTokens: len(content) / 4,
			TotalTokens:      (promptLength(req.Messages) + len(content)) / 4,
		},
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func promptLength(msgs []chatMessage) int {
	n := 0
	for _, m := range msgs {
		n += len(m.Content)
	}
	return n
}

// handleStats reports call counts for assertions.
func (s *server) handleStats(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	maxTokens := append([]int(nil), s.maxTokens...)
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"total_calls":     s.calls.Load(),
		"throttled_calls": s.throttled.Load(),
		"max_tokens":      maxTokens,
	})
}

// loadFixtures maps "<model>.txt" and "<model>.json" files in dir to their
// content. JSON fixtures are not validated so broken replies can be served.
func loadFixtures(dir string) (map[string]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	fixtures := make(map[string]string)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		if ext != ".txt" && ext != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", e.Name(), err)
		}
		fixtures[strings.TrimSuffix(e.Name(), ext)] = string(data)
	}

	if len(fixtures) == 0 {
		return nil, fmt.Errorf("no fixture files found in %s", dir)
	}
	return fixtures, nil
}
