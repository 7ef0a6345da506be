package recommender

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/c360studio/finops/cache"
	"github.com/c360studio/finops/registry"
)

// maxRequestBodySize limits POST body sizes.
const maxRequestBodySize = 1 << 20 // 1 MB

// TaskStore is the registry surface used by the HTTP handlers.
type TaskStore interface {
	Status(ctx context.Context, id string) (registry.Info, error)
	ListActive(ctx context.Context) ([]registry.Info, error)
}

// CacheAdmin is the cache surface used by the HTTP handlers.
type CacheAdmin interface {
	Stats(ctx context.Context) (cache.Stats, error)
	Invalidate(ctx context.Context, scope cache.Scope) (int, error)
}

// Pinger reports store health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// API exposes the orchestrator over HTTP.
type API struct {
	orchestrator *Orchestrator
	tasks        TaskStore
	cache        CacheAdmin
	store        Pinger
	metrics      http.Handler
	logger       *slog.Logger
}

// APIOption configures an API.
type APIOption func(*API)

// WithMetricsHandler serves h at /metrics.
func WithMetricsHandler(h http.Handler) APIOption {
	return func(a *API) { a.metrics = h }
}

// WithAPILogger sets the logger.
func WithAPILogger(logger *slog.Logger) APIOption {
	return func(a *API) { a.logger = logger }
}

// NewAPI creates the HTTP surface.
func NewAPI(o *Orchestrator, tasks TaskStore, c CacheAdmin, store Pinger, opts ...APIOption) *API {
	a := &API{
		orchestrator: o,
		tasks:        tasks,
		cache:        c,
		store:        store,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// RegisterHTTPHandlers registers all handlers under the given prefix.
// The prefix should be the path segment without a trailing slash (e.g. "api").
// Handlers are registered as:
//
//	POST, OPTIONS <prefix>/cancel-tasks/{project_id}
//	POST          <prefix>/recommendations
//	GET           <prefix>/tasks
//	GET           <prefix>/tasks/{id}
//	GET           <prefix>/cache/stats
//	DELETE        <prefix>/cache
//	GET           <prefix>/healthz
//	GET           <prefix>/metrics
func (a *API) RegisterHTTPHandlers(prefix string, mux *http.ServeMux) {
	prefix = strings.TrimSuffix(prefix, "/")
	if prefix != "" && !strings.HasPrefix(prefix, "/") {
		prefix = "/" + prefix
	}

	mux.HandleFunc(prefix+"/cancel-tasks/", a.handleCancelTasks)
	mux.HandleFunc(prefix+"/recommendations", a.handleRecommendations)
	mux.HandleFunc(prefix+"/tasks", a.handleListTasks)
	mux.HandleFunc(prefix+"/tasks/", a.handleTaskStatus)
	mux.HandleFunc(prefix+"/cache/stats", a.handleCacheStats)
	mux.HandleFunc(prefix+"/cache", a.handleCacheInvalidate)
	mux.HandleFunc(prefix+"/healthz", a.handleHealth)
	if a.metrics != nil {
		mux.Handle(prefix+"/metrics", a.metrics)
	}
}

// CancelResponse is the body of every cancel-tasks reply.
type CancelResponse struct {
	Status         string `json:"status"`
	Message        string `json:"message"`
	ProjectID      string `json:"project_id"`
	CancelledCount int    `json:"cancelled_count"`
}

// ----------------------------------------------------------------------------
// POST /cancel-tasks/{project_id}
// ----------------------------------------------------------------------------

// handleCancelTasks cancels a project's tasks. It is unauthenticated and
// always answers 200; failures are reported in the body.
func (a *API) handleCancelTasks(w http.ResponseWriter, r *http.Request) {
	setCORSHeaders(w)

	switch r.Method {
	case http.MethodOptions:
		w.WriteHeader(http.StatusOK)
		return
	case http.MethodPost:
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	projectID := lastSegment(r.URL.Path, "/cancel-tasks/")
	if projectID == "" {
		writeJSON(w, http.StatusOK, CancelResponse{
			Status:  "error",
			Message: "project id is required",
		})
		return
	}

	n, err := a.orchestrator.CancelProject(r.Context(), projectID)
	if err != nil {
		a.logger.Warn("Cancel request failed", "project_id", projectID, "error", err)
		writeJSON(w, http.StatusOK, CancelResponse{
			Status:    "error",
			Message:   err.Error(),
			ProjectID: projectID,
		})
		return
	}

	msg := fmt.Sprintf("cancelled %d running task(s)", n)
	if n == 0 {
		msg = "no running tasks; the project's next task will be cancelled on creation"
	}
	a.logger.Info("Project tasks cancelled", "project_id", projectID, "count", n)
	writeJSON(w, http.StatusOK, CancelResponse{
		Status:         "success",
		Message:        msg,
		ProjectID:      projectID,
		CancelledCount: n,
	})
}

func setCORSHeaders(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", "POST, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
}

// ----------------------------------------------------------------------------
// POST /recommendations
// ----------------------------------------------------------------------------

func (a *API) handleRecommendations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req Request
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	result, err := a.orchestrator.Run(r.Context(), req)
	if err != nil {
		status := HTTPStatus(err)
		if status >= http.StatusInternalServerError {
			a.logger.Error("Analysis failed", "cloud", req.Cloud, "resource_type", req.ResourceType, "error", err)
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// ----------------------------------------------------------------------------
// GET /tasks, GET /tasks/{id}
// ----------------------------------------------------------------------------

func (a *API) handleListTasks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	tasks, err := a.tasks.ListActive(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	if tasks == nil {
		tasks = []registry.Info{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (a *API) handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := lastSegment(r.URL.Path, "/tasks/")
	if id == "" {
		writeError(w, http.StatusBadRequest, "task id is required")
		return
	}

	info, err := a.tasks.Status(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	if info.Status == registry.StatusNotFound {
		writeJSON(w, http.StatusNotFound, info)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// ----------------------------------------------------------------------------
// GET /cache/stats, DELETE /cache
// ----------------------------------------------------------------------------

func (a *API) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	stats, err := a.cache.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (a *API) handleCacheInvalidate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	scope := cache.Scope{Fingerprint: r.URL.Query().Get("fingerprint")}
	n, err := a.cache.Invalidate(r.Context(), scope)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"deleted": n})
}

// ----------------------------------------------------------------------------
// GET /healthz
// ----------------------------------------------------------------------------

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := a.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// lastSegment returns what follows marker in path, without slashes.
func lastSegment(path, marker string) string {
	i := strings.LastIndex(path, marker)
	if i < 0 {
		return ""
	}
	return strings.Trim(path[i+len(marker):], "/")
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// Headers are already sent; an encode error cannot be reported.
	_ = json.NewEncoder(w).Encode(v)
}
