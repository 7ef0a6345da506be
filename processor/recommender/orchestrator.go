// Package recommender runs the staged cost analysis for one request: it
// consults the result cache, registers a cancellable task, reads utilization
// and pricing data, and calls the LLM under a rate-limit retry protocol.
//
// Cancellation is cooperative. The registry is polled at every checkpoint
// and by a watcher goroutine that cancels the run's context, so blocking
// stages and backoff sleeps return promptly once a task is cancelled.
package recommender

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/c360studio/finops/cache"
	"github.com/c360studio/finops/events"
	"github.com/c360studio/finops/llm"
	"github.com/c360studio/finops/metric"
	"github.com/c360studio/finops/pricing"
	"github.com/c360studio/finops/registry"
	"github.com/c360studio/finops/storage"
	"github.com/c360studio/finops/warehouse"
)

// Registry is the subset of *registry.Registry the orchestrator needs.
type Registry interface {
	Create(ctx context.Context, taskType string, metadata map[string]string) (string, error)
	IsCancelled(ctx context.Context, id string) (bool, error)
	Complete(ctx context.Context, id string) error
	CancelByProject(ctx context.Context, projectID string) (int, error)
}

// ResultCache is the subset of *cache.Cache the orchestrator needs.
type ResultCache interface {
	Get(ctx context.Context, fingerprint string) (json.RawMessage, bool)
	Put(ctx context.Context, fingerprint string, value any)
}

// Deps are the orchestrator's collaborators. Pricing, Metrics and Events
// are optional.
type Deps struct {
	Registry  Registry
	Cache     ResultCache
	Warehouse warehouse.Reader
	Pricing   pricing.Provider
	LLM       llm.Caller
	Metrics   *metric.Metrics
	Events    events.Publisher
}

// Orchestrator runs analyses. It is safe for concurrent use; all task state
// lives in the registry.
type Orchestrator struct {
	deps    Deps
	config  Config
	logger  *slog.Logger
	tracer  trace.Tracer
	limiter *rate.Limiter

	// sleep waits between retries. Replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = logger
	}
}

// New creates an orchestrator.
func New(deps Deps, cfg Config, opts ...Option) (*Orchestrator, error) {
	switch {
	case deps.Registry == nil:
		return nil, fmt.Errorf("registry is required")
	case deps.Cache == nil:
		return nil, fmt.Errorf("cache is required")
	case deps.Warehouse == nil:
		return nil, fmt.Errorf("warehouse reader is required")
	case deps.LLM == nil:
		return nil, fmt.Errorf("llm caller is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if deps.Events == nil {
		deps.Events = events.Nop{}
	}

	limit := rate.Inf
	if cfg.Retry.RequestDelay > 0 {
		limit = rate.Every(cfg.Retry.RequestDelay)
	}

	o := &Orchestrator{
		deps:    deps,
		config:  cfg,
		logger:  slog.Default(),
		tracer:  otel.Tracer("github.com/c360studio/finops/processor/recommender"),
		limiter: rate.NewLimiter(limit, 1),
		sleep:   sleepContext,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Run executes one analysis. A cache hit returns without creating a task.
// Cancellation yields a Result with Status cancelled and leaves the cache
// untouched. Any other failure completes the task and returns an error
// wrapping one of the package's error kinds.
func (o *Orchestrator) Run(ctx context.Context, req Request) (*Result, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	start := time.Now()
	fp := cache.Fingerprint(req.Key())

	ctx, span := o.tracer.Start(ctx, "recommender.run", trace.WithAttributes(
		attribute.String("finops.cloud", req.Cloud),
		attribute.String("finops.resource_type", req.ResourceType),
		attribute.String("finops.fingerprint", fp),
	))
	defer span.End()

	result, err := o.run(ctx, req, fp)

	outcome := metric.OutcomeFailed
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		outcome = string(result.Status)
		span.SetAttributes(attribute.String("finops.status", outcome))
	}
	o.deps.Metrics.Run(outcome, time.Since(start))
	return result, err
}

func (o *Orchestrator) run(ctx context.Context, req Request, fp string) (*Result, error) {
	if cached, ok := o.deps.Cache.Get(ctx, fp); ok {
		o.deps.Metrics.CacheHit()
		o.logger.Debug("Cache hit", "fingerprint", fp)
		return &Result{Status: StatusCached, Fingerprint: fp, Recommendations: cached}, nil
	}
	o.deps.Metrics.CacheMiss()

	id, err := o.deps.Registry.Create(ctx, req.ResourceType, req.metadata())
	if err != nil {
		return nil, o.storeError("create task", err)
	}

	cancelled, err := o.deps.Registry.IsCancelled(ctx, id)
	if err != nil {
		o.complete(ctx, id)
		return nil, o.storeError("check cancellation", err)
	}
	o.deps.Metrics.TaskCreated(cancelled)
	o.publish(ctx, events.Event{Kind: events.TaskCreated, TaskID: id, ProjectID: req.ProjectID,
		Status: string(statusOf(cancelled))})
	if cancelled {
		o.logger.Info("Task cancelled before start", "task_id", id, "project_id", req.ProjectID)
		return cancelledResult(id, fp), nil
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	stop := o.watch(runCtx, id, cancel)
	payload, status, err := o.analyze(runCtx, id, req)
	stop()

	// A cancel landing after the last stage still discards the result.
	if err == nil && status == StatusCompleted {
		err = o.checkpoint(runCtx, id)
	}

	switch {
	case errors.Is(err, errCancelled):
		o.logger.Info("Analysis cancelled", "task_id", id, "project_id", req.ProjectID)
		return cancelledResult(id, fp), nil
	case err != nil:
		o.complete(ctx, id)
		return nil, err
	}

	if status == StatusCompleted {
		o.deps.Cache.Put(ctx, fp, payload)
	}
	o.complete(ctx, id)

	o.logger.Info("Analysis finished", "task_id", id, "status", status, "fingerprint", fp)
	return &Result{Status: status, TaskID: id, Fingerprint: fp, Recommendations: payload}, nil
}

// CancelProject cancels every running task of a project, or arms the
// pending-cancel sentinel when it has none yet.
func (o *Orchestrator) CancelProject(ctx context.Context, projectID string) (int, error) {
	n, err := o.deps.Registry.CancelByProject(ctx, projectID)
	if err != nil {
		return 0, o.storeError("cancel project", err)
	}
	o.deps.Metrics.TasksCancelled(n)
	o.publish(ctx, events.Event{Kind: events.TaskCancelled, ProjectID: projectID, Count: n,
		Status: string(registry.StatusCancelled)})
	return n, nil
}

// analyze runs the four stages with a cancellation checkpoint before each.
func (o *Orchestrator) analyze(ctx context.Context, id string, req Request) (json.RawMessage, Status, error) {
	var table warehouse.Table
	err := o.stage(ctx, id, "utilization", func(ctx context.Context) error {
		var err error
		table, err = o.deps.Warehouse.Read(ctx, req.Schema, req.View(), req.window())
		if err != nil {
			return fmt.Errorf("%w: %w", ErrWarehouse, err)
		}
		return nil
	})
	if err != nil {
		return nil, "", err
	}
	if table.Empty() {
		o.logger.Info("No utilization rows for window", "task_id", id,
			"schema", req.Schema, "view", req.View())
		return emptySet, StatusEmpty, nil
	}

	var quotes []pricing.Quote
	err = o.stage(ctx, id, "pricing", func(ctx context.Context) error {
		quotes = o.lookupPrices(ctx, req, table)
		return ctx.Err()
	})
	if err != nil {
		return nil, "", err
	}

	var prompt string
	err = o.stage(ctx, id, "prompt", func(context.Context) error {
		prompt = BuildPrompt(req, table, quotes, o.config.MaxPromptRows)
		return nil
	})
	if err != nil {
		return nil, "", err
	}

	var payload json.RawMessage
	err = o.stage(ctx, id, "llm", func(ctx context.Context) error {
		text, err := o.callLLM(ctx, id, prompt)
		if err != nil {
			return err
		}
		payload, err = decodePayload(text)
		return err
	})
	if err != nil {
		return nil, "", err
	}
	return payload, StatusCompleted, nil
}

// stage runs fn in its own span after a checkpoint. Errors caused by the
// watcher cancelling ctx are reported as errCancelled.
func (o *Orchestrator) stage(ctx context.Context, id, name string, fn func(context.Context) error) error {
	if err := o.checkpoint(ctx, id); err != nil {
		return err
	}

	ctx, span := o.tracer.Start(ctx, "recommender."+name)
	defer span.End()

	err := fn(ctx)
	if err == nil {
		return nil
	}
	if isCancelled(ctx) {
		return errCancelled
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// checkpoint returns errCancelled once the task has been cancelled.
func (o *Orchestrator) checkpoint(ctx context.Context, id string) error {
	if isCancelled(ctx) {
		return errCancelled
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	cancelled, err := o.deps.Registry.IsCancelled(ctx, id)
	if err != nil {
		return o.storeError("check cancellation", err)
	}
	if cancelled {
		return errCancelled
	}
	return nil
}

// lookupPrices queries pricing for the distinct region and key pairs in the
// table. Pricing is context only; failures are logged and skipped.
func (o *Orchestrator) lookupPrices(ctx context.Context, req Request, table warehouse.Table) []pricing.Quote {
	if o.deps.Pricing == nil {
		return nil
	}
	regionCol := table.Column(o.config.RegionColumn)
	keyCol := -1
	for _, name := range o.config.PriceKeyColumns {
		if keyCol = table.Column(name); keyCol >= 0 {
			break
		}
	}
	if regionCol < 0 || keyCol < 0 {
		o.logger.Debug("Utilization has no pricing columns", "view", req.View())
		return nil
	}

	seen := make(map[pricing.Query]bool)
	var quotes []pricing.Quote
	for _, row := range table.Rows {
		if len(seen) >= o.config.MaxPriceLookups || ctx.Err() != nil {
			break
		}
		q := pricing.Query{
			Cloud:  req.Cloud,
			Region: fmt.Sprint(row[regionCol]),
			Key:    fmt.Sprint(row[keyCol]),
		}
		if row[regionCol] == nil || row[keyCol] == nil || seen[q] {
			continue
		}
		seen[q] = true

		quote, err := o.deps.Pricing.Lookup(ctx, q)
		switch {
		case errors.Is(err, pricing.ErrNotFound):
			o.logger.Debug("No price for SKU", "region", q.Region, "key", q.Key)
		case err != nil:
			if ctx.Err() == nil {
				o.logger.Warn("Pricing lookup failed", "region", q.Region, "key", q.Key, "error", err)
			}
		default:
			quotes = append(quotes, quote)
		}
	}
	return quotes
}

func (o *Orchestrator) complete(ctx context.Context, id string) {
	ctx = context.WithoutCancel(ctx)
	if err := o.deps.Registry.Complete(ctx, id); err != nil {
		o.logger.Warn("Failed to mark task completed", "task_id", id, "error", err)
		return
	}
	o.deps.Metrics.TaskCompleted()
	o.publish(ctx, events.Event{Kind: events.TaskCompleted, TaskID: id, Status: string(registry.StatusCompleted)})
}

func (o *Orchestrator) publish(ctx context.Context, ev events.Event) {
	o.deps.Events.Publish(context.WithoutCancel(ctx), ev)
}

func (o *Orchestrator) storeError(op string, err error) error {
	if storage.IsUnavailable(err) {
		return fmt.Errorf("%w: %s: %w", ErrStoreUnavailable, op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// decodePayload extracts and compacts the JSON object from an LLM reply.
func decodePayload(text string) (json.RawMessage, error) {
	if records, ok := bareRecords(text); ok {
		return records, nil
	}
	raw, err := llm.ExtractJSON(text)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLLMParse, err)
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, []byte(raw)); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLLMParse, err)
	}
	return json.RawMessage(buf.Bytes()), nil
}

// bareRecords accepts a reply that is a top-level array of records instead
// of the requested object and wraps it as {"recommendations": [...]}. Only
// applies when the array opens before any object.
func bareRecords(text string) (json.RawMessage, bool) {
	arr, obj := strings.IndexByte(text, '['), strings.IndexByte(text, '{')
	if arr < 0 || (obj >= 0 && obj < arr) {
		return nil, false
	}
	raw, err := llm.ExtractJSONArray(text)
	if err != nil {
		return nil, false
	}
	var records []json.RawMessage
	if err := json.Unmarshal([]byte(raw), &records); err != nil {
		return nil, false
	}
	for _, r := range records {
		if len(r) == 0 || r[0] != '{' {
			return nil, false
		}
	}
	if records == nil {
		records = []json.RawMessage{}
	}
	out, err := json.Marshal(struct {
		Recommendations []json.RawMessage `json:"recommendations"`
	}{records})
	if err != nil {
		return nil, false
	}
	return out, true
}

func cancelledResult(id, fp string) *Result {
	return &Result{
		Status:          StatusCancelled,
		Cancelled:       true,
		TaskID:          id,
		Fingerprint:     fp,
		Recommendations: emptySet,
	}
}

func statusOf(cancelled bool) registry.Status {
	if cancelled {
		return registry.StatusCancelled
	}
	return registry.StatusRunning
}

// isCancelled reports whether ctx was cancelled by the watcher.
func isCancelled(ctx context.Context) bool {
	return errors.Is(context.Cause(ctx), errCancelled)
}
