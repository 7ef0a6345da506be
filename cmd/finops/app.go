package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"

	// Register LLM providers via init()
	_ "github.com/c360studio/finops/llm/providers"

	"github.com/c360studio/finops/cache"
	"github.com/c360studio/finops/config"
	"github.com/c360studio/finops/events"
	"github.com/c360studio/finops/llm"
	"github.com/c360studio/finops/metric"
	"github.com/c360studio/finops/pricing"
	"github.com/c360studio/finops/processor/recommender"
	"github.com/c360studio/finops/registry"
	"github.com/c360studio/finops/storage"
	"github.com/c360studio/finops/warehouse"
)

// errNoWarehouse is returned by reads when no warehouse DSN is configured.
var errNoWarehouse = errors.New("warehouse not configured")

// App wires the store, the warehouse and the LLM endpoint into one
// orchestrator and its HTTP surface.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	store    *storage.Client
	registry *registry.Registry
	cache    *cache.Cache
	pool     *pgxpool.Pool
	metrics  *metric.Metrics
	events   events.Publisher

	orch *recommender.Orchestrator
	api  *recommender.API
}

// AppOption configures an App.
type AppOption func(*appOptions)

type appOptions struct {
	caller    llm.Caller
	publisher events.Publisher
}

// WithCaller replaces the configured LLM endpoint.
func WithCaller(c llm.Caller) AppOption {
	return func(o *appOptions) { o.caller = c }
}

// WithPublisher replaces the NATS publisher.
func WithPublisher(p events.Publisher) AppOption {
	return func(o *appOptions) { o.publisher = p }
}

// NewApp builds every component from cfg. Nothing is dialed except NATS;
// the store and the warehouse connect lazily.
func NewApp(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...AppOption) (*App, error) {
	var o appOptions
	for _, opt := range opts {
		opt(&o)
	}

	app := &App{cfg: cfg, logger: logger, metrics: metric.New()}

	store, err := storage.NewClient(storage.Config{
		URL:      cfg.Store.URL,
		PoolSize: cfg.Store.PoolSize,
		Timeout:  cfg.Store.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("create store client: %w", err)
	}
	app.store = store
	app.registry = registry.New(store, registry.WithLogger(logger))
	app.cache = cache.New(store, cache.WithTTL(cfg.Cache.TTL), cache.WithLogger(logger))

	deps := recommender.Deps{
		Registry: app.registry,
		Cache:    app.cache,
		Metrics:  app.metrics,
	}

	if cfg.Warehouse.DSN != "" {
		pool, err := newPool(ctx, cfg.Warehouse)
		if err != nil {
			app.Close()
			return nil, err
		}
		app.pool = pool
		deps.Warehouse = warehouse.NewPGReader(pool,
			warehouse.WithRowLimit(cfg.Warehouse.RowLimit),
			warehouse.WithLogger(logger))
		deps.Pricing = pricing.NewPGProvider(pool,
			pricing.WithSchema(cfg.Analysis.PricingSchema),
			pricing.WithAlternatives(cfg.Analysis.Alternatives),
			pricing.WithLogger(logger))
	} else {
		logger.Warn("No warehouse configured; analyses will fail until WAREHOUSE_DSN is set")
		deps.Warehouse = disabledWarehouse{}
	}

	deps.LLM = o.caller
	if deps.LLM == nil {
		temperature := cfg.LLM.Temperature
		client, err := llm.NewClient(llm.EndpointConfig{
			Provider:    cfg.LLM.Provider,
			URL:         cfg.LLM.Endpoint,
			Model:       cfg.LLM.Model,
			Temperature: &temperature,
		}, llm.WithLogger(logger))
		if err != nil {
			app.Close()
			return nil, fmt.Errorf("create llm client: %w", err)
		}
		deps.LLM = client
	}

	app.events = o.publisher
	if app.events == nil {
		pub, err := events.Connect(cfg.NATS.URL, cfg.NATS.SubjectPrefix, logger)
		if err != nil {
			// Events are informational; run without them.
			logger.Warn("Failed to connect to NATS; lifecycle events disabled",
				"url", cfg.NATS.URL, "error", err)
			pub = events.Nop{}
		}
		app.events = pub
	}
	deps.Events = app.events

	orch, err := recommender.New(deps, orchestratorConfig(cfg), recommender.WithLogger(logger))
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("create orchestrator: %w", err)
	}
	app.orch = orch
	app.api = recommender.NewAPI(orch, app.registry, app.cache, store,
		recommender.WithMetricsHandler(app.metrics.Handler()),
		recommender.WithAPILogger(logger))

	return app, nil
}

func newPool(ctx context.Context, cfg config.WarehouseConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, &config.ConfigError{Field: "warehouse.dsn", Reason: err.Error()}
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxConns)
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create warehouse pool: %w", err)
	}
	return pool, nil
}

// orchestratorConfig maps service configuration onto the orchestrator.
func orchestratorConfig(cfg *config.Config) recommender.Config {
	rc := recommender.DefaultConfig()
	rc.Retry.MaxRetries = cfg.LLM.MaxRetries
	rc.Retry.BackoffBase = cfg.LLM.BackoffBase
	rc.Retry.RequestDelay = cfg.LLM.RequestDelay
	rc.Retry.RequestTimeout = cfg.LLM.RequestTimeout
	rc.MaxTokens = cfg.LLM.MaxTokens
	rc.CancelPollInterval = cfg.Analysis.CancelPollInterval
	rc.MaxPromptRows = cfg.Analysis.MaxPromptRows
	rc.MaxPriceLookups = cfg.Analysis.MaxPriceLookups
	return rc
}

// Handler returns the HTTP surface mounted at the root.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	a.api.RegisterHTTPHandlers("", mux)
	return mux
}

// Close releases every connection. Safe to call on a partially built App.
func (a *App) Close() {
	if a.events != nil {
		if err := a.events.Close(); err != nil {
			a.logger.Warn("Failed to close event publisher", "error", err)
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("Failed to close store client", "error", err)
		}
	}
}

// disabledWarehouse fails every read.
type disabledWarehouse struct{}

func (disabledWarehouse) Read(context.Context, string, string, warehouse.Window) (warehouse.Table, error) {
	return warehouse.Table{}, errNoWarehouse
}
