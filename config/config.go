// Package config provides configuration loading and management for the
// recommendation service.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete service configuration.
type Config struct {
	Store     StoreConfig     `yaml:"store"`
	LLM       LLMConfig       `yaml:"llm"`
	Cache     CacheConfig     `yaml:"cache"`
	Analysis  AnalysisConfig  `yaml:"analysis"`
	Warehouse WarehouseConfig `yaml:"warehouse"`
	HTTP      HTTPConfig      `yaml:"http"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	NATS      NATSConfig      `yaml:"nats"`
	Log       LogConfig       `yaml:"log"`
}

// StoreConfig configures the shared Redis store.
type StoreConfig struct {
	// URL is a redis:// URL or host:port.
	URL string `yaml:"url"`
	// PoolSize is the per-process connection pool size.
	PoolSize int `yaml:"pool_size"`
	// Timeout bounds each store call.
	Timeout time.Duration `yaml:"timeout"`
}

// LLMConfig configures the LLM endpoint and the retry protocol.
type LLMConfig struct {
	Provider       string        `yaml:"provider"`
	Endpoint       string        `yaml:"endpoint"`
	Model          string        `yaml:"model"`
	MaxTokens      int           `yaml:"max_tokens"`
	Temperature    float64       `yaml:"temperature"`
	MaxRetries     int           `yaml:"max_retries"`
	BackoffBase    time.Duration `yaml:"backoff_base"`
	RequestDelay   time.Duration `yaml:"request_delay"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// CacheConfig configures the result cache.
type CacheConfig struct {
	// TTL is how long a cached analysis stays valid.
	TTL time.Duration `yaml:"ttl"`
}

// AnalysisConfig tunes the orchestrator.
type AnalysisConfig struct {
	// CancelPollInterval is how often the watcher polls for cancellation.
	CancelPollInterval time.Duration `yaml:"cancel_poll_interval"`
	// MaxPromptRows caps utilization rows rendered into the prompt.
	MaxPromptRows int `yaml:"max_prompt_rows"`
	// MaxPriceLookups caps distinct pricing lookups per analysis.
	MaxPriceLookups int `yaml:"max_price_lookups"`
	// PricingSchema holds the per-cloud pricing tables.
	PricingSchema string `yaml:"pricing_schema"`
	// Alternatives is how many cheaper options each quote carries.
	Alternatives int `yaml:"alternatives"`
}

// WarehouseConfig configures the analytics database.
type WarehouseConfig struct {
	// DSN is a postgres connection string. Empty disables warehouse reads.
	DSN      string `yaml:"dsn"`
	MaxConns int    `yaml:"max_conns"`
	RowLimit int    `yaml:"row_limit"`
}

// HTTPConfig configures the HTTP surface.
type HTTPConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// TelemetryConfig configures tracing.
type TelemetryConfig struct {
	// OTLPEndpoint enables the OTLP gRPC exporter when set.
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	ServiceName  string `yaml:"service_name"`
}

// NATSConfig configures the lifecycle event publisher.
type NATSConfig struct {
	// URL is the NATS server URL. Empty disables events.
	URL string `yaml:"url"`
	// SubjectPrefix is prepended to event subjects.
	SubjectPrefix string `yaml:"subject_prefix"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "text" or "json"
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Store: StoreConfig{
			URL:      "redis://localhost:6379/0",
			PoolSize: 10,
			Timeout:  time.Second,
		},
		LLM: LLMConfig{
			Provider:       "openai",
			Model:          "gpt-4o-mini",
			MaxTokens:      800,
			Temperature:    0.3,
			MaxRetries:     5,
			BackoffBase:    2 * time.Second,
			RequestDelay:   3 * time.Second,
			RequestTimeout: 120 * time.Second,
		},
		Cache: CacheConfig{
			TTL: 24 * time.Hour,
		},
		Analysis: AnalysisConfig{
			CancelPollInterval: 500 * time.Millisecond,
			MaxPromptRows:      50,
			MaxPriceLookups:    10,
			PricingSchema:      "pricing",
			Alternatives:       3,
		},
		Warehouse: WarehouseConfig{
			MaxConns: 4,
			RowLimit: 500,
		},
		HTTP: HTTPConfig{
			Addr:            ":8080",
			ReadTimeout:     30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Telemetry: TelemetryConfig{
			ServiceName: "finops-recommender",
		},
		NATS: NATSConfig{
			SubjectPrefix: "finops",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Validate checks that the configuration is usable. Every failure is a
// *ConfigError; multiple failures are joined.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, field, reason string) {
		if !ok {
			errs = append(errs, &ConfigError{Field: field, Reason: reason})
		}
	}

	check(c.Store.URL != "", "store.url", "is required")
	check(c.Store.PoolSize > 0, "store.pool_size", "must be positive")
	check(c.Store.Timeout > 0, "store.timeout", "must be positive")

	check(c.LLM.Provider != "", "llm.provider", "is required")
	check(c.LLM.Model != "", "llm.model", "is required")
	check(c.LLM.MaxTokens > 0, "llm.max_tokens", "must be positive")
	check(c.LLM.Temperature >= 0 && c.LLM.Temperature <= 2, "llm.temperature", "must be between 0 and 2")
	check(c.LLM.MaxRetries >= 0, "llm.max_retries", "must not be negative")
	check(c.LLM.BackoffBase >= 0, "llm.backoff_base", "must not be negative")
	check(c.LLM.RequestDelay >= 0, "llm.request_delay", "must not be negative")
	check(c.LLM.RequestTimeout > 0, "llm.request_timeout", "must be positive")

	check(c.Cache.TTL >= time.Second, "cache.ttl", "must be at least one second")

	check(c.Analysis.CancelPollInterval > 0, "analysis.cancel_poll_interval", "must be positive")
	check(c.Analysis.MaxPromptRows > 0, "analysis.max_prompt_rows", "must be positive")
	check(c.Analysis.MaxPriceLookups >= 0, "analysis.max_price_lookups", "must not be negative")

	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		check(false, "log.format", `must be "text" or "json"`)
	}

	return errors.Join(errs...)
}

// LoadFromFile loads configuration from a YAML file over the defaults.
func LoadFromFile(path string) (*Config, error) {
	config := DefaultConfig()
	if err := config.MergeFile(path); err != nil {
		return nil, err
	}
	return config, nil
}

// MergeFile decodes a YAML file over c. Keys absent from the file keep
// their current values.
func (c *Config) MergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return &ConfigError{Field: path, Reason: "parse: " + err.Error()}
	}
	return nil
}

// SaveToFile saves configuration to a YAML file.
func (c *Config) SaveToFile(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
