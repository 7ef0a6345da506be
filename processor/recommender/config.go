package recommender

import (
	"errors"
	"fmt"
	"time"

	"github.com/c360studio/finops/llm"
)

// Config holds configuration for the orchestrator.
type Config struct {
	// Retry is the LLM retry and pacing protocol.
	Retry llm.RetryConfig

	// MaxTokens is passed to every LLM call.
	MaxTokens int

	// CancelPollInterval is how often the watcher checks the registry.
	CancelPollInterval time.Duration

	// MaxPromptRows caps utilization rows rendered into the prompt.
	MaxPromptRows int

	// MaxPriceLookups caps distinct pricing queries per run.
	MaxPriceLookups int

	// RegionColumn and PriceKeyColumns name the utilization columns that
	// drive pricing lookups. The first key column present wins.
	RegionColumn    string
	PriceKeyColumns []string
}

// DefaultConfig returns the default orchestrator configuration.
func DefaultConfig() Config {
	return Config{
		Retry:              llm.DefaultRetryConfig(),
		MaxTokens:          800,
		CancelPollInterval: 500 * time.Millisecond,
		MaxPromptRows:      50,
		MaxPriceLookups:    10,
		RegionColumn:       "region",
		PriceKeyColumns:    []string{"instance_type", "sku", "instance_class", "vm_size"},
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	var errs []error
	if c.MaxTokens <= 0 {
		errs = append(errs, fmt.Errorf("max_tokens must be positive"))
	}
	if c.CancelPollInterval <= 0 {
		errs = append(errs, fmt.Errorf("cancel_poll_interval must be positive"))
	}
	if c.Retry.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("max_retries must not be negative"))
	}
	if c.Retry.MaxRetries > 0 && c.Retry.BackoffBase <= 0 {
		errs = append(errs, fmt.Errorf("backoff_base must be positive when retries are enabled"))
	}
	if c.Retry.RequestDelay < 0 {
		errs = append(errs, fmt.Errorf("request_delay must not be negative"))
	}
	if c.MaxPromptRows <= 0 {
		errs = append(errs, fmt.Errorf("max_prompt_rows must be positive"))
	}
	return errors.Join(errs...)
}
