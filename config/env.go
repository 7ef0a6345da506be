package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

// LookupFunc matches os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// ApplyEnv overrides c with recognized environment variables. Values that
// fail to parse are reported as *ConfigError.
func (c *Config) ApplyEnv(lookup LookupFunc) error {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	e := envReader{lookup: lookup}

	e.str("STORE_URL", &c.Store.URL)
	e.int("STORE_POOL_SIZE", &c.Store.PoolSize)
	e.seconds("STORE_TIMEOUT", &c.Store.Timeout)

	e.str("LLM_PROVIDER", &c.LLM.Provider)
	e.str("LLM_ENDPOINT", &c.LLM.Endpoint)
	e.str("LLM_MODEL", &c.LLM.Model)
	e.int("LLM_MAX_RETRIES", &c.LLM.MaxRetries)
	e.seconds("LLM_BACKOFF_BASE", &c.LLM.BackoffBase)
	e.seconds("LLM_REQUEST_DELAY", &c.LLM.RequestDelay)
	e.seconds("LLM_REQUEST_TIMEOUT", &c.LLM.RequestTimeout)
	e.int("LLM_MAX_TOKENS", &c.LLM.MaxTokens)
	e.float("LLM_TEMPERATURE", &c.LLM.Temperature)

	e.seconds("CACHE_TTL_SECONDS", &c.Cache.TTL)
	e.seconds("CANCEL_POLL_INTERVAL", &c.Analysis.CancelPollInterval)

	e.str("WAREHOUSE_DSN", &c.Warehouse.DSN)
	e.str("HTTP_ADDR", &c.HTTP.Addr)
	e.str("OTEL_EXPORTER_OTLP_ENDPOINT", &c.Telemetry.OTLPEndpoint)
	e.str("OTEL_SERVICE_NAME", &c.Telemetry.ServiceName)
	e.str("NATS_URL", &c.NATS.URL)
	e.str("LOG_LEVEL", &c.Log.Level)
	e.str("LOG_FORMAT", &c.Log.Format)

	return errors.Join(e.errs...)
}

type envReader struct {
	lookup LookupFunc
	errs   []error
}

func (e *envReader) get(key string) (string, bool) {
	v, ok := e.lookup(key)
	if !ok {
		return "", false
	}
	return strings.TrimSpace(v), true
}

func (e *envReader) fail(key, reason string) {
	e.errs = append(e.errs, &ConfigError{Field: key, Reason: reason})
}

func (e *envReader) str(key string, dst *string) {
	if v, ok := e.get(key); ok {
		*dst = v
	}
}

func (e *envReader) int(key string, dst *int) {
	v, ok := e.get(key)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.fail(key, "must be an integer, got "+strconv.Quote(v))
		return
	}
	*dst = n
}

func (e *envReader) float(key string, dst *float64) {
	v, ok := e.get(key)
	if !ok {
		return
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		e.fail(key, "must be a number, got "+strconv.Quote(v))
		return
	}
	*dst = f
}

// seconds accepts a plain number of seconds ("2", "0.5") or a Go duration
// ("1500ms").
func (e *envReader) seconds(key string, dst *time.Duration) {
	v, ok := e.get(key)
	if !ok {
		return
	}
	d, err := ParseSeconds(v)
	if err != nil {
		e.fail(key, "must be seconds or a duration, got "+strconv.Quote(v))
		return
	}
	*dst = d
}

// ParseSeconds parses a number of seconds or a Go duration string.
func ParseSeconds(v string) (time.Duration, error) {
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(f * float64(time.Second)), nil
	}
	return time.ParseDuration(v)
}
