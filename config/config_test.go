package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envMap(m map[string]string) LookupFunc {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 10, cfg.Store.PoolSize)
	assert.Equal(t, 5, cfg.LLM.MaxRetries)
	assert.Equal(t, 2*time.Second, cfg.LLM.BackoffBase)
	assert.Equal(t, 3*time.Second, cfg.LLM.RequestDelay)
	assert.Equal(t, 800, cfg.LLM.MaxTokens)
	assert.Equal(t, 0.3, cfg.LLM.Temperature)
	assert.Equal(t, 86400*time.Second, cfg.Cache.TTL)
	assert.Equal(t, 500*time.Millisecond, cfg.Analysis.CancelPollInterval)
	require.NoError(t, cfg.Validate())
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid default config",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "missing store url",
			modify:  func(c *Config) { c.Store.URL = "" },
			wantErr: true,
		},
		{
			name:    "missing llm model",
			modify:  func(c *Config) { c.LLM.Model = "" },
			wantErr: true,
		},
		{
			name:    "temperature too high",
			modify:  func(c *Config) { c.LLM.Temperature = 2.5 },
			wantErr: true,
		},
		{
			name:    "negative retries",
			modify:  func(c *Config) { c.LLM.MaxRetries = -1 },
			wantErr: true,
		},
		{
			name:    "zero retries allowed",
			modify:  func(c *Config) { c.LLM.MaxRetries = 0 },
			wantErr: false,
		},
		{
			name:    "sub-second cache ttl",
			modify:  func(c *Config) { c.Cache.TTL = 10 * time.Millisecond },
			wantErr: true,
		},
		{
			name:    "unknown log format",
			modify:  func(c *Config) { c.Log.Format = "xml" },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, IsConfigError(err))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidate_JoinsAllFailures(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Store.URL = ""
	cfg.LLM.Provider = ""

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.url is required")
	assert.Contains(t, err.Error(), "llm.provider is required")
}

func TestApplyEnv(t *testing.T) {
	cfg := DefaultConfig()
	err := cfg.ApplyEnv(envMap(map[string]string{
		"STORE_URL":         "redis://cache:6379/3",
		"STORE_POOL_SIZE":   "20",
		"LLM_PROVIDER":      "anthropic",
		"LLM_MODEL":         "claude-sonnet",
		"LLM_MAX_RETRIES":   "2",
		"LLM_BACKOFF_BASE":  "0.5",
		"LLM_REQUEST_DELAY": "1500ms",
		"LLM_MAX_TOKENS":    "1200",
		"LLM_TEMPERATURE":   "0",
		"CACHE_TTL_SECONDS": "3600",
		"WAREHOUSE_DSN":     "postgres://localhost/finops",
		"NATS_URL":          "nats://localhost:4222",
	}))
	require.NoError(t, err)

	assert.Equal(t, "redis://cache:6379/3", cfg.Store.URL)
	assert.Equal(t, 20, cfg.Store.PoolSize)
	assert.Equal(t, "anthropic", cfg.LLM.Provider)
	assert.Equal(t, "claude-sonnet", cfg.LLM.Model)
	assert.Equal(t, 2, cfg.LLM.MaxRetries)
	assert.Equal(t, 500*time.Millisecond, cfg.LLM.BackoffBase)
	assert.Equal(t, 1500*time.Millisecond, cfg.LLM.RequestDelay)
	assert.Equal(t, 1200, cfg.LLM.MaxTokens)
	assert.Equal(t, 0.0, cfg.LLM.Temperature)
	assert.Equal(t, time.Hour, cfg.Cache.TTL)
	assert.Equal(t, "postgres://localhost/finops", cfg.Warehouse.DSN)
	assert.Equal(t, "nats://localhost:4222", cfg.NATS.URL)

	require.NoError(t, cfg.ApplyEnv(envMap(map[string]string{"OTEL_EXPORTER_OTLP_ENDPOINT": "otel:4317"})))
	assert.Equal(t, "otel:4317", cfg.Telemetry.OTLPEndpoint)
}

func TestApplyEnv_BadValues(t *testing.T) {
	cfg := DefaultConfig()
	err := cfg.ApplyEnv(envMap(map[string]string{
		"LLM_MAX_RETRIES":  "five",
		"LLM_BACKOFF_BASE": "soon",
	}))
	require.Error(t, err)
	assert.True(t, IsConfigError(err))
	assert.Contains(t, err.Error(), "LLM_MAX_RETRIES")
	assert.Contains(t, err.Error(), "LLM_BACKOFF_BASE")

	// Unparsed values leave defaults in place.
	assert.Equal(t, 5, cfg.LLM.MaxRetries)
}

func TestParseSeconds(t *testing.T) {
	for in, want := range map[string]time.Duration{
		"2":     2 * time.Second,
		"0.25":  250 * time.Millisecond,
		"86400": 24 * time.Hour,
		"90s":   90 * time.Second,
		"1m30s": 90 * time.Second,
	} {
		got, err := ParseSeconds(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseSeconds("")
	assert.Error(t, err)
}

func TestLoadFromFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "finops.yaml")

	content := `
store:
  url: "redis://store:6379/1"
llm:
  provider: ollama
  endpoint: "http://ollama:11434/v1"
  model: llama3
  backoff_base: 1s
cache:
  ttl: 12h
`
	require.NoError(t, os.WriteFile(configPath, []byte(content), 0644))

	cfg, err := LoadFromFile(configPath)
	require.NoError(t, err)

	assert.Equal(t, "redis://store:6379/1", cfg.Store.URL)
	assert.Equal(t, "ollama", cfg.LLM.Provider)
	assert.Equal(t, "llama3", cfg.LLM.Model)
	assert.Equal(t, time.Second, cfg.LLM.BackoffBase)
	assert.Equal(t, 12*time.Hour, cfg.Cache.TTL)

	// Unset keys keep defaults
	assert.Equal(t, 10, cfg.Store.PoolSize)
	assert.Equal(t, 800, cfg.LLM.MaxTokens)
}

func TestLoadFromFile_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("store: [unclosed"), 0644))

	_, err := LoadFromFile(path)
	assert.True(t, IsConfigError(err))

	_, err = LoadFromFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestSaveToFile_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "finops.yaml")

	cfg := DefaultConfig()
	cfg.LLM.Model = "saved-model"
	require.NoError(t, cfg.SaveToFile(path))

	loaded, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, "saved-model", loaded.LLM.Model)
	assert.Equal(t, cfg.LLM.BackoffBase, loaded.LLM.BackoffBase)
}

func TestLoader_EnvOverridesFile(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	path := filepath.Join(t.TempDir(), "finops.yaml")
	require.NoError(t, os.WriteFile(path, []byte("llm:\n  model: from-file\n  max_retries: 1\n"), 0644))

	loader := NewLoader(nil, WithPath(path), WithLookup(envMap(map[string]string{
		"LLM_MODEL": "from-env",
	})))
	cfg, err := loader.Load()
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.LLM.Model)
	assert.Equal(t, 1, cfg.LLM.MaxRetries)
}

func TestLoader_MissingRequiredIsConfigError(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	loader := NewLoader(nil, WithPath(writeTemp(t, "llm: {}\n")), WithLookup(envMap(map[string]string{
		"LLM_MODEL": "",
	})))
	_, err := loader.Load()
	require.Error(t, err)
	assert.True(t, IsConfigError(err))
	assert.Contains(t, err.Error(), "llm.model")
}

func TestLoader_ExplicitPathMustExist(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	loader := NewLoader(nil, WithPath(filepath.Join(t.TempDir(), "nope.yaml")), WithLookup(envMap(nil)))
	_, err := loader.Load()
	assert.Error(t, err)
}

func writeTemp(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "finops.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}
