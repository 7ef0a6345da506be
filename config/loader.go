package config

import (
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
)

const (
	// ProjectConfigFile is the name of the project-level config file
	ProjectConfigFile = "finops.yaml"
	// UserConfigDir is the directory for user-level config
	UserConfigDir = ".config/finops"
	// UserConfigFile is the name of the user-level config file
	UserConfigFile = "config.yaml"
)

// Loader handles configuration loading with layered precedence
type Loader struct {
	logger *slog.Logger
	lookup LookupFunc

	// explicitPath, when set, replaces project config discovery.
	explicitPath string
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithPath loads this file instead of discovering finops.yaml.
func WithPath(path string) LoaderOption {
	return func(l *Loader) {
		l.explicitPath = path
	}
}

// WithLookup replaces os.LookupEnv, mainly for tests.
func WithLookup(lookup LookupFunc) LoaderOption {
	return func(l *Loader) {
		l.lookup = lookup
	}
}

// NewLoader creates a new configuration loader
func NewLoader(logger *slog.Logger, opts ...LoaderOption) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Loader{logger: logger, lookup: os.LookupEnv}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load loads configuration with layered precedence:
// 1. Default config
// 2. User config (~/.config/finops/config.yaml)
// 3. Project config (--config path, or finops.yaml in current or parent directories)
// 4. Environment variables
func (l *Loader) Load() (*Config, error) {
	config := DefaultConfig()

	userConfigPath := l.userConfigPath()
	if userConfigPath != "" {
		if err := config.MergeFile(userConfigPath); err == nil {
			l.logger.Debug("Loaded user config", slog.String("path", userConfigPath))
		} else if !errors.Is(err, fs.ErrNotExist) {
			l.logger.Warn("Failed to load user config", slog.String("path", userConfigPath), slog.String("error", err.Error()))
		}
	}

	if l.explicitPath != "" {
		// An explicit file must exist and parse.
		if err := config.MergeFile(l.explicitPath); err != nil {
			return nil, err
		}
		l.logger.Debug("Loaded config", slog.String("path", l.explicitPath))
	} else if projectConfigPath := l.findProjectConfig(); projectConfigPath != "" {
		if err := config.MergeFile(projectConfigPath); err == nil {
			l.logger.Debug("Loaded project config", slog.String("path", projectConfigPath))
		} else {
			l.logger.Warn("Failed to load project config", slog.String("path", projectConfigPath), slog.String("error", err.Error()))
		}
	} else {
		l.logger.Debug("No project config found")
	}

	if err := config.ApplyEnv(l.lookup); err != nil {
		return nil, err
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// userConfigPath returns the path to the user config file
func (l *Loader) userConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, UserConfigDir, UserConfigFile)
}

// findProjectConfig searches for finops.yaml in current and parent directories
func (l *Loader) findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	dir := cwd
	for {
		configPath := filepath.Join(dir, ProjectConfigFile)
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return ""
}
