package config

import (
	"errors"
	"fmt"
)

// ConfigError reports an invalid or missing configuration value. It is
// fatal at startup.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid config: %s %s", e.Field, e.Reason)
}

// IsConfigError reports whether err contains a *ConfigError.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}
