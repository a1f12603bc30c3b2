package model

import (
	"errors"
	"fmt"
)

// ConfigError reports a missing or invalid setting. It is always fatal at
// startup.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return "config error: " + e.Message
	}
	return fmt.Sprintf("config error (%s): %s", e.Field, e.Message)
}

// IsConfigError reports whether err (or any error in its chain) is a
// ConfigError.
func IsConfigError(err error) bool {
	var cfgErr *ConfigError
	return errors.As(err, &cfgErr)
}
