package red

import "fmt"

// ConfigError reports a rejected Config at construction time.
type ConfigError struct {
	Message string
}

// Error implements the error interface.
func (e ConfigError) Error() string {
	return fmt.Sprintf("red: invalid config: %s", e.Message)
}

func errInvalidConfig(format string, args ...interface{}) error {
	return ConfigError{Message: fmt.Sprintf(format, args...)}
}
