package trends

import (
	"errors"
	"fmt"
)

// ConfigurationError is a fatal, user-facing planning error: the query asks
// for something the engine cannot express (missing math property, malformed
// bins, unsupported combinations). It surfaces before any query executes.
type ConfigurationError struct {
	Msg string
}

func (e *ConfigurationError) Error() string {
	return e.Msg
}

func configErrorf(format string, args ...any) error {
	return &ConfigurationError{Msg: fmt.Sprintf(format, args...)}
}

// IsConfigurationError reports whether err is a planning-time configuration
// error.
func IsConfigurationError(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}

// ExecutionError wraps a failure from the SQL engine. The first execution
// error from any parallel worker aborts the whole batch.
type ExecutionError struct {
	SeriesOrder int
	Err         error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("executing series %d: %v", e.SeriesOrder, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}
