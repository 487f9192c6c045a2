package fl

import (
	"errors"
	"fmt"
)

// ErrEmptyPopulation is returned by a Selector invoked on zero clients.
// The server treats it as a skipped round rather than a failure.
var ErrEmptyPopulation = errors.New("empty client population")

// ConfigurationError reports an invalid strategy or run parameter.
// It is fatal at startup.
type ConfigurationError struct {
	Field  string // Option that failed validation
	Reason string // Human readable explanation
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration %s: %s", e.Field, e.Reason)
}

// Configf builds a *ConfigurationError with a formatted reason.
func Configf(field, format string, args ...any) *ConfigurationError {
	return &ConfigurationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// ClientTrainingError wraps a failure inside one client's local train or
// test loop. The client is excluded from the round's aggregation weight.
type ClientTrainingError struct {
	ClientID int
	Phase    string // "train" or "test"
	Err      error
}

func (e *ClientTrainingError) Error() string {
	return fmt.Sprintf("client %d %s failed: %v", e.ClientID, e.Phase, e.Err)
}

func (e *ClientTrainingError) Unwrap() error {
	return e.Err
}
