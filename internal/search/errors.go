package search

import "fmt"

// ConfigurationError reports an invalid search space, resource request or other
// search setting. It is only ever returned before a search starts.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration: %s: %s", e.Field, e.Reason)
}
