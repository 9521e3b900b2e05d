package trial

import "fmt"

// ExecutionError wraps a failure inside one trial's training unit.
type ExecutionError struct {
	TrialID string
	Unit    int
	Err     error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("trial %s failed at unit %d: %v", e.TrialID, e.Unit, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }
