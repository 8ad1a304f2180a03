package session

import "fmt"

// ValidationError reports malformed input rejected before any engine
// command is issued.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

// InvalidStateError reports an operation that is illegal in the session's
// current state. The session state is left unchanged.
type InvalidStateError struct {
	Op    string
	State string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("%s not allowed in state %q", e.Op, e.State)
}

// AlreadyActiveError reports a duplicate login while a registration is in
// flight or established.
type AlreadyActiveError struct {
	State AccountStatus
}

func (e *AlreadyActiveError) Error() string {
	return fmt.Sprintf("login rejected: account session already active (state %q)", e.State)
}

// EngineError wraps a failure reported by the protocol engine.
type EngineError struct {
	Op    string
	Cause string
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("engine %s failed: %s", e.Op, e.Cause)
}

// TimeoutError reports that an internal bound elapsed before the engine
// acknowledged a login or logout.
type TimeoutError struct {
	Op    string
	Bound string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s", e.Op, e.Bound)
}
