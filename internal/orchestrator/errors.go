package orchestrator

import (
	"fmt"
	"time"
)

// configError signals a precondition failure (no backend installed, model
// file missing). Fatal immediately, never retried.
type configError struct{ msg string }

func (e configError) Error() string { return e.msg }

// ErrConfig constructs a configError.
func ErrConfig(format string, args ...any) error {
	return configError{msg: fmt.Sprintf(format, args...)}
}

// IsConfigError reports whether err is a configuration precondition failure.
func IsConfigError(err error) bool {
	_, ok := err.(configError)
	return ok
}

// startupTimeoutError is returned when a spawned server never passed its
// health probe within the startup bound. It carries the stderr tail of the
// killed process so callers can act without inspecting server internals.
type startupTimeoutError struct {
	modelID    string
	timeout    time.Duration
	exited     bool
	stderrTail string
}

func (e startupTimeoutError) Error() string {
	msg := fmt.Sprintf("server for %s not healthy after %s", e.modelID, e.timeout)
	if e.exited {
		msg = fmt.Sprintf("server for %s exited before becoming healthy", e.modelID)
	}
	if e.stderrTail != "" {
		msg += "; stderr tail: " + e.stderrTail
	}
	return msg
}

// StderrTail exposes the captured process output.
func (e startupTimeoutError) StderrTail() string { return e.stderrTail }

// IsStartupTimeout reports whether err indicates a failed server startup.
func IsStartupTimeout(err error) bool {
	_, ok := err.(startupTimeoutError)
	return ok
}

// portExhaustedError signals no free port in the candidate range.
type portExhaustedError struct{ start, end int }

func (e portExhaustedError) Error() string {
	return fmt.Sprintf("no free port in range %d-%d", e.start, e.end)
}

// IsPortExhausted reports whether err indicates port range exhaustion.
func IsPortExhausted(err error) bool {
	_, ok := err.(portExhaustedError)
	return ok
}

// transportError wraps an HTTP failure against a running server. Returned as
// a value, never auto-retried; the caller decides.
type transportError struct {
	op  string
	err error
}

func (e transportError) Error() string { return e.op + ": " + e.err.Error() }
func (e transportError) Unwrap() error { return e.err }

func errTransport(op string, err error) error { return transportError{op: op, err: err} }

// IsTransportError reports whether err came from an HTTP call to a server.
func IsTransportError(err error) bool {
	_, ok := err.(transportError)
	return ok
}

// instanceNotFoundError signals a modelId with no tracked server instance.
type instanceNotFoundError struct{ modelID string }

func (e instanceNotFoundError) Error() string { return "no server instance for model: " + e.modelID }

// ErrInstanceNotFound constructs an instanceNotFoundError.
func ErrInstanceNotFound(modelID string) error { return instanceNotFoundError{modelID: modelID} }

// IsInstanceNotFound reports whether err indicates an untracked modelId.
func IsInstanceNotFound(err error) bool {
	_, ok := err.(instanceNotFoundError)
	return ok
}
