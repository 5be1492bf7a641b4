package worker

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrNotRunning is returned for requests made while the worker is not
	// Running.
	ErrNotRunning = errors.New("worker is not running")
	// ErrClosed means the connection to the worker went away, either because
	// it was stopped or because the process exited.
	ErrClosed = errors.New("worker connection closed")
	// ErrNoHandle is returned by Restart before the first Start.
	ErrNoHandle = errors.New("worker was never started")
)

// TransportError means the worker could not be reached. The request may not
// have been delivered.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("worker transport: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// CommandError is a structured error returned by the worker. Data carries the
// worker's diagnostic payload, usually the underlying driver message.
type CommandError struct {
	Code    int
	Message string
	Data    json.RawMessage
}

func (e *CommandError) Error() string {
	if d := e.Detail(); d != "" {
		return fmt.Sprintf("%s: %s", e.Message, d)
	}
	return e.Message
}

// Detail renders Data as text: JSON strings are unquoted, anything else is
// returned as raw JSON.
func (e *CommandError) Detail() string {
	if len(e.Data) == 0 || string(e.Data) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(e.Data, &s); err == nil {
		return s
	}
	return string(e.Data)
}

// IsTransport reports whether err is a transport failure rather than a
// worker-side rejection.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
