package worker

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownRequest means a response arrived for a request id that is
	// not pending (never issued, already resolved, or expired). Callers
	// log and drop.
	ErrUnknownRequest = errors.New("no pending request for id")

	// ErrDuplicateRequest means the worker issued two requests with the
	// same id.
	ErrDuplicateRequest = errors.New("request id already pending")

	// ErrNotRunning means the subprocess has already exited.
	ErrNotRunning = errors.New("worker not running")
)

// ProtocolError wraps a malformed or unrecognized wire line. The read
// loop logs these and keeps going; they are never fatal.
type ProtocolError struct {
	Line string
	Err  error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol violation: %v (raw: %s)", e.Err, e.Line)
	}
	return fmt.Sprintf("protocol violation (raw: %s)", e.Line)
}

func (e *ProtocolError) Unwrap() error { return e.Err }
