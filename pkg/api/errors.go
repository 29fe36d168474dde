package api

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownMethod    = errors.New("unknown method")
	ErrBadArguments     = errors.New("bad arguments")
	ErrInvocationFailed = errors.New("invocation failed")
	ErrStreamFailed     = errors.New("stream failed")
	ErrDuplicateID      = errors.New("duplicate call id")
	ErrBadRequest       = errors.New("bad request")

	// ErrMalformedFrame is returned for frames that cannot be correlated to a call.
	ErrMalformedFrame = errors.New("malformed frame")

	// ErrTransport marks a broken connection. It is connection scoped: every
	// outstanding call on the connection is torn down.
	ErrTransport = errors.New("transport error")

	// ErrCancelled is the cause of a call context cancelled by the caller.
	ErrCancelled = errors.New("call cancelled")

	// ErrConnectionClosed is the cause of call contexts torn down with their connection.
	ErrConnectionClosed = errors.New("connection closed")
)

var codeErrors = map[ErrorCode]error{
	CodeUnknownMethod:    ErrUnknownMethod,
	CodeBadArguments:     ErrBadArguments,
	CodeInvocationFailed: ErrInvocationFailed,
	CodeStreamFailed:     ErrStreamFailed,
	CodeDuplicateID:      ErrDuplicateID,
	CodeBadRequest:       ErrBadRequest,
}

// CallError is a call-scoped failure. It resolves exactly one call id and never
// closes the connection.
type CallError struct {
	ID   int64
	Code ErrorCode
	Err  error
}

func NewCallError(id int64, code ErrorCode, err error) *CallError {
	return &CallError{ID: id, Code: code, Err: err}
}

func (e *CallError) Error() string {
	if e.Err == nil {
		return string(e.Code)
	}
	return e.Err.Error()
}

func (e *CallError) Unwrap() error {
	return e.Err
}

// Is matches the sentinel error that belongs to the error code.
func (e *CallError) Is(target error) bool {
	sentinel, ok := codeErrors[e.Code]
	return ok && sentinel == target
}

// TransportError wraps a failed write or read on the connection.
func TransportError(err error) error {
	if err == nil || errors.Is(err, ErrTransport) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrTransport, err)
}
