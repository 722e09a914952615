package blockstore

import "github.com/pkg/errors"

// Code classifies the reason a blockstore operation failed, mirroring the
// taxonomy in the worker block API: callers switch on Code, not on the
// wrapped error chain.
type Code int

const (
	// CodeUnknown is never returned directly; it is the zero value.
	CodeUnknown Code = iota
	CodeNotFound
	CodeAlreadyExists
	CodeInvalidState
	CodeResourceExhausted
	CodeDeadlineExceeded
	CodeUnavailable
	CodeInternal
)

func (c Code) String() string {
	switch c {
	case CodeNotFound:
		return "NotFound"
	case CodeAlreadyExists:
		return "AlreadyExists"
	case CodeInvalidState:
		return "InvalidState"
	case CodeResourceExhausted:
		return "ResourceExhausted"
	case CodeDeadlineExceeded:
		return "DeadlineExceeded"
	case CodeUnavailable:
		return "Unavailable"
	case CodeInternal:
		return "Internal"
	default:
		return "Unknown"
	}
}

// StoreError is the error type surfaced by every public blockstore
// operation. The underlying cause is preserved by github.com/pkg/errors so
// callers can still unwrap with errors.Cause/errors.Is.
type StoreError struct {
	code  Code
	cause error
}

func (e *StoreError) Error() string {
	if e.cause == nil {
		return e.code.String()
	}
	return e.code.String() + ": " + e.cause.Error()
}

func (e *StoreError) Unwrap() error { return e.cause }

// ErrCode returns the classification of err, or CodeUnknown if err does not
// carry one.
func ErrCode(err error) Code {
	var se *StoreError
	if errors.As(err, &se) {
		return se.code
	}
	return CodeUnknown
}

func newErr(code Code, cause error) error {
	return &StoreError{code: code, cause: cause}
}

func notFoundf(format string, args ...interface{}) error {
	return newErr(CodeNotFound, errors.Errorf(format, args...))
}

func alreadyExistsf(format string, args ...interface{}) error {
	return newErr(CodeAlreadyExists, errors.Errorf(format, args...))
}

func invalidStatef(format string, args ...interface{}) error {
	return newErr(CodeInvalidState, errors.Errorf(format, args...))
}

func resourceExhaustedf(format string, args ...interface{}) error {
	return newErr(CodeResourceExhausted, errors.Errorf(format, args...))
}

func deadlineExceededf(format string, args ...interface{}) error {
	return newErr(CodeDeadlineExceeded, errors.Errorf(format, args...))
}

func unavailable(cause error) error {
	return newErr(CodeUnavailable, cause)
}

func internal(cause error) error {
	return newErr(CodeInternal, cause)
}
