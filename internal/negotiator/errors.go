package negotiator

import (
	"errors"
	"fmt"
)

var (
	ErrNotInitialized     = errors.New("room, self and peer ids are required")
	ErrMalformedSignal    = errors.New("malformed signal")
	ErrUnexpectedSignal   = errors.New("unexpected signal")
	ErrConnectionFailed   = errors.New("connection failed")
	ErrNegotiationTimeout = errors.New("negotiation timed out")
	ErrRestartsExhausted  = errors.New("ice restarts exhausted")
	ErrAlreadyStarted     = errors.New("negotiator already started")
)

// Error is a negotiation failure. Any Error moves the negotiator to Failed.
type Error struct {
	Op      string
	Err     error
	Details string
}

func (e *Error) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %v (%s)", e.Op, e.Err, e.Details)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func NewError(op string, err error) *Error {
	return &Error{Op: op, Err: err}
}

func WrapError(op string, err error, details string) *Error {
	return &Error{Op: op, Err: err, Details: details}
}
