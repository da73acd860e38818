package models

import "errors"

// Errors shared by every component of a chat exchange. Components wrap them with context, callers
// inspect them with errors.Is.
var (
	ErrValidation          = errors.New("invalid input")
	ErrStreamAlreadyActive = errors.New("stream already active")
	ErrProvider            = errors.New("provider error")
	ErrTimeout             = errors.New("stream deadline exceeded")
	ErrCancelled           = errors.New("stream cancelled")
	ErrTransport           = errors.New("stream transport failed")
	ErrUnavailable         = errors.New("provider unavailable")
	ErrInvariantViolation  = errors.New("transcript invariant violation")
	ErrNoActiveStream      = errors.New("no active stream")
)

// Reason maps a terminal stream error to the failure reason recorded on the assistant message.
// A nil error has no reason.
func Reason(err error) FailureReason {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrCancelled):
		return ReasonCancelled
	case errors.Is(err, ErrTimeout):
		return ReasonTimeout
	case errors.Is(err, ErrTransport):
		return ReasonTransport
	default:
		return ReasonProvider
	}
}
