package errors

import "errors"

// Hub session errors.
var (
	ErrNotConnected = errors.New("hub session not connected")
	ErrAuthRejected = errors.New("hub rejected access token")
	ErrSendFailed   = errors.New("websocket send failed")
)

// Request/response errors.
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotFound        = errors.New("entity not found")
	ErrInvalidResponse = errors.New("unexpected hub response")
	ErrNotSupported    = errors.New("operation not supported")
	ErrBudgetDeferred  = errors.New("background request budget exhausted")
)

// Link and recovery errors.
var (
	ErrLinkDown = errors.New("network link down")
	ErrCooldown = errors.New("recovery action in cooldown")
)

// Local surface errors.
var (
	ErrLayoutInvalid = errors.New("invalid layout")
	ErrUnauthorized  = errors.New("unauthorized")
)

// TransientError wraps errors that are worth retrying: network failures
// and hub responses such as 429 or 5xx.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err (or anything it wraps) is a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
