package transport

import (
	"github.com/pkg/errors"
)

var (
	ErrInvalidAddr      = errors.New("invalid address")
	ErrAddrNotResolved  = errors.New("address cannot be resolved")
	ErrAddrAlreadyInUse = errors.New("address already in use")
	ErrPermissionDenied = errors.New("permission denied")
)

// BindError is returned when a listener cannot be created.
// It is never retried by the listener itself.
type BindError struct {
	Addr string

	// Reason is one of the sentinel errors above, if the cause could be classified.
	Reason error
	Err    error
}

func (e *BindError) Error() string {
	msg := "binding " + e.Addr
	if e.Reason != nil {
		msg += ": " + e.Reason.Error()
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *BindError) Unwrap() []error {
	var errs []error
	if e.Reason != nil {
		errs = append(errs, e.Reason)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// AcceptError is returned from [ConnListener.Accept].
// Transient errors leave the listener usable. Fatal ones mean it is gone.
type AcceptError struct {
	Err       error
	Transient bool
}

func (e *AcceptError) Error() string {
	if e.Transient {
		return "transient accept error: " + e.Err.Error()
	}
	return "fatal accept error: " + e.Err.Error()
}

func (e *AcceptError) Unwrap() error { return e.Err }

func NewTransientError(err error) *AcceptError { return &AcceptError{Err: err, Transient: true} }
func NewFatalError(err error) *AcceptError     { return &AcceptError{Err: err} }

// IsTransient reports whether err is an [*AcceptError] which doesn't invalidate the listener.
func IsTransient(err error) bool {
	var ae *AcceptError
	if errors.As(err, &ae) {
		return ae.Transient
	}
	return false
}

// IsBindError reports whether err was caused by a failed bind.
func IsBindError(err error) bool {
	var be *BindError
	return errors.As(err, &be)
}
