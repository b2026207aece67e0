package session

import (
	"errors"
	"fmt"
)

// ErrNotFound indicates that the requested session entry was not found.
var ErrNotFound = errors.New("session entry not found")

// ErrInvalidTransition is returned when an operation is not allowed in the current status.
var ErrInvalidTransition = errors.New("invalid status transition")

// ErrStopRequested is returned by Control.Wait once a stop has been requested.
var ErrStopRequested = errors.New("stop requested")

// Kind classifies failures so callers can map them to a response.
type Kind int

const (
	KindUnknown Kind = iota
	// KindConfig covers bad input; the session never starts running.
	KindConfig
	// KindAuth covers rejected credentials and challenge requirements.
	KindAuth
	// KindTransient covers per-item fetch, transcode and store failures.
	KindTransient
	// KindFatal aborts the whole run.
	KindFatal
	// KindDelivery covers token and archive lookups.
	KindDelivery
)

func (k Kind) String() string {
	switch k {
	case KindConfig:
		return "config"
	case KindAuth:
		return "auth"
	case KindTransient:
		return "transient"
	case KindFatal:
		return "fatal"
	case KindDelivery:
		return "delivery"
	}
	return "unknown"
}

// Error carries a Kind alongside the operation that failed.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Wrap returns err annotated with kind and op. A nil err stays nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the Kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}
