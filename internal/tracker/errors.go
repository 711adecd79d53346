package tracker

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound means the query returned no row for the code.
	ErrNotFound = errors.New("record not found")
	// ErrNotTracked means the caller is not subscribed to the record.
	ErrNotTracked = errors.New("record not tracked")
	// ErrGone tells a worker its record was removed or replaced.
	ErrGone = errors.New("record no longer tracked")
	// ErrBusy wraps a ProbeError returned to a Track caller.
	ErrBusy        = errors.New("course query unavailable, try again later")
	ErrInvalidCode = errors.New("invalid course code")
	ErrClosed      = errors.New("tracker closed")

	errNoRow = errors.New("no matching row")
)

// ProbeError is a scraping fault during a one-shot probe.
type ProbeError struct {
	Code string
	Err  error
}

func (e *ProbeError) Error() string {
	return fmt.Sprintf("probe %s: %v", e.Code, e.Err)
}

func (e *ProbeError) Unwrap() error { return e.Err }

// InitError is a scraping fault while a worker opens its session.
type InitError struct {
	Code string
	Err  error
}

func (e *InitError) Error() string {
	return fmt.Sprintf("init %s: %v", e.Code, e.Err)
}

func (e *InitError) Unwrap() error { return e.Err }
