package feed

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidSubject  = errors.New("subject must not be empty")
	ErrNilCallback     = errors.New("onUpdate callback is required")
	ErrShutdown        = errors.New("coordinator is shut down")
	ErrUnknownSubject  = errors.New("no active subscription for subject")
	ErrRefreshInFlight = errors.New("refresh already in flight")
)

// ChannelError reports a change feed listener that entered the error state.
// The transport owns reconnection; the coordinator only reports it.
type ChannelError struct {
	Subject string
	Table   string
	Err     error
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("change feed %s for %s: %v", e.Table, e.Subject, e.Err)
}

func (e *ChannelError) Unwrap() error {
	return e.Err
}

// FetchError reports a snapshot fetch that failed after Attempts retries.
type FetchError struct {
	Subject  string
	Attempts uint
	Err      error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch snapshot for %s after %d retries: %v", e.Subject, e.Attempts, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// callbackPanic wraps a value recovered from a subscriber callback.
type callbackPanic struct {
	value any
}

func (p *callbackPanic) Error() string {
	return fmt.Sprintf("subscriber callback panicked: %v", p.value)
}
