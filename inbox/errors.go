package inbox

import (
	"errors"
	"fmt"
)

// Precondition errors returned by Timeline operations. They are never
// retried internally; the caller must fix the precondition first.
var (
	ErrNotConnected = errors.New("realtime connection is not connected")
	ErrNoRoom       = errors.New("no room selected")
	ErrEmptyMessage = errors.New("message body is empty")
	ErrNotFailed    = errors.New("message is not in failed state")
	ErrNotFound     = errors.New("message not found")
)

// FetchError reports a failed REST call, either transport-level or an
// unsuccessful response envelope. Callers surface it as a retry affordance.
type FetchError struct {
	Op  string
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.Op, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}
