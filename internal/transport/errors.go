package transport

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptyResponse signals a gateway reply without identifier or status.
	ErrEmptyResponse = errors.New("transport: empty gateway response")
	// ErrNotConfigured is returned when no proxy endpoint is configured outside test mode.
	ErrNotConfigured = errors.New("transport: proxy not configured")
)

// TransportError wraps a failed gateway call. Retryable errors may be
// attempted again by the caller.
type TransportError struct {
	Op        string
	Err       error
	Retryable bool
	Message   string
}

func (e *TransportError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("transport: %s: %s", e.Op, e.Message)
	}
	return fmt.Sprintf("transport: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether err is a retryable transport failure.
func IsRetryable(err error) bool {
	var terr *TransportError
	return errors.As(err, &terr) && terr.Retryable
}
