package bridge

import (
	"errors"
	"fmt"
)

var (
	// ErrRequestTimeout means no response arrived before the per-call
	// deadline. The original request has been redirected to the dead-letter
	// topic (best effort). Recoverable: callers may retry with backoff.
	ErrRequestTimeout = errors.New("bridge: request timed out")

	// ErrTransportUnavailable means the broker rejected the publish. The
	// call failed fast and no waiter was left behind. Callers should treat
	// the dependency as temporarily unavailable.
	ErrTransportUnavailable = errors.New("bridge: transport unavailable")
)

// RemoteError means the remote service answered in time but explicitly
// reported failure. It carries the remote message and is not retried here.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("bridge: remote error: %s", e.Message)
}

// IsRetryable reports whether the caller may reasonably retry the operation.
// Remote rejections are concrete outcomes, not transient faults.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrRequestTimeout) || errors.Is(err, ErrTransportUnavailable)
}
