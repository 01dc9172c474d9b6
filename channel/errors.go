package channel

import (
	"errors"
	"fmt"

	"github.com/isdmx/runbox/protocol"
)

var (
	// ErrClosed resolves pending requests when the session is shut down
	// explicitly; it is the cancellation outcome.
	ErrClosed = errors.New("session closed")

	// ErrConnectionFailed is the terminal report after the connect retry
	// budget is exhausted.
	ErrConnectionFailed = errors.New("connection failed")

	// ErrRequestTimeout fails a single request whose per-request timer
	// fired; the session itself remains usable.
	ErrRequestTimeout = errors.New("request timed out")

	// ErrNotConnected reports a send attempted with no live connection.
	ErrNotConnected = errors.New("not connected")
)

// RemoteError is a terminal error message received from the sandbox for
// one request.
type RemoteError struct {
	ID     string
	Reason string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error for request %s: %s", e.ID, e.Reason)
}

// ResourceLimited reports whether the sandbox rejected the execution for
// exceeding a resource ceiling. The request failed but the container is
// still running; the channel stays usable.
func (e *RemoteError) ResourceLimited() bool {
	return e.Reason == protocol.ReasonResourceLimit
}
