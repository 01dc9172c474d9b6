package channel

import (
	"context"
	"sync"
	"time"

	"github.com/isdmx/runbox/protocol"
)

// chunkBuffer is the per-request chunk backlog. A consumer further behind
// than this sheds chunks rather than stalling the receive loop.
const chunkBuffer = 256

type outcome struct {
	msg protocol.Message
	err error
}

// pendingRequest is one in-flight request in the session's pending table.
// finish runs at most once; the closed flag guards the chunk channel.
type pendingRequest struct {
	id string

	mu     sync.Mutex
	timer  *time.Timer
	closed bool
	chunks chan string
	done   chan outcome
}

func newPending(id string) *pendingRequest {
	return &pendingRequest{
		id:     id,
		chunks: make(chan string, chunkBuffer),
		done:   make(chan outcome, 1),
	}
}

// deliver hands a stream chunk to the consumer. Returns false when the
// chunk was shed because the backlog is full.
func (pr *pendingRequest) deliver(data string) bool {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	if pr.closed {
		return false
	}
	select {
	case pr.chunks <- data:
		return true
	default:
		return false
	}
}

// setTimer attaches the per-request timeout. A request already finished
// (the reply beat the caller here) stops the timer immediately.
func (pr *pendingRequest) setTimer(t *time.Timer) {
	pr.mu.Lock()
	if pr.closed {
		pr.mu.Unlock()
		t.Stop()
		return
	}
	pr.timer = t
	pr.mu.Unlock()
}

// finish resolves the request exactly once and ends its chunk sequence.
func (pr *pendingRequest) finish(o outcome) {
	pr.mu.Lock()
	if pr.closed {
		pr.mu.Unlock()
		return
	}
	pr.closed = true
	timer := pr.timer
	pr.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	pr.done <- o
	close(pr.chunks)
}

// Stream is the caller's view of one submitted request: a finite sequence
// of output chunks followed by exactly one terminal outcome.
type Stream struct {
	id string
	pr *pendingRequest
}

// ID returns the request's correlation id.
func (st *Stream) ID() string { return st.id }

// Chunks returns the incremental output sequence. The channel is closed
// exactly when the terminal message for this request arrives, so ranging
// over it is finite.
func (st *Stream) Chunks() <-chan string { return st.pr.chunks }

// Wait suspends the calling goroutine until the request's terminal message
// arrives, the session closes, the per-request timeout fires, or ctx is
// done — whichever is first.
func (st *Stream) Wait(ctx context.Context) (protocol.Message, error) {
	select {
	case o := <-st.pr.done:
		return o.msg, o.err
	case <-ctx.Done():
		return protocol.Message{}, ctx.Err()
	}
}
