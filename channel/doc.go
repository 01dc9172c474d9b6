// Package channel implements the resilient control channel to the sandbox.
//
// A Session is one duplex websocket connection to the in-sandbox
// interpreter service. It owns the reconnect, heartbeat and timeout state:
// connect attempts are bounded by a retry budget, heartbeats run on a fixed
// interval independent of request traffic, and missed heartbeats degrade
// the session through an explicit state machine (Disconnected, Connecting,
// Connected, Degraded, Closed) instead of an unbounded retry loop.
//
// Every submitted request is tracked by correlation id until exactly one
// terminal message (result or error) resolves it; stream chunks are
// delivered incrementally while the request is in flight. Closing the
// session resolves every pending request with a cancellation error.
package channel
