// Package protocol defines the JSON message envelope exchanged over the
// control channel between the host and the in-sandbox interpreter service.
//
// The wire format is a closed set of message kinds (request, stream_chunk,
// result, error, heartbeat) linked by a correlation id. Decoding is strict:
// unknown kinds or unknown fields are rejected rather than coerced.
package protocol
