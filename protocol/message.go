package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Kind identifies the message variant on the wire.
type Kind string

// Message kinds understood by both ends of the control channel.
const (
	KindRequest     Kind = "request"
	KindStreamChunk Kind = "stream_chunk"
	KindResult      Kind = "result"
	KindError       Kind = "error"
	KindHeartbeat   Kind = "heartbeat"
)

// Error reasons carried by KindError messages.
const (
	ReasonResourceLimit = "resource_limit_exceeded"
	ReasonCancelled     = "cancelled"
	ReasonDecodeFailure = "decode_failure"
)

// Message is the wire envelope. Exactly one kind-specific field set is
// populated depending on Kind; heartbeats carry no fields at all.
type Message struct {
	Kind Kind   `json:"kind"`
	ID   string `json:"id,omitempty"`

	// KindRequest
	Code string `json:"code,omitempty"`

	// KindStreamChunk
	Data string `json:"data,omitempty"`

	// KindResult
	Value json.RawMessage `json:"value,omitempty"`

	// KindError
	Reason string `json:"reason,omitempty"`
}

// Terminal reports whether the message ends the request it correlates to.
func (m Message) Terminal() bool {
	return m.Kind == KindResult || m.Kind == KindError
}

// ResourceLimited reports whether the message is an engine-reported
// resource-limit violation.
func (m Message) ResourceLimited() bool {
	return m.Kind == KindError && m.Reason == ReasonResourceLimit
}

// NewRequest builds a request message carrying code to execute.
func NewRequest(id, code string) Message {
	return Message{Kind: KindRequest, ID: id, Code: code}
}

// NewStreamChunk builds an incremental output chunk for a request.
func NewStreamChunk(id, data string) Message {
	return Message{Kind: KindStreamChunk, ID: id, Data: data}
}

// NewResult builds the successful terminal message for a request.
func NewResult(id string, value json.RawMessage) Message {
	return Message{Kind: KindResult, ID: id, Value: value}
}

// NewError builds the failing terminal message for a request.
func NewError(id, reason string) Message {
	return Message{Kind: KindError, ID: id, Reason: reason}
}

// NewHeartbeat builds a keepalive message. Heartbeats carry no correlation
// id; receipt of one only resets the peer's activity clock.
func NewHeartbeat() Message {
	return Message{Kind: KindHeartbeat}
}

// DecodeError reports a payload that failed strict decoding. ID holds the
// correlation id when one could be recovered from the raw payload, so the
// failure can be scoped to the request it belonged to.
type DecodeError struct {
	ID  string
	Err error
}

func (e *DecodeError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("protocol: decode failed for request %s: %v", e.ID, e.Err)
	}
	return fmt.Sprintf("protocol: decode failed: %v", e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Encode serializes a message to its wire form.
func Encode(m Message) ([]byte, error) {
	if err := validate(m); err != nil {
		return nil, err
	}
	return json.Marshal(m)
}

// Decode parses a wire payload into a Message. It fails closed: unknown
// kinds, unknown fields and missing correlation ids are rejected with a
// *DecodeError. The error carries the correlation id when the payload was
// well-formed enough to recover one.
func Decode(data []byte) (Message, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var m Message
	if err := dec.Decode(&m); err != nil {
		return Message{}, &DecodeError{ID: recoverID(data), Err: err}
	}
	if err := validate(m); err != nil {
		return Message{}, &DecodeError{ID: m.ID, Err: err}
	}
	return m, nil
}

func validate(m Message) error {
	switch m.Kind {
	case KindHeartbeat:
		if m.ID != "" {
			return fmt.Errorf("heartbeat must not carry a correlation id")
		}
	case KindRequest, KindStreamChunk, KindResult, KindError:
		if m.ID == "" {
			return fmt.Errorf("%s message missing correlation id", m.Kind)
		}
	case "":
		return fmt.Errorf("missing message kind")
	default:
		return fmt.Errorf("unknown message kind %q", m.Kind)
	}
	return nil
}

// recoverID makes a best-effort attempt to pull a correlation id out of a
// payload that failed full decoding, so the error can still be scoped to
// one request.
func recoverID(data []byte) string {
	var probe struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return ""
	}
	return probe.ID
}
