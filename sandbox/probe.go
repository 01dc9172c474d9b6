package sandbox

import (
	"context"
	"fmt"
	"time"

	"nhooyr.io/websocket"

	"github.com/isdmx/runbox/protocol"
)

// Prober confirms the in-container interpreter service is ready to accept
// requests. Readiness means the service answers the control protocol, not
// merely that the container process is up or the port is open.
type Prober interface {
	Probe(ctx context.Context, url string) error
}

// WebSocketProber performs the readiness handshake over the control
// endpoint: dial, send a heartbeat, require a validly-decoded frame back.
type WebSocketProber struct {
	// Timeout bounds one probe attempt end to end.
	Timeout time.Duration
}

// Probe dials the control endpoint and completes one heartbeat round-trip.
func (p *WebSocketProber) Probe(ctx context.Context, url string) error {
	timeout := p.Timeout
	if timeout == 0 {
		timeout = 3 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("dialing control endpoint: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "probe complete")

	payload, err := protocol.Encode(protocol.NewHeartbeat())
	if err != nil {
		return err
	}
	if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
		return fmt.Errorf("sending readiness heartbeat: %w", err)
	}

	_, reply, err := conn.Read(ctx)
	if err != nil {
		return fmt.Errorf("awaiting readiness reply: %w", err)
	}
	if _, err := protocol.Decode(reply); err != nil {
		return fmt.Errorf("readiness handshake: %w", err)
	}
	return nil
}
