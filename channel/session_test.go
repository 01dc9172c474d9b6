package channel

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"nhooyr.io/websocket"

	"github.com/isdmx/runbox/protocol"
)

func testCfg() Config {
	return Config{
		MaxRetries:        3,
		RetryDelay:        10 * time.Millisecond,
		HeartbeatInterval: time.Hour,
		HeartbeatTimeout:  time.Hour,
		GracePeriod:       time.Hour,
		RequestTimeout:    5 * time.Second,
	}
}

type wsHandler func(ctx context.Context, c *websocket.Conn)

// startServer runs an in-process control endpoint and returns its ws:// URL.
func startServer(t *testing.T, h wsHandler) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close(websocket.StatusNormalClosure, "")
		h(r.Context(), c)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func writeMsg(ctx context.Context, c *websocket.Conn, m protocol.Message) error {
	payload, err := protocol.Encode(m)
	if err != nil {
		return err
	}
	return c.Write(ctx, websocket.MessageText, payload)
}

// respond answers every request with the given chunks and a terminal
// message, ignoring all other inbound traffic.
func respond(chunks []string, terminal func(id string) protocol.Message) wsHandler {
	return func(ctx context.Context, c *websocket.Conn) {
		for {
			_, payload, err := c.Read(ctx)
			if err != nil {
				return
			}
			msg, err := protocol.Decode(payload)
			if err != nil || msg.Kind != protocol.KindRequest {
				continue
			}
			for _, chunk := range chunks {
				if err := writeMsg(ctx, c, protocol.NewStreamChunk(msg.ID, chunk)); err != nil {
					return
				}
			}
			if err := writeMsg(ctx, c, terminal(msg.ID)); err != nil {
				return
			}
		}
	}
}

func TestExecuteStreamsChunksThenResult(t *testing.T) {
	url := startServer(t, respond([]string{"hello ", "world\n"}, func(id string) protocol.Message {
		return protocol.NewResult(id, json.RawMessage(`"done"`))
	}))

	s, err := Dial(context.Background(), url, testCfg(), zaptest.NewLogger(t))
	require.NoError(t, err)
	defer s.Close()

	stream, err := s.Execute(context.Background(), `print("hello world")`)
	require.NoError(t, err)

	var got []string
	for chunk := range stream.Chunks() {
		got = append(got, chunk)
	}
	assert.Equal(t, []string{"hello ", "world\n"}, got)

	msg, err := stream.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, protocol.KindResult, msg.Kind)
	assert.Equal(t, stream.ID(), msg.ID)
}

func TestRunCollectsOutput(t *testing.T) {
	url := startServer(t, respond([]string{"1\n", "2\n", "3\n"}, func(id string) protocol.Message {
		return protocol.NewResult(id, nil)
	}))

	s, err := Dial(context.Background(), url, testCfg(), zaptest.NewLogger(t))
	require.NoError(t, err)
	defer s.Close()

	out, msg, err := s.Run(context.Background(), "for i in range(3): print(i+1)")
	require.NoError(t, err)
	assert.Equal(t, "1\n2\n3\n", out)
	assert.True(t, msg.Terminal())
}

func TestDialExhaustsRetryBudget(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		http.Error(w, "not yet", http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	start := time.Now()
	_, err := Dial(context.Background(), url, testCfg(), zaptest.NewLogger(t))
	require.ErrorIs(t, err, ErrConnectionFailed)

	assert.Equal(t, int32(3), attempts.Load(), "exactly max_retries attempts, never one more")
	// Two delays between three attempts, none after the last.
	assert.Less(t, time.Since(start), 300*time.Millisecond)
}

func TestCloseCancelsPending(t *testing.T) {
	url := startServer(t, func(ctx context.Context, c *websocket.Conn) {
		for {
			if _, _, err := c.Read(ctx); err != nil {
				return
			}
		}
	})

	s, err := Dial(context.Background(), url, testCfg(), zaptest.NewLogger(t))
	require.NoError(t, err)

	first, err := s.Execute(context.Background(), "import time; time.sleep(60)")
	require.NoError(t, err)
	second, err := s.Execute(context.Background(), "pass")
	require.NoError(t, err)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close(), "closing twice is safe")
	assert.Equal(t, StateClosed, s.State())

	for _, stream := range []*Stream{first, second} {
		_, err := stream.Wait(context.Background())
		assert.ErrorIs(t, err, ErrClosed)
		_, open := <-stream.Chunks()
		assert.False(t, open, "chunk sequence ends at cancellation")
	}

	_, err = s.Execute(context.Background(), "pass")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestRequestTimeoutFailsOnlyThatRequest(t *testing.T) {
	url := startServer(t, func(ctx context.Context, c *websocket.Conn) {
		for {
			if _, _, err := c.Read(ctx); err != nil {
				return
			}
		}
	})

	cfg := testCfg()
	cfg.RequestTimeout = 30 * time.Millisecond
	s, err := Dial(context.Background(), url, cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer s.Close()

	stream, err := s.Execute(context.Background(), "import time; time.sleep(60)")
	require.NoError(t, err)

	_, err = stream.Wait(context.Background())
	require.ErrorIs(t, err, ErrRequestTimeout)

	// A single slow request does not take the session down.
	assert.NotEqual(t, StateClosed, s.State())
	_, err = s.Execute(context.Background(), "pass")
	assert.NoError(t, err)
}

func TestRemoteErrorResourceLimit(t *testing.T) {
	url := startServer(t, respond(nil, func(id string) protocol.Message {
		return protocol.NewError(id, protocol.ReasonResourceLimit)
	}))

	s, err := Dial(context.Background(), url, testCfg(), zaptest.NewLogger(t))
	require.NoError(t, err)
	defer s.Close()

	stream, err := s.Execute(context.Background(), "x = 'a' * 10**10")
	require.NoError(t, err)

	_, err = stream.Wait(context.Background())
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.True(t, remote.ResourceLimited())
	assert.Equal(t, stream.ID(), remote.ID)

	// The sandbox survives a limit rejection; so does the channel.
	assert.NotEqual(t, StateClosed, s.State())
}

func TestMalformedPayloadScopedToRequest(t *testing.T) {
	url := startServer(t, func(ctx context.Context, c *websocket.Conn) {
		for {
			_, payload, err := c.Read(ctx)
			if err != nil {
				return
			}
			msg, err := protocol.Decode(payload)
			if err != nil || msg.Kind != protocol.KindRequest {
				continue
			}
			// Unknown field, but the correlation id is recoverable.
			bad := `{"kind":"result","id":"` + msg.ID + `","bogus":true}`
			if err := c.Write(ctx, websocket.MessageText, []byte(bad)); err != nil {
				return
			}
		}
	})

	s, err := Dial(context.Background(), url, testCfg(), zaptest.NewLogger(t))
	require.NoError(t, err)
	defer s.Close()

	stream, err := s.Execute(context.Background(), "pass")
	require.NoError(t, err)

	_, err = stream.Wait(context.Background())
	var decErr *protocol.DecodeError
	require.ErrorAs(t, err, &decErr)
	assert.Equal(t, stream.ID(), decErr.ID)

	// Fail closed per request, not per session.
	assert.NotEqual(t, StateClosed, s.State())
}

func TestHeartbeatDegradeAndRecover(t *testing.T) {
	recoverCh := make(chan struct{})
	url := startServer(t, func(ctx context.Context, c *websocket.Conn) {
		go func() {
			for {
				if _, _, err := c.Read(ctx); err != nil {
					return
				}
			}
		}()
		select {
		case <-recoverCh:
			_ = writeMsg(ctx, c, protocol.NewHeartbeat())
		case <-ctx.Done():
			return
		}
		<-ctx.Done()
	})

	cfg := testCfg()
	cfg.HeartbeatInterval = 10 * time.Millisecond
	cfg.HeartbeatTimeout = 25 * time.Millisecond
	cfg.GracePeriod = time.Hour // degrade, never drop

	s, err := Dial(context.Background(), url, cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer s.Close()

	assert.Eventually(t, func() bool { return s.State() == StateDegraded },
		2*time.Second, 5*time.Millisecond, "silence past the heartbeat timeout degrades the channel")

	close(recoverCh)
	assert.Eventually(t, func() bool { return s.State() == StateConnected },
		2*time.Second, 5*time.Millisecond, "inbound traffic within the grace window recovers the channel")
}

func TestGraceExpiryDropsConnectionAndReconnects(t *testing.T) {
	var conns atomic.Int32
	url := startServer(t, func(ctx context.Context, c *websocket.Conn) {
		if conns.Add(1) == 1 {
			// First connection stays silent: consume inbound traffic but
			// never answer, so the session degrades and the grace window
			// runs out.
			for {
				if _, _, err := c.Read(ctx); err != nil {
					return
				}
			}
		}
		// Later connections answer heartbeats so the session settles.
		for {
			_, payload, err := c.Read(ctx)
			if err != nil {
				return
			}
			if msg, err := protocol.Decode(payload); err == nil && msg.Kind == protocol.KindHeartbeat {
				if writeMsg(ctx, c, protocol.NewHeartbeat()) != nil {
					return
				}
			}
		}
	})

	cfg := testCfg()
	cfg.HeartbeatInterval = 10 * time.Millisecond
	cfg.HeartbeatTimeout = 25 * time.Millisecond
	cfg.GracePeriod = 30 * time.Millisecond

	s, err := Dial(context.Background(), url, cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer s.Close()

	// Silence past the heartbeat timeout degrades the channel; once the
	// grace window expires the session drops the connection itself and
	// re-dials within its retry budget.
	assert.Eventually(t, func() bool { return conns.Load() >= 2 },
		2*time.Second, 5*time.Millisecond, "the dead connection is dropped and replaced")
	assert.Eventually(t, func() bool { return s.State() == StateConnected },
		2*time.Second, 5*time.Millisecond, "the session settles on the replacement connection")
	assert.NotEqual(t, StateClosed, s.State(), "grace expiry reconnects, it does not close the session")
}

func TestReconnectAfterConnectionLoss(t *testing.T) {
	var conns atomic.Int32
	answer := respond(nil, func(id string) protocol.Message {
		return protocol.NewResult(id, nil)
	})
	url := startServer(t, func(ctx context.Context, c *websocket.Conn) {
		if conns.Add(1) == 1 {
			// Drop the first connection immediately.
			_ = c.Close(websocket.StatusGoingAway, "gone")
			return
		}
		answer(ctx, c)
	})

	s, err := Dial(context.Background(), url, testCfg(), zaptest.NewLogger(t))
	require.NoError(t, err)
	defer s.Close()

	// The session recovers within its retry budget and stays usable.
	assert.Eventually(t, func() bool {
		if s.State() != StateConnected {
			return false
		}
		_, _, err := s.Run(context.Background(), "pass")
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
	assert.GreaterOrEqual(t, conns.Load(), int32(2))
}

func TestStreamWaitHonorsContext(t *testing.T) {
	url := startServer(t, func(ctx context.Context, c *websocket.Conn) {
		for {
			if _, _, err := c.Read(ctx); err != nil {
				return
			}
		}
	})

	s, err := Dial(context.Background(), url, testCfg(), zaptest.NewLogger(t))
	require.NoError(t, err)
	defer s.Close()

	stream, err := s.Execute(context.Background(), "import time; time.sleep(60)")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = stream.Wait(ctx)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}
