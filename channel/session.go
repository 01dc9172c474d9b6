package channel

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"github.com/isdmx/runbox/config"
	"github.com/isdmx/runbox/protocol"
)

// State is a session's connection state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateDegraded
	StateClosed
)

var stateNames = map[State]string{
	StateDisconnected: "disconnected",
	StateConnecting:   "connecting",
	StateConnected:    "connected",
	StateDegraded:     "degraded",
	StateClosed:       "closed",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

// Config holds one session's retry, heartbeat and timeout policy.
type Config struct {
	MaxRetries        int
	RetryDelay        time.Duration
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	GracePeriod       time.Duration
	RequestTimeout    time.Duration
}

// ConfigFrom builds a session Config from the loaded configuration.
func ConfigFrom(cfg config.ChannelConfig) Config {
	return Config{
		MaxRetries:        cfg.MaxRetries,
		RetryDelay:        time.Duration(cfg.RetryDelaySec) * time.Second,
		HeartbeatInterval: time.Duration(cfg.HeartbeatIntervalSec) * time.Second,
		HeartbeatTimeout:  time.Duration(cfg.HeartbeatTimeoutSec) * time.Second,
		GracePeriod:       time.Duration(cfg.GracePeriodSec) * time.Second,
		RequestTimeout:    time.Duration(cfg.RequestTimeoutSec) * time.Second,
	}
}

func (c Config) withDefaults() Config {
	if c.MaxRetries == 0 {
		c.MaxRetries = 10
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = 2 * time.Second
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 10 * time.Second
	}
	if c.HeartbeatTimeout == 0 {
		c.HeartbeatTimeout = 15 * time.Second
	}
	if c.GracePeriod == 0 {
		c.GracePeriod = 10 * time.Second
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 120 * time.Second
	}
	return c
}

// Session is one logical connection to the sandbox's control endpoint. It
// is owned by the caller that opened it and must not be shared; multiple
// sessions against different sandboxes are independent.
type Session struct {
	url    string
	cfg    Config
	logger *zap.Logger

	// loop lifetime; cancelled on Close
	ctx    context.Context
	cancel context.CancelFunc

	// serializes frame writes between Execute and the heartbeat loop
	writeMu sync.Mutex

	mu            sync.Mutex
	state         State
	conn          *websocket.Conn
	pending       map[string]*pendingRequest
	lastActivity  time.Time
	degradedSince time.Time
	closeErr      error
}

// Dial opens a session against the control endpoint at url, retrying up to
// cfg.MaxRetries times with cfg.RetryDelay between attempts. Exhausting the
// budget returns ErrConnectionFailed and the session is Closed.
func Dial(ctx context.Context, url string, cfg Config, logger *zap.Logger) (*Session, error) {
	s := &Session{
		url:     url,
		cfg:     cfg.withDefaults(),
		logger:  logger,
		state:   StateDisconnected,
		pending: make(map[string]*pendingRequest),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	conn, err := s.connect(ctx)
	if err != nil {
		s.closeWith(err)
		return nil, err
	}

	s.mu.Lock()
	s.conn = conn
	s.state = StateConnected
	s.lastActivity = time.Now()
	s.mu.Unlock()

	go s.readLoop()
	go s.heartbeatLoop()
	return s, nil
}

// connect runs one bounded round of connect attempts.
func (s *Session) connect(ctx context.Context) (*websocket.Conn, error) {
	s.setState(StateConnecting)

	var lastErr error
	for attempt := 1; attempt <= s.cfg.MaxRetries; attempt++ {
		s.logger.Info("connecting to control endpoint",
			zap.String("url", s.url),
			zap.Int("attempt", attempt),
			zap.Int("max_retries", s.cfg.MaxRetries))

		conn, _, err := websocket.Dial(ctx, s.url, nil) //nolint:bodyclose // closed via conn lifecycle
		if err == nil {
			s.logger.Info("control channel connected", zap.Int("attempt", attempt))
			return conn, nil
		}
		lastErr = err
		s.logger.Warn("connect attempt failed", zap.Int("attempt", attempt), zap.Error(err))

		if attempt < s.cfg.MaxRetries {
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, ctx.Err())
			case <-s.ctx.Done():
				return nil, ErrClosed
			case <-time.After(s.cfg.RetryDelay):
			}
		}
	}
	return nil, fmt.Errorf("%w: %d attempts, last error: %v", ErrConnectionFailed, s.cfg.MaxRetries, lastErr)
}

// State returns the session's current connection state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(next State) {
	s.mu.Lock()
	if s.state != StateClosed && s.state != next {
		s.logger.Debug("channel state", zap.Stringer("from", s.state), zap.Stringer("to", next))
		s.state = next
	}
	s.mu.Unlock()
}

// Execute submits code for execution. The request is registered in the
// pending table before transmission, so a reply can never race the
// registration. The returned Stream delivers output chunks incrementally
// and exactly one terminal outcome.
func (s *Session) Execute(ctx context.Context, code string) (*Stream, error) {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	id := uuid.NewString()
	pr := newPending(id)
	s.pending[id] = pr
	s.mu.Unlock()

	// The per-request clock starts at submission, not at Wait.
	pr.setTimer(time.AfterFunc(s.cfg.RequestTimeout, func() {
		if s.resolve(id, outcome{err: fmt.Errorf("%w: request %s after %s", ErrRequestTimeout, id, s.cfg.RequestTimeout)}) {
			s.logger.Warn("request timed out", zap.String("request_id", id))
		}
	}))

	payload, err := protocol.Encode(protocol.NewRequest(id, code))
	if err != nil {
		s.resolve(id, outcome{err: err})
		return nil, err
	}
	if err := s.write(ctx, payload); err != nil {
		s.resolve(id, outcome{err: err})
		return nil, err
	}

	s.logger.Debug("request submitted", zap.String("request_id", id), zap.Int("code_len", len(code)))
	return &Stream{id: id, pr: pr}, nil
}

// Run submits code and collects the full streamed output, suspending until
// the terminal message. Convenience over Execute for callers that do not
// need incremental chunks.
func (s *Session) Run(ctx context.Context, code string) (string, protocol.Message, error) {
	stream, err := s.Execute(ctx, code)
	if err != nil {
		return "", protocol.Message{}, err
	}

	var out strings.Builder
	for chunk := range stream.Chunks() {
		out.WriteString(chunk)
	}
	msg, err := stream.Wait(ctx)
	return out.String(), msg, err
}

// Close shuts the session down. All pending requests are resolved exactly
// once with a cancellation error.
func (s *Session) Close() error {
	s.closeWith(ErrClosed)
	return nil
}

func (s *Session) write(ctx context.Context, payload []byte) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return conn.Write(ctx, websocket.MessageText, payload)
}

// resolve finishes one pending request. The delete-under-mutex guarantees
// at most one resolver wins, so no request is resolved twice.
func (s *Session) resolve(id string, o outcome) bool {
	s.mu.Lock()
	pr, ok := s.pending[id]
	if ok {
		delete(s.pending, id)
	}
	s.mu.Unlock()
	if !ok {
		return false
	}
	pr.finish(o)
	return true
}

// touch records inbound activity; any valid traffic recovers a Degraded
// session before the grace window expires.
func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	if s.state == StateDegraded {
		s.logger.Info("channel recovered from degraded state")
		s.state = StateConnected
	}
	s.mu.Unlock()
}

// readLoop drives inbound traffic for the session's whole life, following
// the connection through reconnects until the session is Closed.
func (s *Session) readLoop() {
	for {
		s.mu.Lock()
		conn := s.conn
		state := s.state
		s.mu.Unlock()
		if state == StateClosed {
			return
		}
		if conn == nil {
			if !s.reconnect() {
				return
			}
			continue
		}

		_, payload, err := conn.Read(s.ctx)
		if err != nil {
			if s.State() == StateClosed {
				return
			}
			s.logger.Warn("control connection lost", zap.Error(err))
			if !s.reconnect() {
				return
			}
			continue
		}

		s.touch()
		s.dispatch(payload)
	}
}

// dispatch decodes and routes one inbound frame. Malformed payloads are
// scoped to their correlation id when one is recoverable; otherwise they
// are logged as protocol violations and dropped. They never stop the loop.
func (s *Session) dispatch(payload []byte) {
	msg, err := protocol.Decode(payload)
	if err != nil {
		var decErr *protocol.DecodeError
		if errors.As(err, &decErr) && decErr.ID != "" {
			s.logger.Warn("malformed payload for request",
				zap.String("request_id", decErr.ID),
				zap.Error(err))
			s.resolve(decErr.ID, outcome{err: err})
		} else {
			s.logger.Warn("protocol violation, dropping message", zap.Error(err))
		}
		return
	}

	switch msg.Kind {
	case protocol.KindHeartbeat:
		// Activity clock already reset; nothing else to do.
	case protocol.KindStreamChunk:
		s.mu.Lock()
		pr := s.pending[msg.ID]
		s.mu.Unlock()
		if pr == nil {
			s.logger.Debug("chunk for unknown request", zap.String("request_id", msg.ID))
			return
		}
		if !pr.deliver(msg.Data) {
			s.logger.Warn("chunk shed, consumer too far behind", zap.String("request_id", msg.ID))
		}
	case protocol.KindResult:
		s.resolve(msg.ID, outcome{msg: msg})
	case protocol.KindError:
		s.resolve(msg.ID, outcome{err: &RemoteError{ID: msg.ID, Reason: msg.Reason}})
	default:
		// Requests only flow caller -> sandbox.
		s.logger.Warn("unexpected message kind", zap.String("kind", string(msg.Kind)))
	}
}

// heartbeatLoop sends keepalives on a fixed interval, independent of
// request traffic, and escalates missed acknowledgements: Connected ->
// Degraded after the heartbeat timeout, Degraded -> reconnect after the
// grace window.
func (s *Session) heartbeatLoop() {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
		}

		s.mu.Lock()
		state := s.state
		idle := time.Since(s.lastActivity)
		degradedFor := time.Since(s.degradedSince)
		s.mu.Unlock()

		switch state {
		case StateClosed:
			return
		case StateConnected:
			if idle > s.cfg.HeartbeatTimeout {
				s.mu.Lock()
				if s.state == StateConnected {
					s.state = StateDegraded
					s.degradedSince = time.Now()
				}
				s.mu.Unlock()
				s.logger.Warn("heartbeat timeout, channel degraded",
					zap.Duration("idle", idle),
					zap.Duration("grace_period", s.cfg.GracePeriod))
			}
		case StateDegraded:
			if degradedFor > s.cfg.GracePeriod {
				s.logger.Warn("grace window expired, dropping connection")
				s.mu.Lock()
				conn := s.conn
				s.mu.Unlock()
				if conn != nil {
					// The read loop observes the closure and reconnects.
					_ = conn.Close(websocket.StatusGoingAway, "heartbeat lost")
				}
				continue
			}
		}

		if state == StateConnected || state == StateDegraded {
			payload, err := protocol.Encode(protocol.NewHeartbeat())
			if err == nil {
				if err := s.write(s.ctx, payload); err != nil {
					s.logger.Debug("heartbeat send failed", zap.Error(err))
				}
			}
		}
	}
}

// reconnect replaces a lost connection, bounded by the retry budget.
// Pending requests survive reconnection (their per-request timers still
// bound them); only terminal session failure cancels them. Returns false
// once the session is Closed.
func (s *Session) reconnect() bool {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return false
	}
	s.conn = nil
	s.mu.Unlock()
	s.setState(StateDisconnected)

	conn, err := s.connect(s.ctx)
	if err != nil {
		s.closeWith(err)
		return false
	}

	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "session closed")
		return false
	}
	s.conn = conn
	s.state = StateConnected
	s.lastActivity = time.Now()
	s.mu.Unlock()
	return true
}

// closeWith moves the session to Closed and resolves every pending request
// with err, uniformly and exactly once.
func (s *Session) closeWith(err error) {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = StateClosed
	s.closeErr = err
	conn := s.conn
	s.conn = nil
	pending := s.pending
	s.pending = make(map[string]*pendingRequest)
	s.mu.Unlock()

	s.cancel()
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "session closed")
	}
	for _, pr := range pending {
		pr.finish(outcome{err: err})
	}

	if errors.Is(err, ErrClosed) {
		s.logger.Info("control channel closed", zap.Int("cancelled_requests", len(pending)))
	} else {
		s.logger.Error("control channel terminally failed",
			zap.Int("cancelled_requests", len(pending)),
			zap.Error(err))
	}
}

// Err returns the terminal error once the session is Closed, nil before.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateClosed || errors.Is(s.closeErr, ErrClosed) {
		return nil
	}
	return s.closeErr
}
