package velux

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zorak1103/velux-active/internal/logging"
)

// maxWSMessageSize bounds a single push frame (homes data pushes can be large).
const maxWSMessageSize = 4 * 1024 * 1024

// pingPayloadSize is the length of the monotonic timestamp carried by pings.
const pingPayloadSize = 8

// SessionState is the lifecycle state of a WebSocket session.
type SessionState int32

// Session states.
const (
	StateDisconnected SessionState = iota
	StateConnecting
	StateAwaitingSubAck
	StateLive
)

// String implements fmt.Stringer.
func (s SessionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAwaitingSubAck:
		return "awaiting_ack"
	case StateLive:
		return "live"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Listener receives session events. Callbacks run synchronously on the
// session's read goroutine and must not block for long. Connected fires once
// the subscription is acknowledged. Listeners are compared with == for
// removal, so use pointer types.
type Listener interface {
	HandleMessage(msg Message)
	Connected()
	Disconnected(userRequested bool, reason string)
}

// TokenSource supplies the access token used in the subscribe frame.
type TokenSource func(ctx context.Context) (string, bool)

// SessionConfig configures a Session.
type SessionConfig struct {
	// URL is the push endpoint (default: wss://app-ws.velux-active.com/ws/).
	URL string
	// AppVersion is sent in the subscribe frame.
	AppVersion string
	// KeepaliveInterval is the ping period once live (default: 60 seconds).
	KeepaliveInterval time.Duration
	// HandshakeTimeout bounds the opening handshake (default: 20 seconds).
	HandshakeTimeout time.Duration
	// WriteTimeout bounds each frame write (default: 10 seconds).
	WriteTimeout time.Duration
	// Proxy selects an HTTP proxy for the handshake (nil: direct).
	Proxy func(*http.Request) (*url.URL, error)
}

// DefaultSessionConfig returns the default session configuration.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		URL:               DefaultEndpoints().WSURL,
		KeepaliveInterval: 60 * time.Second,
		HandshakeTimeout:  20 * time.Second,
		WriteTimeout:      10 * time.Second,
	}
}

// Session is one account's push channel. It subscribes on open, waits for
// the subscription acknowledgement, then keeps the connection alive with
// timestamped pings and fans every message out to the registered listeners.
type Session struct {
	cfg        SessionConfig
	tokens     TokenSource
	dispatcher *Dispatcher
	logger     *logging.Logger

	// mu guards conn, closing, cancelDial, cancelKeepalive and listeners. It
	// is never held during network I/O or listener callbacks.
	mu              sync.Mutex
	conn            *websocket.Conn
	closing         bool
	cancelDial      context.CancelFunc
	cancelKeepalive context.CancelFunc
	listeners       []Listener

	writeMu       sync.Mutex
	state         atomic.Int32
	userRequested atomic.Bool
	lastRTT       atomic.Int64
	epoch         time.Time
}

// NewSession creates a disconnected Session.
func NewSession(cfg SessionConfig, tokens TokenSource, dispatcher *Dispatcher, logger *logging.Logger) *Session {
	def := DefaultSessionConfig()
	if cfg.URL == "" {
		cfg.URL = def.URL
	}
	if cfg.KeepaliveInterval <= 0 {
		cfg.KeepaliveInterval = def.KeepaliveInterval
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = def.HandshakeTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if logger == nil {
		logger = logging.Discard()
	}
	if dispatcher == nil {
		dispatcher = NewDispatcher(logger)
	}
	return &Session{
		cfg:        cfg,
		tokens:     tokens,
		dispatcher: dispatcher,
		logger:     logger.Component("session"),
		epoch:      time.Now(),
	}
}

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	return SessionState(s.state.Load())
}

// IsLive reports whether the subscription has been acknowledged.
func (s *Session) IsLive() bool {
	return s.State() == StateLive
}

// LastRTT returns the round-trip time measured by the latest pong (0 if none).
func (s *Session) LastRTT() time.Duration {
	return time.Duration(s.lastRTT.Load())
}

// AddListener registers l. Listeners are notified in registration order.
func (s *Session) AddListener(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

// RemoveListener unregisters l. Removing an unknown listener is a no-op.
func (s *Session) RemoveListener(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.listeners {
		if existing == l {
			s.listeners = append(s.listeners[:i:i], s.listeners[i+1:]...)
			return
		}
	}
}

func (s *Session) snapshotListeners() []Listener {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Listener(nil), s.listeners...)
}

// Connect opens the push channel and sends the subscribe frame. It returns
// once the frame is written; the acknowledgement arrives asynchronously.
// Calling Connect on an open session is a no-op. A Disconnect while Connect
// is still dialing aborts the dial.
func (s *Session) Connect(ctx context.Context) error {
	dialCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	if !s.state.CompareAndSwap(int32(StateDisconnected), int32(StateConnecting)) {
		s.mu.Unlock()
		s.logger.Debug("connect ignored", "state", s.State())
		return nil
	}
	s.cancelDial = cancel
	s.mu.Unlock()

	conn, token, err := s.dial(dialCtx)
	if err != nil {
		s.abortConnect()
		return err
	}

	conn.SetReadLimit(maxWSMessageSize)
	conn.SetPongHandler(s.handlePong)
	conn.SetPingHandler(func(appData string) error {
		s.logger.Trace("ping received", "bytes", len(appData))
		err := conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(s.cfg.WriteTimeout))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	s.mu.Lock()
	s.cancelDial = nil
	if dialCtx.Err() != nil {
		s.state.Store(int32(StateDisconnected))
		s.mu.Unlock()
		_ = conn.Close()
		return fmt.Errorf("connecting websocket: %w: stopped during handshake", ErrNotConnected)
	}
	s.conn = conn
	s.closing = false
	s.userRequested.Store(false)
	s.state.Store(int32(StateAwaitingSubAck))
	s.mu.Unlock()

	s.logger.Info("websocket connected", "url", s.cfg.URL)

	if err := s.write(conn, NewSubscribeFrame(token, s.cfg.AppVersion)); err != nil {
		s.logger.Error("sending subscribe frame", "error", err)
		s.teardown(conn, "subscribe failed")
		return fmt.Errorf("subscribing: %w", err)
	}

	go s.readLoop(conn)
	return nil
}

func (s *Session) dial(ctx context.Context) (*websocket.Conn, string, error) {
	token, ok := s.tokens(ctx)
	if !ok {
		return nil, "", fmt.Errorf("connecting websocket: %w", ErrOffline)
	}

	dialer := websocket.Dialer{
		Proxy:            s.cfg.Proxy,
		HandshakeTimeout: s.cfg.HandshakeTimeout,
	}
	conn, resp, err := dialer.DialContext(ctx, s.cfg.URL, nil)
	if err != nil {
		if resp != nil {
			return nil, "", fmt.Errorf("connecting websocket: HTTP %d: %w", resp.StatusCode, err)
		}
		return nil, "", fmt.Errorf("connecting websocket: %w", err)
	}
	return conn, token, nil
}

// abortConnect returns a session that never opened to Disconnected.
func (s *Session) abortConnect() {
	s.mu.Lock()
	s.cancelDial = nil
	s.state.Store(int32(StateDisconnected))
	s.mu.Unlock()
}

// Disconnect closes the session at the user's request. It is idempotent and
// does not wait for the read goroutine to finish.
func (s *Session) Disconnect() {
	s.mu.Lock()
	if s.cancelDial != nil {
		s.cancelDial()
		s.cancelDial = nil
		s.mu.Unlock()
		s.logger.Info("websocket dial cancelled")
		return
	}
	conn := s.conn
	if conn == nil || s.closing {
		s.mu.Unlock()
		return
	}
	s.closing = true
	s.userRequested.Store(true)
	s.stopKeepaliveLocked()
	s.mu.Unlock()

	s.logger.Info("closing websocket")
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client disconnect")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(s.cfg.WriteTimeout))
	_ = conn.Close()
}

// Send writes v as a JSON text frame. Without an open session it logs and
// returns ErrNotConnected.
func (s *Session) Send(v any) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		s.logger.Error("send without websocket session")
		return ErrNotConnected
	}
	return s.write(conn, v)
}

func (s *Session) write(conn *websocket.Conn, v any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout)); err != nil {
		return fmt.Errorf("setting write deadline: %w", err)
	}
	if err := conn.WriteJSON(v); err != nil {
		return fmt.Errorf("writing frame: %w", err)
	}
	return nil
}

// readLoop reads frames until the connection fails, then tears down.
func (s *Session) readLoop(conn *websocket.Conn) {
	reason := "connection closed"
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			reason = closeReason(err)
			break
		}
		s.logger.Trace("frame received", "bytes", len(data))
		s.handleFrame(conn, data)
	}
	s.teardown(conn, reason)
}

func closeReason(err error) string {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		if ce.Text != "" {
			return fmt.Sprintf("closed by server (%d): %s", ce.Code, ce.Text)
		}
		return fmt.Sprintf("closed by server (%d)", ce.Code)
	}
	return err.Error()
}

func (s *Session) handleFrame(conn *websocket.Conn, data []byte) {
	msg := s.dispatcher.Classify(data)
	if msg == nil {
		return
	}

	switch s.State() {
	case StateAwaitingSubAck:
		status, ok := msg.(*StatusMsg)
		if !ok {
			s.logger.Debug("ignoring message before subscription ack", "type", msg.MessageType())
			return
		}
		if !status.OK() {
			s.logger.Error("subscription rejected", "status", status.Status)
			s.teardown(conn, "subscription rejected: "+status.Status)
			return
		}
		s.state.Store(int32(StateLive))
		s.startKeepalive(conn)
		s.logger.Info("subscription acknowledged", "keepalive", s.cfg.KeepaliveInterval)
		s.notifyConnected()
	case StateLive:
		s.dispatch(msg)
	}
}

// teardown releases conn and notifies listeners once per connection.
func (s *Session) teardown(conn *websocket.Conn, reason string) {
	s.mu.Lock()
	if s.conn != conn {
		s.mu.Unlock()
		return
	}
	s.conn = nil
	s.closing = false
	s.stopKeepaliveLocked()
	s.mu.Unlock()

	_ = conn.Close()
	// Read the flag before a concurrent Connect can reset it.
	userRequested := s.userRequested.Load()
	s.state.Store(int32(StateDisconnected))

	if userRequested {
		s.logger.Info("websocket closed", "reason", reason)
	} else {
		s.logger.Warn("websocket lost", "reason", reason)
	}
	for _, l := range s.snapshotListeners() {
		s.safeCall(func() { l.Disconnected(userRequested, reason) })
	}
}

func (s *Session) stopKeepaliveLocked() {
	if s.cancelKeepalive != nil {
		s.cancelKeepalive()
		s.cancelKeepalive = nil
	}
}

func (s *Session) startKeepalive(conn *websocket.Conn) {
	ctx, cancel := context.WithCancel(context.Background())

	s.mu.Lock()
	if s.conn != conn || s.closing {
		s.mu.Unlock()
		cancel()
		return
	}
	s.stopKeepaliveLocked()
	s.cancelKeepalive = cancel
	s.mu.Unlock()

	go s.keepalive(ctx, conn)
}

// keepalive pings every KeepaliveInterval with the monotonic send time as payload.
func (s *Session) keepalive(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(s.cfg.KeepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			payload := make([]byte, pingPayloadSize)
			binary.BigEndian.PutUint64(payload, uint64(time.Since(s.epoch).Nanoseconds()))
			if err := conn.WriteControl(websocket.PingMessage, payload, time.Now().Add(s.cfg.WriteTimeout)); err != nil {
				s.logger.Warn("sending ping", "error", err)
				continue
			}
			s.logger.Trace("ping sent")
		}
	}
}

// handlePong decodes the echoed send time and records the round trip.
func (s *Session) handlePong(appData string) error {
	if len(appData) < pingPayloadSize {
		s.logger.Warn("ignoring pong with short payload", "bytes", len(appData))
		return nil
	}
	sent := time.Duration(binary.BigEndian.Uint64([]byte(appData[:pingPayloadSize])))
	rtt := time.Since(s.epoch) - sent
	if rtt < 0 {
		rtt = 0
	}
	s.lastRTT.Store(int64(rtt))
	s.logger.Debug("pong received", "rtt", rtt)
	return nil
}

func (s *Session) notifyConnected() {
	for _, l := range s.snapshotListeners() {
		s.safeCall(l.Connected)
	}
}

// dispatch delivers msg to every listener in order.
func (s *Session) dispatch(msg Message) {
	for _, l := range s.snapshotListeners() {
		s.safeCall(func() { l.HandleMessage(msg) })
	}
}

// safeCall runs fn and logs a panic instead of propagating it.
func (s *Session) safeCall(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("listener panic recovered", "panic", r)
		}
	}()
	fn()
}
