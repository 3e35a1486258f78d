// Package wsstream provides the websocket driver for Loom's delta stream.
//
// The driver dials a websocket ordering endpoint that stamps submissions
// with sequence numbers and broadcasts them to every connected replica.
// Frames are JSON; the endpoint greets each connection with the assigned
// client ID and its capabilities, so identity can change across reconnects.
//
// The connection is self-healing: a dropped socket is redialed with
// decorrelated-jitter backoff, and submissions made while disconnected are
// queued and flushed after the next greeting.
package wsstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/arloliu/loom/internal/logger"
	"github.com/arloliu/loom/types"
)

// Common errors for websocket stream operations.
var (
	ErrStreamStarted = errors.New("stream already started")
	ErrStreamClosed  = errors.New("stream already closed")
)

// Frame kinds exchanged with the ordering endpoint.
const (
	frameConnect = "connect"
	frameSubmit  = "submit"
	frameMessage = "message"
	frameSaved   = "saved"
)

// frame is the JSON envelope of every websocket message.
//
// The endpoint sends "connect" once per connection (identity and
// capabilities), then "message" for each sequenced message and "saved" when
// all of this client's submissions are durable. The client sends "submit".
type frame struct {
	Kind           string                  `json:"kind"`
	ClientID       string                  `json:"clientId,omitempty"`
	MaxMessageSize int                     `json:"maxMessageSize,omitempty"`
	Summaries      bool                    `json:"summaries,omitempty"`
	Message        *types.SequencedMessage `json:"message,omitempty"`
}

// Handler consumes the sequenced messages the stream delivers, in order.
// *loom.Runtime satisfies it.
type Handler interface {
	ProcessMessage(msg *types.SequencedMessage) error
}

// ConnectionHandler is the optional Handler capability for transport state
// notifications. *loom.Runtime satisfies it.
type ConnectionHandler interface {
	SetConnectionState(state types.ConnectionState, clientID string) error
}

// SaveHandler is the optional Handler capability for save acknowledgements.
// *loom.Runtime satisfies it.
type SaveHandler interface {
	MarkSaved()
}

// Config configures a New call.
type Config struct {
	// URL is the websocket ordering endpoint (ws:// or wss://). Required.
	URL string

	// PingInterval is the keepalive ping period. The read deadline is set
	// to twice this value. Defaults to 20s.
	PingInterval time.Duration

	// WriteTimeout bounds every socket write. Defaults to 10s.
	WriteTimeout time.Duration

	// ReconnectBase and ReconnectMax bound the redial backoff. Defaults
	// 250ms and 10s.
	ReconnectBase time.Duration
	ReconnectMax  time.Duration

	// ReconnectSeed makes the backoff jitter deterministic when non-zero.
	// Tests use it; production leaves it zero.
	ReconnectSeed int64

	// Logger receives stream diagnostics. Defaults to a no-op logger.
	Logger types.Logger
}

func (c *Config) applyDefaults() error {
	if c.URL == "" {
		return errors.New("Config.URL is required")
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 20 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.ReconnectBase <= 0 {
		c.ReconnectBase = 250 * time.Millisecond
	}
	if c.ReconnectMax <= 0 {
		c.ReconnectMax = 10 * time.Second
	}
	if c.Logger == nil {
		c.Logger = logger.NewNop()
	}

	return nil
}

// Stream implements types.DeltaStream over a websocket connection to an
// ordering endpoint.
type Stream struct {
	cfg    Config
	logger types.Logger

	clientSeq atomic.Int64
	processed atomic.Int64

	// mu guards the connection, identity, capabilities and the outbox.
	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	clientID  string
	maxSize   int
	summaries bool
	outbox    []*types.SequencedMessage

	// deliverMu serializes delivery callbacks and carries the pause gate.
	deliverMu sync.Mutex
	paused    bool
	resumeCh  chan struct{}

	started atomic.Bool
	closed  atomic.Bool
	stopCh  chan struct{}
	done    chan struct{}
}

var _ types.DeltaStream = (*Stream)(nil)

// New returns an undialed websocket stream. Call Dial to connect and begin
// delivery.
func New(cfg Config) (*Stream, error) {
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}

	return &Stream{
		cfg:     cfg,
		logger:  cfg.Logger,
		maxSize: 64 * 1024,
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}, nil
}

// Dial connects to the ordering endpoint and starts the self-healing
// connection loop. It returns after the first connection attempt succeeds;
// later drops are redialed in the background with jittered backoff.
func (s *Stream) Dial(ctx context.Context, handler Handler) error {
	if handler == nil {
		return errors.New("handler is required")
	}
	if s.closed.Load() {
		return ErrStreamClosed
	}
	if !s.started.CompareAndSwap(false, true) {
		return ErrStreamStarted
	}

	conn, err := s.connect(ctx, handler)
	if err != nil {
		s.started.Store(false)
		return err
	}

	go s.run(conn, handler)

	return nil
}

// connect dials once, consumes the greeting, and installs the connection.
func (s *Stream) connect(ctx context.Context, handler Handler) (*websocket.Conn, error) {
	if ch, ok := handler.(ConnectionHandler); ok {
		if err := ch.SetConnectionState(types.ConnStateConnecting, ""); err != nil {
			s.logger.Warn("connection state rejected", "state", "connecting", "error", err)
		}
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", s.cfg.URL, err)
	}

	var greeting frame
	if err := conn.ReadJSON(&greeting); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to read greeting: %w", err)
	}
	if greeting.Kind != frameConnect || greeting.ClientID == "" {
		conn.Close()
		return nil, fmt.Errorf("unexpected greeting frame %q", greeting.Kind)
	}

	s.mu.Lock()
	s.conn = conn
	s.connected = true
	s.clientID = greeting.ClientID
	if greeting.MaxMessageSize > 0 {
		s.maxSize = greeting.MaxMessageSize
	}
	s.summaries = greeting.Summaries
	queued := s.outbox
	s.outbox = nil

	// Flush submissions queued while disconnected under the new identity.
	for _, msg := range queued {
		if err := s.writeLocked(msg); err != nil {
			s.logger.Warn("failed to flush queued submission",
				"client_sequence", msg.ClientSequenceNumber, "error", err)
			s.outbox = append(s.outbox, msg)
		}
	}
	s.mu.Unlock()

	s.logger.Info("websocket connected",
		"url", s.cfg.URL,
		"client_id", greeting.ClientID,
		"max_message_size", s.MaxMessageSize(),
		"summaries", greeting.Summaries,
	)

	if ch, ok := handler.(ConnectionHandler); ok {
		if err := ch.SetConnectionState(types.ConnStateConnected, greeting.ClientID); err != nil {
			s.logger.Warn("connection state rejected", "state", "connected", "error", err)
		}
	}

	return conn, nil
}

// run owns the read loop and the redial cycle.
func (s *Stream) run(conn *websocket.Conn, handler Handler) {
	defer close(s.done)

	rng := newRetryRNG(s.cfg.ReconnectSeed)

	for {
		s.readLoop(conn, handler)
		s.dropConnection(conn, handler)

		select {
		case <-s.stopCh:
			return
		default:
		}

		// Redial with decorrelated jitter until the endpoint answers.
		var delay time.Duration
		for {
			delay = nextBackoff(delay, s.cfg.ReconnectBase, 2.0, s.cfg.ReconnectMax, rng)
			select {
			case <-s.stopCh:
				return
			case <-time.After(delay):
			}

			ctx, cancel := context.WithTimeout(context.Background(), s.cfg.WriteTimeout)
			next, err := s.connect(ctx, handler)
			cancel()
			if err == nil {
				conn = next
				break
			}
			s.logger.Warn("redial failed", "url", s.cfg.URL, "delay", delay, "error", err)
		}
	}
}

// readLoop consumes frames until the connection fails or the stream closes.
func (s *Stream) readLoop(conn *websocket.Conn, handler Handler) {
	pongWait := 2 * s.cfg.PingInterval
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	pingDone := make(chan struct{})
	defer close(pingDone)
	go s.pingLoop(conn, pingDone)

	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			select {
			case <-s.stopCh:
			default:
				s.logger.Warn("websocket read failed", "error", err)
			}

			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		switch f.Kind {
		case frameMessage:
			if f.Message == nil {
				s.logger.Error("message frame without message dropped")
				continue
			}
			s.deliver(f.Message, handler)

		case frameSaved:
			if sh, ok := handler.(SaveHandler); ok {
				sh.MarkSaved()
			}

		default:
			s.logger.Debug("unhandled frame", "kind", f.Kind)
		}
	}
}

// pingLoop writes keepalive pings until the read loop exits.
func (s *Stream) pingLoop(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			deadline := time.Now().Add(s.cfg.WriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}

// deliver hands one sequenced message to the handler, honoring the pause
// gate.
func (s *Stream) deliver(msg *types.SequencedMessage, handler Handler) {
	s.deliverMu.Lock()
	for s.paused {
		resumeCh := s.resumeCh
		s.deliverMu.Unlock()
		select {
		case <-resumeCh:
		case <-s.stopCh:
			return
		}
		s.deliverMu.Lock()
	}
	err := handler.ProcessMessage(msg)
	s.deliverMu.Unlock()

	if err != nil {
		s.logger.Error("message processing failed",
			"sequence", msg.SequenceNumber, "type", msg.Type, "error", err)

		return
	}

	s.processed.Store(msg.SequenceNumber)
}

// dropConnection tears down a failed connection and reports the outage.
func (s *Stream) dropConnection(conn *websocket.Conn, handler Handler) {
	conn.Close()

	s.mu.Lock()
	if s.conn == conn {
		s.conn = nil
		s.connected = false
	}
	s.mu.Unlock()

	if ch, ok := handler.(ConnectionHandler); ok {
		if err := ch.SetConnectionState(types.ConnStateDisconnected, ""); err != nil {
			s.logger.Warn("connection state rejected", "state", "disconnected", "error", err)
		}
	}
}

// Submit sends a message to the ordering endpoint. Submissions made while
// disconnected are queued and flushed after the next successful greeting.
func (s *Stream) Submit(ctx context.Context, msgType types.MessageType, contents json.RawMessage) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if s.closed.Load() {
		return 0, ErrStreamClosed
	}

	clientSeq := s.clientSeq.Add(1)
	msg := &types.SequencedMessage{
		ClientSequenceNumber:    clientSeq,
		ReferenceSequenceNumber: s.processed.Load(),
		Type:                    msgType,
		Contents:                contents,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.connected {
		s.outbox = append(s.outbox, msg)
		return clientSeq, nil
	}

	if err := s.writeLocked(msg); err != nil {
		return 0, err
	}

	return clientSeq, nil
}

// writeLocked stamps the current identity on the message and writes a
// submit frame. Caller holds mu.
func (s *Stream) writeLocked(msg *types.SequencedMessage) error {
	msg.ClientID = s.clientID

	_ = s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	if err := s.conn.WriteJSON(&frame{Kind: frameSubmit, Message: msg}); err != nil {
		return fmt.Errorf("failed to write submit frame: %w", err)
	}

	return nil
}

// MaxMessageSize returns the payload limit announced by the endpoint's
// greeting.
func (s *Stream) MaxMessageSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.maxSize
}

// Pause stops inbound delivery. It returns once any in-flight delivery
// callback has finished; frames keep accumulating on the socket and are
// delivered after Resume.
func (s *Stream) Pause() {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()

	if s.paused {
		return
	}
	s.paused = true
	s.resumeCh = make(chan struct{})
}

// Resume restarts inbound delivery after Pause.
func (s *Stream) Resume() {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()

	if !s.paused {
		return
	}
	s.paused = false
	close(s.resumeCh)
}

// SupportsSummaries reports the capability announced by the endpoint's
// greeting.
func (s *Stream) SupportsSummaries() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.summaries
}

// Close tears the connection down and stops the redial loop.
func (s *Stream) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return ErrStreamClosed
	}

	close(s.stopCh)
	s.Resume()

	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn != nil {
		conn.Close()
	}

	if s.started.Load() {
		<-s.done
	}

	return nil
}
