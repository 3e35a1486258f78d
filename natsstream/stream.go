package natsstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/puzpuzpuz/xsync/v4"

	"github.com/arloliu/loom/internal/logger"
	"github.com/arloliu/loom/types"
)

// Common errors for stream operations.
var (
	ErrStreamStarted = errors.New("stream already started")
	ErrStreamClosed  = errors.New("stream already closed")
)

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

// SaveHandler is the optional Handler capability for save acknowledgements,
// fired when every local submission has come back sequenced. *loom.Runtime
// satisfies it.
type SaveHandler interface {
	MarkSaved()
}

// SequenceHandler is the optional Handler capability reporting the last
// fully processed sequence number, typically restored from a snapshot.
// When it reports a positive value, consumption resumes right after it
// instead of replaying the stream from the beginning. *loom.Runtime
// satisfies it.
type SequenceHandler interface {
	LastSequenceNumber() int64
}

// StreamConfig configures a NewStream call.
type StreamConfig struct {
	// DocumentID scopes the JetStream stream and subject. Required.
	DocumentID string

	// ClientID stamps outbound submissions. Required; typically
	// Election.ClientID().
	ClientID string

	// Summaries advertises summary support to the runtime. Documents on
	// streams without it fall back to legacy snapshots.
	Summaries bool

	// PayloadHeadroom is subtracted from the server's max payload to leave
	// room for the message envelope around chunk fragments. Defaults to 1KiB.
	PayloadHeadroom int

	// WatermarkInterval is how often the client publishes its reference
	// sequence and refreshes the collaboration-window minimum. Defaults
	// to 2s.
	WatermarkInterval time.Duration

	// Logger receives stream diagnostics. Defaults to a no-op logger.
	Logger types.Logger
}

func (c *StreamConfig) applyDefaults() error {
	if c.DocumentID == "" {
		return errors.New("StreamConfig.DocumentID is required")
	}
	if c.ClientID == "" {
		return errors.New("StreamConfig.ClientID is required")
	}
	if c.PayloadHeadroom <= 0 {
		c.PayloadHeadroom = 1024
	}
	if c.WatermarkInterval <= 0 {
		c.WatermarkInterval = 2 * time.Second
	}
	if c.Logger == nil {
		c.Logger = logger.NewNop()
	}

	return nil
}

// Stream implements types.DeltaStream over a JetStream stream.
//
// Ordering comes from JetStream itself: submissions are published to the
// document subject and the server-assigned stream sequence becomes the
// message's sequence number. Every replica consumes the stream from the
// beginning with an ordered consumer, so all replicas observe identical
// message order without any coordination of their own.
//
// The collaboration-window minimum is tracked in a KV bucket: each client
// periodically publishes the highest sequence it has processed, and the
// minimum across all keys is stamped on delivered messages.
type Stream struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	stream jetstream.Stream
	wmKV   jetstream.KeyValue
	cfg    StreamConfig
	logger types.Logger

	subject   string
	clientSeq atomic.Int64
	processed atomic.Int64

	// inflight tracks local submissions not yet observed back from the
	// stream; when it empties, the document is saved.
	inflight *xsync.Map[int64, struct{}]

	// deliverMu serializes delivery callbacks and carries the pause gate.
	deliverMu sync.Mutex
	paused    bool
	resumeCh  chan struct{}

	wmMu        sync.Mutex
	wmMin       int64
	wmRefreshed time.Time
	wmPublished time.Time

	started atomic.Bool
	closed  atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}
}

var _ types.DeltaStream = (*Stream)(nil)

// NewStream creates the document's JetStream assets and returns an unstarted
// stream driver. Call Start to begin delivery.
func NewStream(ctx context.Context, nc *nats.Conn, cfg StreamConfig) (*Stream, error) {
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}

	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("failed to get JetStream context: %w", err)
	}

	name := sanitizeName(cfg.DocumentID)
	subject := "loom.doc." + name

	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        "LOOM_" + name,
		Description: "Loom delta stream for " + cfg.DocumentID,
		Subjects:    []string{subject},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create stream: %w", err)
	}

	wmKV, err := ensureKVBucket(ctx, js, jetstream.KeyValueConfig{
		Bucket:      "loom-watermark-" + name,
		Description: "Loom collaboration window for " + cfg.DocumentID,
		TTL:         time.Minute,
	}, 3)
	if err != nil {
		return nil, err
	}

	return &Stream{
		nc:       nc,
		js:       js,
		stream:   stream,
		wmKV:     wmKV,
		cfg:      cfg,
		logger:   cfg.Logger,
		subject:  subject,
		inflight: xsync.NewMap[int64, struct{}](),
		done:     make(chan struct{}),
	}, nil
}

// Start begins consuming the document stream, delivering every sequenced
// message to the handler in order. Handlers that report a restored sequence
// number resume right after it; everyone else starts from the beginning.
// Start also watches the NATS connection and forwards transport state
// changes when the handler supports them.
func (s *Stream) Start(ctx context.Context, handler Handler) error {
	if handler == nil {
		return errors.New("handler is required")
	}
	if s.closed.Load() {
		return ErrStreamClosed
	}
	if !s.started.CompareAndSwap(false, true) {
		return ErrStreamStarted
	}

	if ch, ok := handler.(ConnectionHandler); ok {
		if err := ch.SetConnectionState(types.ConnStateConnecting, ""); err != nil {
			s.logger.Warn("connection state rejected", "state", "connecting", "error", err)
		}
	}

	consumerCfg := jetstream.OrderedConsumerConfig{
		DeliverPolicy: jetstream.DeliverAllPolicy,
	}
	if sh, ok := handler.(SequenceHandler); ok {
		if seq := sh.LastSequenceNumber(); seq > 0 {
			consumerCfg.DeliverPolicy = jetstream.DeliverByStartSequencePolicy
			consumerCfg.OptStartSeq = uint64(seq) + 1
		}
	}

	consumer, err := s.stream.OrderedConsumer(ctx, consumerCfg)
	if err != nil {
		return fmt.Errorf("failed to create ordered consumer: %w", err)
	}

	it, err := consumer.Messages()
	if err != nil {
		return fmt.Errorf("failed to open message iterator: %w", err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	statusCh := s.nc.StatusChanged(nats.CONNECTED, nats.RECONNECTING, nats.DISCONNECTED)

	go s.run(loopCtx, it, statusCh, handler)

	if ch, ok := handler.(ConnectionHandler); ok {
		if err := ch.SetConnectionState(types.ConnStateConnected, s.cfg.ClientID); err != nil {
			s.logger.Warn("connection state rejected", "state", "connected", "error", err)
		}
	}

	s.logger.Info("stream started",
		"document_id", s.cfg.DocumentID,
		"client_id", s.cfg.ClientID,
		"subject", s.subject,
	)

	return nil
}

// run owns the consume loop and the connection status watcher.
func (s *Stream) run(ctx context.Context, it jetstream.MessagesContext, statusCh chan nats.Status, handler Handler) {
	defer close(s.done)
	defer it.Stop()

	msgCh := make(chan jetstream.Msg)
	go func() {
		defer close(msgCh)
		for {
			m, err := it.Next()
			if err != nil {
				if ctx.Err() == nil && !errors.Is(err, jetstream.ErrMsgIteratorClosed) {
					s.logger.Error("message iterator failed", "error", err)
				}

				return
			}
			select {
			case msgCh <- m:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case status := <-statusCh:
			s.forwardStatus(status, handler)

		case m, ok := <-msgCh:
			if !ok {
				return
			}
			s.deliver(ctx, m, handler)
		}
	}
}

// forwardStatus maps NATS connection status changes onto the runtime's
// connection states.
func (s *Stream) forwardStatus(status nats.Status, handler Handler) {
	ch, ok := handler.(ConnectionHandler)
	if !ok {
		return
	}

	switch status {
	case nats.CONNECTED:
		// Identity is stable across reconnects; the KV claim outlives
		// short outages.
		if err := ch.SetConnectionState(types.ConnStateConnected, s.cfg.ClientID); err != nil {
			s.logger.Warn("connection state rejected", "state", "connected", "error", err)
		}
	case nats.RECONNECTING:
		if err := ch.SetConnectionState(types.ConnStateConnecting, ""); err != nil {
			s.logger.Warn("connection state rejected", "state", "connecting", "error", err)
		}
	default:
		if err := ch.SetConnectionState(types.ConnStateDisconnected, ""); err != nil {
			s.logger.Warn("connection state rejected", "state", "disconnected", "error", err)
		}
	}
}

// deliver decodes, stamps, and hands one message to the handler, honoring
// the pause gate.
func (s *Stream) deliver(ctx context.Context, m jetstream.Msg, handler Handler) {
	meta, err := m.Metadata()
	if err != nil {
		s.logger.Error("message without metadata dropped", "error", err)
		return
	}

	var msg types.SequencedMessage
	if err := json.Unmarshal(m.Data(), &msg); err != nil {
		s.logger.Error("undecodable message dropped",
			"sequence", meta.Sequence.Stream, "error", err)

		return
	}

	msg.SequenceNumber = int64(meta.Sequence.Stream) //nolint:gosec // stream sequences stay far below int64 max
	msg.Timestamp = meta.Timestamp.UnixMilli()
	msg.MinimumSequenceNumber = s.watermark(ctx)

	s.deliverMu.Lock()
	for s.paused {
		resumeCh := s.resumeCh
		s.deliverMu.Unlock()
		select {
		case <-resumeCh:
		case <-ctx.Done():
			return
		}
		s.deliverMu.Lock()
	}
	err = handler.ProcessMessage(&msg)
	s.deliverMu.Unlock()

	if err != nil {
		s.logger.Error("message processing failed",
			"sequence", msg.SequenceNumber, "type", msg.Type, "error", err)

		return
	}

	s.processed.Store(msg.SequenceNumber)
	s.publishReference(ctx, msg.SequenceNumber)

	if msg.ClientID == s.cfg.ClientID {
		s.inflight.Delete(msg.ClientSequenceNumber)
		if s.inflight.Size() == 0 {
			if sh, ok := handler.(SaveHandler); ok {
				sh.MarkSaved()
			}
		}
	}
}

// Submit publishes a message to the document subject. The server-side
// stream sequence assigned by the publish ack becomes the message's total
// order position on delivery.
func (s *Stream) Submit(ctx context.Context, msgType types.MessageType, contents json.RawMessage) (int64, error) {
	if s.closed.Load() {
		return 0, ErrStreamClosed
	}

	clientSeq := s.clientSeq.Add(1)
	msg := types.SequencedMessage{
		ClientID:                s.cfg.ClientID,
		ClientSequenceNumber:    clientSeq,
		ReferenceSequenceNumber: s.processed.Load(),
		Type:                    msgType,
		Contents:                contents,
	}

	data, err := json.Marshal(&msg)
	if err != nil {
		return 0, fmt.Errorf("failed to encode message: %w", err)
	}

	s.inflight.Store(clientSeq, struct{}{})

	if _, err := s.js.Publish(ctx, s.subject, data); err != nil {
		s.inflight.Delete(clientSeq)
		return 0, fmt.Errorf("failed to publish message: %w", err)
	}

	return clientSeq, nil
}

// MaxMessageSize returns the largest payload a single submission may carry,
// derived from the server's max payload minus envelope headroom.
func (s *Stream) MaxMessageSize() int {
	size := int(s.nc.MaxPayload()) - s.cfg.PayloadHeadroom
	if size < 1024 {
		size = 1024
	}

	return size
}

// Pause stops inbound delivery. It returns once any in-flight delivery
// callback has finished; messages keep accumulating in JetStream and are
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

// SupportsSummaries reports the configured summary capability.
func (s *Stream) SupportsSummaries() bool {
	return s.cfg.Summaries
}

// Close stops delivery and withdraws this client from the collaboration
// window. The NATS connection is owned by the caller and stays open.
func (s *Stream) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return ErrStreamClosed
	}

	if s.started.Load() {
		s.Resume()
		s.cancel()
		<-s.done
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := s.wmKV.Delete(ctx, s.referenceKey()); err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		s.logger.Warn("failed to withdraw watermark key", "error", err)
	}

	return nil
}

func (s *Stream) referenceKey() string {
	return "ref." + s.cfg.ClientID
}

// publishReference records the highest sequence this client has processed,
// rate limited to the watermark interval.
func (s *Stream) publishReference(ctx context.Context, seq int64) {
	s.wmMu.Lock()
	due := time.Since(s.wmPublished) >= s.cfg.WatermarkInterval
	if due {
		s.wmPublished = time.Now()
	}
	s.wmMu.Unlock()

	if !due {
		return
	}

	if _, err := s.wmKV.Put(ctx, s.referenceKey(), []byte(strconv.FormatInt(seq, 10))); err != nil {
		if ctx.Err() == nil {
			s.logger.Warn("failed to publish reference sequence", "error", err)
		}
	}
}

// watermark returns the minimum reference sequence across all clients,
// refreshed at most once per watermark interval.
func (s *Stream) watermark(ctx context.Context) int64 {
	s.wmMu.Lock()
	if time.Since(s.wmRefreshed) < s.cfg.WatermarkInterval {
		min := s.wmMin
		s.wmMu.Unlock()

		return min
	}
	s.wmRefreshed = time.Now()
	s.wmMu.Unlock()

	min := s.refreshWatermark(ctx)

	s.wmMu.Lock()
	if min > s.wmMin {
		s.wmMin = min
	}
	min = s.wmMin
	s.wmMu.Unlock()

	return min
}

func (s *Stream) refreshWatermark(ctx context.Context) int64 {
	lister, err := s.wmKV.ListKeys(ctx)
	if err != nil {
		return 0
	}

	min := int64(-1)
	for key := range lister.Keys() {
		entry, err := s.wmKV.Get(ctx, key)
		if err != nil {
			continue
		}
		seq, err := strconv.ParseInt(string(entry.Value()), 10, 64)
		if err != nil {
			continue
		}
		if min < 0 || seq < min {
			min = seq
		}
	}
	if min < 0 {
		return 0
	}

	return min
}
