package natsstream_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"

	"github.com/arloliu/loom/natsstream"
	loomtest "github.com/arloliu/loom/testing"
	"github.com/arloliu/loom/types"
)

// captureHandler records delivered messages and save acknowledgements.
type captureHandler struct {
	mu    sync.Mutex
	msgs  []types.SequencedMessage
	saved int
}

func (h *captureHandler) ProcessMessage(msg *types.SequencedMessage) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.msgs = append(h.msgs, *msg)

	return nil
}

func (h *captureHandler) MarkSaved() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.saved++
}

func (h *captureHandler) snapshot() []types.SequencedMessage {
	h.mu.Lock()
	defer h.mu.Unlock()

	return append([]types.SequencedMessage(nil), h.msgs...)
}

func (h *captureHandler) savedCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.saved
}

func newStream(t *testing.T, nc *nats.Conn, doc, clientID string, handler natsstream.Handler) *natsstream.Stream {
	t.Helper()

	stream, err := natsstream.NewStream(t.Context(), nc, natsstream.StreamConfig{
		DocumentID: doc,
		ClientID:   clientID,
		Summaries:  true,
		Logger:     loomtest.NewTestLogger(t),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = stream.Close() })

	if handler != nil {
		require.NoError(t, stream.Start(t.Context(), handler))
	}

	return stream
}

func TestStreamDeliversInOrder(t *testing.T) {
	_, nc := loomtest.StartEmbeddedNATS(t)

	sender := &captureHandler{}
	receiver := &captureHandler{}
	a := newStream(t, nc, "doc-order", "client-a", sender)
	newStream(t, nc, "doc-order", "client-b", receiver)

	for i := range 3 {
		payload, _ := json.Marshal(map[string]int{"n": i})
		clientSeq, err := a.Submit(context.Background(), types.MessageTypeOperation, payload)
		require.NoError(t, err)
		require.Equal(t, int64(i+1), clientSeq)
	}

	for _, h := range []*captureHandler{sender, receiver} {
		require.Eventually(t, func() bool {
			return len(h.snapshot()) == 3
		}, 5*time.Second, 20*time.Millisecond, "all submissions delivered")

		msgs := h.snapshot()
		for i, msg := range msgs {
			require.Equal(t, "client-a", msg.ClientID)
			require.Equal(t, int64(i+1), msg.ClientSequenceNumber)
			require.Equal(t, types.MessageTypeOperation, msg.Type)
			require.Positive(t, msg.Timestamp)
			if i > 0 {
				require.Greater(t, msg.SequenceNumber, msgs[i-1].SequenceNumber,
					"stream sequence is strictly increasing")
			}
		}
	}
}

func TestStreamMarksSaved(t *testing.T) {
	_, nc := loomtest.StartEmbeddedNATS(t)

	handler := &captureHandler{}
	stream := newStream(t, nc, "doc-saved", "client-a", handler)

	_, err := stream.Submit(context.Background(), types.MessageTypeOperation, json.RawMessage(`{}`))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return handler.savedCount() >= 1
	}, 5*time.Second, 20*time.Millisecond, "save ack once the submission round-trips")
}

func TestStreamPauseGatesDelivery(t *testing.T) {
	_, nc := loomtest.StartEmbeddedNATS(t)

	sender := &captureHandler{}
	receiver := &captureHandler{}
	a := newStream(t, nc, "doc-pause", "client-a", sender)
	b := newStream(t, nc, "doc-pause", "client-b", receiver)

	b.Pause()

	_, err := a.Submit(context.Background(), types.MessageTypeOperation, json.RawMessage(`{}`))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(sender.snapshot()) == 1
	}, 5*time.Second, 20*time.Millisecond)

	// The paused stream buffers instead of delivering.
	time.Sleep(200 * time.Millisecond)
	require.Empty(t, receiver.snapshot())

	b.Resume()
	require.Eventually(t, func() bool {
		return len(receiver.snapshot()) == 1
	}, 5*time.Second, 20*time.Millisecond, "buffered message delivered after resume")
}

func TestStreamCapabilities(t *testing.T) {
	_, nc := loomtest.StartEmbeddedNATS(t)

	stream := newStream(t, nc, "doc-caps", "client-a", nil)

	require.True(t, stream.SupportsSummaries())
	require.Positive(t, stream.MaxMessageSize())
	require.Less(t, stream.MaxMessageSize(), int(nc.MaxPayload()),
		"headroom is reserved for the message envelope")
}
