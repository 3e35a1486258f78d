package loom

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/arloliu/loom/types"
)

func TestDispatchOperation(t *testing.T) {
	t.Run("routes operation to addressed component", func(t *testing.T) {
		env := newTestEnv(t)
		env.connect(t, "client-local")

		comp, err := env.rt.CreateComponent(context.Background(), "notes", "rich-text")
		require.NoError(t, err)

		env.deliver(t, opMessage(1, "client-remote", "notes"))
		env.flush(t)

		require.Equal(t, []int64{1}, comp.(*stubComponent).processedSeqs())
	})

	t.Run("op directly behind the attach that creates its component", func(t *testing.T) {
		env := newTestEnv(t)
		env.connect(t, "client-local")

		// The stream delivers the attach and an op addressed to it
		// back-to-back; the op's prepare parks until the attach has been
		// processed instead of failing on the not-yet-registered component.
		attach, _ := json.Marshal(types.AttachMessage{ID: "shared", Type: "kv"})
		env.deliver(t, &types.SequencedMessage{
			ClientID:       "client-remote",
			SequenceNumber: 1,
			Type:           types.MessageTypeAttach,
			Contents:       attach,
		})
		env.deliver(t, opMessage(2, "client-remote", "shared"))
		env.flush(t)

		comp, err := env.rt.GetComponent(context.Background(), "shared")
		require.NoError(t, err)
		require.Equal(t, []int64{2}, comp.(*stubComponent).processedSeqs())
	})

	t.Run("component that never arrives is an invariant violation", func(t *testing.T) {
		errCh := make(chan error, 1)

		// A short wait bound keeps the test fast; the violation only fires
		// once the component had its chance to arrive.
		cfg := TestConfig()
		cfg.OperationTimeout = 100 * time.Millisecond

		env := newTestEnvConfig(t, cfg, WithHooks(&Hooks{
			OnError: func(_ context.Context, err error) error {
				errCh <- err
				return nil
			},
		}))
		env.connect(t, "client-local")

		env.deliver(t, opMessage(1, "client-remote", "ghost"))
		env.flush(t)

		select {
		case err := <-errCh:
			require.True(t, types.IsInvariantViolation(err))
		case <-time.After(time.Second):
			t.Fatal("no error surfaced for unknown component address")
		}
	})

	t.Run("process applies in sequence order under pipelined prepares", func(t *testing.T) {
		env := newTestEnv(t)
		env.connect(t, "client-local")

		comp, err := env.rt.CreateComponent(context.Background(), "notes", "rich-text")
		require.NoError(t, err)

		stub := comp.(*stubComponent)
		stub.mu.Lock()
		// Message 1's prepare finishes after 2's and 3's.
		stub.prepareDelay = map[int64]time.Duration{1: 100 * time.Millisecond}
		stub.mu.Unlock()

		env.deliver(t, opMessage(1, "client-remote", "notes"))
		env.deliver(t, opMessage(2, "client-remote", "notes"))
		env.deliver(t, opMessage(3, "client-remote", "notes"))
		env.flush(t)

		require.Equal(t, []int64{1, 2, 3}, stub.processedSeqs())
	})
}

func TestDispatchAttach(t *testing.T) {
	t.Run("remote attach instantiates starts and registers", func(t *testing.T) {
		env := newTestEnv(t)
		env.connect(t, "client-local")

		attach, _ := json.Marshal(types.AttachMessage{ID: "shared-map", Type: "kv"})
		env.deliver(t, &types.SequencedMessage{
			ClientID:       "client-remote",
			SequenceNumber: 1,
			Type:           types.MessageTypeAttach,
			Contents:       attach,
		})
		env.flush(t)

		comp, err := env.rt.GetComponent(context.Background(), "shared-map")
		require.NoError(t, err)
		require.Equal(t, "shared-map", comp.ID())
		require.Equal(t, "kv", env.factory.lastPkg)
	})

	t.Run("remote attach resolves waiters", func(t *testing.T) {
		env := newTestEnv(t)
		env.connect(t, "client-local")

		got := make(chan Component, 1)
		go func() {
			comp, err := env.rt.GetComponent(context.Background(), "late")
			if err == nil {
				got <- comp
			}
		}()

		// Let the waiter park before the attach arrives.
		time.Sleep(20 * time.Millisecond)

		attach, _ := json.Marshal(types.AttachMessage{ID: "late", Type: "kv"})
		env.deliver(t, &types.SequencedMessage{
			ClientID:       "client-remote",
			SequenceNumber: 1,
			Type:           types.MessageTypeAttach,
			Contents:       attach,
		})
		env.flush(t)

		select {
		case comp := <-got:
			require.Equal(t, "late", comp.ID())
		case <-time.After(time.Second):
			t.Fatal("waiter never resolved after remote attach")
		}
	})

	t.Run("local attach echo clears the pending entry", func(t *testing.T) {
		env := newTestEnv(t)
		env.connect(t, "client-local")

		_, err := env.rt.CreateComponent(context.Background(), "mine", "kv")
		require.NoError(t, err)
		require.Len(t, env.rt.registry.PendingAttaches(), 1)

		// The stream echoes our attach back with our client ID.
		attaches := env.stream.ofType(types.MessageTypeAttach)
		require.Len(t, attaches, 1)

		env.deliver(t, &types.SequencedMessage{
			ClientID:             "client-local",
			ClientSequenceNumber: attaches[0].ClientSeq,
			SequenceNumber:       1,
			Type:                 types.MessageTypeAttach,
			Contents:             attaches[0].Contents,
		})
		env.flush(t)

		require.Empty(t, env.rt.registry.PendingAttaches())
	})
}

func TestDispatchChunked(t *testing.T) {
	t.Run("reconstructed message re-enters as original type", func(t *testing.T) {
		env := newTestEnv(t)
		env.stream.maxSize = 16
		env.connect(t, "client-local")

		comp, err := env.rt.CreateComponent(context.Background(), "big", "rich-text")
		require.NoError(t, err)

		envelope, _ := json.Marshal(types.Envelope{
			Address:  "big",
			Contents: types.EnvelopeContents{Type: "edit", Content: json.RawMessage(`{"n":1}`)},
		})

		// Split by hand into the fragments a remote sender would emit.
		content := string(envelope)
		const size = 16
		total := (len(content) + size - 1) / size
		seq := int64(100)
		for i := 0; i < total; i++ {
			end := (i + 1) * size
			if end > len(content) {
				end = len(content)
			}
			chunk, _ := json.Marshal(types.ChunkedOp{
				ChunkID:      i + 1,
				TotalChunks:  total,
				Contents:     content[i*size : end],
				OriginalType: types.MessageTypeOperation,
			})
			env.deliver(t, &types.SequencedMessage{
				ClientID:       "client-remote",
				SequenceNumber: seq,
				Type:           types.MessageTypeChunkedOp,
				Contents:       chunk,
			})
			seq++
		}
		env.flush(t)

		processed := comp.(*stubComponent).processedSeqs()
		require.Len(t, processed, 1, "exactly one reconstructed op processes")
		require.Equal(t, seq-1, processed[0], "the final fragment's slot carries the op")
	})

	t.Run("interleaved senders reassemble independently", func(t *testing.T) {
		env := newTestEnv(t)
		env.connect(t, "client-local")

		comp, err := env.rt.CreateComponent(context.Background(), "doc", "rich-text")
		require.NoError(t, err)

		envelope, _ := json.Marshal(types.Envelope{
			Address:  "doc",
			Contents: types.EnvelopeContents{Type: "edit", Content: json.RawMessage(`{}`)},
		})
		content := string(envelope)
		half := len(content) / 2

		fragment := func(sender string, id, total int, body string, seq int64) *types.SequencedMessage {
			chunk, _ := json.Marshal(types.ChunkedOp{
				ChunkID:      id,
				TotalChunks:  total,
				Contents:     body,
				OriginalType: types.MessageTypeOperation,
			})

			return &types.SequencedMessage{
				ClientID:       sender,
				SequenceNumber: seq,
				Type:           types.MessageTypeChunkedOp,
				Contents:       chunk,
			}
		}

		// A1 B1 A2 B2: the stream interleaves two senders' fragments.
		env.deliver(t, fragment("client-a", 1, 2, content[:half], 1))
		env.deliver(t, fragment("client-b", 1, 2, content[:half], 2))
		env.deliver(t, fragment("client-a", 2, 2, content[half:], 3))
		env.deliver(t, fragment("client-b", 2, 2, content[half:], 4))
		env.flush(t)

		require.Equal(t, []int64{3, 4}, comp.(*stubComponent).processedSeqs())
	})

	t.Run("departed sender's buffer is discarded", func(t *testing.T) {
		env := newTestEnv(t)
		env.connect(t, "client-local")

		chunk, _ := json.Marshal(types.ChunkedOp{
			ChunkID:      1,
			TotalChunks:  2,
			Contents:     "partial",
			OriginalType: types.MessageTypeOperation,
		})
		env.deliver(t, &types.SequencedMessage{
			ClientID:       "client-gone",
			SequenceNumber: 1,
			Type:           types.MessageTypeChunkedOp,
			Contents:       chunk,
		})

		leave, _ := json.Marshal("client-gone")
		env.deliver(t, &types.SequencedMessage{
			SequenceNumber: 2,
			Type:           types.MessageTypeClientLeave,
			Contents:       leave,
		})
		env.flush(t)

		senders, fragments := env.rt.codec.Stats()
		require.Zero(t, senders)
		require.Zero(t, fragments)
	})
}

func TestDispatchObservation(t *testing.T) {
	t.Run("op and watermark hooks fire", func(t *testing.T) {
		var mu sync.Mutex
		var ops []int64
		var marks []int64

		env := newTestEnv(t, WithHooks(&Hooks{
			OnOp: func(_ context.Context, msg *types.SequencedMessage) error {
				mu.Lock()
				ops = append(ops, msg.SequenceNumber)
				mu.Unlock()
				return nil
			},
			OnWatermarkAdvanced: func(_ context.Context, minSeq int64) error {
				mu.Lock()
				marks = append(marks, minSeq)
				mu.Unlock()
				return nil
			},
		}))
		env.connect(t, "client-local")

		noop := func(seq, minSeq int64) *types.SequencedMessage {
			return &types.SequencedMessage{
				ClientID:              "client-remote",
				SequenceNumber:        seq,
				MinimumSequenceNumber: minSeq,
				Type:                  types.MessageTypeNoOp,
				Contents:              json.RawMessage(`null`),
			}
		}

		env.deliver(t, noop(1, 0))
		env.deliver(t, noop(2, 0)) // watermark unchanged, no hook
		env.deliver(t, noop(3, 2))
		env.flush(t)

		// Hooks run async; give them a moment after the flush.
		require.Eventually(t, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return len(ops) == 3 && len(marks) == 1
		}, time.Second, 10*time.Millisecond)

		mu.Lock()
		defer mu.Unlock()
		require.Equal(t, []int64{2}, marks)
		require.Equal(t, int64(3), env.rt.LastSequenceNumber())
		require.Equal(t, int64(2), env.rt.MinimumSequenceNumber())
	})
}
