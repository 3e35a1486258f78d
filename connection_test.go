package loom

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/arloliu/loom/types"
)

func TestReconnectResend(t *testing.T) {
	env := newTestEnv(t)
	env.stream.maxSize = 32
	env.connect(t, "client-local")

	// One pending attach (never echoed back by the stream).
	_, err := env.rt.CreateComponent(context.Background(), "draft", "rich-text")
	require.NoError(t, err)

	// Three chunked messages; the first gets acknowledged before the
	// disconnect, the other two stay unacked.
	oversized := func(tag string) json.RawMessage {
		return json.RawMessage(`{"tag":"` + tag + `","pad":"` + strings.Repeat("x", 80) + `"}`)
	}

	ackedSeq, err := env.rt.Submit(context.Background(), types.MessageTypeOperation, oversized("acked"))
	require.NoError(t, err)
	_, err = env.rt.Submit(context.Background(), types.MessageTypeOperation, oversized("lost-1"))
	require.NoError(t, err)
	_, err = env.rt.Submit(context.Background(), types.MessageTypeOperation, oversized("lost-2"))
	require.NoError(t, err)
	require.Equal(t, 3, env.rt.codec.UnackedCount())

	// The stream echoes the first message's final fragment back, which
	// acknowledges it.
	finalChunk, _ := json.Marshal(types.ChunkedOp{
		ChunkID:      1,
		TotalChunks:  1,
		Contents:     "ignored",
		OriginalType: types.MessageTypeNoOp,
	})
	env.deliver(t, &types.SequencedMessage{
		ClientID:             "client-local",
		ClientSequenceNumber: ackedSeq,
		SequenceNumber:       1,
		Type:                 types.MessageTypeChunkedOp,
		Contents:             finalChunk,
	})
	env.flush(t)
	require.Equal(t, 2, env.rt.codec.UnackedCount())

	require.NoError(t, env.rt.SetConnectionState(ConnStateDisconnected, ""))

	before := len(env.stream.all())
	require.NoError(t, env.rt.SetConnectionState(ConnStateConnected, "client-local-2"))

	resent := env.stream.all()[before:]
	require.NotEmpty(t, resent)

	// The attach goes out before any chunk fragment.
	require.Equal(t, types.MessageTypeAttach, resent[0].Type)
	var attach types.AttachMessage
	require.NoError(t, json.Unmarshal(resent[0].Contents, &attach))
	require.Equal(t, "draft", attach.ID)

	// Everything after the attach is re-chunked fragments of the two lost
	// messages; the acknowledged one is never resent.
	var reassembled []string
	var current []string
	for _, sub := range resent[1:] {
		require.Equal(t, types.MessageTypeChunkedOp, sub.Type)

		var chunk types.ChunkedOp
		require.NoError(t, json.Unmarshal(sub.Contents, &chunk))
		current = append(current, chunk.Contents)
		if chunk.ChunkID == chunk.TotalChunks {
			reassembled = append(reassembled, strings.Join(current, ""))
			current = nil
		}
	}
	require.Len(t, reassembled, 2)
	require.Contains(t, reassembled[0], `"lost-1"`)
	require.Contains(t, reassembled[1], `"lost-2"`)
	require.NotContains(t, strings.Join(reassembled, ""), `"acked"`)

	// Resending re-registers the messages as unacked under fresh keys.
	require.Equal(t, 2, env.rt.codec.UnackedCount())
}

func TestConnectionStatePropagation(t *testing.T) {
	env := newTestEnv(t)
	env.connect(t, "client-local")

	comp, err := env.rt.CreateComponent(context.Background(), "notes", "rich-text")
	require.NoError(t, err)
	stub := comp.(*stubComponent)

	require.NoError(t, env.rt.SetConnectionState(ConnStateDisconnected, ""))

	stub.mu.Lock()
	state := stub.connState
	stub.mu.Unlock()
	require.Equal(t, types.ConnStateDisconnected, state)
	require.False(t, env.rt.SummaryEligible())
	require.Empty(t, env.rt.ClientID())

	require.NoError(t, env.rt.SetConnectionState(ConnStateConnected, "client-local-2"))

	stub.mu.Lock()
	state = stub.connState
	stub.mu.Unlock()
	require.Equal(t, types.ConnStateConnected, state)
	require.True(t, env.rt.SummaryEligible())
	require.Equal(t, "client-local-2", env.rt.ClientID())
}

func TestSummaryEligibilityFollowsCapability(t *testing.T) {
	env := newTestEnv(t)
	env.stream.summaries = false
	env.connect(t, "client-local")
	require.False(t, env.rt.SummaryEligible())
}

func TestConnectionChangedHook(t *testing.T) {
	states := make(chan ConnectionState, 4)
	env := newTestEnv(t, WithHooks(&Hooks{
		OnConnectionChanged: func(_ context.Context, state ConnectionState, _ string) error {
			states <- state
			return nil
		},
	}))

	env.connect(t, "client-local")
	require.NoError(t, env.rt.SetConnectionState(ConnStateDisconnected, ""))

	seen := map[ConnectionState]bool{}
	for range 2 {
		select {
		case s := <-states:
			seen[s] = true
		case <-time.After(time.Second):
			t.Fatal("connection hook never fired")
		}
	}
	require.True(t, seen[types.ConnStateConnected])
	require.True(t, seen[types.ConnStateDisconnected])
}

func TestDirtyFlag(t *testing.T) {
	t.Run("non-system op sets dirty", func(t *testing.T) {
		env := newTestEnv(t)
		env.connect(t, "client-local")
		require.False(t, env.rt.IsDirty())

		_, err := env.rt.Submit(context.Background(), types.MessageTypeOperation, json.RawMessage(`{}`))
		require.NoError(t, err)
		require.True(t, env.rt.IsDirty())
	})

	t.Run("system and noop types never set dirty", func(t *testing.T) {
		env := newTestEnv(t)
		env.connect(t, "client-local")

		for _, msgType := range []types.MessageType{
			types.MessageTypeNoOp,
			types.MessageTypeSummarize,
			types.MessageTypeRemoteHelp,
		} {
			_, err := env.rt.Submit(context.Background(), msgType, json.RawMessage(`{}`))
			require.NoError(t, err)
		}
		require.False(t, env.rt.IsDirty())
	})

	t.Run("save ack while connected clears dirty", func(t *testing.T) {
		dirtyCh := make(chan bool, 4)
		env := newTestEnv(t, WithHooks(&Hooks{
			OnDirtyChanged: func(_ context.Context, dirty bool) error {
				dirtyCh <- dirty
				return nil
			},
		}))
		env.connect(t, "client-local")

		_, err := env.rt.Submit(context.Background(), types.MessageTypeOperation, json.RawMessage(`{}`))
		require.NoError(t, err)
		require.True(t, env.rt.IsDirty())

		env.rt.MarkSaved()
		require.False(t, env.rt.IsDirty())

		require.True(t, <-dirtyCh)
		require.False(t, <-dirtyCh)
	})

	t.Run("save ack while disconnected is ignored", func(t *testing.T) {
		env := newTestEnv(t)
		env.connect(t, "client-local")

		_, err := env.rt.Submit(context.Background(), types.MessageTypeOperation, json.RawMessage(`{}`))
		require.NoError(t, err)

		require.NoError(t, env.rt.SetConnectionState(ConnStateDisconnected, ""))
		env.rt.MarkSaved()
		require.True(t, env.rt.IsDirty(), "a disconnected replica cannot trust a save ack")
	})

	t.Run("offline submissions still mark dirty", func(t *testing.T) {
		env := newTestEnv(t)

		_, err := env.rt.Submit(context.Background(), types.MessageTypeOperation, json.RawMessage(`{}`))
		require.NoError(t, err)
		require.True(t, env.rt.IsDirty())
	})
}
