package loom

import (
	"context"
	"encoding/json"

	"github.com/arloliu/loom/types"
)

// Submit sends a runtime-level message to the stream service.
//
// Contents larger than the transport's maximum message size are split into
// chunked-op fragments transparently; the returned client sequence number
// is the one assigned to the final fragment, which is also the key under
// which the logical message is tracked until the stream echoes it back.
//
// Non-system submissions mark the document dirty until the stream service
// acknowledges all sent ops (see MarkSaved).
//
// Parameters:
//   - ctx: Context for cancellation and timeout
//   - msgType: Message type discriminator
//   - contents: JSON payload matching the message type's wire shape
//
// Returns:
//   - int64: The client sequence number of the submission
//   - error: Submission failure, or ErrRuntimeClosed / ErrNotStarted
func (rt *Runtime) Submit(ctx context.Context, msgType MessageType, contents json.RawMessage) (int64, error) {
	if err := rt.operational(); err != nil {
		return 0, err
	}

	maxSize := rt.stream.MaxMessageSize()

	seq, err := rt.codec.Submit(ctx, rt.stream.Submit, msgType, contents, maxSize)
	if err != nil {
		return 0, err
	}

	if len(contents) > maxSize {
		rt.metrics.RecordChunksSubmitted((len(contents) + maxSize - 1) / maxSize)
	}

	rt.markDirty(msgType)

	return seq, nil
}

// SubmitOperation wraps content in an envelope addressed to a component
// and submits it as an operation message. This is the outbound path
// components use for their own ops.
//
// Parameters:
//   - ctx: Context for cancellation and timeout
//   - address: Target component ID
//   - opType: Component-level operation type
//   - content: Component-level payload
//
// Returns:
//   - int64: The client sequence number of the submission
//   - error: Submission failure
func (rt *Runtime) SubmitOperation(ctx context.Context, address, opType string, content json.RawMessage) (int64, error) {
	payload, err := json.Marshal(types.Envelope{
		Address:  address,
		Contents: types.EnvelopeContents{Type: opType, Content: content},
	})
	if err != nil {
		return 0, err
	}

	return rt.Submit(ctx, types.MessageTypeOperation, payload)
}

// MarkSaved lowers the dirty flag in response to the stream service's
// "all sent ops acknowledged" signal. The signal only counts while
// connected; a disconnected replica cannot know its ops were durably
// sequenced.
func (rt *Runtime) MarkSaved() {
	if rt.ConnectionState() != types.ConnStateConnected {
		return
	}

	rt.setDirty(false)
}

// markDirty raises the dirty flag for local mutations. System messages and
// keep-alives never dirty the document; they carry no user edits.
func (rt *Runtime) markDirty(msgType MessageType) {
	if msgType.IsSystem() || msgType == types.MessageTypeNoOp {
		return
	}

	rt.setDirty(true)
}

// setDirty transitions the dirty flag and notifies observers on the edge.
// The flag is purely observable; nothing inside the runtime branches on it.
func (rt *Runtime) setDirty(dirty bool) {
	if !rt.dirty.CompareAndSwap(!dirty, dirty) {
		return
	}

	rt.metrics.RecordDirtyState(dirty)
	rt.logger.Debug("dirty state changed", "dirty", dirty)

	if rt.hooks.OnDirtyChanged != nil {
		rt.runHook("dirty changed", func(ctx context.Context) error {
			return rt.hooks.OnDirtyChanged(ctx, dirty)
		})
	}
}
