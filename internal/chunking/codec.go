package chunking

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/arloliu/loom/types"
)

// SubmitFunc sends one message to the stream service and returns the client
// sequence number it was assigned.
type SubmitFunc func(ctx context.Context, msgType types.MessageType, contents json.RawMessage) (int64, error)

// Codec splits oversized outbound messages into chunked-op fragments and
// reassembles inbound fragments back into complete messages.
//
// Reassembly is keyed by sender: each client has at most one message in
// flight because chunked submission is sequential per client. The codec
// keeps every locally submitted chunked message until its final fragment is
// observed back in the stream, so unacknowledged messages can be re-chunked
// and resent after a reconnect.
//
// All methods are safe for concurrent use.
type Codec struct {
	mu sync.Mutex

	// partial accumulates inbound fragment contents per sender client ID,
	// in arrival order.
	partial map[string][]string

	// unacked maps the client sequence number of a chunked message's final
	// fragment to the original message, until that fragment is sequenced.
	unacked map[int64]pendingMessage
}

type pendingMessage struct {
	Type     types.MessageType
	Contents string
}

// NewCodec creates a chunk codec with empty buffers.
func NewCodec() *Codec {
	return &Codec{
		partial: make(map[string][]string),
		unacked: make(map[int64]pendingMessage),
	}
}

// Submit sends contents through submit, splitting it into fragments of at
// most maxChunkSize bytes when it exceeds that size. It returns the client
// sequence number of the (final) submitted message.
//
// Messages that required splitting are tracked as unacknowledged under the
// final fragment's client sequence number until Ack observes it, or until
// Resubmit re-sends them after a reconnect.
func (c *Codec) Submit(ctx context.Context, submit SubmitFunc, msgType types.MessageType, contents json.RawMessage, maxChunkSize int) (int64, error) {
	if maxChunkSize <= 0 {
		return 0, fmt.Errorf("%w: %d", types.ErrInvalidChunkSize, maxChunkSize)
	}

	if len(contents) <= maxChunkSize {
		return submit(ctx, msgType, contents)
	}

	content := string(contents)
	total := (len(content) + maxChunkSize - 1) / maxChunkSize

	var clientSeq int64
	for i := 0; i < total; i++ {
		end := (i + 1) * maxChunkSize
		if end > len(content) {
			end = len(content)
		}

		chunk := types.ChunkedOp{
			ChunkID:      i + 1,
			TotalChunks:  total,
			Contents:     content[i*maxChunkSize : end],
			OriginalType: msgType,
		}

		payload, err := json.Marshal(chunk)
		if err != nil {
			return 0, fmt.Errorf("failed to encode chunk %d/%d: %w", chunk.ChunkID, total, err)
		}

		seq, err := submit(ctx, types.MessageTypeChunkedOp, payload)
		if err != nil {
			return 0, fmt.Errorf("failed to submit chunk %d/%d: %w", chunk.ChunkID, total, err)
		}
		clientSeq = seq
	}

	c.mu.Lock()
	c.unacked[clientSeq] = pendingMessage{Type: msgType, Contents: content}
	c.mu.Unlock()

	return clientSeq, nil
}

// Absorb buffers one inbound fragment. When the fragment completes its
// message, Absorb returns a copy of msg rewritten to the original type and
// reconstructed contents, keeping the sequence numbers of the final
// fragment; the caller re-dispatches it in the same ordering slot. The
// second return value is the number of fragments joined, or zero while the
// message is still incomplete.
//
// Fragments are trusted to arrive in order per sender with a consistent
// TotalChunks; the stream service's total order guarantees this for honest
// clients.
func (c *Codec) Absorb(msg *types.SequencedMessage) (*types.SequencedMessage, int, error) {
	var chunk types.ChunkedOp
	if err := json.Unmarshal(msg.Contents, &chunk); err != nil {
		return nil, 0, fmt.Errorf("failed to decode chunked op from %q: %w", msg.ClientID, err)
	}

	c.mu.Lock()
	c.partial[msg.ClientID] = append(c.partial[msg.ClientID], chunk.Contents)

	if chunk.ChunkID < chunk.TotalChunks {
		c.mu.Unlock()
		return nil, 0, nil
	}

	fragments := len(c.partial[msg.ClientID])
	content := strings.Join(c.partial[msg.ClientID], "")
	delete(c.partial, msg.ClientID)
	c.mu.Unlock()

	complete := *msg
	complete.Type = chunk.OriginalType
	complete.Contents = json.RawMessage(content)

	return &complete, fragments, nil
}

// Ack drops the unacknowledged entry for a locally submitted chunked
// message once its final fragment has been sequenced. It reports whether an
// entry existed. Non-final fragments share no key with the map, so calling
// Ack for every local fragment is harmless.
func (c *Codec) Ack(clientSeq int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, ok := c.unacked[clientSeq]
	if ok {
		delete(c.unacked, clientSeq)
	}

	return ok
}

// Resubmit re-chunks every unacknowledged message against maxChunkSize and
// sends it through submit, in ascending order of the original client
// sequence numbers. New unacknowledged entries are recorded under the new
// final client sequence numbers, and each original entry is removed only
// after its own resubmission succeeds: when submit fails partway, the
// failed message and everything behind it stay unacknowledged for the next
// reconnect. It returns the number of messages resent.
func (c *Codec) Resubmit(ctx context.Context, submit SubmitFunc, maxChunkSize int) (int, error) {
	c.mu.Lock()
	seqs := make([]int64, 0, len(c.unacked))
	for seq := range c.unacked {
		seqs = append(seqs, seq)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })

	pending := make([]pendingMessage, 0, len(seqs))
	for _, seq := range seqs {
		pending = append(pending, c.unacked[seq])
	}
	c.mu.Unlock()

	for i, msg := range pending {
		newSeq, err := c.Submit(ctx, submit, msg.Type, json.RawMessage(msg.Contents), maxChunkSize)
		if err != nil {
			return i, fmt.Errorf("failed to resubmit chunked message: %w", err)
		}

		// The resent message now lives under its new sequence number; the
		// guard keeps the entry when the stream reissued the same one.
		c.mu.Lock()
		if newSeq != seqs[i] {
			delete(c.unacked, seqs[i])
		}
		c.mu.Unlock()
	}

	return len(pending), nil
}

// ClearPartial discards buffered fragments from the given sender. Called
// when a client leaves the quorum; its partial message can never complete.
func (c *Codec) ClearPartial(clientID string) {
	c.mu.Lock()
	delete(c.partial, clientID)
	c.mu.Unlock()
}

// Stats returns the number of senders with buffered fragments and the total
// buffered fragment count.
func (c *Codec) Stats() (senders, fragments int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, frags := range c.partial {
		fragments += len(frags)
	}

	return len(c.partial), fragments
}

// UnackedCount returns the number of chunked messages awaiting
// acknowledgment.
func (c *Codec) UnackedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.unacked)
}
