package types

import (
	"context"
	"encoding/json"
)

// ConnectionState describes the transport connectivity of a replica.
type ConnectionState int

const (
	// ConnStateDisconnected means no connection to the stream service.
	ConnStateDisconnected ConnectionState = iota

	// ConnStateConnecting means a connection attempt is in flight.
	ConnStateConnecting

	// ConnStateConnected means the replica is connected and has a client ID.
	ConnStateConnected
)

// String returns the string representation of the connection state.
func (s ConnectionState) String() string {
	switch s {
	case ConnStateDisconnected:
		return "Disconnected"
	case ConnStateConnecting:
		return "Connecting"
	case ConnStateConnected:
		return "Connected"
	default:
		return "Unknown"
	}
}

// DeltaStream is the ordered message transport a runtime submits to and
// receives from. Implementations deliver every sequenced message of the
// document, in order, to the runtime, and accept outbound submissions.
//
// Built-in drivers: natsstream (NATS JetStream) and wsstream (websocket
// ordering endpoint).
type DeltaStream interface {
	// Submit sends a message to the stream service for stamping and
	// broadcast. Implementations queue submissions made while disconnected.
	//
	// Parameters:
	//   - ctx: Context for cancellation and timeout
	//   - msgType: Message type discriminator
	//   - contents: Payload; must not exceed MaxMessageSize
	//
	// Returns:
	//   - int64: The client sequence number assigned to the submission
	//   - error: Submission failure
	Submit(ctx context.Context, msgType MessageType, contents json.RawMessage) (int64, error)

	// MaxMessageSize returns the largest payload size in bytes a single
	// submission may carry. Larger payloads must be chunked by the caller.
	MaxMessageSize() int

	// Pause stops inbound message delivery. Messages are buffered, not
	// dropped. Pause returns once no further delivery callback will run
	// until Resume.
	Pause()

	// Resume restarts inbound message delivery after Pause.
	Resume()

	// SupportsSummaries reports whether the connected stream service
	// version understands summary operations. Replicas on non-supporting
	// services fall back to legacy snapshots.
	SupportsSummaries() bool
}
