package types

import "encoding/json"

// MessageType identifies the kind of an ordered message.
//
// The values are wire-level constants shared with the stream service and
// other runtime implementations; they must not be changed.
type MessageType string

const (
	// MessageTypeOperation carries a component-addressed operation envelope.
	MessageTypeOperation MessageType = "op"

	// MessageTypeAttach announces a new component to all replicas.
	MessageTypeAttach MessageType = "attach"

	// MessageTypeChunkedOp carries one fragment of an oversized message.
	MessageTypeChunkedOp MessageType = "chunkedOp"

	// MessageTypeSummarize commits a summary handle to the stream.
	MessageTypeSummarize MessageType = "summarize"

	// MessageTypeRemoteHelp delegates background tasks to other clients.
	MessageTypeRemoteHelp MessageType = "remoteHelp"

	// MessageTypeNoOp is a keep-alive that advances sequence numbers only.
	MessageTypeNoOp MessageType = "noop"

	// MessageTypeClientJoin is emitted by the stream service when a client joins.
	MessageTypeClientJoin MessageType = "join"

	// MessageTypeClientLeave is emitted by the stream service when a client leaves.
	MessageTypeClientLeave MessageType = "leave"
)

// IsSystem reports whether the type is generated or consumed by the runtime
// machinery itself rather than by user edits. System messages never mark the
// document dirty.
func (t MessageType) IsSystem() bool {
	switch t {
	case MessageTypeClientJoin, MessageTypeClientLeave, MessageTypeRemoteHelp, MessageTypeSummarize:
		return true
	default:
		return false
	}
}

// SequencedMessage is a message stamped and totally ordered by the stream
// service. Every replica observes the same messages in the same
// SequenceNumber order.
type SequencedMessage struct {
	// ClientID identifies the submitting client. System messages may carry
	// an empty client ID.
	ClientID string `json:"clientId"`

	// ClientSequenceNumber is the submitter-local counter assigned at
	// submission time, before service-side ordering.
	ClientSequenceNumber int64 `json:"clientSequenceNumber"`

	// SequenceNumber is the service-assigned total order position.
	SequenceNumber int64 `json:"sequenceNumber"`

	// ReferenceSequenceNumber is the latest sequence number the submitter
	// had processed when it submitted this message.
	ReferenceSequenceNumber int64 `json:"referenceSequenceNumber"`

	// MinimumSequenceNumber is the collaboration-window floor: no connected
	// client references anything older.
	MinimumSequenceNumber int64 `json:"minimumSequenceNumber"`

	// Type discriminates the payload carried in Contents.
	Type MessageType `json:"type"`

	// Contents is the opaque payload. Its shape depends on Type: an
	// Envelope for operations, a ChunkedOp for fragments, an AttachMessage
	// for attaches, and so on.
	Contents json.RawMessage `json:"contents"`

	// Timestamp is the service-side stamping time in Unix milliseconds.
	Timestamp int64 `json:"timestamp"`

	// Origin describes the originating branch for messages relayed between
	// forked documents. Nil for messages born on this document.
	Origin *MessageOrigin `json:"origin,omitempty"`

	// Traces carries optional latency measurement points.
	Traces []Trace `json:"traces,omitempty"`
}

// MessageOrigin identifies the branch a relayed message came from.
type MessageOrigin struct {
	ID                    string `json:"id"`
	SequenceNumber        int64  `json:"sequenceNumber"`
	MinimumSequenceNumber int64  `json:"minimumSequenceNumber"`
}

// Trace is a single latency measurement point attached to a message.
type Trace struct {
	Service   string `json:"service"`
	Action    string `json:"action"`
	Timestamp int64  `json:"timestamp"`
}

// Envelope wraps an operation payload with the address of the component it
// targets. Operation and signal messages both carry envelopes.
type Envelope struct {
	// Address is the target component ID.
	Address string `json:"address"`

	// Contents is the component-level payload.
	Contents EnvelopeContents `json:"contents"`
}

// EnvelopeContents is the inner payload of an Envelope. Type is the
// component-level operation type; Content its opaque body.
type EnvelopeContents struct {
	Type    string          `json:"type"`
	Content json.RawMessage `json:"content"`
}

// ChunkedOp is one fragment of a message that exceeded the transport's
// maximum message size. ChunkID is 1-based; the fragment with
// ChunkID == TotalChunks completes the message.
type ChunkedOp struct {
	ChunkID      int         `json:"chunkId"`
	TotalChunks  int         `json:"totalChunks"`
	Contents     string      `json:"contents"`
	OriginalType MessageType `json:"originalType"`
}

// AttachMessage announces a new component. Snapshot carries the component's
// initial state so remote replicas can instantiate it.
type AttachMessage struct {
	// ID is the component ID, unique within the document.
	ID string `json:"id"`

	// Type is the component package type the factory instantiates.
	Type string `json:"type"`

	// Snapshot is the component's attach-time state. May be nil for
	// components with no initial state.
	Snapshot *Tree `json:"snapshot"`
}

// HelpMessage asks other clients to pick up background tasks the current
// leader chose not to run locally.
type HelpMessage struct {
	Tasks []string `json:"tasks"`
}

// SummarizeMessage commits an uploaded summary to the stream. Handle points
// at the uploaded summary tree, Parents lists the prior version IDs it builds
// on, and Message is a human-readable description.
type SummarizeMessage struct {
	Handle  string   `json:"handle"`
	Parents []string `json:"parents"`
	Message string   `json:"message"`
}

// SignalMessage is a transient, non-sequenced message. Signals carry an
// Envelope in Content when addressed to a component.
type SignalMessage struct {
	ClientID string          `json:"clientId"`
	Content  json.RawMessage `json:"content"`
}
