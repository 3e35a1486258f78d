package loom

import "github.com/arloliu/loom/types"

// Re-export types from the internal types package.
//
// This file provides a stable, backward-compatible public API for the library's
// core types and interfaces. It uses type aliases to re-export definitions
// from the `types` subpackage, which contains the actual implementations.
//
// This pattern solves the "import cycle" problem by allowing internal packages
// to depend on `types` without depending on the root `loom` package, while
// still providing a convenient `loom.Tree`, `loom.Logger`, etc. for users.
type (
	State            = types.State
	MessageType      = types.MessageType
	SequencedMessage = types.SequencedMessage
	Envelope         = types.Envelope
	EnvelopeContents = types.EnvelopeContents
	AttachMessage    = types.AttachMessage
	SignalMessage    = types.SignalMessage
	SummaryNode      = types.SummaryNode
	Tree             = types.Tree
	TreeEntry        = types.TreeEntry
	Blob             = types.Blob
	Version          = types.Version
	Task             = types.Task
	ConnectionState  = types.ConnectionState
	LeaderEvent      = types.LeaderEvent
)

// Re-export interfaces from the internal types package for convenience.
type (
	Component        = types.Component
	ComponentFactory = types.ComponentFactory
	DeltaStream      = types.DeltaStream
	Storage          = types.Storage
	SummaryUploader  = types.SummaryUploader
	Quorum           = types.Quorum
	LeaderElector    = types.LeaderElector
	TaskSource       = types.TaskSource
	TaskAssigner     = types.TaskAssigner
	MetricsCollector = types.MetricsCollector
	Logger           = types.Logger
	Hooks            = types.Hooks
)

// Re-export MessageType constants from the internal types package.
const (
	MessageTypeOperation   = types.MessageTypeOperation
	MessageTypeAttach      = types.MessageTypeAttach
	MessageTypeChunkedOp   = types.MessageTypeChunkedOp
	MessageTypeSummarize   = types.MessageTypeSummarize
	MessageTypeRemoteHelp  = types.MessageTypeRemoteHelp
	MessageTypeNoOp        = types.MessageTypeNoOp
	MessageTypeClientJoin  = types.MessageTypeClientJoin
	MessageTypeClientLeave = types.MessageTypeClientLeave
)

// Re-export ConnectionState constants from the internal types package.
const (
	ConnStateDisconnected = types.ConnStateDisconnected
	ConnStateConnecting   = types.ConnStateConnecting
	ConnStateConnected    = types.ConnStateConnected
)

// Re-export State constants from the internal types package.
const (
	StateCreated = types.StateCreated
	StateLoading = types.StateLoading
	StateStarted = types.StateStarted
	StateClosing = types.StateClosing
	StateClosed  = types.StateClosed
)

// Re-export sentinel errors from the internal types package.
var (
	ErrRuntimeClosed         = types.ErrRuntimeClosed
	ErrInvariantViolation    = types.ErrInvariantViolation
	ErrComponentNotFound     = types.ErrComponentNotFound
	ErrComponentExists       = types.ErrComponentExists
	ErrSummaryOnBranch       = types.ErrSummaryOnBranch
	ErrSummariesNotSupported = types.ErrSummariesNotSupported
	ErrSummaryInProgress     = types.ErrSummaryInProgress
	ErrProposalRejected      = types.ErrProposalRejected
	ErrNoClientsAvailable    = types.ErrNoClientsAvailable
)
