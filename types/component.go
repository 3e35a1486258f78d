package types

import "context"

// Component is a hosted collaborative component instance.
//
// The runtime treats components as opaque: it instantiates them through a
// ComponentFactory, drives their message lifecycle, and collects their
// snapshots. Implementations own their data model entirely.
//
// Prepare and Process calls are made by the runtime's pipeline: Prepare may
// run concurrently with other components' prepares, but Process is invoked
// strictly in stream sequence order, one message at a time. Implementations
// therefore do not need their own ordering locks around Process.
type Component interface {
	// ID returns the component ID, unique within the document.
	ID() string

	// Start transitions the component into active operation. The runtime
	// calls it exactly once, after registration.
	Start(ctx context.Context) error

	// Prepare performs the asynchronous part of handling a message, such as
	// loading referenced state. The returned value is handed back to
	// Process for the same message.
	//
	// Parameters:
	//   - ctx: Context for cancellation
	//   - msg: The sequenced message addressed to this component
	//   - local: true if this replica submitted the message
	//
	// Returns:
	//   - any: Opaque prepared context passed to Process
	//   - error: Preparation failure (aborts the message)
	Prepare(ctx context.Context, msg *SequencedMessage, local bool) (any, error)

	// Process applies a message to the component state. Called in strict
	// sequence order with the value Prepare returned for this message.
	Process(msg *SequencedMessage, local bool, prepared any) error

	// ProcessSignal delivers a transient, non-sequenced message. Best
	// effort; implementations must not rely on delivery.
	ProcessSignal(msg *SignalMessage)

	// Snapshot returns the component's state as a legacy storage tree.
	//
	// A returned tree with a non-empty ID states the state is unchanged
	// since the stored tree with that ID, letting writers reference the
	// prior version instead of re-writing it.
	Snapshot(ctx context.Context) (*Tree, error)

	// Summarize returns the component's state as a summary node. Unchanged
	// components may answer with a handle node referencing their part of
	// the previous summary.
	Summarize(ctx context.Context) (*SummaryNode, error)

	// SetConnectionState informs the component of transport connectivity
	// changes. clientID is the identity assigned for the new connection
	// and is empty while disconnected.
	SetConnectionState(state ConnectionState, clientID string)

	// SetLeader informs the component of the elected leader's client ID.
	SetLeader(clientID string)

	// Close releases component resources. Called once when the runtime
	// closes.
	Close() error
}

// ComponentFactory instantiates components by package type.
//
// A document typically registers one factory that dispatches on pkg to the
// concrete component implementations it supports.
type ComponentFactory interface {
	// Instantiate creates the component named id of the given package type.
	//
	// Parameters:
	//   - ctx: Context for cancellation
	//   - id: Component ID, unique within the document
	//   - pkg: Component package type
	//   - snapshot: Stored state to load from; nil for brand-new components
	//
	// Returns:
	//   - Component: The instantiated component (not yet started)
	//   - error: Instantiation failure (e.g. unknown package type)
	Instantiate(ctx context.Context, id, pkg string, snapshot *Tree) (Component, error)
}
