package types

import "context"

// Hooks defines callbacks for Runtime lifecycle and document events.
//
// All hooks are optional and called asynchronously in background goroutines
// to avoid blocking the message pipeline. Hooks receive the runtime's
// lifecycle context which will be cancelled during shutdown.
//
// IMPORTANT: Hook execution behavior:
//   - Hooks run concurrently and may not complete before Close() returns
//   - The context passed to hooks is cancelled when the runtime closes
//   - Hook errors are logged but don't fail runtime operations
//   - Hooks observe events; they cannot veto or reorder them
//
// Best practices for hook implementation:
//   - Complete quickly (< 1 second recommended)
//   - Respect context cancellation
//   - Don't block on long I/O operations
//   - Handle errors gracefully (return error for logging)
//
// Example:
//
//	hooks := &loom.Hooks{
//	    OnDirtyChanged: func(ctx context.Context, dirty bool) error {
//	        select {
//	        case <-ctx.Done():
//	            return ctx.Err() // Runtime is shutting down
//	        case saveIndicator <- dirty:
//	            return nil
//	        }
//	    },
//	}
type Hooks struct {
	// OnOp is called for every sequenced message after it has been fully
	// processed, in an observation goroutine (not necessarily in order).
	OnOp func(ctx context.Context, msg *SequencedMessage) error

	// OnWatermarkAdvanced is called when the minimum sequence number moves
	// forward. Components use it to release tombstoned state older than
	// the collaboration window.
	OnWatermarkAdvanced func(ctx context.Context, minimumSequenceNumber int64) error

	// OnConnectionChanged is called after a connection state transition has
	// been fully applied, including resubmissions. clientID is empty while
	// disconnected.
	OnConnectionChanged func(ctx context.Context, state ConnectionState, clientID string) error

	// OnDirtyChanged is called when the document transitions between dirty
	// (unacknowledged local changes exist) and clean.
	OnDirtyChanged func(ctx context.Context, dirty bool) error

	// OnLeaderChanged is called when a new leader is elected. isLocal is
	// true when this replica won.
	OnLeaderChanged func(ctx context.Context, leaderID string, isLocal bool) error

	// OnLocalTasks is called when task assignment hands tasks to this
	// replica to run locally.
	OnLocalTasks func(ctx context.Context, tasks []Task) error

	// OnError is called when a recoverable error occurs.
	OnError func(ctx context.Context, err error) error
}
