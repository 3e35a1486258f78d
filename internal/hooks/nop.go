package hooks

import (
	"context"

	"github.com/arloliu/loom/types"
)

// NopHooks implements Hooks with no-op callbacks.
//
// This is the default implementation used when no custom hooks are provided,
// eliminating the need for nil checks throughout the codebase.
type NopHooks struct{}

// Compile-time assertions that NopHooks implements hook callbacks.
var (
	_ func(context.Context, *types.SequencedMessage) error       = (*NopHooks)(nil).OnOp
	_ func(context.Context, int64) error                         = (*NopHooks)(nil).OnWatermarkAdvanced
	_ func(context.Context, types.ConnectionState, string) error = (*NopHooks)(nil).OnConnectionChanged
	_ func(context.Context, bool) error                          = (*NopHooks)(nil).OnDirtyChanged
	_ func(context.Context, string, bool) error                  = (*NopHooks)(nil).OnLeaderChanged
	_ func(context.Context, []types.Task) error                  = (*NopHooks)(nil).OnLocalTasks
	_ func(context.Context, error) error                         = (*NopHooks)(nil).OnError
)

// NewNop creates a new no-op hooks implementation.
//
// Returns:
//   - types.Hooks: Hooks with no-op implementations
func NewNop() types.Hooks {
	h := &NopHooks{}
	return types.Hooks{
		OnOp:                h.OnOp,
		OnWatermarkAdvanced: h.OnWatermarkAdvanced,
		OnConnectionChanged: h.OnConnectionChanged,
		OnDirtyChanged:      h.OnDirtyChanged,
		OnLeaderChanged:     h.OnLeaderChanged,
		OnLocalTasks:        h.OnLocalTasks,
		OnError:             h.OnError,
	}
}

// OnOp is a no-op implementation.
func (h *NopHooks) OnOp(ctx context.Context, msg *types.SequencedMessage) error {
	return nil
}

// OnWatermarkAdvanced is a no-op implementation.
func (h *NopHooks) OnWatermarkAdvanced(ctx context.Context, minimumSequenceNumber int64) error {
	return nil
}

// OnConnectionChanged is a no-op implementation.
func (h *NopHooks) OnConnectionChanged(ctx context.Context, state types.ConnectionState, clientID string) error {
	return nil
}

// OnDirtyChanged is a no-op implementation.
func (h *NopHooks) OnDirtyChanged(ctx context.Context, dirty bool) error {
	return nil
}

// OnLeaderChanged is a no-op implementation.
func (h *NopHooks) OnLeaderChanged(ctx context.Context, leaderID string, isLocal bool) error {
	return nil
}

// OnLocalTasks is a no-op implementation.
func (h *NopHooks) OnLocalTasks(ctx context.Context, tasks []types.Task) error {
	return nil
}

// OnError is a no-op implementation.
func (h *NopHooks) OnError(ctx context.Context, err error) error {
	return nil
}
