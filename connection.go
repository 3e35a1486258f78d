package loom

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/arloliu/loom/types"
)

// SetConnectionState applies a transport connectivity transition.
//
// The stream driver calls it whenever the connection moves between
// Disconnected, Connecting, and Connected. On the transition to Connected
// the runtime replays, in this order: every pending attach message, then
// every unacknowledged chunked message (re-chunked from scratch, since a
// disconnect invalidates a partially sent fragment sequence). Components
// are notified after the replay, and summary eligibility follows the
// connected service's capability.
//
// Parameters:
//   - state: The new connection state
//   - clientID: The identity assigned by the stream service; empty unless
//     connected
//
// Returns:
//   - error: Resubmission failure, or ErrRuntimeClosed / ErrNotStarted
func (rt *Runtime) SetConnectionState(state ConnectionState, clientID string) error {
	if err := rt.operational(); err != nil {
		return err
	}

	prev := rt.ConnectionState()
	rt.connState.Store(int32(state))
	rt.clientID.Store(clientID)
	rt.metrics.RecordConnectionState(state)

	rt.logger.Info("connection state changed",
		"from", prev.String(),
		"to", state.String(),
		"client_id", clientID,
	)

	var err error
	switch state {
	case types.ConnStateConnected:
		err = rt.onConnected()
	case types.ConnStateDisconnected, types.ConnStateConnecting:
		rt.onDisconnected(state, clientID)
	}

	if rt.hooks.OnConnectionChanged != nil {
		rt.runHook("connection changed", func(ctx context.Context) error {
			return rt.hooks.OnConnectionChanged(ctx, state, clientID)
		})
	}

	return err
}

// onConnected replays unacknowledged work and propagates the new
// connection to components. The replay order is fixed: attaches first, so
// resent ops never reference a component the service has not seen.
func (rt *Runtime) onConnected() error {
	ctx := rt.ctx
	if rt.cfg.OperationTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, rt.cfg.OperationTimeout)
		defer cancel()
	}

	// (a) Resubmit pending attaches in their original submission order.
	attaches := rt.registry.PendingAttaches()
	for _, attach := range attaches {
		payload, err := json.Marshal(attach)
		if err != nil {
			return fmt.Errorf("failed to encode pending attach %q: %w", attach.ID, err)
		}
		if _, err := rt.Submit(ctx, types.MessageTypeAttach, payload); err != nil {
			return fmt.Errorf("failed to resubmit attach %q: %w", attach.ID, err)
		}
	}
	if len(attaches) > 0 {
		rt.metrics.RecordResubmission("attach", len(attaches))
		rt.logger.Info("pending attaches resubmitted", "count", len(attaches))
	}

	// (b) Re-chunk and resubmit every unacknowledged chunked message. An
	// entry leaves the unacked map only once its own resend lands, so a
	// connection lost mid-replay leaves the rest for the next reconnect.
	resent, err := rt.codec.Resubmit(ctx, rt.stream.Submit, rt.stream.MaxMessageSize())
	if err != nil {
		return fmt.Errorf("failed to resubmit chunked messages: %w", err)
	}
	if resent > 0 {
		rt.metrics.RecordResubmission("chunk", resent)
		rt.logger.Info("unacked chunked messages resubmitted", "count", resent)
	}

	// (c) Components learn about the connection after the replay, so their
	// own resubmissions land behind the runtime's.
	clientID := rt.ClientID()
	for _, comp := range rt.registry.List() {
		comp.SetConnectionState(types.ConnStateConnected, clientID)
	}

	// (d) Summary eligibility follows the connected service's capability.
	rt.summaryEligible.Store(rt.stream.SupportsSummaries())

	// A fresh identity is a fresh chance at the leader seat.
	if lc := rt.leaderCoordinator(); lc != nil {
		lc.OnConnected(ctx)
	}

	return nil
}

// onDisconnected propagates the loss of the connection to components and
// clears summary eligibility.
func (rt *Runtime) onDisconnected(state ConnectionState, clientID string) {
	for _, comp := range rt.registry.List() {
		comp.SetConnectionState(state, clientID)
	}

	rt.summaryEligible.Store(false)
}
