package loom

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/oklog/ulid/v2"

	"github.com/arloliu/loom/types"
)

// CreateComponent instantiates a new component locally and announces it to
// every replica through an attach message.
//
// The component is live on this replica immediately; remote replicas
// instantiate it when the attach message reaches them. Until the stream
// echoes the attach back, it stays tracked as pending and is resent on
// every reconnect.
//
// Parameters:
//   - ctx: Context for cancellation and timeout
//   - id: Component ID, unique within the document; "" generates one
//   - pkg: Component package type the factory instantiates
//
// Returns:
//   - Component: The started component
//   - error: Instantiation, registration, or submission failure
func (rt *Runtime) CreateComponent(ctx context.Context, id, pkg string) (Component, error) {
	if err := rt.operational(); err != nil {
		return nil, err
	}

	if id == "" {
		id = ulid.Make().String()
	}

	comp, err := rt.factory.Instantiate(ctx, id, pkg, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to instantiate component %q (%s): %w", id, pkg, err)
	}

	// The attach carries the component's initial state so remote replicas
	// can instantiate it without a storage round trip.
	snapshot, err := comp.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot component %q for attach: %w", id, err)
	}

	attach := &types.AttachMessage{ID: id, Type: pkg, Snapshot: snapshot}
	if err := rt.registry.RegisterLocal(id, pkg, comp, attach); err != nil {
		return nil, err
	}

	if err := comp.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to start component %q: %w", id, err)
	}
	if err := rt.registry.MarkStarted(id); err != nil {
		return nil, err
	}

	comp.SetConnectionState(rt.ConnectionState(), rt.ClientID())

	payload, err := json.Marshal(attach)
	if err != nil {
		return nil, fmt.Errorf("failed to encode attach message for %q: %w", id, err)
	}
	if _, err := rt.Submit(ctx, types.MessageTypeAttach, payload); err != nil {
		return nil, fmt.Errorf("failed to submit attach for %q: %w", id, err)
	}

	rt.logger.Info("component created", "component_id", id, "package", pkg)

	return comp, nil
}

// GetComponent returns the component registered under id, waiting for its
// attach to arrive when it does not exist yet.
//
// Parameters:
//   - ctx: Context bounding the wait
//   - id: Component ID
//
// Returns:
//   - Component: The started component
//   - error: Context expiry before the component arrived
func (rt *Runtime) GetComponent(ctx context.Context, id string) (Component, error) {
	if err := rt.operational(); err != nil {
		return nil, err
	}

	return rt.registry.Wait(ctx, id)
}

// ProcessSignal routes a transient, non-sequenced message to the component
// it addresses. Signals are best effort: one addressed to an unknown
// component is dropped with a debug log, never treated as an error, since
// signals may race ahead of the attach that creates their target.
//
// Parameters:
//   - msg: The signal to route
func (rt *Runtime) ProcessSignal(msg *SignalMessage) {
	if rt.operational() != nil {
		return
	}

	var envelope types.Envelope
	if err := json.Unmarshal(msg.Content, &envelope); err != nil || envelope.Address == "" {
		rt.logger.Debug("unaddressed signal dropped", "client_id", msg.ClientID)
		return
	}

	comp, ok := rt.registry.Get(envelope.Address)
	if !ok {
		rt.logger.Debug("signal for unknown component dropped",
			"component_id", envelope.Address,
			"client_id", msg.ClientID,
		)

		return
	}

	inner, err := json.Marshal(envelope.Contents)
	if err != nil {
		rt.logger.Debug("undecodable signal dropped",
			"component_id", envelope.Address,
			"client_id", msg.ClientID,
			"error", err,
		)

		return
	}
	comp.ProcessSignal(&types.SignalMessage{ClientID: msg.ClientID, Content: inner})
}
