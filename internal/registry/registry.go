// Package registry tracks the components hosted by a runtime, their attach
// status, and waiters blocked on components that have not arrived yet.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/arloliu/loom/types"
)

// recordState tracks a component's lifecycle inside the registry.
//
// Transitions are monotonic: Loading → Started. There is no way back.
type recordState int

const (
	stateLoading recordState = iota
	stateStarted
)

type record struct {
	component types.Component
	pkg       string
	state     recordState

	// attached is false for locally created components until their attach
	// message has been sequenced and processed.
	attached bool
}

// waiter is the one-shot primitive behind Wait. The channel is closed
// exactly once, when the component becomes available.
type waiter struct {
	ch chan struct{}
}

// Registry is the component table of a runtime.
//
// It records every hosted component with its package type and lifecycle
// state, tracks attach messages that have been submitted but not yet
// sequenced, and parks waiters until their component arrives.
//
// All methods are safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	components map[string]*record

	// pending holds attach messages awaiting acknowledgment, with the
	// submission order preserved for deterministic resends.
	pending      map[string]*types.AttachMessage
	pendingOrder []string

	waiters *xsync.Map[string, *waiter]
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		components: make(map[string]*record),
		pending:    make(map[string]*types.AttachMessage),
		waiters:    xsync.NewMap[string, *waiter](),
	}
}

// RegisterLocal records a locally created component in Loading state and
// tracks its attach message as pending acknowledgment.
func (r *Registry) RegisterLocal(id, pkg string, component types.Component, attach *types.AttachMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.components[id]; exists {
		return fmt.Errorf("%w: %q", types.ErrComponentExists, id)
	}

	r.components[id] = &record{component: component, pkg: pkg, state: stateLoading}
	r.pending[id] = attach
	r.pendingOrder = append(r.pendingOrder, id)

	return nil
}

// RegisterRemote records a component instantiated from a remote attach
// message. Remote components are attached by definition; the stream already
// carries their attach.
func (r *Registry) RegisterRemote(id, pkg string, component types.Component) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.components[id]; exists {
		return fmt.Errorf("%w: %q", types.ErrComponentExists, id)
	}

	r.components[id] = &record{component: component, pkg: pkg, state: stateLoading, attached: true}

	return nil
}

// MarkStarted transitions a component to Started and releases every waiter
// parked on it.
func (r *Registry) MarkStarted(id string) error {
	r.mu.Lock()
	rec, ok := r.components[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %q", types.ErrComponentNotFound, id)
	}
	rec.state = stateStarted
	r.mu.Unlock()

	if w, ok := r.waiters.LoadAndDelete(id); ok {
		close(w.ch)
	}

	return nil
}

// ConfirmAttach removes the pending attach entry for a component whose
// attach message has been sequenced, and marks it attached. It reports
// whether a pending entry existed; a missing entry means the runtime's
// bookkeeping is broken and the caller must treat it as an invariant
// violation.
func (r *Registry) ConfirmAttach(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.pending[id]; !ok {
		return false
	}

	delete(r.pending, id)
	for i, pid := range r.pendingOrder {
		if pid == id {
			r.pendingOrder = append(r.pendingOrder[:i], r.pendingOrder[i+1:]...)
			break
		}
	}

	if rec, ok := r.components[id]; ok {
		rec.attached = true
	}

	return true
}

// PendingAttaches returns the attach messages awaiting acknowledgment, in
// submission order. The entries stay tracked; reconnects may resend them
// again.
func (r *Registry) PendingAttaches() []*types.AttachMessage {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*types.AttachMessage, 0, len(r.pendingOrder))
	for _, id := range r.pendingOrder {
		out = append(out, r.pending[id])
	}

	return out
}

// Get returns the component registered under id, whether or not it has
// started.
func (r *Registry) Get(id string) (types.Component, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.components[id]
	if !ok {
		return nil, false
	}

	return rec.component, true
}

// Wait blocks until the component named id is registered and started, or
// until ctx is done. The underlying wait primitive is created on first use
// and resolved exactly once.
func (r *Registry) Wait(ctx context.Context, id string) (types.Component, error) {
	r.mu.RLock()
	rec, ok := r.components[id]
	started := ok && rec.state == stateStarted
	r.mu.RUnlock()

	if started {
		return rec.component, nil
	}

	w, _ := r.waiters.LoadOrStore(id, &waiter{ch: make(chan struct{})})

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for component %q: %w", id, ctx.Err())
	case <-w.ch:
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok = r.components[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", types.ErrComponentNotFound, id)
	}

	return rec.component, nil
}

// List returns all registered components sorted by ID.
func (r *Registry) List() []types.Component {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.components))
	for id := range r.components {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]types.Component, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.components[id].component)
	}

	return out
}

// IDs returns all registered component IDs sorted ascending.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.components))
	for id := range r.components {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	return ids
}

// Package returns the package type a component was instantiated from.
func (r *Registry) Package(id string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.components[id]
	if !ok {
		return "", false
	}

	return rec.pkg, true
}

// Len returns the number of registered components.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.components)
}

// CloseAll closes every registered component and returns the joined
// errors. The registry is left empty.
func (r *Registry) CloseAll() error {
	r.mu.Lock()
	components := make([]types.Component, 0, len(r.components))
	for _, rec := range r.components {
		components = append(components, rec.component)
	}
	r.components = make(map[string]*record)
	r.pending = make(map[string]*types.AttachMessage)
	r.pendingOrder = nil
	r.mu.Unlock()

	var errs []error
	for _, c := range components {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close component %q: %w", c.ID(), err))
		}
	}

	return errors.Join(errs...)
}
