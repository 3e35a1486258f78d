package loom

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/arloliu/loom/types"
)

// pipelineItem is one message travelling through the two-stage pipeline.
//
// The prepare stage runs in its own goroutine and closes prepared when it
// finishes; the apply loop receives items in stream order, waits for each
// item's prepare result, and applies process and postProcess strictly in
// that order. A barrier item carries no message: the apply loop closes its
// channel when everything enqueued before it has been applied.
type pipelineItem struct {
	msg   *types.SequencedMessage
	local bool

	// prepared is closed when the prepare stage has finished for this
	// message.
	prepared chan struct{}

	// result and prepareErr are written by the prepare goroutine before it
	// closes prepared, and read only after prepared is closed.
	result     preparedMessage
	prepareErr error

	// barrier, when non-nil, marks a flush barrier instead of a message.
	barrier chan struct{}

	// enqueued is when the item entered the pipeline, for latency metrics.
	enqueued time.Time
}

// preparedMessage is the output of the prepare stage, consumed by process
// and postProcess.
type preparedMessage struct {
	// component and envelope are set for operation messages.
	component types.Component
	envelope  *types.Envelope

	// compPrepared is the component's own prepare result for operations.
	compPrepared any

	// attach and newComponent are set for attach messages; newComponent is
	// non-nil only for remote attaches, instantiated but not yet started.
	attach       *types.AttachMessage
	newComponent types.Component

	// help is set for remote-help messages.
	help *types.HelpMessage
}

// ProcessMessage dispatches one sequenced message from the stream.
//
// The stream driver must call it in SequenceNumber order; the runtime
// preserves that order for the process phase even when prepare phases
// finish out of order. ProcessMessage itself returns as soon as the message
// has entered the pipeline. Processing failures are reported through the
// logger and the OnError hook, since they surface after this call returns.
//
// Parameters:
//   - msg: The sequenced message to dispatch
//
// Returns:
//   - error: ErrRuntimeClosed or ErrNotStarted when the runtime cannot
//     accept messages, or a chunk reassembly failure
func (rt *Runtime) ProcessMessage(msg *SequencedMessage) error {
	if err := rt.operational(); err != nil {
		return err
	}

	return rt.dispatch(msg)
}

// dispatch absorbs chunked fragments and enqueues everything else into the
// pipeline. A completed chunked message re-enters dispatch as its original
// type, keeping the ordering slot of its final fragment.
func (rt *Runtime) dispatch(msg *types.SequencedMessage) error {
	local := rt.isLocal(msg)

	if msg.Type == types.MessageTypeChunkedOp {
		complete, fragments, err := rt.codec.Absorb(msg)
		if err != nil {
			rt.logError("failed to absorb chunk fragment",
				"client_id", msg.ClientID,
				"sequence_number", msg.SequenceNumber,
				"error", err,
			)
			rt.fireError(err)

			return err
		}

		rt.metrics.RecordChunkBufferSize(rt.codec.Stats())

		if complete == nil {
			// The fragment only advances bookkeeping; no phases run for it.
			return rt.enqueue(&pipelineItem{msg: msg, local: local, enqueued: time.Now()})
		}

		if local {
			// The final fragment of our own chunked message has been
			// sequenced; the logical message no longer needs resending.
			rt.codec.Ack(msg.ClientSequenceNumber)
		}

		rt.metrics.RecordChunkAssembled(fragments)

		// Re-enter with the reconstructed message in the same ordering slot.
		msg = complete
	}

	item := &pipelineItem{
		msg:      msg,
		local:    local,
		prepared: make(chan struct{}),
		enqueued: time.Now(),
	}

	go func() {
		item.result, item.prepareErr = rt.prepare(rt.ctx, msg, local)
		close(item.prepared)
	}()

	return rt.enqueue(item)
}

// enqueue hands an item to the apply loop. The read lock pairs with the
// write-lock barrier in Close, so the channel is never closed mid-send.
func (rt *Runtime) enqueue(item *pipelineItem) error {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	if rt.closing.Load() {
		return ErrRuntimeClosed
	}

	rt.applyCh <- item

	return nil
}

// flushPipeline blocks until every message accepted before the call has
// been fully processed. The summarizer calls it with the stream paused to
// reach a quiescent point.
func (rt *Runtime) flushPipeline(ctx context.Context) error {
	barrier := make(chan struct{})
	if err := rt.enqueue(&pipelineItem{barrier: barrier}); err != nil {
		return err
	}

	select {
	case <-barrier:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("pipeline flush interrupted: %w", ctx.Err())
	case <-rt.ctx.Done():
		return ErrRuntimeClosed
	}
}

// applyLoop is the single goroutine that owns the process and postProcess
// phases. Items arrive in stream order; each one's prepare result is
// awaited before anything later is touched, so process calls apply in
// strictly increasing sequence-number order no matter how the prepares
// interleaved.
func (rt *Runtime) applyLoop() {
	defer rt.wg.Done()

	for item := range rt.applyCh {
		if item.barrier != nil {
			close(item.barrier)
			continue
		}

		if item.prepared != nil {
			<-item.prepared
		}

		switch {
		case item.prepareErr != nil:
			rt.logError("failed to prepare message",
				"type", item.msg.Type,
				"sequence_number", item.msg.SequenceNumber,
				"client_id", item.msg.ClientID,
				"error", item.prepareErr,
			)
			rt.fireError(item.prepareErr)

		case item.prepared != nil:
			if err := rt.process(item); err != nil {
				rt.logError("failed to process message",
					"type", item.msg.Type,
					"sequence_number", item.msg.SequenceNumber,
					"client_id", item.msg.ClientID,
					"error", err,
				)
				rt.fireError(err)
			}
		}

		rt.observe(item)
	}
}

// prepare is the asynchronous first phase of message dispatch. It resolves
// everything process needs so the apply loop never blocks on lookups or
// instantiation.
func (rt *Runtime) prepare(ctx context.Context, msg *types.SequencedMessage, local bool) (preparedMessage, error) {
	switch msg.Type {
	case types.MessageTypeOperation:
		return rt.prepareOperation(ctx, msg, local)

	case types.MessageTypeAttach:
		return rt.prepareAttach(ctx, msg)

	case types.MessageTypeRemoteHelp:
		var help types.HelpMessage
		if err := json.Unmarshal(msg.Contents, &help); err != nil {
			return preparedMessage{}, fmt.Errorf("failed to decode help message: %w", err)
		}

		return preparedMessage{help: &help}, nil

	default:
		// Summarize, no-op, join, leave, and unknown types carry no prepare
		// work; they only advance bookkeeping.
		return preparedMessage{}, nil
	}
}

// prepareOperation unwraps the envelope, resolves the addressed component,
// and runs the component's own prepare. A component missing from the
// registry may still be riding an attach ahead of this op in the process
// stage, so prepare parks on the registry waiter instead of racing the
// apply loop. Only a component that never arrives is an invariant
// violation: the sender held the component when it issued the op, so its
// absence means the stream or the registry is corrupted.
func (rt *Runtime) prepareOperation(ctx context.Context, msg *types.SequencedMessage, local bool) (preparedMessage, error) {
	var envelope types.Envelope
	if err := json.Unmarshal(msg.Contents, &envelope); err != nil {
		return preparedMessage{}, fmt.Errorf("failed to decode operation envelope: %w", err)
	}

	comp, ok := rt.registry.Get(envelope.Address)
	if !ok {
		waitCtx := ctx
		if rt.cfg.OperationTimeout > 0 {
			var cancel context.CancelFunc
			waitCtx, cancel = context.WithTimeout(ctx, rt.cfg.OperationTimeout)
			defer cancel()
		}

		var err error
		comp, err = rt.registry.Wait(waitCtx, envelope.Address)
		if err != nil {
			return preparedMessage{}, types.NewInvariantViolation(
				"operation addressed to unknown component %q (sequence %d from %q)",
				envelope.Address, msg.SequenceNumber, msg.ClientID,
			)
		}
	}

	inner, err := innerMessage(msg, &envelope)
	if err != nil {
		return preparedMessage{}, fmt.Errorf("failed to encode operation contents: %w", err)
	}
	compPrepared, err := comp.Prepare(ctx, inner, local)
	if err != nil {
		return preparedMessage{}, fmt.Errorf("component %q failed to prepare: %w", envelope.Address, err)
	}

	return preparedMessage{component: comp, envelope: &envelope, compPrepared: compPrepared}, nil
}

// prepareAttach decodes the attach payload and, for remote attaches,
// instantiates (but does not start) the new component from its attach-time
// snapshot. Locally originated attaches need no work here; the component
// already runs.
func (rt *Runtime) prepareAttach(ctx context.Context, msg *types.SequencedMessage) (preparedMessage, error) {
	var attach types.AttachMessage
	if err := json.Unmarshal(msg.Contents, &attach); err != nil {
		return preparedMessage{}, fmt.Errorf("failed to decode attach message: %w", err)
	}

	if _, exists := rt.registry.Get(attach.ID); exists {
		// Locally originated: the component was registered when
		// CreateComponent submitted this attach.
		return preparedMessage{attach: &attach}, nil
	}

	comp, err := rt.factory.Instantiate(ctx, attach.ID, attach.Type, attach.Snapshot)
	if err != nil {
		return preparedMessage{}, fmt.Errorf("failed to instantiate attached component %q (%s): %w", attach.ID, attach.Type, err)
	}

	return preparedMessage{attach: &attach, newComponent: comp}, nil
}

// process applies one prepared message and completes its protocol.
func (rt *Runtime) process(item *pipelineItem) error {
	msg := item.msg

	switch msg.Type {
	case types.MessageTypeOperation:
		inner, err := innerMessage(msg, item.result.envelope)
		if err != nil {
			return fmt.Errorf("failed to encode operation contents: %w", err)
		}
		if err := item.result.component.Process(inner, item.local, item.result.compPrepared); err != nil {
			return fmt.Errorf("component %q failed to process: %w", item.result.envelope.Address, err)
		}

	case types.MessageTypeAttach:
		return rt.completeAttach(item)

	case types.MessageTypeRemoteHelp:
		if !item.local {
			if lc := rt.leaderCoordinator(); lc != nil {
				lc.HandleRemoteHelp(rt.ctx, item.result.help)
			}
		}

	case types.MessageTypeClientLeave:
		rt.processClientLeave(msg)
	}

	return nil
}

// completeAttach is the postProcess of the attach protocol. Local attaches
// clear their pending entry; remote attaches register, start, and release
// anyone waiting for the component.
func (rt *Runtime) completeAttach(item *pipelineItem) error {
	attach := item.result.attach

	if item.result.newComponent == nil {
		// Locally originated: the component has been live since
		// CreateComponent, the sequenced attach only confirms it.
		if !rt.registry.ConfirmAttach(attach.ID) {
			return types.NewInvariantViolation(
				"attach for %q returned locally with no pending entry", attach.ID,
			)
		}

		rt.logger.Debug("local attach confirmed", "component_id", attach.ID)

		return nil
	}

	comp := item.result.newComponent
	if err := rt.registry.RegisterRemote(attach.ID, attach.Type, comp); err != nil {
		return fmt.Errorf("failed to register attached component %q: %w", attach.ID, err)
	}
	if err := comp.Start(rt.ctx); err != nil {
		return fmt.Errorf("failed to start attached component %q: %w", attach.ID, err)
	}
	if err := rt.registry.MarkStarted(attach.ID); err != nil {
		return err
	}

	comp.SetConnectionState(rt.ConnectionState(), rt.ClientID())

	rt.logger.Info("remote component attached",
		"component_id", attach.ID,
		"package", attach.Type,
	)

	return nil
}

// processClientLeave discards the departed client's partial chunk buffer; a
// message from a gone client can never complete.
func (rt *Runtime) processClientLeave(msg *types.SequencedMessage) {
	var departed string
	if err := json.Unmarshal(msg.Contents, &departed); err != nil || departed == "" {
		rt.logger.Debug("leave message without client id", "sequence_number", msg.SequenceNumber)
		return
	}

	rt.codec.ClearPartial(departed)
	rt.metrics.RecordChunkBufferSize(rt.codec.Stats())
}

// observe runs the shared per-message bookkeeping after process: sequence
// tracking, watermark advancement, metrics, and the observation hooks.
func (rt *Runtime) observe(item *pipelineItem) {
	msg := item.msg

	rt.lastSequenceNumber.Store(msg.SequenceNumber)

	if prev := rt.minimumSequenceNumber.Load(); msg.MinimumSequenceNumber != prev {
		rt.minimumSequenceNumber.Store(msg.MinimumSequenceNumber)
		rt.metrics.RecordWatermark(msg.MinimumSequenceNumber)

		if rt.hooks.OnWatermarkAdvanced != nil {
			minSeq := msg.MinimumSequenceNumber
			rt.runHook("watermark advanced", func(ctx context.Context) error {
				return rt.hooks.OnWatermarkAdvanced(ctx, minSeq)
			})
		}
	}

	rt.metrics.RecordOpProcessed(msg.Type, time.Since(item.enqueued).Seconds())

	if rt.hooks.OnOp != nil {
		rt.runHook("op observed", func(ctx context.Context) error {
			return rt.hooks.OnOp(ctx, msg)
		})
	}
}

// isLocal reports whether this replica submitted the message.
func (rt *Runtime) isLocal(msg *types.SequencedMessage) bool {
	id := rt.ClientID()

	return id != "" && msg.ClientID == id
}

// innerMessage returns a copy of msg carrying the envelope's inner payload,
// which is what the addressed component sees.
func innerMessage(msg *types.SequencedMessage, envelope *types.Envelope) (*types.SequencedMessage, error) {
	contents, err := json.Marshal(envelope.Contents)
	if err != nil {
		return nil, fmt.Errorf("failed to encode envelope contents: %w", err)
	}

	inner := *msg
	inner.Type = types.MessageType(envelope.Contents.Type)
	inner.Contents = contents

	return &inner, nil
}
