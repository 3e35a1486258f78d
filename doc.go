// Package loom is the runtime that turns one totally ordered message stream
// into consistent state across the embedded components of a collaborative
// document.
//
// Every replica of a document runs one Runtime. The stream service stamps
// and broadcasts every submitted message; the runtime dispatches them in
// strict sequence order into the components they address, splits and
// reassembles messages that exceed the transport's size limit, replays
// unacknowledged work after reconnects, produces consistent persisted
// summaries of the whole document, and participates in electing the single
// replica that owns background work.
//
// # Quick Start
//
// Basic usage with default settings:
//
//	import "github.com/arloliu/loom"
//
//	cfg := loom.DefaultConfig()
//	cfg.DocumentID = "design-doc-42"
//
//	rt, err := loom.New(&cfg, stream, storage, factory)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := rt.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer rt.Close(context.Background())
//
//	comp, err := rt.CreateComponent(ctx, "", "rich-text")
//
// # Key Features
//
//   - Ordered Dispatch: process applies in strict sequence order even when
//     prepare phases overlap and finish out of order
//   - Transparent Chunking: oversized messages split into fragments on the
//     way out and reassemble per sender on the way in
//   - Reconnect Replay: pending attaches and unacknowledged chunked
//     messages resend automatically on every reconnect
//   - Consistent Summaries: the pipeline quiesces briefly while component
//     state is captured; unchanged components are referenced, not re-uploaded
//   - Leader Election: at most one replica owns singleton background tasks,
//     distributed through a pluggable assignment strategy
//
// # Architecture
//
// The runtime progresses through a lifecycle state machine:
//
//	Created → Loading → Started → Closing → Closed
//
// Inbound messages flow through a two-stage pipeline: a concurrent prepare
// stage resolves components and decodes payloads, and a single apply loop
// runs process and the shared observation bookkeeping in stream order.
// Outbound submissions flow
// through the chunk codec and out to the DeltaStream transport.
//
// # Collaborators
//
// The runtime consumes its environment through narrow interfaces: a
// DeltaStream carries ordered messages (drivers: natsstream, wsstream), a
// Storage persists versioned trees (drivers: natsstream, boltstore), a
// ComponentFactory instantiates components by package type, and an optional
// LeaderElector emits leadership and membership events.
//
//	elector, _ := natsstream.NewElection(ctx, js, electionCfg)
//
//	rt, err := loom.New(&cfg, stream, storage, factory,
//	    loom.WithLogger(logging.NewSlogDefault()),
//	    loom.WithElector(elector),
//	    loom.WithTaskSource(source.NewStatic(tasks)),
//	)
//
// See the examples/ directory for complete working examples.
package loom
