package loom

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arloliu/loom/internal/chunking"
	"github.com/arloliu/loom/internal/hooks"
	"github.com/arloliu/loom/internal/leader"
	"github.com/arloliu/loom/internal/logger"
	"github.com/arloliu/loom/internal/metrics"
	"github.com/arloliu/loom/internal/registry"
	"github.com/arloliu/loom/internal/summarizer"
	"github.com/arloliu/loom/source"
	"github.com/arloliu/loom/strategy"
	"github.com/arloliu/loom/types"
)

// Runtime is one replica of a collaborative document.
//
// It consumes the document's totally ordered message stream, hosts the
// components that make up the document, and keeps every replica convergent:
// messages are prepared concurrently where safe but applied in strict
// sequence order. The runtime also tracks connection and dirty state,
// coordinates summaries, and participates in leader election when an
// elector is configured.
//
// A Runtime is created with New, started once with Start, and closed once
// with Close. All exported methods are safe for concurrent use.
type Runtime struct {
	cfg     Config
	stream  DeltaStream
	storage Storage
	factory ComponentFactory

	// Optional dependencies, resolved to safe defaults by New.
	logger     Logger
	metrics    MetricsCollector
	hooks      *Hooks
	elector    LeaderElector
	assigner   TaskAssigner
	taskSource TaskSource

	// Internal machinery.
	codec      *chunking.Codec
	registry   *registry.Registry
	summarizer *summarizer.Coordinator
	leader     *leader.Coordinator

	// applyCh carries prepared messages to the apply loop in stream order.
	applyCh chan *pipelineItem

	// Sequence bookkeeping, written by the apply loop only.
	lastSequenceNumber    atomic.Int64
	minimumSequenceNumber atomic.Int64

	// Connection tracking.
	connState       atomic.Int32
	clientID        atomic.Value // string
	dirty           atomic.Bool
	summaryEligible atomic.Bool

	// Lifecycle management.
	state   atomic.Int32
	closing atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.RWMutex
}

// New creates a runtime for one document replica.
//
// Parameters:
//   - cfg: Runtime configuration (required)
//   - stream: Ordered message transport (required)
//   - storage: Versioned snapshot store (required)
//   - factory: Component factory (required)
//   - opts: Optional dependencies (logger, metrics, hooks, elector, ...)
//
// Returns:
//   - *Runtime: Initialized runtime in Created state
//   - error: Validation failure for the configuration or a required
//     collaborator
//
// Example:
//
//	cfg := loom.DefaultConfig()
//	cfg.DocumentID = "design-doc-42"
//
//	rt, err := loom.New(&cfg, stream, store, factory,
//	    loom.WithLogger(logging.NewSlogDefault()),
//	    loom.WithElector(elector),
//	)
//	if err != nil {
//	    return err
//	}
//	if err := rt.Start(ctx); err != nil {
//	    return err
//	}
//	defer rt.Close(context.Background())
func New(cfg *Config, stream DeltaStream, storage Storage, factory ComponentFactory, opts ...Option) (*Runtime, error) {
	if cfg == nil {
		return nil, ErrInvalidConfig
	}
	if stream == nil {
		return nil, ErrStreamRequired
	}
	if storage == nil {
		return nil, ErrStorageRequired
	}
	if factory == nil {
		return nil, ErrFactoryRequired
	}

	ApplyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	options := &runtimeOptions{}
	for _, opt := range opts {
		opt(options)
	}

	// Resolve optional dependencies to safe defaults so no call site needs
	// nil checks.
	if options.logger == nil {
		options.logger = logger.NewNop()
	}
	if options.metrics == nil {
		options.metrics = metrics.NewNop()
	}
	if options.hooks == nil {
		nop := hooks.NewNop()
		options.hooks = &nop
	}
	if options.assigner == nil {
		options.assigner = strategy.NewConsistentHash()
	}
	if options.taskSource == nil {
		options.taskSource = source.NewStatic(nil)
	}

	cfg.ValidateWithWarnings(options.logger)

	rt := &Runtime{
		cfg:        *cfg,
		stream:     stream,
		storage:    storage,
		factory:    factory,
		logger:     options.logger,
		metrics:    options.metrics,
		hooks:      options.hooks,
		elector:    options.elector,
		assigner:   options.assigner,
		taskSource: options.taskSource,
		codec:      chunking.NewCodec(),
		registry:   registry.New(),
	}
	rt.state.Store(int32(StateCreated))
	rt.clientID.Store("")

	return rt, nil
}

// Start loads the document from its latest stored snapshot and brings the
// runtime into normal operation.
//
// The lifecycle moves Created → Loading → Started. Components found in the
// snapshot are instantiated through the factory and started before any
// message flows; partial chunk state is restored into the codec.
//
// Parameters:
//   - ctx: Context bounding the startup work
//
// Returns:
//   - error: Startup failure, or ErrAlreadyStarted on a second call
func (rt *Runtime) Start(ctx context.Context) error {
	rt.mu.Lock()
	if rt.ctx != nil {
		rt.mu.Unlock()
		return ErrAlreadyStarted
	}

	// Lifecycle context for the pipeline goroutines. Independent of the
	// caller's ctx, which only bounds startup.
	rt.ctx, rt.cancel = context.WithCancel(context.Background())
	rt.applyCh = make(chan *pipelineItem, rt.cfg.PipelineDepth)
	rt.mu.Unlock()

	rt.transitionState(StateCreated, StateLoading)

	rt.logger.Info("runtime starting",
		"document_id", rt.cfg.DocumentID,
		"parent_branch", rt.cfg.ParentBranch,
	)

	// 1. Restore components and chunk state from the latest snapshot.
	loadCtx := ctx
	if rt.cfg.OperationTimeout > 0 {
		var cancelLoad context.CancelFunc
		loadCtx, cancelLoad = context.WithTimeout(ctx, rt.cfg.OperationTimeout)
		defer cancelLoad()
	}

	baseVersions, err := rt.loadSnapshot(loadCtx)
	if err != nil {
		return fmt.Errorf("failed to load document: %w", err)
	}

	// 2. Wire the summary coordinator with the loaded version bookkeeping.
	summaryCoord := summarizer.New(summarizer.Config{
		DocumentID:   rt.cfg.DocumentID,
		ParentBranch: rt.cfg.ParentBranch,
		Stream:       rt.stream,
		Storage:      rt.storage,
		Registry:     rt.registry,
		Codec:        rt.codec,
		Submit:       rt.Submit,
		Flush:        rt.flushPipeline,
		Sequence:     rt.LastSequenceNumber,
		Logger:       rt.logger,
		Metrics:      rt.metrics,
	})
	summaryCoord.SetBaseVersions(baseVersions)

	// 3. Build the leader coordinator when an elector is configured.
	var leaderCoord *leader.Coordinator
	if rt.elector != nil {
		leaderCoord = leader.New(leader.Config{
			ClientID:      rt.ClientID,
			Elector:       rt.elector,
			Source:        rt.taskSource,
			Assigner:      rt.assigner,
			Submit:        rt.Submit,
			NotifyLeader:  rt.notifyLeader,
			AnnounceTasks: rt.announceTasks,
			MemberLeft:    rt.codec.ClearPartial,
			Logger:        rt.logger,
			Metrics:       rt.metrics,
		})
	}

	rt.mu.Lock()
	rt.summarizer = summaryCoord
	rt.leader = leaderCoord
	rt.mu.Unlock()

	// 4. Start the apply loop that processes prepared messages in order.
	rt.wg.Add(1)
	go rt.applyLoop()

	// 5. Start consuming elector events.
	if leaderCoord != nil {
		if err := leaderCoord.Start(rt.ctx); err != nil {
			return fmt.Errorf("failed to start leader coordinator: %w", err)
		}
	}

	rt.transitionState(StateLoading, StateStarted)

	rt.logger.Info("runtime started",
		"document_id", rt.cfg.DocumentID,
		"components", rt.registry.Len(),
	)

	return nil
}

// Close shuts the runtime down: the pipeline drains, components close, and
// every further public call fails with ErrRuntimeClosed.
//
// Parameters:
//   - ctx: Context bounding the shutdown. ShutdownTimeout is applied when
//     it carries no deadline.
//
// Returns:
//   - error: Accumulated shutdown errors; the runtime ends up closed
//     regardless
func (rt *Runtime) Close(ctx context.Context) error {
	rt.mu.RLock()
	started := rt.ctx != nil
	rt.mu.RUnlock()
	if !started {
		return ErrNotStarted
	}

	if !rt.closing.CompareAndSwap(false, true) {
		return ErrRuntimeClosed
	}

	if _, ok := ctx.Deadline(); !ok && rt.cfg.ShutdownTimeout > 0 {
		var cancelWait context.CancelFunc
		ctx, cancelWait = context.WithTimeout(ctx, rt.cfg.ShutdownTimeout)
		defer cancelWait()
	}

	rt.logger.Info("runtime closing", "document_id", rt.cfg.DocumentID)
	rt.transitionState(rt.State(), StateClosing)

	var errs []error

	// 1. Stop the leader coordinator; nothing new gets assigned.
	if lc := rt.leaderCoordinator(); lc != nil {
		lc.Stop()
	}

	// 2. Cancel in-flight work, stop accepting messages, and let the apply
	// loop drain what it already holds. The lock barrier waits out any
	// enqueue still in progress.
	rt.cancel()
	rt.mu.Lock()
	applyCh := rt.applyCh
	rt.mu.Unlock()
	close(applyCh)

	done := make(chan struct{})
	go func() {
		rt.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("pipeline drain timed out: %w", ctx.Err()))
	}

	// 3. Close every component.
	if err := rt.registry.CloseAll(); err != nil {
		errs = append(errs, err)
	}

	rt.transitionState(StateClosing, StateClosed)
	rt.logger.Info("runtime closed", "document_id", rt.cfg.DocumentID)

	return errors.Join(errs...)
}

// loadSnapshot restores the document from the latest stored version. It
// returns the per-component version map recorded in the snapshot, which
// seeds the summary coordinator's reuse bookkeeping.
func (rt *Runtime) loadSnapshot(ctx context.Context) (map[string]string, error) {
	versions, err := rt.storage.GetVersions(ctx, rt.cfg.DocumentID, 1)
	if err != nil {
		return nil, fmt.Errorf("failed to list versions: %w", err)
	}
	if len(versions) == 0 {
		rt.logger.Info("no stored versions, starting fresh", "document_id", rt.cfg.DocumentID)
		return nil, nil
	}

	version := versions[0]
	tree, err := rt.storage.GetSnapshotTree(ctx, &version)
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot tree for version %q: %w", version.ID, err)
	}

	baseVersions := make(map[string]string)
	for _, entry := range tree.Entries {
		switch {
		case entry.Type == types.EntryTypeBlob && entry.Path == summarizer.ChunksBlobName:
			if err := rt.codec.RestorePartial([]byte(entry.Blob.Contents)); err != nil {
				return nil, fmt.Errorf("failed to restore chunk state: %w", err)
			}

		case entry.Type == types.EntryTypeBlob && entry.Path == summarizer.SequenceBlobName:
			seq, err := strconv.ParseInt(entry.Blob.Contents, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("corrupt sequence blob in version %q: %w", version.ID, err)
			}
			rt.lastSequenceNumber.Store(seq)

		case entry.Type == types.EntryTypeCommit:
			// Commit entries are the authoritative component list; the
			// .gitmodules manifest mirrors them for git tooling.
			if err := rt.loadComponent(ctx, entry.Path, entry.Commit); err != nil {
				return nil, err
			}
			baseVersions[entry.Path] = entry.Commit
		}
	}

	rt.logger.Info("document loaded",
		"version", version.ID,
		"components", rt.registry.Len(),
	)

	return baseVersions, nil
}

// loadComponent instantiates and starts one component from its stored
// version.
func (rt *Runtime) loadComponent(ctx context.Context, id, versionID string) error {
	tree, err := rt.storage.GetSnapshotTree(ctx, &types.Version{ID: versionID})
	if err != nil {
		return fmt.Errorf("failed to load component %q version %q: %w", id, versionID, err)
	}

	pkg := ""
	for _, entry := range tree.Entries {
		if entry.Type == types.EntryTypeBlob && entry.Path == summarizer.AttributesBlobName {
			pkg, err = summarizer.DecodeAttributes(entry.Blob.Contents)
			if err != nil {
				return fmt.Errorf("component %q: %w", id, err)
			}
			break
		}
	}
	if pkg == "" {
		return types.NewInvariantViolation("component %q snapshot has no package attributes", id)
	}

	comp, err := rt.factory.Instantiate(ctx, id, pkg, tree)
	if err != nil {
		return fmt.Errorf("failed to instantiate component %q (%s): %w", id, pkg, err)
	}
	if err := rt.registry.RegisterRemote(id, pkg, comp); err != nil {
		return err
	}
	if err := comp.Start(ctx); err != nil {
		return fmt.Errorf("failed to start component %q: %w", id, err)
	}

	return rt.registry.MarkStarted(id)
}

// State returns the current lifecycle state.
func (rt *Runtime) State() State {
	return State(rt.state.Load())
}

// ClientID returns the connection identity assigned by the stream service.
// Empty while disconnected.
func (rt *Runtime) ClientID() string {
	id, _ := rt.clientID.Load().(string)

	return id
}

// ConnectionState returns the current transport connectivity.
func (rt *Runtime) ConnectionState() ConnectionState {
	return ConnectionState(rt.connState.Load())
}

// IsDirty reports whether local changes are still awaiting the stream
// service's save acknowledgment.
func (rt *Runtime) IsDirty() bool {
	return rt.dirty.Load()
}

// SummaryEligible reports whether the connected stream service accepts the
// summary protocol. Always false while disconnected.
func (rt *Runtime) SummaryEligible() bool {
	return rt.summaryEligible.Load()
}

// LastSequenceNumber returns the sequence number of the last fully
// processed message.
func (rt *Runtime) LastSequenceNumber() int64 {
	return rt.lastSequenceNumber.Load()
}

// MinimumSequenceNumber returns the collaboration-window floor last
// observed on the stream.
func (rt *Runtime) MinimumSequenceNumber() int64 {
	return rt.minimumSequenceNumber.Load()
}

// Leader returns the current leader's client ID. ok is false while no
// leader is known or no elector is configured.
func (rt *Runtime) Leader() (clientID string, ok bool) {
	lc := rt.leaderCoordinator()
	if lc == nil {
		return "", false
	}

	return lc.CurrentLeader()
}

// IsLeader reports whether this replica currently leads the quorum.
func (rt *Runtime) IsLeader() bool {
	lc := rt.leaderCoordinator()

	return lc != nil && lc.IsLeader()
}

// Summarize captures the document state, uploads it as a summary tree, and
// commits the returned handle to the stream.
//
// The message pipeline is paused for the duration of the capture. Forked
// documents return ErrSummaryOnBranch; storage without upload support
// returns ErrSummariesNotSupported.
//
// Parameters:
//   - ctx: Context for cancellation and timeout
//   - message: Human-readable description recorded with the summary
//
// Returns:
//   - string: Handle of the uploaded summary
//   - error: Summary failure or skip reason
func (rt *Runtime) Summarize(ctx context.Context, message string) (string, error) {
	if err := rt.operational(); err != nil {
		return "", err
	}

	return rt.summaryCoordinator().Summarize(ctx, message)
}

// Snapshot captures the document through the legacy git-style path:
// changed components are written as fresh versions, unchanged ones are
// referenced, and a root tree ties them together.
//
// Parameters:
//   - ctx: Context for cancellation and timeout
//   - tagMessage: Commit message, also used as the version tag
//
// Returns:
//   - error: Snapshot failure
func (rt *Runtime) Snapshot(ctx context.Context, tagMessage string) error {
	if err := rt.operational(); err != nil {
		return err
	}

	return rt.summaryCoordinator().Snapshot(ctx, tagMessage)
}

// WaitState waits for the runtime to reach the expected state within the
// timeout. The returned channel receives exactly one value: nil when the
// state is reached, context.DeadlineExceeded otherwise.
//
// Parameters:
//   - expectedState: The lifecycle state to wait for
//   - timeout: Maximum duration to wait
//
// Returns:
//   - <-chan error: Receives the result and is then closed
//
// Example:
//
//	if err := <-rt.WaitState(loom.StateStarted, 5*time.Second); err != nil {
//	    return fmt.Errorf("runtime never started: %w", err)
//	}
func (rt *Runtime) WaitState(expectedState State, timeout time.Duration) <-chan error {
	ch := make(chan error, 1)

	go func() {
		defer close(ch)

		if rt.State() == expectedState {
			ch <- nil
			return
		}

		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()

		deadline := time.NewTimer(timeout)
		defer deadline.Stop()

		for {
			select {
			case <-ticker.C:
				if rt.State() == expectedState {
					ch <- nil
					return
				}
			case <-deadline.C:
				ch <- context.DeadlineExceeded
				return
			}
		}
	}()

	return ch
}

// operational reports whether public operations may proceed in the current
// lifecycle state.
func (rt *Runtime) operational() error {
	switch rt.State() {
	case StateClosing, StateClosed:
		return ErrRuntimeClosed
	case StateStarted:
		return nil
	default:
		return ErrNotStarted
	}
}

// leaderCoordinator returns the leader coordinator built during Start, or
// nil when no elector is configured.
func (rt *Runtime) leaderCoordinator() *leader.Coordinator {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	return rt.leader
}

// summaryCoordinator returns the summary coordinator built during Start.
func (rt *Runtime) summaryCoordinator() *summarizer.Coordinator {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	return rt.summarizer
}

// notifyLeader fans a leadership change out to components and the leader
// hook.
func (rt *Runtime) notifyLeader(leaderID string, isLocal bool) {
	for _, comp := range rt.registry.List() {
		comp.SetLeader(leaderID)
	}

	if rt.hooks.OnLeaderChanged != nil {
		rt.runHook("leader changed", func(ctx context.Context) error {
			return rt.hooks.OnLeaderChanged(ctx, leaderID, isLocal)
		})
	}
}

// announceTasks delivers the local background task set to the tasks hook.
func (rt *Runtime) announceTasks(tasks []types.Task) {
	if rt.hooks.OnLocalTasks == nil {
		return
	}

	rt.runHook("local tasks", func(ctx context.Context) error {
		return rt.hooks.OnLocalTasks(ctx, tasks)
	})
}

// runHook runs one hook callback in the background and logs its error.
// State-change hooks must never block the machinery that fires them.
func (rt *Runtime) runHook(name string, fn func(ctx context.Context) error) {
	go func() {
		if err := fn(rt.ctx); err != nil {
			rt.logError("hook error", "hook", name, "error", err)
		}
	}()
}

// fireError hands a pipeline error to the error hook.
func (rt *Runtime) fireError(err error) {
	if rt.hooks.OnError == nil {
		return
	}

	rt.runHook("error", func(ctx context.Context) error {
		return rt.hooks.OnError(ctx, err)
	})
}

// transitionState moves the lifecycle forward and logs the change. Invalid
// transitions are logged and ignored.
func (rt *Runtime) transitionState(from, to State) {
	if !isValidTransition(from, to) {
		rt.logError("invalid state transition attempted",
			"from", from.String(),
			"to", to.String(),
		)

		return
	}

	rt.state.Store(int32(to))

	rt.logger.Info("state transition",
		"from", from.String(),
		"to", to.String(),
		"document_id", rt.cfg.DocumentID,
	)
}

// isValidTransition validates that a lifecycle transition is allowed.
func isValidTransition(from, to State) bool {
	validTransitions := map[State][]State{
		StateCreated: {StateLoading},
		StateLoading: {StateStarted, StateClosing},
		StateStarted: {StateClosing},
		StateClosing: {StateClosed},
		StateClosed:  {}, // Terminal state
	}

	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}

	return false
}

// logError logs an error message.
func (rt *Runtime) logError(msg string, keysAndValues ...any) {
	rt.logger.Error(msg, keysAndValues...)
}
