package loom

// Option configures a Runtime with optional dependencies.
type Option func(*runtimeOptions)

// runtimeOptions holds optional Runtime configuration.
type runtimeOptions struct {
	logger     Logger
	metrics    MetricsCollector
	hooks      *Hooks
	elector    LeaderElector
	assigner   TaskAssigner
	taskSource TaskSource
}

// WithLogger sets a logger.
//
// Parameters:
//   - logger: Logger implementation (compatible with zap.SugaredLogger)
//
// Returns:
//   - Option: Functional option for New
//
// Example:
//
//	logger := zap.NewExample().Sugar()
//	rt, err := loom.New(&cfg, stream, storage, factory, loom.WithLogger(logger))
func WithLogger(logger Logger) Option {
	return func(o *runtimeOptions) {
		o.logger = logger
	}
}

// WithMetrics sets a metrics collector.
//
// Parameters:
//   - metrics: MetricsCollector implementation
//
// Returns:
//   - Option: Functional option for New
//
// Example:
//
//	collector := metrics.NewPrometheus(nil, "loom")
//	rt, err := loom.New(&cfg, stream, storage, factory, loom.WithMetrics(collector))
func WithMetrics(metrics MetricsCollector) Option {
	return func(o *runtimeOptions) {
		o.metrics = metrics
	}
}

// WithHooks sets lifecycle event hooks.
//
// Parameters:
//   - hooks: Hooks structure with callback functions
//
// Returns:
//   - Option: Functional option for New
//
// Example:
//
//	hooks := &loom.Hooks{
//	    OnDirtyChanged: func(ctx context.Context, dirty bool) error {
//	        return updateSaveIndicator(dirty)
//	    },
//	}
//	rt, err := loom.New(&cfg, stream, storage, factory, loom.WithHooks(hooks))
func WithHooks(hooks *Hooks) Option {
	return func(o *runtimeOptions) {
		o.hooks = hooks
	}
}

// WithElector sets a leader elector.
//
// Without an elector the runtime never participates in leader election and
// runs no background task distribution.
//
// Parameters:
//   - elector: LeaderElector implementation (e.g. natsstream.Election)
//
// Returns:
//   - Option: Functional option for New
//
// Example:
//
//	elector, _ := natsstream.NewElection(ctx, js, natsstream.ElectionConfig{DocumentID: cfg.DocumentID})
//	rt, err := loom.New(&cfg, stream, storage, factory, loom.WithElector(elector))
func WithElector(elector LeaderElector) Option {
	return func(o *runtimeOptions) {
		o.elector = elector
	}
}

// WithAssigner sets the task assignment strategy used while leading.
//
// Defaults to strategy.NewConsistentHash() when unset.
//
// Parameters:
//   - assigner: TaskAssigner implementation
//
// Returns:
//   - Option: Functional option for New
func WithAssigner(assigner TaskAssigner) Option {
	return func(o *runtimeOptions) {
		o.assigner = assigner
	}
}

// WithTaskSource sets the source of background tasks to distribute.
//
// Defaults to an empty static source when unset.
//
// Parameters:
//   - src: TaskSource implementation (e.g. source.NewStatic)
//
// Returns:
//   - Option: Functional option for New
//
// Example:
//
//	src := source.NewStatic([]types.Task{{Name: "spell"}, {Name: "translation"}})
//	rt, err := loom.New(&cfg, stream, storage, factory, loom.WithTaskSource(src))
func WithTaskSource(src TaskSource) Option {
	return func(o *runtimeOptions) {
		o.taskSource = src
	}
}
