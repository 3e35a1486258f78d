package loom

import (
	"fmt"
	"time"
)

// SummaryConfig controls when the document becomes eligible for summarization.
//
// The runtime itself never decides to summarize; it exposes eligibility
// through Runtime.SummaryEligible and these thresholds, and an external
// scheduler (typically the elected summarizer client) invokes Summarize.
//
// Three triggers interact:
//   - IdleTime: summarize after the stream has been quiet this long
//   - MaxTime: summarize at least this often while ops keep flowing
//   - MaxOps: summarize after this many ops regardless of timing
//
// MaxTime is the backstop for busy documents where IdleTime never fires, and
// MaxOps bounds replay cost for clients loading from the latest summary.
type SummaryConfig struct {
	// IdleTime is how long the stream must be quiet before an idle-triggered
	// summary. Recommended: 5 seconds.
	IdleTime time.Duration `yaml:"idleTime"`

	// MaxTime is the maximum time between summaries while ops keep arriving.
	// Must be >= IdleTime. Recommended: 60 seconds (12x IdleTime).
	MaxTime time.Duration `yaml:"maxTime"`

	// MaxOps is the maximum number of ops between summaries.
	// Recommended: 1000.
	MaxOps int `yaml:"maxOps"`
}

// Config is the configuration for the Runtime.
//
// All duration fields accept standard Go duration strings like "30s", "5m", "1h".
type Config struct {
	// DocumentID identifies the document this runtime replica binds to.
	// Required; there is no default.
	DocumentID string `yaml:"documentId"`

	// ParentBranch is the origin document ID when this document is a forked
	// replica. Non-empty disables summarization on this replica; the parent
	// document owns the summary lineage.
	ParentBranch string `yaml:"parentBranch"`

	// OperationTimeout is the timeout for storage operations (version reads,
	// tree reads, summary writes).
	// Recommended: 10 seconds.
	OperationTimeout time.Duration `yaml:"operationTimeout"`

	// ShutdownTimeout is the maximum time Close waits for the pipeline to
	// drain in-flight messages.
	// Recommended: 10 seconds.
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`

	// PipelineDepth is the buffer size between the prepare and process
	// stages. Deeper pipelines let more prepares overlap a slow process step
	// at the cost of memory.
	// Recommended: 128.
	PipelineDepth int `yaml:"pipelineDepth"`

	// Summary controls summary eligibility thresholds.
	Summary SummaryConfig `yaml:"summary"`
}

// DefaultConfig returns a Config with sensible defaults.
//
// DocumentID is left empty and must be set by the caller.
//
// Returns:
//   - Config: Configuration with default values
func DefaultConfig() Config {
	return Config{
		OperationTimeout: 10 * time.Second,
		ShutdownTimeout:  10 * time.Second,
		PipelineDepth:    128,
		Summary: SummaryConfig{
			IdleTime: 5 * time.Second,
			MaxTime:  60 * time.Second,
			MaxOps:   1000,
		},
	}
}

// ApplyDefaults fills in missing configuration values with production defaults.
//
// DocumentID and ParentBranch are never defaulted.
//
// Parameters:
//   - cfg: Config to apply defaults to (modified in place)
func ApplyDefaults(cfg *Config) {
	defaults := DefaultConfig()

	if cfg.OperationTimeout == 0 {
		cfg.OperationTimeout = defaults.OperationTimeout
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = defaults.ShutdownTimeout
	}
	if cfg.PipelineDepth == 0 {
		cfg.PipelineDepth = defaults.PipelineDepth
	}
	if cfg.Summary.IdleTime == 0 {
		cfg.Summary.IdleTime = defaults.Summary.IdleTime
	}
	if cfg.Summary.MaxTime == 0 {
		cfg.Summary.MaxTime = defaults.Summary.MaxTime
	}
	if cfg.Summary.MaxOps == 0 {
		cfg.Summary.MaxOps = defaults.Summary.MaxOps
	}
}

// Validate checks configuration constraints and returns error for invalid values.
//
// Hard Validation Rules:
//   - DocumentID must be non-empty
//   - OperationTimeout > 0
//   - PipelineDepth > 0
//   - Summary.IdleTime > 0
//   - Summary.MaxTime >= Summary.IdleTime (backstop must not undercut idle)
//   - Summary.MaxOps > 0
//
// Returns:
//   - error: Validation error with clear explanation, nil if valid
func (cfg *Config) Validate() error {
	// Rule 1: document identity
	if cfg.DocumentID == "" {
		return fmt.Errorf("DocumentID must be set")
	}

	// Rule 2: storage timeout sanity
	if cfg.OperationTimeout <= 0 {
		return fmt.Errorf("OperationTimeout must be > 0, got %v", cfg.OperationTimeout)
	}

	// Rule 3: pipeline depth sanity
	if cfg.PipelineDepth <= 0 {
		return fmt.Errorf("PipelineDepth must be > 0, got %d", cfg.PipelineDepth)
	}

	// Rule 4: idle trigger sanity
	if cfg.Summary.IdleTime <= 0 {
		return fmt.Errorf("Summary.IdleTime must be > 0, got %v", cfg.Summary.IdleTime)
	}

	// Rule 5: backstop ordering
	if cfg.Summary.MaxTime < cfg.Summary.IdleTime {
		return fmt.Errorf(
			"Summary.MaxTime (%v) must be >= Summary.IdleTime (%v)",
			cfg.Summary.MaxTime, cfg.Summary.IdleTime,
		)
	}

	// Rule 6: op count sanity
	if cfg.Summary.MaxOps <= 0 {
		return fmt.Errorf("Summary.MaxOps must be > 0, got %d", cfg.Summary.MaxOps)
	}

	return nil
}

// ValidateWithWarnings checks configuration and logs warnings for non-recommended values.
//
// This is called after Validate() in New() to provide operator guidance.
//
// Parameters:
//   - logger: Logger instance for warning output
func (cfg *Config) ValidateWithWarnings(logger Logger) {
	// Warn if the backstop is close to the idle trigger
	if cfg.Summary.MaxTime < 2*cfg.Summary.IdleTime {
		logger.Warn(
			"Summary.MaxTime is close to Summary.IdleTime, summaries may fire back to back",
			"maxTime", cfg.Summary.MaxTime,
			"idleTime", cfg.Summary.IdleTime,
			"recommended", 12*cfg.Summary.IdleTime,
		)
	}

	// Warn if the pipeline is too shallow to overlap prepares
	if cfg.PipelineDepth < 16 {
		logger.Warn(
			"PipelineDepth is very small, prepare overlap will be limited",
			"pipelineDepth", cfg.PipelineDepth,
			"recommended", "64 or higher",
		)
	}
}

// TestConfig returns a configuration optimized for fast test execution.
//
// Test timings are 10-100x faster than production defaults to enable
// rapid iteration without sacrificing test coverage. Use DefaultConfig()
// for production deployments.
//
// Returns:
//   - Config: Configuration with fast timings for tests
//
// Example:
//
//	cfg := loom.TestConfig()
//	cfg.DocumentID = "test-doc"
//	rt, err := loom.New(&cfg, stream, storage, factory)
func TestConfig() Config {
	cfg := DefaultConfig()
	cfg.DocumentID = "test-doc"

	// Fast timings for test execution (10-100x faster)
	cfg.OperationTimeout = 2 * time.Second       // 5x faster
	cfg.ShutdownTimeout = 1 * time.Second        // 10x faster
	cfg.Summary.IdleTime = 50 * time.Millisecond // 100x faster
	cfg.Summary.MaxTime = 1 * time.Second        // 60x faster
	cfg.Summary.MaxOps = 10                      // 100x smaller

	return cfg
}
