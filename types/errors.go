package types

import (
	"errors"
	"fmt"
)

// Sentinel errors for the Loom library.
//
// These errors provide type-safe error checking using errors.Is() and errors.As().
// All components should use these sentinel errors for known error conditions
// and wrap external errors with context using fmt.Errorf("%s: %w", msg, err).
//
// Error Naming Convention:
//   - Use descriptive names with Err prefix
//   - Group by component (Runtime, Registry, Chunking, Summary, Leader)
//   - Use consistent messages across similar error types

// Runtime errors - Public API errors returned by the Runtime.
var (
	// ErrRuntimeClosed is returned by every public entry point after the
	// runtime has been closed.
	ErrRuntimeClosed = errors.New("runtime is closed")

	// ErrInvariantViolation is the base error wrapped by all protocol and
	// bookkeeping invariant breaches. These indicate a programming error or
	// corrupted stream, never a recoverable condition.
	ErrInvariantViolation = errors.New("invariant violation")
)

// Registry errors - Component registry errors.
var (
	// ErrComponentNotFound is returned when a component ID is not registered.
	ErrComponentNotFound = errors.New("component not found")

	// ErrComponentExists is returned when registering a duplicate component ID.
	ErrComponentExists = errors.New("component already exists")
)

// Chunking errors - Chunk codec errors.
var (
	// ErrInvalidChunkSize is returned when the maximum message size leaves
	// no room for fragment payload.
	ErrInvalidChunkSize = errors.New("invalid maximum chunk size")
)

// Summary errors - Summary coordinator errors.
var (
	// ErrSummaryOnBranch is returned when summarization is requested on a
	// forked document; branches never summarize.
	ErrSummaryOnBranch = errors.New("summaries are disabled on branches")

	// ErrSummariesNotSupported is returned when the storage service lacks
	// the summary upload capability.
	ErrSummariesNotSupported = errors.New("storage does not support summaries")

	// ErrSummaryInProgress is returned when a summary is requested while
	// another one is still running.
	ErrSummaryInProgress = errors.New("summary already in progress")
)

// Leader errors - Leadership and task assignment errors.
var (
	// ErrProposalRejected is returned when a leadership proposal loses to
	// an existing leader. Expected under contention, never fatal.
	ErrProposalRejected = errors.New("leadership proposal rejected")

	// ErrNoClientsAvailable is returned when trying to assign tasks with no
	// quorum members.
	ErrNoClientsAvailable = errors.New("no clients available")
)

// NewInvariantViolation returns an error describing a broken invariant,
// wrapping ErrInvariantViolation so callers can classify it with errors.Is.
func NewInvariantViolation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvariantViolation, fmt.Sprintf(format, args...))
}

// IsInvariantViolation reports whether err is an invariant breach.
func IsInvariantViolation(err error) bool {
	return errors.Is(err, ErrInvariantViolation)
}
