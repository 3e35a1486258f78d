// Package types provides core type definitions and interfaces for the Loom library.
//
// This package contains shared types that are used across multiple packages in the
// Loom library. By keeping these types in a separate package, we avoid import cycles
// between the main loom package and its internal implementations.
//
// Key types:
//   - SequencedMessage: Ordered message delivered by the stream service
//   - Component: Hosted collaborative component contract
//   - DeltaStream: Ordered message transport interface
//   - Storage: Versioned snapshot storage interface
//   - LeaderElector: Quorum membership and leadership interface
//   - Logger: Structured logging interface
//   - MetricsCollector: Metrics recording interface
package types
