package types

import "context"

// Storage is the versioned snapshot store backing a document.
//
// Built-in drivers: natsstream (JetStream object store) and boltstore
// (local bbolt file).
type Storage interface {
	// GetVersions returns up to count versions of the named object, newest
	// first. id is the document ID for root versions or a component
	// version ID for component history.
	GetVersions(ctx context.Context, id string, count int) ([]Version, error)

	// GetSnapshotTree loads the tree stored for the given version.
	GetSnapshotTree(ctx context.Context, version *Version) (*Tree, error)

	// Write stores a tree as a new version.
	//
	// Commit entries inside the tree reference already-stored versions and
	// are recorded by ID, never re-written. A nested tree whose ID field is
	// set is likewise recorded as a reference to the stored tree with that
	// ID.
	//
	// Parameters:
	//   - ctx: Context for cancellation and timeout
	//   - tree: Root tree of the new version
	//   - parents: Version IDs this version builds on
	//   - message: Human-readable description
	//   - tag: Optional label for the version ("" for none)
	//
	// Returns:
	//   - *Version: The stored version
	//   - error: Write failure
	Write(ctx context.Context, tree *Tree, parents []string, message, tag string) (*Version, error)
}

// SummaryUploader is the optional storage capability for the summary
// protocol. Runtimes discover it by type assertion on their Storage; stores
// without it are served by the legacy snapshot path only.
type SummaryUploader interface {
	// UploadSummary stores a complete summary tree and returns its handle.
	//
	// Handle nodes inside the tree reference content from the previous
	// summary; implementations must resolve them against already-stored
	// content rather than expect it inline.
	UploadSummary(ctx context.Context, summary *SummaryNode) (string, error)
}
