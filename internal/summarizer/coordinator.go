// Package summarizer builds and persists document summaries.
//
// Two flavors exist: the summary protocol uploads a single tree of summary
// nodes and commits its handle to the stream, while the legacy snapshot path
// writes git-style component versions referenced from a root tree. Both
// quiesce the message pipeline first so the captured state corresponds to a
// single sequence number.
package summarizer

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arloliu/loom/internal/chunking"
	"github.com/arloliu/loom/internal/registry"
	"github.com/arloliu/loom/types"
)

const (
	// ChunksBlobName names the root blob holding serialized partial chunk
	// state.
	ChunksBlobName = ".chunks"

	// ManifestBlobName names the git submodule manifest mapping component
	// IDs to their stored version IDs.
	ManifestBlobName = ".gitmodules"

	// AttributesBlobName names the per-component blob recording the package
	// type the factory needs at load time.
	AttributesBlobName = ".component"

	// SequenceBlobName names the root blob recording the stream sequence
	// number the snapshot was captured at. Restarted replicas resume the
	// stream after it instead of replaying from the beginning.
	SequenceBlobName = ".sequence"
)

// SubmitFunc submits one runtime-level message to the stream and returns
// its client sequence number.
type SubmitFunc func(ctx context.Context, msgType types.MessageType, contents json.RawMessage) (int64, error)

// FlushFunc blocks until every message already accepted by the pipeline has
// been fully processed.
type FlushFunc func(ctx context.Context) error

// Config carries the collaborators and settings of a Coordinator.
type Config struct {
	// DocumentID is the document whose versions are read and written.
	DocumentID string

	// ParentBranch is non-empty on forked documents. Forks never
	// summarize; the parent document owns the summary chain.
	ParentBranch string

	Stream   types.DeltaStream
	Storage  types.Storage
	Registry *registry.Registry
	Codec    *chunking.Codec

	// Submit sends the summarize message after a successful upload.
	Submit SubmitFunc

	// Flush drains the message pipeline while the stream is paused.
	Flush FlushFunc

	// Sequence reports the sequence number of the last fully processed
	// message. Captures record it so reloads resume the stream there.
	Sequence func() int64

	Logger  types.Logger
	Metrics types.MetricsCollector
}

// Coordinator serializes summary and snapshot work for one document. At
// most one capture runs at a time.
type Coordinator struct {
	cfg Config

	running atomic.Bool

	// versions maps component IDs to their last stored version, so
	// unchanged components are referenced instead of re-written.
	mu       sync.Mutex
	versions map[string]string
}

// New creates a summary coordinator. All Config collaborators must be set.
func New(cfg Config) *Coordinator {
	return &Coordinator{
		cfg:      cfg,
		versions: make(map[string]string),
	}
}

// SetBaseVersions seeds the component version bookkeeping from a loaded
// snapshot. Without it, every component is written fresh on the next
// snapshot even when unchanged.
func (c *Coordinator) SetBaseVersions(versions map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.versions = make(map[string]string, len(versions))
	for id, versionID := range versions {
		c.versions[id] = versionID
	}
}

// Summarize captures the document as a summary tree, uploads it, and
// commits the returned handle to the stream. It returns the handle.
//
// The stream is paused for the duration of the capture and resumed on every
// return path. Documents forked from a parent branch and storage without
// the upload capability return ErrSummaryOnBranch and
// ErrSummariesNotSupported respectively, both before pausing anything.
func (c *Coordinator) Summarize(ctx context.Context, message string) (string, error) {
	// 1. Forked documents never summarize.
	if c.cfg.ParentBranch != "" {
		c.cfg.Metrics.RecordSummaryAttempt("skipped", 0)
		return "", types.ErrSummaryOnBranch
	}

	// 2. The storage service must accept summary uploads.
	uploader, ok := c.cfg.Storage.(types.SummaryUploader)
	if !ok {
		c.cfg.Metrics.RecordSummaryAttempt("skipped", 0)
		return "", types.ErrSummariesNotSupported
	}

	if !c.running.CompareAndSwap(false, true) {
		return "", types.ErrSummaryInProgress
	}
	defer c.running.Store(false)

	start := time.Now()

	// 3. Pause inbound delivery and drain the pipeline so component state
	// reflects a single sequence number. The deferred Resume runs on every
	// path, including upload failures.
	c.cfg.Stream.Pause()
	defer c.cfg.Stream.Resume()

	if err := c.cfg.Flush(ctx); err != nil {
		return "", c.fail(start, "failed to drain pipeline", err)
	}

	// 4. The latest stored versions become the summary's parents.
	parents, err := c.parentVersions(ctx)
	if err != nil {
		return "", c.fail(start, "failed to resolve parent versions", err)
	}

	// 5. Collect per-component summaries. Handle nodes reference the
	// previous summary and skip the upload entirely.
	root := types.NewSummaryTree()
	reused, written := 0, 0
	for _, id := range c.cfg.Registry.IDs() {
		comp, ok := c.cfg.Registry.Get(id)
		if !ok {
			continue
		}

		node, err := comp.Summarize(ctx)
		if err != nil {
			return "", c.fail(start, "failed to summarize component", fmt.Errorf("component %q: %w", id, err))
		}

		if node.Type == types.SummaryTypeHandle {
			reused++
		} else {
			written++
			if node.Type == types.SummaryTypeTree {
				pkg, _ := c.cfg.Registry.Package(id)
				node.Add(AttributesBlobName, types.NewSummaryBlob(encodeAttributes(pkg)))
			}
		}

		root.Add(id, node)
	}

	// 6. Partial chunk state rides along so reassembly survives a reload.
	if c.cfg.Codec.HasPartial() {
		blob, err := c.cfg.Codec.SerializePartial()
		if err != nil {
			return "", c.fail(start, "failed to serialize chunk state", err)
		}
		root.Add(ChunksBlobName, types.NewSummaryBlob(string(blob)))
	}

	// 7. Upload the assembled tree.
	handle, err := uploader.UploadSummary(ctx, root)
	if err != nil {
		return "", c.fail(start, "failed to upload summary", err)
	}

	// 8. Commit the handle to the stream so every replica learns the new
	// summary.
	payload, err := json.Marshal(types.SummarizeMessage{Handle: handle, Parents: parents, Message: message})
	if err != nil {
		return "", c.fail(start, "failed to encode summarize message", err)
	}
	if _, err := c.cfg.Submit(ctx, types.MessageTypeSummarize, payload); err != nil {
		return "", c.fail(start, "failed to submit summarize message", err)
	}

	duration := time.Since(start)
	c.cfg.Metrics.RecordSummaryHandleReuse(reused, written)
	c.cfg.Metrics.RecordSummaryAttempt("success", duration.Seconds())
	c.cfg.Logger.Info("summary uploaded",
		"handle", handle,
		"components", reused+written,
		"reused", reused,
		"duration", duration,
	)

	return handle, nil
}

// Snapshot captures the document through the legacy git-style path: each
// changed component is written as its own version, unchanged components are
// referenced by their previous version, and a root tree ties them together
// with the chunk state and the submodule manifest.
func (c *Coordinator) Snapshot(ctx context.Context, tagMessage string) error {
	if !c.running.CompareAndSwap(false, true) {
		return types.ErrSummaryInProgress
	}
	defer c.running.Store(false)

	start := time.Now()

	c.cfg.Stream.Pause()
	defer c.cfg.Stream.Resume()

	if err := c.cfg.Flush(ctx); err != nil {
		return fmt.Errorf("failed to drain pipeline: %w", err)
	}

	parents, err := c.parentVersions(ctx)
	if err != nil {
		return fmt.Errorf("failed to resolve parent versions: %w", err)
	}

	root := &types.Tree{}
	reused, written := 0, 0
	for _, id := range c.cfg.Registry.IDs() {
		comp, ok := c.cfg.Registry.Get(id)
		if !ok {
			continue
		}

		tree, err := comp.Snapshot(ctx)
		if err != nil {
			return fmt.Errorf("failed to snapshot component %q: %w", id, err)
		}

		versionID, fresh, err := c.componentVersion(ctx, id, tree)
		if err != nil {
			return err
		}
		if fresh {
			written++
		} else {
			reused++
		}

		root.Entries = append(root.Entries, types.NewCommitEntry(id, versionID))
	}

	// The legacy path always writes the chunk blob, even when empty.
	blob, err := c.cfg.Codec.SerializePartial()
	if err != nil {
		return fmt.Errorf("failed to serialize chunk state: %w", err)
	}
	root.Entries = append(root.Entries, types.NewBlobEntry(ChunksBlobName, string(blob), types.EncodingUTF8))
	root.Entries = append(root.Entries, types.NewBlobEntry(ManifestBlobName, c.manifest(), types.EncodingUTF8))
	if c.cfg.Sequence != nil {
		seq := strconv.FormatInt(c.cfg.Sequence(), 10)
		root.Entries = append(root.Entries, types.NewBlobEntry(SequenceBlobName, seq, types.EncodingUTF8))
	}

	version, err := c.cfg.Storage.Write(ctx, root, parents, tagMessage, tagMessage)
	if err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}

	c.cfg.Logger.Info("snapshot written",
		"version", version.ID,
		"components", reused+written,
		"reused", reused,
		"duration", time.Since(start),
	)

	return nil
}

// componentVersion resolves the version ID to record for one component
// tree: unchanged components map to their previously stored version, and
// changed ones are written as a fresh version with the attributes blob
// appended. fresh reports whether a write happened.
func (c *Coordinator) componentVersion(ctx context.Context, id string, tree *types.Tree) (versionID string, fresh bool, err error) {
	if tree.ID != "" {
		c.mu.Lock()
		prev, ok := c.versions[id]
		c.mu.Unlock()

		if !ok {
			return "", false, types.NewInvariantViolation("component %q reports unchanged state but has no stored version", id)
		}

		return prev, false, nil
	}

	pkg, _ := c.cfg.Registry.Package(id)
	tree.Entries = append(tree.Entries, types.NewBlobEntry(AttributesBlobName, encodeAttributes(pkg), types.EncodingUTF8))

	c.mu.Lock()
	prev := c.versions[id]
	c.mu.Unlock()

	var parents []string
	if prev != "" {
		parents = []string{prev}
	}

	version, err := c.cfg.Storage.Write(ctx, tree, parents, id, "")
	if err != nil {
		return "", false, fmt.Errorf("failed to write component %q snapshot: %w", id, err)
	}

	c.mu.Lock()
	c.versions[id] = version.ID
	c.mu.Unlock()

	return version.ID, true, nil
}

// parentVersions returns the latest stored version IDs of the document,
// which new captures build on. A fresh document has none.
func (c *Coordinator) parentVersions(ctx context.Context) ([]string, error) {
	versions, err := c.cfg.Storage.GetVersions(ctx, c.cfg.DocumentID, 1)
	if err != nil {
		return nil, fmt.Errorf("failed to list document versions: %w", err)
	}

	parents := make([]string, 0, len(versions))
	for _, v := range versions {
		parents = append(parents, v.ID)
	}

	return parents, nil
}

// manifest renders the .gitmodules mapping of component IDs to stored
// version IDs, sorted by ID for stable output.
func (c *Coordinator) manifest() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	ids := make([]string, 0, len(c.versions))
	for id := range c.versions {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var b strings.Builder
	for _, id := range ids {
		fmt.Fprintf(&b, "[submodule %q]\n\tpath = %s\n\turl = %s\n", id, id, c.versions[id])
	}

	return b.String()
}

// fail records a failed attempt and returns the wrapped error.
func (c *Coordinator) fail(start time.Time, msg string, err error) error {
	c.cfg.Metrics.RecordSummaryAttempt("failure", time.Since(start).Seconds())
	c.cfg.Logger.Error(msg, "error", err)

	return fmt.Errorf("%s: %w", msg, err)
}

type attributes struct {
	Pkg string `json:"pkg"`
}

// encodeAttributes renders the .component attributes blob for a package
// type.
func encodeAttributes(pkg string) string {
	raw, _ := json.Marshal(attributes{Pkg: pkg})

	return string(raw)
}

// DecodeAttributes parses a .component attributes blob and returns the
// package type recorded in it.
func DecodeAttributes(contents string) (string, error) {
	var attrs attributes
	if err := json.Unmarshal([]byte(contents), &attrs); err != nil {
		return "", fmt.Errorf("failed to decode component attributes: %w", err)
	}

	return attrs.Pkg, nil
}
