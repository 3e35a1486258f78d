package natsstream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/oklog/ulid/v2"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/arloliu/loom/internal/logger"
	"github.com/arloliu/loom/types"
)

// ErrVersionNotFound is returned when a version ID resolves to nothing.
var ErrVersionNotFound = errors.New("version not found")

const (
	historyKey    = "history"
	versionPrefix = "version."
	treePrefix    = "tree-"
	summaryPrefix = "summary-"
)

// versionRecord is the driver-internal shape stored per version. The wire
// shapes the runtime exchanges stay JSON; msgpack is used only inside the
// store.
type versionRecord struct {
	ID      string    `msgpack:"id"`
	TreeID  string    `msgpack:"treeId"`
	Message string    `msgpack:"message"`
	Tag     string    `msgpack:"tag"`
	Parents []string  `msgpack:"parents"`
	Date    time.Time `msgpack:"date"`
}

func (r versionRecord) toVersion() types.Version {
	return types.Version{ID: r.ID, TreeID: r.TreeID, Message: r.Message, Date: r.Date}
}

// StorageConfig configures a NewStorage call.
type StorageConfig struct {
	// DocumentID scopes the storage buckets. Required.
	DocumentID string

	// Logger receives storage diagnostics. Defaults to a no-op logger.
	Logger types.Logger
}

// Storage implements types.Storage and types.SummaryUploader over JetStream.
//
// Trees and uploaded summaries live in an object store bucket; version
// records and the document history list live in a KV bucket. Version IDs
// are ULIDs, so the history list stays sortable by creation time.
type Storage struct {
	objects jetstream.ObjectStore
	kv      jetstream.KeyValue
	cfg     StorageConfig
	logger  types.Logger
}

var (
	_ types.Storage         = (*Storage)(nil)
	_ types.SummaryUploader = (*Storage)(nil)
)

// NewStorage creates or opens the document's storage buckets.
func NewStorage(ctx context.Context, js jetstream.JetStream, cfg StorageConfig) (*Storage, error) {
	if cfg.DocumentID == "" {
		return nil, errors.New("StorageConfig.DocumentID is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.NewNop()
	}

	name := sanitizeName(cfg.DocumentID)

	objects, err := ensureObjectStore(ctx, js, jetstream.ObjectStoreConfig{
		Bucket:      "loom-trees-" + name,
		Description: "Loom snapshot trees for " + cfg.DocumentID,
	})
	if err != nil {
		return nil, err
	}

	kv, err := ensureKVBucket(ctx, js, jetstream.KeyValueConfig{
		Bucket:      "loom-versions-" + name,
		Description: "Loom version history for " + cfg.DocumentID,
	}, 3)
	if err != nil {
		return nil, err
	}

	return &Storage{objects: objects, kv: kv, cfg: cfg, logger: cfg.Logger}, nil
}

// GetVersions returns up to count versions, newest first. The document ID
// resolves to the full document history; any other id is treated as a
// single version ID.
func (s *Storage) GetVersions(ctx context.Context, id string, count int) ([]types.Version, error) {
	if count <= 0 {
		return nil, nil
	}

	if id != s.cfg.DocumentID {
		rec, err := s.getRecord(ctx, id)
		if err != nil {
			if errors.Is(err, ErrVersionNotFound) {
				return nil, nil
			}

			return nil, err
		}

		return []types.Version{rec.toVersion()}, nil
	}

	ids, _, err := s.history(ctx)
	if err != nil {
		return nil, err
	}
	if len(ids) > count {
		ids = ids[:count]
	}

	versions := make([]types.Version, 0, len(ids))
	for _, versionID := range ids {
		rec, err := s.getRecord(ctx, versionID)
		if err != nil {
			return nil, err
		}
		versions = append(versions, rec.toVersion())
	}

	return versions, nil
}

// GetSnapshotTree loads the tree stored for the given version.
func (s *Storage) GetSnapshotTree(ctx context.Context, version *types.Version) (*types.Tree, error) {
	treeID := version.TreeID
	if treeID == "" {
		treeID = version.ID
	}

	data, err := s.objects.GetBytes(ctx, treePrefix+treeID)
	if err != nil {
		if errors.Is(err, jetstream.ErrObjectNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrVersionNotFound, version.ID)
		}

		return nil, fmt.Errorf("failed to load tree %q: %w", treeID, err)
	}

	var tree types.Tree
	if err := msgpack.Unmarshal(data, &tree); err != nil {
		return nil, fmt.Errorf("failed to decode tree %q: %w", treeID, err)
	}

	return &tree, nil
}

// Write stores a tree as a new version and appends it to the document
// history.
func (s *Storage) Write(ctx context.Context, tree *types.Tree, parents []string, message, tag string) (*types.Version, error) {
	versionID := ulid.Make().String()

	data, err := msgpack.Marshal(tree)
	if err != nil {
		return nil, fmt.Errorf("failed to encode tree: %w", err)
	}

	if _, err := s.objects.Put(ctx, jetstream.ObjectMeta{Name: treePrefix + versionID}, bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("failed to store tree: %w", err)
	}

	rec := versionRecord{
		ID:      versionID,
		TreeID:  versionID,
		Message: message,
		Tag:     tag,
		Parents: parents,
		Date:    time.Now().UTC(),
	}
	recData, err := msgpack.Marshal(&rec)
	if err != nil {
		return nil, fmt.Errorf("failed to encode version record: %w", err)
	}
	if _, err := s.kv.Put(ctx, versionPrefix+versionID, recData); err != nil {
		return nil, fmt.Errorf("failed to store version record: %w", err)
	}

	if err := s.appendHistory(ctx, versionID); err != nil {
		return nil, err
	}

	s.logger.Debug("version written",
		"document_id", s.cfg.DocumentID,
		"version", versionID,
		"message", message,
		"tag", tag,
	)

	version := rec.toVersion()

	return &version, nil
}

// UploadSummary stores a complete summary tree and returns its handle.
// Handle nodes inside the tree reference previously uploaded content by
// handle and are stored as-is.
func (s *Storage) UploadSummary(ctx context.Context, summary *types.SummaryNode) (string, error) {
	handle := ulid.Make().String()

	data, err := msgpack.Marshal(summary)
	if err != nil {
		return "", fmt.Errorf("failed to encode summary: %w", err)
	}

	if _, err := s.objects.Put(ctx, jetstream.ObjectMeta{Name: summaryPrefix + handle}, bytes.NewReader(data)); err != nil {
		return "", fmt.Errorf("failed to store summary: %w", err)
	}

	return handle, nil
}

// GetSummary loads a previously uploaded summary tree by handle.
func (s *Storage) GetSummary(ctx context.Context, handle string) (*types.SummaryNode, error) {
	data, err := s.objects.GetBytes(ctx, summaryPrefix+handle)
	if err != nil {
		if errors.Is(err, jetstream.ErrObjectNotFound) {
			return nil, fmt.Errorf("%w: summary %s", ErrVersionNotFound, handle)
		}

		return nil, fmt.Errorf("failed to load summary %q: %w", handle, err)
	}

	var summary types.SummaryNode
	if err := msgpack.Unmarshal(data, &summary); err != nil {
		return nil, fmt.Errorf("failed to decode summary %q: %w", handle, err)
	}

	return &summary, nil
}

func (s *Storage) getRecord(ctx context.Context, versionID string) (versionRecord, error) {
	entry, err := s.kv.Get(ctx, versionPrefix+versionID)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return versionRecord{}, fmt.Errorf("%w: %s", ErrVersionNotFound, versionID)
		}

		return versionRecord{}, fmt.Errorf("failed to load version %q: %w", versionID, err)
	}

	var rec versionRecord
	if err := msgpack.Unmarshal(entry.Value(), &rec); err != nil {
		return versionRecord{}, fmt.Errorf("failed to decode version %q: %w", versionID, err)
	}

	return rec, nil
}

// history returns the document's version IDs, newest first, with the KV
// revision for compare-and-swap appends.
func (s *Storage) history(ctx context.Context) ([]string, uint64, error) {
	entry, err := s.kv.Get(ctx, historyKey)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, 0, nil
		}

		return nil, 0, fmt.Errorf("failed to load history: %w", err)
	}

	var ids []string
	if err := msgpack.Unmarshal(entry.Value(), &ids); err != nil {
		return nil, 0, fmt.Errorf("failed to decode history: %w", err)
	}

	return ids, entry.Revision(), nil
}

// appendHistory prepends a version ID to the history list with a CAS loop;
// concurrent writers from different replicas both land.
func (s *Storage) appendHistory(ctx context.Context, versionID string) error {
	for attempt := 0; attempt < 5; attempt++ {
		ids, revision, err := s.history(ctx)
		if err != nil {
			return err
		}

		next := make([]string, 0, len(ids)+1)
		next = append(next, versionID)
		next = append(next, ids...)

		data, err := msgpack.Marshal(next)
		if err != nil {
			return fmt.Errorf("failed to encode history: %w", err)
		}

		if revision == 0 {
			_, err = s.kv.Create(ctx, historyKey, data)
		} else {
			_, err = s.kv.Update(ctx, historyKey, data, revision)
		}
		if err == nil {
			return nil
		}
		if !errors.Is(err, jetstream.ErrKeyExists) && !isWrongRevision(err) {
			return fmt.Errorf("failed to update history: %w", err)
		}
	}

	return fmt.Errorf("failed to update history for version %q: too much contention", versionID)
}

func isWrongRevision(err error) bool {
	var apiErr *jetstream.APIError

	return errors.As(err, &apiErr) && apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence
}
