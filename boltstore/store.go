// Package boltstore provides a local bbolt storage driver for Loom.
//
// It implements types.Storage and types.SummaryUploader on a single file,
// which makes it the natural store for offline replicas, CLIs, and tests:
// no server, one fsync'd file, full summary support.
//
// Layout: three buckets. "versions" holds version records keyed by version
// ID plus the per-document history list, "trees" holds snapshot trees keyed
// by version ID, and "summaries" holds uploaded summaries keyed by handle.
// Records are msgpack; version IDs and summary handles are ULIDs.
package boltstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/vmihailenco/msgpack/v5"
	bolt "go.etcd.io/bbolt"

	"github.com/arloliu/loom/internal/logger"
	"github.com/arloliu/loom/types"
)

// ErrVersionNotFound is returned when a version ID resolves to nothing.
var ErrVersionNotFound = errors.New("version not found")

var (
	bucketVersions  = []byte("versions")
	bucketTrees     = []byte("trees")
	bucketSummaries = []byte("summaries")

	historyPrefix = "history."
	versionPrefix = "version."
)

// versionRecord is the driver-internal shape stored per version.
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

// Config configures an Open call.
type Config struct {
	// Path is the database file. Required. Created if missing.
	Path string

	// DocumentID scopes the history list. Required.
	DocumentID string

	// Logger receives storage diagnostics. Defaults to a no-op logger.
	Logger types.Logger
}

// Store implements types.Storage and types.SummaryUploader over a bbolt
// file.
type Store struct {
	db     *bolt.DB
	cfg    Config
	logger types.Logger
}

var (
	_ types.Storage         = (*Store)(nil)
	_ types.SummaryUploader = (*Store)(nil)
)

// Open opens (or creates) the database file and its buckets.
func Open(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, errors.New("Config.Path is required")
	}
	if cfg.DocumentID == "" {
		return nil, errors.New("Config.DocumentID is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.NewNop()
	}

	db, err := bolt.Open(cfg.Path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", cfg.Path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketVersions, bucketTrees, bucketSummaries} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &Store{db: db, cfg: cfg, logger: cfg.Logger}, nil
}

// Close closes the database file.
func (s *Store) Close() error {
	return s.db.Close()
}

// GetVersions returns up to count versions, newest first. The document ID
// resolves to the full document history; any other id is treated as a
// single version ID.
func (s *Store) GetVersions(ctx context.Context, id string, count int) ([]types.Version, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if count <= 0 {
		return nil, nil
	}

	var versions []types.Version
	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketVersions)

		if id != s.cfg.DocumentID {
			rec, err := getRecord(bucket, id)
			if err != nil {
				if errors.Is(err, ErrVersionNotFound) {
					return nil
				}

				return err
			}
			versions = []types.Version{rec.toVersion()}

			return nil
		}

		ids, err := history(bucket, s.cfg.DocumentID)
		if err != nil {
			return err
		}
		if len(ids) > count {
			ids = ids[:count]
		}

		versions = make([]types.Version, 0, len(ids))
		for _, versionID := range ids {
			rec, err := getRecord(bucket, versionID)
			if err != nil {
				return err
			}
			versions = append(versions, rec.toVersion())
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return versions, nil
}

// GetSnapshotTree loads the tree stored for the given version.
func (s *Store) GetSnapshotTree(ctx context.Context, version *types.Version) (*types.Tree, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	treeID := version.TreeID
	if treeID == "" {
		treeID = version.ID
	}

	var tree types.Tree
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketTrees).Get([]byte(treeID))
		if data == nil {
			return fmt.Errorf("%w: %s", ErrVersionNotFound, version.ID)
		}

		return msgpack.Unmarshal(data, &tree)
	})
	if err != nil {
		return nil, err
	}

	return &tree, nil
}

// Write stores a tree as a new version and prepends it to the document
// history, all in one transaction.
func (s *Store) Write(ctx context.Context, tree *types.Tree, parents []string, message, tag string) (*types.Version, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	versionID := ulid.Make().String()
	rec := versionRecord{
		ID:      versionID,
		TreeID:  versionID,
		Message: message,
		Tag:     tag,
		Parents: parents,
		Date:    time.Now().UTC(),
	}

	treeData, err := msgpack.Marshal(tree)
	if err != nil {
		return nil, fmt.Errorf("failed to encode tree: %w", err)
	}
	recData, err := msgpack.Marshal(&rec)
	if err != nil {
		return nil, fmt.Errorf("failed to encode version record: %w", err)
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketTrees).Put([]byte(versionID), treeData); err != nil {
			return err
		}

		bucket := tx.Bucket(bucketVersions)
		if err := bucket.Put([]byte(versionPrefix+versionID), recData); err != nil {
			return err
		}

		ids, err := history(bucket, s.cfg.DocumentID)
		if err != nil {
			return err
		}
		next := make([]string, 0, len(ids)+1)
		next = append(next, versionID)
		next = append(next, ids...)

		histData, err := msgpack.Marshal(next)
		if err != nil {
			return err
		}

		return bucket.Put([]byte(historyPrefix+s.cfg.DocumentID), histData)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to write version: %w", err)
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
func (s *Store) UploadSummary(ctx context.Context, summary *types.SummaryNode) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	handle := ulid.Make().String()

	data, err := msgpack.Marshal(summary)
	if err != nil {
		return "", fmt.Errorf("failed to encode summary: %w", err)
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSummaries).Put([]byte(handle), data)
	})
	if err != nil {
		return "", fmt.Errorf("failed to store summary: %w", err)
	}

	return handle, nil
}

// GetSummary loads a previously uploaded summary tree by handle.
func (s *Store) GetSummary(ctx context.Context, handle string) (*types.SummaryNode, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var summary types.SummaryNode
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketSummaries).Get([]byte(handle))
		if data == nil {
			return fmt.Errorf("%w: summary %s", ErrVersionNotFound, handle)
		}

		return msgpack.Unmarshal(data, &summary)
	})
	if err != nil {
		return nil, err
	}

	return &summary, nil
}

func getRecord(bucket *bolt.Bucket, versionID string) (versionRecord, error) {
	data := bucket.Get([]byte(versionPrefix+versionID))
	if data == nil {
		return versionRecord{}, fmt.Errorf("%w: %s", ErrVersionNotFound, versionID)
	}

	var rec versionRecord
	if err := msgpack.Unmarshal(data, &rec); err != nil {
		return versionRecord{}, fmt.Errorf("failed to decode version %q: %w", versionID, err)
	}

	return rec, nil
}

func history(bucket *bolt.Bucket, documentID string) ([]string, error) {
	data := bucket.Get([]byte(historyPrefix+documentID))
	if data == nil {
		return nil, nil
	}

	var ids []string
	if err := msgpack.Unmarshal(data, &ids); err != nil {
		return nil, fmt.Errorf("failed to decode history: %w", err)
	}

	return ids, nil
}
