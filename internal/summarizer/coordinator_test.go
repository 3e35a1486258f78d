package summarizer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/arloliu/loom/internal/chunking"
	"github.com/arloliu/loom/internal/logger"
	"github.com/arloliu/loom/internal/metrics"
	"github.com/arloliu/loom/internal/registry"
	"github.com/arloliu/loom/types"
)

// fakeStream counts pause and resume calls.
type fakeStream struct {
	pauses  atomic.Int32
	resumes atomic.Int32
}

func (s *fakeStream) Submit(context.Context, types.MessageType, json.RawMessage) (int64, error) {
	return 0, errors.New("submit not expected on the stream directly")
}
func (s *fakeStream) MaxMessageSize() int     { return 1024 }
func (s *fakeStream) Pause()                  { s.pauses.Add(1) }
func (s *fakeStream) Resume()                 { s.resumes.Add(1) }
func (s *fakeStream) SupportsSummaries() bool { return true }

type writeCall struct {
	tree    *types.Tree
	parents []string
	message string
	tag     string
}

// fakeStorage records writes and serves a fixed version list. It has no
// summary upload capability.
type fakeStorage struct {
	versions []types.Version
	written  []writeCall
	writeErr error
	nextID   int
}

func (s *fakeStorage) GetVersions(_ context.Context, _ string, count int) ([]types.Version, error) {
	if count > len(s.versions) {
		count = len(s.versions)
	}

	return s.versions[:count], nil
}

func (s *fakeStorage) GetSnapshotTree(context.Context, *types.Version) (*types.Tree, error) {
	return nil, errors.New("not implemented")
}

func (s *fakeStorage) Write(_ context.Context, tree *types.Tree, parents []string, message, tag string) (*types.Version, error) {
	if s.writeErr != nil {
		return nil, s.writeErr
	}

	s.nextID++
	s.written = append(s.written, writeCall{tree: tree, parents: parents, message: message, tag: tag})

	return &types.Version{ID: fmt.Sprintf("v%d", s.nextID)}, nil
}

// uploadStorage adds the summary upload capability on top of fakeStorage.
type uploadStorage struct {
	fakeStorage
	uploaded  *types.SummaryNode
	uploadErr error
}

func (s *uploadStorage) UploadSummary(_ context.Context, summary *types.SummaryNode) (string, error) {
	if s.uploadErr != nil {
		return "", s.uploadErr
	}
	s.uploaded = summary

	return "handle-1", nil
}

// fakeComponent answers Summarize and Snapshot with canned results.
type fakeComponent struct {
	id       string
	summary  *types.SummaryNode
	summErr  error
	snapshot *types.Tree
	snapErr  error
}

func (c *fakeComponent) ID() string                                       { return c.id }
func (c *fakeComponent) Start(context.Context) error                      { return nil }
func (c *fakeComponent) ProcessSignal(*types.SignalMessage)               {}
func (c *fakeComponent) SetLeader(string)                                 {}
func (c *fakeComponent) SetConnectionState(types.ConnectionState, string) {}

func (c *fakeComponent) Prepare(context.Context, *types.SequencedMessage, bool) (any, error) {
	return nil, nil
}

func (c *fakeComponent) Process(*types.SequencedMessage, bool, any) error { return nil }

func (c *fakeComponent) Snapshot(context.Context) (*types.Tree, error) {
	return c.snapshot, c.snapErr
}

func (c *fakeComponent) Summarize(context.Context) (*types.SummaryNode, error) {
	return c.summary, c.summErr
}

func (c *fakeComponent) Close() error { return nil }

func testConfig(storage types.Storage, reg *registry.Registry, stream *fakeStream) Config {
	return Config{
		DocumentID: "doc-1",
		Stream:     stream,
		Storage:    storage,
		Registry:   reg,
		Codec:      chunking.NewCodec(),
		Submit: func(context.Context, types.MessageType, json.RawMessage) (int64, error) {
			return 1, nil
		},
		Flush:   func(context.Context) error { return nil },
		Logger:  logger.NewNop(),
		Metrics: metrics.NewNop(),
	}
}

func TestCoordinatorSummarize(t *testing.T) {
	t.Run("uploads the assembled tree and submits the handle", func(t *testing.T) {
		reg := registry.New()
		changed := &fakeComponent{
			id:      "doc-map",
			summary: types.NewSummaryTree().Add("header", types.NewSummaryBlob(`{"n":1}`)),
		}
		unchanged := &fakeComponent{
			id:      "doc-list",
			summary: types.NewSummaryHandle("doc-list", types.SummaryTypeTree),
		}
		require.NoError(t, reg.RegisterRemote("doc-map", "map", changed))
		require.NoError(t, reg.RegisterRemote("doc-list", "list", unchanged))

		storage := &uploadStorage{fakeStorage: fakeStorage{versions: []types.Version{{ID: "v-prev"}}}}
		stream := &fakeStream{}

		var submitted []types.MessageType
		var submittedBody json.RawMessage
		cfg := testConfig(storage, reg, stream)
		cfg.Submit = func(_ context.Context, msgType types.MessageType, contents json.RawMessage) (int64, error) {
			submitted = append(submitted, msgType)
			submittedBody = contents

			return 7, nil
		}

		handle, err := New(cfg).Summarize(context.Background(), "periodic")
		require.NoError(t, err)
		require.Equal(t, "handle-1", handle)

		// One child per component; changed tree nodes gain the package
		// attributes blob, handle nodes are passed through untouched.
		require.NotNil(t, storage.uploaded)
		require.Len(t, storage.uploaded.Tree, 2)

		mapNode := storage.uploaded.Tree["doc-map"]
		require.Equal(t, types.SummaryTypeTree, mapNode.Type)
		require.Contains(t, mapNode.Tree, AttributesBlobName)
		pkg, err := DecodeAttributes(mapNode.Tree[AttributesBlobName].Content)
		require.NoError(t, err)
		require.Equal(t, "map", pkg)

		require.Equal(t, types.SummaryTypeHandle, storage.uploaded.Tree["doc-list"].Type)

		require.Equal(t, []types.MessageType{types.MessageTypeSummarize}, submitted)
		var commit types.SummarizeMessage
		require.NoError(t, json.Unmarshal(submittedBody, &commit))
		require.Equal(t, "handle-1", commit.Handle)
		require.Equal(t, []string{"v-prev"}, commit.Parents)
		require.Equal(t, "periodic", commit.Message)

		require.Equal(t, int32(1), stream.pauses.Load())
		require.Equal(t, int32(1), stream.resumes.Load())
	})

	t.Run("includes partial chunk state", func(t *testing.T) {
		storage := &uploadStorage{}
		stream := &fakeStream{}
		cfg := testConfig(storage, registry.New(), stream)

		frag, err := json.Marshal(types.ChunkedOp{ChunkID: 1, TotalChunks: 2, Contents: "half", OriginalType: types.MessageTypeOperation})
		require.NoError(t, err)
		_, _, err = cfg.Codec.Absorb(&types.SequencedMessage{ClientID: "client-x", Type: types.MessageTypeChunkedOp, Contents: frag})
		require.NoError(t, err)

		_, err = New(cfg).Summarize(context.Background(), "with chunks")
		require.NoError(t, err)

		require.Contains(t, storage.uploaded.Tree, ChunksBlobName)
		require.Contains(t, storage.uploaded.Tree[ChunksBlobName].Content, "client-x")
	})

	t.Run("skips forked documents before touching the stream", func(t *testing.T) {
		stream := &fakeStream{}
		cfg := testConfig(&uploadStorage{}, registry.New(), stream)
		cfg.ParentBranch = "doc-main"

		_, err := New(cfg).Summarize(context.Background(), "")
		require.ErrorIs(t, err, types.ErrSummaryOnBranch)
		require.Zero(t, stream.pauses.Load())
	})

	t.Run("skips when storage lacks upload support", func(t *testing.T) {
		stream := &fakeStream{}
		cfg := testConfig(&fakeStorage{}, registry.New(), stream)

		_, err := New(cfg).Summarize(context.Background(), "")
		require.ErrorIs(t, err, types.ErrSummariesNotSupported)
		require.Zero(t, stream.pauses.Load())
	})

	t.Run("resumes the stream when the upload fails", func(t *testing.T) {
		storage := &uploadStorage{uploadErr: errors.New("object store down")}
		stream := &fakeStream{}
		cfg := testConfig(storage, registry.New(), stream)

		_, err := New(cfg).Summarize(context.Background(), "")
		require.Error(t, err)
		require.Equal(t, int32(1), stream.pauses.Load())
		require.Equal(t, int32(1), stream.resumes.Load())
	})

	t.Run("rejects a summary while another is running", func(t *testing.T) {
		stream := &fakeStream{}
		cfg := testConfig(&uploadStorage{}, registry.New(), stream)

		entered := make(chan struct{})
		release := make(chan struct{})
		cfg.Flush = func(context.Context) error {
			close(entered)
			<-release

			return nil
		}

		coord := New(cfg)
		firstDone := make(chan error, 1)
		go func() {
			_, err := coord.Summarize(context.Background(), "first")
			firstDone <- err
		}()

		select {
		case <-entered:
		case <-time.After(2 * time.Second):
			t.Fatal("first summary never reached the pipeline flush")
		}

		_, err := coord.Summarize(context.Background(), "second")
		require.ErrorIs(t, err, types.ErrSummaryInProgress)

		close(release)
		require.NoError(t, <-firstDone)
	})
}

func TestCoordinatorSnapshot(t *testing.T) {
	t.Run("writes changed components and references unchanged ones", func(t *testing.T) {
		reg := registry.New()
		changed := &fakeComponent{
			id: "doc-map",
			snapshot: &types.Tree{Entries: []types.TreeEntry{
				types.NewBlobEntry("header", `{"n":2}`, types.EncodingUTF8),
			}},
		}
		unchanged := &fakeComponent{id: "doc-list", snapshot: &types.Tree{ID: "t-prev"}}
		require.NoError(t, reg.RegisterRemote("doc-map", "map", changed))
		require.NoError(t, reg.RegisterRemote("doc-list", "list", unchanged))

		storage := &fakeStorage{versions: []types.Version{{ID: "v-root-prev"}}}
		stream := &fakeStream{}
		coord := New(testConfig(storage, reg, stream))
		coord.SetBaseVersions(map[string]string{"doc-list": "v-list-1", "doc-map": "v-map-1"})

		require.NoError(t, coord.Snapshot(context.Background(), "nightly"))

		// Two writes: the changed component first, then the root tree.
		require.Len(t, storage.written, 2)

		compWrite := storage.written[0]
		require.Equal(t, "doc-map", compWrite.message)
		require.Equal(t, []string{"v-map-1"}, compWrite.parents)
		last := compWrite.tree.Entries[len(compWrite.tree.Entries)-1]
		require.Equal(t, AttributesBlobName, last.Path)
		pkg, err := DecodeAttributes(last.Blob.Contents)
		require.NoError(t, err)
		require.Equal(t, "map", pkg)

		rootWrite := storage.written[1]
		require.Equal(t, "nightly", rootWrite.message)
		require.Equal(t, "nightly", rootWrite.tag)
		require.Equal(t, []string{"v-root-prev"}, rootWrite.parents)

		byPath := make(map[string]types.TreeEntry)
		for _, entry := range rootWrite.tree.Entries {
			byPath[entry.Path] = entry
		}

		require.Equal(t, types.EntryTypeCommit, byPath["doc-map"].Type)
		require.Equal(t, "v1", byPath["doc-map"].Commit, "changed component references its fresh version")
		require.Equal(t, "v-list-1", byPath["doc-list"].Commit, "unchanged component references its previous version")

		require.JSONEq(t, `[]`, byPath[ChunksBlobName].Blob.Contents, "chunk blob is written even when empty")

		manifest := byPath[ManifestBlobName].Blob.Contents
		require.Contains(t, manifest, `[submodule "doc-map"]`)
		require.Contains(t, manifest, "url = v1")
		require.Contains(t, manifest, "url = v-list-1")

		require.Equal(t, int32(1), stream.pauses.Load())
		require.Equal(t, int32(1), stream.resumes.Load())
	})

	t.Run("fails when an unchanged component has no stored version", func(t *testing.T) {
		reg := registry.New()
		orphan := &fakeComponent{id: "doc-orphan", snapshot: &types.Tree{ID: "t-unknown"}}
		require.NoError(t, reg.RegisterRemote("doc-orphan", "map", orphan))

		coord := New(testConfig(&fakeStorage{}, reg, &fakeStream{}))

		err := coord.Snapshot(context.Background(), "")
		require.Error(t, err)
		require.True(t, types.IsInvariantViolation(err))
	})

	t.Run("next snapshot reuses the version written by the previous one", func(t *testing.T) {
		reg := registry.New()
		comp := &fakeComponent{
			id:       "doc-map",
			snapshot: &types.Tree{Entries: []types.TreeEntry{types.NewBlobEntry("header", "{}", types.EncodingUTF8)}},
		}
		require.NoError(t, reg.RegisterRemote("doc-map", "map", comp))

		storage := &fakeStorage{}
		coord := New(testConfig(storage, reg, &fakeStream{}))

		require.NoError(t, coord.Snapshot(context.Background(), "first"))
		require.Len(t, storage.written, 2)

		// The component reports unchanged the second time around.
		comp.snapshot = &types.Tree{ID: "t-same"}
		require.NoError(t, coord.Snapshot(context.Background(), "second"))
		require.Len(t, storage.written, 3, "only the root tree is written again")

		var root types.TreeEntry
		for _, entry := range storage.written[2].tree.Entries {
			if entry.Path == "doc-map" {
				root = entry
			}
		}
		require.Equal(t, "v1", root.Commit, "references the version written by the first snapshot")
	})
}

func TestDecodeAttributes(t *testing.T) {
	pkg, err := DecodeAttributes(`{"pkg":"counter"}`)
	require.NoError(t, err)
	require.Equal(t, "counter", pkg)

	_, err = DecodeAttributes("not json")
	require.Error(t, err)
}
