package natsstream_test

import (
	"context"
	"testing"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/require"

	"github.com/arloliu/loom/natsstream"
	loomtest "github.com/arloliu/loom/testing"
	"github.com/arloliu/loom/types"
)

func newStorage(t *testing.T, doc string) *natsstream.Storage {
	t.Helper()

	_, nc := loomtest.StartEmbeddedNATS(t)
	js, err := jetstream.New(nc)
	require.NoError(t, err)

	store, err := natsstream.NewStorage(t.Context(), js, natsstream.StorageConfig{
		DocumentID: doc,
		Logger:     loomtest.NewTestLogger(t),
	})
	require.NoError(t, err)

	return store
}

func TestStorageWriteAndLoad(t *testing.T) {
	store := newStorage(t, "doc-store")
	ctx := context.Background()

	// A fresh document has no history.
	versions, err := store.GetVersions(ctx, "doc-store", 5)
	require.NoError(t, err)
	require.Empty(t, versions)

	tree := &types.Tree{Entries: []types.TreeEntry{
		types.NewBlobEntry("body", `{"text":"hello"}`, types.EncodingUTF8),
		types.NewCommitEntry("notes", "some-version"),
	}}

	first, err := store.Write(ctx, tree, nil, "initial", "checkpoint")
	require.NoError(t, err)
	require.NotEmpty(t, first.ID)

	second, err := store.Write(ctx, tree, []string{first.ID}, "second", "")
	require.NoError(t, err)

	versions, err = store.GetVersions(ctx, "doc-store", 5)
	require.NoError(t, err)
	require.Len(t, versions, 2)
	require.Equal(t, second.ID, versions[0].ID, "newest first")
	require.Equal(t, first.ID, versions[1].ID)
	require.Equal(t, "initial", versions[1].Message)

	loaded, err := store.GetSnapshotTree(ctx, &versions[1])
	require.NoError(t, err)
	require.Len(t, loaded.Entries, 2)
	require.Equal(t, "body", loaded.Entries[0].Path)
	require.Equal(t, `{"text":"hello"}`, loaded.Entries[0].Blob.Contents)
	require.Equal(t, "some-version", loaded.Entries[1].Commit)
}

func TestStorageVersionLookupByID(t *testing.T) {
	store := newStorage(t, "doc-lookup")
	ctx := context.Background()

	version, err := store.Write(ctx, &types.Tree{}, nil, "component snapshot", "")
	require.NoError(t, err)

	// Any non-document id is treated as a version ID.
	versions, err := store.GetVersions(ctx, version.ID, 1)
	require.NoError(t, err)
	require.Len(t, versions, 1)
	require.Equal(t, version.ID, versions[0].ID)

	versions, err = store.GetVersions(ctx, "no-such-version", 1)
	require.NoError(t, err)
	require.Empty(t, versions)

	// Loading a component version resolves the tree by version ID.
	_, err = store.GetSnapshotTree(ctx, &types.Version{ID: version.ID})
	require.NoError(t, err)

	_, err = store.GetSnapshotTree(ctx, &types.Version{ID: "no-such-version"})
	require.ErrorIs(t, err, natsstream.ErrVersionNotFound)
}

func TestStorageSummaryRoundTrip(t *testing.T) {
	store := newStorage(t, "doc-summary")
	ctx := context.Background()

	root := types.NewSummaryTree().
		Add("notes", types.NewSummaryBlob(`{"text":"hi"}`)).
		Add("board", types.NewSummaryHandle("prev-handle", types.SummaryTypeTree))

	handle, err := store.UploadSummary(ctx, root)
	require.NoError(t, err)
	require.NotEmpty(t, handle)

	loaded, err := store.GetSummary(ctx, handle)
	require.NoError(t, err)
	require.Equal(t, types.SummaryTypeTree, loaded.Type)
	require.Equal(t, `{"text":"hi"}`, loaded.Tree["notes"].Content)
	require.Equal(t, "prev-handle", loaded.Tree["board"].Handle)
}
