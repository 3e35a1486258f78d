package loom_test

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/require"

	"github.com/arloliu/loom"
	"github.com/arloliu/loom/natsstream"
	"github.com/arloliu/loom/source"
	loomtest "github.com/arloliu/loom/testing"
	"github.com/arloliu/loom/types"
)

// counter is a tiny hosted component: "add" operations accumulate into a
// total, snapshots persist it as a single blob.
type counter struct {
	id string

	mu    sync.Mutex
	total int64
}

var _ loom.Component = (*counter)(nil)

func (c *counter) ID() string { return c.id }

func (c *counter) Start(context.Context) error { return nil }

func (c *counter) Prepare(_ context.Context, _ *types.SequencedMessage, _ bool) (any, error) {
	return nil, nil
}

func (c *counter) Process(msg *types.SequencedMessage, _ bool, _ any) error {
	var contents types.EnvelopeContents
	if err := json.Unmarshal(msg.Contents, &contents); err != nil {
		return err
	}
	if contents.Type != "add" {
		return nil
	}

	var op struct {
		N int64 `json:"n"`
	}
	if err := json.Unmarshal(contents.Content, &op); err != nil {
		return err
	}

	c.mu.Lock()
	c.total += op.N
	c.mu.Unlock()

	return nil
}

func (c *counter) ProcessSignal(*types.SignalMessage) {}

func (c *counter) Snapshot(context.Context) (*types.Tree, error) {
	return &types.Tree{Entries: []types.TreeEntry{
		types.NewBlobEntry("total", strconv.FormatInt(c.Total(), 10), types.EncodingUTF8),
	}}, nil
}

func (c *counter) Summarize(context.Context) (*types.SummaryNode, error) {
	root := types.NewSummaryTree()
	root.Add("total", types.NewSummaryBlob(strconv.FormatInt(c.Total(), 10)))

	return root, nil
}

func (c *counter) SetConnectionState(types.ConnectionState, string) {}
func (c *counter) SetLeader(string)                                 {}
func (c *counter) Close() error                                     { return nil }

func (c *counter) Total() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.total
}

// counterFactory builds counters, restoring the total from a snapshot when
// one is given.
type counterFactory struct{}

func (counterFactory) Instantiate(_ context.Context, id, pkg string, snapshot *types.Tree) (loom.Component, error) {
	if pkg != "counter" {
		return nil, fmt.Errorf("unknown component package %q", pkg)
	}

	c := &counter{id: id}
	if snapshot != nil {
		for _, entry := range snapshot.Entries {
			if entry.Type == types.EntryTypeBlob && entry.Path == "total" {
				total, err := strconv.ParseInt(entry.Blob.Contents, 10, 64)
				if err != nil {
					return nil, fmt.Errorf("corrupt counter snapshot: %w", err)
				}
				c.total = total
			}
		}
	}

	return c, nil
}

// replica bundles one runtime with its NATS drivers.
type replica struct {
	rt      *loom.Runtime
	elector *natsstream.Election
}

func startReplica(t *testing.T, nc *nats.Conn, js jetstream.JetStream, doc string) *replica {
	t.Helper()

	logger := loomtest.NewTestLogger(t)

	elector, err := natsstream.NewElection(t.Context(), js, natsstream.ElectionConfig{
		DocumentID:        doc,
		SessionTTL:        5 * time.Second,
		HeartbeatInterval: 500 * time.Millisecond,
		Logger:            logger,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = elector.Close() })

	stream, err := natsstream.NewStream(t.Context(), nc, natsstream.StreamConfig{
		DocumentID: doc,
		ClientID:   elector.ClientID(),
		Summaries:  true,
		Logger:     logger,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = stream.Close() })

	storage, err := natsstream.NewStorage(t.Context(), js, natsstream.StorageConfig{
		DocumentID: doc,
		Logger:     logger,
	})
	require.NoError(t, err)

	cfg := loom.DefaultConfig()
	cfg.DocumentID = doc

	rt, err := loom.New(&cfg, stream, storage, counterFactory{},
		loom.WithLogger(logger),
		loom.WithElector(elector),
		loom.WithTaskSource(source.NewStatic([]types.Task{{Name: "spellcheck"}})),
	)
	require.NoError(t, err)

	require.NoError(t, rt.Start(t.Context()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = rt.Close(ctx)
	})

	require.NoError(t, stream.Start(t.Context(), rt))

	return &replica{rt: rt, elector: elector}
}

func TestReplicasConverge(t *testing.T) {
	_, nc := loomtest.StartEmbeddedNATS(t)
	js, err := jetstream.New(nc)
	require.NoError(t, err)

	a := startReplica(t, nc, js, "e2e-converge")
	b := startReplica(t, nc, js, "e2e-converge")

	compA, err := a.rt.CreateComponent(context.Background(), "tally", "counter")
	require.NoError(t, err)

	// The attach propagates through the stream and instantiates the
	// component on the other replica.
	waitCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	compB, err := b.rt.GetComponent(waitCtx, "tally")
	require.NoError(t, err)

	var want int64
	for n := int64(1); n <= 5; n++ {
		want += n
		payload, _ := json.Marshal(map[string]int64{"n": n})
		_, err := a.rt.SubmitOperation(context.Background(), "tally", "add", payload)
		require.NoError(t, err)
	}

	for name, comp := range map[string]loom.Component{"a": compA, "b": compB} {
		c := comp.(*counter)
		require.Eventually(t, func() bool {
			return c.Total() == want
		}, 10*time.Second, 20*time.Millisecond, "replica %s converges", name)
	}

	require.Eventually(t, func() bool {
		return a.rt.LastSequenceNumber() == b.rt.LastSequenceNumber()
	}, 10*time.Second, 20*time.Millisecond, "both replicas observe the same stream position")
}

func TestSingleLeaderAcrossReplicas(t *testing.T) {
	_, nc := loomtest.StartEmbeddedNATS(t)
	js, err := jetstream.New(nc)
	require.NoError(t, err)

	a := startReplica(t, nc, js, "e2e-leader")
	b := startReplica(t, nc, js, "e2e-leader")

	// Both replicas propose on connect; exactly one wins and both agree on
	// the winner.
	require.Eventually(t, func() bool {
		leaderA, okA := a.rt.Leader()
		leaderB, okB := b.rt.Leader()

		return okA && okB && leaderA == leaderB
	}, 10*time.Second, 50*time.Millisecond, "replicas agree on a leader")

	require.Eventually(t, func() bool {
		countLeading := 0
		if a.rt.IsLeader() {
			countLeading++
		}
		if b.rt.IsLeader() {
			countLeading++
		}

		return countLeading == 1
	}, 10*time.Second, 50*time.Millisecond, "exactly one replica leads")
}

func TestSnapshotRestoresAcrossRestart(t *testing.T) {
	_, nc := loomtest.StartEmbeddedNATS(t)
	js, err := jetstream.New(nc)
	require.NoError(t, err)

	a := startReplica(t, nc, js, "e2e-restart")

	comp, err := a.rt.CreateComponent(context.Background(), "tally", "counter")
	require.NoError(t, err)

	payload, _ := json.Marshal(map[string]int64{"n": 42})
	_, err = a.rt.SubmitOperation(context.Background(), "tally", "add", payload)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return comp.(*counter).Total() == 42
	}, 10*time.Second, 20*time.Millisecond)

	require.NoError(t, a.rt.Snapshot(context.Background(), "checkpoint"))

	// A brand-new replica hydrates the component from the stored version.
	c := startReplica(t, nc, js, "e2e-restart")

	restored, err := c.rt.GetComponent(context.Background(), "tally")
	require.NoError(t, err)
	require.Equal(t, int64(42), restored.(*counter).Total())
}
