// Package natsstream provides the NATS JetStream drivers for Loom: an
// ordered delta stream, a KV-based leader elector with quorum membership,
// and a versioned snapshot store.
//
// All three drivers share one NATS connection and scope their JetStream
// assets (stream, KV buckets, object store) per document, so any number of
// documents can coexist on one cluster.
//
// The Stream driver relies on JetStream's server-assigned stream sequence
// for total ordering: every replica publishes to the document subject and
// consumes the stream from the beginning, observing the same messages in
// the same order.
//
// The Election driver builds leadership and membership on a single KV
// bucket with a TTL: clients claim a stable identity by atomically creating
// a presence key, renew it with heartbeats, and race for a leader key with
// atomic Create. Watching the bucket turns key changes into LeaderEvents.
//
// Example:
//
//	js, _ := jetstream.New(nc)
//	elector, _ := natsstream.NewElection(ctx, js, natsstream.ElectionConfig{
//	    DocumentID: "design-doc",
//	})
//	stream, _ := natsstream.NewStream(ctx, nc, natsstream.StreamConfig{
//	    DocumentID: "design-doc",
//	    ClientID:   elector.ClientID(),
//	    Summaries:  true,
//	})
//	store, _ := natsstream.NewStorage(ctx, js, natsstream.StorageConfig{
//	    DocumentID: "design-doc",
//	})
package natsstream
