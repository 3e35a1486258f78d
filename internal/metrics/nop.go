package metrics

import "github.com/arloliu/loom/types"

// NopMetrics implements a no-op metrics collector.
//
// All metrics are discarded. Useful for testing or when external
// metrics collection is used.
type NopMetrics struct{}

// Compile-time assertion that NopMetrics implements MetricsCollector.
var _ types.MetricsCollector = (*NopMetrics)(nil)

// NewNop creates a new no-op metrics collector.
//
// Returns:
//   - *NopMetrics: A new no-op metrics collector instance
//
// Example:
//
//	metrics := metrics.NewNop()
//	rt, err := loom.New(&cfg, stream, storage, factory, loom.WithMetrics(metrics))
func NewNop() *NopMetrics {
	return &NopMetrics{}
}

// PipelineMetrics implementation

// RecordOpProcessed discards the processed message metric.
func (n *NopMetrics) RecordOpProcessed(_ /* msgType */ types.MessageType, _ /* duration */ float64) {
	// No-op
}

// RecordWatermark discards the minimum sequence number metric.
func (n *NopMetrics) RecordWatermark(_ /* minimumSequenceNumber */ int64) {
	// No-op
}

// ChunkMetrics implementation

// RecordChunksSubmitted discards the chunk submission metric.
func (n *NopMetrics) RecordChunksSubmitted(_ /* count */ int) {
	// No-op
}

// RecordChunkAssembled discards the chunk reassembly metric.
func (n *NopMetrics) RecordChunkAssembled(_ /* fragments */ int) {
	// No-op
}

// RecordChunkBufferSize discards the reassembly buffer metric.
func (n *NopMetrics) RecordChunkBufferSize(_ /* senders */, _ /* fragments */ int) {
	// No-op
}

// ConnectionMetrics implementation

// RecordConnectionState discards the connection state metric.
func (n *NopMetrics) RecordConnectionState(_ /* state */ types.ConnectionState) {
	// No-op
}

// RecordResubmission discards the resubmission metric.
func (n *NopMetrics) RecordResubmission(_ /* kind */ string, _ /* count */ int) {
	// No-op
}

// RecordDirtyState discards the dirty state metric.
func (n *NopMetrics) RecordDirtyState(_ /* dirty */ bool) {
	// No-op
}

// SummaryMetrics implementation

// RecordSummaryAttempt discards the summary attempt metric.
func (n *NopMetrics) RecordSummaryAttempt(_ /* result */ string, _ /* duration */ float64) {
	// No-op
}

// RecordSummaryHandleReuse discards the handle reuse metric.
func (n *NopMetrics) RecordSummaryHandleReuse(_ /* reused */, _ /* written */ int) {
	// No-op
}

// LeaderMetrics implementation

// RecordLeadershipChange discards the leadership change metric.
func (n *NopMetrics) RecordLeadershipChange(_ /* newLeader */ string) {
	// No-op
}

// RecordProposalRejected discards the rejected proposal metric.
func (n *NopMetrics) RecordProposalRejected() {
	// No-op
}

// RecordTaskAssignment discards the task assignment metric.
func (n *NopMetrics) RecordTaskAssignment(_ /* local */, _ /* remote */ int) {
	// No-op
}
