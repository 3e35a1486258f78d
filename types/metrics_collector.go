package types

// MetricsCollector defines methods for recording operational metrics.
//
// Implementations should be non-blocking and handle failures gracefully.
// All methods are called from internal goroutines and must be thread-safe.
//
// This interface composes smaller, domain-focused interfaces for better modularity.
type MetricsCollector interface {
	PipelineMetrics
	ChunkMetrics
	ConnectionMetrics
	SummaryMetrics
	LeaderMetrics
}

// PipelineMetrics defines metrics for the message pipeline.
type PipelineMetrics interface {
	// RecordOpProcessed records one fully processed message.
	//
	// Parameters:
	//   - msgType: The message type
	//   - duration: Processing time in seconds (prepare wait + process)
	RecordOpProcessed(msgType MessageType, duration float64)

	// RecordWatermark sets the current minimum sequence number (gauge metric).
	RecordWatermark(minimumSequenceNumber int64)
}

// ChunkMetrics defines metrics for the chunk codec.
type ChunkMetrics interface {
	// RecordChunksSubmitted records an outbound message split into count fragments.
	RecordChunksSubmitted(count int)

	// RecordChunkAssembled records a completed inbound reassembly.
	//
	// Parameters:
	//   - fragments: Number of fragments the message arrived in
	RecordChunkAssembled(fragments int)

	// RecordChunkBufferSize sets the current reassembly buffer occupancy
	// (gauge metrics).
	//
	// Parameters:
	//   - senders: Number of clients with partial messages buffered
	//   - fragments: Total buffered fragments across all senders
	RecordChunkBufferSize(senders, fragments int)
}

// ConnectionMetrics defines metrics for connection lifecycle operations.
type ConnectionMetrics interface {
	// RecordConnectionState sets the current connection state (gauge metric).
	RecordConnectionState(state ConnectionState)

	// RecordResubmission records messages resent on reconnect.
	//
	// Parameters:
	//   - kind: Resubmission kind ("attach" or "chunk")
	//   - count: Number of messages resent
	RecordResubmission(kind string, count int)

	// RecordDirtyState sets whether unacknowledged local changes exist
	// (gauge metric).
	RecordDirtyState(dirty bool)
}

// SummaryMetrics defines metrics for summary and snapshot operations.
type SummaryMetrics interface {
	// RecordSummaryAttempt records a summary attempt outcome.
	//
	// Parameters:
	//   - result: "success", "failure", or "skipped"
	//   - duration: Time taken in seconds
	RecordSummaryAttempt(result string, duration float64)

	// RecordSummaryHandleReuse records components that answered with a
	// handle (reused) versus fresh content (written).
	RecordSummaryHandleReuse(reused, written int)
}

// LeaderMetrics defines metrics for leadership and task assignment.
type LeaderMetrics interface {
	// RecordLeadershipChange records a leadership change.
	RecordLeadershipChange(newLeader string)

	// RecordProposalRejected records a lost leadership proposal.
	RecordProposalRejected()

	// RecordTaskAssignment records the split of a task assignment round.
	//
	// Parameters:
	//   - local: Tasks kept on this replica
	//   - remote: Tasks delegated via remote help
	RecordTaskAssignment(local, remote int)
}
