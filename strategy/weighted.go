package strategy

import (
	"github.com/arloliu/loom/internal/hash"
	"github.com/arloliu/loom/types"
)

// Weighted implements consistent hashing with task weight balancing.
//
// Tasks land on their consistent-hash candidate unless that client is
// already 15% over the average weight, in which case the lightest client
// takes the task. Use it when task costs differ significantly; for evenly
// weighted tasks, ConsistentHash preserves more placement affinity.
type Weighted struct {
	virtualNodes int
	hashSeed     uint64
}

var _ types.TaskAssigner = (*Weighted)(nil)

// WeightedOption configures a Weighted strategy.
type WeightedOption func(*Weighted)

// NewWeighted creates a new weighted consistent hash strategy.
//
// Parameters:
//   - opts: Optional configuration (WithWeightedVirtualNodes, WithWeightedHashSeed)
//
// Returns:
//   - *Weighted: Initialized weighted strategy
func NewWeighted(opts ...WeightedOption) *Weighted {
	w := &Weighted{
		virtualNodes: 150, // default
		hashSeed:     0,
	}

	for _, opt := range opts {
		opt(w)
	}

	return w
}

// WithWeightedVirtualNodes sets the number of virtual nodes per client.
func WithWeightedVirtualNodes(nodes int) WeightedOption {
	return func(w *Weighted) {
		w.virtualNodes = nodes
	}
}

// WithWeightedHashSeed sets a custom hash seed.
func WithWeightedHashSeed(seed uint64) WeightedOption {
	return func(w *Weighted) {
		w.hashSeed = seed
	}
}

// Assign calculates task assignments using weighted consistent hashing.
//
// Parameters:
//   - clients: Quorum member client IDs
//   - tasks: Tasks to distribute
//
// Returns:
//   - map[string][]types.Task: Map from client ID to assigned tasks
//   - error: Assignment error (e.g. no clients available)
func (w *Weighted) Assign(clients []string, tasks []types.Task) (map[string][]types.Task, error) {
	if len(clients) == 0 {
		return nil, types.ErrNoClientsAvailable
	}

	ring := hash.NewWeighted(clients, w.virtualNodes, w.hashSeed)
	assignments := ring.AssignTasks(tasks)

	// Clients with no tasks still appear in the result
	for _, c := range ring.Clients() {
		if _, ok := assignments[c]; !ok {
			assignments[c] = []types.Task{}
		}
	}

	return assignments, nil
}
