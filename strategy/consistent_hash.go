package strategy

import (
	"errors"

	"github.com/arloliu/loom/internal/hash"
	"github.com/arloliu/loom/types"
)

// ConsistentHash implements consistent hashing with virtual nodes.
type ConsistentHash struct {
	virtualNodes int
	hashSeed     uint64
}

var _ types.TaskAssigner = (*ConsistentHash)(nil)

// ConsistentHashOption configures a ConsistentHash strategy.
type ConsistentHashOption func(*ConsistentHash)

// NewConsistentHash creates a new consistent hash strategy.
//
// The strategy uses a hash ring with virtual nodes to distribute tasks
// evenly across clients while minimizing task movement when the quorum
// changes.
//
// Parameters:
//   - opts: Optional configuration (WithVirtualNodes, WithHashSeed)
//
// Returns:
//   - *ConsistentHash: Initialized consistent hash strategy
//
// Example:
//
//	assigner := strategy.NewConsistentHash(
//	    strategy.WithVirtualNodes(300),
//	)
//	rt, err := loom.New(cfg, stream, store, factory, loom.WithAssigner(assigner))
func NewConsistentHash(opts ...ConsistentHashOption) *ConsistentHash {
	ch := &ConsistentHash{
		virtualNodes: 150, // default
		hashSeed:     0,
	}

	for _, opt := range opts {
		opt(ch)
	}

	return ch
}

// WithVirtualNodes sets the number of virtual nodes per client.
//
// Higher values provide better distribution but increase memory usage.
// Recommended range: 100-300 (default: 150).
func WithVirtualNodes(nodes int) ConsistentHashOption {
	return func(ch *ConsistentHash) {
		ch.virtualNodes = nodes
	}
}

// WithHashSeed sets a custom hash seed for consistent hashing.
func WithHashSeed(seed uint64) ConsistentHashOption {
	return func(ch *ConsistentHash) {
		ch.hashSeed = seed
	}
}

// Assign calculates task assignments using consistent hashing.
//
// The algorithm:
//  1. Build a hash ring with virtual nodes for each client
//  2. Place each task on the ring by the hash of its name
//  3. Assign the task to the nearest clockwise virtual node
//
// Parameters:
//   - clients: Quorum member client IDs
//   - tasks: Tasks to distribute
//
// Returns:
//   - map[string][]types.Task: Map from client ID to assigned tasks
//   - error: Assignment error (e.g. no clients available)
func (ch *ConsistentHash) Assign(clients []string, tasks []types.Task) (map[string][]types.Task, error) {
	if len(clients) == 0 {
		return nil, types.ErrNoClientsAvailable
	}

	ring := hash.NewRing(clients, ch.virtualNodes, ch.hashSeed)

	assignments := make(map[string][]types.Task)
	for _, c := range clients {
		assignments[c] = []types.Task{}
	}

	for _, task := range tasks {
		client := ring.GetNodeForTask(task)
		if client == "" {
			// Only possible for tasks with empty names
			return nil, errors.New("consistent hash returned no client for task")
		}
		assignments[client] = append(assignments[client], task)
	}

	return assignments, nil
}
