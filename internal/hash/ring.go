package hash

import (
	"slices"

	"github.com/zeebo/xxh3"

	"github.com/arloliu/loom/types"
)

// Ring implements a consistent hash ring with virtual nodes.
//
// The ring maps task names to client IDs using consistent hashing, which
// keeps task placement stable while clients join and leave the quorum.
type Ring struct {
	// nodes contains all virtual nodes on the ring, sorted by hash
	nodes []virtualNode

	// clients holds the unique list of clients present on the ring
	clients []string

	// seed for hash function (0 means unseeded)
	seed uint64
}

// virtualNode represents a virtual node on the hash ring.
type virtualNode struct {
	hash     uint64 // Position on the ring
	clientID string // Client owning this virtual node
}

// NewRing creates a new consistent hash ring.
//
// Parameters:
//   - clients: List of client IDs to place on the ring
//   - virtualNodesPerClient: Number of virtual nodes per client (higher = better distribution)
//   - seed: Seed for hash function (0 for unseeded, non-zero for deterministic variants)
//
// Returns:
//   - *Ring: Initialized hash ring
//
// Example:
//
//	ring := hash.NewRing([]string{"client-0", "client-1"}, 150, 0)
//	clientID := ring.GetNode(task.Name)
func NewRing(clients []string, virtualNodesPerClient int, seed uint64) *Ring {
	ring := &Ring{
		nodes:   make([]virtualNode, 0, len(clients)*virtualNodesPerClient),
		clients: []string{},
		seed:    seed,
	}

	// Deduplicate clients while preserving order
	if len(clients) > 0 {
		seen := make(map[string]struct{}, len(clients))
		uniq := make([]string, 0, len(clients))
		for _, c := range clients {
			if _, ok := seen[c]; ok {
				continue
			}
			seen[c] = struct{}{}
			uniq = append(uniq, c)
		}
		ring.clients = uniq
	}

	for _, clientID := range ring.clients {
		ring.addClient(clientID, virtualNodesPerClient)
	}

	// Sort nodes by hash for binary search
	slices.SortFunc(ring.nodes, func(a, b virtualNode) int {
		if a.hash < b.hash {
			return -1
		}
		if a.hash > b.hash {
			return 1
		}

		return 0
	})

	return ring
}

// GetNode finds the client responsible for a key.
//
// Uses binary search for the first virtual node whose hash is >= the key
// hash, wrapping around to the first node past the end of the ring.
//
// Parameters:
//   - key: Placement key (typically a task name)
//
// Returns:
//   - string: Client ID responsible for this key, "" for an empty ring
func (r *Ring) GetNode(key string) string {
	if len(r.nodes) == 0 {
		return ""
	}

	return r.getNodeByHash(r.hash(key))
}

// GetNodeForTask finds the client responsible for a task.
func (r *Ring) GetNodeForTask(task types.Task) string {
	if task.Name == "" {
		return ""
	}

	return r.GetNode(task.Name)
}

// Clients returns the list of unique clients on the ring.
func (r *Ring) Clients() []string {
	// Return a copy to avoid external mutation
	return append([]string(nil), r.clients...)
}

// Size returns the total number of virtual nodes on the ring.
func (r *Ring) Size() int {
	return len(r.nodes)
}

// addClient adds virtual nodes for a client to the ring.
func (r *Ring) addClient(clientID string, virtualNodes int) {
	// Fold the client ID once, then each vnode index using the previous
	// hash as seed. Stable and allocation-free.
	base := r.hash(clientID)

	for i := range virtualNodes {
		var ib [8]byte
		ib[0] = byte(i)
		ib[1] = byte(i >> 8)
		ib[2] = byte(i >> 16)
		ib[3] = byte(i >> 24)
		h := xxh3.HashSeed(ib[:], base)

		r.nodes = append(r.nodes, virtualNode{hash: h, clientID: clientID})
	}
}

// hash computes a 64-bit hash of the key using XXH3.
func (r *Ring) hash(key string) uint64 {
	if r.seed != 0 {
		return xxh3.HashStringSeed(key, r.seed)
	}

	return xxh3.HashString(key)
}

// getNodeByHash returns the client for a given hash value using binary search over the ring.
func (r *Ring) getNodeByHash(target uint64) string {
	idx, found := slices.BinarySearchFunc(r.nodes, target, func(node virtualNode, t uint64) int {
		if node.hash < t {
			return -1
		}
		if node.hash > t {
			return 1
		}

		return 0
	})

	// Wrap around past the end of the ring
	if !found && idx >= len(r.nodes) {
		idx = 0
	}

	return r.nodes[idx].clientID
}

// WeightedRing extends Ring with task weight awareness.
//
// Assigns tasks considering both consistent hashing and task weights to
// balance load when task costs vary significantly.
type WeightedRing struct {
	*Ring

	// Track actual weight assigned to each client
	clientWeights map[string]int64
}

// NewWeighted creates a weighted consistent hash ring.
//
// Parameters:
//   - clients: List of client IDs
//   - virtualNodesPerClient: Virtual nodes per client
//   - seed: Hash seed
//
// Returns:
//   - *WeightedRing: Initialized weighted ring
func NewWeighted(clients []string, virtualNodesPerClient int, seed uint64) *WeightedRing {
	return &WeightedRing{
		Ring:          NewRing(clients, virtualNodesPerClient, seed),
		clientWeights: make(map[string]int64),
	}
}

// AssignTasks assigns tasks to clients using weighted consistent hashing.
//
// Algorithm:
//  1. Use the consistent hash ring to get the candidate client for each task
//  2. Track cumulative weight assigned to each client
//  3. If a client becomes overloaded (weight > avgWeight * 1.15), fall back
//     to the lightest client
//
// This balances load while keeping placement affinity high for the common
// case of evenly weighted tasks.
//
// Parameters:
//   - tasks: Tasks to assign
//
// Returns:
//   - map[string][]types.Task: Client ID to assigned tasks
func (wr *WeightedRing) AssignTasks(tasks []types.Task) map[string][]types.Task {
	assignments := make(map[string][]types.Task)
	wr.clientWeights = make(map[string]int64)

	if len(tasks) == 0 {
		return assignments
	}

	clients := wr.Clients()
	if len(clients) == 0 {
		return assignments
	}

	totalWeight := int64(0)
	for _, task := range tasks {
		totalWeight += task.EffectiveWeight()
	}

	avgWeight := totalWeight / int64(len(clients))
	maxWeight := avgWeight * 115 / 100 // Allow 15% over average

	for _, task := range tasks {
		weight := task.EffectiveWeight()

		clientID := wr.GetNodeForTask(task)

		// If adding this task would overload the candidate, pick the
		// lightest client instead
		if wr.clientWeights[clientID]+weight > maxWeight {
			clientID = wr.findLightestClient()
		}

		assignments[clientID] = append(assignments[clientID], task)
		wr.clientWeights[clientID] += weight
	}

	return assignments
}

// ClientWeight returns the total weight assigned to a client.
func (wr *WeightedRing) ClientWeight(clientID string) int64 {
	return wr.clientWeights[clientID]
}

// findLightestClient returns the client with the lowest current weight.
func (wr *WeightedRing) findLightestClient() string {
	clients := wr.Clients()
	if len(clients) == 0 {
		return ""
	}

	minClient := clients[0]
	minWeight := wr.clientWeights[minClient]

	for _, client := range clients[1:] {
		if wr.clientWeights[client] < minWeight {
			minClient = client
			minWeight = wr.clientWeights[client]
		}
	}

	return minClient
}
