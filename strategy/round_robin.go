package strategy

import (
	"sort"

	"github.com/arloliu/loom/types"
)

// RoundRobin implements simple round-robin task assignment.
type RoundRobin struct{}

var _ types.TaskAssigner = (*RoundRobin)(nil)

// NewRoundRobin creates a new round-robin strategy.
//
// The strategy distributes tasks evenly across clients in a simple
// round-robin fashion. This provides predictable assignment but moves most
// tasks whenever the quorum changes.
//
// Returns:
//   - *RoundRobin: Initialized round-robin strategy
func NewRoundRobin() *RoundRobin {
	return &RoundRobin{}
}

// Assign calculates task assignments using round-robin distribution.
//
// Clients are sorted before distribution so every replica computes the same
// result from the same membership.
//
// Parameters:
//   - clients: Quorum member client IDs
//   - tasks: Tasks to distribute
//
// Returns:
//   - map[string][]types.Task: Map from client ID to assigned tasks
//   - error: Assignment error (e.g. no clients available)
func (rr *RoundRobin) Assign(clients []string, tasks []types.Task) (map[string][]types.Task, error) {
	if len(clients) == 0 {
		return nil, types.ErrNoClientsAvailable
	}

	ordered := append([]string(nil), clients...)
	sort.Strings(ordered)

	assignments := make(map[string][]types.Task)
	for _, c := range ordered {
		assignments[c] = []types.Task{}
	}

	for i, task := range tasks {
		client := ordered[i%len(ordered)]
		assignments[client] = append(assignments[client], task)
	}

	return assignments, nil
}
