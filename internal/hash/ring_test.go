package hash

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/arloliu/loom/types"
)

func TestNew(t *testing.T) {
	clients := []string{"client-0", "client-1", "client-2"}
	ring := NewRing(clients, 100, 0)

	require.NotNil(t, ring)
	require.Equal(t, 300, ring.Size()) // 3 clients * 100 virtual nodes
	require.ElementsMatch(t, clients, ring.Clients())
}

func TestRing_GetNode(t *testing.T) {
	t.Run("assigns keys consistently", func(t *testing.T) {
		clients := []string{"client-0", "client-1"}
		ring := NewRing(clients, 150, 0)

		// Same key always maps to the same client
		for _, key := range []string{"spell", "translation", "intel"} {
			first := ring.GetNode(key)
			second := ring.GetNode(key)
			third := ring.GetNode(key)

			require.Equal(t, first, second, "key %s not consistent", key)
			require.Equal(t, first, third, "key %s not consistent", key)
			require.Contains(t, clients, first, "client should be from known set")
		}
	})

	t.Run("distributes keys across clients", func(t *testing.T) {
		clients := []string{"client-0", "client-1", "client-2"}
		ring := NewRing(clients, 150, 0)

		counts := make(map[string]int)
		for i := range 1000 {
			counts[ring.GetNode(fmt.Sprintf("task-%d", i))]++
		}

		// Each client should get roughly 1/3 of keys (allow 20% variance)
		expectedPerClient := 1000 / len(clients)
		tolerance := expectedPerClient * 20 / 100

		for _, client := range clients {
			require.Contains(t, counts, client, "client should have assignments")
			count := counts[client]
			require.GreaterOrEqual(t, count, expectedPerClient-tolerance, "client %s under-assigned", client)
			require.LessOrEqual(t, count, expectedPerClient+tolerance, "client %s over-assigned", client)
		}
	})

	t.Run("returns empty string for empty ring", func(t *testing.T) {
		ring := NewRing([]string{}, 150, 0)
		require.Empty(t, ring.GetNode("any-key"))
	})

	t.Run("deduplicates clients", func(t *testing.T) {
		ring := NewRing([]string{"client-0", "client-0", "client-1"}, 50, 0)
		require.Equal(t, 100, ring.Size())
		require.Equal(t, []string{"client-0", "client-1"}, ring.Clients())
	})
}

func TestRing_GetNodeForTask(t *testing.T) {
	clients := []string{"client-0", "client-1"}
	ring := NewRing(clients, 150, 0)

	t.Run("maps tasks by name", func(t *testing.T) {
		task := types.Task{Name: "spell", Weight: 100}
		client := ring.GetNodeForTask(task)
		require.Contains(t, clients, client)
		require.Equal(t, ring.GetNode("spell"), client)
	})

	t.Run("empty task name maps nowhere", func(t *testing.T) {
		require.Empty(t, ring.GetNodeForTask(types.Task{}))
	})
}

func TestRing_Affinity(t *testing.T) {
	// Adding one client should move only a fraction of keys.
	before := NewRing([]string{"client-0", "client-1", "client-2"}, 150, 0)
	after := NewRing([]string{"client-0", "client-1", "client-2", "client-3"}, 150, 0)

	moved := 0
	const keys = 1000
	for i := range keys {
		key := fmt.Sprintf("task-%d", i)
		if before.GetNode(key) != after.GetNode(key) {
			moved++
		}
	}

	// Ideal movement is 1/4 of keys; allow up to 40%.
	require.Less(t, moved, keys*40/100, "too many keys moved when scaling: %d", moved)
}

func TestRing_Seed(t *testing.T) {
	clients := []string{"client-0", "client-1", "client-2"}
	seeded := NewRing(clients, 150, 42)
	unseeded := NewRing(clients, 150, 0)

	// Seeded rings are internally consistent.
	require.Equal(t, seeded.GetNode("task-x"), seeded.GetNode("task-x"))

	// Different seeds usually change some placements.
	differs := false
	for i := range 100 {
		key := fmt.Sprintf("task-%d", i)
		if seeded.GetNode(key) != unseeded.GetNode(key) {
			differs = true
			break
		}
	}
	require.True(t, differs, "seed should influence placement")
}

func TestWeightedRing_AssignTasks(t *testing.T) {
	t.Run("assigns all tasks", func(t *testing.T) {
		ring := NewWeighted([]string{"client-0", "client-1"}, 150, 0)
		tasks := []types.Task{
			{Name: "spell", Weight: 100},
			{Name: "translation", Weight: 100},
			{Name: "intel", Weight: 100},
			{Name: "snapshot", Weight: 100},
		}

		assignments := ring.AssignTasks(tasks)

		total := 0
		for _, assigned := range assignments {
			total += len(assigned)
		}
		require.Equal(t, len(tasks), total)
	})

	t.Run("respects weight ceiling", func(t *testing.T) {
		ring := NewWeighted([]string{"client-0", "client-1", "client-2"}, 150, 0)

		tasks := make([]types.Task, 30)
		for i := range tasks {
			tasks[i] = types.Task{Name: fmt.Sprintf("task-%d", i), Weight: 10}
		}

		assignments := ring.AssignTasks(tasks)

		// Total weight 300 over 3 clients: average 100, ceiling 115.
		for client, assigned := range assignments {
			weight := int64(0)
			for _, task := range assigned {
				weight += task.EffectiveWeight()
			}
			require.LessOrEqual(t, weight, int64(115), "client %s overloaded", client)
			require.Equal(t, weight, ring.ClientWeight(client))
		}
	})

	t.Run("empty inputs", func(t *testing.T) {
		require.Empty(t, NewWeighted([]string{"client-0"}, 150, 0).AssignTasks(nil))
		require.Empty(t, NewWeighted(nil, 150, 0).AssignTasks([]types.Task{{Name: "spell"}}))
	})
}
