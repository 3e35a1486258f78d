package source

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/arloliu/loom/types"
)

func TestStatic_ListTasks(t *testing.T) {
	t.Run("returns all tasks", func(t *testing.T) {
		tasks := []types.Task{
			{Name: "spell", Weight: 1},
			{Name: "translation", Weight: 2},
			{Name: "intel", Weight: 3},
		}
		src := NewStatic(tasks)

		result, err := src.ListTasks(context.Background())

		require.NoError(t, err)
		require.Len(t, result, 3)
		require.Equal(t, tasks, result)
	})

	t.Run("returns empty list when no tasks", func(t *testing.T) {
		src := NewStatic([]types.Task{})

		result, err := src.ListTasks(context.Background())

		require.NoError(t, err)
		require.Empty(t, result)
	})

	t.Run("does not expose internal slice", func(t *testing.T) {
		src := NewStatic([]types.Task{{Name: "spell", Weight: 1}})

		result, err := src.ListTasks(context.Background())
		require.NoError(t, err)

		// Modify returned slice
		result[0].Weight = 999

		// Source should be unchanged
		again, _ := src.ListTasks(context.Background())
		require.Equal(t, int64(1), again[0].Weight)
	})
}

func TestStatic_Update(t *testing.T) {
	src := NewStatic([]types.Task{{Name: "spell"}})

	src.Update([]types.Task{{Name: "spell"}, {Name: "snapshot"}})

	result, err := src.ListTasks(context.Background())
	require.NoError(t, err)
	require.Len(t, result, 2)
	require.Equal(t, "snapshot", result[1].Name)
}
