package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// checkpointerContract exercises the behavior every Checkpointer must share.
// threadPrefix keeps runs against shared databases isolated.
func checkpointerContract(t *testing.T, cp Checkpointer, threadPrefix string) {
	t.Helper()
	ctx := context.Background()
	thread := threadPrefix + "-thread"

	t.Run("load latest of unknown thread", func(t *testing.T) {
		_, err := cp.LoadLatest(ctx, threadPrefix+"-missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("load unknown id", func(t *testing.T) {
		_, err := cp.Load(ctx, "does-not-exist")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("list unknown thread is empty", func(t *testing.T) {
		list, err := cp.List(ctx, threadPrefix+"-missing")
		require.NoError(t, err)
		assert.Empty(t, list)
	})

	t.Run("rejects invalid input", func(t *testing.T) {
		_, err := cp.Save(ctx, "", &Checkpoint{})
		assert.ErrorIs(t, err, ErrInvalidCheckpoint)
		_, err = cp.Save(ctx, thread, nil)
		assert.ErrorIs(t, err, ErrInvalidCheckpoint)
	})

	var firstID, secondID string

	t.Run("save and load round trip", func(t *testing.T) {
		first := &Checkpoint{
			Step:     0,
			State:    map[string]any{"messages": []any{"hi"}, "count": 2},
			Frontier: []string{"a", "b"},
			Source:   SourceInput,
		}
		id, err := cp.Save(ctx, thread, first)
		require.NoError(t, err)
		require.NotEmpty(t, id)
		assert.Equal(t, id, first.ID)
		firstID = id

		got, err := cp.Load(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, thread, got.ThreadID)
		assert.Equal(t, 0, got.Step)
		assert.Equal(t, []string{"a", "b"}, got.Frontier)
		assert.Equal(t, []any{"hi"}, got.State["messages"])
		assert.EqualValues(t, 2, got.State["count"])
		assert.Equal(t, SourceInput, got.Source)
		assert.Nil(t, got.Interrupt)
		assert.WithinDuration(t, first.CreatedAt, got.CreatedAt, time.Millisecond)
	})

	t.Run("append only with parent links", func(t *testing.T) {
		second := &Checkpoint{
			ParentID: firstID,
			Step:     1,
			State:    map[string]any{"count": 5},
			Frontier: []string{"c"},
			Source:   SourceInterrupt,
			Interrupt: &InterruptRecord{
				Kind:    "after",
				Node:    "b",
				Message: "review",
				Data:    map[string]any{"k": "v"},
			},
		}
		id, err := cp.Save(ctx, thread, second)
		require.NoError(t, err)
		require.NotEqual(t, firstID, id)
		secondID = id

		latest, err := cp.LoadLatest(ctx, thread)
		require.NoError(t, err)
		assert.Equal(t, secondID, latest.ID)
		assert.Equal(t, firstID, latest.ParentID)
		require.NotNil(t, latest.Interrupt)
		assert.Equal(t, "after", latest.Interrupt.Kind)
		assert.Equal(t, "b", latest.Interrupt.Node)
		assert.Equal(t, map[string]any{"k": "v"}, latest.Interrupt.Data)

		// The first checkpoint is untouched.
		first, err := cp.Load(ctx, firstID)
		require.NoError(t, err)
		assert.Equal(t, 0, first.Step)
	})

	t.Run("list in creation order", func(t *testing.T) {
		list, err := cp.List(ctx, thread)
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, firstID, list[0].ID)
		assert.Equal(t, secondID, list[1].ID)
	})

	t.Run("threads are isolated", func(t *testing.T) {
		other := threadPrefix + "-other"
		_, err := cp.Save(ctx, other, &Checkpoint{Source: SourceLoop})
		require.NoError(t, err)

		list, err := cp.List(ctx, thread)
		require.NoError(t, err)
		assert.Len(t, list, 2)

		latest, err := cp.LoadLatest(ctx, other)
		require.NoError(t, err)
		assert.Empty(t, latest.Frontier)
		assert.NotNil(t, latest.State)
	})
}

func TestPrepare_AssignsFreshIDs(t *testing.T) {
	cp := &Checkpoint{ID: "caller-chosen"}
	require.NoError(t, prepare("t1", cp))
	assert.NotEqual(t, "caller-chosen", cp.ID)
	assert.Equal(t, "t1", cp.ThreadID)
	assert.False(t, cp.CreatedAt.IsZero())
	assert.NotNil(t, cp.State)
	assert.NotNil(t, cp.Frontier)
}

func TestEncode_RejectsUnencodableState(t *testing.T) {
	_, err := encode(&Checkpoint{State: map[string]any{"ch": make(chan int)}})
	assert.Error(t, err)
}
