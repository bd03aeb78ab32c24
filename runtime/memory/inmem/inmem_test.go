package inmem

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/patchloop/orchestrator/runtime/memory"
)

func TestAppendAndLoad(t *testing.T) {
	store := New()
	ctx := context.Background()

	require.NoError(t, store.AppendEvents(ctx, "run-1", memory.Event{Type: memory.EventGoal, Data: "fix the bug"}))
	require.NoError(t, store.AppendEvents(ctx, "run-1", memory.Event{Type: memory.EventVerification, Data: map[string]any{"pass": false}}))

	snap, err := store.LoadRun(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, snap.Events, 2)

	reader := memory.NewReader(snap.Events)
	latest, ok := reader.Latest(memory.EventVerification)
	require.True(t, ok)
	require.Equal(t, map[string]any{"pass": false}, latest.Data)

	require.Empty(t, reader.FilterByType(memory.EventPatchApplied))
}

func TestLoadRunUnknown(t *testing.T) {
	store := New()
	snap, err := store.LoadRun(context.Background(), "missing")
	require.NoError(t, err)
	require.Empty(t, snap.Events)
}
