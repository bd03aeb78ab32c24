package artifacts_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/patchloop/orchestrator/runtime/artifacts"
	"github.com/patchloop/orchestrator/runtime/events"
)

func TestTraceWriterAppendAndList(t *testing.T) {
	dir := t.TempDir()
	w := artifacts.NewTraceWriter(filepath.Join(dir, "trace.jsonl"))
	ctx := context.Background()

	e1 := &events.Event{RunID: "run-1", Type: events.RunStarted}
	require.NoError(t, w.Append(ctx, e1))
	require.NotEmpty(t, e1.ID)

	e2 := &events.Event{RunID: "run-1", Type: events.RunFinished}
	require.NoError(t, w.Append(ctx, e2))

	page, err := w.List(ctx, "run-1", "", 10)
	require.NoError(t, err)
	require.Len(t, page.Events, 2)
	require.Equal(t, events.RunStarted, page.Events[0].Type)
	require.Equal(t, events.RunFinished, page.Events[1].Type)
	require.Empty(t, page.NextCursor)
}

func TestTraceWriterListMissingFile(t *testing.T) {
	dir := t.TempDir()
	w := artifacts.NewTraceWriter(filepath.Join(dir, "missing.jsonl"))
	page, err := w.List(context.Background(), "run-1", "", 10)
	require.NoError(t, err)
	require.Empty(t, page.Events)
}

func TestTraceWriterAppendRequiresRunID(t *testing.T) {
	dir := t.TempDir()
	w := artifacts.NewTraceWriter(filepath.Join(dir, "trace.jsonl"))
	err := w.Append(context.Background(), &events.Event{Type: events.RunStarted})
	require.Error(t, err)
}

func TestTraceWriterFiltersByRunID(t *testing.T) {
	dir := t.TempDir()
	w := artifacts.NewTraceWriter(filepath.Join(dir, "trace.jsonl"))
	ctx := context.Background()
	require.NoError(t, w.Append(ctx, &events.Event{RunID: "run-1", Type: events.RunStarted}))
	require.NoError(t, w.Append(ctx, &events.Event{RunID: "run-2", Type: events.RunStarted}))

	page, err := w.List(ctx, "run-2", "", 10)
	require.NoError(t, err)
	require.Len(t, page.Events, 1)
	require.Equal(t, "run-2", page.Events[0].RunID)
}
