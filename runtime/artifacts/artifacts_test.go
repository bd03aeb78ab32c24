package artifacts_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/patchloop/orchestrator/runtime/artifacts"
)

func TestCreateIsIdempotent(t *testing.T) {
	repo := t.TempDir()
	store := artifacts.NewFileStore()
	ctx := context.Background()

	m1, err := store.Create(ctx, repo, "run-1", "run fix the bug")
	require.NoError(t, err)
	require.Equal(t, "run-1", m1.RunID)
	require.FileExists(t, filepath.Join(m1.ArtifactsDir, "manifest.json"))

	m2, err := store.Create(ctx, repo, "run-1", "run fix the bug")
	require.NoError(t, err)
	require.Equal(t, m1.StartedAt, m2.StartedAt)
}

func TestAddPatchAppendsManifest(t *testing.T) {
	repo := t.TempDir()
	store := artifacts.NewFileStore()
	ctx := context.Background()
	_, err := store.Create(ctx, repo, "run-1", "cmd")
	require.NoError(t, err)

	path, err := store.AddPatch(ctx, "run-1", "iter_1_candidate_0.patch", []byte("diff --git a b"))
	require.NoError(t, err)
	require.FileExists(t, path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, byte('\n'), data[len(data)-1])

	m, err := store.Manifest(ctx, "run-1")
	require.NoError(t, err)
	require.Equal(t, []string{path}, m.PatchPaths)

	// Adding the same path again must not duplicate it.
	_, err = store.AddPatch(ctx, "run-1", "iter_1_candidate_0.patch", []byte("diff --git a b"))
	require.NoError(t, err)
	m, err = store.Manifest(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, m.PatchPaths, 1)
}

func TestWriteSummaryAndEffectiveConfig(t *testing.T) {
	repo := t.TempDir()
	store := artifacts.NewFileStore()
	ctx := context.Background()
	m, err := store.Create(ctx, repo, "run-1", "cmd")
	require.NoError(t, err)

	require.NoError(t, store.WriteSummary(ctx, "run-1", map[string]any{"status": "success"}))
	require.FileExists(t, m.SummaryPath)

	require.NoError(t, store.WriteEffectiveConfig(ctx, "run-1", map[string]any{"thinkLevel": "L1"}))
	require.FileExists(t, m.EffectiveConfigPath)
}

func TestUnknownRunErrors(t *testing.T) {
	store := artifacts.NewFileStore()
	_, err := store.Manifest(context.Background(), "missing")
	require.Error(t, err)
}

func TestReviewLoopDirCreatesDirectory(t *testing.T) {
	repo := t.TempDir()
	store := artifacts.NewFileStore()
	ctx := context.Background()
	_, err := store.Create(ctx, repo, "run-1", "cmd")
	require.NoError(t, err)

	dir, err := store.ReviewLoopDir(ctx, "run-1", 2, "revise")
	require.NoError(t, err)
	info, err := os.Stat(dir)
	require.NoError(t, err)
	require.True(t, info.IsDir())
}
