package vcs_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/require"

	"github.com/patchloop/orchestrator/runtime/vcs"
)

func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)

	filePath := filepath.Join(dir, "main.go")
	require.NoError(t, os.WriteFile(filePath, []byte("package main\n"), 0o644))

	wt, err := repo.Worktree()
	require.NoError(t, err)
	_, err = wt.Add("main.go")
	require.NoError(t, err)

	sig := &object.Signature{Name: "test", Email: "test@localhost", When: time.Now()}
	_, err = wt.Commit("initial", &git.CommitOptions{Author: sig, Committer: sig})
	require.NoError(t, err)

	return dir
}

func TestCheckpointThenRollbackRestoresWorkingTree(t *testing.T) {
	dir := initRepo(t)
	gw, err := vcs.Open(dir, "run-1")
	require.NoError(t, err)

	before, err := gw.GetHeadSha(context.Background())
	require.NoError(t, err)

	filePath := filepath.Join(dir, "main.go")
	require.NoError(t, os.WriteFile(filePath, []byte("package main\n\nfunc bad() {}\n"), 0o644))

	ref, err := gw.CreateCheckpoint(context.Background(), "pre-step")
	require.NoError(t, err)
	require.Contains(t, ref, "refs/orchestrator/checkpoints/run-1/pre-step")

	// Checkpointing must not move the branch HEAD.
	after, err := gw.GetHeadSha(context.Background())
	require.NoError(t, err)
	require.Equal(t, before, after)

	// Simulate a worse edit after the checkpoint.
	require.NoError(t, os.WriteFile(filePath, []byte("totally broken"), 0o644))

	require.NoError(t, gw.RollbackToCheckpoint(context.Background(), ref))

	data, err := os.ReadFile(filePath)
	require.NoError(t, err)
	require.Equal(t, "package main\n\nfunc bad() {}\n", string(data))
}

func TestGetHeadShaReturnsHexString(t *testing.T) {
	dir := initRepo(t)
	gw, err := vcs.Open(dir, "run-1")
	require.NoError(t, err)

	sha, err := gw.GetHeadSha(context.Background())
	require.NoError(t, err)
	require.Len(t, sha, 40)
}

func TestRollbackUnknownCheckpointErrors(t *testing.T) {
	dir := initRepo(t)
	gw, err := vcs.Open(dir, "run-1")
	require.NoError(t, err)

	err = gw.RollbackToCheckpoint(context.Background(), "refs/orchestrator/checkpoints/run-1/does-not-exist")
	require.Error(t, err)
}

func TestOpenRejectsNonGitDirectory(t *testing.T) {
	dir := t.TempDir()
	_, err := vcs.Open(dir, "run-1")
	require.Error(t, err)
}
