// Package vcs implements the VCS Gateway (spec.md §4.H): checkpoint,
// rollback, and HEAD-SHA access over the run's working tree, entirely
// in-process over github.com/go-git/go-git/v5 rather than shelling out to a
// git binary, so rollback works in sandboxes with no git executable on
// PATH. Grounded on Streamy's use of go-git for its own file-sync
// checkpoints (internal/plugins/repo/repo.go), generalized here from
// clone/checkout to commit-based snapshot/restore.
package vcs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// checkpointNamespace is the ref prefix under which every checkpoint this
// package creates lives, per spec.md §4.H.
const checkpointNamespace = "refs/orchestrator/checkpoints"

// Gateway exposes createCheckpoint/rollbackToCheckpoint/getHeadSha over a
// single repository. Per spec.md §4.H's invariant ("the run holds the
// lock"), every method serializes on one mutex so two steps of the same run
// never interleave a checkpoint and a rollback.
type Gateway struct {
	mu    sync.Mutex
	repo  *git.Repository
	runID string
}

// Open opens the git repository rooted at repoRoot for the given run.
func Open(repoRoot, runID string) (*Gateway, error) {
	repo, err := git.PlainOpen(repoRoot)
	if err != nil {
		return nil, fmt.Errorf("vcs: open %s: %w", repoRoot, err)
	}
	return &Gateway{repo: repo, runID: runID}, nil
}

// CreateCheckpoint commits the current working tree (staging every
// modified, deleted, and untracked file) to a dedicated ref under
// refs/orchestrator/checkpoints/<runId>/<label>, without moving the
// repository's actual branch pointer. Returns the ref name, which
// RollbackToCheckpoint later takes to restore this exact state.
func (g *Gateway) CreateCheckpoint(ctx context.Context, label string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	wt, err := g.repo.Worktree()
	if err != nil {
		return "", fmt.Errorf("vcs: worktree: %w", err)
	}
	headRef, err := g.repo.Head()
	if err != nil {
		return "", fmt.Errorf("vcs: head: %w", err)
	}
	beforeHash := headRef.Hash()

	if _, err := wt.Add("."); err != nil {
		return "", fmt.Errorf("vcs: stage working tree: %w", err)
	}

	sig := &object.Signature{Name: "orchestrator", Email: "orchestrator@localhost", When: time.Now()}
	commitHash, err := wt.Commit(fmt.Sprintf("orchestrator checkpoint: %s", label), &git.CommitOptions{
		Author:            sig,
		Committer:         sig,
		AllowEmptyCommits: true,
	})
	if err != nil {
		return "", fmt.Errorf("vcs: commit checkpoint: %w", err)
	}

	// The commit above advanced whatever ref HEAD points at. Restore it so
	// the checkpoint is observable only through its own ref, leaving the
	// run's actual branch exactly where it was.
	if err := g.restoreRef(headRef.Name(), beforeHash); err != nil {
		return "", err
	}

	refName := g.checkpointRef(label)
	if err := g.repo.Storer.SetReference(plumbing.NewHashReference(refName, commitHash)); err != nil {
		return "", fmt.Errorf("vcs: set checkpoint ref: %w", err)
	}
	return refName.String(), nil
}

// RollbackToCheckpoint hard-resets the working tree and the current branch
// to the commit ref points at. ref must be a value previously returned by
// CreateCheckpoint.
func (g *Gateway) RollbackToCheckpoint(ctx context.Context, ref string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	target, err := g.repo.Reference(plumbing.ReferenceName(ref), true)
	if err != nil {
		return fmt.Errorf("vcs: resolve checkpoint %q: %w", ref, err)
	}

	wt, err := g.repo.Worktree()
	if err != nil {
		return fmt.Errorf("vcs: worktree: %w", err)
	}
	if err := wt.Reset(&git.ResetOptions{Commit: target.Hash(), Mode: git.HardReset}); err != nil {
		return fmt.Errorf("vcs: reset to %q: %w", ref, err)
	}

	headRef, err := g.repo.Head()
	if err != nil {
		return fmt.Errorf("vcs: head: %w", err)
	}
	return g.restoreRef(headRef.Name(), target.Hash())
}

// GetHeadSha returns the current HEAD commit hash as a hex string.
func (g *Gateway) GetHeadSha(ctx context.Context) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	headRef, err := g.repo.Head()
	if err != nil {
		return "", fmt.Errorf("vcs: head: %w", err)
	}
	return headRef.Hash().String(), nil
}

func (g *Gateway) checkpointRef(label string) plumbing.ReferenceName {
	return plumbing.ReferenceName(fmt.Sprintf("%s/%s/%s", checkpointNamespace, g.runID, label))
}

// restoreRef points name back at hash. name is a symbolic branch ref when
// the repository is on a branch, or HEAD itself when detached.
func (g *Gateway) restoreRef(name plumbing.ReferenceName, hash plumbing.Hash) error {
	if name == plumbing.HEAD {
		return g.repo.Storer.SetReference(plumbing.NewHashReference(plumbing.HEAD, hash))
	}
	return g.repo.Storer.SetReference(plumbing.NewHashReference(name, hash))
}
