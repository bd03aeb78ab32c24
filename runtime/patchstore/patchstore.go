// Package patchstore implements the Patch Store (spec.md §4.G): the three
// fixed patch-file naming conventions a run produces, each persisted
// through the Artifact Store (runtime/artifacts) so every save gets a
// trailing newline and an atomic, de-duplicated manifest update for free.
package patchstore

import (
	"context"
	"fmt"

	"github.com/patchloop/orchestrator/runtime/artifacts"
)

// Store names and saves the three patch artifact kinds spec.md §4.G
// defines, delegating the actual write/manifest-update to an
// artifacts.Store.
type Store struct {
	artifacts artifacts.Store
}

// New constructs a Store backed by the given Artifact Store.
func New(artifactStore artifacts.Store) *Store {
	return &Store{artifacts: artifactStore}
}

// SaveCandidate writes an L3 candidate's raw diff as
// iter_<i>_candidate_<j>.patch.
func (s *Store) SaveCandidate(ctx context.Context, runID string, iter, candidate int, diffText string) (string, error) {
	name := fmt.Sprintf("iter_%d_candidate_%d.patch", iter, candidate)
	return s.artifacts.AddPatch(ctx, runID, name, []byte(diffText))
}

// SaveSelected writes the diff chosen for application in an iteration as
// iter_<i>_selected.patch.
func (s *Store) SaveSelected(ctx context.Context, runID string, iter int, diffText string) (string, error) {
	name := fmt.Sprintf("iter_%d_selected.patch", iter)
	return s.artifacts.AddPatch(ctx, runID, name, []byte(diffText))
}

// SaveFinal writes the run's cumulative final diff as final.diff.patch.
func (s *Store) SaveFinal(ctx context.Context, runID string, diffText string) (string, error) {
	return s.artifacts.AddPatch(ctx, runID, "final.diff.patch", []byte(diffText))
}
