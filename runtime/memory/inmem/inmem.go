// Package inmem provides an in-memory implementation of memory.Store for
// tests and single-process local runs. See features/memory/mongo for the
// durable backend.
package inmem

import (
	"context"
	"sync"

	"github.com/patchloop/orchestrator/runtime/memory"
)

// Store implements memory.Store with no durability.
type Store struct {
	mu   sync.Mutex
	runs map[string][]memory.Event
}

// New constructs an empty Store.
func New() *Store {
	return &Store{runs: make(map[string][]memory.Event)}
}

func (s *Store) LoadRun(_ context.Context, runID string) (memory.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	events := s.runs[runID]
	out := make([]memory.Event, len(events))
	copy(out, events)
	return memory.Snapshot{RunID: runID, Events: out}, nil
}

func (s *Store) AppendEvents(_ context.Context, runID string, events ...memory.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[runID] = append(s.runs[runID], events...)
	return nil
}
