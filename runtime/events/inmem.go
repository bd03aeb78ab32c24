package events

import (
	"context"
	"fmt"
	"strconv"
	"sync"
)

// NewBus returns an in-process Bus. Subscribers are invoked synchronously,
// in registration order, on the goroutine that calls Publish.
func NewBus() Bus {
	return &bus{subs: make(map[int]Subscriber)}
}

type bus struct {
	mu   sync.Mutex
	next int
	subs map[int]Subscriber
}

func (b *bus) Publish(ctx context.Context, e Event) {
	b.mu.Lock()
	subs := make([]Subscriber, 0, len(b.subs))
	for id := 0; id < b.next; id++ {
		if sub, ok := b.subs[id]; ok {
			subs = append(subs, sub)
		}
	}
	b.mu.Unlock()
	for _, sub := range subs {
		sub.Notify(ctx, e)
	}
}

func (b *bus) Register(sub Subscriber) func() {
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = sub
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

// NewStore returns an in-memory Store, suitable for tests and for runs that
// do not need a trace log to outlive the process.
func NewStore() Store {
	return &memStore{byRun: make(map[string][]*Event)}
}

type memStore struct {
	mu    sync.Mutex
	byRun map[string][]*Event
	seq   int
}

func (s *memStore) Append(_ context.Context, e *Event) error {
	if e.RunID == "" {
		return fmt.Errorf("events: run id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.ID == "" {
		s.seq++
		e.ID = strconv.Itoa(s.seq)
	}
	cp := *e
	s.byRun[e.RunID] = append(s.byRun[e.RunID], &cp)
	return nil
}

func (s *memStore) List(_ context.Context, runID string, cursor string, limit int) (Page, error) {
	if runID == "" {
		return Page{}, fmt.Errorf("events: run id is required")
	}
	s.mu.Lock()
	all := s.byRun[runID]
	s.mu.Unlock()

	start := 0
	if cursor != "" {
		idx, err := strconv.Atoi(cursor)
		if err != nil || idx < 0 || idx > len(all) {
			return Page{}, fmt.Errorf("events: invalid cursor %q", cursor)
		}
		start = idx
	}
	if limit <= 0 {
		limit = 100
	}
	end := start + limit
	if end > len(all) {
		end = len(all)
	}
	page := Page{Events: append([]*Event(nil), all[start:end]...)}
	if end < len(all) {
		page.NextCursor = strconv.Itoa(end)
	}
	return page, nil
}
