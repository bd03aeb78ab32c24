// Package mockmongo provides a hand-rolled, scriptable fake of
// clientsmongo.Client for store-level unit tests, queued one expectation per
// call so a test can assert both the arguments a call receives and the
// result it returns without standing up a real MongoDB instance.
package mockmongo

import (
	"context"
	"testing"

	"github.com/patchloop/orchestrator/runtime/memory"
)

type loadRunFunc func(ctx context.Context, runID string) (memory.Snapshot, error)
type appendEventsFunc func(ctx context.Context, runID string, events []memory.Event) error

// Client is a queued fake implementation of clientsmongo.Client.
type Client struct {
	t             *testing.T
	loadRunQueue  []loadRunFunc
	appendQueue   []appendEventsFunc
}

// NewClient constructs an empty Client bound to t; unexpected calls fail the
// test immediately via t.Fatalf, and HasMore reports expectations that were
// queued but never consumed.
func NewClient(t *testing.T) *Client {
	return &Client{t: t}
}

// AddLoadRun queues fn to handle the next LoadRun call.
func (c *Client) AddLoadRun(fn loadRunFunc) { c.loadRunQueue = append(c.loadRunQueue, fn) }

// AddAppendEvents queues fn to handle the next AppendEvents call.
func (c *Client) AddAppendEvents(fn appendEventsFunc) { c.appendQueue = append(c.appendQueue, fn) }

// HasMore reports whether any queued expectation was never consumed.
func (c *Client) HasMore() bool {
	return len(c.loadRunQueue) > 0 || len(c.appendQueue) > 0
}

func (c *Client) Name() string { return "mock-memory-mongo" }

func (c *Client) Ping(context.Context) error { return nil }

func (c *Client) LoadRun(ctx context.Context, runID string) (memory.Snapshot, error) {
	if len(c.loadRunQueue) == 0 {
		c.t.Fatalf("mockmongo: unexpected LoadRun(%q)", runID)
	}
	fn := c.loadRunQueue[0]
	c.loadRunQueue = c.loadRunQueue[1:]
	return fn(ctx, runID)
}

func (c *Client) AppendEvents(ctx context.Context, runID string, events []memory.Event) error {
	if len(c.appendQueue) == 0 {
		c.t.Fatalf("mockmongo: unexpected AppendEvents(%q)", runID)
	}
	fn := c.appendQueue[0]
	c.appendQueue = c.appendQueue[1:]
	return fn(ctx, runID, events)
}
