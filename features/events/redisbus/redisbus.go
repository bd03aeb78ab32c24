// Package redisbus implements the Event Bus's optional companion fan-out
// named in spec.md §4.A: every event published locally is additionally
// XADDed to a Redis stream so a separate dashboard process can tail a
// run's progress without sharing this process's memory. Local delivery
// (the in-process Bus this wraps) always happens and never blocks on
// Redis; a stream publish failure is swallowed and counted (see Failures)
// rather than surfacing to the run engine, matching the Event Bus's
// no-backpressure-on-subscribers contract.
//
// Grounded on the teacher's features/model/gateway remote-client split
// (keep the transport concern in its own adapter package, behind the
// same interface the in-process default satisfies) and on
// github.com/redis/go-redis/v9's stream (XADD) API, the corpus's one
// Redis client.
package redisbus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/patchloop/orchestrator/runtime/events"
)

// streamMaxLen caps each run's Redis stream with an approximate MAXLEN
// trim so a long-running run's event stream can't grow unbounded.
const streamMaxLen = 10000

// Bus wraps an in-process events.Bus, additionally publishing every event
// to a Redis stream named by its run ID.
type Bus struct {
	inner  events.Bus
	client *redis.Client
	prefix string

	mu       sync.Mutex
	failures int
}

// Options configures a Bus.
type Options struct {
	// Addr is the Redis server address (host:port).
	Addr string
	// Password authenticates to Redis, if required.
	Password string
	// DB selects the Redis logical database.
	DB int
	// StreamPrefix namespaces stream keys, default "orchestrator:events:".
	StreamPrefix string
}

// New constructs a Bus over inner, publishing additionally to Redis per
// opts. inner handles all local subscriber fan-out; Redis is purely an
// outward-facing companion log.
func New(inner events.Bus, opts Options) *Bus {
	prefix := opts.StreamPrefix
	if prefix == "" {
		prefix = "orchestrator:events:"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	return &Bus{inner: inner, client: client, prefix: prefix}
}

// Publish delivers e to local subscribers, then best-effort mirrors it
// onto the run's Redis stream.
func (b *Bus) Publish(ctx context.Context, e events.Event) {
	b.inner.Publish(ctx, e)

	payload, err := json.Marshal(e)
	if err != nil {
		b.recordFailure(fmt.Errorf("redisbus: marshal event: %w", err))
		return
	}
	_, err = b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: b.prefix + e.RunID,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]any{"event": payload},
	}).Result()
	if err != nil {
		b.recordFailure(fmt.Errorf("redisbus: xadd: %w", err))
	}
}

// Register delegates to the wrapped in-process Bus; Redis is a one-way
// mirror with no subscriber surface of its own.
func (b *Bus) Register(sub events.Subscriber) func() {
	return b.inner.Register(sub)
}

// Failures reports how many publishes failed to reach Redis since
// construction, for a CLI doctor-style health check.
func (b *Bus) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

func (b *Bus) recordFailure(_ error) {
	b.mu.Lock()
	b.failures++
	b.mu.Unlock()
}

// Close releases the underlying Redis client.
func (b *Bus) Close() error {
	return b.client.Close()
}
