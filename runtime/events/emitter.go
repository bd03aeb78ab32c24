package events

import (
	"context"
	"encoding/json"
	"time"
)

// Emitter is the single call every component uses to report a lifecycle
// event, per spec.md §5's ordering guarantee: for any pair of events A then
// B, A's bytes reach durable storage before B's begin. Emit appends to the
// durable Store first and only then fans the event out over the Bus, so a
// live subscriber never observes an event the trace log hasn't already
// committed.
type Emitter struct {
	Bus   Bus
	Store Store
}

// NewEmitter pairs a Bus and a Store behind one append-then-publish call.
func NewEmitter(bus Bus, store Store) Emitter {
	return Emitter{Bus: bus, Store: store}
}

// Emit marshals payload, appends the resulting event to the Store, and
// publishes it on the Bus. Store append failures are returned; callers on
// the hot path (engine finalization) should treat them as fatal to the run
// per spec.md §7 (trace durability is not best-effort).
func (e Emitter) Emit(ctx context.Context, runID string, typ Type, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	ev := &Event{RunID: runID, Type: typ, Payload: data, Timestamp: time.Now()}
	if e.Store != nil {
		if err := e.Store.Append(ctx, ev); err != nil {
			return err
		}
	}
	if e.Bus != nil {
		e.Bus.Publish(ctx, *ev)
	}
	return nil
}
