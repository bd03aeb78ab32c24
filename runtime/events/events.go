// Package events implements the Event Bus and Trace Writer (spec §4.A): an
// in-process pub-sub fanout for live subscribers (CLI progress output, a
// future dashboard) plus a durable, append-only per-run trace log that
// survives the publishing process.
//
// The Bus is grounded on the teacher runtime's hooks.Bus pub-sub contract
// (publish-then-fanout to registered subscribers, no back-pressure on slow
// subscribers); the Store is grounded on the teacher's runlog.Store
// append-only, cursor-paginated event log. Both are retargeted from
// multi-turn agent/tool events to the orchestrator's run lifecycle events.
package events

import (
	"context"
	"encoding/json"
	"time"
)

// Type discriminates the event kinds a run emits over its lifecycle.
type Type string

const (
	// RunStarted is emitted once, immediately after a run's manifest is
	// created.
	RunStarted Type = "run_started"
	// PlanRequested is emitted before the Plan Service is called.
	PlanRequested Type = "plan_requested"
	// PlanCreated is emitted once the Plan Service returns a step list.
	PlanCreated Type = "plan_created"
	// ProviderSelected records which provider/model served a generation
	// call for a step.
	ProviderSelected Type = "provider_selected"
	// PatchApplied is emitted after the Patch Applier successfully mutates
	// the working tree for a step.
	PatchApplied Type = "patch_applied"
	// PatchApplyFailed is emitted when the Patch Applier rejects a patch.
	PatchApplyFailed Type = "patch_apply_failed"
	// RollbackPerformed is emitted after the VCS Gateway restores a
	// checkpoint following a failed or rejected step.
	RollbackPerformed Type = "rollback_performed"
	// CheckpointCreated is emitted after the VCS Gateway records a
	// checkpoint ahead of a risky operation.
	CheckpointCreated Type = "checkpoint_created"
	// VerificationStarted is emitted before the Verification Runner
	// executes a command.
	VerificationStarted Type = "verification_started"
	// VerificationFinished is emitted after a verification command
	// completes, pass or fail.
	VerificationFinished Type = "verification_finished"
	// CandidateGenerated is emitted once per candidate in an L3
	// best-of-N generation round.
	CandidateGenerated Type = "candidate_generated"
	// DiagnosisCompleted is emitted after the Diagnoser produces a
	// hypothesis for a verification failure.
	DiagnosisCompleted Type = "diagnosis_completed"
	// RunEscalated is emitted when the run engine raises a run's
	// think-level (e.g., L2 to L3).
	RunEscalated Type = "run_escalated"
	// SemanticSearchFailed is emitted when the Context Builder's optional
	// semantic search step errors and the builder falls back to plain
	// tree/grep context.
	SemanticSearchFailed Type = "semantic_search_failed"
	// RunStopped is emitted when a run stops early; the L3 candidate
	// generator emits it with reason budget_exceeded when the cost budget
	// is exhausted.
	RunStopped Type = "run_stopped"
	// RunFinished is emitted exactly once, terminally, with the run's
	// final status.
	RunFinished Type = "run_finished"
)

// Event is a single immutable trace entry.
type Event struct {
	// ID is the trace-writer-assigned opaque identifier for this event.
	ID string
	// RunID identifies the run this event belongs to.
	RunID string
	// Type is the event kind.
	Type Type
	// Payload is the canonical JSON-encoded event body.
	Payload json.RawMessage
	// Timestamp is the event time.
	Timestamp time.Time
}

// Subscriber receives events published to a Bus.
type Subscriber interface {
	Notify(ctx context.Context, e Event)
}

// SubscriberFunc adapts a plain function to Subscriber.
type SubscriberFunc func(ctx context.Context, e Event)

// Notify calls fn.
func (fn SubscriberFunc) Notify(ctx context.Context, e Event) { fn(ctx, e) }

// Bus fans out published events to every registered subscriber. Publish
// does not block on slow subscribers beyond invoking Notify synchronously
// in registration order; a subscriber that needs to do slow work should
// queue internally.
type Bus interface {
	// Publish delivers e to every currently registered subscriber.
	Publish(ctx context.Context, e Event)
	// Register adds sub to the fanout list and returns a function that
	// removes it.
	Register(sub Subscriber) (unregister func())
}

// Store is the durable, append-only trace log for run introspection: the
// file a run's manifest points callers at via TracePath.
type Store interface {
	// Append persists e, assigning its ID if empty. Append must be durable:
	// failures are surfaced so the run engine can fail fast rather than
	// silently lose trace data.
	Append(ctx context.Context, e *Event) error

	// List returns the next forward page of events for runID, ordered
	// oldest-first. Cursor is an opaque value from a previous List call, or
	// empty to start from the beginning.
	List(ctx context.Context, runID string, cursor string, limit int) (Page, error)
}

// Page is a forward page of trace events.
type Page struct {
	Events     []*Event
	NextCursor string
}
