// Package planner implements the Plan Service (spec §4.K): it turns a run's
// goal and assembled context into an ordered list of steps that the
// Execution Service carries out one at a time.
//
// The contract mirrors the teacher runtime's planner/executor split (a
// stateless reasoning component invoked by the run engine at fixed decision
// points) but trades the original multi-turn, tool-calling loop for a
// single decomposition call: plan once per L1/L2/L3 run, return steps, and
// let the Execution Service drive each step through a provider.
package planner

import (
	"context"

	"github.com/patchloop/orchestrator/runtime/agent/telemetry"
)

// Service decomposes a goal into an ordered list of steps. Implementations
// are stateless: all state needed to plan lives in Request.
type Service interface {
	// Plan asks the service to produce a step list for the given request. It
	// returns an error only for fatal failures (provider unavailable,
	// response could not be parsed after retries); a goal the service
	// considers already satisfied returns a Result with no steps.
	Plan(ctx context.Context, req Request) (Result, error)
}

type (
	// Request carries everything the planner needs to decompose a goal.
	Request struct {
		// RunID identifies the run this plan belongs to, for telemetry and
		// trace event correlation.
		RunID string

		// Goal is the free-form objective supplied by the caller.
		Goal string

		// Context is the rendered context bundle produced by the Context
		// Builder (repo tree, relevant file excerpts, prior attempt notes).
		Context string

		// MaxSteps bounds how many steps the planner may emit. Zero means
		// the planner's own default applies.
		MaxSteps int

		// PriorAttempt carries the previous plan and its failure reason when
		// this call is a repair replan (L2/L3 escalation), so the planner
		// can avoid repeating a step that already failed verification.
		PriorAttempt *PriorAttempt
	}

	// PriorAttempt summarizes a previous failed attempt for a repair replan.
	PriorAttempt struct {
		Steps         []Step
		FailureReason string
	}

	// Result is the planner's decomposition of a goal into ordered steps.
	Result struct {
		// Steps lists the ordered work items the Execution Service will
		// carry out. Empty means the planner judged the goal already met or
		// irreducible to a single-run change.
		Steps []Step

		// Notes carries planner commentary (rationale, assumptions)
		// persisted to the run's memory for later diagnosis.
		Notes []Annotation

		// Rejected is set when the planner declines to produce a plan (goal
		// out of scope, ambiguous beyond what context resolves). Nil on a
		// normal plan.
		Rejected *Rejection
	}

	// Step is a single unit of planned work, handed to the Execution Service
	// in order. Steps are independent inputs to provider generation; the
	// Execution Service does not interpret their text beyond passing it
	// through as instruction.
	Step struct {
		// Ordinal is the step's 1-based position in the plan.
		Ordinal int

		// Instruction is the natural-language description of the change
		// this step should make.
		Instruction string

		// Paths optionally hints which repository paths this step is
		// expected to touch, narrowing the context the Execution Service
		// requests for this step.
		Paths []string

		// Rationale is an optional one-line justification for the step,
		// carried into the run summary.
		Rationale string
	}

	// Annotation is a planner-emitted note persisted to the run's memory for
	// observability and later diagnosis, mirroring the teacher runtime's
	// PlannerAnnotation.
	Annotation struct {
		Text   string
		Labels map[string]string
	}

	// Rejection explains why the planner declined to produce steps.
	Rejection struct {
		Reason string
	}
)

// Telemetry exposes the subset of runtime services a Service implementation
// needs: logging and a tracer, following the teacher's telemetry.Logger and
// telemetry.Tracer split between structured logging and span creation.
type Telemetry interface {
	Logger() telemetry.Logger
	Tracer() telemetry.Tracer
}
