// Package policy defines the Tool Policy sandbox (spec §4.N): the decision
// engine that gates which verification commands a run is allowed to execute
// and how many times, before the Verification Runner shells out to any of
// them.
//
// The contract is adapted from the teacher runtime's tool-allowlist policy
// engine, which gated planner-requested tool calls across a conversation
// turn; here the "tools" being gated are verification commands (test
// runners, linters, builds) declared by the run's configuration, and the
// decision is made once per verification attempt rather than per turn.
package policy

import (
	"context"

	"github.com/patchloop/orchestrator/runtime/agent/tools"
)

// Engine decides which commands may run for a given verification attempt.
type Engine interface {
	Decide(ctx context.Context, input Input) (Decision, error)
}

type (
	// Input describes the candidate commands and current resource state for
	// one Decide call.
	Input struct {
		// RunID identifies the run this decision applies to.
		RunID string

		// Tools enumerates every command known to the run's verification
		// configuration, with metadata the engine filters on.
		Tools []ToolMetadata

		// Requested optionally narrows the decision to a specific subset of
		// commands (e.g., only the ones the current step's Paths touch).
		// Empty means consider every command in Tools.
		Requested []ToolHandle

		// RetryHint carries guidance from a prior failed attempt so the
		// engine can restrict to a single command or drop an unavailable one.
		RetryHint *RetryHint

		// RemainingCaps carries the run's current budget for command
		// invocations.
		RemainingCaps CapsState

		// Labels carries caller-provided metadata for engines that make
		// label-sensitive decisions (e.g., per-environment allowlists).
		Labels map[string]string
	}

	// ToolMetadata describes one verification command available to a run.
	ToolMetadata struct {
		ID   tools.Ident
		Tags []string
	}

	// ToolHandle references a single command by identifier.
	ToolHandle struct {
		ID tools.Ident
	}

	// CapsState tracks the run's remaining command-invocation budget.
	CapsState struct {
		MaxToolCalls       int
		RemainingToolCalls int
	}

	// RetryReason categorizes why a retry hint was issued.
	RetryReason string

	// RetryHint communicates why a previous verification attempt failed, so
	// the policy engine can restrict the next attempt instead of repeating
	// the same failure.
	RetryHint struct {
		Tool           tools.Ident
		Reason         RetryReason
		RestrictToTool bool
	}

	// Decision is the engine's ruling: which commands may run now, under
	// what remaining budget.
	Decision struct {
		AllowedTools []ToolHandle
		DisableTools []ToolHandle
		Caps         CapsState
		Labels       map[string]string
		Metadata     map[string]any
	}
)

const (
	// RetryReasonInvalidArguments indicates the command was invoked with
	// arguments the run could not satisfy (e.g., a path outside the repo).
	RetryReasonInvalidArguments RetryReason = "invalid_arguments"
	// RetryReasonTimeout indicates the command exceeded its time budget.
	RetryReasonTimeout RetryReason = "timeout"
	// RetryReasonToolUnavailable indicates the command's binary is missing
	// or not permitted in this environment.
	RetryReasonToolUnavailable RetryReason = "tool_unavailable"
)
