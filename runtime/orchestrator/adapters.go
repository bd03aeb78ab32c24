// Package orchestrator implements the Run Engine (spec.md §4.Q): the
// tiered L0/L1/L2/L3 state machine that drives a run's goal to a verified
// (or best-effort) change set by composing every other runtime component.
//
// This file wires the Provider Registry (runtime/providers) and the
// provider-agnostic model.Client contract into the concrete
// planner.Service/review.Reviewer/review.Executor/candidates.Reviewer/
// candidates.Executor/diagnose.Reasoner interfaces the rest of the runtime
// expects, following the teacher's own provider-adapter split (a thin
// struct per role, constructed once per run, holding nothing but a
// registry handle and the run's identity).
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/patchloop/orchestrator/runtime/agent/model"
	"github.com/patchloop/orchestrator/runtime/agent/planner"
	"github.com/patchloop/orchestrator/runtime/candidates"
	"github.com/patchloop/orchestrator/runtime/providers"
)

// completeText resolves the provider bound to role for this run and asks
// for a single completion, returning the concatenated text of every
// TextPart in the reply. Every adapter in this file funnels through here so
// a run's prompting idiom (system + single user turn, no tool use) stays in
// one place.
func completeText(ctx context.Context, reg *providers.Registry, runID string, role providers.Role, sys, user string) (string, error) {
	client, err := reg.Resolve(ctx, runID, role)
	if err != nil {
		return "", fmt.Errorf("orchestrator: resolve %s provider: %w", role, err)
	}
	var messages []*model.Message
	if sys != "" {
		messages = append(messages, &model.Message{Role: model.ConversationRoleSystem, Parts: []model.Part{model.TextPart{Text: sys}}})
	}
	messages = append(messages, &model.Message{Role: model.ConversationRoleUser, Parts: []model.Part{model.TextPart{Text: user}}})

	resp, err := client.Complete(ctx, &model.Request{
		RunID:      runID,
		ModelClass: model.ModelClassDefault,
		Messages:   messages,
	})
	if err != nil {
		return "", fmt.Errorf("orchestrator: %s completion: %w", role, err)
	}
	return joinText(resp.Content), nil
}

func joinText(msgs []model.Message) string {
	var b strings.Builder
	for _, m := range msgs {
		for _, p := range m.Parts {
			if t, ok := p.(model.TextPart); ok {
				b.WriteString(t.Text)
			}
		}
	}
	return b.String()
}

// planServiceAdapter implements planner.Service against the planner role.
// It is stateless across runs: Request.RunID selects the provider per call,
// matching planner.Service's documented statelessness.
type planServiceAdapter struct {
	reg *providers.Registry
}

func newPlanService(reg *providers.Registry) planner.Service {
	return planServiceAdapter{reg: reg}
}

// NewPlanService exposes the Run Engine's provider-backed planner.Service
// adapter for callers outside this package that want a plan without
// running the full tiered state machine (the `orchestrator plan` CLI
// command, spec.md §6).
func NewPlanService(reg *providers.Registry) planner.Service {
	return newPlanService(reg)
}

const planSystemPrompt = `You are the planning stage of an automated code-change orchestrator. Decompose the stated goal into an ordered list of concrete, independently verifiable steps.
Reply with a single JSON object: {"steps":[{"ordinal":1,"instruction":"...","paths":["relative/path.go"],"rationale":"..."}],"notes":[{"text":"..."}]}.
If the goal is already satisfied by the repository as-is, or is out of scope for a single run, reply {"rejected":{"reason":"..."}} instead.`

func (p planServiceAdapter) Plan(ctx context.Context, req planner.Request) (planner.Result, error) {
	raw, err := completeText(ctx, p.reg, req.RunID, providers.RolePlanner, planSystemPrompt, planUserPrompt(req))
	if err != nil {
		return planner.Result{}, err
	}
	result, err := planner.ExtractResult(raw)
	if err != nil {
		return planner.Result{}, fmt.Errorf("orchestrator: parse plan reply: %w", err)
	}
	return result, nil
}

func planUserPrompt(req planner.Request) string {
	var b strings.Builder
	fmt.Fprintf(&b, "GOAL\n%s\n\n", req.Goal)
	if req.Context != "" {
		fmt.Fprintf(&b, "CONTEXT\n%s\n\n", req.Context)
	}
	if req.MaxSteps > 0 {
		fmt.Fprintf(&b, "Produce at most %d steps.\n\n", req.MaxSteps)
	}
	if req.PriorAttempt != nil {
		b.WriteString("PRIOR ATTEMPT FAILED VERIFICATION, REPLAN AROUND IT\n")
		fmt.Fprintf(&b, "Failure reason: %s\n", req.PriorAttempt.FailureReason)
		for _, s := range req.PriorAttempt.Steps {
			fmt.Fprintf(&b, "- step %d: %s\n", s.Ordinal, s.Instruction)
		}
		b.WriteString("\n")
	}
	return b.String()
}

const diffSystemPrompt = `You are the execution stage of an automated code-change orchestrator. Given a step instruction and repository context, produce a single unified diff implementing exactly that change, in standard "diff --git" unified diff format. Wrap the diff, and nothing else, between BEGIN_DIFF and END_DIFF marker lines.`

// diffAdapter generates unified diffs against the executor role. One
// instance is constructed per run so Revise/Generate (which carry no RunID
// parameter of their own, per review.Executor/candidates.Executor) can
// still resolve the right provider.
type diffAdapter struct {
	reg   *providers.Registry
	runID string
}

func newDiffAdapter(reg *providers.Registry, runID string) *diffAdapter {
	return &diffAdapter{reg: reg, runID: runID}
}

// GenerateInitial produces the first diff for a step, outside any review
// loop or best-of-N round.
func (d *diffAdapter) GenerateInitial(ctx context.Context, prompt string) (string, error) {
	return completeText(ctx, d.reg, d.runID, providers.RoleExecutor, diffSystemPrompt, prompt)
}

// Revise implements review.Executor: produce a new diff addressing a
// reviewer's requested changes.
func (d *diffAdapter) Revise(ctx context.Context, prompt string) (string, error) {
	return completeText(ctx, d.reg, d.runID, providers.RoleExecutor, diffSystemPrompt, prompt)
}

// Generate implements candidates.Executor: produce one best-of-N
// candidate. candidateIndex is folded into the prompt text as
// orchestrator_candidate_index, since model.Request carries no free-form
// metadata field for it.
func (d *diffAdapter) Generate(ctx context.Context, prompt string, temperature float64, candidateIndex int) (string, error) {
	tagged := fmt.Sprintf("orchestrator_candidate_index: %d\ntemperature_hint: %.2f\n\n%s", candidateIndex, temperature, prompt)
	return completeText(ctx, d.reg, d.runID, providers.RoleExecutor, diffSystemPrompt, tagged)
}

// judgeAdapter implements review.Reviewer and candidates.Reviewer against
// the reviewer role, bound to one run.
type judgeAdapter struct {
	reg   *providers.Registry
	runID string
}

func newJudgeAdapter(reg *providers.Registry, runID string) *judgeAdapter {
	return &judgeAdapter{reg: reg, runID: runID}
}

const reviewSystemPrompt = `You are the review stage of an automated code-change orchestrator. Judge the proposed patch against the step's intent and return strict JSON: {"verdict":"approve"|"revise","summary":"...","issues":[],"requiredChanges":[],"suggestions":[],"riskFlags":[],"suggestedTests":[],"confidence":0.0}.`

// Review implements review.Reviewer.
func (j *judgeAdapter) Review(ctx context.Context, prompt string) (string, error) {
	return completeText(ctx, j.reg, j.runID, providers.RoleReviewer, reviewSystemPrompt, prompt)
}

const rankSystemPrompt = `You are ranking candidate patches generated for the same step. Return strict JSON: {"rankings":[{"candidateId":"...","score":0.0,"reasons":[],"riskFlags":[]}],"requiredFixes":[],"suggestedTests":[],"confidence":0.0}.`

// Rank implements candidates.Reviewer.
func (j *judgeAdapter) Rank(ctx context.Context, prompt string) (candidates.RankingResponse, error) {
	raw, err := completeText(ctx, j.reg, j.runID, providers.RoleReviewer, rankSystemPrompt, prompt)
	if err != nil {
		return candidates.RankingResponse{}, err
	}
	var resp candidates.RankingResponse
	if err := decodeJSONReply(raw, &resp); err != nil {
		return candidates.RankingResponse{}, fmt.Errorf("orchestrator: parse ranking reply: %w", err)
	}
	return resp, nil
}

const judgeSystemPrompt = `Two or more candidate patches are tied or all failing verification. Pick the single best one. Return strict JSON: {"winnerCandidateId":"...","confidence":0.0,"rationale":"..."}.`

// Judge implements candidates.Reviewer.
func (j *judgeAdapter) Judge(ctx context.Context, prompt string) (candidates.JudgeResponse, error) {
	raw, err := completeText(ctx, j.reg, j.runID, providers.RoleReviewer, judgeSystemPrompt, prompt)
	if err != nil {
		return candidates.JudgeResponse{}, err
	}
	var resp candidates.JudgeResponse
	if err := decodeJSONReply(raw, &resp); err != nil {
		return candidates.JudgeResponse{}, fmt.Errorf("orchestrator: parse judge reply: %w", err)
	}
	return resp, nil
}

// decodeJSONReply extracts a JSON object from raw (optionally fenced in a
// ```json block, mirroring runtime/agent/planner's tolerant parsing) and
// decodes it into v.
func decodeJSONReply(raw string, v any) error {
	text := strings.TrimSpace(raw)
	if idx := strings.Index(text, "```"); idx >= 0 {
		rest := text[idx+3:]
		if nl := strings.Index(rest, "\n"); nl >= 0 && nl < 12 {
			rest = rest[nl+1:]
		}
		if end := strings.Index(rest, "```"); end >= 0 {
			text = strings.TrimSpace(rest[:end])
		}
	}
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end < start {
		return fmt.Errorf("no JSON object found in reply")
	}
	return json.Unmarshal([]byte(text[start:end+1]), v)
}

const diagnoseSystemPrompt = `You are the diagnoser stage, invoked after repeated same-signature verification failures. Given the fused context and the last error, propose ranked root-cause hypotheses. Return strict JSON: {"hypotheses":[{"hypothesis":"...","confidence":0.0,"repoSearchQueries":["..."]}]}.`

// reasonerAdapter implements diagnose.Reasoner against the reviewer role
// (the spec defines no separate "diagnoser" provider slot; the reviewer
// role's model is reused for this analytical task).
type reasonerAdapter struct {
	reg   *providers.Registry
	runID string
}

func newReasonerAdapter(reg *providers.Registry, runID string) *reasonerAdapter {
	return &reasonerAdapter{reg: reg, runID: runID}
}

func (r *reasonerAdapter) Diagnose(ctx context.Context, fusedContext, lastError string) (string, error) {
	prompt := fmt.Sprintf("CONTEXT\n%s\n\nLAST ERROR\n%s\n", fusedContext, lastError)
	return completeText(ctx, r.reg, r.runID, providers.RoleReviewer, diagnoseSystemPrompt, prompt)
}
