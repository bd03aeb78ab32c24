// Package review implements the Review Loop (spec.md §4.M): a bounded
// executor/reviewer exchange capped by maxReviews, where each round asks a
// reviewer for a JSON verdict on the current patch and, on "revise", asks
// the executor to produce a new diff. Grounded on the teacher's
// transcript.Ledger (multi-turn provider-message reconstruction, here
// generalized to a reviewer/executor round-trip instead of a single
// assistant/user turn) and on runtime/agent/planner's fenced/bare-JSON
// extraction idiom, reused here for the verdict payload.
package review

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/patchloop/orchestrator/runtime/applier"
	"github.com/patchloop/orchestrator/runtime/artifacts"
	"github.com/patchloop/orchestrator/runtime/diff"
)

// Verdict is the reviewer's disposition for the round.
type Verdict string

const (
	VerdictApprove Verdict = "approve"
	VerdictRevise  Verdict = "revise"
)

// Judgement is the reviewer's structured JSON reply, per spec.md §4.M.
type Judgement struct {
	Verdict         Verdict  `json:"verdict"`
	Summary         string   `json:"summary"`
	Issues          []string `json:"issues"`
	RequiredChanges []string `json:"requiredChanges"`
	Suggestions     []string `json:"suggestions"`
	RiskFlags       []string `json:"riskFlags"`
	SuggestedTests  []string `json:"suggestedTests"`
	Confidence      float64  `json:"confidence"`
}

// Reviewer asks the reviewer role for a verdict on the given prompt,
// returning its raw text reply (JSON, possibly fenced).
type Reviewer interface {
	Review(ctx context.Context, prompt string) (string, error)
}

// Executor asks the executor role to revise its prior diff, returning its
// raw text reply (expected to contain an extractable diff).
type Executor interface {
	Revise(ctx context.Context, prompt string) (string, error)
}

// Loop runs the bounded executor/reviewer exchange for one step.
type Loop struct {
	repoRoot    string
	maxReviews  int
	artifacts   artifacts.Store
}

// New constructs a Loop. maxReviews <= 0 defaults to 3.
func New(repoRoot string, store artifacts.Store, maxReviews int) *Loop {
	if maxReviews <= 0 {
		maxReviews = 3
	}
	return &Loop{repoRoot: repoRoot, maxReviews: maxReviews, artifacts: store}
}

// Result is the loop's outcome: the final patch text plus the last verdict
// seen, if any.
type Result struct {
	FinalDiff string
	Rounds    int
	LastVerdict *Judgement
}

// Run executes the review loop for stepIndex, starting from initialDiff.
// stepContext is included verbatim in the reviewer prompt (the fused
// context and step instruction).
func (l *Loop) Run(ctx context.Context, runID string, stepIndex int, initialDiff, stepContext string, reviewer Reviewer, executor Executor) (Result, error) {
	current := initialDiff
	var last *Judgement

	for i := 0; i < l.maxReviews; i++ {
		raw, err := reviewer.Review(ctx, reviewPrompt(current, stepContext))
		l.persist(ctx, runID, stepIndex, "review", "raw.txt", raw)
		if err != nil {
			return Result{FinalDiff: current, Rounds: i, LastVerdict: last}, fmt.Errorf("review: reviewer round %d: %w", i, err)
		}

		verdict, perr := parseVerdict(raw)
		if perr != nil {
			l.persist(ctx, runID, stepIndex, "review", "parse_error.txt", raw+"\n\nparse error: "+perr.Error())
			return Result{FinalDiff: current, Rounds: i, LastVerdict: last}, nil
		}
		last = &verdict
		l.persistJSON(ctx, runID, stepIndex, "review", "verdict.json", verdict)

		if verdict.Verdict == VerdictApprove {
			return Result{FinalDiff: current, Rounds: i + 1, LastVerdict: last}, nil
		}

		revised, err := l.revise(ctx, runID, stepIndex, executor, current, verdict)
		if err != nil {
			return Result{FinalDiff: current, Rounds: i + 1, LastVerdict: last}, err
		}
		current = revised
	}
	return Result{FinalDiff: current, Rounds: l.maxReviews, LastVerdict: last}, nil
}

// revise asks the executor for a new diff, retrying once on a missing diff
// and once on a dry-run apply failure, per spec.md §4.M.
func (l *Loop) revise(ctx context.Context, runID string, stepIndex int, executor Executor, current string, verdict Judgement) (string, error) {
	prompt := revisePrompt(current, verdict, "")
	out, err := executor.Revise(ctx, prompt)
	l.persist(ctx, runID, stepIndex, "executor", "raw.txt", out)
	if err != nil {
		return "", fmt.Errorf("review: executor revision: %w", err)
	}

	diffText, ok := diff.Extract(out)
	if !ok {
		out, err = executor.Revise(ctx, revisePrompt(current, verdict, "PREVIOUS ATTEMPT ISSUE: no extractable diff was found in your last reply."))
		l.persist(ctx, runID, stepIndex, "executor", "retry_missing_diff.txt", out)
		if err != nil {
			return "", fmt.Errorf("review: executor revision retry: %w", err)
		}
		diffText, ok = diff.Extract(out)
		if !ok {
			return "", fmt.Errorf("review: executor did not return an extractable diff after retry")
		}
	}

	if _, applyErr := applier.ApplyUnifiedDiff(l.repoRoot, diffText, applier.Options{DryRun: true}); applyErr != nil {
		out, err = executor.Revise(ctx, revisePrompt(current, verdict, fmt.Sprintf("PREVIOUS ATTEMPT ISSUE: the diff failed a dry-run apply: %v", applyErr)))
		l.persist(ctx, runID, stepIndex, "executor", "retry_apply_failure.txt", out)
		if err != nil {
			return "", fmt.Errorf("review: executor revision retry after apply failure: %w", err)
		}
		diffText, ok = diff.Extract(out)
		if !ok {
			return "", fmt.Errorf("review: executor did not return an extractable diff after apply-failure retry")
		}
		if _, applyErr = applier.ApplyUnifiedDiff(l.repoRoot, diffText, applier.Options{DryRun: true}); applyErr != nil {
			return "", fmt.Errorf("review: revised diff still fails dry-run apply: %w", applyErr)
		}
	}
	return diffText, nil
}

func reviewPrompt(currentDiff, stepContext string) string {
	var b strings.Builder
	b.WriteString(stepContext)
	b.WriteString("\n\nCURRENT PATCH\n")
	b.WriteString(currentDiff)
	b.WriteString("\n\nReply with JSON: {verdict: \"approve\"|\"revise\", summary, issues[], requiredChanges[], suggestions[], riskFlags[], suggestedTests[], confidence}.")
	return b.String()
}

func revisePrompt(currentDiff string, verdict Judgement, hint string) string {
	var b strings.Builder
	if hint != "" {
		b.WriteString(hint)
		b.WriteString("\n\n")
	}
	b.WriteString("The reviewer requested changes:\n")
	b.WriteString(verdict.Summary)
	b.WriteString("\n\nRequired changes:\n")
	for _, c := range verdict.RequiredChanges {
		fmt.Fprintf(&b, "- %s\n", c)
	}
	b.WriteString("\nCURRENT PATCH\n")
	b.WriteString(currentDiff)
	b.WriteString("\n\nReturn a complete revised unified diff between BEGIN_DIFF/END_DIFF markers.")
	return b.String()
}

// parseVerdict accepts a fenced JSON block or a bare JSON object, mirroring
// the Plan Service's tolerant parsing (runtime/agent/planner.Extract).
func parseVerdict(raw string) (Judgement, error) {
	text := strings.TrimSpace(raw)
	if fenced := extractFenced(text); fenced != "" {
		text = fenced
	}
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end < start {
		return Judgement{}, fmt.Errorf("review: no JSON object found in reviewer reply")
	}
	var j Judgement
	if err := json.Unmarshal([]byte(text[start:end+1]), &j); err != nil {
		return Judgement{}, fmt.Errorf("review: invalid verdict JSON: %w", err)
	}
	if j.Verdict != VerdictApprove && j.Verdict != VerdictRevise {
		return Judgement{}, fmt.Errorf("review: unrecognized verdict %q", j.Verdict)
	}
	return j, nil
}

func extractFenced(text string) string {
	const fence = "```"
	start := strings.Index(text, fence)
	if start < 0 {
		return ""
	}
	rest := text[start+len(fence):]
	if nl := strings.Index(rest, "\n"); nl >= 0 && nl < 12 {
		rest = rest[nl+1:]
	}
	end := strings.Index(rest, fence)
	if end < 0 {
		return ""
	}
	return strings.TrimSpace(rest[:end])
}

func (l *Loop) persist(ctx context.Context, runID string, step int, kind, filename, content string) {
	if l.artifacts == nil {
		return
	}
	dir, err := l.artifacts.ReviewLoopDir(ctx, runID, step, kind)
	if err != nil {
		return
	}
	_ = os.WriteFile(filepath.Join(dir, filename), []byte(content), 0o600)
}

func (l *Loop) persistJSON(ctx context.Context, runID string, step int, kind, filename string, v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return
	}
	l.persist(ctx, runID, step, kind, filename, string(data))
}
