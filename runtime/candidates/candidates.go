// Package candidates implements the Candidate Generator & Evaluator
// (spec.md §4.O, L3): best-of-N diff generation, checkpoint/apply/verify/
// rollback evaluation, scoring, and deterministic selection with a judge
// tie-break. Grounded on runtime/vcs for the checkpoint/rollback window,
// runtime/verify for per-candidate verification, and runtime/diff for
// extraction, composed the way the teacher's engine composes independent
// suspension points (spec.md §5: generation may fan out, evaluation is
// strictly serial because it mutates the working tree).
package candidates

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/patchloop/orchestrator/runtime/applier"
	"github.com/patchloop/orchestrator/runtime/artifacts"
	"github.com/patchloop/orchestrator/runtime/budget"
	"github.com/patchloop/orchestrator/runtime/diff"
	"github.com/patchloop/orchestrator/runtime/events"
	"github.com/patchloop/orchestrator/runtime/vcs"
	"github.com/patchloop/orchestrator/runtime/verify"
)

// Executor generates one candidate diff for the given prompt at the given
// temperature. candidateIndex is folded into the prompt text as the
// `orchestrator_candidate_index` marker spec.md §4.O requires, since the
// provider-agnostic model.Request carries no free-form metadata field.
type Executor interface {
	Generate(ctx context.Context, prompt string, temperature float64, candidateIndex int) (string, error)
}

// Ranking is one reviewer-assigned score for a candidate.
type Ranking struct {
	CandidateID string   `json:"candidateId"`
	Score       float64  `json:"score"`
	Reasons     []string `json:"reasons"`
	RiskFlags   []string `json:"riskFlags"`
}

// RankingResponse is the reviewer's reply when ranking ≥2 valid candidates.
type RankingResponse struct {
	Rankings       []Ranking `json:"rankings"`
	RequiredFixes  []string  `json:"requiredFixes"`
	SuggestedTests []string  `json:"suggestedTests"`
	Confidence     float64   `json:"confidence"`
}

// JudgeResponse is the tie-break judge's reply.
type JudgeResponse struct {
	WinnerCandidateID string  `json:"winnerCandidateId"`
	Confidence        float64 `json:"confidence"`
	Rationale         string  `json:"rationale"`
}

// Reviewer ranks candidates and, when invoked, breaks ties.
type Reviewer interface {
	Rank(ctx context.Context, prompt string) (RankingResponse, error)
	Judge(ctx context.Context, prompt string) (JudgeResponse, error)
}

// Candidate is one generated diff plus its derived size metrics.
type Candidate struct {
	ID           string
	Index        int
	Diff         string
	FilesChanged int
	LinesAdded   int
	LinesDeleted int
	Invalid      bool // true when no diff could be extracted from the executor's reply
}

// Evaluation is the result of checkpointing, applying, verifying, and
// rolling back one candidate.
type Evaluation struct {
	CandidateID    string
	Applied        bool
	Report         verify.Report
	Score          float64
	FailedChecks   int
}

// Selection is the final decision for one step's candidate round.
type Selection struct {
	Candidates          []Candidate
	Evaluations         []Evaluation
	Ranking             *RankingResponse
	Judge               *JudgeResponse
	SelectedCandidateID string
	SelectedDiff        string
	PassingSelected     bool
	JudgeInvoked        bool
	JudgeInvocationReason string
}

// Engine generates, evaluates, and selects among best-of-N candidates.
type Engine struct {
	repoRoot string
	gw       *vcs.Gateway
	verifier *verify.Runner
	emit     events.Emitter
	budget   *budget.Tracker
}

// New constructs an Engine. budgetTracker may be nil to skip the
// cost-budget early-exit check during generation.
func New(repoRoot string, gw *vcs.Gateway, verifier *verify.Runner, emit events.Emitter, budgetTracker *budget.Tracker) *Engine {
	return &Engine{repoRoot: repoRoot, gw: gw, verifier: verifier, emit: emit, budget: budgetTracker}
}

// Generate requests bestOfN candidates from executor, in order, stopping
// early on a budget violation (spec.md §4.O: "On cost-budget violation,
// stop and emit RunStopped(budget_exceeded)").
func (e *Engine) Generate(ctx context.Context, runID string, iter int, prompt string, bestOfN int, executor Executor) ([]Candidate, bool, error) {
	if bestOfN <= 0 {
		bestOfN = 3
	}
	var out []Candidate
	for i := 0; i < bestOfN; i++ {
		if e.budget != nil {
			if violation := e.budget.Check(); violation != nil && violation.Reason == budget.ReasonCost {
				_ = e.emit.Emit(ctx, runID, events.RunStopped, map[string]any{"reason": "budget_exceeded"})
				return out, true, nil
			}
		}
		raw, err := executor.Generate(ctx, prompt, 0.1, i)
		if err != nil {
			return out, false, fmt.Errorf("candidates: generate candidate %d: %w", i, err)
		}
		c := Candidate{ID: fmt.Sprintf("iter%d_candidate%d", iter, i), Index: i}
		diffText, ok := diff.Extract(raw)
		if !ok {
			c.Invalid = true
		} else {
			c.Diff = diffText
			c.FilesChanged, c.LinesAdded, c.LinesDeleted = countLines(diffText)
		}
		out = append(out, c)
		_ = e.emit.Emit(ctx, runID, events.CandidateGenerated, map[string]any{
			"candidateId":  c.ID,
			"index":        i,
			"invalid":      c.Invalid,
			"filesChanged": c.FilesChanged,
			"linesAdded":   c.LinesAdded,
			"linesDeleted": c.LinesDeleted,
		})
	}
	return out, false, nil
}

// Evaluate checkpoints, applies, verifies, and rolls back each candidate in
// turn (strictly serial, per spec.md §5), persisting a per-candidate
// verification report and computing its score.
func (e *Engine) Evaluate(ctx context.Context, runID string, iter int, candidates []Candidate, profile verify.Profile) []Evaluation {
	evals := make([]Evaluation, 0, len(candidates))
	for idx, c := range candidates {
		if c.Invalid {
			evals = append(evals, Evaluation{CandidateID: c.ID, Score: veryLowScore(c)})
			continue
		}
		evals = append(evals, e.evaluateOne(ctx, runID, iter, idx, c, profile))
	}
	return evals
}

func (e *Engine) evaluateOne(ctx context.Context, runID string, iter, candidateIdx int, c Candidate, profile verify.Profile) Evaluation {
	ref, err := e.gw.CreateCheckpoint(ctx, fmt.Sprintf("eval-%s", c.ID))
	if err != nil {
		return Evaluation{CandidateID: c.ID, Score: veryLowScore(c)}
	}
	defer func() { _ = e.gw.RollbackToCheckpoint(ctx, ref) }()

	res, applyErr := applier.ApplyUnifiedDiff(e.repoRoot, c.Diff, applier.Options{})
	if applyErr != nil || !res.Applied {
		return Evaluation{CandidateID: c.ID, Applied: false, Score: veryLowScore(c)}
	}

	report, _ := e.verifier.Run(ctx, runID, iter, candidateIdx, profile)
	failed := countFailed(report)
	score := scoreFor(report.Passed, failed, c)
	return Evaluation{CandidateID: c.ID, Applied: true, Report: report, Score: score, FailedChecks: failed}
}

// Select implements the three-step deterministic selection of spec.md
// §4.O, persisting the ranking artifact.
func (e *Engine) Select(ctx context.Context, runID string, iter int, candidates []Candidate, evaluations []Evaluation, reviewer Reviewer, rankingPrompt, judgePrompt string, store artifacts.Store) (Selection, error) {
	sel := Selection{Candidates: candidates, Evaluations: evaluations}
	byID := make(map[string]Candidate, len(candidates))
	for _, c := range candidates {
		byID[c.ID] = c
	}

	if passing := passingEvaluations(evaluations); len(passing) > 0 {
		best := highestScored(passing)
		sel.SelectedCandidateID = best.CandidateID
		sel.SelectedDiff = byID[best.CandidateID].Diff
		sel.PassingSelected = true
		e.persistRanking(ctx, runID, iter, sel, store)
		return sel, nil
	}

	validCount := 0
	for _, c := range candidates {
		if !c.Invalid {
			validCount++
		}
	}
	if validCount >= 2 && reviewer != nil {
		ranking, err := reviewer.Rank(ctx, rankingPrompt)
		if err == nil {
			sel.Ranking = &ranking
		}
	}

	if sel.Ranking != nil && (nearTie(evaluations) || allFailing(evaluations)) && reviewer != nil {
		judge, err := reviewer.Judge(ctx, judgePrompt)
		if err == nil {
			sel.Judge = &judge
			sel.JudgeInvoked = true
			sel.JudgeInvocationReason = "near-tie or all-failing evaluation scores"
			if winner, ok := byID[judge.WinnerCandidateID]; ok {
				sel.SelectedCandidateID = winner.ID
				sel.SelectedDiff = winner.Diff
				e.persistRanking(ctx, runID, iter, sel, store)
				return sel, nil
			}
		}
	}

	least := leastBad(evaluations)
	if least != nil {
		sel.SelectedCandidateID = least.CandidateID
		sel.SelectedDiff = byID[least.CandidateID].Diff
	} else if len(candidates) > 0 {
		sel.SelectedCandidateID = candidates[0].ID
		sel.SelectedDiff = candidates[0].Diff
	}
	e.persistRanking(ctx, runID, iter, sel, store)
	return sel, nil
}

func (e *Engine) persistRanking(ctx context.Context, runID string, iter int, sel Selection, store artifacts.Store) {
	if store == nil {
		return
	}
	_, _ = store.AddSelectionRanking(ctx, runID, iter, sel)
}

func passingEvaluations(evals []Evaluation) []Evaluation {
	var out []Evaluation
	for _, e := range evals {
		if e.Applied && e.Report.Passed {
			out = append(out, e)
		}
	}
	return out
}

// highestScored returns the passing evaluation with the greatest score;
// ties break toward the smallest diff, which scoreFor already encodes since
// smaller diffs score higher among equally-passing candidates.
func highestScored(evals []Evaluation) Evaluation {
	best := evals[0]
	for _, e := range evals[1:] {
		if e.Score > best.Score {
			best = e
		}
	}
	return best
}

func leastBad(evals []Evaluation) *Evaluation {
	if len(evals) == 0 {
		return nil
	}
	sorted := append([]Evaluation(nil), evals...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Score > sorted[j].Score })
	return &sorted[0]
}

func allFailing(evals []Evaluation) bool {
	for _, e := range evals {
		if e.Applied && e.Report.Passed {
			return false
		}
	}
	return true
}

// nearTie reports whether the top two evaluation scores are within 5% of
// each other, a heuristic tie-break trigger for invoking the judge.
func nearTie(evals []Evaluation) bool {
	if len(evals) < 2 {
		return false
	}
	sorted := append([]Evaluation(nil), evals...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Score > sorted[j].Score })
	top, second := sorted[0].Score, sorted[1].Score
	if top == 0 {
		return second == 0
	}
	margin := (top - second) / absf(top)
	return margin < 0.05
}

func absf(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}

func veryLowScore(c Candidate) float64 {
	return -100*1 - float64(c.LinesAdded+c.LinesDeleted)/10
}

func scoreFor(passed bool, failedChecks int, c Candidate) float64 {
	lines := float64(c.LinesAdded + c.LinesDeleted)
	if passed {
		return 1000 - lines/10
	}
	return -100*float64(failedChecks) - lines/10
}

func countFailed(report verify.Report) int {
	n := 0
	for _, c := range report.Checks {
		if !c.Passed {
			n++
		}
	}
	return n
}

// countLines derives filesChanged/linesAdded/linesDeleted from a unified
// diff's own "diff --git" and +/- line markers.
func countLines(diffText string) (files, added, deleted int) {
	for _, line := range strings.Split(diffText, "\n") {
		switch {
		case strings.HasPrefix(line, "diff --git "):
			files++
		case strings.HasPrefix(line, "+++") || strings.HasPrefix(line, "---"):
			// file header lines, not content changes
		case strings.HasPrefix(line, "+"):
			added++
		case strings.HasPrefix(line, "-"):
			deleted++
		}
	}
	return files, added, deleted
}
