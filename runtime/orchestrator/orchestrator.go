// Package orchestrator implements the Run Engine (spec.md §4.Q): the
// tiered state machine that takes a run's goal from L0 single-shot
// generation up through L1 planned execution, L2 plan+verify+repair, and
// L3 best-of-N generation with judge tie-break and failure diagnosis,
// composing every other runtime component (context builder, plan service,
// execution service, verification runner, candidate generator, diagnoser,
// budget tracker, memory store, artifact store, event bus, VCS gateway,
// provider registry, patch store) around one run.
//
// Grounded on the teacher's runtime/agent/engine suspension-point
// discipline (external calls are the only things that can fail or block;
// everything between them is pure bookkeeping) generalized from a
// Temporal workflow loop to a plain synchronous call tree, since a code
// orchestration run has no long-lived pause/resume surface to preserve.
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/patchloop/orchestrator/runtime/agent/model"
	"github.com/patchloop/orchestrator/runtime/agent/planner"
	"github.com/patchloop/orchestrator/runtime/agent/run"
	"github.com/patchloop/orchestrator/runtime/agent/transcript"
	"github.com/patchloop/orchestrator/runtime/applier"
	"github.com/patchloop/orchestrator/runtime/artifacts"
	"github.com/patchloop/orchestrator/runtime/budget"
	"github.com/patchloop/orchestrator/runtime/candidates"
	"github.com/patchloop/orchestrator/runtime/config"
	contextbuilder "github.com/patchloop/orchestrator/runtime/context"
	"github.com/patchloop/orchestrator/runtime/cost"
	"github.com/patchloop/orchestrator/runtime/diagnose"
	"github.com/patchloop/orchestrator/runtime/diff"
	"github.com/patchloop/orchestrator/runtime/events"
	"github.com/patchloop/orchestrator/runtime/execution"
	"github.com/patchloop/orchestrator/runtime/memory"
	"github.com/patchloop/orchestrator/runtime/patchstore"
	"github.com/patchloop/orchestrator/runtime/policy"
	"github.com/patchloop/orchestrator/runtime/providers"
	"github.com/patchloop/orchestrator/runtime/review"
	"github.com/patchloop/orchestrator/runtime/vcs"
	"github.com/patchloop/orchestrator/runtime/verify"
)

// Request starts one run.
type Request struct {
	RunID      string
	RepoRoot   string
	Goal       string
	ThinkLevel run.ThinkLevel
	Labels     map[string]string
}

// Summary is the run's final, persisted outcome (spec.md §4.B's
// summary.json), returned to the caller once Run returns.
type Summary struct {
	RunID           string         `json:"runId"`
	Goal            string         `json:"goal"`
	Requested       run.ThinkLevel `json:"requestedThinkLevel"`
	Final           run.ThinkLevel `json:"finalThinkLevel"`
	Status          run.Status     `json:"status"`
	StopReason      string         `json:"stopReason,omitempty"`
	Iterations      int            `json:"iterations"`
	Escalations     []string       `json:"escalations,omitempty"`
	FinalDiffPath   string         `json:"finalDiffPath,omitempty"`
	SwallowedErrors []string       `json:"swallowedErrors,omitempty"`
}

// Engine is the Run Engine. One Engine serves many runs; all per-run
// mutable state lives in the session it builds inside Run.
type Engine struct {
	cfg         config.Config
	artifacts   artifacts.Store
	runs        run.Store
	memoryStore memory.Store
	emit        events.Emitter
	policyEng   policy.Engine
	registry    *providers.Registry
	costTracker *cost.Tracker
	ctxBuilder  *contextbuilder.Builder
	confirmer   execution.Confirmer
}

// New constructs a Run Engine. confirmer may be nil, in which case the
// Execution Service's own deny-by-default Confirmer applies.
func New(
	cfg config.Config,
	artifactStore artifacts.Store,
	runStore run.Store,
	memStore memory.Store,
	emit events.Emitter,
	policyEng policy.Engine,
	registry *providers.Registry,
	costTracker *cost.Tracker,
	ctxBuilder *contextbuilder.Builder,
	confirmer execution.Confirmer,
) *Engine {
	return &Engine{
		cfg:         cfg,
		artifacts:   artifactStore,
		runs:        runStore,
		memoryStore: memStore,
		emit:        emit,
		policyEng:   policyEng,
		registry:    registry,
		costTracker: costTracker,
		ctxBuilder:  ctxBuilder,
		confirmer:   confirmer,
	}
}

// session carries the mutable state threaded through one run's tiers.
type session struct {
	runID    string
	repoRoot string
	goal     string
	labels   map[string]string

	requested run.ThinkLevel
	current   run.ThinkLevel

	budget  *budget.Tracker
	gw      *vcs.Gateway
	memReader memory.Reader

	appliedDiffs []string
	escalations  []string
	swallowed    []string
	iterations   int
}

func (s *session) swallow(format string, args ...any) {
	s.swallowed = append(s.swallowed, fmt.Sprintf(format, args...))
}

// Run executes req end to end and returns its final Summary. Run never
// returns an error for an ordinary failed/stopped run — those are
// reported via Summary.Status/StopReason, per spec.md §7's distinction
// between a run outcome and a fatal engine error. Run only returns an
// error when the engine could not even establish the run (bad repo root,
// artifact store failure).
func (e *Engine) Run(ctx context.Context, req Request) (*Summary, error) {
	level := req.ThinkLevel
	if level == "" {
		level = run.ThinkLevel(e.cfg.ThinkLevel)
	}
	if level == "" {
		level = run.L1
	}

	gw, err := vcs.Open(req.RepoRoot, req.RunID)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: open repo: %w", err)
	}
	if _, err := e.artifacts.Create(ctx, req.RepoRoot, req.RunID, "orchestrator run"); err != nil {
		return nil, fmt.Errorf("orchestrator: create artifacts: %w", err)
	}
	_ = e.artifacts.WriteEffectiveConfig(ctx, req.RunID, e.cfg)

	limits := budget.Limits{
		Iterations: e.cfg.Budget.Iterations,
		ToolCalls:  e.cfg.Budget.ToolCalls,
		Time:       time.Duration(e.cfg.Budget.TimeSec) * time.Second,
		CostUSD:    e.cfg.Budget.CostUSD,
	}
	if limits.Iterations == 0 && limits.ToolCalls == 0 && limits.Time == 0 {
		limits = budget.Default()
	}

	snapshot, _ := e.memoryStore.LoadRun(ctx, req.RunID)
	reader := memory.NewReader(snapshot.Events)
	_ = e.memoryStore.AppendEvents(ctx, req.RunID, memory.Event{
		Type: memory.EventGoal, Timestamp: time.Now(), Data: req.Goal, Labels: req.Labels,
	})

	sess := &session{
		runID:     req.RunID,
		repoRoot:  req.RepoRoot,
		goal:      req.Goal,
		labels:    req.Labels,
		requested: level,
		current:   level,
		budget:    budget.New(limits, e.costTracker),
		gw:        gw,
		memReader: reader,
	}

	_ = e.runs.Upsert(ctx, run.Record{
		RunID: req.RunID, ThinkLevel: level, Status: run.StatusRunning,
		Phase: run.PhasePlanning, StartedAt: time.Now(), UpdatedAt: time.Now(), Labels: req.Labels,
	})
	_ = e.emit.Emit(ctx, req.RunID, events.RunStarted, map[string]any{"thinkLevel": string(level), "goal": req.Goal})

	var (
		status     run.Status
		stopReason string
	)

	switch level {
	case run.L0:
		status, stopReason = e.runL0(ctx, sess)
	case run.L1:
		status, stopReason = e.runL1(ctx, sess)
	case run.L2:
		status, stopReason = e.runL2(ctx, sess)
	case run.L3:
		status, stopReason = e.runL3(ctx, sess, nil)
	default:
		status, stopReason = run.StatusFailed, fmt.Sprintf("unknown think level %q", level)
	}

	return e.finalize(ctx, sess, status, stopReason), nil
}

// finalize writes the run's terminal state: RunFinished event, summary
// artifact, run record, and an episodic memory record, per spec.md §4.Q's
// shared finalization path. Failures writing any of these are swallowed
// into Summary.SwallowedErrors rather than masking the run's real outcome,
// per spec.md §7.
func (e *Engine) finalize(ctx context.Context, sess *session, status run.Status, stopReason string) *Summary {
	summary := &Summary{
		RunID:           sess.runID,
		Goal:            sess.goal,
		Requested:       sess.requested,
		Final:           sess.current,
		Status:          status,
		StopReason:      stopReason,
		Iterations:      sess.iterations,
		Escalations:     sess.escalations,
		SwallowedErrors: sess.swallowed,
	}

	if len(sess.appliedDiffs) > 0 {
		final := strings.Join(sess.appliedDiffs, "\n")
		store := patchstore.New(e.artifacts)
		if path, err := store.SaveFinal(ctx, sess.runID, final); err != nil {
			sess.swallow("save final diff: %v", err)
		} else {
			summary.FinalDiffPath = path
		}
	}

	if err := e.emit.Emit(ctx, sess.runID, events.RunFinished, map[string]any{
		"status": string(status), "stopReason": stopReason, "thinkLevel": string(sess.current),
	}); err != nil {
		sess.swallow("emit RunFinished: %v", err)
	}
	summary.SwallowedErrors = sess.swallowed

	if err := e.artifacts.WriteSummary(ctx, sess.runID, summary); err != nil {
		sess.swallow("write summary: %v", err)
	}
	if err := e.runs.Upsert(ctx, run.Record{
		RunID: sess.runID, ThinkLevel: sess.current, Status: status,
		Phase: run.PhaseFinalizing, UpdatedAt: time.Now(), Labels: sess.labels,
	}); err != nil {
		sess.swallow("upsert run record: %v", err)
	}
	if err := e.memoryStore.AppendEvents(ctx, sess.runID, memory.Event{
		Type: memory.EventEpisodic, Timestamp: time.Now(),
		Data:   fmt.Sprintf("run %s finished status=%s reason=%s thinkLevel=%s", sess.runID, status, stopReason, sess.current),
		Labels: map[string]string{"kind": "run_summary"},
	}); err != nil {
		sess.swallow("append episodic memory: %v", err)
	}
	summary.SwallowedErrors = sess.swallowed
	return summary
}

// buildContext assembles a Fused Context for the current step, folding in
// recent memory signals (failure signatures, episodic notes, and a short
// rendering of the prior conversation transcript reconstructed via
// transcript.BuildMessagesFromEvents) and any extra signal line (e.g. a
// diagnoser hypothesis) the caller supplies.
func (e *Engine) buildContext(ctx context.Context, sess *session, carryOver []string, extraSignal string) (contextbuilder.Fused, error) {
	hits := sess.memReader.FilterByType(memory.EventFailureSignature)
	hits = append(hits, sess.memReader.FilterByType(memory.EventEpisodic)...)
	if len(hits) > 8 {
		hits = hits[len(hits)-8:]
	}

	if history := renderHistory(sess.memReader.Events()); history != "" {
		hits = append(hits, memory.Event{Type: memory.EventEpisodic, Timestamp: time.Now(), Data: history})
	}
	if extraSignal != "" {
		hits = append(hits, memory.Event{Type: memory.EventEpisodic, Timestamp: time.Now(), Data: extraSignal})
	}

	tokenBudget := e.cfg.Context.TokenBudget
	if tokenBudget == 0 {
		tokenBudget = 8000
	}
	return e.ctxBuilder.Build(ctx, contextbuilder.Request{
		RunID:        sess.runID,
		Goal:         sess.goal,
		RepoRoot:     sess.repoRoot,
		Excludes:     e.cfg.Context.Exclude,
		CarryOver:    carryOver,
		MemoryHits:   hits,
		TokenBudget:  tokenBudget,
		SemanticTopK: e.cfg.Indexing.Semantic.TopK,
	})
}

// renderHistory formats a short text rendering of the run's prior
// conversational events (assistant/tool/user/thinking turns) for inclusion
// in the next fused context, reusing the teacher's transcript rebuild
// logic instead of re-deriving message ordering by hand.
func renderHistory(evs []memory.Event) string {
	msgs := transcript.BuildMessagesFromEvents(evs)
	if len(msgs) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("PRIOR TRANSCRIPT\n")
	for _, m := range msgs {
		for _, p := range m.Parts {
			if t, ok := p.(model.TextPart); ok && strings.TrimSpace(t.Text) != "" {
				fmt.Fprintf(&b, "%s: %s\n", m.Role, truncateLine(t.Text, 240))
			}
		}
	}
	return b.String()
}

func truncateLine(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

func (e *Engine) verifyProfile() verify.Profile {
	return verify.Profile{
		Mode:                    e.cfg.Verification.Mode,
		Steps:                   stepsFromNames(e.cfg.Verification.Steps),
		EnableLint:              e.cfg.Verification.Auto.EnableLint,
		EnableTypecheck:         e.cfg.Verification.Auto.EnableTypecheck,
		EnableTests:             e.cfg.Verification.Auto.EnableTests,
		TestScope:               e.cfg.Verification.Auto.TestScope,
		MaxCommandsPerIteration: e.cfg.Verification.Auto.MaxCommandsPerIteration,
	}
}

func stepsFromNames(names []string) []verify.Command {
	out := make([]verify.Command, 0, len(names))
	for _, n := range names {
		out = append(out, verify.Command{Name: n, Argv: strings.Fields(n)})
	}
	return out
}

func (e *Engine) verifySandbox() verify.Sandbox {
	return verify.Sandbox{
		RequireConfirmation: e.cfg.Execution.Tools.RequireConfirmation,
		AllowNetwork:        e.cfg.Execution.Tools.NetworkPolicy == "allow",
		OutputCapBytes:      1 << 20,
		Timeout:             2 * time.Minute,
	}
}

func (e *Engine) applierOptions() applier.Options {
	return applier.Options{
		MaxFilesChanged: e.cfg.Patch.MaxFilesChanged,
		MaxLinesTouched: e.cfg.Patch.MaxLinesChanged,
		AllowBinary:     e.cfg.Patch.AllowBinary,
	}
}

// applyStep applies diffText via the Execution Service and, on success,
// persists it through the Patch Store and records a memory event.
func (e *Engine) applyStep(ctx context.Context, sess *session, label, diffText string) (execution.Result, error) {
	svc := execution.New(sess.repoRoot, sess.gw, e.confirmer, e.emit)
	res, err := svc.Apply(ctx, execution.Request{
		RunID:         sess.runID,
		StepLabel:     label,
		Diff:          diffText,
		Limits:        e.applierOptions(),
		NoCheckpoints: e.cfg.Execution.NoCheckpoints,
	})
	if err != nil {
		return res, err
	}
	if res.Success {
		sess.appliedDiffs = append(sess.appliedDiffs, diffText)
		_ = e.memoryStore.AppendEvents(ctx, sess.runID, memory.Event{
			Type: memory.EventPatchApplied, Timestamp: time.Now(),
			Data: map[string]any{"label": label, "filesChanged": res.FilesChanged},
		})
	} else {
		_ = e.memoryStore.AppendEvents(ctx, sess.runID, memory.Event{
			Type: memory.EventPatchApplyFailed, Timestamp: time.Now(),
			Data: map[string]any{"label": label, "error": res.Error},
		})
	}
	return res, nil
}

func budgetStopReason(v *budget.Violation) string {
	return fmt.Sprintf("budget_exceeded:%s", v.Reason)
}

// runL0 implements spec.md §4.Q's L0 tier: one prompt, one diff, apply,
// done. No plan, no verification, no repair.
func (e *Engine) runL0(ctx context.Context, sess *session) (run.Status, string) {
	fused, err := e.buildContext(ctx, sess, nil, "")
	if err != nil {
		return run.StatusFailed, "context_build_failed: " + err.Error()
	}
	diffAd := newDiffAdapter(e.registry, sess.runID)
	raw, err := diffAd.GenerateInitial(ctx, singleShotPrompt(sess.goal, fused.Text))
	if err != nil {
		return run.StatusFailed, "generation_failed: " + err.Error()
	}
	diffText, ok := diff.Extract(raw)
	if !ok {
		return run.StatusFailed, "invalid_output"
	}
	res, err := e.applyStep(ctx, sess, "single-shot", diffText)
	if err != nil || !res.Success {
		reason := res.Error
		if err != nil {
			reason = err.Error()
		}
		return run.StatusFailed, "apply_failed: " + reason
	}
	sess.iterations = 1
	return run.StatusSuccess, ""
}

func singleShotPrompt(goal, context string) string {
	return fmt.Sprintf("GOAL\n%s\n\nCONTEXT\n%s\n", goal, context)
}

// runL1 implements spec.md §4.Q's L1 tier: plan via the Plan Service, then
// apply each step with one retry on an invalid diff and one retry on an
// apply failure before giving up on that step.
func (e *Engine) runL1(ctx context.Context, sess *session) (run.Status, string) {
	plan, ok, reason, status := e.plan(ctx, sess, nil)
	if !ok {
		return status, reason
	}

	var carryOver []string
	consecutiveInvalidDiffs, consecutiveApplyFailures := 0, 0
	for _, step := range plan.Steps {
		if v := sess.budget.Check(); v != nil {
			return run.StatusFailed, budgetStopReason(v)
		}
		label := fmt.Sprintf("step-%d", step.Ordinal)
		fused, err := e.buildContext(ctx, sess, carryOver, "")
		if err != nil {
			return run.StatusFailed, "context_build_failed: " + err.Error()
		}
		diffAd := newDiffAdapter(e.registry, sess.runID)
		diffText, invalid := e.generateStepDiff(ctx, diffAd, step, fused.Text)
		if invalid {
			consecutiveInvalidDiffs++
			if consecutiveInvalidDiffs >= 2 {
				return run.StatusFailed, "invalid_output"
			}
			diffText, invalid = e.generateStepDiff(ctx, diffAd, step, fused.Text)
			if invalid {
				return run.StatusFailed, "invalid_output"
			}
		}
		consecutiveInvalidDiffs = 0

		res, err := e.applyStep(ctx, sess, label, diffText)
		if err != nil || !res.Success {
			consecutiveApplyFailures++
			if consecutiveApplyFailures >= 2 {
				return run.StatusFailed, "repeated_failure"
			}
			res, err = e.applyStep(ctx, sess, label, diffText)
			if err != nil || !res.Success {
				return run.StatusFailed, "repeated_failure"
			}
		}
		consecutiveApplyFailures = 0
		carryOver = append(carryOver, res.FilesChanged...)
		sess.iterations++
		sess.budget.RecordIteration()
	}
	return run.StatusSuccess, ""
}

// generateStepDiff asks the executor for a step's diff and reports
// whether the reply contained no extractable diff.
func (e *Engine) generateStepDiff(ctx context.Context, diffAd *diffAdapter, step planner.Step, fusedContext string) (string, bool) {
	raw, err := diffAd.GenerateInitial(ctx, stepPrompt(step, fusedContext))
	if err != nil {
		return "", true
	}
	diffText, ok := diff.Extract(raw)
	return diffText, !ok
}

func stepPrompt(step planner.Step, fusedContext string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "STEP %d\n%s\n", step.Ordinal, step.Instruction)
	if step.Rationale != "" {
		fmt.Fprintf(&b, "Rationale: %s\n", step.Rationale)
	}
	fmt.Fprintf(&b, "\nCONTEXT\n%s\n", fusedContext)
	return b.String()
}

// plan calls the Plan Service and reports whether a usable plan resulted.
func (e *Engine) plan(ctx context.Context, sess *session, prior *planner.PriorAttempt) (planner.Result, bool, string, run.Status) {
	fused, err := e.buildContext(ctx, sess, nil, "")
	if err != nil {
		return planner.Result{}, false, "context_build_failed: " + err.Error(), run.StatusFailed
	}
	_ = e.emit.Emit(ctx, sess.runID, events.PlanRequested, map[string]any{"goal": sess.goal})
	svc := newPlanService(e.registry)
	result, err := svc.Plan(ctx, planner.Request{
		RunID:        sess.runID,
		Goal:         sess.goal,
		Context:      fused.Text,
		PriorAttempt: prior,
	})
	if err != nil {
		return planner.Result{}, false, "plan_failed: " + err.Error(), run.StatusFailed
	}
	if result.Rejected != nil {
		return planner.Result{}, false, "rejected: " + result.Rejected.Reason, run.StatusFailed
	}
	_ = e.emit.Emit(ctx, sess.runID, events.PlanCreated, map[string]any{"steps": len(result.Steps)})
	if len(result.Steps) == 0 {
		return planner.Result{}, false, "", run.StatusSuccess
	}
	return result, true, "", ""
}

// runL2 implements spec.md §4.Q's L2 tier: L1's planned execution plus, per
// step, a verification gate and a bounded review-loop repair. Repeated
// same-signature failures beyond the configured threshold escalate to L3
// when escalation is enabled, otherwise the run stops non_improving.
func (e *Engine) runL2(ctx context.Context, sess *session) (run.Status, string) {
	plan, ok, reason, status := e.plan(ctx, sess, nil)
	if !ok {
		return status, reason
	}

	tracker := diagnose.NewTracker(e.cfg.L3.Diagnosis.TriggerOnRepeatedFailures)
	var carryOver []string
	profile := e.verifyProfile()
	runner := verify.New(sess.repoRoot, e.artifacts, e.emit, e.policyEng, nil, e.verifySandbox())

	for _, step := range plan.Steps {
		if v := sess.budget.Check(); v != nil {
			return run.StatusFailed, budgetStopReason(v)
		}
		label := fmt.Sprintf("step-%d", step.Ordinal)
		stepKey := label
		fused, err := e.buildContext(ctx, sess, carryOver, "")
		if err != nil {
			return run.StatusFailed, "context_build_failed: " + err.Error()
		}
		diffAd := newDiffAdapter(e.registry, sess.runID)
		diffText, invalid := e.generateStepDiff(ctx, diffAd, step, fused.Text)
		if invalid {
			return run.StatusFailed, "invalid_output"
		}

		res, err := e.applyStep(ctx, sess, label, diffText)
		applyFailures := 0
		for (err != nil || !res.Success) && applyFailures < e.cfg.Escalation.ToL3AfterPatchApplyFailures {
			applyFailures++
			res, err = e.applyStep(ctx, sess, label, diffText)
		}
		if err != nil || !res.Success {
			if e.cfg.Escalation.Enabled && len(sess.escalations) < maxInt(e.cfg.Escalation.MaxEscalations, 1) {
				return e.escalateToL3(ctx, sess, plan, step, "repeated patch apply failures")
			}
			return run.StatusFailed, "repeated_failure"
		}
		carryOver = append(carryOver, res.FilesChanged...)
		sess.iterations++
		sess.budget.RecordIteration()

		report, verr := runner.Run(ctx, sess.runID, sess.iterations, 0, profile)
		if verr != nil {
			sess.swallow("verify step %s: %v", label, verr)
			continue
		}
		_ = e.memoryStore.AppendEvents(ctx, sess.runID, memory.Event{
			Type: memory.EventVerification, Timestamp: time.Now(),
			Data: map[string]any{"label": label, "passed": report.Passed},
		})
		if report.Passed {
			tracker.Reset(stepKey)
			continue
		}
		_ = e.memoryStore.AppendEvents(ctx, sess.runID, memory.Event{
			Type: memory.EventFailureSignature, Timestamp: time.Now(), Data: report.FailureSignature,
		})

		if triggered := tracker.Observe(stepKey, report.FailureSignature); triggered {
			if e.cfg.Escalation.Enabled && len(sess.escalations) < maxInt(e.cfg.Escalation.MaxEscalations, 1) {
				return e.escalateToL3(ctx, sess, plan, step, "non-improving repair loop")
			}
			return run.StatusFailed, "non_improving"
		}

		if !e.cfg.Execution.ReviewLoop.Enabled {
			return run.StatusFailed, "verification_failed"
		}
		loop := review.New(sess.repoRoot, e.artifacts, e.cfg.Execution.ReviewLoop.MaxReviews)
		judge := newJudgeAdapter(e.registry, sess.runID)
		stepCtx := stepPrompt(step, fused.Text)
		result, rerr := loop.Run(ctx, sess.runID, step.Ordinal, diffText, stepCtx, judge, diffAd)
		if rerr != nil || result.FinalDiff == "" {
			return run.StatusFailed, "review_loop_failed"
		}
		if result.FinalDiff != diffText {
			if res2, err2 := e.applyStep(ctx, sess, label+"-revised", result.FinalDiff); err2 == nil && res2.Success {
				carryOver = append(carryOver, res2.FilesChanged...)
			}
		}
	}
	return run.StatusSuccess, ""
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// escalateToL3 records the escalation and hands the remaining goal to the
// L3 tier, carrying the failed step as a PriorAttempt hint for the
// best-of-N plan's own generation prompts.
func (e *Engine) escalateToL3(ctx context.Context, sess *session, plan planner.Result, failedStep planner.Step, why string) (run.Status, string) {
	sess.current = run.L3
	sess.escalations = append(sess.escalations, why)
	_ = e.emit.Emit(ctx, sess.runID, events.RunEscalated, map[string]any{"to": string(run.L3), "reason": why})
	prior := &planner.PriorAttempt{Steps: plan.Steps, FailureReason: why}
	return e.runL3(ctx, sess, prior)
}

// runL3 implements spec.md §4.Q's L3 tier: best-of-N candidate generation
// per step, checkpoint/apply/verify/rollback evaluation, deterministic
// selection with a judge tie-break, and diagnosis-driven repair on
// repeated failure.
func (e *Engine) runL3(ctx context.Context, sess *session, prior *planner.PriorAttempt) (run.Status, string) {
	plan, ok, reason, status := e.plan(ctx, sess, prior)
	if !ok {
		return status, reason
	}

	profile := e.verifyProfile()
	runner := verify.New(sess.repoRoot, e.artifacts, e.emit, e.policyEng, nil, e.verifySandbox())
	engine := candidates.New(sess.repoRoot, sess.gw, runner, e.emit, sess.budget)
	diagnoser := diagnose.New(e.artifacts, e.emit)
	tracker := diagnose.NewTracker(e.cfg.L3.Diagnosis.TriggerOnRepeatedFailures)

	bestOfN := e.cfg.L3.BestOfN
	var carryOver []string
	var lastHint string

	for _, step := range plan.Steps {
		if v := sess.budget.Check(); v != nil {
			return run.StatusFailed, budgetStopReason(v)
		}
		stepKey := fmt.Sprintf("step-%d", step.Ordinal)
		fused, err := e.buildContext(ctx, sess, carryOver, lastHint)
		if err != nil {
			return run.StatusFailed, "context_build_failed: " + err.Error()
		}
		diffAd := newDiffAdapter(e.registry, sess.runID)
		prompt := stepPrompt(step, fused.Text)

		cands, budgetStop, err := engine.Generate(ctx, sess.runID, sess.iterations, prompt, bestOfN, diffAd)
		if err != nil {
			return run.StatusFailed, "generation_failed: " + err.Error()
		}
		if budgetStop {
			return run.StatusFailed, "budget_exceeded"
		}

		evals := engine.Evaluate(ctx, sess.runID, sess.iterations, cands, profile)
		judge := newJudgeAdapter(e.registry, sess.runID)
		selection, err := engine.Select(ctx, sess.runID, sess.iterations, cands, evals, judge,
			rankingPrompt(step, cands), judgePrompt(step, cands), e.artifacts)
		if err != nil || selection.SelectedDiff == "" {
			return run.StatusFailed, "selection_failed"
		}

		store := patchstore.New(e.artifacts)
		_, _ = store.SaveSelected(ctx, sess.runID, sess.iterations, selection.SelectedDiff)

		res, err := e.applyStep(ctx, sess, stepKey, selection.SelectedDiff)
		if err != nil || !res.Success {
			return run.StatusFailed, "repeated_failure"
		}
		carryOver = append(carryOver, res.FilesChanged...)
		sess.iterations++
		sess.budget.RecordIteration()

		if selection.PassingSelected {
			tracker.Reset(stepKey)
			lastHint = ""
			continue
		}

		report, _ := runner.Run(ctx, sess.runID, sess.iterations, 0, profile)
		if triggered := tracker.Observe(stepKey, report.FailureSignature); triggered {
			hyp, derr := diagnoser.Diagnose(ctx, sess.runID, sess.iterations, fused.Text, report.FailureSignature, newReasonerAdapter(e.registry, sess.runID))
			if derr == nil {
				lastHint = diagnose.Signal(hyp)
				continue
			}
		}
		return run.StatusFailed, "verification_failed"
	}
	return run.StatusSuccess, ""
}

func rankingPrompt(step planner.Step, cands []candidates.Candidate) string {
	var b strings.Builder
	fmt.Fprintf(&b, "STEP %d: %s\n\n", step.Ordinal, step.Instruction)
	for _, c := range cands {
		fmt.Fprintf(&b, "CANDIDATE %s (invalid=%v)\n%s\n\n", c.ID, c.Invalid, c.Diff)
	}
	return b.String()
}

func judgePrompt(step planner.Step, cands []candidates.Candidate) string {
	return rankingPrompt(step, cands)
}
