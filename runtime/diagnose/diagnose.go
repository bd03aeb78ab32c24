// Package diagnose implements the Diagnoser (spec.md §4.P, L3): triggered
// after a configurable number of repeated same-signature verification
// failures, it asks the reasoner for ranked hypotheses, persists the
// highest-confidence one, and hands it back as a signal for the next fused
// context. Grounded on runtime/verify's failureSignature (the trigger
// input) and runtime/agent/planner's tolerant JSON-reply parsing, reused
// here for the hypothesis-list shape.
package diagnose

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/patchloop/orchestrator/runtime/artifacts"
	"github.com/patchloop/orchestrator/runtime/events"
)

// Hypothesis is one candidate explanation for a repeated failure.
type Hypothesis struct {
	Hypothesis       string   `json:"hypothesis"`
	Confidence       float64  `json:"confidence"`
	RepoSearchQueries []string `json:"repoSearchQueries"`
}

// Response is the reasoner's JSON reply, per spec.md §4.P.
type Response struct {
	Hypotheses []Hypothesis `json:"hypotheses"`
}

// Reasoner asks a model for diagnostic hypotheses given the fused context
// and the last error.
type Reasoner interface {
	Diagnose(ctx context.Context, fusedContext, lastError string) (string, error)
}

// Tracker counts consecutive same-signature failures per step and reports
// whether the configured trigger threshold has been reached.
type Tracker struct {
	triggerOnRepeatedFailures int
	lastSignature             map[string]string
	consecutive               map[string]int
}

// NewTracker constructs a Tracker. threshold <= 0 defaults to 2, matching
// spec.md §4.P's default.
func NewTracker(threshold int) *Tracker {
	if threshold <= 0 {
		threshold = 2
	}
	return &Tracker{triggerOnRepeatedFailures: threshold, lastSignature: map[string]string{}, consecutive: map[string]int{}}
}

// Observe records a verification outcome for stepKey and reports whether
// the repeated-failure trigger has now fired for it.
func (t *Tracker) Observe(stepKey, signature string) (triggered bool) {
	if signature == "" {
		t.consecutive[stepKey] = 0
		return false
	}
	if t.lastSignature[stepKey] == signature {
		t.consecutive[stepKey]++
	} else {
		t.lastSignature[stepKey] = signature
		t.consecutive[stepKey] = 1
	}
	return t.consecutive[stepKey] >= t.triggerOnRepeatedFailures
}

// Reset clears the counter for stepKey, used after a diagnosis has been
// injected and the per-step apply-failure/failure-signature counters are
// restarted per spec.md §4.Q's L3 description.
func (t *Tracker) Reset(stepKey string) {
	delete(t.lastSignature, stepKey)
	delete(t.consecutive, stepKey)
}

// Diagnoser calls the reasoner and persists the resulting diagnosis.
type Diagnoser struct {
	artifacts artifacts.Store
	emit      events.Emitter
}

// New constructs a Diagnoser.
func New(store artifacts.Store, emit events.Emitter) *Diagnoser {
	return &Diagnoser{artifacts: store, emit: emit}
}

// Diagnose calls reasoner, selects the highest-confidence hypothesis,
// persists diagnostics/diag_iter_<k>.json, and emits DiagnosisCompleted.
func (d *Diagnoser) Diagnose(ctx context.Context, runID string, iter int, fusedContext, lastError string, reasoner Reasoner) (*Hypothesis, error) {
	raw, err := reasoner.Diagnose(ctx, fusedContext, lastError)
	if err != nil {
		return nil, fmt.Errorf("diagnose: reasoner call: %w", err)
	}
	resp, err := parseResponse(raw)
	if err != nil {
		return nil, fmt.Errorf("diagnose: parse reasoner reply: %w", err)
	}
	if len(resp.Hypotheses) == 0 {
		return nil, fmt.Errorf("diagnose: reasoner returned no hypotheses")
	}

	best := resp.Hypotheses[0]
	for _, h := range resp.Hypotheses[1:] {
		if h.Confidence > best.Confidence {
			best = h
		}
	}

	if d.artifacts != nil {
		_, _ = d.artifacts.AddDiagnostic(ctx, runID, iter, best)
	}
	_ = d.emit.Emit(ctx, runID, events.DiagnosisCompleted, map[string]any{
		"iter":       iter,
		"hypothesis": best.Hypothesis,
		"confidence": best.Confidence,
	})
	return &best, nil
}

func parseResponse(raw string) (Response, error) {
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
		return Response{}, fmt.Errorf("no JSON object found")
	}
	var resp Response
	if err := json.Unmarshal([]byte(text[start:end+1]), &resp); err != nil {
		return Response{}, err
	}
	return resp, nil
}

// Signal formats hyp as a short injectable line for the next fused context's
// RECENT SIGNALS section.
func Signal(hyp *Hypothesis) string {
	if hyp == nil {
		return ""
	}
	return fmt.Sprintf("diagnosis (confidence %.2f): %s", hyp.Confidence, hyp.Hypothesis)
}
