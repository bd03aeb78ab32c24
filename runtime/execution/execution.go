// Package execution implements the Execution Service (spec.md §4.L):
// apply a proposed diff within a checkpoint window, asking a Confirmation
// provider before ever retrying past a configured limit, and rolling back
// to HEAD on any failure. Grounded on the teacher's
// runtime/agent/runtime/confirmation.go ToolConfirmationConfig (deny by
// default, one prompt/result pair per gated action) generalized from a
// per-tool confirmation gate to a per-apply-limit one, and wired directly
// to runtime/applier and runtime/vcs.
package execution

import (
	"context"
	"errors"
	"fmt"

	"github.com/patchloop/orchestrator/runtime/applier"
	"github.com/patchloop/orchestrator/runtime/events"
	"github.com/patchloop/orchestrator/runtime/vcs"
)

// Confirmer answers a yes/no prompt before the Execution Service retries an
// apply past a configured limit. The default Confirmer always denies, per
// spec.md §4.L step 2 and the teacher's confirmation.go default-deny stance.
type Confirmer interface {
	Confirm(ctx context.Context, prompt string) (bool, error)
}

// DenyConfirmer always denies. It is the Service's default when no
// Confirmer is supplied.
type DenyConfirmer struct{}

// Confirm always returns false.
func (DenyConfirmer) Confirm(context.Context, string) (bool, error) { return false, nil }

// Request describes one apply attempt.
type Request struct {
	RunID         string
	StepLabel     string // used to name the checkpoint, e.g. "step-3"
	Diff          string
	Limits        applier.Options
	NoCheckpoints bool
}

// Result reports what Apply did to the working tree.
type Result struct {
	Success       bool
	Error         string
	FilesChanged  []string
	CheckpointRef string
}

// Service applies diffs within a checkpoint window over one repository.
type Service struct {
	repoRoot  string
	gw        *vcs.Gateway
	confirmer Confirmer
	emit      events.Emitter
}

// New constructs a Service rooted at repoRoot. confirmer may be nil, in
// which case DenyConfirmer is used.
func New(repoRoot string, gw *vcs.Gateway, confirmer Confirmer, emit events.Emitter) *Service {
	if confirmer == nil {
		confirmer = DenyConfirmer{}
	}
	return &Service{repoRoot: repoRoot, gw: gw, confirmer: confirmer, emit: emit}
}

// Apply runs the four-step contract of spec.md §4.L. Unexpected panics are
// not recovered here; callers running within the engine's step loop are
// expected to run under its own recover-and-rollback discipline.
func (s *Service) Apply(ctx context.Context, req Request) (Result, error) {
	// An internal, unemitted checkpoint captures the exact pre-apply tree so
	// that a failed attempt (including a failed retry) can always be rolled
	// back to HEAD regardless of whether the caller wants visible
	// checkpoints on success.
	preRef, preErr := s.gw.CreateCheckpoint(ctx, "pre-apply-"+req.StepLabel)
	if preErr != nil {
		return Result{}, fmt.Errorf("execution: pre-apply checkpoint: %w", preErr)
	}

	res, err := applier.ApplyUnifiedDiff(s.repoRoot, req.Diff, req.Limits)
	if err != nil {
		var patchErr *applier.PatchOpError
		if errors.As(err, &patchErr) && patchErr.Kind == applier.ErrorKindLimit {
			ok, confirmErr := s.confirmer.Confirm(ctx, fmt.Sprintf("apply exceeded limit (%s); retry without limits?", patchErr.Msg))
			if confirmErr == nil && ok {
				res, err = applier.ApplyUnifiedDiff(s.repoRoot, req.Diff, applier.Options{AllowBinary: req.Limits.AllowBinary, DryRun: req.Limits.DryRun})
			}
		}
	}
	if err != nil {
		return s.fail(ctx, req, preRef, err)
	}

	_ = s.emit.Emit(ctx, req.RunID, events.PatchApplied, map[string]any{
		"step":         req.StepLabel,
		"filesChanged": res.FilesChanged,
	})

	out := Result{Success: true, FilesChanged: res.FilesChanged}
	if !req.NoCheckpoints {
		ref, ckErr := s.gw.CreateCheckpoint(ctx, req.StepLabel)
		if ckErr != nil {
			return s.fail(ctx, req, preRef, fmt.Errorf("execution: checkpoint after apply: %w", ckErr))
		}
		out.CheckpointRef = ref
		_ = s.emit.Emit(ctx, req.RunID, events.CheckpointCreated, map[string]any{"step": req.StepLabel, "ref": ref})
	} else {
		out.CheckpointRef = preRef
	}
	return out, nil
}

func (s *Service) fail(ctx context.Context, req Request, preRef string, cause error) (Result, error) {
	_ = s.emit.Emit(ctx, req.RunID, events.PatchApplyFailed, map[string]any{
		"step":  req.StepLabel,
		"error": cause.Error(),
	})
	if rbErr := s.gw.RollbackToCheckpoint(ctx, preRef); rbErr != nil {
		return Result{Success: false, Error: cause.Error()}, fmt.Errorf("execution: rollback after failed apply: %w (apply error: %v)", rbErr, cause)
	}
	_ = s.emit.Emit(ctx, req.RunID, events.RollbackPerformed, map[string]any{
		"step":      req.StepLabel,
		"targetRef": "HEAD",
	})
	return Result{Success: false, Error: cause.Error()}, nil
}
