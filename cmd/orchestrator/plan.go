package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/patchloop/orchestrator/runtime/agent/planner"
	"github.com/patchloop/orchestrator/runtime/config"
	contextbuilder "github.com/patchloop/orchestrator/runtime/context"
	"github.com/patchloop/orchestrator/runtime/events"
	"github.com/patchloop/orchestrator/runtime/orchestrator"
)

// planCmd implements `orchestrator plan <goal>` (spec.md §6): runs the Plan
// Service once and writes plan.json without executing or verifying
// anything.
func planCmd(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("plan", flag.ContinueOnError)
	cf := bindCommonFlags(fs)
	jsonF := fs.Bool("json", false, "print the plan as JSON instead of writing plan.json")
	if err := fs.Parse(args); err != nil {
		return err
	}
	goal := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if goal == "" {
		return wrapConfigError(fmt.Errorf("plan requires a goal argument"))
	}

	repoRoot, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("resolve repo root: %w", err)
	}
	cfg, err := config.Load(config.Sources{RepoRoot: repoRoot, ExplicitPath: cf.configPath})
	if err != nil {
		return wrapConfigError(fmt.Errorf("load config: %w", err))
	}

	bus := events.NewBus()
	emit := events.NewEmitter(bus, events.NewStore())
	registry, _, err := buildRegistry(cfg, bus)
	if err != nil {
		return err
	}

	builder := contextbuilder.New(emit)
	runID := uuid.New().String()
	fused, err := builder.Build(ctx, contextbuilder.Request{
		RunID: runID, Goal: goal, RepoRoot: repoRoot,
		Excludes: cfg.Context.Exclude, TokenBudget: cfg.Context.TokenBudget,
	})
	if err != nil {
		return fmt.Errorf("build context: %w", err)
	}

	svc := orchestrator.NewPlanService(registry)
	result, err := svc.Plan(ctx, planner.Request{RunID: runID, Goal: goal, Context: fused.Text})
	if err != nil {
		return fmt.Errorf("plan: %w", err)
	}

	if *jsonF {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	}

	path := filepath.Join(repoRoot, "plan.json")
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("encode plan: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	fmt.Println("wrote", path)
	return nil
}
