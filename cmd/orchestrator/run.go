package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"goa.design/clue/log"

	"github.com/patchloop/orchestrator/runtime/agent/run"
	runinmem "github.com/patchloop/orchestrator/runtime/agent/run/inmem"
	"github.com/patchloop/orchestrator/runtime/artifacts"
	"github.com/patchloop/orchestrator/runtime/config"
	contextbuilder "github.com/patchloop/orchestrator/runtime/context"
	"github.com/patchloop/orchestrator/runtime/events"
	meminmem "github.com/patchloop/orchestrator/runtime/memory/inmem"
	"github.com/patchloop/orchestrator/runtime/orchestrator"
)

// runCmd implements `orchestrator run <goal>` (spec.md §6).
func runCmd(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	cf := bindCommonFlags(fs)
	thinkF := fs.String("think", "", "L0, L1, L2, or L3; overrides config")
	jsonF := fs.Bool("json", false, "print the run summary as JSON")
	budgetF := fs.String("budget", "", "comma-separated overrides, e.g. time=600,cost=1.5,iter=4,tool=6")
	if err := fs.Parse(args); err != nil {
		return err
	}
	goal := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if goal == "" {
		return wrapConfigError(fmt.Errorf("run requires a goal argument"))
	}
	if cf.verbose {
		ctx = log.Context(ctx, log.WithDebug())
	}

	repoRoot, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("resolve repo root: %w", err)
	}

	flags := map[string]any{}
	if *thinkF != "" {
		flags["thinkLevel"] = *thinkF
	}
	if *budgetF != "" {
		budget, berr := parseBudgetFlag(*budgetF)
		if berr != nil {
			return wrapConfigError(berr)
		}
		flags["budget"] = budget
	}

	cfg, err := config.Load(config.Sources{RepoRoot: repoRoot, ExplicitPath: cf.configPath, Flags: flags})
	if err != nil {
		return wrapConfigError(fmt.Errorf("load config: %w", err))
	}

	bus := events.NewBus()
	store := events.NewStore()
	emit := events.NewEmitter(bus, store)

	if cf.verbose {
		unregister := bus.Register(events.SubscriberFunc(func(ctx context.Context, e events.Event) {
			log.Print(ctx, log.KV{K: "event", V: string(e.Type)}, log.KV{K: "runId", V: e.RunID})
		}))
		defer unregister()
	}

	registry, costTracker, err := buildRegistry(cfg, bus)
	if err != nil {
		return err
	}
	policyEng, err := buildPolicyEngine()
	if err != nil {
		return err
	}

	runID := uuid.New().String()
	eng := orchestrator.New(
		cfg,
		artifacts.NewFileStore(),
		runinmem.New(),
		meminmem.New(),
		emit,
		policyEng,
		registry,
		costTracker,
		contextbuilder.New(emit),
		nil,
	)

	summary, err := eng.Run(ctx, orchestrator.Request{
		RunID:      runID,
		RepoRoot:   repoRoot,
		Goal:       goal,
		ThinkLevel: run.ThinkLevel(cfg.ThinkLevel),
	})
	if err != nil {
		return fmt.Errorf("run engine: %w", err)
	}

	if err := printSummary(summary, *jsonF); err != nil {
		return err
	}
	if summary.Status != run.StatusSuccess {
		return fmt.Errorf("run %s did not succeed: %s", summary.RunID, summary.StopReason)
	}
	return nil
}

func printSummary(summary *orchestrator.Summary, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(summary)
	}
	fmt.Printf("run %s: %s (think=%s, iterations=%d)\n", summary.RunID, summary.Status, summary.Final, summary.Iterations)
	if summary.StopReason != "" {
		fmt.Printf("  stop reason: %s\n", summary.StopReason)
	}
	for _, esc := range summary.Escalations {
		fmt.Printf("  escalated: %s\n", esc)
	}
	if summary.FinalDiffPath != "" {
		fmt.Printf("  final diff: %s\n", summary.FinalDiffPath)
	}
	for _, w := range summary.SwallowedErrors {
		fmt.Printf("  warning: %s\n", w)
	}
	return nil
}

// parseBudgetFlag parses "time=600,cost=1.5,iter=4,tool=6" into the config
// schema's budget{} shape.
func parseBudgetFlag(raw string) (map[string]any, error) {
	out := map[string]any{}
	for _, kv := range strings.Split(raw, ",") {
		kv = strings.TrimSpace(kv)
		if kv == "" {
			continue
		}
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid --budget entry %q", kv)
		}
		key, val := strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
		switch key {
		case "time":
			n, err := strconv.Atoi(val)
			if err != nil {
				return nil, fmt.Errorf("invalid --budget time=%q: %w", val, err)
			}
			out["timeSec"] = n
		case "cost":
			n, err := strconv.ParseFloat(val, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid --budget cost=%q: %w", val, err)
			}
			out["costUsd"] = n
		case "iter":
			n, err := strconv.Atoi(val)
			if err != nil {
				return nil, fmt.Errorf("invalid --budget iter=%q: %w", val, err)
			}
			out["iterations"] = n
		case "tool":
			n, err := strconv.Atoi(val)
			if err != nil {
				return nil, fmt.Errorf("invalid --budget tool=%q: %w", val, err)
			}
			out["toolCalls"] = n
		default:
			return nil, fmt.Errorf("unknown --budget key %q", key)
		}
	}
	return out, nil
}
