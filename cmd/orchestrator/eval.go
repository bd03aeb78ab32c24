package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/google/uuid"

	"github.com/patchloop/orchestrator/runtime/agent/run"
	runinmem "github.com/patchloop/orchestrator/runtime/agent/run/inmem"
	"github.com/patchloop/orchestrator/runtime/artifacts"
	"github.com/patchloop/orchestrator/runtime/config"
	contextbuilder "github.com/patchloop/orchestrator/runtime/context"
	"github.com/patchloop/orchestrator/runtime/events"
	meminmem "github.com/patchloop/orchestrator/runtime/memory/inmem"
	"github.com/patchloop/orchestrator/runtime/orchestrator"
)

// scenario is one entry in an eval suite file: a goal to run against a
// repository, with the think-level and final status a passing run is
// expected to reach.
type scenario struct {
	Name         string `json:"name"`
	RepoRoot     string `json:"repoRoot"`
	Goal         string `json:"goal"`
	ThinkLevel   string `json:"thinkLevel"`
	ExpectStatus string `json:"expectStatus"`
}

type evalResult struct {
	Scenario string `json:"scenario"`
	Status   string `json:"status"`
	Expected string `json:"expected"`
	Passed   bool   `json:"passed"`
	Detail   string `json:"detail,omitempty"`
}

// evalCmd implements `orchestrator eval <suitePath>` (spec.md §6): replays
// a fixed list of goals against their repositories offline, without a
// human in the loop, and reports pass/fail against each scenario's
// expected terminal status.
func evalCmd(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("eval", flag.ContinueOnError)
	cf := bindCommonFlags(fs)
	jsonF := fs.Bool("json", false, "print results as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return wrapConfigError(fmt.Errorf("eval requires exactly one suite path argument"))
	}
	suitePath := fs.Arg(0)

	data, err := os.ReadFile(suitePath)
	if err != nil {
		return wrapConfigError(fmt.Errorf("read suite %s: %w", suitePath, err))
	}
	var scenarios []scenario
	if err := json.Unmarshal(data, &scenarios); err != nil {
		return wrapConfigError(fmt.Errorf("parse suite %s: %w", suitePath, err))
	}
	if len(scenarios) == 0 {
		return wrapConfigError(fmt.Errorf("suite %s has no scenarios", suitePath))
	}

	results := make([]evalResult, 0, len(scenarios))
	failed := 0
	for _, sc := range scenarios {
		res, runErr := runScenario(ctx, cf, sc)
		if runErr != nil {
			results = append(results, evalResult{Scenario: sc.Name, Status: "error", Expected: sc.ExpectStatus, Detail: runErr.Error()})
			failed++
			continue
		}
		if !res.Passed {
			failed++
		}
		results = append(results, res)
	}

	if *jsonF {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(results); err != nil {
			return err
		}
	} else {
		for _, r := range results {
			mark := "PASS"
			if !r.Passed {
				mark = "FAIL"
			}
			fmt.Printf("[%s] %s: status=%s expected=%s %s\n", mark, r.Scenario, r.Status, r.Expected, r.Detail)
		}
		fmt.Printf("%d/%d scenarios passed\n", len(results)-failed, len(results))
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d scenarios failed", failed, len(results))
	}
	return nil
}

func runScenario(ctx context.Context, cf *commonFlags, sc scenario) (evalResult, error) {
	repoRoot := sc.RepoRoot
	if repoRoot == "" {
		var err error
		repoRoot, err = os.Getwd()
		if err != nil {
			return evalResult{}, fmt.Errorf("resolve repo root: %w", err)
		}
	}
	cfg, err := config.Load(config.Sources{RepoRoot: repoRoot, ExplicitPath: cf.configPath})
	if err != nil {
		return evalResult{}, fmt.Errorf("load config: %w", err)
	}

	bus := events.NewBus()
	emit := events.NewEmitter(bus, events.NewStore())
	registry, costTracker, err := buildRegistry(cfg, bus)
	if err != nil {
		return evalResult{}, err
	}
	policyEng, err := buildPolicyEngine()
	if err != nil {
		return evalResult{}, err
	}

	level := run.ThinkLevel(sc.ThinkLevel)
	if level == "" {
		level = run.ThinkLevel(cfg.ThinkLevel)
	}

	eng := orchestrator.New(
		cfg, artifacts.NewFileStore(), runinmem.New(), meminmem.New(),
		emit, policyEng, registry, costTracker, contextbuilder.New(emit), nil,
	)
	summary, err := eng.Run(ctx, orchestrator.Request{
		RunID: uuid.New().String(), RepoRoot: repoRoot, Goal: sc.Goal, ThinkLevel: level,
	})
	if err != nil {
		return evalResult{}, fmt.Errorf("run engine: %w", err)
	}

	expected := sc.ExpectStatus
	if expected == "" {
		expected = string(run.StatusSuccess)
	}
	return evalResult{
		Scenario: sc.Name,
		Status:   string(summary.Status),
		Expected: expected,
		Passed:   string(summary.Status) == expected,
		Detail:   summary.StopReason,
	}, nil
}
