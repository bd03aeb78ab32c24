package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/patchloop/orchestrator/runtime/config"
)

// doctorCmd implements `orchestrator doctor` (spec.md §6): a set of
// environment checks run before a real run is attempted, so a
// misconfigured provider or missing tool surfaces as a short report
// instead of a confusing mid-run failure.
func doctorCmd(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("doctor", flag.ContinueOnError)
	cf := bindCommonFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	repoRoot, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("resolve repo root: %w", err)
	}

	var checks []string
	ok := true

	if _, statErr := os.Stat(filepath.Join(repoRoot, ".git")); statErr == nil {
		checks = append(checks, "ok   git repository found at "+repoRoot)
	} else {
		ok = false
		checks = append(checks, "fail no .git directory at "+repoRoot+" (VCS Gateway needs a repository to checkpoint against)")
	}

	if path, lookErr := exec.LookPath("rg"); lookErr == nil {
		checks = append(checks, "ok   ripgrep found at "+path)
	} else {
		checks = append(checks, "warn ripgrep not found on PATH (Context Builder falls back to an in-process scan)")
	}

	cfg, cfgErr := config.Load(config.Sources{RepoRoot: repoRoot, ExplicitPath: cf.configPath})
	if cfgErr != nil {
		ok = false
		checks = append(checks, "fail config: "+cfgErr.Error())
	} else {
		checks = append(checks, fmt.Sprintf("ok   config loaded (thinkLevel=%s, %d provider(s) configured)", cfg.ThinkLevel, len(cfg.Providers)))
		for _, role := range []struct{ name, id string }{
			{"planner", cfg.Defaults.Planner},
			{"executor", cfg.Defaults.Executor},
			{"reviewer", cfg.Defaults.Reviewer},
		} {
			if role.id == "" {
				ok = false
				checks = append(checks, fmt.Sprintf("fail no default provider assigned to role %q", role.name))
				continue
			}
			if _, exists := cfg.Providers[role.id]; !exists {
				ok = false
				checks = append(checks, fmt.Sprintf("fail role %q points at unconfigured provider %q", role.name, role.id))
				continue
			}
			checks = append(checks, fmt.Sprintf("ok   role %q -> provider %q", role.name, role.id))
		}
	}

	for _, line := range checks {
		fmt.Println(line)
	}
	if !ok {
		return fmt.Errorf("doctor found problems, see above")
	}
	fmt.Println("doctor: environment looks ready")
	return nil
}
