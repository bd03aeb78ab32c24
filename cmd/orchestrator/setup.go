package main

import (
	"fmt"

	"github.com/patchloop/orchestrator/features/model/anthropic"
	"github.com/patchloop/orchestrator/features/model/openai"
	"github.com/patchloop/orchestrator/features/policy/basic"
	"github.com/patchloop/orchestrator/runtime/agent/model"
	"github.com/patchloop/orchestrator/runtime/config"
	"github.com/patchloop/orchestrator/runtime/cost"
	"github.com/patchloop/orchestrator/runtime/events"
	"github.com/patchloop/orchestrator/runtime/policy"
	"github.com/patchloop/orchestrator/runtime/providers"
)

// configError marks a failure that should exit with code 2 (config or
// registry error), per spec.md §6/§7's exit code taxonomy.
type configError struct{ err error }

func (e *configError) Error() string { return e.err.Error() }
func (e *configError) Unwrap() error { return e.err }

func wrapConfigError(err error) error {
	if err == nil {
		return nil
	}
	return &configError{err: err}
}

// buildRegistry constructs a Provider Registry from cfg: one pricing-aware
// cost Tracker shared by every adapter, the anthropic/openai adapters
// registered for their provider types (bedrock and gateway need a live AWS
// client or HTTP transport the CLI does not construct, so those types
// surface a RegistryError at first use, per spec.md §7), and every
// configured provider's role/config bound in.
func buildRegistry(cfg config.Config, bus events.Bus) (*providers.Registry, *cost.Tracker, error) {
	pricing := map[string]cost.Pricing{}
	for id, p := range cfg.Providers {
		if p.Pricing != nil {
			pricing[id] = cost.Pricing{
				InputPerMTokUSD:  p.Pricing.InputPerMTokUSD,
				OutputPerMTokUSD: p.Pricing.OutputPerMTokUSD,
			}
		}
	}
	tracker := cost.New(pricing)
	reg := providers.New(tracker, bus)

	reg.RegisterFactory("anthropic", func(c providers.Config) (model.Client, error) {
		return anthropic.NewFromAPIKey(c.APIKey, c.Model)
	})
	reg.RegisterFactory("openai", func(c providers.Config) (model.Client, error) {
		return openai.NewFromAPIKey(c.APIKey, c.Model)
	})

	for id, p := range cfg.Providers {
		var pricingPtr *cost.Pricing
		if p.Pricing != nil {
			v := cost.Pricing{InputPerMTokUSD: p.Pricing.InputPerMTokUSD, OutputPerMTokUSD: p.Pricing.OutputPerMTokUSD}
			pricingPtr = &v
		}
		if err := reg.Configure(providers.Config{
			ID: id, Type: p.Type, Model: p.Model, Command: p.Command,
			APIKey: p.APIKey, APIKeyEnv: p.APIKeyEnv, Pricing: pricingPtr,
		}); err != nil {
			return nil, nil, wrapConfigError(fmt.Errorf("configure provider %q: %w", id, err))
		}
	}

	if cfg.Defaults.Planner != "" {
		reg.AssignRole(providers.RolePlanner, cfg.Defaults.Planner)
	}
	if cfg.Defaults.Executor != "" {
		reg.AssignRole(providers.RoleExecutor, cfg.Defaults.Executor)
	}
	if cfg.Defaults.Reviewer != "" {
		reg.AssignRole(providers.RoleReviewer, cfg.Defaults.Reviewer)
	}
	return reg, tracker, nil
}

// buildPolicyEngine constructs the default sandbox policy: honor planner
// retry hints, no tag/tool filtering unless the repository opts in (the
// spec's `execution.tools` config has no allow/block-list surface yet, so
// the basic engine's filtering options are left at their zero value).
func buildPolicyEngine() (policy.Engine, error) {
	eng, err := basic.New(basic.Options{Label: "orchestrator-default"})
	if err != nil {
		return nil, wrapConfigError(err)
	}
	return eng, nil
}
