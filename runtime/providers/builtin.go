package providers

import (
	"github.com/patchloop/orchestrator/features/model/anthropic"
	"github.com/patchloop/orchestrator/features/model/openai"
	"github.com/patchloop/orchestrator/runtime/agent/model"
)

// RegisterDefaultFactories installs factories for the provider types this
// module ships adapters for directly (anthropic, openai). bedrock and
// gateway are deliberately left to the caller: both need more than a
// resolved Config to construct (an AWS SDK client, a transport), so wiring
// them here would force every caller of this package to import those SDKs
// transitively even when unused.
func (r *Registry) RegisterDefaultFactories() {
	r.RegisterFactory("anthropic", func(cfg Config) (model.Client, error) {
		c, err := anthropic.NewFromAPIKey(cfg.APIKey, cfg.Model)
		if err != nil {
			return nil, &ConfigError{ProviderID: cfg.ID, Reason: err.Error()}
		}
		return c, nil
	})
	r.RegisterFactory("openai", func(cfg Config) (model.Client, error) {
		c, err := openai.NewFromAPIKey(cfg.APIKey, cfg.Model)
		if err != nil {
			return nil, &ConfigError{ProviderID: cfg.ID, Reason: err.Error()}
		}
		return c, nil
	})
}
