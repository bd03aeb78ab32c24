// Package providers implements the Provider Registry (spec.md §4.E): a
// providerId→adapter map that lazily constructs model.Client instances from
// ProviderConfig, wraps each in rate limiting and cost accounting, and
// resolves the planner/executor/reviewer role triple a run needs.
//
// Lazy construction and wrap-once-per-providerID follow the teacher's own
// features/model/middleware rate limiter attached at the client boundary;
// the cost-proxy and role resolution are new surface this spec requires
// that the teacher's conversational agent runtime never needed.
package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/patchloop/orchestrator/runtime/agent/model"
	"github.com/patchloop/orchestrator/runtime/cost"
	"github.com/patchloop/orchestrator/runtime/events"
)

// Role names a slot in the {planner, executor, reviewer} triple that
// spec.md §4.E resolves providers against.
type Role string

const (
	RolePlanner  Role = "planner"
	RoleExecutor Role = "executor"
	RoleReviewer Role = "reviewer"
)

// Config mirrors spec.md §3's ProviderConfig. APIKey is populated either
// directly or from APIKeyEnv, which Configure reads when APIKey is empty.
// A key that is still missing is not reported by Configure: Get returns a
// ConfigError for it at first use.
type Config struct {
	ID           string
	Type         string
	Model        string
	Command      []string
	APIKey       string
	APIKeyEnv    string
	Pricing      *cost.Pricing
	Capabilities []string
}

// Factory builds a model.Client from a resolved Config. Resolved means
// APIKeyEnv has already been read into APIKey when set.
type Factory func(cfg Config) (model.Client, error)

// Registry is the Provider Registry: providerId→adapter, built lazily and
// cached, each entry wrapped with rate limiting and cost accounting.
type Registry struct {
	mu sync.Mutex

	configs   map[string]Config
	factories map[string]Factory
	clients   map[string]model.Client
	limiters  map[string]*rateLimiter

	cost *cost.Tracker
	bus  events.Bus

	// roles maps a Role to the providerID serving it.
	roles map[Role]string

	rateTPM float64
}

// Option configures a Registry at construction.
type Option func(*Registry)

// WithRateLimitTPM overrides the initial tokens-per-minute budget every
// adapter's rate limiter starts at (default 60000).
func WithRateLimitTPM(tpm float64) Option {
	return func(r *Registry) { r.rateTPM = tpm }
}

// New constructs a Registry that records usage into tracker and publishes
// ProviderSelected events onto bus. bus may be nil to skip event emission
// (useful in tests).
func New(tracker *cost.Tracker, bus events.Bus, opts ...Option) *Registry {
	r := &Registry{
		configs:   make(map[string]Config),
		factories: make(map[string]Factory),
		clients:   make(map[string]model.Client),
		limiters:  make(map[string]*rateLimiter),
		roles:     make(map[Role]string),
		cost:      tracker,
		bus:       bus,
		rateTPM:   60000,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.registerBuiltinFactories()
	return r
}

func (r *Registry) registerBuiltinFactories() {
	r.factories["command"] = func(cfg Config) (model.Client, error) {
		c, err := newCommandClient(cfg.Command)
		if err != nil {
			return nil, &ConfigError{ProviderID: cfg.ID, Reason: err.Error()}
		}
		return c, nil
	}
}

// RegisterFactory installs or overrides the factory used for a given
// provider type (e.g. "anthropic", "openai", "bedrock", "gateway"). Adapters
// that need more than a resolved Config to construct (an AWS SDK client for
// bedrock, a transport for gateway) are wired in by the caller at startup
// rather than hardcoded here, keeping this package free of a direct
// dependency on every adapter package.
func (r *Registry) RegisterFactory(providerType string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[providerType] = factory
}

// Configure registers a provider's configuration without constructing its
// client. Secret resolution (apiKeyEnv→apiKey) happens here, once, so a
// misconfigured env var surfaces predictably on first use rather than
// varying by call order.
func (r *Registry) Configure(cfg Config) error {
	if strings.TrimSpace(cfg.ID) == "" {
		return &ConfigError{ProviderID: cfg.ID, Reason: "id is required"}
	}
	if strings.TrimSpace(cfg.Type) == "" {
		return &ConfigError{ProviderID: cfg.ID, Reason: "type is required"}
	}
	if cfg.APIKey == "" && cfg.APIKeyEnv != "" {
		cfg.APIKey = os.Getenv(cfg.APIKeyEnv)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.configs[cfg.ID] = cfg
	return nil
}

// AssignRole binds a providerID to a role in the {planner, executor,
// reviewer} triple. The providerID need not be configured yet.
func (r *Registry) AssignRole(role Role, providerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.roles[role] = providerID
}

// Get returns the wrapped model.Client for providerID, constructing it on
// first access. ConfigError/RegistryError surface here, never earlier.
func (r *Registry) Get(providerID string) (model.Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.getLocked(providerID)
}

func (r *Registry) getLocked(providerID string) (model.Client, error) {
	if c, ok := r.clients[providerID]; ok {
		return c, nil
	}
	cfg, ok := r.configs[providerID]
	if !ok {
		return nil, &RegistryError{ProviderID: providerID}
	}
	factory, ok := r.factories[cfg.Type]
	if !ok {
		return nil, &RegistryError{Type: cfg.Type}
	}
	if requiresAPIKey(cfg.Type) && strings.TrimSpace(cfg.APIKey) == "" {
		return nil, &ConfigError{ProviderID: providerID, Reason: "missing api key"}
	}
	client, err := factory(cfg)
	if err != nil {
		return nil, fmt.Errorf("construct provider %q: %w", providerID, err)
	}

	limiter := newRateLimiter(r.rateTPM, r.rateTPM)
	wrapped := model.Client(&rateLimitedClient{next: client, limiter: limiter})
	if r.cost != nil {
		wrapped = &costProxyClient{next: wrapped, providerID: providerID, tracker: r.cost}
	}
	r.clients[providerID] = wrapped
	r.limiters[providerID] = limiter
	return wrapped, nil
}

func requiresAPIKey(providerType string) bool {
	switch providerType {
	case "command", "gateway":
		return false
	default:
		return true
	}
}

// Resolve returns the model.Client bound to role for the given run and
// publishes a ProviderSelected event recording the choice.
func (r *Registry) Resolve(ctx context.Context, runID string, role Role) (model.Client, error) {
	r.mu.Lock()
	providerID, ok := r.roles[role]
	r.mu.Unlock()
	if !ok {
		return nil, &RegistryError{ProviderID: string(role)}
	}
	client, err := r.Get(providerID)
	if err != nil {
		return nil, err
	}
	if r.bus != nil {
		payload, _ := json.Marshal(map[string]string{
			"role":       string(role),
			"providerId": providerID,
		})
		r.bus.Publish(ctx, events.Event{
			RunID:     runID,
			Type:      events.ProviderSelected,
			Payload:   payload,
			Timestamp: time.Now(),
		})
	}
	return client, nil
}
