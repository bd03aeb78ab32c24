package providers_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/patchloop/orchestrator/runtime/agent/model"
	"github.com/patchloop/orchestrator/runtime/cost"
	"github.com/patchloop/orchestrator/runtime/events"
	"github.com/patchloop/orchestrator/runtime/providers"
)

type echoClient struct{}

func (echoClient) Complete(_ context.Context, req *model.Request) (*model.Response, error) {
	return &model.Response{
		Content: []model.Message{{Role: model.ConversationRoleAssistant, Parts: []model.Part{model.TextPart{Text: "ok"}}}},
		Usage:   model.TokenUsage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15},
	}, nil
}

func (echoClient) Stream(context.Context, *model.Request) (model.Streamer, error) {
	return nil, model.ErrStreamingUnsupported
}

func TestGetConstructsAndCachesClient(t *testing.T) {
	tracker := cost.New(nil)
	reg := providers.New(tracker, nil)
	reg.RegisterFactory("echo", func(providers.Config) (model.Client, error) { return echoClient{}, nil })
	require.NoError(t, reg.Configure(providers.Config{ID: "p1", Type: "echo"}))

	c1, err := reg.Get("p1")
	require.NoError(t, err)
	c2, err := reg.Get("p1")
	require.NoError(t, err)
	require.Same(t, c1, c2, "expected cached client on second Get")
}

func TestGetUnconfiguredProviderIsRegistryError(t *testing.T) {
	reg := providers.New(cost.New(nil), nil)
	_, err := reg.Get("missing")
	require.Error(t, err)
	var regErr *providers.RegistryError
	require.ErrorAs(t, err, &regErr)
}

func TestGetUnknownTypeIsRegistryError(t *testing.T) {
	reg := providers.New(cost.New(nil), nil)
	require.NoError(t, reg.Configure(providers.Config{ID: "p1", Type: "nonexistent"}))
	_, err := reg.Get("p1")
	require.Error(t, err)
	var regErr *providers.RegistryError
	require.ErrorAs(t, err, &regErr)
}

func TestGetMissingAPIKeyIsConfigError(t *testing.T) {
	reg := providers.New(cost.New(nil), nil)
	reg.RegisterDefaultFactories()
	require.NoError(t, reg.Configure(providers.Config{ID: "p1", Type: "anthropic", Model: "claude"}))
	_, err := reg.Get("p1")
	require.Error(t, err)
	var cfgErr *providers.ConfigError
	require.ErrorAs(t, err, &cfgErr)
}

func TestResolvePublishesProviderSelected(t *testing.T) {
	bus := events.NewBus()
	var got []events.Event
	unregister := bus.Register(events.SubscriberFunc(func(_ context.Context, e events.Event) {
		got = append(got, e)
	}))
	defer unregister()

	tracker := cost.New(nil)
	reg := providers.New(tracker, bus)
	reg.RegisterFactory("echo", func(providers.Config) (model.Client, error) { return echoClient{}, nil })
	require.NoError(t, reg.Configure(providers.Config{ID: "p1", Type: "echo"}))
	reg.AssignRole(providers.RolePlanner, "p1")

	client, err := reg.Resolve(context.Background(), "run-1", providers.RolePlanner)
	require.NoError(t, err)
	require.NotNil(t, client)
	require.Len(t, got, 1)
	require.Equal(t, events.ProviderSelected, got[0].Type)
	require.Equal(t, "run-1", got[0].RunID)
}

func TestResolveRecordsCostThroughProxy(t *testing.T) {
	tracker := cost.New(nil)
	reg := providers.New(tracker, nil)
	reg.RegisterFactory("echo", func(providers.Config) (model.Client, error) { return echoClient{}, nil })
	require.NoError(t, reg.Configure(providers.Config{ID: "p1", Type: "echo"}))
	reg.AssignRole(providers.RoleExecutor, "p1")

	client, err := reg.Resolve(context.Background(), "run-1", providers.RoleExecutor)
	require.NoError(t, err)

	_, err = client.Complete(context.Background(), &model.Request{
		Messages: []*model.Message{{Role: model.ConversationRoleUser, Parts: []model.Part{model.TextPart{Text: "hi"}}}},
	})
	require.NoError(t, err)

	snap := tracker.Snapshot()
	total, ok := snap.ByProvider["p1"]
	require.True(t, ok)
	require.Equal(t, 15, total.TotalTokens)
}

func TestResolveUnassignedRoleIsRegistryError(t *testing.T) {
	reg := providers.New(cost.New(nil), nil)
	_, err := reg.Resolve(context.Background(), "run-1", providers.RoleReviewer)
	require.Error(t, err)
	var regErr *providers.RegistryError
	require.ErrorAs(t, err, &regErr)
}
