package cost_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/patchloop/orchestrator/runtime/agent/model"
	"github.com/patchloop/orchestrator/runtime/cost"
)

func TestObserveWithoutPricingHasNoEstimate(t *testing.T) {
	tr := cost.New(nil)
	tr.Observe("anthropic", model.TokenUsage{InputTokens: 100, OutputTokens: 50, TotalTokens: 150})

	snap := tr.Snapshot()
	require.Nil(t, snap.GrandTotalUSD)
	require.Equal(t, 150, snap.ByProvider["anthropic"].TotalTokens)
	require.Nil(t, snap.ByProvider["anthropic"].EstimatedCostUSD)
}

func TestObserveAccumulatesCostWithPricing(t *testing.T) {
	tr := cost.New(map[string]cost.Pricing{
		"openai": {InputPerMTokUSD: 3, OutputPerMTokUSD: 15},
	})
	tr.Observe("openai", model.TokenUsage{InputTokens: 1_000_000, OutputTokens: 0})
	tr.Observe("openai", model.TokenUsage{InputTokens: 0, OutputTokens: 1_000_000})

	snap := tr.Snapshot()
	require.NotNil(t, snap.ByProvider["openai"].EstimatedCostUSD)
	require.InDelta(t, 18.0, *snap.ByProvider["openai"].EstimatedCostUSD, 0.0001)
	require.NotNil(t, snap.GrandTotalUSD)
	require.InDelta(t, 18.0, *snap.GrandTotalUSD, 0.0001)
}

func TestGrandTotalIsSumOfPricedProvidersOnly(t *testing.T) {
	tr := cost.New(map[string]cost.Pricing{
		"openai": {InputPerMTokUSD: 1},
	})
	tr.Observe("openai", model.TokenUsage{InputTokens: 1_000_000})
	tr.Observe("local-command", model.TokenUsage{InputTokens: 500})

	snap := tr.Snapshot()
	require.NotNil(t, snap.GrandTotalUSD)
	require.InDelta(t, 1.0, *snap.GrandTotalUSD, 0.0001)
	require.Nil(t, snap.ByProvider["local-command"].EstimatedCostUSD)
}

func TestTotalUSDDefaultsToZero(t *testing.T) {
	tr := cost.New(nil)
	require.Equal(t, 0.0, tr.TotalUSD())
}
