// Package cost implements the Cost Tracker (spec §4.D): per-provider token
// and dollar accumulation over the lifetime of a run.
//
// The accumulator pattern (a mutex-guarded running total updated on every
// observed model.TokenUsage) is grounded on the teacher's
// features/model/middleware AdaptiveRateLimiter, which keeps its own
// mutex-guarded running state (currentTPM) updated on every request/response
// pair; this tracker applies the same shape to dollars and tokens instead of
// a rate budget.
package cost

import (
	"sync"

	"github.com/patchloop/orchestrator/runtime/agent/model"
)

// Pricing gives the per-million-token rates for a provider. A zero value
// for either field means that dimension has no configured price.
type Pricing struct {
	InputPerMTokUSD  float64
	OutputPerMTokUSD float64
}

// ProviderTotal is the accumulated usage and estimated cost for one
// provider. EstimatedCostUSD is nil when Pricing was never configured for
// this provider, per spec.md §4.D.
type ProviderTotal struct {
	InputTokens      int
	OutputTokens     int
	TotalTokens      int
	EstimatedCostUSD *float64
	hasPricing       bool
}

// Totals is a point-in-time snapshot of accumulated cost across every
// provider the tracker has observed.
type Totals struct {
	ByProvider map[string]ProviderTotal
	// GrandTotalUSD is nil unless at least one provider has pricing
	// configured, in which case it is the sum of the non-nil components.
	GrandTotalUSD *float64
}

// Tracker accumulates token usage and estimated dollar cost per provider
// across a run.
type Tracker struct {
	mu      sync.Mutex
	pricing map[string]Pricing
	totals  map[string]*ProviderTotal
}

// New returns a Tracker. pricing maps providerId to its configured rates;
// a provider absent from pricing accumulates tokens but never a dollar
// estimate.
func New(pricing map[string]Pricing) *Tracker {
	t := &Tracker{
		pricing: make(map[string]Pricing, len(pricing)),
		totals:  make(map[string]*ProviderTotal),
	}
	for id, p := range pricing {
		t.pricing[id] = p
	}
	return t
}

// Observe records one model call's usage against providerID.
func (t *Tracker) Observe(providerID string, usage model.TokenUsage) {
	t.mu.Lock()
	defer t.mu.Unlock()

	total, ok := t.totals[providerID]
	if !ok {
		total = &ProviderTotal{}
		t.totals[providerID] = total
	}
	total.InputTokens += usage.InputTokens
	total.OutputTokens += usage.OutputTokens
	total.TotalTokens += usage.TotalTokens

	price, hasPricing := t.pricing[providerID]
	if !hasPricing {
		return
	}
	total.hasPricing = true
	cost := costUSD(total.InputTokens, price.InputPerMTokUSD) +
		costUSD(total.OutputTokens, price.OutputPerMTokUSD)
	total.EstimatedCostUSD = &cost
}

func costUSD(tokens int, perMTok float64) float64 {
	if perMTok == 0 {
		return 0
	}
	return (float64(tokens) / 1_000_000) * perMTok
}

// Snapshot returns the current accumulated totals across every observed
// provider.
func (t *Tracker) Snapshot() Totals {
	t.mu.Lock()
	defer t.mu.Unlock()

	byProvider := make(map[string]ProviderTotal, len(t.totals))
	var grand float64
	var anyPricing bool
	for id, total := range t.totals {
		byProvider[id] = *total
		if total.hasPricing && total.EstimatedCostUSD != nil {
			grand += *total.EstimatedCostUSD
			anyPricing = true
		}
	}
	snapshot := Totals{ByProvider: byProvider}
	if anyPricing {
		snapshot.GrandTotalUSD = &grand
	}
	return snapshot
}

// TotalUSD returns the current grand total, or 0 if no provider has
// pricing configured. Used by the Budget Tracker's cost ceiling check,
// which treats an unpriced run as having spent nothing.
func (t *Tracker) TotalUSD() float64 {
	snap := t.Snapshot()
	if snap.GrandTotalUSD == nil {
		return 0
	}
	return *snap.GrandTotalUSD
}
