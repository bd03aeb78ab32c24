package budget_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/patchloop/orchestrator/runtime/budget"
)

type fakeCost struct{ total float64 }

func (f fakeCost) TotalUSD() float64 { return f.total }

func TestCheckNoViolation(t *testing.T) {
	tr := budget.New(budget.Limits{Iterations: 4, ToolCalls: 6, Time: time.Hour}, fakeCost{})
	require.Nil(t, tr.Check())
}

func TestCheckIterationsFirst(t *testing.T) {
	tr := budget.New(budget.Limits{Iterations: 1, ToolCalls: 1}, fakeCost{})
	tr.RecordIteration()
	tr.RecordToolCall()
	v := tr.Check()
	require.NotNil(t, v)
	require.Equal(t, budget.ReasonIterations, v.Reason)
}

func TestCheckToolCalls(t *testing.T) {
	tr := budget.New(budget.Limits{ToolCalls: 2}, fakeCost{})
	tr.RecordToolCall()
	require.Nil(t, tr.Check())
	tr.RecordToolCall()
	v := tr.Check()
	require.NotNil(t, v)
	require.Equal(t, budget.ReasonToolCalls, v.Reason)
}

func TestCheckTime(t *testing.T) {
	tr := budget.New(budget.Limits{Time: time.Millisecond}, fakeCost{})
	time.Sleep(5 * time.Millisecond)
	v := tr.Check()
	require.NotNil(t, v)
	require.Equal(t, budget.ReasonTime, v.Reason)
}

func TestCheckCost(t *testing.T) {
	tr := budget.New(budget.Limits{CostUSD: 1.0}, fakeCost{total: 1.5})
	v := tr.Check()
	require.NotNil(t, v)
	require.Equal(t, budget.ReasonCost, v.Reason)
}

func TestDefaultBudget(t *testing.T) {
	d := budget.Default()
	require.Equal(t, 4, d.Iterations)
	require.Equal(t, 6, d.ToolCalls)
	require.Equal(t, 10*time.Minute, d.Time)
}
