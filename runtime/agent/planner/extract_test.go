package planner

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestExtractResultFencedJSON(t *testing.T) {
	text := "Here is the plan:\n```json\n{\"steps\": [{\"instruction\": \"add retry\", \"paths\": [\"foo.go\"]}], \"notes\": [\"keep it small\"]}\n```\n"
	r, err := ExtractResult(text)
	require.NoError(t, err)
	require.Len(t, r.Steps, 1)
	require.Equal(t, "add retry", r.Steps[0].Instruction)
	require.Equal(t, []string{"foo.go"}, r.Steps[0].Paths)
	require.Len(t, r.Notes, 1)
}

func TestExtractResultBareArray(t *testing.T) {
	r, err := ExtractResult(`["fix the bug", "add a test"]`)
	require.NoError(t, err)
	require.Len(t, r.Steps, 2)
	require.Equal(t, 1, r.Steps[0].Ordinal)
	require.Equal(t, "add a test", r.Steps[1].Instruction)
}

func TestExtractResultBulletedFallback(t *testing.T) {
	text := "I'll do this:\n1. Fix the null check\n2. Add a regression test\n"
	r, err := ExtractResult(text)
	require.NoError(t, err)
	require.Equal(t, []Step{
		{Ordinal: 1, Instruction: "Fix the null check"},
		{Ordinal: 2, Instruction: "Add a regression test"},
	}, r.Steps)
}

func TestExtractResultSkipReason(t *testing.T) {
	r, err := ExtractResult(`{"skip_reason": "goal already satisfied by existing code"}`)
	require.NoError(t, err)
	require.Nil(t, r.Steps)
	require.NotNil(t, r.Rejected)
	require.Equal(t, "goal already satisfied by existing code", r.Rejected.Reason)
}

func TestExtractResultUnparseable(t *testing.T) {
	_, err := ExtractResult("   ")
	require.Error(t, err)

	_, err = ExtractResult("I don't know what to do here.")
	require.Error(t, err)
}
