package diff_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/patchloop/orchestrator/runtime/diff"
)

const samplePatch = `--- a/main.go
+++ b/main.go
@@ -1,3 +1,3 @@
 package main
-func old() {}
+func new() {}
`

func TestExtractBetweenMarkers(t *testing.T) {
	text := "explanation\nBEGIN_DIFF\n" + samplePatch + "END_DIFF\nmore text"
	out, ok := diff.Extract(text)
	require.True(t, ok)
	require.Equal(t, samplePatch, out)
}

func TestExtractBetweenTaggedMarkers(t *testing.T) {
	text := "<BEGIN_DIFF>\n" + samplePatch + "</END_DIFF>"
	out, ok := diff.Extract(text)
	require.True(t, ok)
	require.Equal(t, samplePatch, out)
}

func TestExtractFencedBlock(t *testing.T) {
	text := "here is the fix:\n```diff\n" + samplePatch + "```\nthanks"
	out, ok := diff.Extract(text)
	require.True(t, ok)
	require.Equal(t, samplePatch, out)
}

func TestExtractFromGitDiffLine(t *testing.T) {
	text := "some preamble\n" + samplePatch
	out, ok := diff.Extract(text)
	require.True(t, ok)
	require.Equal(t, samplePatch, out)
}

func TestExtractFromHunkFragment(t *testing.T) {
	hunkOnly := "@@ -1,3 +1,3 @@\n package main\n-func old() {}\n+func new() {}\n"
	text := "no headers, just a hunk:\n" + hunkOnly
	out, ok := diff.Extract(text)
	require.True(t, ok)
	require.Equal(t, hunkOnly, out)
}

func TestExtractReturnsFalseWhenNoStrategyMatches(t *testing.T) {
	_, ok := diff.Extract("just some prose with no diff in it at all")
	require.False(t, ok)
}

func TestExtractPreservesWhitespaceOnlyContextLines(t *testing.T) {
	text := "BEGIN_DIFF\n--- a/f\n+++ b/f\n@@ -1,2 +1,2 @@\n   \n-a\n+b\nEND_DIFF"
	out, ok := diff.Extract(text)
	require.True(t, ok)
	require.Contains(t, out, "   \n")
}

func TestExtractTrimsLeadingAndTrailingBlankLines(t *testing.T) {
	text := "BEGIN_DIFF\n\n\n" + samplePatch + "\n\nEND_DIFF"
	out, ok := diff.Extract(text)
	require.True(t, ok)
	require.Equal(t, samplePatch, out)
}

func TestMalformedHunksAcceptsWellFormedPatch(t *testing.T) {
	require.False(t, diff.MalformedHunks(samplePatch))
}

func TestMalformedHunksRejectsBadHeader(t *testing.T) {
	bad := "--- a/main.go\n+++ b/main.go\n@@ not a real header @@\n-x\n+y\n"
	require.True(t, diff.MalformedHunks(bad))
}

func TestMalformedHunksIgnoresSectionsWithoutHunks(t *testing.T) {
	require.False(t, diff.MalformedHunks("--- a/f\n+++ b/f\n"))
}
