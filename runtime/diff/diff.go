// Package diff implements the Diff Extractor & Patch Normalizer (spec.md
// §4.F): a pure function that pulls a unified diff out of raw model output
// text, trying a fixed sequence of extraction strategies, plus hunk-level
// malformed-patch detection ahead of the Patch Applier.
//
// Hunk parsing is delegated to github.com/sergi/go-diff's diffmatchpatch
// patch primitives rather than hand-rolled line scanning, following the
// pack's own use of that library for diff/patch plumbing
// (Sumatoshi-tech-codefang's pkg/framework/diff_pipeline.go).
package diff

import (
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

const (
	beginMarkerPlain   = "BEGIN_DIFF"
	beginMarkerTagged  = "<BEGIN_DIFF>"
	endMarkerPlain     = "END_DIFF"
	endMarkerTagged    = "<END_DIFF>"
	endMarkerClosed    = "</END_DIFF>"
	fenceOpen          = "```diff"
	fenceClose         = "```"
	hunkFragmentPrefix = "@@ "
)

var gitDiffPrefixes = []string{"diff --git", "--- a/", "--- /dev/null"}

// Extract pulls a unified diff out of raw model output text, trying each
// strategy from spec.md §4.F in order and returning the first success.
// Returns ok=false when no strategy matches.
func Extract(text string) (diffText string, ok bool) {
	lines := strings.Split(text, "\n")

	if body, found := extractBetweenMarkers(lines); found {
		return normalize(body), true
	}
	if body, found := extractFencedBlock(lines); found {
		return normalize(body), true
	}
	if body, found := extractFromFirstMatch(lines, gitDiffPrefixes); found {
		return normalize(body), true
	}
	if body, found := extractFromFirstMatch(lines, []string{hunkFragmentPrefix}); found {
		return normalize(body), true
	}
	return "", false
}

func extractBetweenMarkers(lines []string) ([]string, bool) {
	start := -1
	for i, line := range lines {
		t := strings.TrimSpace(line)
		if t == beginMarkerPlain || t == beginMarkerTagged {
			start = i + 1
			break
		}
	}
	if start < 0 {
		return nil, false
	}
	for i := start; i < len(lines); i++ {
		t := strings.TrimSpace(lines[i])
		if t == endMarkerPlain || t == endMarkerTagged || t == endMarkerClosed {
			return lines[start:i], true
		}
	}
	return nil, false
}

func extractFencedBlock(lines []string) ([]string, bool) {
	start := -1
	for i, line := range lines {
		if strings.TrimSpace(line) == fenceOpen {
			start = i + 1
			break
		}
	}
	if start < 0 {
		return nil, false
	}
	for i := start; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == fenceClose {
			return lines[start:i], true
		}
	}
	return nil, false
}

func extractFromFirstMatch(lines []string, prefixes []string) ([]string, bool) {
	for i, line := range lines {
		for _, p := range prefixes {
			if strings.HasPrefix(line, p) {
				return lines[i:], true
			}
		}
	}
	return nil, false
}

// normalize trims empty leading/trailing lines (but preserves interior
// whitespace-only lines, which are valid diff context) and guarantees a
// trailing newline, per spec.md §4.F.
func normalize(lines []string) string {
	start := 0
	for start < len(lines) && strings.TrimSpace(lines[start]) == "" {
		start++
	}
	end := len(lines)
	for end > start && strings.TrimSpace(lines[end-1]) == "" {
		end--
	}
	if start >= end {
		return ""
	}
	body := strings.Join(lines[start:end], "\n")
	if !strings.HasSuffix(body, "\n") {
		body += "\n"
	}
	return body
}

// MalformedHunks reports whether diffText contains a hunk whose header or
// body diffmatchpatch's unified-patch parser rejects. It scans per-file
// sections (each beginning with a "--- "/"+++ " header pair) so one file's
// malformed hunk doesn't mask sibling files, and is used to tag
// PatchOpError{Kind: malformed} before the Patch Applier ever opens a file.
func MalformedHunks(diffText string) bool {
	for _, section := range splitFileSections(diffText) {
		hunks := extractHunkBlocks(section)
		if len(hunks) == 0 {
			continue
		}
		dmp := diffmatchpatch.New()
		for _, hunk := range hunks {
			if _, err := dmp.PatchFromText(hunk); err != nil {
				return true
			}
		}
	}
	return false
}

// splitFileSections splits a multi-file unified diff into one string per
// file, each starting at its "--- " header line.
func splitFileSections(diffText string) []string {
	lines := strings.Split(diffText, "\n")
	var sections []string
	var current []string
	for _, line := range lines {
		if strings.HasPrefix(line, "--- ") && len(current) > 0 {
			sections = append(sections, strings.Join(current, "\n"))
			current = nil
		}
		current = append(current, line)
	}
	if len(current) > 0 {
		sections = append(sections, strings.Join(current, "\n"))
	}
	return sections
}

// extractHunkBlocks pulls each "@@ ... @@" hunk (header plus body lines up
// to the next hunk or file header) out of a single file's diff section.
func extractHunkBlocks(section string) []string {
	lines := strings.Split(section, "\n")
	var hunks []string
	var current []string
	inHunk := false
	flush := func() {
		if len(current) > 0 {
			hunks = append(hunks, strings.Join(current, "\n"))
		}
		current = nil
	}
	for _, line := range lines {
		switch {
		case strings.HasPrefix(line, "@@ "):
			flush()
			inHunk = true
			current = append(current, line)
		case inHunk && (strings.HasPrefix(line, "--- ") || strings.HasPrefix(line, "diff --git")):
			flush()
			inHunk = false
		case inHunk:
			current = append(current, line)
		}
	}
	flush()
	return hunks
}
