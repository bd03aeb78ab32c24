// Package applier implements the Patch Applier (spec.md §4.I):
// applyUnifiedDiff(repoRoot, text, opts), transactional against the working
// tree and built on the same github.com/sergi/go-diff/diffmatchpatch hunk
// primitives the Diff Extractor (runtime/diff) uses for malformed-hunk
// detection, reused here to actually apply a hunk's insert/delete/equal
// operations to file content.
package applier

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// ErrorKind tags a PatchOpError per spec.md §7's taxonomy for this
// component.
type ErrorKind string

const (
	ErrorKindLimit     ErrorKind = "limit"
	ErrorKindConflict  ErrorKind = "conflict"
	ErrorKindBinary    ErrorKind = "binary"
	ErrorKindMalformed ErrorKind = "malformed"
	ErrorKindIO        ErrorKind = "io"
)

// PatchOpError reports a single, located patch-application failure.
type PatchOpError struct {
	Kind ErrorKind
	File string
	Line int
	Msg  string
}

func (e *PatchOpError) Error() string {
	if e.File == "" {
		return fmt.Sprintf("patch: %s: %s", e.Kind, e.Msg)
	}
	return fmt.Sprintf("patch: %s: %s:%d: %s", e.Kind, e.File, e.Line, e.Msg)
}

// Options bounds what applyUnifiedDiff is willing to do to the tree.
type Options struct {
	MaxFilesChanged int
	MaxLinesTouched int
	AllowBinary     bool
	DryRun          bool
}

// Result reports which files a successful (or dry-run-validated) apply
// touched.
type Result struct {
	Applied      bool
	FilesChanged []string
}

type fileChange struct {
	relPath   string
	oldPath   string // "/dev/null" for created files
	newPath   string // "/dev/null" for deleted files
	binary    bool
	hunks     []string
	linesAdd  int
	linesDel  int
}

// ApplyUnifiedDiff parses text as a multi-file unified diff and applies it
// under repoRoot. On any validation failure (limit/conflict/binary/
// malformed), the working tree is left completely unchanged — validation
// runs to completion in memory before any file is written. opts.DryRun
// performs the same validation without writing anything.
func ApplyUnifiedDiff(repoRoot, text string, opts Options) (Result, error) {
	changes, err := parseFileChanges(text)
	if err != nil {
		return Result{}, err
	}
	if len(changes) == 0 {
		return Result{}, &PatchOpError{Kind: ErrorKindMalformed, Msg: "no file sections found in diff"}
	}

	if opts.MaxFilesChanged > 0 && len(changes) > opts.MaxFilesChanged {
		return Result{}, &PatchOpError{Kind: ErrorKindLimit, Msg: fmt.Sprintf("%d files changed exceeds limit %d", len(changes), opts.MaxFilesChanged)}
	}

	var plan []planned
	totalLines := 0

	for _, ch := range changes {
		totalLines += ch.linesAdd + ch.linesDel
		if opts.MaxLinesTouched > 0 && totalLines > opts.MaxLinesTouched {
			return Result{}, &PatchOpError{Kind: ErrorKindLimit, File: ch.relPath, Msg: fmt.Sprintf("lines touched exceeds limit %d", opts.MaxLinesTouched)}
		}
		if ch.binary && !opts.AllowBinary {
			return Result{}, &PatchOpError{Kind: ErrorKindBinary, File: ch.relPath, Msg: "binary changes are not allowed"}
		}

		absPath := filepath.Join(repoRoot, ch.relPath)
		var original []byte
		existed := ch.oldPath != "/dev/null"
		if existed {
			data, err := os.ReadFile(absPath)
			if err != nil {
				if os.IsNotExist(err) {
					return Result{}, &PatchOpError{Kind: ErrorKindConflict, File: ch.relPath, Msg: "file referenced by diff does not exist"}
				}
				return Result{}, &PatchOpError{Kind: ErrorKindIO, File: ch.relPath, Msg: err.Error()}
			}
			original = data
		}

		if ch.binary {
			// Binary hunks carry no textual content this applier can
			// reconstruct; allowed binary changes are recorded as touched
			// but left for the caller's own binary-copy step.
			plan = append(plan, planned{path: absPath, existed: existed, original: original, newContent: original})
			continue
		}

		if ch.newPath == "/dev/null" {
			plan = append(plan, planned{path: absPath, remove: true, existed: existed, original: original})
			continue
		}

		newContent, ok, line := applyHunks(string(original), ch.hunks)
		if !ok {
			return Result{}, &PatchOpError{Kind: ErrorKindConflict, File: ch.relPath, Line: line, Msg: "hunk does not match file content"}
		}
		plan = append(plan, planned{path: absPath, existed: existed, original: original, newContent: []byte(newContent)})
	}

	filesChanged := make([]string, 0, len(changes))
	for _, ch := range changes {
		filesChanged = append(filesChanged, ch.relPath)
	}

	if opts.DryRun {
		return Result{Applied: true, FilesChanged: filesChanged}, nil
	}

	written := make([]planned, 0, len(plan))
	for _, p := range plan {
		var err error
		if p.remove {
			err = os.Remove(p.path)
		} else {
			err = writeFile(p.path, p.newContent)
		}
		if err != nil {
			rollback(written)
			return Result{}, &PatchOpError{Kind: ErrorKindIO, File: p.path, Msg: err.Error()}
		}
		written = append(written, p)
	}

	return Result{Applied: true, FilesChanged: filesChanged}, nil
}

// rollback restores every already-written file to its pre-apply state, in
// reverse order, so a mid-apply I/O failure leaves the tree as it was.
func rollback(written []planned) {
	for i := len(written) - 1; i >= 0; i-- {
		p := written[i]
		if !p.existed {
			_ = os.Remove(p.path)
			continue
		}
		_ = writeFile(p.path, p.original)
	}
}

type planned struct {
	path       string
	newContent []byte
	remove     bool
	existed    bool
	original   []byte
}

func writeFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	tmp := path + ".orchestrator-tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// applyHunks applies each unified-diff hunk (parsed via diffmatchpatch) to
// original in order. Returns ok=false and the 1-based index of the hunk
// that failed (not a file line number) when a hunk cannot be applied.
func applyHunks(original string, hunks []string) (string, bool, int) {
	dmp := diffmatchpatch.New()
	current := original
	for i, hunk := range hunks {
		patches, err := dmp.PatchFromText(hunk)
		if err != nil {
			return "", false, i + 1
		}
		result, applied := dmp.PatchApply(patches, current)
		for _, ok := range applied {
			if !ok {
				return "", false, i + 1
			}
		}
		current = result
	}
	return current, true, 0
}

// parseFileChanges splits a multi-file unified diff into per-file change
// descriptions.
func parseFileChanges(text string) ([]fileChange, error) {
	lines := strings.Split(text, "\n")
	var changes []fileChange
	var cur *fileChange
	var curHunk []string
	inHunk := false

	flushHunk := func() {
		if cur != nil && len(curHunk) > 0 {
			cur.hunks = append(cur.hunks, strings.Join(curHunk, "\n"))
		}
		curHunk = nil
	}
	flushFile := func() {
		flushHunk()
		if cur != nil {
			changes = append(changes, *cur)
		}
		cur = nil
	}

	for _, line := range lines {
		switch {
		case strings.HasPrefix(line, "diff --git "):
			flushFile()
			cur = &fileChange{}
		case strings.HasPrefix(line, "--- "):
			flushHunk()
			inHunk = false
			if cur == nil {
				cur = &fileChange{}
			}
			cur.oldPath = strings.TrimSpace(strings.TrimPrefix(line, "--- "))
		case strings.HasPrefix(line, "+++ "):
			cur.newPath = strings.TrimSpace(strings.TrimPrefix(line, "+++ "))
			cur.relPath = relPathFromDiffPaths(cur.oldPath, cur.newPath)
		case strings.HasPrefix(line, "Binary files ") || strings.HasPrefix(line, "GIT binary patch"):
			if cur != nil {
				cur.binary = true
			}
		case strings.HasPrefix(line, "@@ "):
			flushHunk()
			inHunk = true
			curHunk = append(curHunk, line)
		case inHunk:
			curHunk = append(curHunk, line)
			if strings.HasPrefix(line, "+") {
				cur.linesAdd++
			} else if strings.HasPrefix(line, "-") {
				cur.linesDel++
			}
		}
	}
	flushFile()
	return changes, nil
}

func relPathFromDiffPaths(oldPath, newPath string) string {
	path := newPath
	if path == "/dev/null" {
		path = oldPath
	}
	path = strings.TrimPrefix(path, "a/")
	path = strings.TrimPrefix(path, "b/")
	return path
}
