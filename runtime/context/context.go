// Package contextbuilder implements the Context Builder (spec.md §4.J):
// repo scan, lexical (and optional semantic) search, carry-over of
// previously touched files, snippet extraction, greedy token-budget
// packing, and section fusion into a single Fused Context string handed to
// the planner and executor. Grounded on the teacher's own context-gathering
// instincts (runtime/agent/engine's suspension-point discipline around
// external calls) generalized from a Goa-DSL walk to a generic repo walk,
// and on Streamy's subprocess-tool pattern (shell out to ripgrep when
// present, fall back to an in-process scan otherwise).
package contextbuilder

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/patchloop/orchestrator/runtime/events"
	"github.com/patchloop/orchestrator/runtime/memory"
)

// Item is a single packed context fragment, per spec.md §4.J step 6.
type Item struct {
	Path      string `json:"path"`
	StartLine int    `json:"startLine"`
	EndLine   int    `json:"endLine"`
	Content   string `json:"content"`
	Score     float64 `json:"score"`
	Reason    string `json:"reason"`
}

// Embedder turns a query into a vector for semantic search. Builder treats
// a nil Embedder as "semantic search disabled".
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// SemanticIndex resolves an embedding to its top-K nearest neighbor items.
type SemanticIndex interface {
	Query(ctx context.Context, vector []float32, topK int) ([]Item, error)
}

// Request parameterizes one Fused Context build.
type Request struct {
	RunID       string
	Goal        string
	RepoRoot    string
	Excludes    []string
	CarryOver   []string        // paths touched by prior steps of this run
	MemoryHits  []memory.Event  // recent signals pulled from the run's memory store
	TokenBudget int             // approximate tokens (≈4 bytes/token) for the packed item set
	SemanticTopK int
}

// Fused is the output of one build: the concatenated, budgeted text plus
// the ordered items that were packed into it.
type Fused struct {
	Text  string
	Items []Item
}

const (
	sectionByteBudget = 4000
	truncatedMarker   = "\n...[TRUNCATED]\n"
	snippetWindow     = 3 // lines of context on either side of a lexical match
)

// Builder produces Fused Contexts. It is safe for concurrent use; per
// spec.md §5, independent search shards within one build MAY run
// concurrently, with fusion itself acting as the barrier.
type Builder struct {
	emit     events.Emitter
	embedder Embedder
	index    SemanticIndex
	rgPath   string // resolved "rg" binary, empty if not found on PATH
}

// Option configures a Builder.
type Option func(*Builder)

// WithSemanticSearch wires an embedder and its backing index. Omit to
// disable semantic search entirely (step 3 is then always skipped).
func WithSemanticSearch(embedder Embedder, index SemanticIndex) Option {
	return func(b *Builder) {
		b.embedder = embedder
		b.index = index
	}
}

// New constructs a Builder. emit is used to publish SemanticSearchFailed;
// pass a zero-value events.Emitter to build without event reporting.
func New(emit events.Emitter, opts ...Option) *Builder {
	b := &Builder{emit: emit}
	if path, err := exec.LookPath("rg"); err == nil {
		b.rgPath = path
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Build runs the seven steps of spec.md §4.J and returns the Fused Context.
func (b *Builder) Build(ctx context.Context, req Request) (Fused, error) {
	files, err := b.scanRepo(req.RepoRoot, req.Excludes)
	if err != nil {
		return Fused{}, fmt.Errorf("contextbuilder: repo scan: %w", err)
	}

	lexical := b.lexicalSearch(req.RepoRoot, req.Goal, files)

	var semantic []Item
	if b.embedder != nil && b.index != nil {
		vec, embedErr := b.embedder.Embed(ctx, req.Goal)
		if embedErr == nil {
			topK := req.SemanticTopK
			if topK <= 0 {
				topK = 5
			}
			neighbors, queryErr := b.index.Query(ctx, vec, topK)
			if queryErr == nil {
				semantic = neighbors
			} else {
				b.publishSemanticFailure(ctx, req.RunID, queryErr)
			}
		} else {
			b.publishSemanticFailure(ctx, req.RunID, embedErr)
		}
	}

	carryOver := make([]Item, 0, len(req.CarryOver))
	for _, p := range req.CarryOver {
		content := readWholeFile(req.RepoRoot, p, 4096)
		carryOver = append(carryOver, Item{
			Path:    p,
			Content: content,
			Score:   1.0,
			Reason:  "carry-over: touched by a prior step this run",
		})
	}

	all := make([]Item, 0, len(carryOver)+len(semantic)+len(lexical))
	all = append(all, carryOver...)
	all = append(all, semantic...)
	all = append(all, lexical...)

	packed := pack(all, req.TokenBudget)

	text := fuse(req.Goal, packed, req.MemoryHits)
	return Fused{Text: text, Items: packed}, nil
}

func (b *Builder) publishSemanticFailure(ctx context.Context, runID string, cause error) {
	if b.emit.Bus == nil && b.emit.Store == nil {
		return
	}
	_ = b.emit.Emit(ctx, runID, events.SemanticSearchFailed, map[string]string{"error": cause.Error()})
}

// scanRepo lists every regular file under root, skipping any path matching
// an exclude glob and the .orchestrator and .git directories.
func (b *Builder) scanRepo(root string, excludes []string) ([]string, error) {
	var files []string
	err := filepath.Walk(root, func(path string, info os.FileInfo, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return relErr
		}
		if rel == "." {
			return nil
		}
		if info.IsDir() {
			if rel == ".git" || rel == ".orchestrator" || matchesAny(excludes, rel) {
				return filepath.SkipDir
			}
			return nil
		}
		if matchesAny(excludes, rel) {
			return nil
		}
		files = append(files, rel)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

func matchesAny(patterns []string, rel string) bool {
	for _, p := range patterns {
		if ok, _ := filepath.Match(p, rel); ok {
			return true
		}
		if ok, _ := filepath.Match(p, filepath.Base(rel)); ok {
			return true
		}
	}
	return false
}

// lexicalSearch finds ripgrep-style matches for the keywords in goal,
// shelling out to rg when available and falling back to a line-by-line
// in-process scan otherwise, then expands each match into a windowed
// snippet (step 2 + step 5).
func (b *Builder) lexicalSearch(root, goal string, files []string) []Item {
	keywords := extractKeywords(goal)
	if len(keywords) == 0 {
		return nil
	}
	if b.rgPath != "" {
		if items := b.lexicalSearchRipgrep(root, keywords); items != nil {
			return items
		}
	}
	return b.lexicalSearchFallback(root, keywords, files)
}

func (b *Builder) lexicalSearchRipgrep(root string, keywords []string) []Item {
	args := []string{"--line-number", "--no-heading", "--max-count", "5"}
	for _, kw := range keywords {
		args = append(args, "-e", kw)
	}
	args = append(args, "--", ".")
	cmd := exec.Command(b.rgPath, args...)
	cmd.Dir = root
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		// rg exits 1 on "no matches"; anything else falls back.
		if cmd.ProcessState != nil && cmd.ProcessState.ExitCode() == 1 {
			return []Item{}
		}
		return nil
	}
	var items []Item
	scanner := bufio.NewScanner(&out)
	for scanner.Scan() {
		// "<path>:<line>:<text>"
		line := scanner.Text()
		parts := strings.SplitN(line, ":", 3)
		if len(parts) != 3 {
			continue
		}
		lineNo := parseLineNumber(parts[1])
		if lineNo <= 0 {
			continue
		}
		items = append(items, windowedSnippet(root, parts[0], lineNo, "lexical match (ripgrep)"))
	}
	return items
}

func (b *Builder) lexicalSearchFallback(root string, keywords, files []string) []Item {
	var items []Item
	for _, rel := range files {
		data, err := os.ReadFile(filepath.Join(root, rel))
		if err != nil || isBinary(data) {
			continue
		}
		lines := strings.Split(string(data), "\n")
		for i, line := range lines {
			lower := strings.ToLower(line)
			for _, kw := range keywords {
				if strings.Contains(lower, kw) {
					items = append(items, windowedSnippetFromLines(rel, lines, i+1, "lexical match"))
					break
				}
			}
			if len(items) >= 200 {
				return items
			}
		}
	}
	return items
}

func windowedSnippet(root, relPath string, lineNo int, reason string) Item {
	data, err := os.ReadFile(filepath.Join(root, relPath))
	if err != nil {
		return Item{Path: relPath, StartLine: lineNo, EndLine: lineNo, Reason: reason}
	}
	lines := strings.Split(string(data), "\n")
	return windowedSnippetFromLines(relPath, lines, lineNo, reason)
}

func windowedSnippetFromLines(relPath string, lines []string, lineNo int, reason string) Item {
	start := lineNo - snippetWindow
	if start < 1 {
		start = 1
	}
	end := lineNo + snippetWindow
	if end > len(lines) {
		end = len(lines)
	}
	content := strings.Join(lines[start-1:end], "\n")
	return Item{
		Path:      relPath,
		StartLine: start,
		EndLine:   end,
		Content:   content,
		Score:     0.5,
		Reason:    reason,
	}
}

func readWholeFile(root, rel string, capBytes int) string {
	data, err := os.ReadFile(filepath.Join(root, rel))
	if err != nil {
		return ""
	}
	if len(data) > capBytes {
		data = data[:capBytes]
	}
	return string(data)
}

func extractKeywords(goal string) []string {
	fields := strings.FieldsFunc(strings.ToLower(goal), func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9' || r == '_')
	})
	seen := make(map[string]struct{}, len(fields))
	var out []string
	for _, f := range fields {
		if len(f) < 3 {
			continue
		}
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	return out
}

func parseLineNumber(s string) int {
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0
		}
		n = n*10 + int(r-'0')
	}
	return n
}

func isBinary(data []byte) bool {
	limit := len(data)
	if limit > 512 {
		limit = 512
	}
	return bytes.IndexByte(data[:limit], 0) >= 0
}

// pack greedily selects items, highest score first, stopping once the
// approximate token budget (≈4 bytes/token) is exhausted. Order among equal
// scores is stable by input order, so packing is deterministic.
func pack(items []Item, tokenBudget int) []Item {
	if tokenBudget <= 0 {
		tokenBudget = 8000
	}
	byteBudget := tokenBudget * 4

	indexed := make([]int, len(items))
	for i := range indexed {
		indexed[i] = i
	}
	sort.SliceStable(indexed, func(i, j int) bool {
		return items[indexed[i]].Score > items[indexed[j]].Score
	})

	var packed []Item
	used := 0
	for _, idx := range indexed {
		it := items[idx]
		size := len(it.Content)
		if used+size > byteBudget {
			continue
		}
		packed = append(packed, it)
		used += size
	}
	return packed
}

// fuse concatenates the GOAL, REPO CONTEXT, MEMORY, and RECENT SIGNALS
// sections, each independently truncated to sectionByteBudget.
func fuse(goal string, items []Item, memoryHits []memory.Event) string {
	var repoCtx strings.Builder
	for _, it := range items {
		fmt.Fprintf(&repoCtx, "# %s:%d-%d (%s)\n%s\n\n", it.Path, it.StartLine, it.EndLine, it.Reason, it.Content)
	}

	var mem strings.Builder
	for _, ev := range memoryHits {
		fmt.Fprintf(&mem, "[%s] %s\n", ev.Type, fmt.Sprint(ev.Data))
	}

	var signals strings.Builder
	for _, ev := range memoryHits {
		switch ev.Type {
		case memory.EventFailureSignature, memory.EventVerification, memory.EventPatchApplyFailed:
			fmt.Fprintf(&signals, "[%s @ %s] %s\n", ev.Type, ev.Timestamp.Format("15:04:05"), fmt.Sprint(ev.Data))
		}
	}

	var b strings.Builder
	b.WriteString("GOAL\n")
	b.WriteString(truncate(goal, sectionByteBudget))
	b.WriteString("\n\nREPO CONTEXT\n")
	b.WriteString(truncate(repoCtx.String(), sectionByteBudget))
	b.WriteString("\n\nMEMORY\n")
	b.WriteString(truncate(mem.String(), sectionByteBudget))
	b.WriteString("\n\nRECENT SIGNALS\n")
	b.WriteString(truncate(signals.String(), sectionByteBudget))
	return b.String()
}

func truncate(s string, budget int) string {
	if len(s) <= budget {
		return s
	}
	cut := budget - len(truncatedMarker)
	if cut < 0 {
		cut = 0
	}
	return s[:cut] + truncatedMarker
}
