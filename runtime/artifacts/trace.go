package artifacts

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/patchloop/orchestrator/runtime/events"
)

// record is the on-disk shape of one trace.jsonl line, matching spec.md
// §4.A's {type, schemaVersion, timestamp, runId, payload} record.
type record struct {
	Type          events.Type     `json:"type"`
	SchemaVersion int             `json:"schemaVersion"`
	Timestamp     time.Time       `json:"timestamp"`
	RunID         string          `json:"runId"`
	ID            string          `json:"id"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

const schemaVersion = 1

// TraceWriter is the filesystem-backed events.Store for a single run's
// trace.jsonl, append-only and flushed to durable storage before Append
// returns, per spec.md §4.A's ordering contract ("records flushed to
// durable storage before a state transition depending on them").
type TraceWriter struct {
	mu   sync.Mutex
	path string
	seq  int
}

// NewTraceWriter returns a writer for the trace file at path. The file is
// not opened here; each Append opens it for appending, creating it if absent.
func NewTraceWriter(path string) *TraceWriter {
	return &TraceWriter{path: path}
}

// Append implements events.Store.
func (w *TraceWriter) Append(_ context.Context, e *events.Event) error {
	if e.RunID == "" {
		return fmt.Errorf("artifacts: trace event requires a run id")
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	if e.ID == "" {
		w.seq++
		e.ID = strconv.Itoa(w.seq)
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	rec := record{
		Type:          e.Type,
		SchemaVersion: schemaVersion,
		Timestamp:     e.Timestamp,
		RunID:         e.RunID,
		ID:            e.ID,
		Payload:       e.Payload,
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("artifacts: marshal trace record: %w", err)
	}
	line = append(line, '\n')

	f, err := os.OpenFile(w.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, filePerm)
	if err != nil {
		return fmt.Errorf("artifacts: open trace file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("artifacts: append trace record: %w", err)
	}
	// RunFinished and any event the next state transition depends on must
	// reach durable storage before Append returns.
	return f.Sync()
}

// List implements events.Store by scanning trace.jsonl from the start.
// Cursor is the zero-based line count already consumed.
func (w *TraceWriter) List(_ context.Context, runID, cursor string, limit int) (events.Page, error) {
	w.mu.Lock()
	path := w.path
	w.mu.Unlock()

	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return events.Page{}, nil
	}
	if err != nil {
		return events.Page{}, fmt.Errorf("artifacts: open trace file: %w", err)
	}
	defer f.Close()

	start := 0
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil || n < 0 {
			return events.Page{}, fmt.Errorf("artifacts: invalid cursor %q", cursor)
		}
		start = n
	}
	if limit <= 0 {
		limit = 100
	}

	var page events.Page
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	idx := 0
	for scanner.Scan() {
		if idx < start {
			idx++
			continue
		}
		var rec record
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			return events.Page{}, fmt.Errorf("artifacts: decode trace record at line %d: %w", idx, err)
		}
		if rec.RunID == runID {
			page.Events = append(page.Events, &events.Event{
				ID:        rec.ID,
				RunID:     rec.RunID,
				Type:      rec.Type,
				Payload:   rec.Payload,
				Timestamp: rec.Timestamp,
			})
		}
		idx++
		if len(page.Events) >= limit {
			page.NextCursor = strconv.Itoa(idx)
			return page, scanner.Err()
		}
	}
	return page, scanner.Err()
}
