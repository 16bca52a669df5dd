// Package journal is the append-only event log and artifact store for one
// run. journal.jsonl is the single source of truth: every engine decision is
// derived by replaying it, so writes are serialized and never rewritten.
package journal

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	// FileName is the event log inside a run directory.
	FileName = "journal.jsonl"
	// EngineLogName is the human-readable diagnostic stream.
	EngineLogName = "engine.log"

	invocationsDir    = "io/invocations"
	toolExecutionsDir = "io/tool_executions"
	hooksDir          = "io/hooks"
)

// ErrMalformed is wrapped into read errors when a journal line does not parse.
// A malformed line is never skipped: the journal is the source of truth and a
// partial read would silently change replay semantics.
var ErrMalformed = fmt.Errorf("malformed journal line")

// Journal owns the event log of a single run. A single writer goroutine is
// assumed (the engine); the mutex guards seq assignment against accidental
// concurrent appends from hooks or tests.
type Journal struct {
	runID  string
	runDir string

	mu      sync.Mutex
	file    *os.File
	nextSeq int64

	hookSeq int // zero-padded NNN counter for hook I/O directories
}

// Open prepares the run directory and the journal for appending. If
// journal.jsonl already exists it is scanned so appends resume at the highest
// seq plus one.
func Open(runID, runDir string) (*Journal, error) {
	for _, sub := range []string{invocationsDir, toolExecutionsDir, hooksDir} {
		if err := os.MkdirAll(filepath.Join(runDir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("initialize journal directories: %w", err)
		}
	}

	j := &Journal{runID: runID, runDir: runDir, nextSeq: 1}

	path := filepath.Join(runDir, FileName)
	if _, err := os.Stat(path); err == nil {
		events, err := readEvents(path)
		if err != nil {
			return nil, err
		}
		if n := len(events); n > 0 {
			j.nextSeq = events[n-1].Seq + 1
		}
		j.hookSeq = countHookDirs(filepath.Join(runDir, hooksDir))
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	j.file = f
	return j, nil
}

// RunID returns the run this journal belongs to.
func (j *Journal) RunID() string { return j.runID }

// RunDir returns the run directory.
func (j *Journal) RunDir() string { return j.runDir }

// Close releases the journal file handle.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return nil
	}
	err := j.file.Close()
	j.file = nil
	return err
}

// Append serializes one event as a single JSON line and commits it. Sequence
// numbers are assigned under the lock so they are strictly increasing with no
// gaps.
func (j *Journal) Append(typ EventType, payload any) (int64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.file == nil {
		return 0, fmt.Errorf("Failed to write journal event: journal is closed")
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("Failed to write journal event: marshal %s payload: %w", typ, err)
	}

	ev := Event{
		Seq:       j.nextSeq,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Type:      typ,
		Payload:   raw,
	}

	line, err := json.Marshal(ev)
	if err != nil {
		return 0, fmt.Errorf("Failed to write journal event: marshal event: %w", err)
	}
	line = append(line, '\n')

	if _, err := j.file.Write(line); err != nil {
		return 0, fmt.Errorf("Failed to write journal event: %w", err)
	}

	j.nextSeq++
	return ev.Seq, nil
}

// NextSeq returns the sequence number the next append will receive.
func (j *Journal) NextSeq() int64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.nextSeq
}

// ReadAll parses every event in the journal. Blank lines are tolerated; a
// line that does not parse, or carries an unknown type, is a fatal read error.
func (j *Journal) ReadAll() ([]Event, error) {
	return readEvents(filepath.Join(j.runDir, FileName))
}

// ReadByType filters ReadAll down to one event type.
func (j *Journal) ReadByType(typ EventType) ([]Event, error) {
	all, err := j.ReadAll()
	if err != nil {
		return nil, err
	}
	var out []Event
	for _, e := range all {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out, nil
}

// EngineLog appends a timestamped diagnostic line to engine.log. Best-effort:
// the engine log is for humans, a failed write never disturbs the run.
func (j *Journal) EngineLog(format string, args ...any) {
	path := filepath.Join(j.runDir, EngineLogName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return
	}
	defer f.Close()
	ts := time.Now().UTC().Format(time.RFC3339)
	fmt.Fprintf(f, "[%s] %s\n", ts, fmt.Sprintf(format, args...))
}

func readEvents(path string) ([]Event, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read journal: %w", err)
	}

	var events []Event
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var ev Event
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			return nil, fmt.Errorf("%w %d: %v", ErrMalformed, lineNo, err)
		}
		if ev.Seq <= 0 || ev.Type == "" || !knownEventTypes[ev.Type] {
			return nil, fmt.Errorf("%w %d: seq=%d type=%q", ErrMalformed, lineNo, ev.Seq, ev.Type)
		}
		events = append(events, ev)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read journal: %w", err)
	}
	return events, nil
}

func countHookDirs(dir string) int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}
	n := 0
	for _, e := range entries {
		if e.IsDir() {
			n++
		}
	}
	return n
}
