package journal

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// MetadataFileName is the mutable run descriptor beside the journal.
const MetadataFileName = "metadata.json"

// Status is the run lifecycle state. RUNNING is the root; COMPLETED, FAILED
// and INTERRUPTED are terminal; WAITING_FOR_INPUT pauses the run until a
// human response arrives.
type Status string

const (
	StatusRunning         Status = "RUNNING"
	StatusWaitingForInput Status = "WAITING_FOR_INPUT"
	StatusCompleted       Status = "COMPLETED"
	StatusFailed          Status = "FAILED"
	StatusInterrupted     Status = "INTERRUPTED"
)

// Terminal reports whether the status admits no further engine work without
// an explicit continue.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusInterrupted:
		return true
	}
	return false
}

// RunMetadata is the mutable descriptor for one run. It is rewritten
// atomically on every status change; the journal stays append-only.
type RunMetadata struct {
	RunID               string `json:"run_id"`
	AgentRef            string `json:"agent_ref"`
	Task                string `json:"task"`
	Status              Status `json:"status"`
	IterationsCompleted int    `json:"iterations_completed"`
	StartTime           string `json:"start_time"`
	EndTime             string `json:"end_time,omitempty"`
	PID                 int    `json:"pid"`
	Hostname            string `json:"hostname"`
	ProcessName         string `json:"process_name"`
	Error               string `json:"error,omitempty"`
}

// InitMetadata writes the initial descriptor for a new or resumed run.
func (j *Journal) InitMetadata(meta RunMetadata) error {
	if meta.StartTime == "" {
		meta.StartTime = time.Now().UTC().Format(time.RFC3339)
	}
	return writeMetadata(j.runDir, meta)
}

// ReadMetadata loads the current descriptor.
func (j *Journal) ReadMetadata() (RunMetadata, error) {
	return ReadMetadataFile(j.runDir)
}

// UpdateMetadata applies patch to the current descriptor and rewrites it
// atomically. patch receives a pointer so callers mutate only the fields they
// own.
func (j *Journal) UpdateMetadata(patch func(*RunMetadata)) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	meta, err := ReadMetadataFile(j.runDir)
	if err != nil {
		return err
	}
	patch(&meta)
	return writeMetadata(j.runDir, meta)
}

// ReadMetadataFile loads metadata.json from an arbitrary run directory.
func ReadMetadataFile(runDir string) (RunMetadata, error) {
	var meta RunMetadata
	raw, err := os.ReadFile(filepath.Join(runDir, MetadataFileName))
	if err != nil {
		return meta, fmt.Errorf("read run metadata: %w", err)
	}
	if err := json.Unmarshal(raw, &meta); err != nil {
		return meta, fmt.Errorf("parse run metadata: %w", err)
	}
	return meta, nil
}

// WriteMetadataFile rewrites metadata.json in an arbitrary run directory.
// Used by the janitor, which reconciles runs it does not own a journal for.
func WriteMetadataFile(runDir string, meta RunMetadata) error {
	return writeMetadata(runDir, meta)
}

// writeMetadata writes to a sibling temp file then renames into place, so a
// crash never leaves a partial metadata.json.
func writeMetadata(runDir string, meta RunMetadata) error {
	raw, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal run metadata: %w", err)
	}
	raw = append(raw, '\n')

	tmp, err := os.CreateTemp(runDir, MetadataFileName+".tmp-*")
	if err != nil {
		return fmt.Errorf("write run metadata: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write run metadata: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("write run metadata: %w", err)
	}
	if err := os.Rename(tmpPath, filepath.Join(runDir, MetadataFileName)); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("write run metadata: %w", err)
	}
	return nil
}
