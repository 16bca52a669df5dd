// Package workspace manages the on-disk control plane: the workspace
// directory, its .delta/ subtree, and run directories. There is deliberately
// no workspace-global "current run" pointer; concurrent runs are isolated by
// their own .delta/<run_id>/ directories.
package workspace

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/delta/internal/journal"
)

const (
	// ControlDir is the control-plane subdirectory inside a workspace.
	ControlDir = ".delta"
	// SchemaVersion is written to .delta/VERSION on first use.
	SchemaVersion = "1.0"
)

// ErrRunExists is returned when creating a run whose directory already
// exists. The wrapping error message carries the offending id and path.
var ErrRunExists = fmt.Errorf("run id already exists")

// Workspace is a resolved workspace directory with an initialized control
// plane.
type Workspace struct {
	Root string
}

// Resolve ensures path exists as a workspace: the directory, .delta/, and
// the VERSION file. Existing content is never modified.
func Resolve(path string) (*Workspace, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace path: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(abs, ControlDir), 0o755); err != nil {
		return nil, fmt.Errorf("create workspace control dir: %w", err)
	}
	versionPath := filepath.Join(abs, ControlDir, "VERSION")
	if _, err := os.Stat(versionPath); os.IsNotExist(err) {
		if err := os.WriteFile(versionPath, []byte(SchemaVersion+"\n"), 0o644); err != nil {
			return nil, fmt.Errorf("write workspace version: %w", err)
		}
	}
	return &Workspace{Root: abs}, nil
}

// NewRunID generates a sortable run id: YYYYMMDD_HHMMSS_<6hex>.
func NewRunID() string {
	u := uuid.New()
	return fmt.Sprintf("%s_%s",
		time.Now().UTC().Format("20060102_150405"),
		hex.EncodeToString(u[:3]))
}

// ValidRunID rejects ids that would escape the control dir or collide with
// reserved names.
func ValidRunID(id string) error {
	if id == "" {
		return fmt.Errorf("run id is empty")
	}
	if strings.ContainsAny(id, "/\\") || id == "." || id == ".." || id == "VERSION" {
		return fmt.Errorf("invalid run id %q", id)
	}
	return nil
}

// RunDir returns the directory a run id maps to, without creating it.
func (w *Workspace) RunDir(runID string) string {
	return filepath.Join(w.Root, ControlDir, runID)
}

// CreateRunDir materializes the directory for a new run. Creation is atomic
// via Mkdir: if the directory exists the call fails with ErrRunExists and the
// existing run is left untouched.
func (w *Workspace) CreateRunDir(runID string) (string, error) {
	if err := ValidRunID(runID); err != nil {
		return "", err
	}
	dir := w.RunDir(runID)
	if err := os.Mkdir(dir, 0o755); err != nil {
		if os.IsExist(err) {
			return "", fmt.Errorf("Run ID '%s' already exists at %s: %w", runID, dir, ErrRunExists)
		}
		return "", fmt.Errorf("create run dir: %w", err)
	}
	return dir, nil
}

// SessionsDir is where session holders keep their sockets and metadata.
func (w *Workspace) SessionsDir() string {
	return filepath.Join(w.Root, ControlDir, "sessions")
}

// RunInfo summarizes one run for listing.
type RunInfo struct {
	RunID    string
	Metadata journal.RunMetadata
}

// ListRuns reads metadata for every run directory, newest first. Directories
// without a readable metadata.json are skipped; they may belong to a run that
// crashed before initialization.
func (w *Workspace) ListRuns() ([]RunInfo, error) {
	entries, err := os.ReadDir(filepath.Join(w.Root, ControlDir))
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	var runs []RunInfo
	for _, e := range entries {
		if !e.IsDir() || e.Name() == "sessions" {
			continue
		}
		meta, err := journal.ReadMetadataFile(w.RunDir(e.Name()))
		if err != nil {
			continue
		}
		runs = append(runs, RunInfo{RunID: e.Name(), Metadata: meta})
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].RunID > runs[j].RunID })
	return runs, nil
}
