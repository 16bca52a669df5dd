// Package janitor reconciles runs whose metadata says RUNNING with the
// processes that are supposed to own them. A run is alive only when its
// recorded PID exists, the PID's command name still matches, and the run was
// started on this host.
package janitor

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/nextlevelbuilder/delta/internal/journal"
)

// ErrForeignHost is returned when a RUNNING run belongs to another hostname
// and no force override was given.
var ErrForeignHost = errors.New("run belongs to another host")

// Result reports what Reconcile decided for one run.
type Result struct {
	RunID      string
	WasOrphan  bool
	OwnerPID   int
	OwnerHost  string
	StatusSeen journal.Status
}

// Reconcile checks a run directory and, if its owner is gone, transitions the
// metadata to INTERRUPTED and appends a WARN system message to the journal.
// Earlier journal events and artifacts are never touched.
func Reconcile(runDir string, force bool) (*Result, error) {
	meta, err := journal.ReadMetadataFile(runDir)
	if err != nil {
		return nil, fmt.Errorf("read run metadata: %w", err)
	}

	res := &Result{
		RunID:      meta.RunID,
		OwnerPID:   meta.PID,
		OwnerHost:  meta.Hostname,
		StatusSeen: meta.Status,
	}
	if meta.Status != journal.StatusRunning {
		return res, nil
	}

	localHost, err := os.Hostname()
	if err != nil {
		return nil, fmt.Errorf("resolve hostname: %w", err)
	}
	if meta.Hostname != localHost && !force {
		return nil, fmt.Errorf("run %s started on %q, local host is %q: %w",
			meta.RunID, meta.Hostname, localHost, ErrForeignHost)
	}

	if meta.Hostname == localHost && ownerAlive(meta.PID, meta.ProcessName) {
		return res, nil
	}

	res.WasOrphan = true
	slog.Warn("orphaned run detected",
		"run_id", meta.RunID, "pid", meta.PID, "hostname", meta.Hostname)

	if err := markInterrupted(runDir, meta); err != nil {
		return nil, err
	}
	return res, nil
}

// ownerAlive performs the PID + process-name check. A live PID with a
// different command name means the PID was reused after a crash.
func ownerAlive(pid int, processName string) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	if err := proc.Signal(syscall.Signal(0)); err != nil {
		if errors.Is(err, syscall.EPERM) {
			// Alive but owned by another user; fall through to the name check.
		} else {
			return false
		}
	}
	name, err := readProcessName(pid)
	if err != nil {
		// Probe succeeded but /proc is unreadable; err on the side of alive
		// rather than clobbering a live run.
		return true
	}
	return name == processName
}

func readProcessName(pid int) (string, error) {
	raw, err := os.ReadFile(filepath.Join("/proc", fmt.Sprint(pid), "comm"))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(raw)), nil
}

// markInterrupted flips the metadata status and records the reclamation in
// the journal so the next context composition sees what happened.
func markInterrupted(runDir string, meta journal.RunMetadata) error {
	now := time.Now().UTC().Format(time.RFC3339)
	meta.Status = journal.StatusInterrupted
	meta.EndTime = now
	meta.Error = fmt.Sprintf("process %d on %s is gone; run reclaimed", meta.PID, meta.Hostname)
	if err := journal.WriteMetadataFile(runDir, meta); err != nil {
		return fmt.Errorf("update run metadata: %w", err)
	}

	jnl, err := journal.Open(meta.RunID, runDir)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer jnl.Close()

	msg := fmt.Sprintf("Run reclaimed: owning process (pid %d, host %s) no longer exists",
		meta.PID, meta.Hostname)
	_, err = jnl.Append(journal.EventSystemMessage, journal.SystemMessagePayload{
		Level:   journal.LevelWarn,
		Content: msg,
	})
	return err
}
