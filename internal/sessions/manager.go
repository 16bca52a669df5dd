package sessions

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
)

// Manager creates and enumerates sessions under the workspace sessions
// directory. Holders run as detached processes so they outlive the run that
// started them.
type Manager struct {
	SessionsDir string
}

// NewSessionID returns a fresh session identifier.
func NewSessionID() string {
	return "sess_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// Start launches a detached holder for a new session and waits for its socket
// to appear. The holder is this same binary re-executed with a hidden command
// so the session survives the current process.
func (m *Manager) Start(sessionID, shell, workDir string) (*Client, error) {
	dir := filepath.Join(m.SessionsDir, sessionID)
	if _, err := os.Stat(dir); err == nil {
		return nil, fmt.Errorf("session %s already exists", sessionID)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}

	self, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("resolve executable: %w", err)
	}

	args := []string{"session-holder",
		"--session-id", sessionID,
		"--sessions-dir", m.SessionsDir,
	}
	if shell != "" {
		args = append(args, "--shell", shell)
	}
	if workDir != "" {
		args = append(args, "--work-dir", workDir)
	}

	cmd := exec.Command(self, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	cmd.Stdin = nil
	logFile, err := os.OpenFile(filepath.Join(dir, "holder.log"),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err == nil {
		cmd.Stdout = logFile
		cmd.Stderr = logFile
		defer logFile.Close()
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start session holder: %w", err)
	}
	// The holder is on its own; reap it if it ever becomes our child again.
	go func() { _ = cmd.Wait() }()

	sockPath := filepath.Join(dir, SocketName)
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(sockPath); err == nil {
			return &Client{SessionID: sessionID, Dir: dir}, nil
		}
		time.Sleep(20 * time.Millisecond)
	}
	return nil, fmt.Errorf("session %s: holder did not come up", sessionID)
}

// Open returns a client for an existing session.
func (m *Manager) Open(sessionID string) (*Client, error) {
	dir := filepath.Join(m.SessionsDir, sessionID)
	if _, err := os.Stat(dir); err != nil {
		return nil, fmt.Errorf("session %s not found", sessionID)
	}
	return &Client{SessionID: sessionID, Dir: dir}, nil
}

// Info describes one session for listings.
type Info struct {
	SessionID string
	Alive     bool
	WorkDir   string
	CreatedAt string
	HolderPID int
}

// List enumerates sessions newest first, probing each holder.
func (m *Manager) List() ([]Info, error) {
	entries, err := os.ReadDir(m.SessionsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read sessions dir: %w", err)
	}
	var infos []Info
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		meta, err := ReadMeta(filepath.Join(m.SessionsDir, e.Name()))
		if err != nil {
			continue
		}
		infos = append(infos, Info{
			SessionID: meta.SessionID,
			Alive:     ProcessAlive(meta.HolderPID),
			WorkDir:   meta.WorkDir,
			CreatedAt: meta.CreatedAt,
			HolderPID: meta.HolderPID,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].CreatedAt > infos[j].CreatedAt })
	return infos, nil
}

// Reap removes session directories whose holders are gone. Returns the IDs
// that were cleaned up.
func (m *Manager) Reap() ([]string, error) {
	infos, err := m.List()
	if err != nil {
		return nil, err
	}
	var reaped []string
	for _, info := range infos {
		if info.Alive {
			continue
		}
		dir := filepath.Join(m.SessionsDir, info.SessionID)
		if err := os.RemoveAll(dir); err != nil {
			return reaped, fmt.Errorf("remove session %s: %w", info.SessionID, err)
		}
		reaped = append(reaped, info.SessionID)
	}
	return reaped, nil
}
