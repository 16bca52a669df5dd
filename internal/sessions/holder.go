package sessions

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// Holder is the server side of a session: it owns the socket, the working
// directory state, and whatever subprocess the current exec is running. It is
// meant to run inside a detached process started by Manager.Start.
type Holder struct {
	SessionID string
	Dir       string // session directory containing socket and metadata
	Shell     string // defaults to "sh"
	WorkDir   string // initial working directory

	meta     Meta
	listener net.Listener
}

// Serve binds the socket, persists metadata, and handles requests until an
// "end" op arrives. Connections are served strictly sequentially: the socket
// is the session's single synchronization point.
func (h *Holder) Serve() error {
	if h.Shell == "" {
		h.Shell = "sh"
	}
	if h.WorkDir == "" {
		h.WorkDir = "/"
	}
	if err := os.MkdirAll(h.Dir, 0o755); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}

	sockPath := filepath.Join(h.Dir, SocketName)
	// A leftover socket from a dead holder blocks the bind; the caller has
	// already verified no live holder owns this session.
	os.Remove(sockPath)

	ln, err := net.Listen("unix", sockPath)
	if err != nil {
		return fmt.Errorf("bind session socket: %w", err)
	}
	h.listener = ln
	defer ln.Close()
	defer os.Remove(sockPath)

	h.meta = Meta{
		SessionID: h.SessionID,
		Command:   h.Shell,
		HolderPID: os.Getpid(),
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
		WorkDir:   h.WorkDir,
	}
	if err := h.writeMeta(); err != nil {
		return err
	}

	slog.Info("session holder started", "session", h.SessionID, "socket", sockPath)

	for {
		conn, err := ln.Accept()
		if err != nil {
			return fmt.Errorf("accept: %w", err)
		}
		done := h.handle(conn)
		conn.Close()
		if done {
			slog.Info("session holder terminating", "session", h.SessionID)
			return nil
		}
	}
}

// handle serves one request/response exchange. Returns true on "end".
func (h *Holder) handle(conn net.Conn) bool {
	var req Request
	if err := json.NewDecoder(conn).Decode(&req); err != nil {
		writeResponse(conn, Response{Error: fmt.Sprintf("bad request: %v", err)})
		return false
	}

	switch req.Op {
	case "exec":
		writeResponse(conn, h.execCommand(req.Command))
		return false
	case "status":
		writeResponse(conn, Response{
			OK:        true,
			Alive:     true,
			PID:       h.meta.HolderPID,
			CreatedAt: h.meta.CreatedAt,
			Cwd:       h.meta.WorkDir,
		})
		return false
	case "end":
		writeResponse(conn, Response{OK: true, Terminated: true})
		return true
	default:
		writeResponse(conn, Response{Error: fmt.Sprintf("unknown op %q", req.Op)})
		return false
	}
}

// execCommand runs one command under the session shell in the maintained
// working directory. The wrapper records the shell's final directory so a
// `cd` in one exec is visible to the next.
func (h *Holder) execCommand(command string) Response {
	if strings.TrimSpace(command) == "" {
		return Response{Error: "empty command"}
	}

	cwdFile, err := os.CreateTemp(h.Dir, "cwd-*")
	if err != nil {
		return Response{Error: fmt.Sprintf("session state: %v", err)}
	}
	cwdPath := cwdFile.Name()
	cwdFile.Close()
	defer os.Remove(cwdPath)

	// Run the user command, remember its exit status, then persist $PWD.
	script := command + "\n__delta_rc=$?\npwd > \"$DELTA_SESSION_CWD_FILE\"\nexit $__delta_rc"

	cmd := exec.Command(h.Shell, "-c", script)
	cmd.Dir = h.meta.WorkDir
	cmd.Env = append(os.Environ(), "DELTA_SESSION_CWD_FILE="+cwdPath)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	exitCode := 0
	if err := cmd.Run(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return Response{Error: fmt.Sprintf("spawn: %v", err)}
		}
	}
	if cmd.Process != nil {
		h.meta.ChildPID = cmd.Process.Pid
	}

	if raw, err := os.ReadFile(cwdPath); err == nil {
		if wd := strings.TrimSpace(string(raw)); wd != "" {
			h.meta.WorkDir = wd
		}
	}
	if err := h.writeMeta(); err != nil {
		slog.Warn("session metadata write failed", "session", h.SessionID, "error", err)
	}

	return Response{
		OK:       true,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: exitCode,
		Cwd:      h.meta.WorkDir,
	}
}

func (h *Holder) writeMeta() error {
	raw, err := json.MarshalIndent(h.meta, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session metadata: %w", err)
	}
	tmp := filepath.Join(h.Dir, MetaName+".tmp")
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("write session metadata: %w", err)
	}
	return os.Rename(tmp, filepath.Join(h.Dir, MetaName))
}

func writeResponse(conn net.Conn, resp Response) {
	_ = json.NewEncoder(conn).Encode(resp)
}
