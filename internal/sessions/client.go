package sessions

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"syscall"
	"time"
)

// ErrSessionDead marks a session whose holder process no longer exists.
var ErrSessionDead = errors.New("session holder is not running")

// Client talks to a session holder over its unix socket. Each operation is a
// fresh connection carrying exactly one request and one response, so
// concurrent callers are serialized by the holder's accept loop.
type Client struct {
	SessionID string
	Dir       string
}

// Exec runs a command in the session and returns its captured output.
func (c *Client) Exec(command string) (*Response, error) {
	return c.roundTrip(Request{Op: "exec", Command: command})
}

// Status probes the holder without side effects.
func (c *Client) Status() (*Response, error) {
	return c.roundTrip(Request{Op: "status"})
}

// End asks the holder to terminate. The holder removes its own socket.
func (c *Client) End() (*Response, error) {
	return c.roundTrip(Request{Op: "end"})
}

func (c *Client) roundTrip(req Request) (*Response, error) {
	sockPath := filepath.Join(c.Dir, SocketName)
	conn, err := net.DialTimeout("unix", sockPath, 5*time.Second)
	if err != nil {
		if !c.holderAlive() {
			return nil, fmt.Errorf("session %s: %w", c.SessionID, ErrSessionDead)
		}
		return nil, fmt.Errorf("session %s: connect: %w", c.SessionID, err)
	}
	defer conn.Close()

	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return nil, fmt.Errorf("session %s: send: %w", c.SessionID, err)
	}
	var resp Response
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return nil, fmt.Errorf("session %s: read response: %w", c.SessionID, err)
	}
	if resp.Error != "" {
		return &resp, fmt.Errorf("session %s: %s", c.SessionID, resp.Error)
	}
	return &resp, nil
}

// holderAlive checks metadata for the holder PID and probes it with signal 0.
func (c *Client) holderAlive() bool {
	meta, err := ReadMeta(c.Dir)
	if err != nil {
		return false
	}
	return ProcessAlive(meta.HolderPID)
}

// ReadMeta loads a session's metadata file.
func ReadMeta(dir string) (*Meta, error) {
	raw, err := os.ReadFile(filepath.Join(dir, MetaName))
	if err != nil {
		return nil, err
	}
	var meta Meta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("parse session metadata: %w", err)
	}
	return &meta, nil
}

// ProcessAlive reports whether a PID refers to a live process we can signal.
func ProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	return errors.Is(err, syscall.EPERM)
}
