// Package sessions provides durable command-execution sessions that outlive
// any single engine process. Each session is owned by a detached holder
// process addressed through a unix-domain socket; the engine and the CLI are
// just clients.
package sessions

// Request is one client message. Exactly one request/response pair travels
// per connection, which keeps exec results atomic and lets the holder
// serialize operations by serving connections one at a time.
type Request struct {
	Op      string `json:"op"` // "exec", "status", "end"
	Command string `json:"command,omitempty"`
}

// Response answers a Request. Population depends on the op.
type Response struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`

	// exec
	Stdout   string `json:"stdout,omitempty"`
	Stderr   string `json:"stderr,omitempty"`
	ExitCode int    `json:"exit_code"`
	Cwd      string `json:"cwd,omitempty"`

	// status
	Alive     bool   `json:"alive,omitempty"`
	PID       int    `json:"pid,omitempty"`
	CreatedAt string `json:"created_at,omitempty"`

	// end
	Terminated bool `json:"terminated,omitempty"`
}

// Meta is persisted as metadata.json beside the socket so sessions can be
// listed and liveness-checked without connecting.
type Meta struct {
	SessionID string `json:"session_id"`
	Command   string `json:"command"` // shell used for exec ("sh")
	HolderPID int    `json:"holder_pid"`
	ChildPID  int    `json:"child_pid,omitempty"` // last exec subprocess
	CreatedAt string `json:"created_at"`
	WorkDir   string `json:"work_dir"`
}

const (
	// SocketName is the socket file inside each session directory.
	SocketName = "session.sock"
	// MetaName is the metadata file inside each session directory.
	MetaName = "metadata.json"
)
