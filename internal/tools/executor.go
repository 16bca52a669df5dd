package tools

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"
)

// ExecResult captures one tool subprocess end to end.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
	TimedOut bool
}

// Success reports whether the process exited zero within its budget.
func (r *ExecResult) Success() bool { return r.ExitCode == 0 && !r.TimedOut }

// Executor runs bound invocations in the run's working directory.
type Executor struct {
	// WorkDir is the directory tool subprocesses run in (the workspace).
	WorkDir string
	// AgentHome is exported to children as AGENT_HOME.
	AgentHome string
}

// Run executes an invocation, bounded by timeout. A non-zero exit or a
// timeout is reported through the result, never as an error; errors are
// reserved for failures to spawn at all.
func (e *Executor) Run(ctx context.Context, inv *Invocation, timeout time.Duration) (*ExecResult, error) {
	if len(inv.Argv) == 0 {
		return nil, errors.New("empty command")
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, inv.Argv[0], inv.Argv[1:]...)
	cmd.Dir = e.WorkDir
	cmd.Env = append(os.Environ(), "AGENT_HOME="+e.AgentHome)
	if inv.HasStdin {
		cmd.Stdin = strings.NewReader(inv.Stdin)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	result := &ExecResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
		TimedOut: runCtx.Err() == context.DeadlineExceeded,
	}

	switch {
	case err == nil:
		result.ExitCode = 0
	default:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		} else if result.TimedOut {
			// Killed by the deadline before exec completed; output captured
			// so far is still persisted.
			result.ExitCode = -1
		} else {
			return nil, err
		}
	}

	if result.TimedOut {
		slog.Warn("tool timed out", "command", inv.Argv[0], "timeout", timeout)
	}
	return result, nil
}
