// Package hooks runs external lifecycle commands and exchanges structured
// data with them through a per-invocation directory. Hooks can observe and
// reshape engine behavior but can never corrupt it: a failing hook is audited
// and ignored.
package hooks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	"github.com/nextlevelbuilder/delta/internal/config"
	"github.com/nextlevelbuilder/delta/internal/journal"
	"github.com/nextlevelbuilder/delta/internal/telemetry"
	"github.com/nextlevelbuilder/delta/internal/tools"
)

// Control carries directives a hook writes to output/control.json.
type Control struct {
	Skip   bool   `json:"skip"`
	Reason string `json:"reason,omitempty"`
}

// Outcome is the parsed result of one hook invocation.
type Outcome struct {
	// Failed is true when the hook exited non-zero or timed out. Outputs of
	// a failed hook are never read.
	Failed bool

	// IOPath is the io/hooks/<NNN>_<name>/ directory for this invocation.
	IOPath string

	// FinalPayload and PayloadOverride are the hook's replacement payloads,
	// nil when not written. FinalPayload wins when both exist.
	FinalPayload    []byte
	PayloadOverride []byte

	// Control is the parsed control.json, nil when not written.
	Control *Control
}

// ReplacementPayload returns the payload the engine should use instead of
// its own, or nil if the hook left the payload alone.
func (o *Outcome) ReplacementPayload() []byte {
	if o == nil || o.Failed {
		return nil
	}
	if o.FinalPayload != nil {
		return o.FinalPayload
	}
	return o.PayloadOverride
}

// hookContext is written to input/context.json for the child to read.
type hookContext struct {
	HookName  string `json:"hook_name"`
	StepIndex int64  `json:"step_index"`
	RunID     string `json:"run_id"`
	Timestamp string `json:"timestamp"`
}

// Executor invokes configured hooks for one run.
type Executor struct {
	Journal *journal.Journal
	Hooks   map[config.HookPoint]config.HookSpec
	Vars    tools.Vars
	WorkDir string
	Tracer  *telemetry.Tracer
}

// Run fires the hook at point, if configured. payload is written to
// input/payload.json (or payload.dat when json is false). A nil return with
// nil error means no hook is configured at this point.
//
// Hook process failures are not errors: the outcome is marked Failed, an
// audit event is appended, and the engine proceeds unmodified. The returned
// error is reserved for journal/filesystem faults.
func (e *Executor) Run(ctx context.Context, point config.HookPoint, stepIndex int64, payload []byte, isJSON bool) (*Outcome, error) {
	spec, ok := e.Hooks[point]
	if !ok {
		return nil, nil
	}

	ctx, span := e.Tracer.StartHook(ctx, string(point))
	defer span.End()

	dir, err := e.Journal.NextHookDir(string(point))
	if err != nil {
		return nil, err
	}
	outcome := &Outcome{IOPath: dir}

	hctx := hookContext{
		HookName:  string(point),
		StepIndex: stepIndex,
		RunID:     e.Journal.RunID(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	ctxRaw, _ := json.MarshalIndent(hctx, "", "  ")
	if err := os.WriteFile(filepath.Join(dir, "input", "context.json"), ctxRaw, 0o644); err != nil {
		return nil, fmt.Errorf("write hook context: %w", err)
	}
	if payload != nil {
		name := "payload.dat"
		if isJSON {
			name = "payload.json"
		}
		if err := os.WriteFile(filepath.Join(dir, "input", name), payload, 0o644); err != nil {
			return nil, fmt.Errorf("write hook payload: %w", err)
		}
	}

	argv := e.Vars.ExpandAll(spec.Command)
	runCtx, cancel := context.WithTimeout(ctx, spec.Timeout())
	defer cancel()

	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	cmd.Dir = e.WorkDir
	cmd.Env = append(os.Environ(),
		"DELTA_RUN_ID="+e.Journal.RunID(),
		"DELTA_HOOK_IO_PATH="+dir,
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)

	exitCode := 0
	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
	}

	// execution_meta is written regardless of outcome so a failed hook can
	// still be diagnosed from its artifacts.
	meta := filepath.Join(dir, "execution_meta")
	cmdRaw, _ := json.Marshal(argv)
	metaFiles := map[string][]byte{
		"command.txt":     cmdRaw,
		"stdout.log":      stdout.Bytes(),
		"stderr.log":      stderr.Bytes(),
		"exit_code.txt":   []byte(strconv.Itoa(exitCode)),
		"duration_ms.txt": []byte(strconv.FormatInt(duration.Milliseconds(), 10)),
	}
	for name, data := range metaFiles {
		if err := os.WriteFile(filepath.Join(meta, name), data, 0o644); err != nil {
			return nil, fmt.Errorf("write hook execution meta: %w", err)
		}
	}

	status := "SUCCESS"
	if exitCode != 0 {
		outcome.Failed = true
		status = "FAILED"
		slog.Warn("hook failed", "hook", point, "exit_code", exitCode, "stderr_len", stderr.Len())
	} else {
		e.readOutputs(dir, outcome)
	}

	if _, err := e.Journal.Append(journal.EventHookExecutionAudit, journal.HookExecutionAuditPayload{
		HookName:  string(point),
		Status:    status,
		IOPathRef: filepath.Base(dir),
	}); err != nil {
		return nil, err
	}
	return outcome, nil
}

// readOutputs loads whatever subset of output files the hook wrote. A
// malformed control.json is treated as a hook bug: logged and ignored.
func (e *Executor) readOutputs(dir string, outcome *Outcome) {
	out := filepath.Join(dir, "output")
	if data, err := os.ReadFile(filepath.Join(out, "final_payload.json")); err == nil {
		outcome.FinalPayload = data
	}
	if data, err := os.ReadFile(filepath.Join(out, "payload_override.dat")); err == nil {
		outcome.PayloadOverride = data
	}
	if data, err := os.ReadFile(filepath.Join(out, "control.json")); err == nil {
		var ctl Control
		if err := json.Unmarshal(data, &ctl); err != nil {
			slog.Warn("hook wrote malformed control.json", "dir", dir, "error", err)
		} else {
			outcome.Control = &ctl
		}
	}
}
