// Package driver composes the runtime into one end-to-end invocation:
// resolve the workspace, create or resume the run, wire the subsystems, run
// the engine, and translate the terminal state into a structured result.
package driver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/nextlevelbuilder/delta/internal/compose"
	"github.com/nextlevelbuilder/delta/internal/config"
	"github.com/nextlevelbuilder/delta/internal/engine"
	"github.com/nextlevelbuilder/delta/internal/hooks"
	"github.com/nextlevelbuilder/delta/internal/janitor"
	"github.com/nextlevelbuilder/delta/internal/journal"
	"github.com/nextlevelbuilder/delta/internal/providers"
	"github.com/nextlevelbuilder/delta/internal/sessions"
	"github.com/nextlevelbuilder/delta/internal/telemetry"
	"github.com/nextlevelbuilder/delta/internal/tools"
	"github.com/nextlevelbuilder/delta/internal/workspace"
)

// ErrRunIDRequired is returned when continue is requested without a run id.
var ErrRunIDRequired = errors.New("run id required: continue needs an explicit --run-id")

// Options selects what to run and how.
type Options struct {
	AgentHome     string
	Workspace     string
	RunID         string
	Message       string
	Continue      bool
	MaxIterations int
	Force         bool // allow janitor action on a foreign-host run
}

// Run executes one engine invocation end to end.
func Run(ctx context.Context, opts Options) (*Result, error) {
	cfg, err := config.Load(opts.AgentHome)
	if err != nil {
		return nil, err
	}

	ws, err := workspace.Resolve(opts.Workspace)
	if err != nil {
		return nil, err
	}

	runID, runDir, resumed, err := resolveRun(ws, opts)
	if err != nil {
		return nil, err
	}

	jnl, err := journal.Open(runID, runDir)
	if err != nil {
		return nil, err
	}
	defer jnl.Close()

	if resumed {
		err = prepareResume(jnl, cfg, opts)
	} else {
		err = prepareNew(jnl, cfg, opts, runID)
	}
	if errors.Is(err, errAlreadyTerminal) || errors.Is(err, errStillWaiting) {
		// Resuming without a new message is a no-op: render the current
		// state and leave the run untouched.
		return buildResult(jnl, cfg, ws)
	}
	if err != nil {
		return nil, err
	}

	tracer, err := telemetry.New(ctx, cfg.Telemetry)
	if err != nil {
		slog.Warn("telemetry disabled", "error", err)
	}
	if tracer != nil {
		defer tracer.Shutdown(context.Background())
	}

	eng, err := buildEngine(cfg, jnl, ws, tracer, opts)
	if err != nil {
		// Provider construction fails on missing credentials; finish the
		// run as FAILED so the directory is not left RUNNING.
		finalizeSetupFailure(jnl, err)
		return nil, err
	}

	status, err := eng.Run(ctx)
	if err != nil {
		return nil, err
	}
	slog.Info("engine done", "run_id", runID, "status", status)

	return buildResult(jnl, cfg, ws)
}

var (
	errAlreadyTerminal = errors.New("run already terminal")
	errStillWaiting    = errors.New("run still waiting for input")
)

// resolveRun maps Options to a run directory, creating it for new runs.
func resolveRun(ws *workspace.Workspace, opts Options) (runID, runDir string, resumed bool, err error) {
	if opts.Continue {
		if opts.RunID == "" {
			return "", "", false, ErrRunIDRequired
		}
		runDir = ws.RunDir(opts.RunID)
		if _, err := os.Stat(runDir); err != nil {
			return "", "", false, fmt.Errorf("run %s not found in workspace %s", opts.RunID, ws.Root)
		}
		if _, err := janitor.Reconcile(runDir, opts.Force); err != nil {
			return "", "", false, err
		}
		return opts.RunID, runDir, true, nil
	}

	runID = opts.RunID
	if runID == "" {
		runID = workspace.NewRunID()
	}
	runDir, err = ws.CreateRunDir(runID)
	if err != nil {
		return "", "", false, err
	}
	return runID, runDir, false, nil
}

// prepareNew seeds the journal and metadata for a fresh run: RUN_START at
// seq 1, the task as USER_MESSAGE at seq 2.
func prepareNew(jnl *journal.Journal, cfg *config.AgentConfig, opts Options, runID string) error {
	hostname, _ := os.Hostname()
	if err := jnl.InitMetadata(journal.RunMetadata{
		RunID:       runID,
		AgentRef:    cfg.AgentHome,
		Task:        opts.Message,
		Status:      journal.StatusRunning,
		PID:         os.Getpid(),
		Hostname:    hostname,
		ProcessName: processName(),
	}); err != nil {
		return err
	}
	if _, err := jnl.Append(journal.EventRunStart, journal.RunStartPayload{
		RunID:    runID,
		Task:     opts.Message,
		AgentRef: cfg.AgentHome,
	}); err != nil {
		return err
	}
	_, err := jnl.Append(journal.EventUserMessage, journal.UserMessagePayload{
		Content: opts.Message,
	})
	return err
}

// prepareResume transitions an existing run back to RUNNING. A waiting run
// gets the message as its interaction response; a terminal run gets it as a
// new user turn.
func prepareResume(jnl *journal.Journal, cfg *config.AgentConfig, opts Options) error {
	meta, err := jnl.ReadMetadata()
	if err != nil {
		return err
	}

	switch {
	case meta.Status == journal.StatusWaitingForInput:
		// Without a response the run must stay parked; flipping it to
		// RUNNING here would fail the engine's interaction check and brick
		// the pending request.
		if opts.Message == "" {
			return errStillWaiting
		}
		if err := writeInteractionResponse(jnl, opts.Message); err != nil {
			return err
		}
	case meta.Status.Terminal():
		if opts.Message == "" {
			return errAlreadyTerminal
		}
		if _, err := jnl.Append(journal.EventUserMessage, journal.UserMessagePayload{
			Content: opts.Message,
		}); err != nil {
			return err
		}
	}

	hostname, _ := os.Hostname()
	return jnl.UpdateMetadata(func(m *journal.RunMetadata) {
		m.Status = journal.StatusRunning
		m.EndTime = ""
		m.Error = ""
		m.PID = os.Getpid()
		m.Hostname = hostname
		m.ProcessName = processName()
	})
}

func writeInteractionResponse(jnl *journal.Journal, message string) error {
	dir, err := jnl.InteractionDir()
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "response.txt"), []byte(message), 0o644)
}

// buildEngine wires every subsystem from config.
func buildEngine(cfg *config.AgentConfig, jnl *journal.Journal, ws *workspace.Workspace, tracer *telemetry.Tracer, opts Options) (*engine.Engine, error) {
	provider, err := providers.New(cfg.LLM)
	if err != nil {
		return nil, err
	}

	vars := tools.Vars{
		AgentHome: cfg.AgentHome,
		CWD:       ws.Root,
		RunID:     jnl.RunID(),
	}
	registry := tools.NewRegistry(cfg.Tools)
	hookExec := &hooks.Executor{
		Journal: jnl,
		Hooks:   cfg.Hooks,
		Vars:    vars,
		WorkDir: ws.Root,
		Tracer:  tracer,
	}

	return &engine.Engine{
		Config:   cfg,
		Journal:  jnl,
		Provider: provider,
		Registry: registry,
		ToolExec: &tools.Executor{WorkDir: ws.Root, AgentHome: cfg.AgentHome},
		HookExec: hookExec,
		Builder: &compose.Builder{
			Manifest: cfg.Context,
			Journal:  jnl,
			Vars:     vars,
			WorkDir:  ws.Root,
		},
		Sessions:      &sessions.Manager{SessionsDir: ws.SessionsDir()},
		Tracer:        tracer,
		Vars:          vars,
		WorkDir:       ws.Root,
		MaxIterations: maxIterations(opts, cfg),
	}, nil
}

func maxIterations(opts Options, cfg *config.AgentConfig) int {
	if opts.MaxIterations > 0 {
		return opts.MaxIterations
	}
	return cfg.MaxIterations
}

// finalizeSetupFailure marks a run FAILED when wiring broke after the journal
// was already seeded.
func finalizeSetupFailure(jnl *journal.Journal, cause error) {
	_, _ = jnl.Append(journal.EventSystemMessage, journal.SystemMessagePayload{
		Level:   journal.LevelError,
		Content: cause.Error(),
	})
	_, _ = jnl.Append(journal.EventRunEnd, journal.RunEndPayload{
		Status: string(journal.StatusFailed),
	})
	_ = jnl.UpdateMetadata(func(m *journal.RunMetadata) {
		m.Status = journal.StatusFailed
		m.EndTime = time.Now().UTC().Format(time.RFC3339)
		m.Error = cause.Error()
	})
}

func processName() string {
	exe, err := os.Executable()
	if err != nil {
		return "delta"
	}
	return filepath.Base(exe)
}
