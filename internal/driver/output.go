package driver

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/nextlevelbuilder/delta/internal/config"
	"github.com/nextlevelbuilder/delta/internal/journal"
	"github.com/nextlevelbuilder/delta/internal/workspace"
)

// ResultSchemaVersion identifies the structured output format.
const ResultSchemaVersion = "2.0"

// Output format selectors.
const (
	OutputHuman = "human"
	OutputJSON  = "json"
	OutputRaw   = "raw"
)

// Exit codes per terminal state.
const (
	ExitOK              = 0
	ExitFailure         = 1
	ExitWaitingForInput = 101
	ExitCannotExecute   = 126
	ExitInterrupted     = 130
)

// Result is the structured outcome of one invocation.
type Result struct {
	SchemaVersion string            `json:"schema_version"`
	RunID         string            `json:"run_id"`
	Status        journal.Status    `json:"status"`
	Result        string            `json:"result,omitempty"`
	Error         *ResultError      `json:"error,omitempty"`
	Interaction   *ResultPrompt     `json:"interaction,omitempty"`
	Metrics       ResultMetrics     `json:"metrics"`
	Metadata      ResultDescription `json:"metadata"`
}

// ResultError describes why a run ended FAILED or INTERRUPTED.
type ResultError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// ResultPrompt carries the pending question of a WAITING_FOR_INPUT run.
type ResultPrompt struct {
	Prompt    string `json:"prompt"`
	InputType string `json:"input_type"`
	Sensitive bool   `json:"sensitive"`
}

// ResultMetrics aggregates timing and token usage.
type ResultMetrics struct {
	Iterations int         `json:"iterations"`
	DurationMs int64       `json:"duration_ms"`
	StartTime  string      `json:"start_time"`
	EndTime    string      `json:"end_time,omitempty"`
	Usage      ResultUsage `json:"usage"`
}

// ResultUsage is token accounting computed from the persisted invocation
// artifacts.
type ResultUsage struct {
	PromptTokens int `json:"prompt_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
	Invocations  int `json:"invocations"`
}

// ResultDescription identifies the agent and workspace.
type ResultDescription struct {
	AgentName     string `json:"agent_name"`
	WorkspacePath string `json:"workspace_path"`
}

// ExitCode maps a terminal status to the process exit code contract.
func (r *Result) ExitCode() int {
	switch r.Status {
	case journal.StatusCompleted:
		return ExitOK
	case journal.StatusWaitingForInput:
		return ExitWaitingForInput
	case journal.StatusInterrupted:
		return ExitInterrupted
	default:
		return ExitFailure
	}
}

// buildResult assembles the Result from the run's terminal state on disk.
func buildResult(jnl *journal.Journal, cfg *config.AgentConfig, ws *workspace.Workspace) (*Result, error) {
	meta, err := jnl.ReadMetadata()
	if err != nil {
		return nil, err
	}

	res := &Result{
		SchemaVersion: ResultSchemaVersion,
		RunID:         meta.RunID,
		Status:        meta.Status,
		Metrics: ResultMetrics{
			Iterations: meta.IterationsCompleted,
			StartTime:  meta.StartTime,
			EndTime:    meta.EndTime,
			Usage:      usageFromArtifacts(jnl),
		},
		Metadata: ResultDescription{
			AgentName:     cfg.Name,
			WorkspacePath: ws.Root,
		},
	}
	if meta.StartTime != "" && meta.EndTime != "" {
		if start, err1 := time.Parse(time.RFC3339, meta.StartTime); err1 == nil {
			if end, err2 := time.Parse(time.RFC3339, meta.EndTime); err2 == nil {
				res.Metrics.DurationMs = end.Sub(start).Milliseconds()
			}
		}
	}

	switch meta.Status {
	case journal.StatusCompleted:
		res.Result = lastThoughtContent(jnl)
	case journal.StatusFailed, journal.StatusInterrupted:
		res.Error = &ResultError{
			Type:    string(meta.Status),
			Message: meta.Error,
		}
	case journal.StatusWaitingForInput:
		res.Interaction = readInteractionPrompt(jnl)
	}
	return res, nil
}

// lastThoughtContent is the model's final message, the run's answer.
func lastThoughtContent(jnl *journal.Journal) string {
	thoughts, err := jnl.ReadByType(journal.EventThought)
	if err != nil || len(thoughts) == 0 {
		return ""
	}
	var payload journal.ThoughtPayload
	if err := thoughts[len(thoughts)-1].DecodePayload(&payload); err != nil {
		return ""
	}
	return payload.Content
}

func usageFromArtifacts(jnl *journal.Journal) ResultUsage {
	metas, err := jnl.ReadInvocationMetas()
	if err != nil {
		return ResultUsage{}
	}
	usage := ResultUsage{Invocations: len(metas)}
	for _, m := range metas {
		usage.PromptTokens += m.PromptTokens
		usage.OutputTokens += m.OutputTokens
	}
	usage.TotalTokens = usage.PromptTokens + usage.OutputTokens
	return usage
}

func readInteractionPrompt(jnl *journal.Journal) *ResultPrompt {
	dir, err := jnl.InteractionDir()
	if err != nil {
		return nil
	}
	raw, err := os.ReadFile(filepath.Join(dir, "request.json"))
	if err != nil {
		return nil
	}
	var req struct {
		Prompt    string `json:"prompt"`
		InputType string `json:"input_type"`
		Sensitive bool   `json:"sensitive"`
	}
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil
	}
	return &ResultPrompt{Prompt: req.Prompt, InputType: req.InputType, Sensitive: req.Sensitive}
}

// Render writes the result to w in the selected format. Human diagnostics go
// to stderr elsewhere; stdout carries only what the format promises.
func (r *Result) Render(w io.Writer, format string) error {
	switch format {
	case OutputJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(r)

	case OutputRaw:
		if r.Status == journal.StatusCompleted {
			_, err := fmt.Fprintln(w, r.Result)
			return err
		}
		return nil

	default:
		fmt.Fprintf(w, "Run:    %s\n", r.RunID)
		fmt.Fprintf(w, "Status: %s\n", r.Status)
		switch {
		case r.Result != "":
			fmt.Fprintf(w, "\n%s\n", r.Result)
		case r.Error != nil:
			fmt.Fprintf(w, "Error:  %s\n", r.Error.Message)
		case r.Interaction != nil:
			fmt.Fprintf(w, "Waiting for input: %s\n", r.Interaction.Prompt)
		}
		fmt.Fprintf(w, "\nIterations: %d  Duration: %dms  Tokens: %d\n",
			r.Metrics.Iterations, r.Metrics.DurationMs, r.Metrics.Usage.TotalTokens)
		return nil
	}
}
