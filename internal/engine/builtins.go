package engine

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/nextlevelbuilder/delta/internal/providers"
	"github.com/nextlevelbuilder/delta/internal/sessions"
)

// Built-in tool names. These are handled inside the engine and never reach
// the subprocess executor.
const (
	ToolAskHuman     = "ask_human"
	ToolSessionStart = "session_start"
	ToolSessionExec  = "session_exec"
	ToolSessionEnd   = "session_end"
)

// InteractionRequest is written to interaction/request.json when ask_human
// fires. ActionID ties the eventual response back to the pending tool call.
type InteractionRequest struct {
	ActionID  string `json:"action_id"`
	Prompt    string `json:"prompt"`
	InputType string `json:"input_type"`
	Sensitive bool   `json:"sensitive"`
}

const (
	interactionRequestFile  = "request.json"
	interactionResponseFile = "response.txt"
)

func builtinDefs() []providers.ToolDefinition {
	return []providers.ToolDefinition{
		{
			Name:        ToolAskHuman,
			Description: "Ask the human operator a question and wait for their answer. The run pauses until a response arrives.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"prompt":     map[string]any{"type": "string", "description": "The question to ask"},
					"input_type": map[string]any{"type": "string", "description": "Expected input kind, e.g. text or confirmation"},
					"sensitive":  map[string]any{"type": "boolean", "description": "True when the answer must not be echoed"},
				},
				"required": []string{"prompt"},
			},
		},
		{
			Name:        ToolSessionStart,
			Description: "Start a persistent shell session. Returns a session_id for later exec calls. The session survives this run.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"work_dir": map[string]any{"type": "string", "description": "Initial working directory"},
				},
			},
		},
		{
			Name:        ToolSessionExec,
			Description: "Run a command in a persistent session. Working directory changes persist across calls.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"session_id": map[string]any{"type": "string"},
					"command":    map[string]any{"type": "string"},
				},
				"required": []string{"session_id", "command"},
			},
		},
		{
			Name:        ToolSessionEnd,
			Description: "Terminate a persistent session.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"session_id": map[string]any{"type": "string"},
				},
				"required": []string{"session_id"},
			},
		},
	}
}

func isBuiltin(name string) bool {
	switch name {
	case ToolAskHuman, ToolSessionStart, ToolSessionExec, ToolSessionEnd:
		return true
	}
	return false
}

// sessionObservation runs one built-in session operation and renders its
// observation text. Session failures are observations like any tool failure.
func (e *Engine) sessionObservation(name string, args map[string]any) (content string, command []string, exitCode int) {
	switch name {
	case ToolSessionStart:
		workDir := stringArg(args, "work_dir")
		if workDir == "" {
			workDir = e.WorkDir
		}
		client, err := e.Sessions.Start(sessions.NewSessionID(), "", workDir)
		if err != nil {
			return fmt.Sprintf("failed to start session: %v", err), []string{name}, 1
		}
		return fmt.Sprintf("session started: %s", client.SessionID),
			[]string{name, client.SessionID}, 0

	case ToolSessionExec:
		id := stringArg(args, "session_id")
		cmd := stringArg(args, "command")
		client, err := e.Sessions.Open(id)
		if err != nil {
			return err.Error(), []string{name, id}, 1
		}
		resp, err := client.Exec(cmd)
		if err != nil {
			return fmt.Sprintf("session exec failed: %v", err), []string{name, id, cmd}, 1
		}
		return formatExecOutput(resp.Stdout, resp.Stderr, resp.ExitCode),
			[]string{name, id, cmd}, resp.ExitCode

	case ToolSessionEnd:
		id := stringArg(args, "session_id")
		client, err := e.Sessions.Open(id)
		if err != nil {
			return err.Error(), []string{name, id}, 1
		}
		if _, err := client.End(); err != nil {
			return fmt.Sprintf("session end failed: %v", err), []string{name, id}, 1
		}
		return fmt.Sprintf("session %s terminated", id), []string{name, id}, 0
	}
	return fmt.Sprintf("unknown builtin %q", name), []string{name}, 1
}

// writeInteractionRequest persists the pending ask_human question.
func (e *Engine) writeInteractionRequest(req InteractionRequest) error {
	dir, err := e.Journal.InteractionDir()
	if err != nil {
		return err
	}
	raw, err := json.MarshalIndent(req, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal interaction request: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, interactionRequestFile), raw, 0o644); err != nil {
		return fmt.Errorf("write interaction request: %w", err)
	}
	return nil
}

// pendingInteraction reads an unanswered interaction request, if any.
func (e *Engine) pendingInteraction() (*InteractionRequest, error) {
	dir, err := e.Journal.InteractionDir()
	if err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(filepath.Join(dir, interactionRequestFile))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read interaction request: %w", err)
	}
	var req InteractionRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, fmt.Errorf("parse interaction request: %w", err)
	}
	return &req, nil
}

// consumeInteractionResponse reads interaction/response.txt and clears the
// pending request so the interaction cannot be replayed.
func (e *Engine) consumeInteractionResponse() (string, bool, error) {
	dir, err := e.Journal.InteractionDir()
	if err != nil {
		return "", false, err
	}
	raw, err := os.ReadFile(filepath.Join(dir, interactionResponseFile))
	if os.IsNotExist(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read interaction response: %w", err)
	}
	os.Remove(filepath.Join(dir, interactionRequestFile))
	os.Remove(filepath.Join(dir, interactionResponseFile))
	return strings.TrimRight(string(raw), "\n"), true, nil
}

func stringArg(args map[string]any, key string) string {
	if v, ok := args[key].(string); ok {
		return v
	}
	return ""
}

func boolArg(args map[string]any, key string) bool {
	v, _ := args[key].(bool)
	return v
}

func formatExecOutput(stdout, stderr string, exitCode int) string {
	var b strings.Builder
	if stdout != "" {
		b.WriteString(stdout)
	}
	if stderr != "" {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString("stderr:\n")
		b.WriteString(stderr)
	}
	if b.Len() == 0 {
		b.WriteString("(no output)")
	}
	if exitCode != 0 {
		fmt.Fprintf(&b, "\nexit code: %d", exitCode)
	}
	return b.String()
}
