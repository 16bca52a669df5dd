package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/charmbracelet/huh"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/delta/internal/driver"
	"github.com/nextlevelbuilder/delta/internal/journal"
	"github.com/nextlevelbuilder/delta/internal/workspace"
)

// interactCmd attends a waiting run: it watches the interaction directory,
// prompts the human for each question, and resumes the run with the answer
// until the run reaches a terminal state.
func interactCmd() *cobra.Command {
	var (
		runID        string
		outputFormat string
	)

	cmd := &cobra.Command{
		Use:   "interact",
		Short: "Answer a run's human-input requests until it finishes",
		RunE: func(cmd *cobra.Command, args []string) error {
			if runID == "" {
				return driver.ErrRunIDRequired
			}
			return attend(runID, outputFormat)
		},
	}

	cmd.Flags().StringVar(&runID, "run-id", "", "run to attend (required)")
	cmd.Flags().StringVarP(&outputFormat, "output", "o", driver.OutputHuman, "output format: human, json, raw")
	return cmd
}

func attend(runID, outputFormat string) error {
	ws, err := workspace.Resolve(workspacePath)
	if err != nil {
		return err
	}
	runDir := ws.RunDir(runID)
	if _, err := os.Stat(runDir); err != nil {
		return fmt.Errorf("run %s not found in workspace %s", runID, ws.Root)
	}

	for {
		meta, err := journal.ReadMetadataFile(runDir)
		if err != nil {
			return err
		}
		if meta.Status.Terminal() {
			break
		}
		if meta.Status == journal.StatusRunning {
			// Another process owns the run; wait for it to park or finish.
			if err := awaitRunParked(runDir); err != nil {
				return err
			}
			continue
		}

		prompt := readPendingPrompt(runDir)
		answer, ok := promptForInput(prompt)
		if !ok {
			return nil
		}

		code := invoke(driver.Options{
			AgentHome: agentHome,
			Workspace: workspacePath,
			RunID:     runID,
			Message:   answer,
			Continue:  true,
		}, outputFormat, false)
		if code != driver.ExitWaitingForInput {
			os.Exit(code)
		}
	}
	return nil
}

// awaitRunParked blocks until the run's metadata changes, using a directory
// watch rather than polling.
func awaitRunParked(runDir string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create run watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory: metadata updates land via temp-file rename,
	// which some platforms report only at directory level.
	if err := watcher.Add(runDir); err != nil {
		return fmt.Errorf("watch run dir: %w", err)
	}

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) == "metadata.json" &&
				event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				return nil
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return fmt.Errorf("run watcher: %w", err)
		}
	}
}

func readPendingPrompt(runDir string) *driver.ResultPrompt {
	raw, err := os.ReadFile(filepath.Join(runDir, "interaction", "request.json"))
	if err != nil {
		return nil
	}
	var req struct {
		Prompt    string `json:"prompt"`
		InputType string `json:"input_type"`
		Sensitive bool   `json:"sensitive"`
	}
	if json.Unmarshal(raw, &req) != nil {
		return nil
	}
	return &driver.ResultPrompt{Prompt: req.Prompt, InputType: req.InputType, Sensitive: req.Sensitive}
}

// promptForInput collects one answer from the terminal. Returns ok=false if
// the user aborted.
func promptForInput(prompt *driver.ResultPrompt) (string, bool) {
	title := "The agent is waiting for input"
	sensitive := false
	if prompt != nil {
		if prompt.Prompt != "" {
			title = prompt.Prompt
		}
		sensitive = prompt.Sensitive
	}

	var answer string
	input := huh.NewInput().Title(title).Value(&answer)
	if sensitive {
		input = input.EchoMode(huh.EchoModePassword)
	}
	if err := huh.NewForm(huh.NewGroup(input)).Run(); err != nil {
		return "", false
	}
	return answer, true
}
