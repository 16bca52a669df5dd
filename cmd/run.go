package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/delta/internal/driver"
	"github.com/nextlevelbuilder/delta/internal/workspace"
)

func runCmd() *cobra.Command {
	var (
		runID         string
		outputFormat  string
		maxIterations int
		interactive   bool
	)

	cmd := &cobra.Command{
		Use:   "run <task>",
		Short: "Start a new run with an initial task",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			opts := driver.Options{
				AgentHome:     agentHome,
				Workspace:     workspacePath,
				RunID:         runID,
				Message:       args[0],
				MaxIterations: maxIterations,
			}
			os.Exit(invoke(opts, outputFormat, interactive))
		},
	}

	cmd.Flags().StringVar(&runID, "run-id", "", "explicit run id (default: generated)")
	cmd.Flags().StringVarP(&outputFormat, "output", "o", driver.OutputHuman, "output format: human, json, raw")
	cmd.Flags().IntVar(&maxIterations, "max-iterations", 0, "iteration budget override")
	cmd.Flags().BoolVarP(&interactive, "interactive", "i", false, "answer ask_human prompts inline")
	return cmd
}

// invoke runs the driver under a signal-aware context and renders the result.
// Returns the process exit code.
func invoke(opts driver.Options, outputFormat string, interactive bool) int {
	for {
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		result, err := driver.Run(ctx, opts)
		stop()
		if err != nil {
			return reportError(err)
		}

		if interactive && result.ExitCode() == driver.ExitWaitingForInput {
			answer, ok := promptForInput(result.Interaction)
			if !ok {
				// Leave the run parked; it can be continued later.
				_ = result.Render(os.Stdout, outputFormat)
				return result.ExitCode()
			}
			opts = driver.Options{
				AgentHome:     opts.AgentHome,
				Workspace:     opts.Workspace,
				RunID:         result.RunID,
				Message:       answer,
				Continue:      true,
				MaxIterations: opts.MaxIterations,
			}
			continue
		}

		if err := result.Render(os.Stdout, outputFormat); err != nil {
			return reportError(err)
		}
		return result.ExitCode()
	}
}

// reportError maps setup failures to the exit-code contract. Logging goes to
// stderr; stdout stays clean.
func reportError(err error) int {
	slog.Error("run failed", "error", err)
	fmt.Fprintln(os.Stderr, "Error:", err)
	switch {
	case errors.Is(err, os.ErrPermission):
		return driver.ExitCannotExecute
	case errors.Is(err, workspace.ErrRunExists),
		errors.Is(err, driver.ErrRunIDRequired):
		return driver.ExitFailure
	default:
		return driver.ExitFailure
	}
}
