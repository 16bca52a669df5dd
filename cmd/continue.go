package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/delta/internal/driver"
)

func continueCmd() *cobra.Command {
	var (
		runID         string
		message       string
		outputFormat  string
		maxIterations int
		interactive   bool
		force         bool
	)

	cmd := &cobra.Command{
		Use:   "continue",
		Short: "Resume an interrupted or waiting run",
		Long: "Continue an existing run. A waiting run takes the message as its\n" +
			"interaction response; a finished run takes it as a new user turn.",
		Run: func(cmd *cobra.Command, args []string) {
			opts := driver.Options{
				AgentHome:     agentHome,
				Workspace:     workspacePath,
				RunID:         runID,
				Message:       message,
				Continue:      true,
				MaxIterations: maxIterations,
				Force:         force,
			}
			os.Exit(invoke(opts, outputFormat, interactive))
		},
	}

	cmd.Flags().StringVar(&runID, "run-id", "", "run to continue (required)")
	cmd.Flags().StringVarP(&message, "message", "m", "", "interaction response or new user turn")
	cmd.Flags().StringVarP(&outputFormat, "output", "o", driver.OutputHuman, "output format: human, json, raw")
	cmd.Flags().IntVar(&maxIterations, "max-iterations", 0, "iteration budget override")
	cmd.Flags().BoolVarP(&interactive, "interactive", "i", false, "answer ask_human prompts inline")
	cmd.Flags().BoolVar(&force, "force", false, "reconcile a run started on another host")
	return cmd
}
