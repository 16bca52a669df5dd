package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Version is set at build time via -ldflags "-X github.com/nextlevelbuilder/delta/cmd.Version=v1.0.0"
var Version = "dev"

var (
	agentHome     string
	workspacePath string
	verbose       bool
)

var rootCmd = &cobra.Command{
	Use:   "delta",
	Short: "delta — journal-driven agent engine",
	Long: "Delta drives an LLM agent through a Think-Act-Observe loop. Every event\n" +
		"is persisted to an append-only journal so any run can be interrupted,\n" +
		"inspected, and resumed.",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		setupLogging()
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&agentHome, "agent", ".", "agent directory (config and system prompt)")
	rootCmd.PersistentFlags().StringVarP(&workspacePath, "workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(continueCmd())
	rootCmd.AddCommand(runsCmd())
	rootCmd.AddCommand(interactCmd())
	rootCmd.AddCommand(sessionsCmd())
	rootCmd.AddCommand(sessionHolderCmd())
	rootCmd.AddCommand(versionCmd())
}

// setupLogging sends all structured logs to stderr. Stdout carries only the
// run result in the selected output format.
func setupLogging() {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	})))
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("delta %s\n", Version)
		},
	}
}

// Execute runs the root cobra command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
