package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/delta/internal/journal"
	"github.com/nextlevelbuilder/delta/internal/workspace"
)

func runsCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List runs in the workspace",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, err := workspace.Resolve(workspacePath)
			if err != nil {
				return err
			}
			runs, err := ws.ListRuns()
			if err != nil {
				return err
			}

			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(runs)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "RUN ID\tSTATUS\tITERATIONS\tSTARTED\tTASK")
			for _, r := range runs {
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
					r.RunID, r.Metadata.Status, r.Metadata.IterationsCompleted,
					r.Metadata.StartTime, truncate(r.Metadata.Task, 60))
			}
			return w.Flush()
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "emit JSON")
	cmd.AddCommand(runsShowCmd())
	return cmd
}

func runsShowCmd() *cobra.Command {
	var tail int

	cmd := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show one run's metadata and recent journal events",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, err := workspace.Resolve(workspacePath)
			if err != nil {
				return err
			}
			runDir := ws.RunDir(args[0])
			meta, err := journal.ReadMetadataFile(runDir)
			if err != nil {
				return fmt.Errorf("run %s not found in workspace %s", args[0], ws.Root)
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(meta); err != nil {
				return err
			}

			jnl, err := journal.Open(args[0], runDir)
			if err != nil {
				return err
			}
			defer jnl.Close()
			events, err := jnl.ReadAll()
			if err != nil {
				return err
			}
			if tail > 0 && len(events) > tail {
				events = events[len(events)-tail:]
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "SEQ\tTIMESTAMP\tTYPE")
			for _, ev := range events {
				fmt.Fprintf(w, "%d\t%s\t%s\n", ev.Seq, ev.Timestamp, ev.Type)
			}
			return w.Flush()
		},
	}

	cmd.Flags().IntVar(&tail, "tail", 20, "show only the last N events (0 for all)")
	return cmd
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
