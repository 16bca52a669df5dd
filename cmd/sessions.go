package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/delta/internal/sessions"
	"github.com/nextlevelbuilder/delta/internal/workspace"
)

func sessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Manage persistent exec sessions",
	}
	cmd.AddCommand(sessionsStartCmd())
	cmd.AddCommand(sessionsListCmd())
	cmd.AddCommand(sessionsExecCmd())
	cmd.AddCommand(sessionsStatusCmd())
	cmd.AddCommand(sessionsEndCmd())
	cmd.AddCommand(sessionsReapCmd())
	return cmd
}

func sessionsStartCmd() *cobra.Command {
	var (
		shell   string
		workDir string
	)

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a detached session and print its id",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := sessionManager()
			if err != nil {
				return err
			}
			client, err := mgr.Start(sessions.NewSessionID(), shell, workDir)
			if err != nil {
				return err
			}
			fmt.Fprintln(os.Stdout, client.SessionID)
			return nil
		},
	}

	cmd.Flags().StringVar(&shell, "shell", "", "session shell (default sh)")
	cmd.Flags().StringVar(&workDir, "work-dir", "", "initial working directory")
	return cmd
}

func sessionsStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <session-id>",
		Short: "Probe a session's holder",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := sessionManager()
			if err != nil {
				return err
			}
			client, err := mgr.Open(args[0])
			if err != nil {
				return err
			}
			resp, err := client.Status()
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "session: %s\nholder pid: %d\ncwd: %s\ncreated: %s\n",
				args[0], resp.PID, resp.Cwd, resp.CreatedAt)
			return nil
		},
	}
}

func sessionManager() (*sessions.Manager, error) {
	ws, err := workspace.Resolve(workspacePath)
	if err != nil {
		return nil, err
	}
	return &sessions.Manager{SessionsDir: ws.SessionsDir()}, nil
}

func sessionsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List sessions and their holders",
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := sessionManager()
			if err != nil {
				return err
			}
			infos, err := mgr.List()
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "SESSION\tALIVE\tPID\tCWD\tCREATED")
			for _, info := range infos {
				fmt.Fprintf(w, "%s\t%t\t%d\t%s\t%s\n",
					info.SessionID, info.Alive, info.HolderPID, info.WorkDir, info.CreatedAt)
			}
			return w.Flush()
		},
	}
}

func sessionsExecCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "exec <session-id> <command>",
		Short: "Run a command in a session",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := sessionManager()
			if err != nil {
				return err
			}
			client, err := mgr.Open(args[0])
			if err != nil {
				return err
			}
			resp, err := client.Exec(args[1])
			if err != nil {
				return err
			}
			fmt.Fprint(os.Stdout, resp.Stdout)
			fmt.Fprint(os.Stderr, resp.Stderr)
			os.Exit(resp.ExitCode)
			return nil
		},
	}
}

func sessionsEndCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "end <session-id>",
		Short: "Terminate a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := sessionManager()
			if err != nil {
				return err
			}
			client, err := mgr.Open(args[0])
			if err != nil {
				return err
			}
			if _, err := client.End(); err != nil {
				return err
			}
			fmt.Fprintf(os.Stderr, "session %s terminated\n", args[0])
			return nil
		},
	}
}

func sessionsReapCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reap",
		Short: "Remove sessions whose holders are gone",
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := sessionManager()
			if err != nil {
				return err
			}
			reaped, err := mgr.Reap()
			if err != nil {
				return err
			}
			for _, id := range reaped {
				fmt.Fprintf(os.Stderr, "reaped %s\n", id)
			}
			return nil
		},
	}
}
