package cmd

import (
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/delta/internal/sessions"
)

// sessionHolderCmd is the detached holder entrypoint. It is launched by the
// session manager re-executing this binary, never by a user.
func sessionHolderCmd() *cobra.Command {
	var (
		sessionID   string
		sessionsDir string
		shell       string
		workDir     string
	)

	cmd := &cobra.Command{
		Use:    "session-holder",
		Hidden: true,
		Short:  "Internal: own one session's socket and subprocess",
		RunE: func(cmd *cobra.Command, args []string) error {
			holder := &sessions.Holder{
				SessionID: sessionID,
				Dir:       filepath.Join(sessionsDir, sessionID),
				Shell:     shell,
				WorkDir:   workDir,
			}
			return holder.Serve()
		},
	}

	cmd.Flags().StringVar(&sessionID, "session-id", "", "session identifier")
	cmd.Flags().StringVar(&sessionsDir, "sessions-dir", "", "workspace sessions directory")
	cmd.Flags().StringVar(&shell, "shell", "", "session shell (default sh)")
	cmd.Flags().StringVar(&workDir, "work-dir", "", "initial working directory")
	_ = cmd.MarkFlagRequired("session-id")
	_ = cmd.MarkFlagRequired("sessions-dir")
	return cmd
}
