package main

import (
	"fmt"
	"io"

	"github.com/fyrsmithlabs/scratchsync/internal/appstate"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(sessionCmd)
	rootCmd.AddCommand(logoutCmd)
}

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Resolve and show the signed-in user",
	Long: `Resolve the session the way the editor does at startup.

The credential cookie is decoded locally first. If it is missing or
unusable the backend session endpoint is asked instead. Network failures
are reported as an ERROR session, not as a command failure.

Examples:
  scratchsync session --cookie "$TOKEN"
  scratchsync session -o json`,
	Args: cobra.NoArgs,
	RunE: runSession,
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "End the server session",
	Long: `Call the backend logout endpoint and clear the local session state.

Local state is cleared even when the logout request fails.`,
	Args: cobra.NoArgs,
	RunE: runLogout,
}

// sessionView is the printed form of a resolved session.
type sessionView struct {
	Session    appstate.SessionState `json:"session" yaml:"session" toml:"session"`
	ResolvedBy string                `json:"resolvedBy,omitempty" yaml:"resolvedBy,omitempty" toml:"resolvedBy,omitempty"`
}

func runSession(cmd *cobra.Command, _ []string) error {
	st := current.session.Bootstrap(cmd.Context())
	view := sessionView{Session: st, ResolvedBy: string(current.session.ResolvedBy())}

	return render(cmd.OutOrStdout(), view, func(w io.Writer) {
		fmt.Fprintf(w, "STATUS\t%s\n", st.Status)
		fmt.Fprintf(w, "RESOLVED BY\t%s\n", orDash(view.ResolvedBy))
		if st.Error != "" {
			fmt.Fprintf(w, "ERROR\t%s\n", st.Error)
		}
		if u := st.User; u != nil {
			fmt.Fprintf(w, "USER\t%s (%d)\n", u.Username, u.ID)
			fmt.Fprintf(w, "ROLE\t%s\n", orDash(u.Role))
			fmt.Fprintf(w, "EDUCATOR\t%t\n", u.Educator)
			fmt.Fprintf(w, "STUDENT\t%t\n", u.Student)
			fmt.Fprintf(w, "CLASSROOM\t%s\n", orDash(u.ClassroomID))
			fmt.Fprintf(w, "THUMBNAIL\t%s\n", u.ThumbnailURL)
		} else if st.Status == appstate.SessionFetched {
			fmt.Fprintln(w, "USER\tnot signed in")
		}
	})
}

func runLogout(cmd *cobra.Command, _ []string) error {
	if err := current.session.Logout(cmd.Context()); err != nil {
		return fmt.Errorf("logout failed (local session cleared): %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Logged out")
	return nil
}
