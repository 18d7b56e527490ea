package main

import (
	"context"
	"errors"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/fyrsmithlabs/scratchsync/internal/backend"
	"github.com/fyrsmithlabs/scratchsync/internal/dashboard"
	"github.com/fyrsmithlabs/scratchsync/internal/engine"
	"github.com/fyrsmithlabs/scratchsync/internal/logging"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	browseOut      string
	browseInterval time.Duration
)

func init() {
	rootCmd.AddCommand(browseCmd)
	browseCmd.Flags().StringVar(&browseOut, "out", "project.sb3", "write loaded projects to this file")
	browseCmd.Flags().DurationVar(&browseInterval, "interval", 30*time.Second, "refresh interval")
}

var browseCmd = &cobra.Command{
	Use:   "browse",
	Short: "Browse saved projects interactively",
	Long: `Open a terminal dashboard over the signed-in user's saved projects.

The list refreshes on an interval and whenever the backend reports a
change. Storage use is shown against server.quota_bytes when it is set.

Keys:
  up/k, down/j  move
  enter         load the selected project into --out
  d             delete the selected project (confirm with y)
  r             refresh now
  q             quit`,
	Args: cobra.NoArgs,
	RunE: runBrowse,
}

func runBrowse(cmd *cobra.Command, _ []string) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	var user string
	if st := current.session.Bootstrap(ctx); st.User != nil {
		user = st.User.Username
	}

	cat := current.catalog(&engine.File{Out: browseOut})
	defer cat.Close()

	model := dashboard.NewModel(cat, dashboard.Config{
		User:       user,
		QuotaBytes: current.cfg.Server.QuotaBytes,
		Interval:   browseInterval,
		Events:     followEvents(ctx, current.client, current.logger),
	})

	p := tea.NewProgram(model,
		tea.WithContext(ctx),
		tea.WithInput(cmd.InOrStdin()),
		tea.WithOutput(cmd.OutOrStdout()),
	)
	if _, err := p.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return err
	}
	return nil
}

// followEvents relays project changes until ctx ends. The feed is
// optional: when the backend does not serve it the channel stays quiet
// and the dashboard falls back to interval refreshes.
func followEvents(ctx context.Context, client *backend.Client, logger *logging.Logger) <-chan backend.ProjectEvent {
	ch := make(chan backend.ProjectEvent, 16)
	go func() {
		defer close(ch)
		err := client.Events(ctx, func(ev backend.ProjectEvent) {
			if ev.Type == backend.EventReady {
				return
			}
			select {
			case ch <- ev:
			default:
			}
		})
		if err != nil {
			logger.Debug(ctx, "project event feed unavailable", zap.Error(err))
		}
	}()
	return ch
}
