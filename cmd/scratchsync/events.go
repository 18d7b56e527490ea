package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/fyrsmithlabs/scratchsync/internal/backend"
	"github.com/spf13/cobra"
)

// events flags
var eventsCount int

func init() {
	rootCmd.AddCommand(eventsCmd)
	eventsCmd.Flags().IntVarP(&eventsCount, "count", "n", 0, "exit after this many events (0 streams until interrupted)")
}

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Stream changes to the signed-in user's projects",
	Long: `Follow the backend project change feed and print one line per change.

Saves, deletes and thumbnail updates made by any client of the same user
are reported, including the ones made by this CLI. The stream runs until
interrupted or until --count events have been printed.

Examples:
  scratchsync events
  scratchsync events -o json | jq .fileId
  scratchsync events --count 1`,
	Args: cobra.NoArgs,
	RunE: runEvents,
}

func runEvents(cmd *cobra.Command, _ []string) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	out := cmd.OutOrStdout()
	var (
		seen     int
		printErr error
	)
	err := current.client.Events(ctx, func(ev backend.ProjectEvent) {
		if ev.Type == backend.EventReady || printErr != nil {
			return
		}
		if printErr = printEvent(out, ev); printErr != nil {
			cancel()
			return
		}
		seen++
		if eventsCount > 0 && seen >= eventsCount {
			cancel()
		}
	})
	if printErr != nil {
		return printErr
	}
	if err != nil {
		return fmt.Errorf("event stream failed: %w", err)
	}
	return nil
}

// printEvent writes a single event. json is one compact object per line so
// the stream can be piped into line-oriented tools.
func printEvent(w io.Writer, ev backend.ProjectEvent) error {
	switch outputFormat {
	case "json":
		return json.NewEncoder(w).Encode(ev)
	case "table", "":
		title := ev.Title
		if ev.Created {
			title += " (new)"
		}
		_, err := fmt.Fprintf(w, "%s  %-9s  %-6d  %s\n",
			ev.At.Local().Format("15:04:05"), ev.Type, ev.FileID, orDash(title))
		return err
	default:
		return render(w, ev, nil)
	}
}
