// Package main implements the scratchsync CLI.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var (
	// version information (set via ldflags during build)
	version = "dev"

	// global flags
	cfgFile      string
	serverURL    string
	registryPath string
	outputFormat string
	cookie       string
	logLevel     string
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "scratchsync",
	Short: "Save, load and list Scratch projects against a scratchsync backend",
	Long: `scratchsync drives the client persistence layer from the command line.

It resolves the signed-in session, saves projects (creating them on first
save and updating them afterwards), lists and deletes saved projects, and
opens projects from startup URLs. The mapping between local project ids and
server file ids is kept in the identifier registry between invocations.

Examples:
  # Show who is signed in
  scratchsync session --cookie "$TOKEN"

  # Save a project, then save it again as an update
  scratchsync save game.sb3 --id local-1 --title "My Game"
  scratchsync save game.sb3 --id local-1

  # List saved projects as YAML
  scratchsync list -o yaml`,
	Version:            version,
	SilenceUsage:       true,
	PersistentPreRunE:  setup,
	PersistentPostRunE: teardown,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default ~/.config/scratchsync/config.yaml)")
	flags.StringVar(&serverURL, "server", "", "backend base URL (overrides backend.base_url)")
	flags.StringVar(&registryPath, "registry", "", "identifier registry file (overrides registry.path)")
	flags.StringVarP(&outputFormat, "output", "o", "table", "output format: table, json, yaml or toml")
	flags.StringVar(&cookie, "cookie", "", "session credential sent as the token cookie")
	flags.StringVar(&logLevel, "log-level", "", "log level (overrides logging.level)")
}
