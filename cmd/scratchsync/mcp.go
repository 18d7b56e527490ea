package main

import (
	"fmt"

	"github.com/fyrsmithlabs/scratchsync/internal/engine"
	"github.com/fyrsmithlabs/scratchsync/internal/mcp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var mcpWorkspace string

func init() {
	rootCmd.AddCommand(mcpCmd)
	mcpCmd.Flags().StringVar(&mcpWorkspace, "workspace", "project.sb3", "file that project_load writes opened projects to")
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve scratchsync tools over MCP on stdio",
	Long: `Run an MCP server on stdin/stdout exposing project_save, project_list,
project_load, project_delete, project_thumbnail and session_status, plus
tool_search and tool_list for discovery. Logs go to stderr.

Example MCP client configuration:
  {"command": "scratchsync", "args": ["mcp", "--cookie", "<token>"]}`,
	Args: cobra.NoArgs,
	RunE: runMCP,
}

func runMCP(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	srv, err := mcp.NewServer(&mcp.Config{
		Name:    "scratchsync",
		Version: version,
		Logger:  current.logger.Named("mcp"),
		Meter:   current.telemetry.Meter(instrumentationName),
	}, mcp.Services{
		Session:   current.session,
		Persister: current.persister,
		Catalog:   current.catalog(&engine.File{Out: mcpWorkspace}),
		State:     current.state,
	})
	if err != nil {
		return fmt.Errorf("failed to create MCP server: %w", err)
	}
	defer func() {
		if err := srv.Close(); err != nil {
			current.logger.Warn(ctx, "MCP server close failed", zap.Error(err))
		}
	}()
	return srv.Run(ctx)
}
