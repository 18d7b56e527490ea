package main

import (
	"fmt"
	"io"
	"strconv"

	"github.com/fyrsmithlabs/scratchsync/internal/registry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func init() {
	rootCmd.AddCommand(registryCmd)
	registryCmd.AddCommand(registryListCmd)
	registryCmd.AddCommand(registrySetCmd)
	registryCmd.AddCommand(registryRemoveCmd)
	registryCmd.AddCommand(registryWatchCmd)
}

var registryCmd = &cobra.Command{
	Use:   "registry",
	Short: "Inspect and edit the identifier registry",
	Long: `The identifier registry maps client project ids to server file ids. It
decides whether a save creates a new project or updates an existing one.`,
}

var registryListCmd = &cobra.Command{
	Use:   "list",
	Short: "List client id to file id mappings",
	Args:  cobra.NoArgs,
	RunE:  runRegistryList,
}

var registrySetCmd = &cobra.Command{
	Use:   "set <client-project-id> <file-id>",
	Short: "Map a client project id to a server file id",
	Args:  cobra.ExactArgs(2),
	RunE:  runRegistrySet,
}

var registryRemoveCmd = &cobra.Command{
	Use:     "remove <client-project-id>",
	Aliases: []string{"rm"},
	Short:   "Forget a mapping",
	Args:    cobra.ExactArgs(1),
	RunE:    runRegistryRemove,
}

var registryWatchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Print the registry whenever another process changes it",
	Long: `Watch the registry file and print the mappings after every reload.
Only the file driver supports watching. Stop with Ctrl-C.`,
	Args: cobra.NoArgs,
	RunE: runRegistryWatch,
}

// mappingList is the printed form of the registry.
type mappingList struct {
	Mappings []registry.Mapping `json:"mappings" yaml:"mappings" toml:"mappings"`
}

func printMappings(w io.Writer, mappings []registry.Mapping) error {
	return render(w, mappingList{Mappings: mappings}, func(w io.Writer) {
		fmt.Fprintln(w, "CLIENT ID\tFILE ID\tUPDATED")
		for _, m := range mappings {
			fmt.Fprintf(w, "%s\t%d\t%s\n", m.ClientProjectID, m.ServerFileID, m.UpdatedAt.Format("2006-01-02 15:04:05"))
		}
	})
}

func runRegistryList(cmd *cobra.Command, _ []string) error {
	return printMappings(cmd.OutOrStdout(), current.registry.List())
}

func runRegistrySet(cmd *cobra.Command, args []string) error {
	fileID, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid file id %q", args[1])
	}
	if err := current.registry.Register(cmd.Context(), args[0], fileID); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Mapped %s -> %d\n", args[0], fileID)
	return nil
}

func runRegistryRemove(cmd *cobra.Command, args []string) error {
	current.registry.Remove(cmd.Context(), args[0])
	fmt.Fprintf(cmd.OutOrStdout(), "Removed %s\n", args[0])
	return nil
}

func runRegistryWatch(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	w, err := current.registry.Watch(ctx)
	if err != nil {
		return err
	}
	defer w.Stop()

	current.logger.Info(ctx, "watching registry", zap.String("path", current.cfg.Registry.Path))
	if err := printMappings(cmd.OutOrStdout(), current.registry.List()); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-w.Reloaded():
			if err := printMappings(cmd.OutOrStdout(), current.registry.List()); err != nil {
				return err
			}
		}
	}
}
