package main

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fyrsmithlabs/scratchsync/internal/catalog"
	"github.com/fyrsmithlabs/scratchsync/internal/engine"
	"github.com/fyrsmithlabs/scratchsync/internal/persister"
	"github.com/spf13/cobra"
)

var (
	// save flags
	saveID         string
	saveTitle      string
	saveThumbnail  string
	saveAutoSave   bool
	saveCopy       bool
	saveRemix      bool
	saveOriginalID string

	// fetch flags
	fetchOut string
)

func init() {
	rootCmd.AddCommand(saveCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(thumbnailCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(fetchCmd)

	saveCmd.Flags().StringVar(&saveID, "id", "", "client project id (empty saves a new project)")
	saveCmd.Flags().StringVar(&saveTitle, "title", "", "project title (default \"Untitled\")")
	saveCmd.Flags().StringVar(&saveThumbnail, "thumbnail", "", "PNG thumbnail to upload with the project")
	saveCmd.Flags().BoolVar(&saveAutoSave, "autosave", false, "mark the save as an autosave")
	saveCmd.Flags().BoolVar(&saveCopy, "copy", false, "save as a copy of --original-id")
	saveCmd.Flags().BoolVar(&saveRemix, "remix", false, "save as a remix of --original-id")
	saveCmd.Flags().StringVar(&saveOriginalID, "original-id", "", "project this one was copied or remixed from")

	fetchCmd.Flags().StringVar(&fetchOut, "out", "", "write the project to this file (required)")
	_ = fetchCmd.MarkFlagRequired("out")
}

var saveCmd = &cobra.Command{
	Use:   "save <file>",
	Short: "Save a project file to the backend",
	Long: `Save an .sb3 or project.json file.

The first save of a client project id creates a server project; the id
mapping is recorded in the identifier registry and later saves with the same
--id update that project. Use "-" to read the project from stdin.

Examples:
  scratchsync save game.sb3 --title "My Game"
  scratchsync save game.sb3 --id local-1 --thumbnail thumb.png
  cat project.json | scratchsync save - --id local-1 --autosave`,
	Args: cobra.ExactArgs(1),
	RunE: runSave,
}

var deleteCmd = &cobra.Command{
	Use:   "delete <client-project-id>",
	Short: "Delete a saved project",
	Long: `Delete the server project mapped to a client project id and forget the
mapping. Ids with no mapping fail without contacting the backend.`,
	Args: cobra.ExactArgs(1),
	RunE: runDelete,
}

var thumbnailCmd = &cobra.Command{
	Use:   "thumbnail <client-project-id> <png>",
	Short: "Replace a saved project's thumbnail",
	Long: `Upload a new thumbnail for a saved project.

This is best effort: failures are logged as warnings and the command still
exits successfully.`,
	Args: cobra.ExactArgs(2),
	RunE: runThumbnail,
}

var listCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List saved projects, newest first",
	Args:    cobra.NoArgs,
	RunE:    runList,
}

var fetchCmd = &cobra.Command{
	Use:   "fetch <file-id>",
	Short: "Download a saved project",
	Long: `Download a saved project into a local file and record it as the loaded
project. The file id is mapped to itself in the identifier registry, so a
later "save --id <file-id>" overwrites the server copy.

Examples:
  scratchsync fetch 1700000000001 --out game.sb3`,
	Args: cobra.ExactArgs(1),
	RunE: runFetch,
}

func runSave(cmd *cobra.Command, args []string) error {
	data, err := readProject(cmd, args[0])
	if err != nil {
		return err
	}
	var thumb []byte
	if saveThumbnail != "" {
		if thumb, err = readFile(saveThumbnail); err != nil {
			return err
		}
	}

	res, err := current.persister.Save(cmd.Context(), persister.SaveRequest{
		ClientProjectID: saveID,
		ProjectData:     data,
		Title:           saveTitle,
		Thumbnail:       thumb,
		IsCopy:          saveCopy,
		IsRemix:         saveRemix,
		OriginalID:      saveOriginalID,
		IsAutoSave:      saveAutoSave,
	})
	if err != nil {
		return err
	}

	return render(cmd.OutOrStdout(), res, func(w io.Writer) {
		action := "updated"
		if res.Created {
			action = "created"
		}
		fmt.Fprintln(w, "CLIENT ID\tFILE ID\tACTION\tTHUMBNAIL")
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", res.ClientProjectID, res.FileID, action, orDash(res.ThumbnailURL))
	})
}

// readProject serializes the project at path, or reads it from stdin for "-".
func readProject(cmd *cobra.Command, path string) ([]byte, error) {
	if path != "-" {
		return (&engine.File{Source: path}).SerializeProject(cmd.Context())
	}
	data, err := readFile(path)
	if err != nil {
		return nil, err
	}
	if _, err := engine.DetectFormat(data); err != nil {
		return nil, fmt.Errorf("stdin: %w", err)
	}
	return data, nil
}

// deleteResult is the printed form of a delete.
type deleteResult struct {
	ClientProjectID string `json:"clientProjectId" yaml:"clientProjectId" toml:"clientProjectId"`
	Deleted         bool   `json:"deleted" yaml:"deleted" toml:"deleted"`
}

func runDelete(cmd *cobra.Command, args []string) error {
	if err := current.persister.Delete(cmd.Context(), args[0]); err != nil {
		return err
	}
	res := deleteResult{ClientProjectID: args[0], Deleted: true}
	return render(cmd.OutOrStdout(), res, func(w io.Writer) {
		fmt.Fprintf(w, "Deleted %s\n", res.ClientProjectID)
	})
}

func runThumbnail(cmd *cobra.Command, args []string) error {
	png, err := readFile(args[1])
	if err != nil {
		return err
	}
	current.persister.UpdateThumbnail(cmd.Context(), args[0], png)
	fmt.Fprintf(cmd.OutOrStdout(), "Thumbnail update submitted for %s\n", args[0])
	return nil
}

// projectList is the printed form of the catalog.
type projectList struct {
	Projects []catalog.Entry `json:"projects" yaml:"projects" toml:"projects"`
}

func runList(cmd *cobra.Command, _ []string) error {
	entries, err := current.catalog(engine.NewMemory()).List(cmd.Context())
	if err != nil {
		return err
	}
	return render(cmd.OutOrStdout(), projectList{Projects: entries}, func(w io.Writer) {
		fmt.Fprintln(w, "FILE ID\tTITLE\tSIZE\tCREATED")
		for _, e := range entries {
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\n",
				e.FileID, e.Title, humanize.IBytes(uint64(max(e.Size, 0))), humanize.Time(e.CreatedAt))
		}
		if len(entries) == 0 {
			fmt.Fprintln(w, "(no projects)")
		}
	})
}

func runFetch(cmd *cobra.Command, args []string) error {
	fileID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil || fileID <= 0 {
		return fmt.Errorf("invalid file id %q", args[0])
	}

	entry := catalog.Entry{FileID: fileID}
	if err := current.catalog(&engine.File{Out: fetchOut}).LoadEntry(cmd.Context(), entry); err != nil {
		return err
	}

	lp := current.state.LoadedProject.Get()
	return render(cmd.OutOrStdout(), lp, func(w io.Writer) {
		fmt.Fprintf(w, "Fetched %d (%s) to %s at %s\n", lp.FileID, lp.Title, fetchOut, lp.LoadedAt.Format(time.RFC3339))
	})
}
