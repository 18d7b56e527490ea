package mcp

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fyrsmithlabs/scratchsync/internal/catalog"
	"github.com/fyrsmithlabs/scratchsync/internal/engine"
	"github.com/fyrsmithlabs/scratchsync/internal/persister"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"
)

// addTool registers meta in the tool registry and handler with the MCP
// server, recording metrics for every call. handler returns the
// structured output and a one-line summary for the text content.
func addTool[In, Out any](s *Server, meta *ToolMetadata, handler func(context.Context, In) (Out, string, error)) error {
	if err := s.toolRegistry.Register(meta); err != nil {
		return err
	}
	name := meta.Name
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        name,
		Description: meta.Description,
	}, func(ctx context.Context, _ *mcp.CallToolRequest, args In) (*mcp.CallToolResult, Out, error) {
		start := time.Now()
		s.metrics.IncrementActive(ctx, name)
		out, text, err := handler(ctx, args)
		s.metrics.DecrementActive(ctx, name)
		s.metrics.RecordInvocation(ctx, name, time.Since(start), err)
		if err != nil {
			s.logger.Debug(ctx, "tool call failed", zap.String("tool", name), zap.Error(err))
			var zero Out
			return nil, zero, err
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: text}},
		}, out, nil
	})
	return nil
}

func (s *Server) registerTools() error {
	return errors.Join(
		addTool(s, &ToolMetadata{
			Name:        "project_list",
			Description: "List the signed-in user's saved projects, newest first",
			Category:    CategoryProject,
			Keywords:    []string{"catalog", "projects", "browse"},
		}, s.listProjects),
		addTool(s, &ToolMetadata{
			Name:        "project_save",
			Description: "Save a project. Creates it on the server the first time a client project id is saved and updates it afterwards",
			Category:    CategoryProject,
			Keywords:    []string{"create", "update", "autosave", "upload"},
		}, s.saveProject),
		addTool(s, &ToolMetadata{
			Name:        "project_delete",
			Description: "Delete a saved project by client project id or server file id",
			Category:    CategoryProject,
			Keywords:    []string{"remove", "trash"},
		}, s.deleteProject),
		addTool(s, &ToolMetadata{
			Name:        "project_load",
			Description: "Open a saved project from the server into the editor so later saves overwrite it",
			Category:    CategoryProject,
			Keywords:    []string{"open", "download", "fetch"},
		}, s.loadProject),
		addTool(s, &ToolMetadata{
			Name:        "project_thumbnail",
			Description: "Replace a saved project's thumbnail. Best effort: failures are logged, not returned",
			Category:    CategoryProject,
			Keywords:    []string{"image", "png", "preview"},
		}, s.updateThumbnail),
		addTool(s, &ToolMetadata{
			Name:        "session_status",
			Description: "Resolve and report the signed-in user and the currently loaded project",
			Category:    CategorySession,
			Keywords:    []string{"user", "login", "whoami", "auth"},
		}, s.sessionStatus),
		addTool(s, &ToolMetadata{
			Name:        "tool_search",
			Description: "Search available tools by name, description or keyword. Accepts regular expressions",
			Category:    CategorySearch,
		}, s.searchTools),
		addTool(s, &ToolMetadata{
			Name:        "tool_list",
			Description: "List available tools, optionally restricted to one category",
			Category:    CategorySearch,
		}, s.listTools),
	)
}

// ===== PROJECT TOOLS =====

type projectListInput struct{}

type projectEntry struct {
	FileID          int64  `json:"file_id"`
	ClientProjectID string `json:"client_project_id"`
	Title           string `json:"title"`
	Size            int64  `json:"size"`
	SizeHuman       string `json:"size_human"`
	CreatedAt       string `json:"created_at"`
	ThumbnailURL    string `json:"thumbnail_url,omitempty"`
}

type projectListOutput struct {
	Projects []projectEntry `json:"projects" jsonschema:"Saved projects, newest first"`
	Count    int            `json:"count"`
}

func (s *Server) listProjects(ctx context.Context, _ projectListInput) (projectListOutput, string, error) {
	entries, err := s.catalog.List(ctx)
	if err != nil {
		return projectListOutput{}, "", err
	}
	out := projectListOutput{Projects: make([]projectEntry, 0, len(entries))}
	for _, e := range entries {
		out.Projects = append(out.Projects, projectEntry{
			FileID:          e.FileID,
			ClientProjectID: e.ClientProjectID(),
			Title:           e.Title,
			Size:            e.Size,
			SizeHuman:       humanize.IBytes(uint64(max(e.Size, 0))),
			CreatedAt:       e.CreatedAt.UTC().Format(time.RFC3339),
			ThumbnailURL:    e.ThumbnailURL,
		})
	}
	out.Count = len(out.Projects)
	return out, fmt.Sprintf("Found %d project(s)", out.Count), nil
}

type projectSaveInput struct {
	ClientProjectID string `json:"client_project_id,omitempty" jsonschema:"Editor-side project id. Defaults to the loaded server project; empty saves a new project"`
	ProjectPath     string `json:"project_path,omitempty" jsonschema:"Path to an .sb3 or project.json file to upload"`
	ProjectJSON     string `json:"project_json,omitempty" jsonschema:"Project JSON to upload instead of a file"`
	Title           string `json:"title,omitempty" jsonschema:"Project title (default: Untitled)"`
	ThumbnailPath   string `json:"thumbnail_path,omitempty" jsonschema:"Optional PNG thumbnail file"`
	IsAutoSave      bool   `json:"is_auto_save,omitempty"`
	IsCopy          bool   `json:"is_copy,omitempty"`
	IsRemix         bool   `json:"is_remix,omitempty"`
	OriginalID      string `json:"original_id,omitempty" jsonschema:"Project this one was copied or remixed from"`
}

type projectSaveOutput struct {
	ClientProjectID string `json:"client_project_id"`
	FileID          int64  `json:"file_id"`
	Created         bool   `json:"created"`
	ThumbnailURL    string `json:"thumbnail_url,omitempty"`
}

func (s *Server) saveProject(ctx context.Context, args projectSaveInput) (projectSaveOutput, string, error) {
	data, err := projectData(args.ProjectPath, args.ProjectJSON)
	if err != nil {
		return projectSaveOutput{}, "", err
	}
	var thumb []byte
	if args.ThumbnailPath != "" {
		if thumb, err = readInput(args.ThumbnailPath); err != nil {
			return projectSaveOutput{}, "", err
		}
	}

	clientID := args.ClientProjectID
	if clientID == "" {
		if lp := s.state.LoadedProject.Get(); lp.IsFromServer && lp.FileID > 0 {
			clientID = strconv.FormatInt(lp.FileID, 10)
		}
	}

	res, err := s.persister.Save(ctx, persister.SaveRequest{
		ClientProjectID: clientID,
		ProjectData:     data,
		Title:           args.Title,
		Thumbnail:       thumb,
		IsCopy:          args.IsCopy,
		IsRemix:         args.IsRemix,
		OriginalID:      args.OriginalID,
		IsAutoSave:      args.IsAutoSave,
	})
	if err != nil {
		return projectSaveOutput{}, "", err
	}

	verb := "Updated"
	if res.Created {
		verb = "Created"
	}
	return projectSaveOutput{
		ClientProjectID: res.ClientProjectID,
		FileID:          res.FileID,
		Created:         res.Created,
		ThumbnailURL:    res.ThumbnailURL,
	}, fmt.Sprintf("%s project %d", verb, res.FileID), nil
}

// projectData returns the upload payload from exactly one of path or inline JSON.
func projectData(path, inline string) ([]byte, error) {
	switch {
	case path != "" && inline != "":
		return nil, errors.New("invalid arguments: set project_path or project_json, not both")
	case path != "":
		data, err := readInput(path)
		if err != nil {
			return nil, err
		}
		if _, err := engine.DetectFormat(data); err != nil {
			return nil, fmt.Errorf("invalid project file %s: %w", path, err)
		}
		return data, nil
	case strings.TrimSpace(inline) != "":
		data := []byte(inline)
		if format, err := engine.DetectFormat(data); err != nil || format != engine.FormatJSON {
			return nil, errors.New("invalid project_json: not a JSON document")
		}
		return data, nil
	default:
		return nil, errors.New("project_path or project_json is required")
	}
}

func readInput(path string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return data, nil
}

type projectDeleteInput struct {
	ClientProjectID string `json:"client_project_id,omitempty" jsonschema:"Editor-side project id to delete"`
	FileID          int64  `json:"file_id,omitempty" jsonschema:"Server file id to delete, as shown by project_list"`
}

type projectDeleteOutput struct {
	Deleted         bool   `json:"deleted"`
	ClientProjectID string `json:"client_project_id,omitempty"`
	FileID          int64  `json:"file_id,omitempty"`
}

func (s *Server) deleteProject(ctx context.Context, args projectDeleteInput) (projectDeleteOutput, string, error) {
	switch {
	case args.FileID > 0:
		entry := catalog.Entry{FileID: args.FileID}
		if err := s.catalog.DeleteEntry(ctx, entry); err != nil {
			return projectDeleteOutput{}, "", err
		}
		return projectDeleteOutput{Deleted: true, ClientProjectID: entry.ClientProjectID(), FileID: args.FileID},
			fmt.Sprintf("Deleted project %d", args.FileID), nil
	case args.ClientProjectID != "":
		if err := s.persister.Delete(ctx, args.ClientProjectID); err != nil {
			return projectDeleteOutput{}, "", err
		}
		return projectDeleteOutput{Deleted: true, ClientProjectID: args.ClientProjectID},
			fmt.Sprintf("Deleted project %s", args.ClientProjectID), nil
	default:
		return projectDeleteOutput{}, "", errors.New("client_project_id or file_id is required")
	}
}

type projectLoadInput struct {
	FileID int64 `json:"file_id" jsonschema:"Server file id to open"`
}

type projectLoadOutput struct {
	FileID          int64  `json:"file_id"`
	ClientProjectID string `json:"client_project_id"`
	Title           string `json:"title"`
}

func (s *Server) loadProject(ctx context.Context, args projectLoadInput) (projectLoadOutput, string, error) {
	if args.FileID <= 0 {
		return projectLoadOutput{}, "", errors.New("invalid file_id: must be positive")
	}
	entry := catalog.Entry{FileID: args.FileID}
	for _, e := range s.catalog.Entries() {
		if e.FileID == args.FileID {
			entry = e
			break
		}
	}
	if err := s.catalog.LoadEntry(ctx, entry); err != nil {
		return projectLoadOutput{}, "", err
	}
	lp := s.state.LoadedProject.Get()
	return projectLoadOutput{
		FileID:          lp.FileID,
		ClientProjectID: entry.ClientProjectID(),
		Title:           lp.Title,
	}, fmt.Sprintf("Loaded project %d (%s)", lp.FileID, lp.Title), nil
}

type projectThumbnailInput struct {
	ClientProjectID string `json:"client_project_id" jsonschema:"Editor-side project id"`
	ThumbnailPath   string `json:"thumbnail_path" jsonschema:"PNG file to upload"`
}

type projectThumbnailOutput struct {
	Submitted bool `json:"submitted"`
}

func (s *Server) updateThumbnail(ctx context.Context, args projectThumbnailInput) (projectThumbnailOutput, string, error) {
	if args.ClientProjectID == "" {
		return projectThumbnailOutput{}, "", errors.New("client_project_id is required")
	}
	png, err := readInput(args.ThumbnailPath)
	if err != nil {
		return projectThumbnailOutput{}, "", err
	}
	s.persister.UpdateThumbnail(ctx, args.ClientProjectID, png)
	return projectThumbnailOutput{Submitted: true}, "Thumbnail update submitted", nil
}

// ===== SESSION TOOLS =====

type sessionStatusInput struct{}

type sessionStatusOutput struct {
	Status        string `json:"status"`
	Authenticated bool   `json:"authenticated"`
	ResolvedBy    string `json:"resolved_by,omitempty"`
	UserID        int64  `json:"user_id,omitempty"`
	Username      string `json:"username,omitempty"`
	Role          string `json:"role,omitempty"`
	Educator      bool   `json:"educator"`
	Student       bool   `json:"student"`
	ClassroomID   string `json:"classroom_id,omitempty"`
	Error         string `json:"error,omitempty"`

	LoadedFileID int64  `json:"loaded_file_id,omitempty"`
	LoadedTitle  string `json:"loaded_title,omitempty"`
}

func (s *Server) sessionStatus(ctx context.Context, _ sessionStatusInput) (sessionStatusOutput, string, error) {
	st := s.session.Bootstrap(ctx)
	out := sessionStatusOutput{
		Status:        string(st.Status),
		Authenticated: st.Authenticated(),
		ResolvedBy:    string(s.session.ResolvedBy()),
		Error:         st.Error,
	}
	if u := st.User; u != nil {
		out.UserID = u.ID
		out.Username = u.Username
		out.Role = u.Role
		out.Educator = u.Educator
		out.Student = u.Student
		out.ClassroomID = u.ClassroomID
	}
	if lp := s.state.LoadedProject.Get(); lp.IsFromServer {
		out.LoadedFileID = lp.FileID
		out.LoadedTitle = lp.Title
	}

	text := "Not signed in"
	switch {
	case st.Error != "":
		text = "Session unavailable: " + st.Error
	case out.Authenticated:
		text = "Signed in as " + out.Username
	}
	return out, text, nil
}

// ===== TOOL DISCOVERY =====

type toolSearchInput struct {
	Query    string `json:"query" jsonschema:"Search query or regular expression matched against names, descriptions and keywords"`
	Category string `json:"category,omitempty" jsonschema:"Restrict results to one category (project, session, search)"`
	Limit    int    `json:"limit,omitempty" jsonschema:"Maximum results to return (default: 5)"`
}

type toolSearchOutput struct {
	Query      string          `json:"query"`
	Results    []*SearchResult `json:"results"`
	Count      int             `json:"count"`
	TotalTools int             `json:"total_tools"`
}

func (s *Server) searchTools(_ context.Context, args toolSearchInput) (toolSearchOutput, string, error) {
	if args.Query == "" {
		return toolSearchOutput{}, "", errors.New("query is required")
	}
	limit := args.Limit
	if limit <= 0 {
		limit = 5
	}

	var results []*SearchResult
	if args.Category != "" {
		results = s.toolRegistry.SearchByCategory(args.Query, ToolCategory(args.Category))
	} else {
		results = s.toolRegistry.Search(args.Query)
	}
	if len(results) > limit {
		results = results[:limit]
	}
	if results == nil {
		results = []*SearchResult{}
	}

	names := make([]string, 0, len(results))
	for _, r := range results {
		names = append(names, r.Tool.Name)
	}
	text := "No tools found matching: " + args.Query
	if len(names) > 0 {
		text = fmt.Sprintf("Found %d tool(s) for %q: %s", len(names), args.Query, strings.Join(names, ", "))
	}
	return toolSearchOutput{
		Query:      args.Query,
		Results:    results,
		Count:      len(results),
		TotalTools: s.toolRegistry.Count(),
	}, text, nil
}

type toolListInput struct {
	Category string `json:"category,omitempty" jsonschema:"Restrict to one category"`
}

type toolListOutput struct {
	Tools []*ToolMetadata `json:"tools"`
	Count int             `json:"count"`
}

func (s *Server) listTools(_ context.Context, args toolListInput) (toolListOutput, string, error) {
	tools := s.toolRegistry.List()
	if args.Category != "" {
		tools = s.toolRegistry.ListByCategory(ToolCategory(args.Category))
	}
	return toolListOutput{Tools: tools, Count: len(tools)}, fmt.Sprintf("Found %d tools", len(tools)), nil
}
