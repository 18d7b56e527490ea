package mcp

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/fyrsmithlabs/scratchsync/internal/persister"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const projectJSON = `{"targets":[{"isStage":true}],"meta":{"semver":"3.0.0"}}`

func TestSaveProject_CreatesThenUpdates(t *testing.T) {
	env := setupTestServer(t)
	ctx := context.Background()

	out, text, err := env.server.saveProject(ctx, projectSaveInput{
		ClientProjectID: "local-1",
		ProjectJSON:     projectJSON,
		Title:           "Maze",
	})
	require.NoError(t, err)
	assert.True(t, out.Created)
	assert.Positive(t, out.FileID)
	assert.Contains(t, text, "Created")

	again, _, err := env.server.saveProject(ctx, projectSaveInput{
		ClientProjectID: "local-1",
		ProjectJSON:     projectJSON,
		Title:           "Maze 2",
	})
	require.NoError(t, err)
	assert.False(t, again.Created)
	assert.Equal(t, out.FileID, again.FileID)
	assert.Equal(t, 1, env.backend.Store().Count())
}

func TestSaveProject_FromFile(t *testing.T) {
	env := setupTestServer(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "project.json")
	require.NoError(t, os.WriteFile(path, []byte(projectJSON), 0o600))

	out, _, err := env.server.saveProject(context.Background(), projectSaveInput{ProjectPath: path})
	require.NoError(t, err)
	assert.True(t, out.Created)
	assert.NotEmpty(t, out.ClientProjectID)
}

func TestSaveProject_Validation(t *testing.T) {
	env := setupTestServer(t)

	tests := []struct {
		name    string
		in      projectSaveInput
		wantErr string
	}{
		{"no data", projectSaveInput{}, "project_path or project_json is required"},
		{"both sources", projectSaveInput{ProjectPath: "a.sb3", ProjectJSON: "{}"}, "not both"},
		{"not json", projectSaveInput{ProjectJSON: "hello"}, "invalid project_json"},
		{"missing file", projectSaveInput{ProjectPath: filepath.Join(t.TempDir(), "none.sb3")}, "failed to read"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := env.server.saveProject(context.Background(), tt.in)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
	assert.Zero(t, env.backend.Store().Count())
}

func TestListProjects(t *testing.T) {
	env := setupTestServer(t)
	ctx := context.Background()

	saved, _, err := env.server.saveProject(ctx, projectSaveInput{ClientProjectID: "a", ProjectJSON: projectJSON, Title: "Pong"})
	require.NoError(t, err)

	out, text, err := env.server.listProjects(ctx, projectListInput{})
	require.NoError(t, err)
	require.Equal(t, 1, out.Count)
	assert.Equal(t, "Found 1 project(s)", text)

	entry := out.Projects[0]
	assert.Equal(t, saved.FileID, entry.FileID)
	assert.Equal(t, "Pong", entry.Title)
	assert.Equal(t, int64(len(projectJSON)), entry.Size)
	assert.Equal(t, "56 B", entry.SizeHuman)
}

func TestDeleteProject(t *testing.T) {
	env := setupTestServer(t)
	ctx := context.Background()

	t.Run("by client id", func(t *testing.T) {
		_, _, err := env.server.saveProject(ctx, projectSaveInput{ClientProjectID: "del-1", ProjectJSON: projectJSON})
		require.NoError(t, err)

		out, _, err := env.server.deleteProject(ctx, projectDeleteInput{ClientProjectID: "del-1"})
		require.NoError(t, err)
		assert.True(t, out.Deleted)
		_, ok := env.registry.Lookup("del-1")
		assert.False(t, ok)
	})

	t.Run("by file id", func(t *testing.T) {
		saved, _, err := env.server.saveProject(ctx, projectSaveInput{ClientProjectID: "del-2", ProjectJSON: projectJSON})
		require.NoError(t, err)

		out, _, err := env.server.deleteProject(ctx, projectDeleteInput{FileID: saved.FileID})
		require.NoError(t, err)
		assert.Equal(t, saved.FileID, out.FileID)
		assert.Zero(t, env.backend.Store().Count())
	})

	t.Run("unknown client id", func(t *testing.T) {
		_, _, err := env.server.deleteProject(ctx, projectDeleteInput{ClientProjectID: "missing"})
		assert.ErrorIs(t, err, persister.ErrNotFound)
	})

	t.Run("no identifier", func(t *testing.T) {
		_, _, err := env.server.deleteProject(ctx, projectDeleteInput{})
		assert.Error(t, err)
	})
}

func TestLoadProject_LaterSaveOverwrites(t *testing.T) {
	env := setupTestServer(t)
	ctx := context.Background()

	saved, _, err := env.server.saveProject(ctx, projectSaveInput{ClientProjectID: "local-9", ProjectJSON: projectJSON, Title: "Orbit"})
	require.NoError(t, err)
	_, _, err = env.server.listProjects(ctx, projectListInput{})
	require.NoError(t, err)

	out, _, err := env.server.loadProject(ctx, projectLoadInput{FileID: saved.FileID})
	require.NoError(t, err)
	assert.Equal(t, saved.FileID, out.FileID)
	assert.Equal(t, "Orbit", out.Title)

	data, err := env.engine.SerializeProject(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, projectJSON, string(data))

	again, _, err := env.server.saveProject(ctx, projectSaveInput{ProjectJSON: projectJSON, Title: "Orbit"})
	require.NoError(t, err)
	assert.False(t, again.Created)
	assert.Equal(t, saved.FileID, again.FileID)
}

func TestLoadProject_InvalidFileID(t *testing.T) {
	env := setupTestServer(t)
	_, _, err := env.server.loadProject(context.Background(), projectLoadInput{})
	assert.Error(t, err)
}

func TestUpdateThumbnail(t *testing.T) {
	env := setupTestServer(t)
	ctx := context.Background()
	saved, _, err := env.server.saveProject(ctx, projectSaveInput{ClientProjectID: "thumb", ProjectJSON: projectJSON})
	require.NoError(t, err)

	png := filepath.Join(t.TempDir(), "thumb.png")
	require.NoError(t, os.WriteFile(png, []byte("\x89PNG\r\n\x1a\nfake"), 0o600))

	out, _, err := env.server.updateThumbnail(ctx, projectThumbnailInput{ClientProjectID: "thumb", ThumbnailPath: png})
	require.NoError(t, err)
	assert.True(t, out.Submitted)

	stored, ok := env.backend.Store().Thumbnail(saved.FileID)
	require.True(t, ok)
	assert.Equal(t, []byte("\x89PNG\r\n\x1a\nfake"), stored)
}

func TestSessionStatus(t *testing.T) {
	env := setupTestServer(t)

	out, text, err := env.server.sessionStatus(context.Background(), sessionStatusInput{})
	require.NoError(t, err)
	assert.Equal(t, "FETCHED", out.Status)
	assert.True(t, out.Authenticated)
	assert.Equal(t, "alice", out.Username)
	assert.Equal(t, int64(7), out.UserID)
	assert.True(t, out.Student)
	assert.False(t, out.Educator)
	assert.Equal(t, "local", out.ResolvedBy)
	assert.Equal(t, "Signed in as alice", text)
}

func TestSearchTools(t *testing.T) {
	env := setupTestServer(t)

	out, _, err := env.server.searchTools(context.Background(), toolSearchInput{Query: "whoami"})
	require.NoError(t, err)
	require.Equal(t, 1, out.Count)
	assert.Equal(t, "session_status", out.Results[0].Tool.Name)

	out, _, err = env.server.searchTools(context.Background(), toolSearchInput{Query: "project_.*", Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 2, out.Count)
	assert.Equal(t, 8, out.TotalTools)

	_, _, err = env.server.searchTools(context.Background(), toolSearchInput{})
	assert.Error(t, err)
}

func TestListTools_ByCategory(t *testing.T) {
	env := setupTestServer(t)

	out, _, err := env.server.listTools(context.Background(), toolListInput{Category: string(CategorySession)})
	require.NoError(t, err)
	require.Equal(t, 1, out.Count)
	assert.Equal(t, "session_status", out.Tools[0].Name)
}
