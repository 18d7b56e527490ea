package integration

import (
	"context"
	"testing"

	"github.com/fyrsmithlabs/scratchsync/internal/catalog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCatalog_ListLoadDelete(t *testing.T) {
	s := newStack(t)
	s.signIn("ada")
	ctx := context.Background()

	first := s.save("a", projectJSON, "First")
	second := s.save("b", projectJSON, "Second")

	entries, err := s.catalog.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, second.FileID, entries[0].FileID, "newest first")
	assert.Equal(t, "First", entries[1].Title)
	assert.Equal(t, int64(len(projectJSON)), entries[0].Size)

	require.NoError(t, s.catalog.LoadEntry(ctx, entries[1]))
	lp := s.state.LoadedProject.Get()
	assert.Equal(t, first.FileID, lp.FileID)
	assert.Equal(t, "First", lp.Title)
	assert.True(t, lp.IsFromServer)
	assert.False(t, lp.LoadedAt.IsZero())

	// The catalog maps the file id to itself, so a save under that id updates.
	updated := s.save(entries[1].ClientProjectID(), projectJSON, "First edited")
	assert.False(t, updated.Created)
	assert.Equal(t, first.FileID, updated.FileID)

	require.NoError(t, s.catalog.DeleteEntry(ctx, entries[0]))
	remaining := s.catalog.Entries()
	require.Len(t, remaining, 1)
	assert.Equal(t, first.FileID, remaining[0].FileID)
	assert.Equal(t, 1, s.server.Store().Count())
}

func TestCatalog_UsersSeeOnlyTheirProjects(t *testing.T) {
	s := newStack(t)
	s.signIn("ada")
	s.save("a", projectJSON, "Ada's")

	other := newClientStack(t, s.server, s.http, nil)
	other.signIn("grace")

	entries, err := other.catalog.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestCatalog_ListUnauthenticated(t *testing.T) {
	s := newStack(t)

	_, err := s.catalog.List(context.Background())
	require.ErrorIs(t, err, catalog.ErrListFailed)

	var lfe *catalog.ListFailedError
	require.ErrorAs(t, err, &lfe)
	assert.Equal(t, 401, lfe.StatusCode)
}

func TestCatalog_LoadMissingProject(t *testing.T) {
	s := newStack(t)
	s.signIn("ada")

	err := s.catalog.LoadEntry(context.Background(), catalog.Entry{FileID: 77})
	assert.ErrorIs(t, err, catalog.ErrLoadFailed)
}
