package main

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/fyrsmithlabs/scratchsync/internal/backend"
	"github.com/fyrsmithlabs/scratchsync/internal/devserver"
	"github.com/fyrsmithlabs/scratchsync/internal/events"
	"github.com/fyrsmithlabs/scratchsync/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func withEvents(t *testing.T) func(*devserver.Config) {
	t.Helper()
	srv, err := events.StartEmbedded("127.0.0.1", -1)
	require.NoError(t, err)
	t.Cleanup(srv.Shutdown)

	nc, err := events.Connect(srv.ClientURL(), "cli-test", nil)
	require.NoError(t, err)
	t.Cleanup(nc.Close)

	bus, err := events.NewBus(nc, events.Config{})
	require.NoError(t, err)
	return func(cfg *devserver.Config) { cfg.Events = bus }
}

func TestCLI_EventsPrintsChanges(t *testing.T) {
	env := setupCLI(t, withEvents(t))

	client, err := backend.New(backend.Config{BaseURL: env.url, RateLimit: 100, RateBurst: 100})
	require.NoError(t, err)
	client.SetToken(env.token)
	saved, err := client.CreateProject(context.Background(), &backend.SaveBody{
		ProjectData: json.RawMessage(projectJSON),
		Title:       "Maze",
		IsNew:       true,
	})
	require.NoError(t, err)

	// Keep updating until the command has subscribed and seen one change.
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(50 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				_, _ = client.UpdateProject(context.Background(), int64(saved.FileID), &backend.SaveBody{
					ProjectData: json.RawMessage(projectJSON),
					Title:       "Maze",
				})
			}
		}
	}()

	out, err := env.run(t, "events", "--count", "1", "-o", "json")
	close(done)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 1)
	var ev backend.ProjectEvent
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &ev))
	assert.Equal(t, backend.EventSaved, ev.Type)
	assert.Equal(t, saved.FileID, ev.FileID)
	assert.Equal(t, "Maze", ev.Title)
	assert.False(t, ev.Created)
}

func TestCLI_EventsDisabledBackend(t *testing.T) {
	env := setupCLI(t)

	_, err := env.run(t, "events", "--count", "1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "event stream failed")
}

func TestPrintEvent_Table(t *testing.T) {
	prev := outputFormat
	outputFormat = "table"
	defer func() { outputFormat = prev }()

	var b strings.Builder
	require.NoError(t, printEvent(&b, backend.ProjectEvent{
		Type:    backend.EventSaved,
		FileID:  12,
		Title:   "Pong",
		Created: true,
		At:      time.Now(),
	}))
	assert.Contains(t, b.String(), "saved")
	assert.Contains(t, b.String(), "12")
	assert.Contains(t, b.String(), "Pong (new)")

	b.Reset()
	require.NoError(t, printEvent(&b, backend.ProjectEvent{Type: backend.EventDeleted, FileID: 4, At: time.Now()}))
	assert.Contains(t, b.String(), "deleted")
	assert.True(t, strings.HasSuffix(strings.TrimSpace(b.String()), "-"))
}

func TestFollowEvents_ClosesWithoutFeed(t *testing.T) {
	env := setupCLI(t)
	client, err := backend.New(backend.Config{BaseURL: env.url, RateLimit: 100, RateBurst: 100})
	require.NoError(t, err)
	client.SetToken(env.token)

	ch := followEvents(context.Background(), client, logging.NewNop())
	select {
	case _, ok := <-ch:
		assert.False(t, ok, "channel closes when the backend has no feed")
	case <-time.After(5 * time.Second):
		t.Fatal("event channel never closed")
	}
}
