// Package catalog is the "my projects" view: it lists the signed-in user's
// saved projects, deletes them, and opens them in the engine.
//
// Refreshes are last-started-wins. Each List takes a generation number and
// a response older than the newest applied one is dropped. After Close no
// response touches the view or the shared state.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/fyrsmithlabs/scratchsync/internal/appstate"
	"github.com/fyrsmithlabs/scratchsync/internal/backend"
	"github.com/fyrsmithlabs/scratchsync/internal/engine"
	"github.com/fyrsmithlabs/scratchsync/internal/logging"
	"github.com/fyrsmithlabs/scratchsync/internal/persister"
	"github.com/fyrsmithlabs/scratchsync/internal/registry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/scratchsync/internal/catalog"

var (
	ErrListFailed = errors.New("project list failed")
	ErrLoadFailed = errors.New("project load failed")
	ErrClosed     = errors.New("catalog closed")

	// ErrDeleteFailed is returned when the backend rejects a delete.
	ErrDeleteFailed = persister.ErrDeleteFailed
)

// ListFailedError carries the server's status and message.
type ListFailedError struct {
	StatusCode int
	Message    string
	Cause      error
}

func (e *ListFailedError) Error() string {
	switch {
	case e.StatusCode != 0:
		return fmt.Sprintf("list failed: HTTP %d", e.StatusCode)
	case e.Message != "":
		return "list failed: " + e.Message
	case e.Cause != nil:
		return "list failed: " + e.Cause.Error()
	default:
		return ErrListFailed.Error()
	}
}

func (e *ListFailedError) Unwrap() error { return e.Cause }

func (e *ListFailedError) Is(target error) bool { return target == ErrListFailed }

// Backend is the subset of the backend client the catalog calls.
type Backend interface {
	ListProjects(ctx context.Context) (*backend.ListResponse, error)
	ProjectURL(ctx context.Context, fileID int64) (*backend.ProjectURLResponse, error)
	Fetch(ctx context.Context, rawURL string) ([]byte, error)
}

// Deleter deletes a project by client id. *persister.Persister satisfies it.
type Deleter interface {
	Delete(ctx context.Context, clientProjectID string) error
}

// Entry is one saved project.
type Entry struct {
	FileID       int64     `json:"fileId" yaml:"fileId" toml:"fileId"`
	Title        string    `json:"title" yaml:"title" toml:"title"`
	Size         int64     `json:"size" yaml:"size" toml:"size"`
	CreatedAt    time.Time `json:"createdAt" yaml:"createdAt" toml:"createdAt"`
	ThumbnailURL string    `json:"thumbnailUrl,omitempty" yaml:"thumbnailUrl,omitempty" toml:"thumbnailUrl,omitempty"`
}

// ClientProjectID is the client id the catalog uses for an entry: the
// decimal file id.
func (e Entry) ClientProjectID() string {
	return strconv.FormatInt(e.FileID, 10)
}

func entryFromSummary(s backend.ProjectSummary) Entry {
	e := Entry{
		FileID:    int64(s.FileID),
		Title:     s.Title,
		Size:      s.Size,
		CreatedAt: s.CreatedAt,
	}
	if s.ThumbnailURL != nil {
		e.ThumbnailURL = *s.ThumbnailURL
	}
	return e
}

// Config configures a Client.
type Config struct {
	Logger *logging.Logger
	Tracer trace.Tracer
	Meter  metric.Meter
	Now    func() time.Time
}

// Client holds one view's project list.
type Client struct {
	backend  Backend
	deleter  Deleter
	registry *registry.Registry
	engine   engine.Engine
	state    *appstate.State
	logger   *logging.Logger
	tracer   trace.Tracer
	now      func() time.Time

	refreshes metric.Int64Counter

	mu      sync.Mutex
	entries []Entry
	started uint64 // generation of the newest List call
	applied uint64 // generation of the list currently shown
	closed  bool
}

// New creates a Client.
func New(b Backend, d Deleter, reg *registry.Registry, e engine.Engine, state *appstate.State, cfg Config) *Client {
	c := &Client{
		backend:  b,
		deleter:  d,
		registry: reg,
		engine:   e,
		state:    state,
		logger:   cfg.Logger,
		tracer:   cfg.Tracer,
		now:      cfg.Now,
	}
	if c.logger == nil {
		c.logger = logging.NewNop()
	}
	if c.tracer == nil {
		c.tracer = otel.Tracer(instrumentationName)
	}
	if c.now == nil {
		c.now = time.Now
	}
	meter := cfg.Meter
	if meter == nil {
		meter = otel.Meter(instrumentationName)
	}
	var err error
	c.refreshes, err = meter.Int64Counter(
		"scratchsync.catalog.refreshes_total",
		metric.WithDescription("Total number of catalog refreshes by outcome"),
		metric.WithUnit("{refresh}"),
	)
	if err != nil {
		c.logger.Warn(context.Background(), "failed to create refresh counter", zap.Error(err))
	}
	return c
}

// List fetches the project list. A response or failure overtaken by a newer
// refresh is dropped and the current list is returned instead.
func (c *Client) List(ctx context.Context) ([]Entry, error) {
	ctx, span := c.tracer.Start(ctx, "catalog.List")
	defer span.End()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.started++
	gen := c.started
	c.mu.Unlock()
	span.SetAttributes(attribute.Int64("catalog.generation", int64(gen)))

	resp, err := c.backend.ListProjects(ctx)
	if err == nil && !resp.Success {
		msg := resp.Message
		if msg == "" {
			msg = "server reported failure"
		}
		err = &ListFailedError{Message: msg}
	}
	if err != nil {
		c.mu.Lock()
		closed, stale, current := c.closed, gen < c.applied, cloneEntries(c.entries)
		c.mu.Unlock()
		if closed {
			return nil, ErrClosed
		}
		if stale {
			span.SetAttributes(attribute.Bool("catalog.stale", true))
			c.count(ctx, "stale")
			c.logger.Debug(ctx, "discarding stale project list failure", zap.Uint64("generation", gen), zap.Error(err))
			return current, nil
		}
		err = translateListError(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "list failed")
		c.count(ctx, "failed")
		c.logger.Warn(ctx, "project list failed", zap.Error(err))
		return nil, err
	}

	entries := make([]Entry, 0, len(resp.Projects))
	for _, p := range resp.Projects {
		entries = append(entries, entryFromSummary(p))
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	if gen < c.applied {
		span.SetAttributes(attribute.Bool("catalog.stale", true))
		c.count(ctx, "stale")
		c.logger.Debug(ctx, "discarding stale project list", zap.Uint64("generation", gen))
		return cloneEntries(c.entries), nil
	}
	c.entries = entries
	c.applied = gen
	c.count(ctx, "applied")
	c.logger.Debug(ctx, "project list refreshed", zap.Int("count", len(entries)))
	return cloneEntries(entries), nil
}

func translateListError(err error) error {
	var lf *ListFailedError
	if errors.As(err, &lf) {
		return err
	}
	var se *backend.StatusError
	if errors.As(err, &se) {
		return &ListFailedError{StatusCode: se.StatusCode, Message: se.Message, Cause: err}
	}
	return &ListFailedError{Cause: err}
}

// Entries returns the list currently shown.
func (c *Client) Entries() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return cloneEntries(c.entries)
}

// DeleteEntry deletes entry's project and drops it from the shown list
// without refetching.
func (c *Client) DeleteEntry(ctx context.Context, entry Entry) error {
	ctx, span := c.tracer.Start(ctx, "catalog.DeleteEntry")
	defer span.End()
	span.SetAttributes(attribute.Int64("catalog.file_id", entry.FileID))

	clientID := entry.ClientProjectID()
	if id, ok := c.registry.Lookup(clientID); !ok || id != entry.FileID {
		if err := c.registry.Register(ctx, clientID, entry.FileID); err != nil {
			return err
		}
	}

	if err := c.deleter.Delete(ctx, clientID); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "delete failed")
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	for i, e := range c.entries {
		if e.FileID == entry.FileID {
			c.entries = append(c.entries[:i:i], c.entries[i+1:]...)
			break
		}
	}
	return nil
}

// LoadEntry opens entry in the engine and records it as the loaded
// project, so the next save overwrites it.
func (c *Client) LoadEntry(ctx context.Context, entry Entry) error {
	ctx, span := c.tracer.Start(ctx, "catalog.LoadEntry")
	defer span.End()
	span.SetAttributes(attribute.Int64("catalog.file_id", entry.FileID))

	c.publishLoad(appstate.ProjectLoadState{Status: appstate.LoadLoading, Source: "catalog"})

	title, err := c.loadEntry(ctx, entry)
	if err != nil {
		err = fmt.Errorf("%w: file %d: %w", ErrLoadFailed, entry.FileID, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "load failed")
		c.publishLoad(appstate.ProjectLoadState{Status: appstate.LoadError, Source: "catalog", Error: err.Error()})
		c.logger.Warn(ctx, "catalog load failed", zap.Error(err))
		return err
	}

	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}

	clientID := entry.ClientProjectID()
	if err := c.registry.Register(ctx, clientID, entry.FileID); err != nil {
		c.logger.Error(ctx, "failed to register loaded project", zap.Error(err))
	}
	c.state.LoadedProject.Set(appstate.LoadedProject{
		FileID:       entry.FileID,
		Title:        title,
		LoadedAt:     c.now().UTC(),
		IsFromServer: true,
	})
	c.publishLoad(appstate.ProjectLoadState{Status: appstate.LoadLoaded, Source: "catalog"})
	c.logger.Info(logging.WithClientProjectID(ctx, clientID), "project loaded from catalog",
		zap.Int64("file_id", entry.FileID))
	return nil
}

func (c *Client) loadEntry(ctx context.Context, entry Entry) (string, error) {
	resp, err := c.backend.ProjectURL(ctx, entry.FileID)
	if err != nil {
		return "", err
	}
	if !resp.Success || resp.URL == "" {
		msg := resp.Message
		if msg == "" {
			msg = "no download URL"
		}
		return "", errors.New(msg)
	}
	data, err := c.backend.Fetch(ctx, resp.URL)
	if err != nil {
		return "", err
	}
	if len(data) == 0 {
		return "", engine.ErrEmptyProject
	}

	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return "", ErrClosed
	}
	if err := c.engine.LoadProject(ctx, data); err != nil {
		return "", err
	}

	title := entry.Title
	if title == "" {
		title = resp.Title
	}
	return title, nil
}

func (c *Client) publishLoad(s appstate.ProjectLoadState) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if !closed {
		c.state.ProjectLoad.Set(s)
	}
}

// Close detaches the view. Responses still in flight are discarded.
func (c *Client) Close() {
	c.mu.Lock()
	c.closed = true
	c.entries = nil
	c.mu.Unlock()
}

func (c *Client) count(ctx context.Context, outcome string) {
	if c.refreshes == nil {
		return
	}
	c.refreshes.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func cloneEntries(in []Entry) []Entry {
	if in == nil {
		return []Entry{}
	}
	out := make([]Entry, len(in))
	copy(out, in)
	return out
}
