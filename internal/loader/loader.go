// Package loader decides what project to open at startup.
//
// Resolution order:
//
//  1. Register fileId/projectId from the query, if present.
//  2. A fragment carrying an http(s) URL is fetched and loaded.
//  3. A project_file query parameter is fetched and loaded.
//  4. Otherwise loading is left to the catalog.
//
// Registration always completes before any fetch starts, so a save issued
// after Load returns is routed as an update.
package loader

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/fyrsmithlabs/scratchsync/internal/appstate"
	"github.com/fyrsmithlabs/scratchsync/internal/backend"
	"github.com/fyrsmithlabs/scratchsync/internal/engine"
	"github.com/fyrsmithlabs/scratchsync/internal/logging"
	"github.com/fyrsmithlabs/scratchsync/internal/registry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/scratchsync/internal/loader"

var (
	ErrLoadFailed = errors.New("project load failed")
	ErrClosed     = errors.New("loader closed")
)

// LoadFailedError describes a failed external project load.
type LoadFailedError struct {
	URL        string
	StatusCode int // 0 when no response was received
	Cause      error
}

func (e *LoadFailedError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("load %s: HTTP %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("load %s: %v", e.URL, e.Cause)
}

func (e *LoadFailedError) Unwrap() error { return e.Cause }

func (e *LoadFailedError) Is(target error) bool { return target == ErrLoadFailed }

// Fetcher downloads a URL. *backend.Client satisfies it.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) ([]byte, error)
}

// Config configures a Loader.
type Config struct {
	Logger *logging.Logger
	Tracer trace.Tracer
	Meter  metric.Meter
}

// Result reports how startup was resolved.
type Result struct {
	Kind Kind   `json:"kind" yaml:"kind" toml:"kind"`
	URL  string `json:"url,omitempty" yaml:"url,omitempty" toml:"url,omitempty"`
	Size int    `json:"size,omitempty" yaml:"size,omitempty" toml:"size,omitempty"`

	// Registered is the mapping recorded from the query, if any.
	Registered *registry.Mapping `json:"registered,omitempty" yaml:"registered,omitempty" toml:"registered,omitempty"`
}

// Loader resolves the startup source once.
type Loader struct {
	registry *registry.Registry
	fetcher  Fetcher
	engine   engine.Engine
	state    *appstate.State
	logger   *logging.Logger
	tracer   trace.Tracer

	loads metric.Int64Counter

	once   sync.Once
	result *Result
	err    error
	closed atomic.Bool
}

// New creates a Loader.
func New(reg *registry.Registry, f Fetcher, e engine.Engine, state *appstate.State, cfg Config) *Loader {
	l := &Loader{
		registry: reg,
		fetcher:  f,
		engine:   e,
		state:    state,
		logger:   cfg.Logger,
		tracer:   cfg.Tracer,
	}
	if l.logger == nil {
		l.logger = logging.NewNop()
	}
	if l.tracer == nil {
		l.tracer = otel.Tracer(instrumentationName)
	}
	meter := cfg.Meter
	if meter == nil {
		meter = otel.Meter(instrumentationName)
	}
	var err error
	l.loads, err = meter.Int64Counter(
		"scratchsync.loader.loads_total",
		metric.WithDescription("Total number of startup loads by source and outcome"),
		metric.WithUnit("{load}"),
	)
	if err != nil {
		l.logger.Warn(context.Background(), "failed to create load counter", zap.Error(err))
	}
	return l
}

// Load resolves startup. Only the first call does any work; later calls
// return the first outcome.
func (l *Loader) Load(ctx context.Context, s Startup) (*Result, error) {
	l.once.Do(func() {
		l.result, l.err = l.load(ctx, s)
	})
	return l.result, l.err
}

// Close discards the outcome of any load still in flight. The engine is
// not called and no state is published after Close.
func (l *Loader) Close() {
	l.closed.Store(true)
}

func (l *Loader) load(ctx context.Context, s Startup) (*Result, error) {
	ctx, span := l.tracer.Start(ctx, "loader.Load")
	defer span.End()

	res := &Result{Registered: l.registerFromQuery(ctx, s)}

	target, ok := s.FragmentURL()
	res.Kind = KindFragment
	if !ok {
		target, ok = s.ProjectFileURL()
		res.Kind = KindProjectFile
	}
	if !ok {
		res.Kind = KindCatalog
		span.SetAttributes(attribute.String("load.source", string(res.Kind)))
		l.publish(appstate.ProjectLoadState{Status: appstate.LoadIdle, Source: string(res.Kind)})
		l.count(ctx, res.Kind, "deferred")
		l.logger.Debug(ctx, "no startup source, deferring to catalog")
		return res, nil
	}
	res.URL = target
	span.SetAttributes(
		attribute.String("load.source", string(res.Kind)),
		attribute.String("load.url", target),
	)

	l.publish(appstate.ProjectLoadState{Status: appstate.LoadLoading, Source: string(res.Kind)})

	size, err := l.fetchAndLoad(ctx, target)
	if l.closed.Load() {
		return nil, ErrClosed
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "load failed")
		l.publish(appstate.ProjectLoadState{Status: appstate.LoadError, Source: string(res.Kind), Error: err.Error()})
		l.count(ctx, res.Kind, "error")
		l.logger.Warn(ctx, "startup project load failed", zap.String("source", string(res.Kind)), zap.Error(err))
		return nil, err
	}

	res.Size = size
	l.publish(appstate.ProjectLoadState{Status: appstate.LoadLoaded, Source: string(res.Kind)})
	l.count(ctx, res.Kind, "loaded")
	l.logger.Info(ctx, "startup project loaded",
		zap.String("source", string(res.Kind)), zap.Int("bytes", size))
	return res, nil
}

// registerFromQuery records (projectId, fileId). A fileId whose project id
// cannot be resolved is dropped without error.
func (l *Loader) registerFromQuery(ctx context.Context, s Startup) *registry.Mapping {
	fileID, ok := s.FileID()
	if !ok {
		return nil
	}
	projectID, ok := s.ProjectID()
	if !ok {
		l.logger.Debug(ctx, "fileId without recoverable projectId, not registering",
			zap.Int64("file_id", fileID))
		return nil
	}
	if err := l.registry.Register(ctx, projectID, fileID); err != nil {
		l.logger.Error(ctx, "failed to register startup identifiers", zap.Error(err))
		return nil
	}
	return &registry.Mapping{ClientProjectID: projectID, ServerFileID: fileID}
}

func (l *Loader) fetchAndLoad(ctx context.Context, target string) (int, error) {
	data, err := l.fetcher.Fetch(ctx, target)
	if err != nil {
		lf := &LoadFailedError{URL: target, Cause: err}
		var se *backend.StatusError
		if errors.As(err, &se) {
			lf.StatusCode = se.StatusCode
		}
		return 0, lf
	}
	if len(data) == 0 {
		return 0, &LoadFailedError{URL: target, Cause: engine.ErrEmptyProject}
	}
	if l.closed.Load() {
		return 0, ErrClosed
	}
	if err := l.engine.LoadProject(ctx, data); err != nil {
		return 0, &LoadFailedError{URL: target, Cause: err}
	}
	return len(data), nil
}

func (l *Loader) publish(s appstate.ProjectLoadState) {
	if l.closed.Load() {
		return
	}
	l.state.ProjectLoad.Set(s)
}

func (l *Loader) count(ctx context.Context, kind Kind, outcome string) {
	if l.loads == nil {
		return
	}
	l.loads.Add(ctx, 1, metric.WithAttributes(
		attribute.String("source", string(kind)),
		attribute.String("outcome", outcome),
	))
}
