// Package session resolves the signed-in user at startup.
//
// Resolution is a two-step state machine:
//
//	AttemptLocalDecode -> resolved | fallback
//	fallback -> AttemptRemoteFetch -> resolved
//
// Both paths end in exactly one published SessionState, FETCHED or ERROR.
// Network failures never surface as Go errors; the editor stays usable
// without a session.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fyrsmithlabs/scratchsync/internal/appstate"
	"github.com/fyrsmithlabs/scratchsync/internal/backend"
	"github.com/fyrsmithlabs/scratchsync/internal/logging"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/scratchsync/internal/session"

// Backend is the subset of the backend client the bootstrapper needs.
type Backend interface {
	Token() string
	SetToken(token string)
	Session(ctx context.Context) (*backend.SessionResponse, error)
	Logout(ctx context.Context) error
}

// Config configures a Bootstrapper.
type Config struct {
	DefaultThumbnail string
	Logger           *logging.Logger
	Tracer           trace.Tracer
	Meter            metric.Meter
	Now              func() time.Time
}

// Path names which step resolved the session.
type Path string

const (
	PathLocal  Path = "local"
	PathRemote Path = "remote"
)

// stepResult is the outcome of one bootstrap step.
type stepResult struct {
	resolved bool
	state    appstate.SessionState
	reason   error // why a step fell through
}

// Bootstrapper resolves and publishes the session.
type Bootstrapper struct {
	backend          Backend
	state            *appstate.State
	defaultThumbnail string
	logger           *logging.Logger
	tracer           trace.Tracer
	now              func() time.Time

	bootstraps metric.Int64Counter

	mu       sync.Mutex
	resolved bool
	lastPath Path
}

// NewBootstrapper creates a Bootstrapper publishing into state.
func NewBootstrapper(b Backend, state *appstate.State, cfg Config) *Bootstrapper {
	bs := &Bootstrapper{
		backend:          b,
		state:            state,
		defaultThumbnail: cfg.DefaultThumbnail,
		logger:           cfg.Logger,
		tracer:           cfg.Tracer,
		now:              cfg.Now,
	}
	if bs.defaultThumbnail == "" {
		bs.defaultThumbnail = DefaultThumbnail
	}
	if bs.logger == nil {
		bs.logger = logging.NewNop()
	}
	if bs.tracer == nil {
		bs.tracer = otel.Tracer(instrumentationName)
	}
	if bs.now == nil {
		bs.now = time.Now
	}
	meter := cfg.Meter
	if meter == nil {
		meter = otel.Meter(instrumentationName)
	}
	bs.initMetrics(meter)
	return bs
}

func (b *Bootstrapper) initMetrics(meter metric.Meter) {
	var err error
	b.bootstraps, err = meter.Int64Counter(
		"scratchsync.session.bootstraps_total",
		metric.WithDescription("Total number of session bootstraps by resolving path and outcome"),
		metric.WithUnit("{bootstrap}"),
	)
	if err != nil {
		b.logger.Warn(context.Background(), "failed to create bootstrap counter", zap.Error(err))
	}
}

// Bootstrap resolves the session once. Later calls return the published
// state without contacting the backend until Logout resets it. Concurrent
// callers wait for the first to finish.
func (b *Bootstrapper) Bootstrap(ctx context.Context) appstate.SessionState {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.resolved {
		return b.state.Session.Get()
	}

	ctx, span := b.tracer.Start(ctx, "session.Bootstrap")
	defer span.End()

	path := PathLocal
	result := b.attemptLocalDecode(ctx)
	if !result.resolved {
		b.logger.Debug(ctx, "local credential unusable, fetching session", zap.Error(result.reason))
		path = PathRemote
		result = b.attemptRemoteFetch(ctx)
	}

	b.resolved = true
	b.lastPath = path
	b.state.Session.Set(result.state)

	span.SetAttributes(
		attribute.String("session.path", string(path)),
		attribute.String("session.status", string(result.state.Status)),
	)
	if b.bootstraps != nil {
		b.bootstraps.Add(ctx, 1, metric.WithAttributes(
			attribute.String("path", string(path)),
			attribute.String("status", string(result.state.Status)),
		))
	}

	if result.state.Status == appstate.SessionError {
		b.logger.Warn(ctx, "session bootstrap failed", zap.String("error", result.state.Error))
	} else if u := result.state.User; u != nil {
		b.logger.Info(logging.WithUserID(ctx, u.Username), "session resolved", zap.String("path", string(path)))
	} else {
		b.logger.Info(ctx, "session resolved without user", zap.String("path", string(path)))
	}
	return result.state
}

// ResolvedBy reports which step resolved the current session, or "" when
// no bootstrap has completed.
func (b *Bootstrapper) ResolvedBy() Path {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.resolved {
		return ""
	}
	return b.lastPath
}

func (b *Bootstrapper) attemptLocalDecode(_ context.Context) stepResult {
	user, err := DecodeCredential(b.backend.Token(), b.now())
	if err != nil {
		return stepResult{reason: err}
	}
	return stepResult{
		resolved: true,
		state: appstate.SessionState{
			Status: appstate.SessionFetched,
			User:   NormalizeUser(user, b.defaultThumbnail),
		},
	}
}

// attemptRemoteFetch always resolves. loggedIn:false is a fetched session
// with no user, not an error.
func (b *Bootstrapper) attemptRemoteFetch(ctx context.Context) stepResult {
	resp, err := b.backend.Session(ctx)
	if err != nil {
		return stepResult{
			resolved: true,
			state: appstate.SessionState{
				Status: appstate.SessionError,
				Error:  sessionErrorMessage(err),
			},
		}
	}

	state := appstate.SessionState{Status: appstate.SessionFetched}
	if resp.LoggedIn && resp.User != nil {
		state.User = NormalizeUser(resp.User, b.defaultThumbnail)
	}
	return stepResult{resolved: true, state: state}
}

func sessionErrorMessage(err error) string {
	var se *backend.StatusError
	if errors.As(err, &se) {
		return fmt.Sprintf("session fetch failed: HTTP %d", se.StatusCode)
	}
	return "session fetch failed: " + err.Error()
}

// Logout ends the server session and clears local state regardless of the
// outcome, allowing Bootstrap to run again. The returned error only reports
// the logout call itself.
func (b *Bootstrapper) Logout(ctx context.Context) error {
	ctx, span := b.tracer.Start(ctx, "session.Logout")
	defer span.End()

	err := b.backend.Logout(ctx)
	if err != nil {
		span.RecordError(err)
		b.logger.Warn(ctx, "logout request failed, clearing session anyway", zap.Error(err))
	}

	b.mu.Lock()
	b.resolved = false
	b.lastPath = ""
	b.backend.SetToken("")
	b.state.Session.Set(appstate.SessionState{Status: appstate.SessionNotFetched})
	b.state.LoadedProject.Set(appstate.LoadedProject{})
	b.mu.Unlock()

	return err
}
