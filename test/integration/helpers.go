// Package integration runs the client components against the reference
// backend over real HTTP.
package integration

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/fyrsmithlabs/scratchsync/internal/appstate"
	"github.com/fyrsmithlabs/scratchsync/internal/backend"
	"github.com/fyrsmithlabs/scratchsync/internal/catalog"
	"github.com/fyrsmithlabs/scratchsync/internal/devserver"
	"github.com/fyrsmithlabs/scratchsync/internal/engine"
	"github.com/fyrsmithlabs/scratchsync/internal/loader"
	"github.com/fyrsmithlabs/scratchsync/internal/logging"
	"github.com/fyrsmithlabs/scratchsync/internal/persister"
	"github.com/fyrsmithlabs/scratchsync/internal/registry"
	"github.com/fyrsmithlabs/scratchsync/internal/session"
	"github.com/fyrsmithlabs/scratchsync/internal/telemetry"
	"github.com/stretchr/testify/require"
)

var signingKey = []byte("integration-signing-key-0123456789")

// stack is one client wired to one backend.
type stack struct {
	t         *testing.T
	server    *devserver.Server
	http      *httptest.Server
	client    *backend.Client
	registry  *registry.Registry
	state     *appstate.State
	engine    *engine.Memory
	persister *persister.Persister
	catalog   *catalog.Client
	session   *session.Bootstrapper
	logs      *logging.TestLogger
	telemetry *telemetry.TestTelemetry
}

type stackOption func(*stackConfig)

type stackConfig struct {
	quota int64
	store registry.Store
}

func withQuota(bytes int64) stackOption {
	return func(c *stackConfig) { c.quota = bytes }
}

func withStore(s registry.Store) stackOption {
	return func(c *stackConfig) { c.store = s }
}

func newStack(t *testing.T, opts ...stackOption) *stack {
	t.Helper()
	cfg := stackConfig{quota: 1 << 20}
	for _, opt := range opts {
		opt(&cfg)
	}

	srv, err := devserver.NewServer(logging.NewNop(), &devserver.Config{
		QuotaBytes: cfg.quota,
		SigningKey: signingKey,
	})
	require.NoError(t, err)
	hs := httptest.NewServer(srv)
	t.Cleanup(hs.Close)

	return newClientStack(t, srv, hs, cfg.store)
}

// newClientStack wires a fresh client to an existing backend, as a second
// editor tab or a restarted process would be.
func newClientStack(t *testing.T, srv *devserver.Server, hs *httptest.Server, store registry.Store) *stack {
	t.Helper()
	logs := logging.NewTestLogger()
	tel := telemetry.NewTestTelemetry()

	client, err := backend.New(backend.Config{
		BaseURL:   hs.URL,
		Timeout:   5 * time.Second,
		RateLimit: 1000,
		RateBurst: 100,
		Logger:    logs.Logger,
		Tracer:    tel.Tracer("integration"),
	})
	require.NoError(t, err)

	reg, err := registry.New(context.Background(), store, logs.Logger)
	require.NoError(t, err)

	state := appstate.New()
	eng := engine.NewMemory()
	p := persister.New(reg, client, persister.Config{
		Logger: logs.Logger,
		Tracer: tel.Tracer("integration"),
		Meter:  tel.Meter("integration"),
	})
	cat := catalog.New(client, p, reg, eng, state, catalog.Config{
		Logger: logs.Logger,
		Tracer: tel.Tracer("integration"),
		Meter:  tel.Meter("integration"),
	})
	t.Cleanup(cat.Close)

	return &stack{
		t:         t,
		server:    srv,
		http:      hs,
		client:    client,
		registry:  reg,
		state:     state,
		engine:    eng,
		persister: p,
		catalog:   cat,
		session: session.NewBootstrapper(client, state, session.Config{
			Logger: logs.Logger,
			Tracer: tel.Tracer("integration"),
			Meter:  tel.Meter("integration"),
		}),
		logs:      logs,
		telemetry: tel,
	}
}

// signIn sets a valid session cookie for username.
func (s *stack) signIn(username string) {
	s.t.Helper()
	tok, err := s.server.IssueToken(backend.SessionUser{UserID: username, ID: 11, Role: "student"}, time.Hour)
	require.NoError(s.t, err)
	s.client.SetToken(tok)
}

// newLoader creates a startup loader writing into the stack's engine.
func (s *stack) newLoader() *loader.Loader {
	return loader.New(s.registry, s.client, s.engine, s.state, loader.Config{Logger: s.logs.Logger})
}

func (s *stack) save(clientID, data, title string) *persister.SaveResult {
	s.t.Helper()
	res, err := s.persister.Save(context.Background(), persister.SaveRequest{
		ClientProjectID: clientID,
		ProjectData:     []byte(data),
		Title:           title,
	})
	require.NoError(s.t, err)
	return res
}
