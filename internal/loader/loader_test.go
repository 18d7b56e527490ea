package loader

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/fyrsmithlabs/scratchsync/internal/appstate"
	"github.com/fyrsmithlabs/scratchsync/internal/backend"
	"github.com/fyrsmithlabs/scratchsync/internal/engine"
	"github.com/fyrsmithlabs/scratchsync/internal/logging"
	"github.com/fyrsmithlabs/scratchsync/internal/registry"
	"github.com/fyrsmithlabs/scratchsync/internal/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

const sb3 = "PK\x03\x04project"

type fakeFetcher struct {
	mu    sync.Mutex
	data  map[string][]byte
	err   error
	calls []string

	// onFetch runs before the response is returned.
	onFetch func()
}

func (f *fakeFetcher) Fetch(_ context.Context, rawURL string) ([]byte, error) {
	f.mu.Lock()
	f.calls = append(f.calls, rawURL)
	hook := f.onFetch
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.data[rawURL], nil
}

type recordingEngine struct {
	*engine.Memory
	loads int
}

func (e *recordingEngine) LoadProject(ctx context.Context, data []byte) error {
	e.loads++
	return e.Memory.LoadProject(ctx, data)
}

type fixture struct {
	reg     *registry.Registry
	fetcher *fakeFetcher
	engine  *recordingEngine
	state   *appstate.State
	loader  *Loader
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	f := &fixture{
		reg:     registry.NewMemory(),
		fetcher: &fakeFetcher{data: map[string][]byte{}},
		engine:  &recordingEngine{Memory: engine.NewMemory()},
		state:   appstate.New(),
	}
	f.loader = New(f.reg, f.fetcher, f.engine, f.state, cfg)
	return f
}

func mustStartup(t *testing.T, raw string) Startup {
	t.Helper()
	s, err := ParseStartupURL(raw)
	require.NoError(t, err)
	return s
}

func TestStartup_Accessors(t *testing.T) {
	s := mustStartup(t, "https://app.example/editor?fileId=42&projectId=abc#https://cdn.example/x/scratch_777.sb3")

	u, ok := s.FragmentURL()
	require.True(t, ok)
	assert.Equal(t, "https://cdn.example/x/scratch_777.sb3", u)

	id, ok := s.FileID()
	require.True(t, ok)
	assert.Equal(t, int64(42), id)

	pid, ok := s.ProjectID()
	require.True(t, ok)
	assert.Equal(t, "abc", pid)

	_, ok = mustStartup(t, "https://app.example/editor#editor").FragmentURL()
	assert.False(t, ok)

	for _, raw := range []string{"?fileId=abc", "?fileId=-3", "?fileId=0", "?fileId="} {
		_, ok := mustStartup(t, raw).FileID()
		assert.False(t, ok, raw)
	}
}

func TestLoad_RegistersQueryIdentifiers(t *testing.T) {
	f := newFixture(t, Config{})

	res, err := f.loader.Load(context.Background(), mustStartup(t, "https://app.example/?fileId=42&projectId=abc"))
	require.NoError(t, err)

	got, ok := f.reg.Lookup("abc")
	require.True(t, ok)
	assert.Equal(t, int64(42), got)
	require.NotNil(t, res.Registered)
	assert.Equal(t, "abc", res.Registered.ClientProjectID)
	assert.Equal(t, KindCatalog, res.Kind)
	assert.Empty(t, f.fetcher.calls)
}

func TestLoad_RecoversProjectIDFromFragment(t *testing.T) {
	f := newFixture(t, Config{})
	frag := "https://cdn/x/scratch_777.sb3"
	f.fetcher.data[frag] = []byte(sb3)

	var registeredBeforeFetch bool
	f.fetcher.onFetch = func() {
		_, registeredBeforeFetch = f.reg.Lookup("777")
	}

	res, err := f.loader.Load(context.Background(), mustStartup(t, "https://app.example/?fileId=42#"+frag))
	require.NoError(t, err)

	got, ok := f.reg.Lookup("777")
	require.True(t, ok)
	assert.Equal(t, int64(42), got)
	assert.True(t, registeredBeforeFetch)
	assert.Equal(t, KindFragment, res.Kind)
	assert.Equal(t, len(sb3), res.Size)
}

func TestLoad_UnrecoverableFileIDIsDropped(t *testing.T) {
	tl := logging.NewTestLogger()
	f := newFixture(t, Config{Logger: tl.Logger})

	res, err := f.loader.Load(context.Background(), mustStartup(t, "https://app.example/?fileId=42#notes"))
	require.NoError(t, err)

	assert.Nil(t, res.Registered)
	assert.Empty(t, f.reg.List())
	tl.AssertNotLogged(t, zapcore.ErrorLevel, "")
}

func TestLoad_KnownProjectIDFallback(t *testing.T) {
	f := newFixture(t, Config{})
	s := mustStartup(t, "https://app.example/?fileId=9")
	s.KnownProjectID = "known"

	_, err := f.loader.Load(context.Background(), s)
	require.NoError(t, err)

	got, ok := f.reg.Lookup("known")
	require.True(t, ok)
	assert.Equal(t, int64(9), got)
}

func TestLoad_FragmentHandsBytesToEngine(t *testing.T) {
	f := newFixture(t, Config{})
	f.fetcher.data["https://cdn/p.sb3"] = []byte(sb3)

	_, err := f.loader.Load(context.Background(), mustStartup(t, "https://app.example/#https://cdn/p.sb3"))
	require.NoError(t, err)

	data, err := f.engine.SerializeProject(context.Background())
	require.NoError(t, err)
	assert.Equal(t, sb3, string(data))
	assert.Equal(t, appstate.ProjectLoadState{Status: appstate.LoadLoaded, Source: "fragment"}, f.state.ProjectLoad.Get())
}

func TestLoad_FragmentTakesPriorityOverProjectFile(t *testing.T) {
	f := newFixture(t, Config{})
	f.fetcher.data["https://cdn/a.sb3"] = []byte(sb3)
	f.fetcher.data["https://cdn/b.sb3"] = []byte(sb3)

	res, err := f.loader.Load(context.Background(),
		mustStartup(t, "https://app.example/?project_file=https://cdn/b.sb3#https://cdn/a.sb3"))
	require.NoError(t, err)
	assert.Equal(t, KindFragment, res.Kind)
	assert.Equal(t, []string{"https://cdn/a.sb3"}, f.fetcher.calls)
}

func TestLoad_ProjectFile(t *testing.T) {
	f := newFixture(t, Config{})
	f.fetcher.data["https://cdn/b.sb3"] = []byte(sb3)

	res, err := f.loader.Load(context.Background(), mustStartup(t, "https://app.example/?project_file=https://cdn/b.sb3"))
	require.NoError(t, err)
	assert.Equal(t, KindProjectFile, res.Kind)
	assert.Equal(t, "https://cdn/b.sb3", res.URL)
}

func TestLoad_Failures(t *testing.T) {
	tests := []struct {
		name       string
		data       []byte
		err        error
		wantStatus int
		wantCause  error
	}{
		{name: "non-2xx", err: &backend.StatusError{Method: "GET", Path: "/p.sb3", StatusCode: 404}, wantStatus: 404},
		{name: "network", err: errors.New("connection refused")},
		{name: "empty body", data: []byte{}, wantCause: engine.ErrEmptyProject},
		{name: "engine rejects", data: []byte("\x00\x01"), wantCause: engine.ErrUnsupportedFormat},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, Config{})
			f.fetcher.err = tt.err
			f.fetcher.data["https://cdn/p.sb3"] = tt.data

			_, err := f.loader.Load(context.Background(), mustStartup(t, "https://app.example/#https://cdn/p.sb3"))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrLoadFailed))

			var lf *LoadFailedError
			require.True(t, errors.As(err, &lf))
			assert.Equal(t, "https://cdn/p.sb3", lf.URL)
			assert.Equal(t, tt.wantStatus, lf.StatusCode)
			if tt.wantCause != nil {
				assert.True(t, errors.Is(err, tt.wantCause))
			}

			st := f.state.ProjectLoad.Get()
			assert.Equal(t, appstate.LoadError, st.Status)
			assert.NotEmpty(t, st.Error)
			assert.Len(t, f.fetcher.calls, 1, "no retry")
		})
	}
}

func TestLoad_NoSourceDefersToCatalog(t *testing.T) {
	f := newFixture(t, Config{})

	res, err := f.loader.Load(context.Background(), mustStartup(t, "https://app.example/editor"))
	require.NoError(t, err)
	assert.Equal(t, KindCatalog, res.Kind)
	assert.Equal(t, appstate.LoadIdle, f.state.ProjectLoad.Get().Status)
	assert.Zero(t, f.engine.loads)
}

func TestLoad_RunsOnce(t *testing.T) {
	f := newFixture(t, Config{})
	f.fetcher.data["https://cdn/p.sb3"] = []byte(sb3)
	s := mustStartup(t, "https://app.example/#https://cdn/p.sb3")

	first, err := f.loader.Load(context.Background(), s)
	require.NoError(t, err)
	second, err := f.loader.Load(context.Background(), s)
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Len(t, f.fetcher.calls, 1)
}

func TestLoad_CloseDiscardsInFlightResult(t *testing.T) {
	f := newFixture(t, Config{})
	f.fetcher.data["https://cdn/p.sb3"] = []byte(sb3)
	f.fetcher.onFetch = f.loader.Close

	var published []appstate.ProjectLoadState
	f.state.ProjectLoad.Subscribe(func(s appstate.ProjectLoadState) { published = append(published, s) })

	_, err := f.loader.Load(context.Background(), mustStartup(t, "https://app.example/#https://cdn/p.sb3"))
	assert.True(t, errors.Is(err, ErrClosed))
	assert.Zero(t, f.engine.loads)
	require.Len(t, published, 1)
	assert.Equal(t, appstate.LoadLoading, published[0].Status)
}

func TestLoad_Telemetry(t *testing.T) {
	tel := telemetry.NewTestTelemetry()
	f := newFixture(t, Config{Tracer: tel.Tracer("test"), Meter: tel.Meter("test")})
	f.fetcher.data["https://cdn/p.sb3"] = []byte(sb3)

	_, err := f.loader.Load(context.Background(), mustStartup(t, "https://app.example/#https://cdn/p.sb3"))
	require.NoError(t, err)

	tel.AssertSpanExists(t, "loader.Load")
	tel.AssertSpanAttribute(t, "loader.Load", "load.source", "fragment")
	assert.Equal(t, int64(1), tel.CounterValue(context.Background(), "scratchsync.loader.loads_total"))
}
