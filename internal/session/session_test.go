package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fyrsmithlabs/scratchsync/internal/appstate"
	"github.com/fyrsmithlabs/scratchsync/internal/backend"
	"github.com/fyrsmithlabs/scratchsync/internal/logging"
	"github.com/fyrsmithlabs/scratchsync/internal/telemetry"
	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

var testKey = []byte("0123456789abcdef0123456789abcdef")

func signToken(t *testing.T, claims any) string {
	t.Helper()
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.HS256, Key: testKey},
		(&jose.SignerOptions{}).WithType("JWT"))
	require.NoError(t, err)
	token, err := jwt.Signed(signer).Claims(claims).Serialize()
	require.NoError(t, err)
	return token
}

type fakeBackend struct {
	mu           sync.Mutex
	token        string
	resp         *backend.SessionResponse
	err          error
	logoutErr    error
	sessionCalls int
	logoutCalls  int
}

func (f *fakeBackend) Token() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.token
}

func (f *fakeBackend) SetToken(token string) {
	f.mu.Lock()
	f.token = token
	f.mu.Unlock()
}

func (f *fakeBackend) Session(context.Context) (*backend.SessionResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessionCalls++
	return f.resp, f.err
}

func (f *fakeBackend) Logout(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logoutCalls++
	return f.logoutErr
}

func newTestBootstrapper(fb *fakeBackend) (*Bootstrapper, *appstate.State) {
	state := appstate.New()
	return NewBootstrapper(fb, state, Config{}), state
}

func TestBootstrap_LocalCredentialSkipsNetwork(t *testing.T) {
	fb := &fakeBackend{}
	fb.token = signToken(t, map[string]any{
		"userID": "alice", "id": 7, "role": "teacher", "centerID": "c-12",
	})
	b, state := newTestBootstrapper(fb)

	got := b.Bootstrap(context.Background())

	assert.Equal(t, 0, fb.sessionCalls)
	assert.Equal(t, appstate.SessionFetched, got.Status)
	require.NotNil(t, got.User)
	assert.Equal(t, "alice", got.User.Username)
	assert.Equal(t, int64(7), got.User.ID)
	assert.Equal(t, DefaultThumbnail, got.User.ThumbnailURL)
	assert.Equal(t, "c-12", got.User.ClassroomID)
	assert.Equal(t, "/users/alice", got.User.ProfileURL)
	assert.True(t, got.User.Educator)
	assert.False(t, got.User.Student)
	assert.Equal(t, got, state.Session.Get())
	assert.Equal(t, PathLocal, b.ResolvedBy())
}

func TestBootstrap_FallbackToRemote(t *testing.T) {
	tests := []struct {
		name  string
		token func(t *testing.T) string
	}{
		{"no credential", func(*testing.T) string { return "" }},
		{"garbage", func(*testing.T) string { return "not-a-jwt" }},
		{"no identity", func(t *testing.T) string { return signToken(t, map[string]any{"role": "student"}) }},
		{"expired", func(t *testing.T) string {
			return signToken(t, map[string]any{"userID": "bob", "exp": time.Now().Add(-time.Hour).Unix()})
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fb := &fakeBackend{resp: &backend.SessionResponse{
				LoggedIn: true,
				User:     &backend.SessionUser{UserID: "bob", ID: 3, ProfileImage: "/p/bob.png", Role: "student"},
			}}
			fb.token = tt.token(t)
			b, _ := newTestBootstrapper(fb)

			got := b.Bootstrap(context.Background())

			assert.Equal(t, 1, fb.sessionCalls)
			assert.Equal(t, appstate.SessionFetched, got.Status)
			require.NotNil(t, got.User)
			assert.Equal(t, "bob", got.User.Username)
			assert.Equal(t, "/p/bob.png", got.User.ThumbnailURL)
			assert.True(t, got.User.Student)
			assert.False(t, got.User.Educator)
			assert.Equal(t, PathRemote, b.ResolvedBy())
		})
	}
}

func TestBootstrap_RemoteNotLoggedIn(t *testing.T) {
	fb := &fakeBackend{resp: &backend.SessionResponse{LoggedIn: false}}
	b, _ := newTestBootstrapper(fb)

	got := b.Bootstrap(context.Background())
	assert.Equal(t, appstate.SessionFetched, got.Status)
	assert.Nil(t, got.User)
	assert.Empty(t, got.Error)
}

func TestBootstrap_RemoteFailurePublishesError(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		wantMsg string
	}{
		{"status", &backend.StatusError{StatusCode: 500}, "HTTP 500"},
		{"network", errors.New("connection refused"), "connection refused"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tl := logging.NewTestLogger()
			fb := &fakeBackend{err: tt.err}
			state := appstate.New()
			b := NewBootstrapper(fb, state, Config{Logger: tl.Logger})

			got := b.Bootstrap(context.Background())

			assert.Equal(t, 1, fb.sessionCalls)
			assert.Equal(t, appstate.SessionError, got.Status)
			assert.Nil(t, got.User)
			assert.Contains(t, got.Error, tt.wantMsg)
			assert.NotEqual(t, appstate.SessionNotFetched, state.Session.Get().Status)
			tl.AssertLogged(t, zapcore.WarnLevel, "session bootstrap failed")
		})
	}
}

func TestBootstrap_RunsOnce(t *testing.T) {
	fb := &fakeBackend{err: errors.New("offline")}
	b, _ := newTestBootstrapper(fb)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.Bootstrap(context.Background())
		}()
	}
	wg.Wait()
	b.Bootstrap(context.Background())

	assert.Equal(t, 1, fb.sessionCalls)
}

func TestLogout_AllowsRebootstrap(t *testing.T) {
	fb := &fakeBackend{resp: &backend.SessionResponse{LoggedIn: true, User: &backend.SessionUser{UserID: "carol", ID: 1}}}
	fb.token = "stale"
	b, state := newTestBootstrapper(fb)
	state.LoadedProject.Set(appstate.LoadedProject{FileID: 42, Title: "Game", IsFromServer: true})

	b.Bootstrap(context.Background())
	require.NoError(t, b.Logout(context.Background()))

	assert.Equal(t, appstate.SessionNotFetched, state.Session.Get().Status)
	assert.Equal(t, appstate.LoadedProject{}, state.LoadedProject.Get())
	assert.Empty(t, fb.Token())
	assert.Equal(t, Path(""), b.ResolvedBy())

	b.Bootstrap(context.Background())
	assert.Equal(t, 2, fb.sessionCalls)
	assert.Equal(t, 1, fb.logoutCalls)
}

func TestLogout_FailureStillClears(t *testing.T) {
	tl := logging.NewTestLogger()
	fb := &fakeBackend{resp: &backend.SessionResponse{LoggedIn: false}, logoutErr: errors.New("offline")}
	state := appstate.New()
	b := NewBootstrapper(fb, state, Config{Logger: tl.Logger})
	b.Bootstrap(context.Background())

	err := b.Logout(context.Background())
	require.Error(t, err)
	assert.Equal(t, appstate.SessionNotFetched, state.Session.Get().Status)
	tl.AssertLogged(t, zapcore.WarnLevel, "logout request failed")
}

func TestBootstrap_Telemetry(t *testing.T) {
	tel := telemetry.NewTestTelemetry()
	fb := &fakeBackend{resp: &backend.SessionResponse{LoggedIn: false}}
	b := NewBootstrapper(fb, appstate.New(), Config{Tracer: tel.Tracer("test"), Meter: tel.Meter("test")})

	b.Bootstrap(context.Background())

	tel.AssertSpanAttribute(t, "session.Bootstrap", "session.path", "remote")
	tel.AssertSpanAttribute(t, "session.Bootstrap", "session.status", "FETCHED")
	assert.Equal(t, int64(1), tel.CounterValue(context.Background(), "scratchsync.session.bootstraps_total"))
}
