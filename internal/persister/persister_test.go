package persister

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/fyrsmithlabs/scratchsync/internal/backend"
	"github.com/fyrsmithlabs/scratchsync/internal/logging"
	"github.com/fyrsmithlabs/scratchsync/internal/registry"
	"github.com/fyrsmithlabs/scratchsync/internal/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

type call struct {
	op     string
	fileID int64
	body   *backend.SaveBody
	thumb  string
}

// fakeBackend assigns file ids from 100 upward and echoes project ids.
type fakeBackend struct {
	mu     sync.Mutex
	calls  []call
	nextID int64

	saveErr   error
	saveResp  *backend.SaveResponse
	deleteErr error
	thumbErr  error
}

func (f *fakeBackend) record(c call) {
	f.mu.Lock()
	f.calls = append(f.calls, c)
	f.mu.Unlock()
}

func (f *fakeBackend) save(op string, fileID int64, body *backend.SaveBody) (*backend.SaveResponse, error) {
	f.record(call{op: op, fileID: fileID, body: body})
	if f.saveErr != nil {
		return nil, f.saveErr
	}
	if f.saveResp != nil {
		return f.saveResp, nil
	}
	if fileID == 0 {
		f.mu.Lock()
		f.nextID++
		fileID = 99 + f.nextID
		f.mu.Unlock()
	}
	pid := body.ProjectID
	if pid == "" {
		pid = "srv-1"
	}
	return &backend.SaveResponse{Success: true, ProjectID: backend.ProjectID(pid), FileID: backend.FileID(fileID)}, nil
}

func (f *fakeBackend) CreateProject(_ context.Context, body *backend.SaveBody) (*backend.SaveResponse, error) {
	return f.save("create", 0, body)
}

func (f *fakeBackend) UpdateProject(_ context.Context, fileID int64, body *backend.SaveBody) (*backend.SaveResponse, error) {
	return f.save("update", fileID, body)
}

func (f *fakeBackend) DeleteProject(_ context.Context, fileID int64) (*backend.StatusResponse, error) {
	f.record(call{op: "delete", fileID: fileID})
	if f.deleteErr != nil {
		return nil, f.deleteErr
	}
	return &backend.StatusResponse{Success: true}, nil
}

func (f *fakeBackend) UpdateThumbnail(_ context.Context, fileID int64, b64 string) (*backend.StatusResponse, error) {
	f.record(call{op: "thumbnail", fileID: fileID, thumb: b64})
	if f.thumbErr != nil {
		return nil, f.thumbErr
	}
	return &backend.StatusResponse{Success: true}, nil
}

func newTestPersister(cfg Config) (*Persister, *fakeBackend, *registry.Registry) {
	fb := &fakeBackend{}
	reg := registry.NewMemory()
	return New(reg, fb, cfg), fb, reg
}

var projectJSON = []byte(`{"targets":[],"meta":{"semver":"3.0.0"}}`)

func TestSave_CreateThenUpdate(t *testing.T) {
	p, fb, reg := newTestPersister(Config{})
	ctx := context.Background()

	first, err := p.Save(ctx, SaveRequest{ClientProjectID: "abc", ProjectData: projectJSON, Title: "Game"})
	require.NoError(t, err)
	assert.True(t, first.Created)
	assert.Equal(t, int64(100), first.FileID)

	got, ok := reg.Lookup("abc")
	require.True(t, ok)
	assert.Equal(t, int64(100), got)

	second, err := p.Save(ctx, SaveRequest{ClientProjectID: "abc", ProjectData: projectJSON})
	require.NoError(t, err)
	assert.False(t, second.Created)

	require.Len(t, fb.calls, 2)
	assert.Equal(t, "create", fb.calls[0].op)
	assert.True(t, fb.calls[0].body.IsNew)
	assert.Equal(t, "update", fb.calls[1].op)
	assert.Equal(t, int64(100), fb.calls[1].fileID)
	assert.False(t, fb.calls[1].body.IsNew)
}

func TestSave_WithoutClientIDCreatesAndRegistersServerID(t *testing.T) {
	p, fb, reg := newTestPersister(Config{})

	res, err := p.Save(context.Background(), SaveRequest{ProjectData: projectJSON})
	require.NoError(t, err)
	assert.Equal(t, "srv-1", res.ClientProjectID)
	assert.Equal(t, "create", fb.calls[0].op)

	got, ok := reg.Lookup("srv-1")
	require.True(t, ok)
	assert.Equal(t, res.FileID, got)
}

func TestSave_ServerAssignedIDAlsoRoutesEditorID(t *testing.T) {
	p, fb, reg := newTestPersister(Config{})
	fb.saveResp = &backend.SaveResponse{Success: true, ProjectID: "1735123456789", FileID: 7}

	_, err := p.Save(context.Background(), SaveRequest{ClientProjectID: "local-1", ProjectData: projectJSON})
	require.NoError(t, err)

	for _, id := range []string{"1735123456789", "local-1"} {
		got, ok := reg.Lookup(id)
		require.True(t, ok, id)
		assert.Equal(t, int64(7), got)
	}
}

func TestSave_Body(t *testing.T) {
	p, fb, _ := newTestPersister(Config{})
	sb3 := []byte("PK\x03\x04binary")
	png := []byte("\x89PNG")

	_, err := p.Save(context.Background(), SaveRequest{
		ClientProjectID: "abc",
		ProjectData:     sb3,
		Title:           "   ",
		Thumbnail:       png,
		IsRemix:         true,
		OriginalID:      "orig-9",
		IsAutoSave:      true,
	})
	require.NoError(t, err)

	body := fb.calls[0].body
	assert.Equal(t, DefaultTitle, body.Title)
	assert.Equal(t, "abc", body.ProjectID)
	assert.True(t, body.IsRemix)
	assert.False(t, body.IsCopy)
	assert.True(t, body.IsAutoSave)
	require.NotNil(t, body.OriginalID)
	assert.Equal(t, "orig-9", *body.OriginalID)
	require.NotNil(t, body.Thumbnail)
	assert.Equal(t, base64.StdEncoding.EncodeToString(png), *body.Thumbnail)

	var encoded string
	require.NoError(t, json.Unmarshal(body.ProjectData, &encoded))
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	require.NoError(t, err)
	assert.Equal(t, sb3, decoded)
}

func TestSave_JSONProjectDataSentRaw(t *testing.T) {
	p, fb, _ := newTestPersister(Config{})

	_, err := p.Save(context.Background(), SaveRequest{ProjectData: projectJSON})
	require.NoError(t, err)
	assert.JSONEq(t, string(projectJSON), string(fb.calls[0].body.ProjectData))
	assert.Nil(t, fb.calls[0].body.OriginalID)
	assert.Nil(t, fb.calls[0].body.Thumbnail)
}

func TestSave_Errors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		resp       *backend.SaveResponse
		wantQuota  bool
		wantStatus int
		wantMsg    string
	}{
		{
			name:      "quota",
			err:       &backend.StatusError{Method: "POST", Path: backend.PathSaveProject, StatusCode: 413, Message: "Storage limit of 100MB reached"},
			wantQuota: true,
			wantMsg:   "Storage limit of 100MB reached",
		},
		{
			name:       "server error",
			err:        &backend.StatusError{Method: "POST", Path: backend.PathSaveProject, StatusCode: 500},
			wantStatus: 500,
		},
		{
			name: "network",
			err:  errors.New("connection reset"),
		},
		{
			name:    "success false",
			resp:    &backend.SaveResponse{Success: false, Message: "title too long"},
			wantMsg: "title too long",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, fb, reg := newTestPersister(Config{})
			fb.saveErr = tt.err
			fb.saveResp = tt.resp

			_, err := p.Save(context.Background(), SaveRequest{ClientProjectID: "abc", ProjectData: projectJSON})
			require.Error(t, err)
			assert.Empty(t, reg.List(), "nothing registered on failure")

			if tt.wantQuota {
				var qe *QuotaExceededError
				require.True(t, errors.As(err, &qe))
				assert.Equal(t, tt.wantMsg, qe.Error())
				assert.True(t, errors.Is(err, ErrQuotaExceeded))
				assert.False(t, errors.Is(err, ErrSaveFailed))
				return
			}

			var sf *SaveFailedError
			require.True(t, errors.As(err, &sf))
			assert.True(t, errors.Is(err, ErrSaveFailed))
			assert.Equal(t, tt.wantStatus, sf.StatusCode)
			if tt.wantMsg != "" {
				assert.Equal(t, tt.wantMsg, sf.Message)
			}
		})
	}
}

func TestSave_EmptyProjectData(t *testing.T) {
	p, fb, _ := newTestPersister(Config{})

	_, err := p.Save(context.Background(), SaveRequest{ClientProjectID: "abc"})
	assert.True(t, errors.Is(err, ErrSaveFailed))
	assert.Empty(t, fb.calls)
}

func TestSave_DecisionFixedAtStart(t *testing.T) {
	p, _, reg := newTestPersister(Config{})
	fb := &fakeBackend{}
	var registerDuringSave sync.Once
	p.backend = &hookBackend{fakeBackend: fb, beforeSave: func() {
		registerDuringSave.Do(func() { _ = reg.Register(context.Background(), "abc", 55) })
	}}

	res, err := p.Save(context.Background(), SaveRequest{ClientProjectID: "abc", ProjectData: projectJSON})
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.Equal(t, "create", fb.calls[0].op)
}

type hookBackend struct {
	*fakeBackend
	beforeSave func()
}

func (h *hookBackend) CreateProject(ctx context.Context, body *backend.SaveBody) (*backend.SaveResponse, error) {
	h.beforeSave()
	return h.fakeBackend.CreateProject(ctx, body)
}

func TestDelete(t *testing.T) {
	p, fb, reg := newTestPersister(Config{})
	ctx := context.Background()
	require.NoError(t, reg.Register(ctx, "abc", 42))

	require.NoError(t, p.Delete(ctx, "abc"))
	_, ok := reg.Lookup("abc")
	assert.False(t, ok)
	require.Len(t, fb.calls, 1)
	assert.Equal(t, call{op: "delete", fileID: 42}, fb.calls[0])
}

func TestDelete_ClearsEveryIDForTheFile(t *testing.T) {
	p, fb, reg := newTestPersister(Config{})
	ctx := context.Background()
	fb.saveResp = &backend.SaveResponse{Success: true, ProjectID: "1735123456789", FileID: 7}

	_, err := p.Save(ctx, SaveRequest{ClientProjectID: "local-1", ProjectData: projectJSON})
	require.NoError(t, err)
	require.NoError(t, reg.Register(ctx, "unrelated", 8))

	require.NoError(t, p.Delete(ctx, "local-1"))
	for _, id := range []string{"local-1", "1735123456789"} {
		_, ok := reg.Lookup(id)
		assert.False(t, ok, id)
	}
	_, ok := reg.Lookup("unrelated")
	assert.True(t, ok)

	fb.saveResp = nil
	res, err := p.Save(ctx, SaveRequest{ClientProjectID: "1735123456789", ProjectData: projectJSON})
	require.NoError(t, err)
	assert.True(t, res.Created)
	last := fb.calls[len(fb.calls)-1]
	assert.Equal(t, "create", last.op)
}

func TestDelete_UnmappedIsNotFoundWithoutNetwork(t *testing.T) {
	p, fb, _ := newTestPersister(Config{})

	err := p.Delete(context.Background(), "ghost")
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.Empty(t, fb.calls)
}

func TestDelete_FailureKeepsMapping(t *testing.T) {
	p, fb, reg := newTestPersister(Config{})
	ctx := context.Background()
	require.NoError(t, reg.Register(ctx, "abc", 42))
	fb.deleteErr = &backend.StatusError{Method: "DELETE", Path: "/api/scratch/project/42", StatusCode: 403}

	err := p.Delete(ctx, "abc")
	assert.True(t, errors.Is(err, ErrDeleteFailed))

	var se *backend.StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, 403, se.StatusCode)

	_, ok := reg.Lookup("abc")
	assert.True(t, ok)
}

func TestUpdateThumbnail_UnmappedSkipsNetwork(t *testing.T) {
	p, fb, _ := newTestPersister(Config{})

	p.UpdateThumbnail(context.Background(), "ghost", []byte("png"))
	assert.Empty(t, fb.calls)
}

func TestUpdateThumbnail_SendsBase64(t *testing.T) {
	p, fb, reg := newTestPersister(Config{})
	require.NoError(t, reg.Register(context.Background(), "abc", 42))

	p.UpdateThumbnail(context.Background(), "abc", []byte("png"))
	require.Len(t, fb.calls, 1)
	assert.Equal(t, int64(42), fb.calls[0].fileID)
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("png")), fb.calls[0].thumb)
}

func TestUpdateThumbnail_FailureIsSwallowed(t *testing.T) {
	tl := logging.NewTestLogger()
	p, fb, reg := newTestPersister(Config{Logger: tl.Logger})
	require.NoError(t, reg.Register(context.Background(), "abc", 42))
	fb.thumbErr = &backend.StatusError{Method: "PUT", Path: "/api/scratch/project/42/thumbnail", StatusCode: 500}

	assert.NotPanics(t, func() { p.UpdateThumbnail(context.Background(), "abc", []byte("png")) })
	tl.AssertLogged(t, zapcore.WarnLevel, "best-effort operation failed")
	tl.AssertField(t, "best-effort operation failed", "operation", "update_thumbnail")
}

func TestBestEffort_Run(t *testing.T) {
	tl := logging.NewTestLogger()
	op := BestEffort[int](func(context.Context) (int, error) { return 7, errors.New("boom") })

	v, ok := op.Run(context.Background(), tl.Logger, "failing")
	assert.False(t, ok)
	assert.Zero(t, v)
	tl.AssertLogged(t, zapcore.WarnLevel, "best-effort operation failed")
	tl.AssertField(t, "best-effort operation failed", "operation", "failing")

	v, ok = BestEffort[int](func(context.Context) (int, error) { return 3, nil }).Run(context.Background(), tl.Logger, "ok")
	assert.True(t, ok)
	assert.Equal(t, 3, v)
}

func TestSave_Telemetry(t *testing.T) {
	tel := telemetry.NewTestTelemetry()
	p, _, _ := newTestPersister(Config{Tracer: tel.Tracer("test"), Meter: tel.Meter("test")})

	_, err := p.Save(context.Background(), SaveRequest{ClientProjectID: "abc", ProjectData: projectJSON})
	require.NoError(t, err)

	tel.AssertSpanExists(t, "persister.Save")
	tel.AssertSpanAttribute(t, "persister.Save", "save.mode", "create")
	assert.Equal(t, int64(1), tel.CounterValue(context.Background(), "scratchsync.persister.saves_total"))
}
