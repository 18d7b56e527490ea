// Package persister saves, deletes and re-thumbnails projects on the
// backend, keeping the identifier registry in step.
//
// A save is routed as an update when the registry already maps its client
// project id; otherwise it is a create. The decision is taken once, when the
// save starts.
package persister

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/scratchsync/internal/backend"
	"github.com/fyrsmithlabs/scratchsync/internal/logging"
	"github.com/fyrsmithlabs/scratchsync/internal/registry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/scratchsync/internal/persister"

// DefaultTitle is used when a save carries a blank title.
const DefaultTitle = "Untitled"

// Backend is the subset of the backend client the persister calls.
type Backend interface {
	CreateProject(ctx context.Context, body *backend.SaveBody) (*backend.SaveResponse, error)
	UpdateProject(ctx context.Context, fileID int64, body *backend.SaveBody) (*backend.SaveResponse, error)
	DeleteProject(ctx context.Context, fileID int64) (*backend.StatusResponse, error)
	UpdateThumbnail(ctx context.Context, fileID int64, thumbnailBase64 string) (*backend.StatusResponse, error)
}

// Config configures a Persister.
type Config struct {
	Logger *logging.Logger
	Tracer trace.Tracer
	Meter  metric.Meter
}

// SaveRequest describes one save.
type SaveRequest struct {
	// ClientProjectID is empty for a project the editor has never saved.
	ClientProjectID string
	ProjectData     []byte
	Title           string
	Thumbnail       []byte // optional PNG

	IsCopy     bool
	IsRemix    bool
	OriginalID string
	IsAutoSave bool
}

// SaveResult is the server's answer to a successful save.
type SaveResult struct {
	ClientProjectID string `json:"clientProjectId" yaml:"clientProjectId" toml:"clientProjectId"`
	FileID          int64  `json:"fileId" yaml:"fileId" toml:"fileId"`
	Created         bool   `json:"created" yaml:"created" toml:"created"`
	ThumbnailURL    string `json:"thumbnailUrl,omitempty" yaml:"thumbnailUrl,omitempty" toml:"thumbnailUrl,omitempty"`
}

// Persister writes projects to the backend.
type Persister struct {
	registry *registry.Registry
	backend  Backend
	logger   *logging.Logger
	tracer   trace.Tracer

	saves      metric.Int64Counter
	deletes    metric.Int64Counter
	thumbnails metric.Int64Counter
}

// New creates a Persister.
func New(reg *registry.Registry, b Backend, cfg Config) *Persister {
	p := &Persister{
		registry: reg,
		backend:  b,
		logger:   cfg.Logger,
		tracer:   cfg.Tracer,
	}
	if p.logger == nil {
		p.logger = logging.NewNop()
	}
	if p.tracer == nil {
		p.tracer = otel.Tracer(instrumentationName)
	}
	meter := cfg.Meter
	if meter == nil {
		meter = otel.Meter(instrumentationName)
	}
	p.initMetrics(meter)
	return p
}

func (p *Persister) initMetrics(meter metric.Meter) {
	var err error
	p.saves, err = meter.Int64Counter(
		"scratchsync.persister.saves_total",
		metric.WithDescription("Total number of project saves by mode and outcome"),
		metric.WithUnit("{save}"),
	)
	if err != nil {
		p.logger.Warn(context.Background(), "failed to create saves counter", zap.Error(err))
	}
	p.deletes, err = meter.Int64Counter(
		"scratchsync.persister.deletes_total",
		metric.WithDescription("Total number of project deletes by outcome"),
		metric.WithUnit("{delete}"),
	)
	if err != nil {
		p.logger.Warn(context.Background(), "failed to create deletes counter", zap.Error(err))
	}
	p.thumbnails, err = meter.Int64Counter(
		"scratchsync.persister.thumbnail_updates_total",
		metric.WithDescription("Total number of thumbnail updates by outcome"),
		metric.WithUnit("{update}"),
	)
	if err != nil {
		p.logger.Warn(context.Background(), "failed to create thumbnail counter", zap.Error(err))
	}
}

// Save creates or updates a project. On success the returned
// (ClientProjectID, FileID) pair is registered so later saves update it.
func (p *Persister) Save(ctx context.Context, req SaveRequest) (*SaveResult, error) {
	ctx = logging.WithClientProjectID(ctx, req.ClientProjectID)
	ctx, span := p.tracer.Start(ctx, "persister.Save")
	defer span.End()

	// Decide create vs update now; later registrations do not retarget.
	var fileID int64
	create := true
	if req.ClientProjectID != "" {
		if id, ok := p.registry.Lookup(req.ClientProjectID); ok {
			fileID, create = id, false
		}
	}
	mode := "update"
	if create {
		mode = "create"
	}
	span.SetAttributes(attribute.String("save.mode", mode), attribute.Bool("save.autosave", req.IsAutoSave))

	body, err := buildSaveBody(req, create)
	if err != nil {
		p.count(ctx, p.saves, attribute.String("mode", mode), attribute.String("outcome", "invalid"))
		return nil, err
	}

	var resp *backend.SaveResponse
	if create {
		resp, err = p.backend.CreateProject(ctx, body)
	} else {
		resp, err = p.backend.UpdateProject(ctx, fileID, body)
	}
	if err == nil && !resp.Success {
		msg := resp.Message
		if msg == "" {
			msg = "Project save failed"
		}
		err = &SaveFailedError{Message: msg}
	}
	if err != nil {
		err = translateSaveError(err)
		outcome := "failed"
		if errors.Is(err, ErrQuotaExceeded) {
			outcome = "quota_exceeded"
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
		p.count(ctx, p.saves, attribute.String("mode", mode), attribute.String("outcome", outcome))
		p.logger.Warn(ctx, "project save failed", zap.String("mode", mode), zap.Error(err))
		return nil, err
	}

	result := &SaveResult{
		ClientProjectID: string(resp.ProjectID),
		FileID:          int64(resp.FileID),
		Created:         create,
	}
	if result.ClientProjectID == "" {
		result.ClientProjectID = req.ClientProjectID
	}
	if result.FileID == 0 {
		result.FileID = fileID
	}
	if resp.ThumbnailURL != nil {
		result.ThumbnailURL = *resp.ThumbnailURL
	}

	ids := []string{result.ClientProjectID}
	if req.ClientProjectID != "" && req.ClientProjectID != result.ClientProjectID {
		// The server assigned its own id; keep routing the editor's id too.
		ids = append(ids, req.ClientProjectID)
	}
	for _, id := range ids {
		if err := p.registry.Register(ctx, id, result.FileID); err != nil {
			// The server has the project; only the routing of the next save is lost.
			p.logger.Error(ctx, "failed to register saved project", zap.Error(err))
		}
	}

	span.SetAttributes(attribute.Int64("save.file_id", result.FileID))
	p.count(ctx, p.saves, attribute.String("mode", mode), attribute.String("outcome", "saved"))
	p.logger.Info(ctx, "project saved",
		zap.String("mode", mode),
		zap.String("client_project_id", result.ClientProjectID),
		zap.Int64("file_id", result.FileID),
		zap.Bool("autosave", req.IsAutoSave))
	return result, nil
}

// buildSaveBody encodes project data as raw JSON when it is valid JSON and
// as a base64 string otherwise (sb3 archives).
func buildSaveBody(req SaveRequest, create bool) (*backend.SaveBody, error) {
	if len(req.ProjectData) == 0 {
		return nil, &SaveFailedError{Message: "project data is empty"}
	}
	data := json.RawMessage(req.ProjectData)
	if !json.Valid(req.ProjectData) {
		enc, err := json.Marshal(base64.StdEncoding.EncodeToString(req.ProjectData))
		if err != nil {
			return nil, fmt.Errorf("encode project data: %w", err)
		}
		data = enc
	}

	title := strings.TrimSpace(req.Title)
	if title == "" {
		title = DefaultTitle
	}

	body := &backend.SaveBody{
		ProjectID:   req.ClientProjectID,
		ProjectData: data,
		Title:       title,
		IsNew:       create,
		IsCopy:      req.IsCopy,
		IsRemix:     req.IsRemix,
		IsAutoSave:  req.IsAutoSave,
	}
	if len(req.Thumbnail) > 0 {
		thumb := base64.StdEncoding.EncodeToString(req.Thumbnail)
		body.Thumbnail = &thumb
	}
	if req.OriginalID != "" {
		orig := req.OriginalID
		body.OriginalID = &orig
	}
	return body, nil
}

func translateSaveError(err error) error {
	var sf *SaveFailedError
	if errors.As(err, &sf) {
		return err
	}
	var se *backend.StatusError
	if errors.As(err, &se) {
		if se.IsQuotaExceeded() {
			return &QuotaExceededError{Message: se.Message}
		}
		return &SaveFailedError{StatusCode: se.StatusCode, Message: se.Message, Cause: err}
	}
	return &SaveFailedError{Cause: err}
}

// Delete removes the server file mapped to clientProjectID and then every
// mapping that points at it. Unmapped ids fail with ErrNotFound without a
// network call.
func (p *Persister) Delete(ctx context.Context, clientProjectID string) error {
	ctx = logging.WithClientProjectID(ctx, clientProjectID)
	ctx, span := p.tracer.Start(ctx, "persister.Delete")
	defer span.End()

	fileID, ok := p.registry.Lookup(clientProjectID)
	if !ok {
		p.count(ctx, p.deletes, attribute.String("outcome", "not_found"))
		return fmt.Errorf("%w: %q", ErrNotFound, clientProjectID)
	}
	span.SetAttributes(attribute.Int64("delete.file_id", fileID))

	resp, err := p.backend.DeleteProject(ctx, fileID)
	if err == nil && !resp.Success {
		msg := resp.Message
		if msg == "" {
			msg = "server reported failure"
		}
		err = errors.New(msg)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "delete failed")
		p.count(ctx, p.deletes, attribute.String("outcome", "failed"))
		p.logger.Warn(ctx, "project delete failed", zap.Int64("file_id", fileID), zap.Error(err))
		return fmt.Errorf("%w: %w", ErrDeleteFailed, err)
	}

	// Every id routed to the deleted file goes, not only the one given.
	removed := p.registry.RemoveFile(ctx, fileID)
	p.count(ctx, p.deletes, attribute.String("outcome", "deleted"))
	p.logger.Info(ctx, "project deleted", zap.Int64("file_id", fileID), zap.Strings("client_project_ids", removed))
	return nil
}

// UpdateThumbnail replaces the thumbnail of a mapped project. It never
// fails: unmapped ids are skipped and backend failures are only logged.
func (p *Persister) UpdateThumbnail(ctx context.Context, clientProjectID string, png []byte) {
	ctx = logging.WithClientProjectID(ctx, clientProjectID)
	ctx, span := p.tracer.Start(ctx, "persister.UpdateThumbnail")
	defer span.End()

	fileID, ok := p.registry.Lookup(clientProjectID)
	if !ok {
		p.count(ctx, p.thumbnails, attribute.String("outcome", "skipped"))
		p.logger.Debug(ctx, "thumbnail update skipped, project not mapped")
		return
	}

	op := BestEffort[*backend.StatusResponse](func(ctx context.Context) (*backend.StatusResponse, error) {
		resp, err := p.backend.UpdateThumbnail(ctx, fileID, base64.StdEncoding.EncodeToString(png))
		if err != nil {
			return nil, err
		}
		if !resp.Success {
			return nil, fmt.Errorf("server rejected thumbnail: %s", resp.Message)
		}
		return resp, nil
	})
	if _, ok := op.Run(ctx, p.logger, "update_thumbnail"); !ok {
		span.SetAttributes(attribute.Bool("thumbnail.failed", true))
		p.count(ctx, p.thumbnails, attribute.String("outcome", "failed"))
		return
	}
	p.count(ctx, p.thumbnails, attribute.String("outcome", "updated"))
}

func (p *Persister) count(ctx context.Context, c metric.Int64Counter, attrs ...attribute.KeyValue) {
	if c == nil {
		return
	}
	c.Add(ctx, 1, metric.WithAttributes(attrs...))
}
