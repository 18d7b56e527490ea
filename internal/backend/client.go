// Package backend is the typed HTTP client for the project backend.
//
// Every call carries the session credential as a cookie, waits on a shared
// rate limiter, and is bounded by the client timeout. Calls are never
// retried; callers surface failures and let the user try again.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/fyrsmithlabs/scratchsync/internal/logging"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const instrumentationName = "github.com/fyrsmithlabs/scratchsync/internal/backend"

const (
	defaultTimeout   = 30 * time.Second
	defaultRateLimit = 10.0
	defaultBurst     = 5
	maxResponseBytes = 256 << 20
)

// Backend paths.
const (
	PathSession      = "/api/scratch/auth/session"
	PathLogout       = "/logout"
	PathSaveProject  = "/api/scratch/save-project"
	PathProject      = "/api/scratch/project"
	PathProjects     = "/api/scratch/projects"
	RequestIDHeader  = "X-Request-ID"
	DefaultCookieKey = "token"
)

// Config configures a Client.
type Config struct {
	BaseURL     string
	Timeout     time.Duration
	RateLimit   float64
	RateBurst   int
	UserAgent   string
	CookieName  string
	SessionPath string
	LogoutPath  string

	// MaxResponseBytes caps any response body; larger bodies fail with
	// ErrResponseTooLarge. Zero means 256 MiB.
	MaxResponseBytes int64

	// HTTPClient overrides the transport; its Timeout is replaced.
	HTTPClient *http.Client
	Tracer     trace.Tracer
	Logger     *logging.Logger
}

// Client calls the backend HTTP surface.
type Client struct {
	base         *url.URL
	httpClient   *http.Client
	streamClient *http.Client // no overall timeout, for the event stream
	limiter      *rate.Limiter
	userAgent    string
	cookieName   string
	sessionPath  string
	logoutPath   string
	maxBody      int64
	tracer       trace.Tracer
	logger       *logging.Logger

	mu    sync.RWMutex
	token string
}

// New creates a Client. BaseURL must be an absolute http(s) URL.
func New(cfg Config) (*Client, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil || (base.Scheme != "http" && base.Scheme != "https") || base.Host == "" {
		return nil, fmt.Errorf("invalid backend base URL %q", cfg.BaseURL)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	limit, burst := cfg.RateLimit, cfg.RateBurst
	if limit <= 0 {
		limit = defaultRateLimit
	}
	if burst <= 0 {
		burst = defaultBurst
	}

	hc := &http.Client{}
	if cfg.HTTPClient != nil {
		clone := *cfg.HTTPClient
		hc = &clone
	}
	stream := *hc
	stream.Timeout = 0
	hc.Timeout = timeout

	c := &Client{
		base:         base,
		httpClient:   hc,
		streamClient: &stream,
		limiter:      rate.NewLimiter(rate.Limit(limit), burst),
		userAgent:    cfg.UserAgent,
		cookieName:   cfg.CookieName,
		sessionPath:  cfg.SessionPath,
		logoutPath:   cfg.LogoutPath,
		maxBody:      cfg.MaxResponseBytes,
		tracer:       cfg.Tracer,
		logger:       cfg.Logger,
	}
	if c.cookieName == "" {
		c.cookieName = DefaultCookieKey
	}
	if c.sessionPath == "" {
		c.sessionPath = PathSession
	}
	if c.logoutPath == "" {
		c.logoutPath = PathLogout
	}
	if c.maxBody <= 0 {
		c.maxBody = maxResponseBytes
	}
	if c.tracer == nil {
		c.tracer = otel.Tracer(instrumentationName)
	}
	if c.logger == nil {
		c.logger = logging.NewNop()
	}
	return c, nil
}

// SetToken sets the credential sent as the session cookie. Empty clears it.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// Token returns the current credential.
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// CookieName returns the name of the session cookie.
func (c *Client) CookieName() string { return c.cookieName }

// BaseURL returns the backend base URL.
func (c *Client) BaseURL() string { return c.base.String() }

// Session fetches the authenticated session.
func (c *Client) Session(ctx context.Context) (*SessionResponse, error) {
	var out SessionResponse
	if err := c.doJSON(ctx, "Session", http.MethodGet, c.sessionPath, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Logout ends the server-side session. The response body is ignored.
func (c *Client) Logout(ctx context.Context) error {
	return c.doJSON(ctx, "Logout", http.MethodGet, c.logoutPath, nil, nil)
}

// CreateProject issues POST /api/scratch/save-project.
func (c *Client) CreateProject(ctx context.Context, body *SaveBody) (*SaveResponse, error) {
	var out SaveResponse
	if err := c.doJSON(ctx, "CreateProject", http.MethodPost, PathSaveProject, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateProject issues PUT /api/scratch/save-project/{fileId}.
func (c *Client) UpdateProject(ctx context.Context, fileID int64, body *SaveBody) (*SaveResponse, error) {
	var out SaveResponse
	path := PathSaveProject + "/" + strconv.FormatInt(fileID, 10)
	if err := c.doJSON(ctx, "UpdateProject", http.MethodPut, path, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteProject issues DELETE /api/scratch/project/{fileId}.
func (c *Client) DeleteProject(ctx context.Context, fileID int64) (*StatusResponse, error) {
	var out StatusResponse
	if err := c.doJSON(ctx, "DeleteProject", http.MethodDelete, projectPath(fileID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateThumbnail issues PUT /api/scratch/project/{fileId}/thumbnail.
func (c *Client) UpdateThumbnail(ctx context.Context, fileID int64, thumbnailBase64 string) (*StatusResponse, error) {
	var out StatusResponse
	body := &ThumbnailBody{ThumbnailBase64: thumbnailBase64}
	if err := c.doJSON(ctx, "UpdateThumbnail", http.MethodPut, projectPath(fileID)+"/thumbnail", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListProjects issues GET /api/scratch/projects.
func (c *Client) ListProjects(ctx context.Context) (*ListResponse, error) {
	var out ListResponse
	if err := c.doJSON(ctx, "ListProjects", http.MethodGet, PathProjects, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ProjectURL issues GET /api/scratch/project/{fileId}, which resolves a
// saved project to a downloadable URL.
func (c *Client) ProjectURL(ctx context.Context, fileID int64) (*ProjectURLResponse, error) {
	var out ProjectURLResponse
	if err := c.doJSON(ctx, "ProjectURL", http.MethodGet, projectPath(fileID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Fetch downloads rawURL as bytes. Relative URLs resolve against the base
// URL. The session cookie is only attached for same-origin targets.
func (c *Client) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	target, err := c.base.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid fetch URL %q: %w", rawURL, err)
	}
	return c.do(ctx, "Fetch", http.MethodGet, target, nil, "")
}

func projectPath(fileID int64) string {
	return PathProject + "/" + strconv.FormatInt(fileID, 10)
}

func (c *Client) doJSON(ctx context.Context, op, method, path string, in, out any) error {
	var body []byte
	if in != nil {
		var err error
		if body, err = json.Marshal(in); err != nil {
			return fmt.Errorf("failed to marshal %s request: %w", op, err)
		}
	}

	target := c.base.ResolveReference(&url.URL{Path: path})
	raw, err := c.do(ctx, op, method, target, body, "application/json")
	if err != nil {
		return err
	}
	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", op, err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, op, method string, target *url.URL, body []byte, contentType string) ([]byte, error) {
	ctx, span := c.tracer.Start(ctx, "backend."+op, trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.request.method", method),
			attribute.String("url.path", target.Path),
		))
	defer span.End()

	start := time.Now()
	code := "error"
	defer func() {
		RequestsTotal.WithLabelValues(op, code).Inc()
		RequestDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}()

	if err := c.limiter.Wait(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "rate limiter")
		return nil, fmt.Errorf("rate limiter error: %w", err)
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target.String(), reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	requestID := c.decorate(req, target)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	span.SetAttributes(attribute.String("request.id", requestID))

	logCtx := logging.WithRequestID(ctx, requestID)
	c.logger.Trace(logCtx, "backend request", zap.String("operation", op),
		zap.String("method", method), zap.String("url", target.Redacted()))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "request failed")
		c.logger.Debug(logCtx, "backend request failed", zap.String("operation", op), zap.Error(err))
		return nil, fmt.Errorf("%s %s: %w", method, target.Path, err)
	}
	defer resp.Body.Close()

	code = strconv.Itoa(resp.StatusCode)
	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))

	raw, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBody+1))
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if int64(len(raw)) > c.maxBody {
		err := fmt.Errorf("%s %s: %w: more than %d bytes", method, target.Path, ErrResponseTooLarge, c.maxBody)
		span.RecordError(err)
		span.SetStatus(codes.Error, "response too large")
		return nil, err
	}

	c.logger.Debug(logCtx, "backend response", zap.String("operation", op),
		zap.Int("status", resp.StatusCode), zap.Int("bytes", len(raw)),
		zap.Duration("elapsed", time.Since(start)))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		span.SetStatus(codes.Error, http.StatusText(resp.StatusCode))
		return nil, newStatusError(method, target.Path, resp.StatusCode, raw)
	}
	return raw, nil
}

// decorate sets the headers every request carries and returns its request id.
func (c *Client) decorate(req *http.Request, target *url.URL) string {
	requestID := uuid.NewString()
	req.Header.Set(RequestIDHeader, requestID)
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	if token := c.Token(); token != "" && c.sameOrigin(target) {
		req.AddCookie(&http.Cookie{Name: c.cookieName, Value: token})
	}
	return requestID
}

func (c *Client) sameOrigin(u *url.URL) bool {
	return u.Scheme == c.base.Scheme && u.Host == c.base.Host
}
