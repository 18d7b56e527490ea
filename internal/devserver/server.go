// Package devserver is an in-memory implementation of the project backend
// for local development and integration tests.
//
// It serves the same HTTP surface the client consumes, authenticates the
// session cookie, and enforces a per-user storage quota with 413 responses.
package devserver

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/fyrsmithlabs/scratchsync/internal/backend"
	"github.com/fyrsmithlabs/scratchsync/internal/events"
	"github.com/fyrsmithlabs/scratchsync/internal/logging"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// Config holds devserver configuration.
type Config struct {
	Host       string
	Port       int
	CookieName string
	QuotaBytes int64  // per user; 0 disables
	SigningKey []byte // empty generates a random key
	BodyLimit  string // echo size string, e.g. "256M"

	// Events receives project changes and backs the event stream. Nil
	// disables both.
	Events            *events.Bus
	HeartbeatInterval time.Duration

	Meter metric.Meter
	Now   func() time.Time
}

// Server serves the backend HTTP surface.
type Server struct {
	echo   *echo.Echo
	store  *Store
	auth   *Authenticator
	logger *logging.Logger
	config *Config
}

// NewServer creates a Server.
func NewServer(logger *logging.Logger, cfg *Config) (*Server, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == 0 {
		cfg.Port = 3000
	}
	if cfg.CookieName == "" {
		cfg.CookieName = backend.DefaultCookieKey
	}
	if cfg.BodyLimit == "" {
		cfg.BodyLimit = "256M"
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}

	auth, err := NewAuthenticator(cfg.SigningKey, cfg.Now)
	if err != nil {
		return nil, err
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		TargetHeader: backend.RequestIDHeader,
	}))
	e.Use(middleware.BodyLimit(cfg.BodyLimit))
	e.Use(NewHTTPMetrics(cfg.Meter, logger).Middleware())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			logger.Info(c.Request().Context(), "http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", c.Response().Header().Get(backend.RequestIDHeader)),
			)
			return err
		}
	})

	s := &Server{
		echo:   e,
		store:  NewStore(cfg.QuotaBytes, cfg.Now),
		auth:   auth,
		logger: logger,
		config: cfg,
	}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	s.echo.GET(backend.PathSession, s.handleSession)
	s.echo.GET(backend.PathLogout, s.handleLogout)

	api := s.echo.Group("/api/scratch", s.requireUser)
	api.POST("/save-project", s.handleCreate)
	api.PUT("/save-project/:fileId", s.handleUpdate)
	api.GET("/project/:fileId", s.handleProjectURL)
	api.DELETE("/project/:fileId", s.handleDelete)
	api.PUT("/project/:fileId/thumbnail", s.handleThumbnailUpdate)
	api.GET("/projects", s.handleList)
	api.GET("/events", s.handleEvents)

	s.echo.GET("/files/:fileId", s.handleFile, s.requireUser)
	s.echo.GET("/thumbnails/:fileId", s.handleThumbnail)
}

// Echo exposes the router for embedding and tests.
func (s *Server) Echo() *echo.Echo { return s.echo }

// Store exposes the project store.
func (s *Server) Store() *Store { return s.store }

// IssueToken signs a session cookie value for user.
func (s *Server) IssueToken(user backend.SessionUser, ttl time.Duration) (string, error) {
	return s.auth.Issue(user, ttl)
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}

// Start serves until Shutdown. It returns http.ErrServerClosed after a
// graceful shutdown.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info(context.Background(), "starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info(ctx, "shutting down http server")
	return s.echo.Shutdown(ctx)
}
