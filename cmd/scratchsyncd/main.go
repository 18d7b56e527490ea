// Package main implements scratchsyncd, the reference project backend.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fyrsmithlabs/scratchsync/internal/backend"
	"github.com/fyrsmithlabs/scratchsync/internal/config"
	"github.com/fyrsmithlabs/scratchsync/internal/devserver"
	"github.com/fyrsmithlabs/scratchsync/internal/events"
	"github.com/fyrsmithlabs/scratchsync/internal/logging"
	"github.com/fyrsmithlabs/scratchsync/internal/telemetry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/scratchsync/cmd/scratchsyncd"

var (
	// version information (set via ldflags during build)
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"

	cfgFile string

	// serve flags
	devUser string

	// token flags
	tokenUser      string
	tokenID        int64
	tokenRole      string
	tokenClassroom string
	tokenTTL       time.Duration
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "scratchsyncd",
	Short: "Reference scratchsync project backend",
	Long: `scratchsyncd serves the project backend HTTP surface from memory: session,
logout, create/update/delete/list projects, thumbnails and project
downloads, with a per-user storage quota. Project changes are published to
NATS and streamed to clients at /api/scratch/events. Use it for local
development and integration testing of the scratchsync client.`,
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the backend",
	Long: `Start the backend and serve until SIGINT or SIGTERM.

Examples:
  scratchsyncd serve
  SCRATCHSYNC_SERVER_HTTP_PORT=8080 scratchsyncd serve --dev-user ada`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue a session cookie value",
	Long: `Sign a session token for a user with server.signing_key. The server must
run with the same key to accept it.

Examples:
  scratchsyncd token --user ada --role teacher`,
	Args: cobra.NoArgs,
	RunE: runToken,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "scratchsyncd by Fyrsmith Labs\n")
		fmt.Fprintf(cmd.OutOrStdout(), "Version:    %s\n", version)
		fmt.Fprintf(cmd.OutOrStdout(), "Commit:     %s\n", gitCommit)
		fmt.Fprintf(cmd.OutOrStdout(), "Build Date: %s\n", buildDate)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.config/scratchsync/config.yaml)")
	rootCmd.AddCommand(serveCmd, tokenCmd, versionCmd)

	serveCmd.Flags().StringVar(&devUser, "dev-user", "", "print a session token for this user at startup")

	tokenCmd.Flags().StringVar(&tokenUser, "user", "", "username (required)")
	tokenCmd.Flags().Int64Var(&tokenID, "id", 1, "numeric user id")
	tokenCmd.Flags().StringVar(&tokenRole, "role", "", "classroom role: student, teacher, admin or manager")
	tokenCmd.Flags().StringVar(&tokenClassroom, "classroom", "", "classroom (center) id")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "token lifetime")
	_ = tokenCmd.MarkFlagRequired("user")
}

// serverConfig maps application config onto the devserver.
func serverConfig(cfg *config.Config, tel *telemetry.Telemetry) *devserver.Config {
	return &devserver.Config{
		Host:       cfg.Server.Host,
		Port:       cfg.Server.Port,
		CookieName: cfg.Session.CookieName,
		QuotaBytes: cfg.Server.QuotaBytes,
		SigningKey: []byte(cfg.Server.SigningKey.Value()),
		Meter:      tel.Meter(instrumentationName),

		HeartbeatInterval: cfg.Events.Heartbeat,
	}
}

// startEvents connects the project change feed, starting an embedded NATS
// server when no external one is configured. stop closes the connection
// and any embedded server; it is non-nil whenever err is nil.
func startEvents(cfg *config.Config, tel *telemetry.Telemetry, logger *logging.Logger) (bus *events.Bus, stop func(), err error) {
	if cfg.Events.Disabled {
		return nil, func() {}, nil
	}

	url := cfg.Events.URL
	var embedded *events.Embedded
	if url == "" {
		port := cfg.Events.EmbeddedPort
		if port == 0 {
			port = -1
		}
		if embedded, err = events.StartEmbedded(cfg.Events.EmbeddedHost, port); err != nil {
			return nil, nil, err
		}
		url = embedded.ClientURL()
	}

	nc, err := events.Connect(url, "scratchsyncd", logger)
	if err != nil {
		if embedded != nil {
			embedded.Shutdown()
		}
		return nil, nil, err
	}
	stop = func() {
		nc.Close()
		if embedded != nil {
			embedded.Shutdown()
		}
	}

	bus, err = events.NewBus(nc, events.Config{
		Prefix: cfg.Events.Prefix,
		Logger: logger,
		Meter:  tel.Meter(instrumentationName),
	})
	if err != nil {
		stop()
		return nil, nil, err
	}
	logger.Info(context.Background(), "project events enabled",
		zap.Bool("embedded", embedded != nil), zap.String("url", nc.ConnectedUrlRedacted()))
	return bus, stop, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	cfg, err := config.LoadWithFile(cfgFile)
	if err != nil {
		return err
	}

	tel, err := telemetry.New(ctx, telemetry.FromAppConfig(cfg.Telemetry, version))
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		_ = tel.Shutdown(shutdownCtx)
	}()

	logCfg, err := logging.NewServerConfig(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return err
	}
	logger, err := logging.NewLogger(logCfg, tel.LoggerProvider())
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	if !cfg.Server.SigningKey.IsSet() {
		logger.Warn(ctx, "server.signing_key not set, generated a random key; tokens from other processes will be rejected")
	}

	bus, stopEvents, err := startEvents(cfg, tel, logger.Named("events"))
	if err != nil {
		return fmt.Errorf("failed to start project events: %w", err)
	}
	defer stopEvents()

	scfg := serverConfig(cfg, tel)
	scfg.Events = bus
	srv, err := devserver.NewServer(logger, scfg)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	if devUser != "" {
		tok, err := srv.IssueToken(backend.SessionUser{UserID: devUser, ID: 1}, 24*time.Hour)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "dev session for %s:\n%s\n", devUser, tok)
	}

	logger.Info(ctx, "starting scratchsyncd",
		zap.String("host", cfg.Server.Host),
		zap.Int("port", cfg.Server.Port),
		zap.Int64("quota_bytes", cfg.Server.QuotaBytes),
		zap.Bool("events", bus != nil),
		zap.Duration("shutdown_timeout", cfg.Server.ShutdownTimeout))

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}
	logger.Info(shutdownCtx, "server shutdown complete")
	return nil
}

func runToken(cmd *cobra.Command, _ []string) error {
	cfg, err := config.LoadWithFile(cfgFile)
	if err != nil {
		return err
	}
	if !cfg.Server.SigningKey.IsSet() {
		return errors.New("server.signing_key must be configured to issue tokens for a running server")
	}

	auth, err := devserver.NewAuthenticator([]byte(cfg.Server.SigningKey.Value()), nil)
	if err != nil {
		return err
	}
	tok, err := auth.Issue(backend.SessionUser{
		UserID:   tokenUser,
		ID:       backend.FileID(tokenID),
		Role:     tokenRole,
		CenterID: tokenClassroom,
	}, tokenTTL)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), tok)
	return nil
}
