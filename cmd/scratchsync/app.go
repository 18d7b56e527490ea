package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/fyrsmithlabs/scratchsync/internal/appstate"
	"github.com/fyrsmithlabs/scratchsync/internal/backend"
	"github.com/fyrsmithlabs/scratchsync/internal/catalog"
	"github.com/fyrsmithlabs/scratchsync/internal/config"
	"github.com/fyrsmithlabs/scratchsync/internal/engine"
	"github.com/fyrsmithlabs/scratchsync/internal/logging"
	"github.com/fyrsmithlabs/scratchsync/internal/persister"
	"github.com/fyrsmithlabs/scratchsync/internal/registry"
	"github.com/fyrsmithlabs/scratchsync/internal/session"
	"github.com/fyrsmithlabs/scratchsync/internal/telemetry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/scratchsync/cmd/scratchsync"

// app holds the components shared by every command of one invocation.
type app struct {
	cfg       *config.Config
	logger    *logging.Logger
	telemetry *telemetry.Telemetry
	client    *backend.Client
	registry  *registry.Registry
	state     *appstate.State
	persister *persister.Persister
	session   *session.Bootstrapper
}

var current *app

// setup loads configuration and builds the shared components. Flags
// override config file and environment values.
func setup(cmd *cobra.Command, _ []string) error {
	switch outputFormat {
	case "table", "json", "yaml", "toml":
	default:
		return fmt.Errorf("invalid output format %q (want table, json, yaml or toml)", outputFormat)
	}

	cfg, err := config.LoadWithFile(cfgFile)
	if err != nil {
		return err
	}
	if serverURL != "" {
		cfg.Backend.BaseURL = serverURL
	}
	if registryPath != "" {
		cfg.Registry.Path = registryPath
		if cfg.Registry.Driver == "memory" {
			cfg.Registry.Driver = "file"
		}
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if cookie != "" {
		cfg.Session.Token = config.Secret(cookie)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	a, err := newApp(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	current = a
	return nil
}

func teardown(cmd *cobra.Command, _ []string) error {
	if current == nil {
		return nil
	}
	err := current.Close(cmd.Context())
	current = nil
	return err
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	tel, err := telemetry.New(ctx, telemetry.FromAppConfig(cfg.Telemetry, version))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	logCfg, err := logging.NewCLIConfig(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return nil, err
	}
	logger, err := logging.NewLogger(logCfg, tel.LoggerProvider())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	client, err := backend.New(backend.Config{
		BaseURL:     cfg.Backend.BaseURL,
		Timeout:     cfg.Backend.Timeout,
		RateLimit:   cfg.Backend.RateLimit,
		RateBurst:   cfg.Backend.RateBurst,
		UserAgent:   cfg.Backend.UserAgent + "/" + version,
		CookieName:  cfg.Session.CookieName,
		SessionPath: cfg.Session.SessionPath,
		LogoutPath:  cfg.Session.LogoutPath,
		Tracer:      tel.Tracer(instrumentationName),
		Logger:      logger.Named("backend"),
	})
	if err != nil {
		return nil, err
	}
	client.SetToken(cfg.Session.Token.Value())

	store, err := registry.Open(cfg.Registry.Driver, cfg.Registry.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open registry: %w", err)
	}
	reg, err := registry.New(ctx, store, logger.Named("registry"))
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to load registry: %w", err)
	}

	state := appstate.New()
	a := &app{
		cfg:       cfg,
		logger:    logger,
		telemetry: tel,
		client:    client,
		registry:  reg,
		state:     state,
		persister: persister.New(reg, client, persister.Config{
			Logger: logger.Named("persister"),
			Tracer: tel.Tracer(instrumentationName),
			Meter:  tel.Meter(instrumentationName),
		}),
		session: session.NewBootstrapper(client, state, session.Config{
			DefaultThumbnail: cfg.Session.DefaultThumbnail,
			Logger:           logger.Named("session"),
			Tracer:           tel.Tracer(instrumentationName),
			Meter:            tel.Meter(instrumentationName),
		}),
	}
	logger.Debug(ctx, "scratchsync initialized",
		zap.String("backend", cfg.Backend.BaseURL),
		zap.String("registry_driver", cfg.Registry.Driver),
		zap.Bool("credential", cfg.Session.Token.IsSet()))
	return a, nil
}

// catalog builds a catalog client that loads projects into e.
func (a *app) catalog(e engine.Engine) *catalog.Client {
	return catalog.New(a.client, a.persister, a.registry, e, a.state, catalog.Config{
		Logger: a.logger.Named("catalog"),
		Tracer: a.telemetry.Tracer(instrumentationName),
		Meter:  a.telemetry.Meter(instrumentationName),
	})
}

// Close flushes telemetry and releases the registry store.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	if err := a.registry.Close(); err != nil {
		errs = append(errs, fmt.Errorf("registry close: %w", err))
	}
	if err := a.telemetry.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("telemetry shutdown: %w", err))
	}
	_ = a.logger.Sync()
	return errors.Join(errs...)
}

// readFile reads a local input file, treating "-" as stdin.
func readFile(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return data, nil
}
