package logging

import (
	"errors"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/scratchsync/internal/config"
	"go.uber.org/zap/zapcore"
)

// Config holds logging configuration.
type Config struct {
	Level      zapcore.Level     `koanf:"level"`
	Format     string            `koanf:"format"` // json or console
	Output     OutputConfig      `koanf:"output"`
	Sampling   SamplingConfig    `koanf:"sampling"`
	Caller     CallerConfig      `koanf:"caller"`
	Stacktrace zapcore.Level     `koanf:"stacktrace"` // 0 disables
	Fields     map[string]string `koanf:"fields"`
	Redaction  RedactionConfig   `koanf:"redaction"`
}

// OutputConfig selects log sinks. Stderr wins over Stdout when both are
// set; CLI output owns stdout.
type OutputConfig struct {
	Stdout bool `koanf:"stdout"`
	Stderr bool `koanf:"stderr"`
	OTEL   bool `koanf:"otel"`
}

// SamplingConfig thins repeated Warn-and-below entries per Tick: the first
// Initial identical messages pass, then every Thereafter-th.
type SamplingConfig struct {
	Enabled    bool            `koanf:"enabled"`
	Tick       config.Duration `koanf:"tick"`
	Initial    int             `koanf:"initial"`
	Thereafter int             `koanf:"thereafter"`
}

type CallerConfig struct {
	Enabled bool `koanf:"enabled"`
	Skip    int  `koanf:"skip"`
}

// RedactionConfig masks sensitive field values and message substrings.
type RedactionConfig struct {
	Enabled  bool     `koanf:"enabled"`
	Fields   []string `koanf:"fields"`
	Patterns []string `koanf:"patterns"`
}

// jwtPattern matches compact JWS tokens such as the session cookie.
const jwtPattern = `eyJ[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+\.[A-Za-z0-9_-]*`

const maxPatternLen = 200

// NewDefaultConfig returns the server configuration: JSON on stdout with
// sampling, caller info and credential redaction.
func NewDefaultConfig() *Config {
	return &Config{
		Level:  zapcore.InfoLevel,
		Format: "json",
		Output: OutputConfig{Stdout: true},
		Sampling: SamplingConfig{
			Enabled:    true,
			Tick:       config.Duration(time.Second),
			Initial:    100,
			Thereafter: 10,
		},
		Caller:     CallerConfig{Enabled: true, Skip: 2},
		Stacktrace: zapcore.ErrorLevel,
		Fields:     map[string]string{"service": "scratchsync"},
		Redaction: RedactionConfig{
			Enabled: true,
			Fields: []string{
				"token", "cookie", "authorization", "password",
				"secret", "credential", "thumbnail_base64",
			},
			Patterns: []string{`(?i)bearer\s+\S+`, jwtPattern},
		},
	}
}

// NewServerConfig is NewDefaultConfig with the level and format from the
// application config.
func NewServerConfig(level, format string) (*Config, error) {
	cfg := NewDefaultConfig()
	if err := cfg.apply(level, format); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

// NewCLIConfig returns an unsampled config writing to stderr, leaving
// stdout to command output.
func NewCLIConfig(level, format string) (*Config, error) {
	cfg := NewDefaultConfig()
	if err := cfg.apply(level, format); err != nil {
		return nil, err
	}
	cfg.Output = OutputConfig{Stderr: true}
	cfg.Caller.Enabled = false
	cfg.Sampling.Enabled = false
	return cfg, cfg.Validate()
}

func (c *Config) apply(level, format string) error {
	lvl, err := LevelFromString(level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	c.Level = lvl
	if format != "" {
		c.Format = format
	}
	return nil
}

// Validate checks config for errors.
func (c *Config) Validate() error {
	switch {
	case c.Format != "json" && c.Format != "console":
		return fmt.Errorf("format must be 'json' or 'console', got %q", c.Format)
	case !c.Output.Stdout && !c.Output.Stderr && !c.Output.OTEL:
		return errors.New("at least one output must be enabled (stdout, stderr or otel)")
	case c.Sampling.Enabled && c.Sampling.Tick.Duration() <= 0:
		return errors.New("sampling tick must be > 0 when sampling enabled")
	case c.Sampling.Enabled && (c.Sampling.Initial < 0 || c.Sampling.Thereafter < 0):
		return errors.New("sampling initial and thereafter must be >= 0")
	case c.Caller.Enabled && c.Caller.Skip < 0:
		return fmt.Errorf("caller skip must be >= 0, got %d", c.Caller.Skip)
	}

	if c.Redaction.Enabled {
		if _, err := compilePatterns(c.Redaction.Patterns); err != nil {
			return err
		}
	}

	for k, v := range c.Fields {
		if k == "" {
			return errors.New("field key cannot be empty")
		}
		if v == "" {
			return fmt.Errorf("field %q has empty value", k)
		}
	}
	return nil
}
