// Package config provides configuration loading for scratchsync.
//
// Configuration is layered: hardcoded defaults, then an optional YAML file,
// then SCRATCHSYNC_* environment variables. See LoadWithFile.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"time"
)

// Config holds the complete scratchsync configuration.
type Config struct {
	Backend   BackendConfig   `koanf:"backend"`
	Session   SessionConfig   `koanf:"session"`
	Registry  RegistryConfig  `koanf:"registry"`
	Server    ServerConfig    `koanf:"server"`
	Events    EventsConfig    `koanf:"events"`
	Logging   LoggingConfig   `koanf:"logging"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
}

// BackendConfig holds the outgoing HTTP client configuration.
type BackendConfig struct {
	BaseURL   string        `koanf:"base_url"`
	Timeout   time.Duration `koanf:"timeout"`
	RateLimit float64       `koanf:"rate_limit"` // requests per second
	RateBurst int           `koanf:"rate_burst"`
	UserAgent string        `koanf:"user_agent"`
}

// SessionConfig holds session bootstrap configuration.
type SessionConfig struct {
	CookieName       string `koanf:"cookie_name"`
	Token            Secret `koanf:"token"` // credential token, normally supplied per invocation
	DefaultThumbnail string `koanf:"default_thumbnail"`
	SessionPath      string `koanf:"session_path"`
	LogoutPath       string `koanf:"logout_path"`
}

// RegistryConfig selects where identifier mappings are persisted.
type RegistryConfig struct {
	Driver string `koanf:"driver"` // file, sqlite, memory
	Path   string `koanf:"path"`
	Watch  bool   `koanf:"watch"`
}

// ServerConfig holds reference backend configuration.
type ServerConfig struct {
	Host            string        `koanf:"http_host"`
	Port            int           `koanf:"http_port"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	QuotaBytes      int64         `koanf:"quota_bytes"`

	// SigningKey signs and verifies session cookies. A random key is
	// generated at startup when unset.
	SigningKey Secret `koanf:"signing_key"`
}

// EventsConfig configures the reference backend's project change feed.
type EventsConfig struct {
	Disabled bool   `koanf:"disabled"`
	URL      string `koanf:"url"` // external NATS server; empty starts an embedded one
	Prefix   string `koanf:"prefix"`

	EmbeddedHost string `koanf:"embedded_host"`
	EmbeddedPort int    `koanf:"embedded_port"` // 0 picks a free port

	Heartbeat time.Duration `koanf:"heartbeat"`
}

// LoggingConfig holds the subset of logging settings exposed to users.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// TelemetryConfig holds OpenTelemetry export settings.
type TelemetryConfig struct {
	Enabled     bool   `koanf:"enabled"`
	Endpoint    string `koanf:"endpoint"`
	Protocol    string `koanf:"protocol"`
	ServiceName string `koanf:"service_name"`
	Insecure    bool   `koanf:"insecure"`
}

// Default returns a Config populated with defaults only.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Validate validates the configuration.
//
// Returns an error if:
//   - backend.base_url is not an absolute http(s) URL
//   - backend.timeout or rate settings are not positive
//   - registry.driver is unknown, or a persistent driver has no path
//   - server port is not between 1 and 65535
//   - events.url is not a nats, tls, ws or wss URL
func (c *Config) Validate() error {
	u, err := url.Parse(c.Backend.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid backend base_url: %q", c.Backend.BaseURL)
	}
	if c.Backend.Timeout <= 0 {
		return errors.New("backend timeout must be positive")
	}
	if c.Backend.RateLimit <= 0 || c.Backend.RateBurst <= 0 {
		return errors.New("backend rate_limit and rate_burst must be positive")
	}
	if c.Session.CookieName == "" {
		return errors.New("session cookie_name is required")
	}

	switch c.Registry.Driver {
	case "memory":
	case "file", "sqlite":
		if c.Registry.Path == "" {
			return fmt.Errorf("registry path required for driver %q", c.Registry.Driver)
		}
	default:
		return fmt.Errorf("unknown registry driver %q (want file, sqlite or memory)", c.Registry.Driver)
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port)
	}
	if c.Server.ShutdownTimeout <= 0 {
		return errors.New("shutdown timeout must be positive")
	}
	if c.Server.QuotaBytes < 0 {
		return errors.New("server quota_bytes cannot be negative")
	}
	if c.Server.SigningKey.IsSet() && len(c.Server.SigningKey.Value()) < 32 {
		return errors.New("server signing_key must be at least 32 bytes")
	}

	if c.Events.URL != "" {
		u, err := url.Parse(c.Events.URL)
		if err != nil || u.Host == "" {
			return fmt.Errorf("invalid events url: %q", c.Events.URL)
		}
		switch u.Scheme {
		case "nats", "tls", "ws", "wss":
		default:
			return fmt.Errorf("invalid events url scheme %q (want nats, tls, ws or wss)", u.Scheme)
		}
	}
	if c.Events.EmbeddedPort < 0 || c.Events.EmbeddedPort > 65535 {
		return fmt.Errorf("invalid events embedded_port: %d", c.Events.EmbeddedPort)
	}
	if c.Events.Heartbeat <= 0 {
		return errors.New("events heartbeat must be positive")
	}

	if c.Telemetry.Enabled && c.Telemetry.ServiceName == "" {
		return errors.New("service name required when telemetry is enabled")
	}

	return nil
}
