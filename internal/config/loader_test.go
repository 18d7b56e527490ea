package config

import (
	"bytes"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"
)

// setupConfigDir points HOME at a temp dir and creates the allowed config directory.
func setupConfigDir(t *testing.T) string {
	t.Helper()

	home := t.TempDir()
	t.Setenv("HOME", home)

	configDir := filepath.Join(home, ".config", "scratchsync")
	if err := os.MkdirAll(configDir, 0700); err != nil {
		t.Fatalf("Failed to create config dir: %v", err)
	}
	return configDir
}

func writeConfig(t *testing.T, dir, content string, perm os.FileMode) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), perm); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}
	return path
}

func TestLoadWithFile_ValidYAML(t *testing.T) {
	dir := setupConfigDir(t)
	path := writeConfig(t, dir, `backend:
  base_url: https://codingnplay.example
  timeout: 15s
session:
  cookie_name: auth
registry:
  driver: sqlite
  path: /tmp/registry.sqlite
server:
  http_port: 8081
`, 0600)

	cfg, err := LoadWithFile(path)
	if err != nil {
		t.Fatalf("LoadWithFile() error = %v, want nil", err)
	}

	if cfg.Backend.BaseURL != "https://codingnplay.example" {
		t.Errorf("Backend.BaseURL = %q", cfg.Backend.BaseURL)
	}
	if cfg.Backend.Timeout != 15*time.Second {
		t.Errorf("Backend.Timeout = %v, want 15s", cfg.Backend.Timeout)
	}
	if cfg.Session.CookieName != "auth" {
		t.Errorf("Session.CookieName = %q, want auth", cfg.Session.CookieName)
	}
	if cfg.Registry.Driver != "sqlite" || cfg.Registry.Path != "/tmp/registry.sqlite" {
		t.Errorf("Registry = %+v", cfg.Registry)
	}
	if cfg.Server.Port != 8081 {
		t.Errorf("Server.Port = %d, want 8081", cfg.Server.Port)
	}
	// Untouched sections keep their defaults.
	if cfg.Session.SessionPath != "/api/scratch/auth/session" {
		t.Errorf("Session.SessionPath = %q", cfg.Session.SessionPath)
	}
}

func TestLoadWithFile_EnvironmentOverride(t *testing.T) {
	dir := setupConfigDir(t)
	path := writeConfig(t, dir, `backend:
  base_url: https://yaml.example
server:
  http_port: 9090
`, 0600)

	t.Setenv("SCRATCHSYNC_BACKEND_BASE_URL", "https://env.example")
	t.Setenv("SCRATCHSYNC_SERVER_HTTP_PORT", "7777")

	cfg, err := LoadWithFile(path)
	if err != nil {
		t.Fatalf("LoadWithFile() error = %v, want nil", err)
	}

	if cfg.Backend.BaseURL != "https://env.example" {
		t.Errorf("Backend.BaseURL = %q, want env override", cfg.Backend.BaseURL)
	}
	if cfg.Server.Port != 7777 {
		t.Errorf("Server.Port = %d, want 7777 (from env override)", cfg.Server.Port)
	}
}

func TestLoadWithFile_MissingFile(t *testing.T) {
	dir := setupConfigDir(t)

	cfg, err := LoadWithFile(filepath.Join(dir, "absent.yaml"))
	if err != nil {
		t.Fatalf("LoadWithFile() error = %v, want defaults", err)
	}
	if cfg.Backend.Timeout != 30*time.Second {
		t.Errorf("Backend.Timeout = %v, want default 30s", cfg.Backend.Timeout)
	}
}

func TestLoadWithFile_InvalidYAML(t *testing.T) {
	dir := setupConfigDir(t)
	path := writeConfig(t, dir, "backend: [unterminated\n", 0600)

	if _, err := LoadWithFile(path); err == nil {
		t.Error("Expected error for invalid YAML, got nil")
	}
}

func TestLoadWithFile_Validation(t *testing.T) {
	dir := setupConfigDir(t)
	path := writeConfig(t, dir, `registry:
  driver: redis
`, 0600)

	_, err := LoadWithFile(path)
	if err == nil {
		t.Fatal("Expected validation error, got nil")
	}
	if !strings.Contains(err.Error(), "validation failed") {
		t.Errorf("Expected validation error, got: %v", err)
	}
}

func TestLoadWithFile_PathTraversal(t *testing.T) {
	setupConfigDir(t)

	_, err := LoadWithFile("/tmp/evil/config.yaml")
	if err == nil || !strings.Contains(err.Error(), "path validation") {
		t.Errorf("Expected path validation error, got: %v", err)
	}
}

func TestLoadWithFile_InsecurePermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("Skipping permission test on Windows")
	}

	dir := setupConfigDir(t)
	path := writeConfig(t, dir, "server:\n  http_port: 9090\n", 0644)

	_, err := LoadWithFile(path)
	if err == nil {
		t.Fatal("Expected error for insecure permissions, got nil")
	}
	if !strings.Contains(err.Error(), "insecure") {
		t.Errorf("Expected 'insecure permissions' error, got: %v", err)
	}
}

func TestLoadWithFile_FileTooLarge(t *testing.T) {
	dir := setupConfigDir(t)
	path := filepath.Join(dir, "config.yaml")

	largeContent := bytes.Repeat([]byte("# comment line\n"), 150000)
	if err := os.WriteFile(path, largeContent, 0600); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}

	_, err := LoadWithFile(path)
	if err == nil {
		t.Fatal("Expected error for large file, got nil")
	}
	if !strings.Contains(err.Error(), "too large") {
		t.Errorf("Expected 'too large' error, got: %v", err)
	}
}
