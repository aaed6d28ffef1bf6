// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML loading, env var expansion, defaults, and duration parsing

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("writing config file: %v", err)
	}
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	path := writeConfig(t, `
server:
  http_addr: "0.0.0.0:8080"
  base_url: "https://gateway.example.com"

database:
  path: "./test.db"

auth:
  jwt_secret: "super-secret"

gateway:
  stateless: true
  pass_environment: true
  shutdown_timeout: "45s"

logging:
  level: "debug"
  format: "json"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.Server.HTTPAddr != "0.0.0.0:8080" {
		t.Errorf("HTTPAddr = %q, want 0.0.0.0:8080", cfg.Server.HTTPAddr)
	}
	if cfg.Server.BaseURL != "https://gateway.example.com" {
		t.Errorf("BaseURL = %q", cfg.Server.BaseURL)
	}
	if cfg.Database.Path != "./test.db" {
		t.Errorf("Database.Path = %q", cfg.Database.Path)
	}
	if cfg.Auth.JWTSecret != "super-secret" {
		t.Errorf("JWTSecret = %q", cfg.Auth.JWTSecret)
	}
	if !cfg.Gateway.Stateless || !cfg.Gateway.PassEnvironment {
		t.Errorf("gateway flags not parsed: %+v", cfg.Gateway)
	}
	if cfg.Gateway.ShutdownTimeout != 45*time.Second {
		t.Errorf("ShutdownTimeout = %v, want 45s", cfg.Gateway.ShutdownTimeout)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("logging not parsed: %+v", cfg.Logging)
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("TEST_GATEWAY_SECRET", "expanded-secret")

	path := writeConfig(t, `
server:
  http_addr: "127.0.0.1:8080"
database:
  path: "./test.db"
auth:
  jwt_secret: "${TEST_GATEWAY_SECRET}"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}
	if cfg.Auth.JWTSecret != "expanded-secret" {
		t.Errorf("JWTSecret = %q, want expanded-secret", cfg.Auth.JWTSecret)
	}
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, `
server:
  http_addr: "127.0.0.1:8080"
database:
  path: "./test.db"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}
	if cfg.Server.BaseURL != "http://127.0.0.1:8080" {
		t.Errorf("BaseURL default = %q", cfg.Server.BaseURL)
	}
	if cfg.Gateway.ShutdownTimeout != 30*time.Second {
		t.Errorf("ShutdownTimeout default = %v", cfg.Gateway.ShutdownTimeout)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("Logging.Level default = %q", cfg.Logging.Level)
	}
}

func TestLoad_MissingHTTPAddr(t *testing.T) {
	path := writeConfig(t, `
database:
  path: "./test.db"
`)

	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "server.http_addr") {
		t.Errorf("expected http_addr validation error, got %v", err)
	}
}

func TestLoad_MissingDatabasePath(t *testing.T) {
	path := writeConfig(t, `
server:
  http_addr: "127.0.0.1:8080"
`)

	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "database.path") {
		t.Errorf("expected database.path validation error, got %v", err)
	}
}

func TestLoad_BadDuration(t *testing.T) {
	path := writeConfig(t, `
server:
  http_addr: "127.0.0.1:8080"
database:
  path: "./test.db"
gateway:
  shutdown_timeout: "not-a-duration"
`)

	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "shutdown_timeout") {
		t.Errorf("expected duration parse error, got %v", err)
	}
}

func TestLoad_BadLogLevel(t *testing.T) {
	path := writeConfig(t, `
server:
  http_addr: "127.0.0.1:8080"
database:
  path: "./test.db"
logging:
  level: "verbose"
`)

	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "logging.level") {
		t.Errorf("expected log level validation error, got %v", err)
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}
