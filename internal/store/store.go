// ABOUTME: Store interface and data types for mcp-gateway persistence
// ABOUTME: Defines ServerConfig, GlobalConfig and the Store interface for database operations

package store

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateServer is returned when trying to create a server config whose name is taken
var ErrDuplicateServer = errors.New("server config already exists")

// Transport kind constants for backend server configurations
const (
	TransportStdio          = "stdio"
	TransportSSE            = "sse"
	TransportStreamableHTTP = "streamable-http"
)

// serverNamePattern restricts names to characters that are safe in URL paths.
var serverNamePattern = regexp.MustCompile(`^[a-zA-Z0-9 _-]{1,64}$`)

// TransportConfig describes how to reach a backend MCP server.
// Command/Args/Env apply to stdio transports; URL/Headers to the HTTP ones.
type TransportConfig struct {
	Kind    string            `json:"kind"`
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	URL     string            `json:"url,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

// AuthConfig describes upstream authorization for a backend server.
// Only the client-credentials scheme is supported.
type AuthConfig struct {
	Method       string `json:"method"`
	ClientID     string `json:"client_id,omitempty"`
	ClientSecret string `json:"client_secret,omitempty"`
}

// ServerConfig is one backend server's stored configuration.
type ServerConfig struct {
	Name      string
	Enabled   bool
	Timeout   int // connect timeout in seconds, 1..3600
	Transport TransportConfig
	Auth      *AuthConfig
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Validate checks the configuration invariants before persisting.
func (c *ServerConfig) Validate() error {
	if !serverNamePattern.MatchString(c.Name) {
		return fmt.Errorf("server name %q must match [a-zA-Z0-9 _-]{1,64}", c.Name)
	}
	if c.Timeout < 1 || c.Timeout > 3600 {
		return fmt.Errorf("timeout %d out of range 1..3600", c.Timeout)
	}

	switch c.Transport.Kind {
	case TransportStdio:
		if c.Transport.Command == "" {
			return fmt.Errorf("stdio transport requires a command")
		}
	case TransportSSE, TransportStreamableHTTP:
		if c.Transport.URL == "" {
			return fmt.Errorf("%s transport requires a url", c.Transport.Kind)
		}
	default:
		return fmt.Errorf("unknown transport kind %q", c.Transport.Kind)
	}

	if c.Auth != nil && c.Auth.Method != "client-credentials" {
		return fmt.Errorf("unknown auth method %q", c.Auth.Method)
	}

	return nil
}

// GlobalConfig holds gateway-wide settings persisted alongside server configs.
type GlobalConfig struct {
	Stateless       bool   `json:"stateless"`
	LogLevel        string `json:"log_level"`
	PassEnvironment bool   `json:"pass_environment"`
}

// Store defines persistence operations for backend configurations.
type Store interface {
	CreateServerConfig(ctx context.Context, cfg *ServerConfig) error
	GetServerConfig(ctx context.Context, name string) (*ServerConfig, error)
	ListServerConfigs(ctx context.Context) ([]*ServerConfig, error)
	UpdateServerConfig(ctx context.Context, cfg *ServerConfig) error
	DeleteServerConfig(ctx context.Context, name string) error
	SetServerEnabled(ctx context.Context, name string, enabled bool) error

	GetGlobalConfig(ctx context.Context) (*GlobalConfig, error)
	SetGlobalConfig(ctx context.Context, cfg *GlobalConfig) error

	Close() error
}
