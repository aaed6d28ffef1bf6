// ABOUTME: Builds MCP client transports from stored server configs and dials sessions
// ABOUTME: Supports stdio, sse, and streamable-http transports with header decoration

package upstream

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/2389/mcp-gateway/internal/store"
)

// ErrUnsupportedTransport is returned when a config names a transport kind
// the gateway does not implement.
var ErrUnsupportedTransport = errors.New("unsupported transport")

// clientInfo identifies the gateway to upstream servers during initialize.
var clientInfo = &mcp.Implementation{
	Name:    "mcp-gateway",
	Version: "1.0.0",
}

// Options adjusts how a session is dialed.
type Options struct {
	// ExtraEnv overlays the config's own environment for stdio transports.
	// Ignored for HTTP transports.
	ExtraEnv map[string]string

	// PassEnvironment inherits the gateway's full process environment into
	// stdio commands. When false, only a small allowlist (PATH, HOME, and the
	// like) is passed through.
	PassEnvironment bool

	Logger *slog.Logger
}

// Dial connects to the backend described by cfg and returns the initialized
// session. The config's timeout bounds the connect handshake, not the
// session lifetime.
func Dial(ctx context.Context, cfg *store.ServerConfig, opts Options) (*mcp.ClientSession, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default().With("component", "upstream")
	}

	transport, err := buildTransport(cfg, opts)
	if err != nil {
		return nil, err
	}

	connectCtx, cancel := context.WithTimeout(ctx, time.Duration(cfg.Timeout)*time.Second)
	defer cancel()

	client := mcp.NewClient(clientInfo, nil)
	session, err := client.Connect(connectCtx, transport, nil)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", cfg.Name, err)
	}

	logger.Info("upstream session established",
		"server", cfg.Name,
		"transport", cfg.Transport.Kind,
		"session_id", session.ID())
	return session, nil
}

// buildTransport constructs the mcp.Transport for the configured kind.
func buildTransport(cfg *store.ServerConfig, opts Options) (mcp.Transport, error) {
	switch cfg.Transport.Kind {
	case store.TransportStdio:
		return buildStdioTransport(cfg, opts)
	case store.TransportSSE:
		return &mcp.SSEClientTransport{
			Endpoint:   cfg.Transport.URL,
			HTTPClient: decoratedHTTPClient(cfg),
		}, nil
	case store.TransportStreamableHTTP:
		return &mcp.StreamableClientTransport{
			Endpoint:   cfg.Transport.URL,
			HTTPClient: decoratedHTTPClient(cfg),
			MaxRetries: 3,
		}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedTransport, cfg.Transport.Kind)
	}
}

// inheritedEnvKeys is the allowlist passed to stdio commands when full
// environment inheritance is disabled.
var inheritedEnvKeys = []string{"PATH", "HOME", "USER", "LANG", "TMPDIR", "TERM"}

// buildStdioTransport spawns the configured command with the inherited
// environment, the config's env, and the per-start overlay merged in that
// order, so later entries win.
func buildStdioTransport(cfg *store.ServerConfig, opts Options) (mcp.Transport, error) {
	if cfg.Transport.Command == "" {
		return nil, fmt.Errorf("%w: stdio config for %s has no command", ErrUnsupportedTransport, cfg.Name)
	}

	cmd := exec.Command(cfg.Transport.Command, cfg.Transport.Args...)

	var env []string
	if opts.PassEnvironment {
		env = os.Environ()
	} else {
		for _, key := range inheritedEnvKeys {
			if value, ok := os.LookupEnv(key); ok {
				env = append(env, fmt.Sprintf("%s=%s", key, value))
			}
		}
	}
	for k, v := range cfg.Transport.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	for k, v := range opts.ExtraEnv {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	cmd.Env = env

	return &mcp.CommandTransport{Command: cmd}, nil
}

// decoratedHTTPClient wraps the default transport so every request carries
// the configured headers and, for client-credentials auth, a Basic
// Authorization header built from the client ID and secret.
func decoratedHTTPClient(cfg *store.ServerConfig) *http.Client {
	headers := make(http.Header)
	for k, v := range cfg.Transport.Headers {
		headers.Set(k, v)
	}
	if cfg.Auth != nil && cfg.Auth.Method == "client-credentials" {
		credentials := base64.StdEncoding.EncodeToString(
			[]byte(cfg.Auth.ClientID + ":" + cfg.Auth.ClientSecret))
		headers.Set("Authorization", "Basic "+credentials)
	}

	return &http.Client{
		Transport: &headerRoundTripper{
			headers: headers,
			next:    http.DefaultTransport,
		},
	}
}

// headerRoundTripper adds fixed headers to every outgoing request.
type headerRoundTripper struct {
	headers http.Header
	next    http.RoundTripper
}

func (h *headerRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	// Clone so retries never see a mutated original.
	clone := req.Clone(req.Context())
	for k, values := range h.headers {
		for _, v := range values {
			clone.Header.Set(k, v)
		}
	}
	return h.next.RoundTrip(clone)
}
