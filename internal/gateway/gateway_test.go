// ABOUTME: Tests for gateway assembly, request routing, and autostart behavior
// ABOUTME: Uses a real SQLite store on a temp path

package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/mcp-gateway/internal/config"
	"github.com/2389/mcp-gateway/internal/store"
)

func testGatewayConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Server: config.ServerConfig{
			HTTPAddr: "127.0.0.1:0",
			BaseURL:  "http://gateway.local",
		},
		Database: config.DatabaseConfig{
			Path: filepath.Join(t.TempDir(), "gateway.db"),
		},
		Gateway: config.GatewayConfig{
			ShutdownTimeout: 5 * time.Second,
		},
		Logging: config.LoggingConfig{Level: "error"},
	}
}

func newTestGateway(t *testing.T) *Gateway {
	t.Helper()
	g, err := New(testGatewayConfig(t), nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		g.Shutdown(ctx)
	})
	return g
}

func TestNewWiresRoutes(t *testing.T) {
	g := newTestGateway(t)

	// Health is served without auth.
	rec := httptest.NewRecorder()
	g.httpServer.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	// Server listing works against the empty store.
	rec = httptest.NewRecorder()
	g.httpServer.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/servers", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "servers")

	// Unmounted forwarding paths 404.
	rec = httptest.NewRecorder()
	g.httpServer.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/servers/ghost/mcp", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAuthAppliedWhenSecretConfigured(t *testing.T) {
	cfg := testGatewayConfig(t)
	cfg.Auth.JWTSecret = "gateway-test-secret-0123456789ab"
	g, err := New(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { g.Shutdown(context.Background()) })

	// Management API requires a token.
	rec := httptest.NewRecorder()
	g.httpServer.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/servers", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Forwarding endpoints stay open to anonymous clients; an unmounted
	// backend still 404s rather than 401s.
	rec = httptest.NewRecorder()
	g.httpServer.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/servers/ghost/mcp", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAutostartSkipsBrokenConfigs(t *testing.T) {
	g := newTestGateway(t)

	// Enabled config whose command does not exist, plus a disabled one.
	require.NoError(t, g.store.CreateServerConfig(context.Background(), &store.ServerConfig{
		Name:    "broken",
		Enabled: true,
		Timeout: 1,
		Transport: store.TransportConfig{
			Kind:    store.TransportStdio,
			Command: "/nonexistent/mcp-server",
		},
	}))
	require.NoError(t, g.store.CreateServerConfig(context.Background(), &store.ServerConfig{
		Name:    "dormant",
		Enabled: false,
		Timeout: 1,
		Transport: store.TransportConfig{
			Kind:    store.TransportStdio,
			Command: "/nonexistent/mcp-server",
		},
	}))

	// Must not panic or abort; the broken backend lands in error state and
	// the disabled one is untouched.
	g.autostart(context.Background())

	status, err := g.manager.Status(context.Background(), "broken")
	require.NoError(t, err)
	assert.Equal(t, "error", status.State)

	status, err = g.manager.Status(context.Background(), "dormant")
	require.NoError(t, err)
	assert.Equal(t, "stopped", status.State)
}

func TestRunServesAndShutsDown(t *testing.T) {
	g, err := New(testGatewayConfig(t), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- g.Run(ctx) }()

	// Give the listener a moment, then stop.
	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}
