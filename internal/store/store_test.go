// ABOUTME: Tests for the SQLite server config store
// ABOUTME: Covers CRUD, validation rules, enabled-flag updates, and global config

package store

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestStore creates a temporary SQLite store for testing.
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")

	store, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)

	t.Cleanup(func() {
		store.Close()
	})

	return store
}

func stdioConfig(name string) *ServerConfig {
	return &ServerConfig{
		Name:    name,
		Enabled: true,
		Timeout: 30,
		Transport: TransportConfig{
			Kind:    TransportStdio,
			Command: "mcp-server-filesystem",
			Args:    []string{"--root", "/tmp"},
			Env:     map[string]string{"LOG_LEVEL": "debug"},
		},
	}
}

func TestStore_CreateAndGetServerConfig(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	cfg := stdioConfig("filesystem")
	cfg.Auth = &AuthConfig{Method: "client-credentials", ClientID: "id", ClientSecret: "secret"}
	require.NoError(t, store.CreateServerConfig(ctx, cfg))

	got, err := store.GetServerConfig(ctx, "filesystem")
	require.NoError(t, err)
	assert.Equal(t, "filesystem", got.Name)
	assert.True(t, got.Enabled)
	assert.Equal(t, 30, got.Timeout)
	assert.Equal(t, TransportStdio, got.Transport.Kind)
	assert.Equal(t, []string{"--root", "/tmp"}, got.Transport.Args)
	assert.Equal(t, "debug", got.Transport.Env["LOG_LEVEL"])
	require.NotNil(t, got.Auth)
	assert.Equal(t, "client-credentials", got.Auth.Method)
}

func TestStore_GetMissingServerConfig(t *testing.T) {
	store := setupTestStore(t)

	_, err := store.GetServerConfig(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_DuplicateName(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateServerConfig(ctx, stdioConfig("dup")))
	err := store.CreateServerConfig(ctx, stdioConfig("dup"))
	assert.ErrorIs(t, err, ErrDuplicateServer)
}

func TestStore_ListServerConfigs(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateServerConfig(ctx, stdioConfig("beta")))
	require.NoError(t, store.CreateServerConfig(ctx, stdioConfig("alpha")))

	configs, err := store.ListServerConfigs(ctx)
	require.NoError(t, err)
	require.Len(t, configs, 2)
	assert.Equal(t, "alpha", configs[0].Name)
	assert.Equal(t, "beta", configs[1].Name)
}

func TestStore_UpdateServerConfig(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	cfg := stdioConfig("web")
	require.NoError(t, store.CreateServerConfig(ctx, cfg))

	cfg.Timeout = 120
	cfg.Transport = TransportConfig{Kind: TransportSSE, URL: "https://mcp.example.com/sse"}
	require.NoError(t, store.UpdateServerConfig(ctx, cfg))

	got, err := store.GetServerConfig(ctx, "web")
	require.NoError(t, err)
	assert.Equal(t, 120, got.Timeout)
	assert.Equal(t, TransportSSE, got.Transport.Kind)
	assert.Nil(t, got.Auth)
}

func TestStore_DeleteServerConfig(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateServerConfig(ctx, stdioConfig("doomed")))
	require.NoError(t, store.DeleteServerConfig(ctx, "doomed"))

	_, err := store.GetServerConfig(ctx, "doomed")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, store.DeleteServerConfig(ctx, "doomed"), ErrNotFound)
}

func TestStore_SetServerEnabled(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateServerConfig(ctx, stdioConfig("toggle")))
	require.NoError(t, store.SetServerEnabled(ctx, "toggle", false))

	got, err := store.GetServerConfig(ctx, "toggle")
	require.NoError(t, err)
	assert.False(t, got.Enabled)
	// The rest of the config survives the toggle.
	assert.Equal(t, "mcp-server-filesystem", got.Transport.Command)

	assert.ErrorIs(t, store.SetServerEnabled(ctx, "ghost", true), ErrNotFound)
}

func TestStore_GlobalConfig(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	// Defaults before anything is stored.
	got, err := store.GetGlobalConfig(ctx)
	require.NoError(t, err)
	assert.Equal(t, "info", got.LogLevel)
	assert.False(t, got.Stateless)

	require.NoError(t, store.SetGlobalConfig(ctx, &GlobalConfig{
		Stateless:       true,
		LogLevel:        "debug",
		PassEnvironment: true,
	}))

	got, err = store.GetGlobalConfig(ctx)
	require.NoError(t, err)
	assert.True(t, got.Stateless)
	assert.Equal(t, "debug", got.LogLevel)
	assert.True(t, got.PassEnvironment)

	// Second write replaces the single row.
	require.NoError(t, store.SetGlobalConfig(ctx, &GlobalConfig{LogLevel: "warn"}))
	got, err = store.GetGlobalConfig(ctx)
	require.NoError(t, err)
	assert.Equal(t, "warn", got.LogLevel)
	assert.False(t, got.Stateless)
}

func TestServerConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*ServerConfig)
		wantErr string
	}{
		{"valid stdio", func(*ServerConfig) {}, ""},
		{"empty name", func(c *ServerConfig) { c.Name = "" }, "must match"},
		{"slash in name", func(c *ServerConfig) { c.Name = "a/b" }, "must match"},
		{"name too long", func(c *ServerConfig) { c.Name = strings.Repeat("a", 65) }, "must match"},
		{"zero timeout", func(c *ServerConfig) { c.Timeout = 0 }, "out of range"},
		{"huge timeout", func(c *ServerConfig) { c.Timeout = 3601 }, "out of range"},
		{"stdio without command", func(c *ServerConfig) { c.Transport.Command = "" }, "requires a command"},
		{"unknown kind", func(c *ServerConfig) { c.Transport.Kind = "websocket" }, "unknown transport kind"},
		{"sse without url", func(c *ServerConfig) {
			c.Transport = TransportConfig{Kind: TransportSSE}
		}, "requires a url"},
		{"unknown auth method", func(c *ServerConfig) {
			c.Auth = &AuthConfig{Method: "oauth-dance"}
		}, "unknown auth method"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := stdioConfig("valid name_1")
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}
