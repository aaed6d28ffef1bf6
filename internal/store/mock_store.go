// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite

package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu      sync.RWMutex
	servers map[string]*ServerConfig // keyed by name
	global  *GlobalConfig
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		servers: make(map[string]*ServerConfig),
	}
}

// CreateServerConfig stores a new server configuration.
func (m *MockStore) CreateServerConfig(_ context.Context, cfg *ServerConfig) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validating server config: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.servers[cfg.Name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateServer, cfg.Name)
	}

	now := time.Now().UTC()
	cfg.CreatedAt = now
	cfg.UpdatedAt = now

	// Make a copy to avoid external modification
	c := *cfg
	m.servers[c.Name] = &c
	return nil
}

// GetServerConfig retrieves a server configuration by name.
func (m *MockStore) GetServerConfig(_ context.Context, name string) (*ServerConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cfg, ok := m.servers[name]
	if !ok {
		return nil, fmt.Errorf("%w: server %s", ErrNotFound, name)
	}
	c := *cfg
	return &c, nil
}

// ListServerConfigs returns all stored configurations ordered by name.
func (m *MockStore) ListServerConfigs(_ context.Context) ([]*ServerConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.servers))
	for name := range m.servers {
		names = append(names, name)
	}
	sort.Strings(names)

	configs := make([]*ServerConfig, 0, len(names))
	for _, name := range names {
		c := *m.servers[name]
		configs = append(configs, &c)
	}
	return configs, nil
}

// UpdateServerConfig replaces an existing configuration.
func (m *MockStore) UpdateServerConfig(_ context.Context, cfg *ServerConfig) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validating server config: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.servers[cfg.Name]
	if !ok {
		return fmt.Errorf("%w: server %s", ErrNotFound, cfg.Name)
	}

	c := *cfg
	c.CreatedAt = existing.CreatedAt
	c.UpdatedAt = time.Now().UTC()
	m.servers[c.Name] = &c
	return nil
}

// DeleteServerConfig removes a configuration.
func (m *MockStore) DeleteServerConfig(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.servers[name]; !ok {
		return fmt.Errorf("%w: server %s", ErrNotFound, name)
	}
	delete(m.servers, name)
	return nil
}

// SetServerEnabled flips the enabled flag.
func (m *MockStore) SetServerEnabled(_ context.Context, name string, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cfg, ok := m.servers[name]
	if !ok {
		return fmt.Errorf("%w: server %s", ErrNotFound, name)
	}
	cfg.Enabled = enabled
	cfg.UpdatedAt = time.Now().UTC()
	return nil
}

// GetGlobalConfig returns the stored global config or defaults.
func (m *MockStore) GetGlobalConfig(_ context.Context) (*GlobalConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.global == nil {
		return &GlobalConfig{LogLevel: "info"}, nil
	}
	c := *m.global
	return &c, nil
}

// SetGlobalConfig stores the global config.
func (m *MockStore) SetGlobalConfig(_ context.Context, cfg *GlobalConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := *cfg
	m.global = &c
	return nil
}

// Close is a no-op for the mock.
func (m *MockStore) Close() error {
	return nil
}
