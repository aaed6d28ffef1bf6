// ABOUTME: Registry of backend lifecycle controllers keyed by server name
// ABOUTME: Serializes per-name starts and reconciles stored configs with live state

package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/2389/mcp-gateway/internal/lifecycle"
	"github.com/2389/mcp-gateway/internal/routes"
	"github.com/2389/mcp-gateway/internal/store"
)

// Registry errors
var (
	ErrServerNotFound       = errors.New("server not found")
	ErrServerAlreadyRunning = errors.New("server already running")
	ErrServerNotRunning     = errors.New("server not running")
)

// StartError wraps a backend's startup failure with its name.
type StartError struct {
	Name string
	Err  error
}

func (e *StartError) Error() string {
	return fmt.Sprintf("starting server %s: %v", e.Name, e.Err)
}

func (e *StartError) Unwrap() error {
	return e.Err
}

// Config holds the manager's collaborators.
type Config struct {
	Store   store.Store
	Table   *routes.Table
	BaseURL string
	Dialer  lifecycle.Dialer
	Logger  *slog.Logger
}

// Manager owns every backend's lifecycle controller. All registry access is
// serialized through its mutex; starts for the same name are additionally
// serialized by a reservation so exactly one concurrent Start wins.
type Manager struct {
	store   store.Store
	table   *routes.Table
	baseURL string
	dialer  lifecycle.Dialer
	logger  *slog.Logger

	mu          sync.Mutex
	controllers map[string]*lifecycle.Controller
	starting    map[string]bool
}

// NewManager creates an empty registry.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Store == nil {
		return nil, errors.New("store is required")
	}
	if cfg.Table == nil {
		return nil, errors.New("route table is required")
	}
	if cfg.Dialer == nil {
		return nil, errors.New("dialer is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default().With("component", "manager")
	}

	return &Manager{
		store:       cfg.Store,
		table:       cfg.Table,
		baseURL:     cfg.BaseURL,
		dialer:      cfg.Dialer,
		logger:      logger,
		controllers: make(map[string]*lifecycle.Controller),
		starting:    make(map[string]bool),
	}, nil
}

// reserve claims the start slot for a name. Returns false when another start
// is in flight or the backend is already live.
func (m *Manager) reserve(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.starting[name] {
		return false
	}
	if ctrl, ok := m.controllers[name]; ok {
		switch ctrl.State() {
		case lifecycle.StateStarting, lifecycle.StateRunning, lifecycle.StateStopping:
			return false
		}
	}
	m.starting[name] = true
	return true
}

func (m *Manager) release(name string) {
	m.mu.Lock()
	delete(m.starting, name)
	m.mu.Unlock()
}

// Start brings the named backend up. A disabled config is enabled and
// persisted as part of starting. Startup failures are wrapped in *StartError;
// a start racing another start loses with ErrServerAlreadyRunning.
func (m *Manager) Start(ctx context.Context, name string, opts lifecycle.StartOptions) error {
	if !m.reserve(name) {
		return fmt.Errorf("%w: %s", ErrServerAlreadyRunning, name)
	}
	defer m.release(name)

	cfg, err := m.store.GetServerConfig(ctx, name)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrServerNotFound, name)
		}
		return fmt.Errorf("loading config for %s: %w", name, err)
	}

	// Starting a disabled backend enables it so it survives a restart.
	if !cfg.Enabled {
		if err := m.store.SetServerEnabled(ctx, name, true); err != nil {
			return fmt.Errorf("enabling %s: %w", name, err)
		}
		cfg.Enabled = true
		m.logger.Info("enabled server on start", "server", name)
	}

	ctrl, err := lifecycle.NewController(lifecycle.Config{
		ServerConfig: cfg,
		Dialer:       m.dialer,
		Table:        m.table,
		BaseURL:      m.baseURL,
		Logger:       m.logger.With("server", name),
	})
	if err != nil {
		return &StartError{Name: name, Err: err}
	}

	m.mu.Lock()
	m.controllers[name] = ctrl
	m.mu.Unlock()

	if err := ctrl.Start(ctx, opts); err != nil {
		// A failed start discards the controller; the backend reports as
		// configured-but-stopped, not stuck in an error state.
		m.deregister(name, ctrl)
		return &StartError{Name: name, Err: err}
	}
	return nil
}

// deregister removes a controller from the registry, by identity so a stale
// reference can never evict a newer controller for the same name.
func (m *Manager) deregister(name string, ctrl *lifecycle.Controller) {
	m.mu.Lock()
	if current, ok := m.controllers[name]; ok && current == ctrl {
		delete(m.controllers, name)
	}
	m.mu.Unlock()
}

// Stop tears the named backend down. With persist set the config is also
// disabled so the backend stays down across restarts.
func (m *Manager) Stop(ctx context.Context, name string, persist bool) error {
	m.mu.Lock()
	ctrl, ok := m.controllers[name]
	m.mu.Unlock()

	if !ok || !ctrl.Running() {
		if _, err := m.store.GetServerConfig(ctx, name); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("%w: %s", ErrServerNotFound, name)
			}
			return fmt.Errorf("loading config for %s: %w", name, err)
		}
		return fmt.Errorf("%w: %s", ErrServerNotRunning, name)
	}

	if err := ctrl.Stop(ctx); err != nil {
		return fmt.Errorf("stopping %s: %w", name, err)
	}
	m.deregister(name, ctrl)

	if persist {
		if err := m.store.SetServerEnabled(ctx, name, false); err != nil {
			return fmt.Errorf("disabling %s: %w", name, err)
		}
		m.logger.Info("disabled server on stop", "server", name)
	}
	return nil
}

// StopAll stops every running backend concurrently. Used during shutdown;
// errors are logged, not returned, because shutdown must proceed.
func (m *Manager) StopAll(ctx context.Context) {
	m.mu.Lock()
	live := make([]*lifecycle.Controller, 0, len(m.controllers))
	names := make([]string, 0, len(m.controllers))
	for name, ctrl := range m.controllers {
		// Backends still starting must be stopped too, or their sessions
		// and routes would outlive the shutdown.
		switch ctrl.State() {
		case lifecycle.StateRunning, lifecycle.StateStarting:
			live = append(live, ctrl)
			names = append(names, name)
		}
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for i, ctrl := range live {
		wg.Add(1)
		go func(name string, ctrl *lifecycle.Controller) {
			defer wg.Done()
			if err := ctrl.Stop(ctx); err != nil {
				m.logger.Warn("stopping server during shutdown", "server", name, "error", err)
				return
			}
			m.deregister(name, ctrl)
		}(names[i], ctrl)
	}
	wg.Wait()
}

// Status reports one backend. Backends known only from config report as
// stopped; backends with live controllers report their current state.
func (m *Manager) Status(ctx context.Context, name string) (lifecycle.Status, error) {
	cfg, cfgErr := m.store.GetServerConfig(ctx, name)
	if cfgErr != nil && !errors.Is(cfgErr, store.ErrNotFound) {
		return lifecycle.Status{}, fmt.Errorf("loading config for %s: %w", name, cfgErr)
	}

	m.mu.Lock()
	ctrl, ok := m.controllers[name]
	m.mu.Unlock()

	if !ok && cfgErr != nil {
		return lifecycle.Status{}, fmt.Errorf("%w: %s", ErrServerNotFound, name)
	}

	if ok {
		status := ctrl.Status()
		if cfg != nil {
			status.Enabled = cfg.Enabled
		}
		return status, nil
	}

	return lifecycle.Status{
		Name:    cfg.Name,
		State:   lifecycle.StateStopped.String(),
		Enabled: cfg.Enabled,
	}, nil
}

// AllStatuses reports every backend in the union of stored configs and live
// controllers, sorted by name.
func (m *Manager) AllStatuses(ctx context.Context) ([]lifecycle.Status, error) {
	configs, err := m.store.ListServerConfigs(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing configs: %w", err)
	}

	statuses := make(map[string]lifecycle.Status, len(configs))
	for _, cfg := range configs {
		statuses[cfg.Name] = lifecycle.Status{
			Name:    cfg.Name,
			State:   lifecycle.StateStopped.String(),
			Enabled: cfg.Enabled,
		}
	}

	m.mu.Lock()
	for name, ctrl := range m.controllers {
		status := ctrl.Status()
		if stored, ok := statuses[name]; ok {
			status.Enabled = stored.Enabled
		}
		statuses[name] = status
	}
	m.mu.Unlock()

	names := make([]string, 0, len(statuses))
	for name := range statuses {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]lifecycle.Status, 0, len(names))
	for _, name := range names {
		out = append(out, statuses[name])
	}
	return out, nil
}

// AllStatistics returns usage snapshots for every backend in the union of
// stored configs and live controllers. Configured backends that are not
// running report zeroed counters in the stopped state.
func (m *Manager) AllStatistics(ctx context.Context) (map[string]lifecycle.Snapshot, error) {
	configs, err := m.store.ListServerConfigs(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing configs: %w", err)
	}

	out := make(map[string]lifecycle.Snapshot, len(configs))
	for _, cfg := range configs {
		out[cfg.Name] = lifecycle.Snapshot{
			Name:       cfg.Name,
			Status:     lifecycle.StateStopped.String(),
			CallCounts: map[string]uint64{},
		}
	}

	m.mu.Lock()
	for name, ctrl := range m.controllers {
		out[name] = ctrl.Statistics()
	}
	m.mu.Unlock()
	return out, nil
}
