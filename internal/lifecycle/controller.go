// ABOUTME: Supervises one backend connection from dial through teardown
// ABOUTME: Owns the state machine, route mounting, and guaranteed cleanup

package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/mcp-gateway/internal/events"
	"github.com/2389/mcp-gateway/internal/proxy"
	"github.com/2389/mcp-gateway/internal/routes"
	"github.com/2389/mcp-gateway/internal/store"
)

const (
	// stopGracePeriod is how long Stop waits for the supervisor to unwind
	// before cancelling its context.
	stopGracePeriod = 5 * time.Second

	// closeTimeout bounds the upstream session close during teardown.
	closeTimeout = 2 * time.Second
)

// ErrAlreadyStarted is returned when Start is called on a controller that is
// already starting, running, or still stopping.
var ErrAlreadyStarted = errors.New("controller already started")

// Dialer establishes the upstream MCP session for a backend. Injected so
// tests can substitute fakes for real transports.
type Dialer func(ctx context.Context, cfg *store.ServerConfig, extraEnv map[string]string) (proxy.Upstream, error)

// StartOptions carries per-start overrides from the caller.
type StartOptions struct {
	Stateless    bool
	AllowOrigins []string
	Env          map[string]string
}

// Status is the externally visible snapshot of one backend.
type Status struct {
	Name         string            `json:"name"`
	State        string            `json:"state"`
	Enabled      bool              `json:"enabled"`
	LastActivity *time.Time        `json:"last_activity,omitempty"`
	Error        string            `json:"error,omitempty"`
	Endpoints    map[string]string `json:"endpoints,omitempty"`
	Capabilities map[string]int    `json:"capabilities,omitempty"`
}

// Config holds the controller's collaborators.
type Config struct {
	ServerConfig *store.ServerConfig
	Dialer       Dialer
	Table        *routes.Table
	BaseURL      string
	Logger       *slog.Logger
}

// Controller drives one backend through its lifecycle. A supervisor goroutine
// owns the upstream session and the mounted routes; every teardown path runs
// through its single deferred cleanup block.
type Controller struct {
	name    string
	cfg     *store.ServerConfig
	dialer  Dialer
	table   *routes.Table
	baseURL string
	logger  *slog.Logger

	mu           sync.Mutex
	state        State
	lastErr      error
	stats        *Statistics
	capabilities map[string]int
	stopCh       chan struct{}
	done         chan struct{}
	cancel       context.CancelFunc
	stopOnce     *sync.Once
}

// NewController creates a controller in the Stopped state.
func NewController(cfg Config) (*Controller, error) {
	if cfg.ServerConfig == nil {
		return nil, errors.New("server config is required")
	}
	if cfg.Dialer == nil {
		return nil, errors.New("dialer is required")
	}
	if cfg.Table == nil {
		return nil, errors.New("route table is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default().With("component", "lifecycle", "server", cfg.ServerConfig.Name)
	}

	return &Controller{
		name:    cfg.ServerConfig.Name,
		cfg:     cfg.ServerConfig,
		dialer:  cfg.Dialer,
		table:   cfg.Table,
		baseURL: cfg.BaseURL,
		logger:  logger,
		state:   StateStopped,
	}, nil
}

// Start spawns the supervisor and blocks until setup finishes or fails.
// On failure the controller lands in the Error state and all partial setup
// has already been torn down.
func (c *Controller) Start(ctx context.Context, opts StartOptions) error {
	c.mu.Lock()
	switch c.state {
	case StateStarting, StateRunning, StateStopping:
		c.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrAlreadyStarted, c.name, c.state)
	}
	c.state = StateStarting
	c.lastErr = nil
	c.stats = NewStatistics()

	stopCh := make(chan struct{})
	done := make(chan struct{})
	supCtx, cancel := context.WithCancel(context.Background())
	c.stopCh = stopCh
	c.done = done
	c.cancel = cancel
	c.stopOnce = new(sync.Once)
	c.mu.Unlock()

	started := make(chan error, 1)
	go c.supervise(supCtx, opts, started, stopCh, done)

	select {
	case err := <-started:
		if err != nil {
			cancel()
			<-done
			c.setError(err)
			return err
		}
		return nil
	case <-ctx.Done():
		cancel()
		<-done
		err := fmt.Errorf("starting %s: %w", c.name, ctx.Err())
		c.setError(err)
		return err
	}
}

// supervise is the backend's worker goroutine. It dials upstream, discovers
// capabilities, mounts the forwarding endpoint, then parks until stopped.
func (c *Controller) supervise(ctx context.Context, opts StartOptions, started chan<- error, stopCh, done chan struct{}) {
	var (
		session proxy.Upstream
		set     routes.RouteSet
		evs     *events.Store
	)

	defer func() {
		// Cleanup runs on every exit path: unmount exactly the routes this
		// run mounted, close the session with a hard bound, drop replay
		// state, then signal completion.
		c.table.Unmount(set)
		if session != nil {
			closeSession(session, c.logger)
		}
		if evs != nil {
			evs.Clear()
		}
		close(done)
	}()

	session, err := c.dialer(ctx, c.cfg, opts.Env)
	if err != nil {
		started <- fmt.Errorf("dialing %s: %w", c.name, err)
		return
	}

	families, counts := discoverCapabilities(ctx, session, c.logger)

	evs = events.NewStore(c.logger.With("component", "events"))
	handler, err := proxy.Handler(proxy.Config{
		Name:         c.name,
		Upstream:     session,
		Families:     families,
		Events:       evs,
		Recorder:     c.stats,
		Logger:       c.logger.With("component", "proxy"),
		Stateless:    opts.Stateless,
		AllowOrigins: opts.AllowOrigins,
	})
	if err != nil {
		started <- fmt.Errorf("building endpoint for %s: %w", c.name, err)
		return
	}

	set = c.table.Mount(c.routePrefix(), handler)

	c.mu.Lock()
	c.capabilities = counts
	c.state = StateRunning
	c.mu.Unlock()

	c.logger.Info("backend running",
		"server", c.name,
		"families", families,
		"prefix", c.routePrefix())
	started <- nil

	select {
	case <-ctx.Done():
	case <-stopCh:
	}
}

// Stop signals the supervisor and waits for cleanup. Waits up to the grace
// period for a clean unwind, then cancels the supervisor context. Calling
// Stop on a controller that is not running is a no-op.
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateStopped || c.state == StateError {
		c.mu.Unlock()
		return nil
	}
	c.state = StateStopping
	stopOnce := c.stopOnce
	stopCh := c.stopCh
	done := c.done
	cancel := c.cancel
	c.mu.Unlock()

	stopOnce.Do(func() { close(stopCh) })

	select {
	case <-done:
	case <-time.After(stopGracePeriod):
		c.logger.Warn("graceful stop timed out, cancelling supervisor", "server", c.name)
		cancel()
		<-done
	case <-ctx.Done():
		cancel()
		<-done
	}

	c.mu.Lock()
	c.state = StateStopped
	c.capabilities = nil
	c.mu.Unlock()

	c.logger.Info("backend stopped", "server", c.name)
	return nil
}

func (c *Controller) setError(err error) {
	c.mu.Lock()
	c.state = StateError
	c.lastErr = err
	c.mu.Unlock()
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Running reports whether the backend is serving requests.
func (c *Controller) Running() bool {
	return c.State() == StateRunning
}

// Status builds the externally visible snapshot.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	status := Status{
		Name:    c.name,
		State:   c.state.String(),
		Enabled: c.cfg.Enabled,
	}
	if c.lastErr != nil {
		status.Error = c.lastErr.Error()
	}
	if c.stats != nil {
		if last := c.stats.LastActivity(); !last.IsZero() {
			status.LastActivity = &last
		}
	}
	if c.state == StateRunning {
		status.Endpoints = map[string]string{
			"mcp": c.baseURL + c.routePrefix() + "/mcp",
		}
		caps := make(map[string]int, len(c.capabilities))
		for family, n := range c.capabilities {
			caps[family] = n
		}
		status.Capabilities = caps
	}
	return status
}

// Statistics returns a snapshot of the current run's counters. A controller
// that never started reports zeroes.
func (c *Controller) Statistics() Snapshot {
	c.mu.Lock()
	stats := c.stats
	state := c.state
	c.mu.Unlock()

	snap := Snapshot{CallCounts: map[string]uint64{}}
	if stats != nil {
		snap = stats.Snapshot()
	}
	snap.Name = c.name
	snap.Status = state.String()
	return snap
}

func (c *Controller) routePrefix() string {
	return "/servers/" + c.name
}

// closeSession closes the upstream session, bounding how long teardown waits.
func closeSession(session proxy.Upstream, logger *slog.Logger) {
	closed := make(chan error, 1)
	go func() { closed <- session.Close() }()

	select {
	case err := <-closed:
		if err != nil {
			logger.Warn("closing upstream session", "error", err)
		}
	case <-time.After(closeTimeout):
		logger.Warn("upstream session close timed out")
	}
}

// discoverCapabilities determines which families the upstream advertises and
// counts the entries in each. Discovery is best-effort: list failures leave
// the family in place with a zero count.
func discoverCapabilities(ctx context.Context, session proxy.Upstream, logger *slog.Logger) ([]string, map[string]int) {
	var families []string

	init := session.InitializeResult()
	if init != nil && init.Capabilities != nil {
		if init.Capabilities.Tools != nil {
			families = append(families, proxy.FamilyTools)
		}
		if init.Capabilities.Prompts != nil {
			families = append(families, proxy.FamilyPrompts)
		}
		if init.Capabilities.Resources != nil {
			families = append(families, proxy.FamilyResources)
		}
	} else {
		// No advertisement; assume the full surface and let forwarding
		// report per-method failures.
		families = []string{proxy.FamilyTools, proxy.FamilyPrompts, proxy.FamilyResources}
	}

	counts := make(map[string]int, len(families))
	for _, family := range families {
		counts[family] = 0
		switch family {
		case proxy.FamilyTools:
			if res, err := session.ListTools(ctx, nil); err == nil {
				counts[family] = len(res.Tools)
			} else {
				logger.Debug("tool discovery failed", "error", err)
			}
		case proxy.FamilyPrompts:
			if res, err := session.ListPrompts(ctx, nil); err == nil {
				counts[family] = len(res.Prompts)
			} else {
				logger.Debug("prompt discovery failed", "error", err)
			}
		case proxy.FamilyResources:
			if res, err := session.ListResources(ctx, nil); err == nil {
				counts[family] = len(res.Resources)
			} else {
				logger.Debug("resource discovery failed", "error", err)
			}
		}
	}
	return families, counts
}
