// ABOUTME: Tests for the backend lifecycle controller and its cleanup guarantees
// ABOUTME: Uses a fake dialer so no real MCP transport is involved

package lifecycle

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/mcp-gateway/internal/proxy"
	"github.com/2389/mcp-gateway/internal/routes"
	"github.com/2389/mcp-gateway/internal/store"
)

// fakeSession is a minimal upstream for controller tests.
type fakeSession struct {
	mu        sync.Mutex
	closed    bool
	initRes   *mcp.InitializeResult
	toolsErr  error
	toolCount int
}

func (f *fakeSession) ID() string { return "fake" }

func (f *fakeSession) InitializeResult() *mcp.InitializeResult { return f.initRes }

func (f *fakeSession) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeSession) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeSession) ListTools(context.Context, *mcp.ListToolsParams) (*mcp.ListToolsResult, error) {
	if f.toolsErr != nil {
		return nil, f.toolsErr
	}
	tools := make([]*mcp.Tool, f.toolCount)
	for i := range tools {
		tools[i] = &mcp.Tool{Name: "tool"}
	}
	return &mcp.ListToolsResult{Tools: tools}, nil
}

func (f *fakeSession) CallTool(context.Context, *mcp.CallToolParams) (*mcp.CallToolResult, error) {
	return &mcp.CallToolResult{}, nil
}

func (f *fakeSession) ListPrompts(context.Context, *mcp.ListPromptsParams) (*mcp.ListPromptsResult, error) {
	return &mcp.ListPromptsResult{Prompts: []*mcp.Prompt{{Name: "p"}}}, nil
}

func (f *fakeSession) GetPrompt(context.Context, *mcp.GetPromptParams) (*mcp.GetPromptResult, error) {
	return &mcp.GetPromptResult{}, nil
}

func (f *fakeSession) ListResources(context.Context, *mcp.ListResourcesParams) (*mcp.ListResourcesResult, error) {
	return &mcp.ListResourcesResult{}, nil
}

func (f *fakeSession) ListResourceTemplates(context.Context, *mcp.ListResourceTemplatesParams) (*mcp.ListResourceTemplatesResult, error) {
	return &mcp.ListResourceTemplatesResult{}, nil
}

func (f *fakeSession) ReadResource(context.Context, *mcp.ReadResourceParams) (*mcp.ReadResourceResult, error) {
	return &mcp.ReadResourceResult{}, nil
}

func (f *fakeSession) Subscribe(context.Context, *mcp.SubscribeParams) error   { return nil }
func (f *fakeSession) Unsubscribe(context.Context, *mcp.UnsubscribeParams) error { return nil }
func (f *fakeSession) Ping(context.Context, *mcp.PingParams) error             { return nil }

func (f *fakeSession) Complete(context.Context, *mcp.CompleteParams) (*mcp.CompleteResult, error) {
	return &mcp.CompleteResult{}, nil
}

func (f *fakeSession) NotifyProgress(context.Context, *mcp.ProgressNotificationParams) error {
	return nil
}

func toolsOnlySession(toolCount int) *fakeSession {
	return &fakeSession{
		toolCount: toolCount,
		initRes: &mcp.InitializeResult{
			Capabilities: &mcp.ServerCapabilities{
				Tools: &mcp.ToolCapabilities{},
			},
		},
	}
}

func fixedDialer(session *fakeSession, err error) Dialer {
	return func(context.Context, *store.ServerConfig, map[string]string) (proxy.Upstream, error) {
		if err != nil {
			return nil, err
		}
		return session, nil
	}
}

func testConfig(name string) *store.ServerConfig {
	return &store.ServerConfig{
		Name:    name,
		Enabled: true,
		Timeout: 30,
		Transport: store.TransportConfig{
			Kind:    store.TransportStdio,
			Command: "fake",
		},
	}
}

func newTestController(t *testing.T, table *routes.Table, dialer Dialer) *Controller {
	t.Helper()
	c, err := NewController(Config{
		ServerConfig: testConfig("alpha"),
		Dialer:       dialer,
		Table:        table,
		BaseURL:      "http://gateway.local",
	})
	require.NoError(t, err)
	return c
}

func TestStartPublishesRunningAndMountsRoutes(t *testing.T) {
	table := routes.NewTable(nil)
	session := toolsOnlySession(3)
	c := newTestController(t, table, fixedDialer(session, nil))

	require.NoError(t, c.Start(context.Background(), StartOptions{}))
	t.Cleanup(func() { c.Stop(context.Background()) })

	assert.Equal(t, StateRunning, c.State())
	assert.Equal(t, 1, table.Len())

	status := c.Status()
	assert.Equal(t, "running", status.State)
	assert.Equal(t, "http://gateway.local/servers/alpha/mcp", status.Endpoints["mcp"])
	assert.Equal(t, 3, status.Capabilities["tools"])
	assert.NotContains(t, status.Capabilities, "prompts")
}

func TestStartFailureLeavesNoRoutes(t *testing.T) {
	table := routes.NewTable(nil)
	c := newTestController(t, table, fixedDialer(nil, errors.New("spawn failed")))

	err := c.Start(context.Background(), StartOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "spawn failed")

	assert.Equal(t, StateError, c.State())
	assert.Equal(t, 0, table.Len())

	status := c.Status()
	assert.Equal(t, "error", status.State)
	assert.Contains(t, status.Error, "spawn failed")
	assert.Empty(t, status.Endpoints)
}

func TestStopUnmountsAndClosesSession(t *testing.T) {
	table := routes.NewTable(nil)
	session := toolsOnlySession(1)
	c := newTestController(t, table, fixedDialer(session, nil))

	require.NoError(t, c.Start(context.Background(), StartOptions{}))
	require.Equal(t, 1, table.Len())

	require.NoError(t, c.Stop(context.Background()))
	assert.Equal(t, StateStopped, c.State())
	assert.Equal(t, 0, table.Len())
	assert.True(t, session.isClosed())

	// Stop again is a no-op.
	require.NoError(t, c.Stop(context.Background()))
	assert.Equal(t, StateStopped, c.State())
}

func TestDoubleStartRejected(t *testing.T) {
	table := routes.NewTable(nil)
	c := newTestController(t, table, fixedDialer(toolsOnlySession(0), nil))

	require.NoError(t, c.Start(context.Background(), StartOptions{}))
	t.Cleanup(func() { c.Stop(context.Background()) })

	err := c.Start(context.Background(), StartOptions{})
	assert.ErrorIs(t, err, ErrAlreadyStarted)
	// Still exactly one route set mounted.
	assert.Equal(t, 1, table.Len())
}

func TestRestartAfterStop(t *testing.T) {
	table := routes.NewTable(nil)
	c := newTestController(t, table, fixedDialer(toolsOnlySession(2), nil))

	require.NoError(t, c.Start(context.Background(), StartOptions{}))
	require.NoError(t, c.Stop(context.Background()))
	require.NoError(t, c.Start(context.Background(), StartOptions{}))
	t.Cleanup(func() { c.Stop(context.Background()) })

	assert.Equal(t, StateRunning, c.State())
	assert.Equal(t, 1, table.Len())
}

func TestRestartAfterError(t *testing.T) {
	table := routes.NewTable(nil)
	session := toolsOnlySession(0)
	fail := true
	dialer := func(context.Context, *store.ServerConfig, map[string]string) (proxy.Upstream, error) {
		if fail {
			return nil, errors.New("first attempt fails")
		}
		return session, nil
	}
	c := newTestController(t, table, dialer)

	require.Error(t, c.Start(context.Background(), StartOptions{}))
	require.Equal(t, StateError, c.State())

	fail = false
	require.NoError(t, c.Start(context.Background(), StartOptions{}))
	t.Cleanup(func() { c.Stop(context.Background()) })
	assert.Equal(t, StateRunning, c.State())
	// The error from the failed run is gone.
	assert.Empty(t, c.Status().Error)
}

func TestMountedEndpointServesRequests(t *testing.T) {
	table := routes.NewTable(nil)
	c := newTestController(t, table, fixedDialer(toolsOnlySession(1), nil))

	require.NoError(t, c.Start(context.Background(), StartOptions{}))
	t.Cleanup(func() { c.Stop(context.Background()) })

	req := httptest.NewRequest(http.MethodPost, "/servers/alpha/mcp",
		strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`))
	rec := httptest.NewRecorder()
	table.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Mcp-Session-Id"))

	// After stop the path 404s.
	require.NoError(t, c.Stop(context.Background()))
	rec = httptest.NewRecorder()
	table.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/servers/alpha/mcp", strings.NewReader("{}")))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDiscoveryFailureYieldsZeroCounts(t *testing.T) {
	table := routes.NewTable(nil)
	session := toolsOnlySession(5)
	session.toolsErr = errors.New("lists unavailable")
	c := newTestController(t, table, fixedDialer(session, nil))

	require.NoError(t, c.Start(context.Background(), StartOptions{}))
	t.Cleanup(func() { c.Stop(context.Background()) })

	status := c.Status()
	assert.Equal(t, 0, status.Capabilities["tools"])
}

func TestStatisticsFlowThroughProxy(t *testing.T) {
	table := routes.NewTable(nil)
	c := newTestController(t, table, fixedDialer(toolsOnlySession(1), nil))

	require.NoError(t, c.Start(context.Background(), StartOptions{}))
	t.Cleanup(func() { c.Stop(context.Background()) })

	// Initialize then call a tool through the mounted endpoint.
	req := httptest.NewRequest(http.MethodPost, "/servers/alpha/mcp",
		strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`))
	rec := httptest.NewRecorder()
	table.ServeHTTP(rec, req)
	sessionID := rec.Header().Get("Mcp-Session-Id")
	require.NotEmpty(t, sessionID)

	req = httptest.NewRequest(http.MethodPost, "/servers/alpha/mcp",
		strings.NewReader(`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"tool"}}`))
	req.Header.Set("Mcp-Session-Id", sessionID)
	rec = httptest.NewRecorder()
	table.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	snap := c.Statistics()
	assert.Equal(t, uint64(1), snap.CallCounts["tools"])
	assert.NotNil(t, snap.LastActivity)

	status := c.Status()
	assert.NotNil(t, status.LastActivity)
}

func TestNeverStartedStatistics(t *testing.T) {
	table := routes.NewTable(nil)
	c := newTestController(t, table, fixedDialer(toolsOnlySession(0), nil))

	snap := c.Statistics()
	assert.Equal(t, "alpha", snap.Name)
	assert.Equal(t, "stopped", snap.Status)
	assert.Empty(t, snap.CallCounts)
	assert.Zero(t, snap.ActiveConnections)
}
