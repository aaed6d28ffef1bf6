// ABOUTME: Tests for the shared route table covering mount, unmount, and dispatch.
// ABOUTME: Validates set-atomic removal and that unrelated routes survive unmounts.

package routes

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func namedHandler(name string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("X-Backend", name)
		w.WriteHeader(http.StatusOK)
	})
}

func get(t *testing.T, table *Table, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	table.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestMountAndDispatch(t *testing.T) {
	table := NewTable(nil)
	table.Mount("/servers/alpha", namedHandler("alpha"))

	rec := get(t, table, "/servers/alpha/mcp")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "alpha", rec.Header().Get("X-Backend"))

	// Exact prefix without trailing segment also matches.
	rec = get(t, table, "/servers/alpha")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestNoPartialPrefixMatch(t *testing.T) {
	table := NewTable(nil)
	table.Mount("/servers/alpha", namedHandler("alpha"))

	// "alphabet" must not match the "alpha" prefix.
	rec := get(t, table, "/servers/alphabet/mcp")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestLongestPrefixWins(t *testing.T) {
	table := NewTable(nil)
	table.Mount("/servers", namedHandler("catchall"))
	table.Mount("/servers/alpha", namedHandler("alpha"))

	rec := get(t, table, "/servers/alpha/mcp")
	assert.Equal(t, "alpha", rec.Header().Get("X-Backend"))

	rec = get(t, table, "/servers/beta/mcp")
	assert.Equal(t, "catchall", rec.Header().Get("X-Backend"))
}

func TestUnmountRemovesOnlyOwnSet(t *testing.T) {
	table := NewTable(nil)
	alphaSet := table.Mount("/servers/alpha", namedHandler("alpha"))
	betaSet := table.Mount("/servers/beta", namedHandler("beta"))

	require.Equal(t, 2, table.Len())

	table.Unmount(alphaSet)
	assert.Equal(t, 1, table.Len())

	rec := get(t, table, "/servers/alpha/mcp")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = get(t, table, "/servers/beta/mcp")
	assert.Equal(t, "beta", rec.Header().Get("X-Backend"))

	table.Unmount(betaSet)
	assert.Equal(t, 0, table.Len())
}

func TestUnmountIsIdempotent(t *testing.T) {
	table := NewTable(nil)
	set := table.Mount("/servers/alpha", namedHandler("alpha"))

	table.Unmount(set)
	table.Unmount(set)
	assert.Equal(t, 0, table.Len())
}

func TestIdenticalPrefixesAreDistinctRoutes(t *testing.T) {
	table := NewTable(nil)
	first := table.Mount("/servers/alpha", namedHandler("first"))
	second := table.Mount("/servers/alpha", namedHandler("second"))

	table.Unmount(first)
	require.Equal(t, 1, table.Len())

	// The second mount's route must still be reachable.
	rec := get(t, table, "/servers/alpha/mcp")
	assert.Equal(t, "second", rec.Header().Get("X-Backend"))

	table.Unmount(second)
	assert.Equal(t, 0, table.Len())
}

func TestMountSetIsAtomic(t *testing.T) {
	table := NewTable(nil)
	set := table.MountSet(map[string]http.Handler{
		"/servers/alpha":     namedHandler("alpha"),
		"/servers/alpha/sse": namedHandler("alpha-sse"),
	})
	require.Len(t, set, 2)
	assert.Equal(t, []string{"/servers/alpha", "/servers/alpha/sse"}, set.Prefixes())

	table.Unmount(set)
	assert.Equal(t, 0, table.Len())
}
