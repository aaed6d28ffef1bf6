// ABOUTME: Shared route table mapping path prefixes to mounted backend handlers.
// ABOUTME: Mount and Unmount operate on whole route sets so teardown is atomic.

package routes

import (
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
)

// Route is a single mounted entry: one path prefix served by one handler.
// Routes are compared by identity, so two mounts of the same prefix produce
// distinct entries and unmounting one leaves the other untouched.
type Route struct {
	Prefix  string
	Handler http.Handler
}

// RouteSet is the ordered group of routes contributed by one backend.
// It is returned from Mount and must be passed back verbatim to Unmount.
type RouteSet []*Route

// Prefixes returns the path prefixes in the set, in mount order.
func (rs RouteSet) Prefixes() []string {
	prefixes := make([]string, len(rs))
	for i, r := range rs {
		prefixes[i] = r.Prefix
	}
	return prefixes
}

// Table is the process-wide route table shared by all backends.
// Dispatch picks the longest matching prefix; the table lock is never held
// while a handler runs.
type Table struct {
	mu     sync.RWMutex
	routes []*Route
	logger *slog.Logger
}

// NewTable creates an empty route table.
func NewTable(logger *slog.Logger) *Table {
	if logger == nil {
		logger = slog.Default().With("component", "routes")
	}
	return &Table{logger: logger}
}

// Mount adds one handler under a path prefix and returns the resulting set.
// The prefix is normalized to have a leading slash and no trailing slash.
func (t *Table) Mount(prefix string, handler http.Handler) RouteSet {
	return t.MountSet(map[string]http.Handler{prefix: handler})
}

// MountSet adds several prefix/handler pairs as a single atomic set.
// Either every route in the set is visible to dispatch or none is.
func (t *Table) MountSet(handlers map[string]http.Handler) RouteSet {
	set := make(RouteSet, 0, len(handlers))
	prefixes := make([]string, 0, len(handlers))
	for prefix := range handlers {
		prefixes = append(prefixes, prefix)
	}
	sort.Strings(prefixes)
	for _, prefix := range prefixes {
		set = append(set, &Route{Prefix: normalizePrefix(prefix), Handler: handlers[prefix]})
	}

	t.mu.Lock()
	t.routes = append(t.routes, set...)
	t.mu.Unlock()

	t.logger.Debug("mounted routes", "prefixes", set.Prefixes())
	return set
}

// Unmount removes every route in the set by identity. Routes not present in
// the table (already unmounted) are ignored, so Unmount is idempotent.
func (t *Table) Unmount(set RouteSet) {
	if len(set) == 0 {
		return
	}

	member := make(map[*Route]struct{}, len(set))
	for _, r := range set {
		member[r] = struct{}{}
	}

	t.mu.Lock()
	kept := t.routes[:0]
	removed := 0
	for _, r := range t.routes {
		if _, ok := member[r]; ok {
			removed++
			continue
		}
		kept = append(kept, r)
	}
	t.routes = kept
	t.mu.Unlock()

	t.logger.Debug("unmounted routes", "removed", removed)
}

// Len returns the number of mounted routes.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.routes)
}

// Lookup returns the handler for the longest prefix matching path.
func (t *Table) Lookup(path string) (http.Handler, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var best *Route
	for _, r := range t.routes {
		if !matchesPrefix(path, r.Prefix) {
			continue
		}
		if best == nil || len(r.Prefix) > len(best.Prefix) {
			best = r
		}
	}
	if best == nil {
		return nil, false
	}
	return best.Handler, true
}

// ServeHTTP dispatches to the mounted handler with the longest matching
// prefix, or responds 404 when no backend owns the path.
func (t *Table) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	handler, ok := t.Lookup(r.URL.Path)
	if !ok {
		http.NotFound(w, r)
		return
	}
	handler.ServeHTTP(w, r)
}

func normalizePrefix(prefix string) string {
	if !strings.HasPrefix(prefix, "/") {
		prefix = "/" + prefix
	}
	return strings.TrimRight(prefix, "/")
}

func matchesPrefix(path, prefix string) bool {
	if prefix == "" {
		return true
	}
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	rest := path[len(prefix):]
	return rest == "" || strings.HasPrefix(rest, "/")
}
