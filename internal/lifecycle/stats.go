// ABOUTME: Per-backend usage statistics updated from the forwarding endpoint
// ABOUTME: Tracks call counts by family, active SSE connections, and activity times

package lifecycle

import (
	"sync"
	"time"
)

// Statistics accumulates usage for one running backend. Safe for concurrent
// use; the proxy records into it from request handlers.
type Statistics struct {
	mu                sync.Mutex
	callCounts        map[string]uint64
	activeConnections int
	startedAt         time.Time
	lastActivity      time.Time
}

// NewStatistics creates a zeroed statistics block stamped with the start time.
func NewStatistics() *Statistics {
	return &Statistics{
		callCounts: make(map[string]uint64),
		startedAt:  time.Now().UTC(),
	}
}

// RecordCall counts one call-class operation for the family and refreshes the
// activity timestamp.
func (s *Statistics) RecordCall(family string) {
	s.mu.Lock()
	s.callCounts[family]++
	s.lastActivity = time.Now().UTC()
	s.mu.Unlock()
}

// RecordConnection adjusts the active connection gauge. The count never goes
// negative even if closes outnumber opens.
func (s *Statistics) RecordConnection(delta int) {
	s.mu.Lock()
	s.activeConnections += delta
	if s.activeConnections < 0 {
		s.activeConnections = 0
	}
	s.lastActivity = time.Now().UTC()
	s.mu.Unlock()
}

// Snapshot is the JSON shape served by the statistics endpoints. Name and
// Status are stamped by the owning controller, or synthesized for backends
// that are configured but not running.
type Snapshot struct {
	Name              string            `json:"name"`
	Status            string            `json:"status"`
	CallCounts        map[string]uint64 `json:"call_counts"`
	ActiveConnections int               `json:"active_connections"`
	UptimeSeconds     float64           `json:"uptime_seconds"`
	LastActivity      *time.Time        `json:"last_activity,omitempty"`
}

// Snapshot returns a copy of the current counters.
func (s *Statistics) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := make(map[string]uint64, len(s.callCounts))
	for family, n := range s.callCounts {
		counts[family] = n
	}

	snap := Snapshot{
		CallCounts:        counts,
		ActiveConnections: s.activeConnections,
		UptimeSeconds:     time.Since(s.startedAt).Seconds(),
	}
	if !s.lastActivity.IsZero() {
		last := s.lastActivity
		snap.LastActivity = &last
	}
	return snap
}

// LastActivity returns the most recent recorded activity, zero if none.
func (s *Statistics) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}
