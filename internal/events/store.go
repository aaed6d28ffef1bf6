// ABOUTME: In-memory replayable event log keyed by stream identity for SSE resumption.
// ABOUTME: Enforces principal binding on stream identifiers before storing or replaying.

package events

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// ErrInvalidSessionBinding is returned when a stream identifier fails the
// principal binding or format checks. The event is neither stored nor replayed.
var ErrInvalidSessionBinding = errors.New("invalid session binding")

// minAnonymousIDLength is the minimum length for stream identifiers that
// carry no principal binding. Anything shorter is guessable and rejected.
const minAnonymousIDLength = 32

// placeholderIDs are accepted unconditionally; clients use them while the
// real session identifier is still being negotiated.
var placeholderIDs = map[string]struct{}{
	"0": {}, "1": {}, "2": {}, "3": {},
}

// Event is one stored entry in a stream's log.
type Event struct {
	ID        string
	Payload   json.RawMessage
	Timestamp time.Time
}

// Sink receives replayed events in their original order.
type Sink func(Event) error

// Store is a replay-capable event log. Event IDs are monotonically increasing
// and unique across all streams; ordering is only meaningful within a stream.
type Store struct {
	mu      sync.Mutex
	streams map[string][]Event
	counter uint64
	logger  *slog.Logger
}

// NewStore creates an empty event store.
func NewStore(logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default().With("component", "events")
	}
	return &Store{
		streams: make(map[string][]Event),
		logger:  logger,
	}
}

// StoreEvent validates the stream binding against the caller's principal,
// appends the payload to the stream's log, and returns the new event ID.
func (s *Store) StoreEvent(streamID, principal string, payload json.RawMessage) (string, error) {
	if err := ValidateBinding(streamID, principal); err != nil {
		s.logger.Warn("rejected event store", "stream", preview(streamID), "error", err)
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	eventID := fmt.Sprintf("event_%d", s.counter)
	s.counter++

	s.streams[streamID] = append(s.streams[streamID], Event{
		ID:        eventID,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	})
	return eventID, nil
}

// ReplayEventsAfter finds the stream containing lastEventID, re-validates the
// caller's binding to it, and feeds every later event of that stream to sink
// in original order. The second return is false when lastEventID is unknown,
// which is the normal cold-start case and not an error.
func (s *Store) ReplayEventsAfter(lastEventID, principal string, sink Sink) (string, bool, error) {
	s.mu.Lock()
	streamID, start := s.locate(lastEventID)
	if streamID == "" {
		s.mu.Unlock()
		return "", false, nil
	}

	if err := ValidateBinding(streamID, principal); err != nil {
		s.mu.Unlock()
		s.logger.Warn("rejected event replay", "stream", preview(streamID), "error", err)
		return "", false, err
	}

	// Copy the tail so the sink runs without the store lock held.
	tail := make([]Event, len(s.streams[streamID])-start)
	copy(tail, s.streams[streamID][start:])
	s.mu.Unlock()

	for _, evt := range tail {
		if err := sink(evt); err != nil {
			return streamID, true, fmt.Errorf("replaying event %s: %w", evt.ID, err)
		}
	}
	return streamID, true, nil
}

// locate returns the stream holding eventID and the index just past it.
// Caller must hold the lock.
func (s *Store) locate(eventID string) (string, int) {
	for streamID, events := range s.streams {
		for i, evt := range events {
			if evt.ID == eventID {
				return streamID, i + 1
			}
		}
	}
	return "", 0
}

// PurgeStream drops one stream's log.
func (s *Store) PurgeStream(streamID string) {
	s.mu.Lock()
	delete(s.streams, streamID)
	s.mu.Unlock()
}

// Clear drops every stream. Called when the owning backend stops or the
// process shuts down to bound memory growth.
func (s *Store) Clear() {
	s.mu.Lock()
	s.streams = make(map[string][]Event)
	s.mu.Unlock()
}

// StreamCount returns the number of streams with stored events.
func (s *Store) StreamCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.streams)
}

// ValidateBinding applies the stream identity rules:
//   - reserved placeholder identifiers are always accepted
//   - a caller with a principal must present a "principal:token" identifier
//     whose principal matches exactly (constant-time compare)
//   - a principal-bound identifier requires a caller principal
//   - anonymous identifiers must meet the minimum length bar
//
// Exported so stream consumers can apply the same rule before attaching to a
// live stream, not just when storing or replaying.
func ValidateBinding(streamID, principal string) error {
	if _, ok := placeholderIDs[streamID]; ok {
		return nil
	}

	bound, _, hasBinding := strings.Cut(streamID, ":")

	switch {
	case principal != "" && hasBinding:
		if subtle.ConstantTimeCompare([]byte(bound), []byte(principal)) != 1 {
			return fmt.Errorf("%w: principal mismatch", ErrInvalidSessionBinding)
		}
		return nil
	case principal != "":
		return fmt.Errorf("%w: stream has no principal binding", ErrInvalidSessionBinding)
	case hasBinding:
		return fmt.Errorf("%w: principal required for bound stream", ErrInvalidSessionBinding)
	}

	if len(streamID) < minAnonymousIDLength {
		return fmt.Errorf("%w: identifier too short", ErrInvalidSessionBinding)
	}
	return nil
}

// preview truncates a stream identifier for logging so tokens never land in
// the log in full.
func preview(streamID string) string {
	if len(streamID) <= 8 {
		return streamID
	}
	return streamID[:8] + "..."
}
