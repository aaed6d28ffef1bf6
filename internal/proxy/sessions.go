// ABOUTME: Session tracking, SSE streaming with replay, and session teardown
// ABOUTME: Stream identities are bound to the authenticated principal when present

package proxy

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/mcp-gateway/internal/auth"
	"github.com/2389/mcp-gateway/internal/events"
)

// mcpSession tracks an active client session on one backend endpoint.
type mcpSession struct {
	id        string
	principal string
	createdAt time.Time
}

// sessionStore manages active sessions (in-memory).
type sessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*mcpSession
}

func newSessionStore() *sessionStore {
	return &sessionStore{sessions: make(map[string]*mcpSession)}
}

// create mints a session whose identifier encodes the principal binding:
// authenticated callers get "principal:token" identifiers, anonymous callers
// a bare UUID, matching the event store's binding rules.
func (s *sessionStore) create(principal string) *mcpSession {
	id := uuid.New().String()
	if principal != "" {
		id = principal + ":" + id
	}
	sess := &mcpSession{
		id:        id,
		principal: principal,
		createdAt: time.Now(),
	}
	s.mu.Lock()
	s.sessions[sess.id] = sess
	s.mu.Unlock()
	return sess
}

func (s *sessionStore) get(id string) (*mcpSession, bool) {
	s.mu.RLock()
	sess, ok := s.sessions[id]
	s.mu.RUnlock()
	return sess, ok
}

func (s *sessionStore) delete(id string) bool {
	s.mu.Lock()
	_, existed := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()
	return existed
}

// subscriberRegistry fans stored events out to live SSE streams.
type subscriberRegistry struct {
	mu   sync.Mutex
	subs map[string]map[chan events.Event]struct{}
}

func newSubscriberRegistry() *subscriberRegistry {
	return &subscriberRegistry{subs: make(map[string]map[chan events.Event]struct{})}
}

func (r *subscriberRegistry) subscribe(streamID string) chan events.Event {
	ch := make(chan events.Event, 16)
	r.mu.Lock()
	if r.subs[streamID] == nil {
		r.subs[streamID] = make(map[chan events.Event]struct{})
	}
	r.subs[streamID][ch] = struct{}{}
	r.mu.Unlock()
	return ch
}

func (r *subscriberRegistry) unsubscribe(streamID string, ch chan events.Event) {
	r.mu.Lock()
	if set, ok := r.subs[streamID]; ok {
		delete(set, ch)
		if len(set) == 0 {
			delete(r.subs, streamID)
		}
	}
	r.mu.Unlock()
}

func (r *subscriberRegistry) publish(streamID string, evt events.Event) {
	r.mu.Lock()
	for ch := range r.subs[streamID] {
		select {
		case ch <- evt:
		default:
			// Slow consumer; it will catch up via Last-Event-ID replay.
		}
	}
	r.mu.Unlock()
}

// principalFrom pulls the authenticated principal off the request context.
func principalFrom(r *http.Request) string {
	return auth.PrincipalFromContext(r.Context())
}

// PublishEvent stores a server-initiated message on a session's stream and
// delivers it to any connected SSE consumers. Returns the assigned event ID.
func (a *Adapter) PublishEvent(streamID, principal string, payload []byte) (string, error) {
	id, err := a.events.StoreEvent(streamID, principal, payload)
	if err != nil {
		return "", err
	}
	a.subs.publish(streamID, events.Event{ID: id, Payload: payload})
	return id, nil
}

// handleGet opens an SSE stream for a session, replaying any events after the
// client's Last-Event-ID before streaming live ones.
func (a *Adapter) handleGet(w http.ResponseWriter, r *http.Request) {
	if accept := r.Header.Get("Accept"); accept != "" && !acceptsEventStream(accept) {
		http.Error(w, "Not Acceptable: expected text/event-stream", http.StatusNotAcceptable)
		return
	}

	streamID := r.Header.Get("Mcp-Session-Id")
	lastEventID := r.Header.Get("Last-Event-ID")
	principal := principalFrom(r)

	if streamID == "" && lastEventID == "" {
		http.Error(w, "Bad Request: missing Mcp-Session-Id", http.StatusBadRequest)
		return
	}
	if streamID != "" {
		if !a.stateless {
			if _, ok := a.sessions.get(streamID); !ok {
				http.Error(w, "Not Found", http.StatusNotFound)
				return
			}
		}
		// Attaching to a live stream needs the same principal proof as
		// replaying from it; existence of the session is not enough.
		if err := events.ValidateBinding(streamID, principal); err != nil {
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
	}

	// Collect the replay tail first so binding violations become a clean 403
	// before any stream bytes are written.
	var replay []events.Event
	if lastEventID != "" {
		replayStream, found, err := a.events.ReplayEventsAfter(lastEventID, principal, func(evt events.Event) error {
			replay = append(replay, evt)
			return nil
		})
		if err != nil {
			if errors.Is(err, events.ErrInvalidSessionBinding) {
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}
		if found && streamID == "" {
			streamID = replayStream
		}
	}
	if streamID == "" {
		// Unknown Last-Event-ID with no session to attach to.
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	// Subscribe before writing the replay so nothing published in between is
	// lost; duplicates are ruled out by the buffered channel starting empty.
	live := a.subs.subscribe(streamID)
	defer a.subs.unsubscribe(streamID, live)

	a.recorder.RecordConnection(1)
	defer a.recorder.RecordConnection(-1)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	for _, evt := range replay {
		writeSSEEvent(w, evt)
	}
	flusher.Flush()

	a.logger.Debug("sse stream opened", "session_id", streamID, "replayed", len(replay))

	for {
		select {
		case <-r.Context().Done():
			a.logger.Debug("sse stream closed", "session_id", streamID)
			return
		case evt := <-live:
			writeSSEEvent(w, evt)
			flusher.Flush()
		}
	}
}

// handleDelete terminates a session per the Streamable HTTP spec. The stored
// events for the stream are purged so replay cannot outlive the session.
func (a *Adapter) handleDelete(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get("Mcp-Session-Id")
	if sessionID == "" {
		http.Error(w, "Bad Request: missing Mcp-Session-Id", http.StatusBadRequest)
		return
	}

	sess, ok := a.sessions.get(sessionID)
	if !ok {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}

	// Verify ownership: the DELETE must carry the same principal as initialize.
	if sess.principal != "" && sess.principal != principalFrom(r) {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	a.sessions.delete(sessionID)
	a.events.PurgeStream(sessionID)
	a.logger.Info("mcp session terminated", "session_id", sessionID)
	w.WriteHeader(http.StatusNoContent)
}

func acceptsEventStream(accept string) bool {
	for _, part := range strings.Split(accept, ",") {
		if i := strings.IndexByte(part, ';'); i >= 0 {
			part = part[:i]
		}
		part = strings.TrimSpace(part)
		if part == "text/event-stream" || part == "*/*" {
			return true
		}
	}
	return false
}

func writeSSEEvent(w http.ResponseWriter, evt events.Event) {
	fmt.Fprintf(w, "id: %s\ndata: %s\n\n", evt.ID, evt.Payload)
}
