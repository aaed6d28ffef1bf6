// ABOUTME: Forwarding MCP endpoint for one backend over Streamable HTTP transport
// ABOUTME: Translates POST JSON-RPC requests into calls on the upstream session

package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/cors"

	"github.com/2389/mcp-gateway/internal/events"
)

// Supported MCP protocol versions
var supportedProtocolVersions = map[string]bool{
	"2025-03-26": true,
	"2025-06-18": true,
}

// latestProtocolVersion is the version we advertise in initialize responses
const latestProtocolVersion = "2025-06-18"

// MaxRequestBodySize is the maximum allowed size for request bodies (1MB).
const MaxRequestBodySize = 1 << 20

// JSON-RPC 2.0 types

// JSONRPCRequest represents a JSON-RPC 2.0 request.
type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// JSONRPCResponse represents a JSON-RPC 2.0 response.
type JSONRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *JSONRPCError   `json:"error,omitempty"`
}

// JSONRPCError represents a JSON-RPC 2.0 error object.
type JSONRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Standard JSON-RPC error codes
const (
	JSONRPCParseError     = -32700
	JSONRPCInvalidRequest = -32600
	JSONRPCMethodNotFound = -32601
	JSONRPCInvalidParams  = -32602
	JSONRPCInternalError  = -32603
)

// Recorder receives usage signals from the adapter. Implemented by the
// lifecycle statistics; a nil Recorder in the config disables recording.
type Recorder interface {
	RecordCall(family string)
	RecordConnection(delta int)
}

// forwardFunc translates one JSON-RPC method into an upstream call.
type forwardFunc func(ctx context.Context, params json.RawMessage) (any, *JSONRPCError)

// Config holds everything the adapter needs to serve one backend.
type Config struct {
	Name         string
	Upstream     Upstream
	Families     []string
	Events       *events.Store
	Recorder     Recorder
	Logger       *slog.Logger
	Stateless    bool
	AllowOrigins []string
}

// Adapter serves one backend's MCP endpoint: POST JSON-RPC, GET SSE with
// replay, DELETE session teardown. The method dispatch table is fixed at
// construction from the backend's discovered capability families.
type Adapter struct {
	name      string
	upstream  Upstream
	events    *events.Store
	recorder  Recorder
	logger    *slog.Logger
	stateless bool
	dispatch  map[string]forwardFunc
	families  []string
	sessions  *sessionStore
	subs      *subscriberRegistry
}

// noopRecorder is used when no Recorder is configured.
type noopRecorder struct{}

func (noopRecorder) RecordCall(string)    {}
func (noopRecorder) RecordConnection(int) {}

// NewAdapter builds the adapter and its dispatch table for the given
// capability families. Methods outside the family set are not registered and
// respond with JSON-RPC method-not-found.
func NewAdapter(cfg Config) (*Adapter, error) {
	if cfg.Upstream == nil {
		return nil, errors.New("upstream is required")
	}
	if cfg.Events == nil {
		return nil, errors.New("event store is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default().With("component", "proxy", "server", cfg.Name)
	}
	recorder := cfg.Recorder
	if recorder == nil {
		recorder = noopRecorder{}
	}

	a := &Adapter{
		name:      cfg.Name,
		upstream:  cfg.Upstream,
		events:    cfg.Events,
		recorder:  recorder,
		logger:    logger,
		stateless: cfg.Stateless,
		families:  append([]string(nil), cfg.Families...),
		sessions:  newSessionStore(),
		subs:      newSubscriberRegistry(),
	}
	a.dispatch = a.buildDispatch()
	return a, nil
}

// buildDispatch maps JSON-RPC methods to forwarders based on the family set.
// Ping and completion are always available regardless of families.
func (a *Adapter) buildDispatch() map[string]forwardFunc {
	d := map[string]forwardFunc{
		"ping":                a.forwardPing,
		"completion/complete": a.forwardComplete,
	}

	for _, family := range a.families {
		switch family {
		case FamilyTools:
			d["tools/list"] = a.forwardToolsList
			d["tools/call"] = a.forwardToolsCall
		case FamilyPrompts:
			d["prompts/list"] = a.forwardPromptsList
			d["prompts/get"] = a.forwardPromptsGet
		case FamilyResources:
			d["resources/list"] = a.forwardResourcesList
			d["resources/templates/list"] = a.forwardResourceTemplatesList
			d["resources/read"] = a.forwardResourcesRead
			d["resources/subscribe"] = a.forwardSubscribe
			d["resources/unsubscribe"] = a.forwardUnsubscribe
		}
	}
	return d
}

// Handler returns the adapter wrapped with CORS when origins are configured.
func Handler(cfg Config) (http.Handler, error) {
	a, err := NewAdapter(cfg)
	if err != nil {
		return nil, err
	}
	if len(cfg.AllowOrigins) == 0 {
		return a, nil
	}
	c := cors.New(cors.Options{
		AllowedOrigins: cfg.AllowOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowedHeaders: []string{"*"},
		ExposedHeaders: []string{"Mcp-Session-Id"},
	})
	return c.Handler(a), nil
}

// ServeHTTP implements the Streamable HTTP transport surface.
func (a *Adapter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.handlePost(w, r)
	case http.MethodGet:
		a.handleGet(w, r)
	case http.MethodDelete:
		a.handleDelete(w, r)
	default:
		w.Header().Set("Allow", "POST, GET, DELETE")
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
	}
}

// handlePost processes JSON-RPC messages sent via HTTP POST.
func (a *Adapter) handlePost(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get("Mcp-Session-Id")
	protoVersion := r.Header.Get("Mcp-Protocol-Version")

	body, err := io.ReadAll(io.LimitReader(r.Body, MaxRequestBodySize+1))
	if err != nil {
		a.sendJSONRPCError(w, nil, JSONRPCParseError, "failed to read request body", nil)
		return
	}
	if int64(len(body)) > MaxRequestBodySize {
		a.sendJSONRPCError(w, nil, JSONRPCInvalidRequest, "request body too large", nil)
		return
	}

	var req JSONRPCRequest
	if err := json.Unmarshal(body, &req); err != nil {
		a.sendJSONRPCError(w, nil, JSONRPCParseError, "invalid JSON", nil)
		return
	}

	if req.JSONRPC != "2.0" {
		a.sendJSONRPCError(w, req.ID, JSONRPCInvalidRequest, "invalid JSON-RPC version", nil)
		return
	}

	isInitialize := req.Method == "initialize"
	isNotification := len(req.ID) == 0 || string(req.ID) == "null"

	// Validate protocol version header (not required on initialize)
	if !isInitialize && protoVersion != "" && !supportedProtocolVersions[protoVersion] {
		http.Error(w, "Bad Request: unsupported MCP-Protocol-Version", http.StatusBadRequest)
		return
	}

	// Non-initialize requests require a valid session unless running stateless
	if !isInitialize && !a.stateless {
		if sessionID == "" {
			http.Error(w, "Bad Request: missing Mcp-Session-Id", http.StatusBadRequest)
			return
		}
		if _, ok := a.sessions.get(sessionID); !ok {
			// Session expired or invalid - client must re-initialize
			http.Error(w, "Not Found", http.StatusNotFound)
			return
		}
	}

	a.logger.Debug("mcp request",
		"method", req.Method,
		"is_notification", isNotification,
		"session_id", sessionID,
	)

	if isNotification {
		a.handleNotification(w, r, req)
		return
	}

	if isInitialize {
		a.handleInitialize(w, r, req)
		return
	}

	forward, ok := a.dispatch[req.Method]
	if !ok {
		a.sendJSONRPCError(w, req.ID, JSONRPCMethodNotFound, "method not supported by this server", nil)
		return
	}

	result, rpcErr := forward(r.Context(), req.Params)
	if rpcErr != nil {
		a.sendJSONRPCError(w, req.ID, rpcErr.Code, rpcErr.Message, rpcErr.Data)
		return
	}
	a.sendJSONRPCResult(w, req.ID, result)
}

// handleNotification accepts client notifications with HTTP 202. Progress
// notifications are forwarded upstream so long-running calls keep moving.
func (a *Adapter) handleNotification(w http.ResponseWriter, r *http.Request, req JSONRPCRequest) {
	switch {
	case req.Method == "notifications/progress":
		var params mcp.ProgressNotificationParams
		if len(req.Params) > 0 {
			if err := json.Unmarshal(req.Params, &params); err != nil {
				a.sendJSONRPCError(w, nil, JSONRPCInvalidParams, "invalid progress params", nil)
				return
			}
		}
		if err := a.upstream.NotifyProgress(r.Context(), &params); err != nil {
			a.logger.Warn("forwarding progress notification failed", "error", err)
		}
	case strings.HasPrefix(req.Method, "notifications/"):
		a.logger.Debug("accepted notification", "method", req.Method)
	default:
		a.logger.Warn("received notification for non-notification method", "method", req.Method)
	}
	w.WriteHeader(http.StatusAccepted)
}

// handleInitialize handles the MCP initialize handshake and creates a session.
func (a *Adapter) handleInitialize(w http.ResponseWriter, r *http.Request, req JSONRPCRequest) {
	sess := a.sessions.create(principalFrom(r))

	a.logger.Info("mcp session created",
		"session_id", sess.id,
		"protocol_version", latestProtocolVersion,
	)

	// Set the session ID header so the client can use it on subsequent requests
	w.Header().Set("Mcp-Session-Id", sess.id)

	capabilities := make(map[string]any, len(a.families))
	for _, family := range a.families {
		capabilities[family] = map[string]any{}
	}

	result := map[string]any{
		"protocolVersion": latestProtocolVersion,
		"capabilities":    capabilities,
		"serverInfo": map[string]any{
			"name":    "mcp-gateway/" + a.name,
			"version": "1.0.0",
		},
	}
	a.sendJSONRPCResult(w, req.ID, result)
}

// Forwarders. Call-class operations record usage before hitting upstream so
// attempts count even when the upstream fails.

func (a *Adapter) forwardToolsList(ctx context.Context, _ json.RawMessage) (any, *JSONRPCError) {
	res, err := a.upstream.ListTools(ctx, nil)
	if err != nil {
		return nil, upstreamError("tools/list", err)
	}
	return res, nil
}

func (a *Adapter) forwardToolsCall(ctx context.Context, raw json.RawMessage) (any, *JSONRPCError) {
	var params mcp.CallToolParams
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &params); err != nil {
			return nil, &JSONRPCError{Code: JSONRPCInvalidParams, Message: "invalid params"}
		}
	}
	if params.Name == "" {
		return nil, &JSONRPCError{Code: JSONRPCInvalidParams, Message: "tool name is required"}
	}

	a.recorder.RecordCall(FamilyTools)

	res, err := a.upstream.CallTool(ctx, &params)
	if err != nil {
		// Execution failures surface as tool results so clients can show them.
		a.logger.Warn("tool call failed", "tool", params.Name, "error", err)
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: err.Error()}},
			IsError: true,
		}, nil
	}
	return res, nil
}

func (a *Adapter) forwardPromptsList(ctx context.Context, _ json.RawMessage) (any, *JSONRPCError) {
	res, err := a.upstream.ListPrompts(ctx, nil)
	if err != nil {
		return nil, upstreamError("prompts/list", err)
	}
	return res, nil
}

func (a *Adapter) forwardPromptsGet(ctx context.Context, raw json.RawMessage) (any, *JSONRPCError) {
	var params mcp.GetPromptParams
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &params); err != nil {
			return nil, &JSONRPCError{Code: JSONRPCInvalidParams, Message: "invalid params"}
		}
	}
	if params.Name == "" {
		return nil, &JSONRPCError{Code: JSONRPCInvalidParams, Message: "prompt name is required"}
	}

	a.recorder.RecordCall(FamilyPrompts)

	res, err := a.upstream.GetPrompt(ctx, &params)
	if err != nil {
		return nil, upstreamError("prompts/get", err)
	}
	return res, nil
}

func (a *Adapter) forwardResourcesList(ctx context.Context, _ json.RawMessage) (any, *JSONRPCError) {
	res, err := a.upstream.ListResources(ctx, nil)
	if err != nil {
		return nil, upstreamError("resources/list", err)
	}
	return res, nil
}

func (a *Adapter) forwardResourceTemplatesList(ctx context.Context, _ json.RawMessage) (any, *JSONRPCError) {
	res, err := a.upstream.ListResourceTemplates(ctx, nil)
	if err != nil {
		return nil, upstreamError("resources/templates/list", err)
	}
	return res, nil
}

func (a *Adapter) forwardResourcesRead(ctx context.Context, raw json.RawMessage) (any, *JSONRPCError) {
	var params mcp.ReadResourceParams
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &params); err != nil {
			return nil, &JSONRPCError{Code: JSONRPCInvalidParams, Message: "invalid params"}
		}
	}
	if params.URI == "" {
		return nil, &JSONRPCError{Code: JSONRPCInvalidParams, Message: "resource uri is required"}
	}

	a.recorder.RecordCall(FamilyResources)

	res, err := a.upstream.ReadResource(ctx, &params)
	if err != nil {
		return nil, upstreamError("resources/read", err)
	}
	return res, nil
}

func (a *Adapter) forwardSubscribe(ctx context.Context, raw json.RawMessage) (any, *JSONRPCError) {
	var params mcp.SubscribeParams
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &params); err != nil {
			return nil, &JSONRPCError{Code: JSONRPCInvalidParams, Message: "invalid params"}
		}
	}
	if err := a.upstream.Subscribe(ctx, &params); err != nil {
		return nil, upstreamError("resources/subscribe", err)
	}
	return struct{}{}, nil
}

func (a *Adapter) forwardUnsubscribe(ctx context.Context, raw json.RawMessage) (any, *JSONRPCError) {
	var params mcp.UnsubscribeParams
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &params); err != nil {
			return nil, &JSONRPCError{Code: JSONRPCInvalidParams, Message: "invalid params"}
		}
	}
	if err := a.upstream.Unsubscribe(ctx, &params); err != nil {
		return nil, upstreamError("resources/unsubscribe", err)
	}
	return struct{}{}, nil
}

func (a *Adapter) forwardPing(ctx context.Context, _ json.RawMessage) (any, *JSONRPCError) {
	if err := a.upstream.Ping(ctx, nil); err != nil {
		return nil, upstreamError("ping", err)
	}
	return struct{}{}, nil
}

func (a *Adapter) forwardComplete(ctx context.Context, raw json.RawMessage) (any, *JSONRPCError) {
	var params mcp.CompleteParams
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &params); err != nil {
			return nil, &JSONRPCError{Code: JSONRPCInvalidParams, Message: "invalid params"}
		}
	}
	res, err := a.upstream.Complete(ctx, &params)
	if err != nil {
		return nil, upstreamError("completion/complete", err)
	}
	return res, nil
}

// upstreamError maps forwarding failures onto JSON-RPC error objects.
func upstreamError(method string, err error) *JSONRPCError {
	message := "upstream request failed"
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		message = "upstream request timed out"
	case errors.Is(err, context.Canceled):
		message = "request cancelled"
	}
	return &JSONRPCError{
		Code:    JSONRPCInternalError,
		Message: message,
		Data:    map[string]string{"method": method, "error": err.Error()},
	}
}

// sendJSONRPCResult sends a successful JSON-RPC response.
func (a *Adapter) sendJSONRPCResult(w http.ResponseWriter, id json.RawMessage, result any) {
	resp := JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      id,
		Result:  result,
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		a.logger.Warn("failed to encode JSON-RPC response", "error", err)
	}
}

// sendJSONRPCError sends a JSON-RPC error response.
func (a *Adapter) sendJSONRPCError(w http.ResponseWriter, id json.RawMessage, code int, message string, data any) {
	resp := JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error: &JSONRPCError{
			Code:    code,
			Message: message,
			Data:    data,
		},
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		a.logger.Warn("failed to encode JSON-RPC error response", "error", err)
	}
}
