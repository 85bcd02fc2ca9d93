package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"docvault/internal/middleware"
	"docvault/internal/passage"
	"docvault/internal/retrieval"
)

const (
	ProtocolVersion = "2024-11-05"

	ToolSearch      = "search"
	ToolListSources = "list_sources"

	maxLimit = 50

	defaultKeepAlive = 15 * time.Second
	sessionBuffer    = 100
)

type Retriever interface {
	Retrieve(ctx context.Context, query, tenantID string, opts retrieval.Options) ([]passage.Scored, error)
}

type SourceLister interface {
	List(ctx context.Context, tenantID string) ([]passage.SourceRecord, error)
}

// session is one SSE stream. It belongs to the tenant that opened it.
type session struct {
	tenant   string
	messages chan string
}

type Handler struct {
	retriever Retriever
	sources   SourceLister
	keepAlive time.Duration

	mu       sync.RWMutex
	sessions map[string]*session

	done      chan struct{}
	closeOnce sync.Once
}

func NewHandler(r Retriever, s SourceLister) *Handler {
	return &Handler{
		retriever: r,
		sources:   s,
		keepAlive: defaultKeepAlive,
		sessions:  make(map[string]*session),
		done:      make(chan struct{}),
	}
}

// Close ends every open SSE stream. http.Server.Shutdown waits for active
// requests without cancelling them, so it is registered as a shutdown hook.
func (h *Handler) Close() {
	h.closeOnce.Do(func() { close(h.done) })
}

type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	ID      interface{}     `json:"id"`
}

type CallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

type SearchArgs struct {
	Query     string   `json:"query"`
	Limit     *int     `json:"limit,omitempty"`
	Threshold *float64 `json:"threshold,omitempty"`
	Semantic  *bool    `json:"semantic,omitempty"`
}

func (a SearchArgs) validate() error {
	if strings.TrimSpace(a.Query) == "" {
		return errors.New("query is required")
	}
	if a.Limit != nil && (*a.Limit < 1 || *a.Limit > maxLimit) {
		return fmt.Errorf("limit must be between 1 and %d", maxLimit)
	}
	if a.Threshold != nil && (*a.Threshold < 0 || *a.Threshold > 1) {
		return errors.New("threshold must be between 0.0 and 1.0")
	}
	return nil
}

type Tool struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	InputSchema interface{} `json:"inputSchema"`
}

type ListToolsResult struct {
	Tools []Tool `json:"tools"`
}

type JSONRPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
	ID      interface{} `json:"id"`
}

type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type ToolResult struct {
	Content []ToolContent `json:"content"`
	IsError bool          `json:"isError,omitempty"`
}

type ToolContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// JSON-RPC error codes.
const (
	ErrParse          = -32700
	ErrInvalidRequest = -32600
	ErrMethodNotFound = -32601
	ErrInvalidParams  = -32602
	ErrInternal       = -32603
)

var tools = []Tool{
	{
		Name: ToolSearch,
		Description: `Retrieval tool. Returns the passages of the caller's documents that best match a question, ranked by relevance, each with its source id so answers can cite it.

ARGUMENT GUIDE:
- limit: results to return. Default 10, max 50.
- threshold: minimum similarity in [0,1]. Raise it for precision, lower it for recall.
- semantic: re-rank with passage signals (verbatim matches, numbers, questions).

An empty result means no passage is relevant enough. Say so instead of guessing.`,
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"query": map[string]string{
					"type":        "string",
					"description": "The question or keywords to search for",
				},
				"limit": map[string]interface{}{
					"type":        "integer",
					"description": "Max results to return (default 10).",
					"minimum":     1,
					"maximum":     maxLimit,
				},
				"threshold": map[string]interface{}{
					"type":        "number",
					"description": "Minimum similarity score.",
					"minimum":     0.0,
					"maximum":     1.0,
				},
				"semantic": map[string]string{
					"type":        "boolean",
					"description": "Apply heuristic re-ranking.",
				},
			},
			"required":             []string{"query"},
			"additionalProperties": false,
		},
	},
	{
		Name: ToolListSources,
		Description: `Discovery tool. Lists the documents and web pages ingested for the caller, with their passage counts. Use it to learn what can be searched.

USAGE EXAMPLE:
list_sources()`,
		InputSchema: map[string]interface{}{
			"type":       "object",
			"properties": map[string]interface{}{},
		},
	},
}

// ProcessRequest answers one JSON-RPC request. Tool calls run against the
// tenant stored on ctx. A nil response means the request was a notification.
func (h *Handler) ProcessRequest(ctx context.Context, req JSONRPCRequest) *JSONRPCResponse {
	if req.JSONRPC != "2.0" {
		return errorResponse(req.ID, ErrInvalidRequest, "jsonrpc must be \"2.0\"")
	}

	switch req.Method {
	case "initialize":
		return &JSONRPCResponse{
			JSONRPC: "2.0",
			ID:      req.ID,
			Result: map[string]interface{}{
				"protocolVersion": ProtocolVersion,
				"capabilities": map[string]interface{}{
					"tools": map[string]interface{}{},
				},
				"serverInfo": map[string]interface{}{
					"name":    "docvault-mcp",
					"version": "1.0.0",
				},
			},
		}
	case "notifications/initialized":
		return nil
	case "ping":
		return &JSONRPCResponse{JSONRPC: "2.0", ID: req.ID, Result: map[string]interface{}{}}
	case "tools/list":
		return &JSONRPCResponse{JSONRPC: "2.0", ID: req.ID, Result: ListToolsResult{Tools: tools}}
	case "tools/call":
		return h.callTool(ctx, req)
	}

	slog.WarnContext(ctx, "unknown jsonrpc method", "method", req.Method)
	return errorResponse(req.ID, ErrMethodNotFound, "Method not found")
}

func (h *Handler) callTool(ctx context.Context, req JSONRPCRequest) *JSONRPCResponse {
	var params CallParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		slog.WarnContext(ctx, "invalid params structure", "error", err)
		return errorResponse(req.ID, ErrInvalidParams, "Invalid params")
	}

	tenant, ok := middleware.TenantFromContext(ctx)
	if !ok {
		return errorResponse(req.ID, ErrInvalidRequest, middleware.TenantHeader+" is required")
	}

	switch params.Name {
	case ToolSearch:
		return h.search(ctx, req.ID, tenant, params.Arguments)
	case ToolListSources:
		return h.listSources(ctx, req.ID, tenant)
	}

	slog.WarnContext(ctx, "tool not found", "tool", params.Name)
	return errorResponse(req.ID, ErrMethodNotFound, "Method not found: "+params.Name)
}

func (h *Handler) search(ctx context.Context, id interface{}, tenant string, raw json.RawMessage) *JSONRPCResponse {
	var args SearchArgs
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&args); err != nil {
		slog.WarnContext(ctx, "invalid search arguments", "error", err)
		return errorResponse(id, ErrInvalidParams, "Invalid search arguments")
	}
	if err := args.validate(); err != nil {
		return errorResponse(id, ErrInvalidParams, err.Error())
	}

	results, err := h.retriever.Retrieve(ctx, args.Query, tenant, retrieval.Options{
		Limit:     args.Limit,
		Threshold: args.Threshold,
		Semantic:  args.Semantic,
	})
	if err != nil {
		if errors.Is(err, retrieval.ErrEmptyQuery) {
			return errorResponse(id, ErrInvalidParams, "query is required")
		}
		code, _ := middleware.ErrorStatus(err)
		slog.ErrorContext(ctx, "search failed", "error", err, "code", code)
		return errorResponse(id, ErrInternal, "Search failed: "+code)
	}

	slog.InfoContext(ctx, "tool execution completed", "tool", ToolSearch, "result_count", len(results))
	return textResult(id, formatResults(results), false)
}

func formatResults(results []passage.Scored) string {
	if len(results) == 0 {
		return "No relevant passages found."
	}

	var b strings.Builder
	for i, r := range results {
		p := r.Passage
		fmt.Fprintf(&b, "Result %d (Score: %.2f, Similarity: %.2f):\n", i+1, r.Score, r.Similarity)
		fmt.Fprintf(&b, "SourceID: %s\n", p.SourceID)
		fmt.Fprintf(&b, "Kind: %s\n", p.SourceKind)
		fmt.Fprintf(&b, "Passage: %d\n", p.SequenceIndex)
		if p.Web != nil && p.Web.Title != "" {
			fmt.Fprintf(&b, "Title: %s\n", p.Web.Title)
		}
		if p.ExtractionMethod == passage.ExtractionOptical && p.OpticalConfidence != nil {
			fmt.Fprintf(&b, "Extraction: optical (confidence %.1f)\n", *p.OpticalConfidence)
		}
		fmt.Fprintf(&b, "Content:\n%s\n\n---\n", p.Text)
	}
	b.WriteString("\nCite the SourceID of every passage you use.\n")
	return b.String()
}

func (h *Handler) listSources(ctx context.Context, id interface{}, tenant string) *JSONRPCResponse {
	records, err := h.sources.List(ctx, tenant)
	if err != nil {
		slog.ErrorContext(ctx, "list_sources failed", "error", err)
		return textResult(id, "Error: could not list sources", true)
	}
	if len(records) == 0 {
		return textResult(id, "No sources found.", false)
	}

	type simpleSource struct {
		ID         string    `json:"source_id"`
		Kind       string    `json:"kind"`
		Passages   int       `json:"passages"`
		IngestedAt time.Time `json:"last_ingested_at"`
	}
	out := make([]simpleSource, len(records))
	for i, r := range records {
		out[i] = simpleSource{ID: r.SourceID, Kind: string(r.SourceKind), Passages: r.ChunkCount, IngestedAt: r.LastIngestedAt}
	}

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		slog.ErrorContext(ctx, "failed to marshal sources", "error", err)
		return textResult(id, "Error marshalling results", true)
	}
	return textResult(id, string(data), false)
}

func textResult(id interface{}, text string, isError bool) *JSONRPCResponse {
	return &JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      id,
		Result: ToolResult{
			Content: []ToolContent{{Type: "text", Text: text}},
			IsError: isError,
		},
	}
}

func errorResponse(id interface{}, code int, message string) *JSONRPCResponse {
	return &JSONRPCResponse{
		JSONRPC: "2.0",
		Error:   &RPCError{Code: code, Message: message},
		ID:      id,
	}
}

// ServeHTTP answers a single JSON-RPC request inline.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	slog.InfoContext(ctx, "mcp request received", "method", r.Method, "path", r.URL.Path)

	var req JSONRPCRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeRPC(ctx, w, errorResponse(nil, ErrParse, "Parse error"))
		return
	}

	resp := h.ProcessRequest(ctx, req)
	if resp == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	writeRPC(ctx, w, resp)
}

// writeRPC writes a JSON-RPC envelope. Protocol errors travel in the body
// with a 200, as JSON-RPC over HTTP expects.
func writeRPC(ctx context.Context, w http.ResponseWriter, resp *JSONRPCResponse) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.ErrorContext(ctx, "failed to encode jsonrpc response", "error", err)
	}
}

// HandleSSE opens a session bound to the caller's tenant and streams the
// responses to messages posted for it.
func (h *Handler) HandleSSE(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenant, ok := middleware.TenantFromContext(ctx)
	if !ok {
		middleware.WriteDomainError(ctx, w, passage.ErrMissingTenant)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		middleware.WriteError(ctx, w, "INTERNAL_ERROR", "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	sessionID := uuid.New().String()
	sess := &session{tenant: tenant, messages: make(chan string, sessionBuffer)}

	h.mu.Lock()
	h.sessions[sessionID] = sess
	h.mu.Unlock()

	// Senders look the session up under the read lock, so once it is gone
	// from the map nothing writes to its channel again.
	defer func() {
		h.mu.Lock()
		delete(h.sessions, sessionID)
		h.mu.Unlock()
		slog.InfoContext(ctx, "sse session ended", "session_id", sessionID)
	}()

	slog.InfoContext(ctx, "sse session started", "session_id", sessionID)

	scheme := "http"
	if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
		scheme = "https"
	}
	endpoint := fmt.Sprintf("%s://%s/mcp/messages?sessionId=%s", scheme, r.Host, sessionID)

	fmt.Fprintf(w, "event: endpoint\ndata: %s\n\n", html.EscapeString(endpoint))
	fmt.Fprintf(w, "event: id\ndata: %s\n\n", html.EscapeString(sessionID))
	flusher.Flush()

	ticker := time.NewTicker(h.keepAlive)
	defer ticker.Stop()

	for {
		select {
		case msg := <-sess.messages:
			fmt.Fprintf(w, "event: message\ndata: %s\n\n", msg)
			flusher.Flush()
		case <-ticker.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case <-ctx.Done():
			return
		case <-h.done:
			return
		}
	}
}

// HandleMessage accepts a JSON-RPC message for a session, answers 202 and
// delivers the response on the session's stream.
func (h *Handler) HandleMessage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	slog.InfoContext(ctx, "mcp message received", "method", r.Method, "path", r.URL.Path)

	tenant, ok := middleware.TenantFromContext(ctx)
	if !ok {
		middleware.WriteDomainError(ctx, w, passage.ErrMissingTenant)
		return
	}

	sessionID := r.URL.Query().Get("sessionId")
	if sessionID == "" {
		middleware.WriteError(ctx, w, "VALIDATION_ERROR", "Missing sessionId", http.StatusBadRequest)
		return
	}

	h.mu.RLock()
	sess, exists := h.sessions[sessionID]
	h.mu.RUnlock()

	// A session of another tenant is reported exactly like a missing one.
	if !exists || sess.tenant != tenant {
		slog.WarnContext(ctx, "session not found", "session_id", sessionID)
		middleware.WriteError(ctx, w, "NOT_FOUND", "Session not found", http.StatusNotFound)
		return
	}

	var req JSONRPCRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.WarnContext(ctx, "invalid json in message request", "error", err)
		middleware.WriteError(ctx, w, "INVALID_JSON", "Invalid JSON", http.StatusBadRequest)
		return
	}

	w.WriteHeader(http.StatusAccepted)

	// Keep the correlation id and tenant but not the request's cancellation.
	bgCtx := context.WithoutCancel(ctx)
	go h.deliver(bgCtx, sessionID, req)
}

func (h *Handler) deliver(ctx context.Context, sessionID string, req JSONRPCRequest) {
	resp := h.ProcessRequest(ctx, req)
	if resp == nil {
		return
	}
	data, err := json.Marshal(resp)
	if err != nil {
		slog.ErrorContext(ctx, "failed to marshal response", "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	sess, ok := h.sessions[sessionID]
	if !ok {
		slog.WarnContext(ctx, "session closed before response", "session_id", sessionID)
		return
	}
	select {
	case sess.messages <- string(data):
	default:
		slog.WarnContext(ctx, "session channel full, dropping message", "session_id", sessionID)
	}
}
