// Package api implements Agora's HTTP surface.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/colelab/agora/internal/agent"
	"github.com/colelab/agora/internal/buildinfo"
	"github.com/colelab/agora/internal/llm"
	"github.com/colelab/agora/internal/memory"
)

// UserTokenHeader carries the caller's content-backend token. Requests
// without it are rejected before any model call.
const UserTokenHeader = "X-User-Token"

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Server is the HTTP API server.
type Server struct {
	address          string
	port             int
	loop             *agent.Loop
	archive          *memory.Archive
	logger           *slog.Logger
	server           *http.Server
	stats            *SessionStats
	apiKeyConfigured bool
}

// NewServer creates a new API server. archive may be nil; transcript
// mirroring and archive endpoints are then disabled.
func NewServer(address string, port int, loop *agent.Loop, archive *memory.Archive, apiKeyConfigured bool, logger *slog.Logger) *Server {
	return &Server{
		address:          address,
		port:             port,
		loop:             loop,
		archive:          archive,
		logger:           logger,
		stats:            &SessionStats{},
		apiKeyConfigured: apiKeyConfigured,
	}
}

// SessionStats tracks token usage for the current process lifetime.
type SessionStats struct {
	mu                sync.Mutex
	TotalInputTokens  int64 `json:"total_input_tokens"`
	TotalOutputTokens int64 `json:"total_output_tokens"`
	TotalRequests     int64 `json:"total_requests"`
}

// Record adds one request's token usage.
func (s *SessionStats) Record(inputTokens, outputTokens int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.TotalInputTokens += int64(inputTokens)
	s.TotalOutputTokens += int64(outputTokens)
	s.TotalRequests++
}

// Snapshot returns a copy-safe view of the counters.
func (s *SessionStats) Snapshot() map[string]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return map[string]int64{
		"total_input_tokens":  s.TotalInputTokens,
		"total_output_tokens": s.TotalOutputTokens,
		"total_requests":      s.TotalRequests,
	}
}

// Start begins serving HTTP requests.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:      s.withLogging(s.Routes()),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 10 * time.Minute, // tool rounds can stack several 60s model calls
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	return s.server.ListenAndServe()
}

// Routes builds the request mux. Split out from Start for tests.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/chat", s.handleChat)
	mux.HandleFunc("GET /v1/chat/ws", s.handleChatWS)

	mux.HandleFunc("GET /v1/conversations", s.handleConversationList)
	mux.HandleFunc("GET /v1/conversations/{id}", s.handleConversationGet)
	mux.HandleFunc("GET /v1/archive/conversations", s.handleArchiveList)

	mux.HandleFunc("GET /v1/session/stats", s.handleSessionStats)
	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /", s.handleRoot)

	return mux
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"name":    "Agora",
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.Info(), s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"status": "healthy"}, s.logger)
}

// ChatRequest is the chat endpoint's request body.
type ChatRequest struct {
	Message        string `json:"message"`
	ConversationID string `json:"conversation_id,omitempty"`
}

// ChatResponse is the chat endpoint's response body.
type ChatResponse struct {
	Response       string   `json:"response"`
	ConversationID string   `json:"conversation_id"`
	Model          string   `json:"model"`
	Rounds         int      `json:"rounds"`
	ToolsUsed      []string `json:"tools_used,omitempty"`
}

// handleChat runs one orchestration turn.
//
// Error taxonomy: missing API key → 500 before any model call; missing
// user token → 401 before any model call; first model call failure →
// the upstream's status and message. Everything after a successful
// first model call degrades to a 200 with a best-effort answer.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if !s.apiKeyConfigured {
		s.errorResponse(w, http.StatusInternalServerError, "model API key is not configured")
		return
	}

	userToken := r.Header.Get(UserTokenHeader)
	if userToken == "" {
		s.errorResponse(w, http.StatusUnauthorized, "missing "+UserTokenHeader+" header")
		return
	}

	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Message == "" {
		s.errorResponse(w, http.StatusBadRequest, "message is required")
		return
	}

	// A client disconnect must not abort in-flight tool calls: the turn
	// runs to completion on a detached context so a confirmed write is
	// always followed up and the transcript keeps the real answer.
	resp, err := s.loop.Run(context.WithoutCancel(r.Context()), &agent.Request{
		Message:        req.Message,
		ConversationID: req.ConversationID,
		UserToken:      userToken,
	}, nil)
	if err != nil {
		s.upstreamError(w, err)
		return
	}

	s.stats.Record(resp.InputTokens, resp.OutputTokens)
	s.archiveTurn(resp.ConversationID, req.Message, resp.Content)

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, ChatResponse{
		Response:       resp.Content,
		ConversationID: resp.ConversationID,
		Model:          resp.Model,
		Rounds:         resp.Rounds,
		ToolsUsed:      resp.ToolsUsed,
	}, s.logger)
}

// upstreamError maps a first-call failure onto the response. Upstream
// status codes are relayed when they are themselves errors; transport
// failures become a 502.
func (s *Server) upstreamError(w http.ResponseWriter, err error) {
	var apiErr *llm.APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode >= 400 {
		s.errorResponse(w, apiErr.StatusCode, apiErr.Message)
		return
	}
	s.errorResponse(w, http.StatusBadGateway, err.Error())
}

// archiveTurn mirrors a completed turn to the SQLite archive. Always
// best-effort: failures are logged and never affect the response.
func (s *Server) archiveTurn(convID, userMessage, answer string) {
	if s.archive == nil {
		return
	}
	now := time.Now()
	err := s.archive.SaveMessages(convID, []memory.Message{
		{Role: "user", Content: userMessage, Timestamp: now},
		{Role: "assistant", Content: answer, Timestamp: now},
	})
	if err != nil {
		s.logger.Warn("transcript archive failed", "conversation", convID, "error", err)
	}
}

func (s *Server) handleConversationList(w http.ResponseWriter, r *http.Request) {
	type summary struct {
		ID           string    `json:"id"`
		MessageCount int       `json:"message_count"`
		CreatedAt    time.Time `json:"created_at"`
		UpdatedAt    time.Time `json:"updated_at"`
	}

	convs := s.loop.Store().List()
	summaries := make([]summary, len(convs))
	for i, c := range convs {
		summaries[i] = summary{
			ID:           c.ID,
			MessageCount: len(c.Messages),
			CreatedAt:    c.CreatedAt,
			UpdatedAt:    c.UpdatedAt,
		}
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"conversations": summaries,
		"count":         len(summaries),
	}, s.logger)
}

func (s *Server) handleConversationGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	if conv := s.loop.Store().Get(id); conv != nil {
		w.Header().Set("Content-Type", "application/json")
		writeJSON(w, conv, s.logger)
		return
	}

	// Evicted from memory but possibly still on disk.
	if s.archive != nil {
		msgs, err := s.archive.Transcript(id)
		if err == nil && len(msgs) > 0 {
			w.Header().Set("Content-Type", "application/json")
			writeJSON(w, map[string]any{"id": id, "messages": msgs}, s.logger)
			return
		}
	}

	s.errorResponse(w, http.StatusNotFound, "conversation not found")
}

// handleArchiveList lists conversations that have been mirrored to disk,
// including ones already evicted from memory.
func (s *Server) handleArchiveList(w http.ResponseWriter, r *http.Request) {
	if s.archive == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "archive not configured")
		return
	}

	limit := parseIntParam(r, "limit", 50)
	summaries, err := s.archive.Conversations(limit)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "list archive: "+err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"conversations": summaries,
		"count":         len(summaries),
	}, s.logger)
}

func (s *Server) handleSessionStats(w http.ResponseWriter, r *http.Request) {
	snap := s.stats.Snapshot()

	out := map[string]any{
		"usage": snap,
		"build": buildinfo.Info(),
	}
	for k, v := range s.loop.Store().Stats() {
		out[k] = v
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, out, s.logger)
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    code,
		},
	}, s.logger)
}

func parseIntParam(r *http.Request, name string, defaultVal int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return defaultVal
	}
	return n
}
