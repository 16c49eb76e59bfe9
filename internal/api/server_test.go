package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/colelab/agora/internal/agent"
	"github.com/colelab/agora/internal/llm"
	"github.com/colelab/agora/internal/memory"
	"github.com/colelab/agora/internal/tools"
)

// fakeChat answers every model call the same way, or fails every call.
type fakeChat struct {
	content string
	err     error
}

func (f *fakeChat) Chat(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &llm.ChatResponse{
		Model:   "test-model",
		Choices: []llm.Choice{{Message: llm.Message{Role: "assistant", Content: f.content}}},
		Usage:   llm.Usage{PromptTokens: 10, CompletionTokens: 5},
	}, nil
}

type noopExec struct{}

func (noopExec) Execute(ctx context.Context, req tools.Request) (string, error) {
	return "{}", nil
}

func newTestServer(t *testing.T, chat agent.ChatClient, apiKeyConfigured bool) *Server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	loop := agent.NewLoop(logger, chat, noopExec{}, memory.NewStore(), "test-model", agent.Options{})
	return NewServer("", 0, loop, nil, apiKeyConfigured, logger)
}

func doChat(s *Server, body string, withToken bool) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/v1/chat", strings.NewReader(body))
	if withToken {
		req.Header.Set(UserTokenHeader, "user-tok")
	}
	rec := httptest.NewRecorder()
	s.Routes().ServeHTTP(rec, req)
	return rec
}

func TestChatMissingAPIKey(t *testing.T) {
	s := newTestServer(t, &fakeChat{content: "hi"}, false)

	rec := doChat(s, `{"message":"hello"}`, true)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "API key") {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestChatMissingUserToken(t *testing.T) {
	s := newTestServer(t, &fakeChat{content: "hi"}, true)

	rec := doChat(s, `{"message":"hello"}`, false)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestChatBadRequests(t *testing.T) {
	s := newTestServer(t, &fakeChat{content: "hi"}, true)

	for name, body := range map[string]string{
		"invalid json":  `{broken`,
		"empty message": `{"message":""}`,
	} {
		t.Run(name, func(t *testing.T) {
			rec := doChat(s, body, true)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rec.Code)
			}
		})
	}
}

func TestChatSuccess(t *testing.T) {
	s := newTestServer(t, &fakeChat{content: "Here you go."}, true)

	rec := doChat(s, `{"message":"hello","conversation_id":"c1"}`, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var resp ChatResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Response != "Here you go." {
		t.Errorf("response = %q", resp.Response)
	}
	if resp.ConversationID != "c1" {
		t.Errorf("conversation_id = %q", resp.ConversationID)
	}
	if resp.Model != "test-model" {
		t.Errorf("model = %q", resp.Model)
	}

	// Token usage lands in session stats.
	snap := s.stats.Snapshot()
	if snap["total_requests"] != 1 || snap["total_input_tokens"] != 10 {
		t.Errorf("stats = %v", snap)
	}
}

func TestChatRelaysUpstreamStatus(t *testing.T) {
	s := newTestServer(t, &fakeChat{err: &llm.APIError{StatusCode: 429, Message: "rate limit exceeded"}}, true)

	rec := doChat(s, `{"message":"hello"}`, true)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}

	var body struct {
		Error struct {
			Message string `json:"message"`
			Code    int    `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if body.Error.Message != "rate limit exceeded" || body.Error.Code != 429 {
		t.Errorf("error = %+v", body.Error)
	}
}

// disconnectingChat cancels the request context before answering, the
// way net/http does when the client connection drops mid-turn, then
// records whether the loop's own context was torn down with it.
type disconnectingChat struct {
	cancel       context.CancelFunc
	sawCancelled bool
}

func (f *disconnectingChat) Chat(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	f.cancel()
	if ctx.Err() != nil {
		f.sawCancelled = true
		return nil, ctx.Err()
	}
	return &llm.ChatResponse{
		Model:   "test-model",
		Choices: []llm.Choice{{Message: llm.Message{Role: "assistant", Content: "Done despite disconnect."}}},
	}, nil
}

func TestChatSurvivesClientDisconnect(t *testing.T) {
	reqCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	chat := &disconnectingChat{cancel: cancel}
	s := newTestServer(t, chat, true)

	req := httptest.NewRequest(http.MethodPost, "/v1/chat",
		strings.NewReader(`{"message":"hello","conversation_id":"c1"}`)).WithContext(reqCtx)
	req.Header.Set(UserTokenHeader, "user-tok")
	rec := httptest.NewRecorder()
	s.Routes().ServeHTTP(rec, req)

	if chat.sawCancelled {
		t.Fatal("client disconnect cancelled an in-flight model call")
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	// The transcript keeps the real answer, not a fallback.
	msgs := s.loop.Store().Messages("c1")
	if len(msgs) != 2 || msgs[1].Content != "Done despite disconnect." {
		t.Errorf("stored messages = %+v", msgs)
	}
}

func TestChatTransportErrorIs502(t *testing.T) {
	s := newTestServer(t, &fakeChat{err: errors.New("dial tcp: connection refused")}, true)

	rec := doChat(s, `{"message":"hello"}`, true)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", rec.Code)
	}
}

func TestConversationEndpoints(t *testing.T) {
	s := newTestServer(t, &fakeChat{content: "answer"}, true)

	// Seed one conversation through the chat endpoint.
	if rec := doChat(s, `{"message":"q","conversation_id":"c9"}`, true); rec.Code != http.StatusOK {
		t.Fatalf("seed chat status = %d", rec.Code)
	}

	rec := httptest.NewRecorder()
	s.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/conversations", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	var list struct {
		Count int `json:"count"`
	}
	json.Unmarshal(rec.Body.Bytes(), &list)
	if list.Count != 1 {
		t.Errorf("count = %d, want 1", list.Count)
	}

	rec = httptest.NewRecorder()
	s.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/conversations/c9", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}
	var conv memory.Conversation
	if err := json.Unmarshal(rec.Body.Bytes(), &conv); err != nil {
		t.Fatalf("decode conversation: %v", err)
	}
	if len(conv.Messages) != 2 {
		t.Errorf("messages = %d, want 2", len(conv.Messages))
	}

	rec = httptest.NewRecorder()
	s.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/conversations/absent", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("absent conversation status = %d, want 404", rec.Code)
	}
}

func TestArchiveListWithoutArchive(t *testing.T) {
	s := newTestServer(t, &fakeChat{content: "x"}, true)

	rec := httptest.NewRecorder()
	s.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/archive/conversations", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}

func TestHealthAndVersion(t *testing.T) {
	s := newTestServer(t, &fakeChat{content: "x"}, true)

	for _, path := range []string{"/health", "/v1/version", "/", "/v1/session/stats"} {
		rec := httptest.NewRecorder()
		s.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusOK {
			t.Errorf("%s status = %d", path, rec.Code)
		}
		if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
			t.Errorf("%s content-type = %q", path, ct)
		}
	}
}

func TestParseIntParam(t *testing.T) {
	tests := []struct {
		query string
		want  int
	}{
		{"", 50},
		{"limit=10", 10},
		{"limit=abc", 50},
		{"limit=-3", 50},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/?"+tt.query, nil)
		if got := parseIntParam(r, "limit", 50); got != tt.want {
			t.Errorf("parseIntParam(%q) = %d, want %d", tt.query, got, tt.want)
		}
	}
}
