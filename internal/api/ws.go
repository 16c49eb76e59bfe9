package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/colelab/agora/internal/agent"
	"github.com/colelab/agora/internal/llm"
)

// upgrader accepts any origin; the service sits behind the platform's
// own proxy which enforces origin policy.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsRequest is one chat turn sent over the socket. Browsers cannot set
// custom headers on websocket connects, so the user token rides in the
// message itself.
type wsRequest struct {
	Message        string `json:"message"`
	ConversationID string `json:"conversation_id,omitempty"`
	UserToken      string `json:"user_token"`
}

// wsEvent is one server-to-client frame.
type wsEvent struct {
	Type           string `json:"type"` // tool_start, tool_done, answer, error
	ToolName       string `json:"tool_name,omitempty"`
	Error          string `json:"error,omitempty"`
	Response       string `json:"response,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
}

// handleChatWS serves a live chat session: each client frame runs one
// orchestration turn, with tool activity streamed as it happens.
// Turns on one socket run sequentially, matching the loop's
// single-in-flight-per-conversation model.
func (s *Server) handleChatWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	s.logger.Info("websocket session started", "remote", r.RemoteAddr)

	for {
		var req wsRequest
		if err := conn.ReadJSON(&req); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("websocket read failed", "error", err)
			}
			return
		}

		if !s.apiKeyConfigured {
			s.writeWSEvent(conn, wsEvent{Type: "error", Error: "model API key is not configured"})
			continue
		}
		if req.UserToken == "" {
			s.writeWSEvent(conn, wsEvent{Type: "error", Error: "user_token is required"})
			continue
		}
		if req.Message == "" {
			s.writeWSEvent(conn, wsEvent{Type: "error", Error: "message is required"})
			continue
		}

		cb := func(ev agent.Event) {
			switch ev.Kind {
			case agent.KindToolStart:
				s.writeWSEvent(conn, wsEvent{Type: "tool_start", ToolName: ev.ToolName})
			case agent.KindToolDone:
				s.writeWSEvent(conn, wsEvent{Type: "tool_done", ToolName: ev.ToolName, Error: ev.Err})
			}
		}

		// Same rule as the HTTP handler: a dropped socket must not
		// abort a turn that may already have written to the backend.
		resp, err := s.loop.Run(context.WithoutCancel(r.Context()), &agent.Request{
			Message:        req.Message,
			ConversationID: req.ConversationID,
			UserToken:      req.UserToken,
		}, cb)
		if err != nil {
			var apiErr *llm.APIError
			msg := "model call failed"
			if errors.As(err, &apiErr) {
				msg = apiErr.Message
			}
			s.writeWSEvent(conn, wsEvent{Type: "error", Error: msg})
			continue
		}

		s.stats.Record(resp.InputTokens, resp.OutputTokens)
		s.archiveTurn(resp.ConversationID, req.Message, resp.Content)

		s.writeWSEvent(conn, wsEvent{
			Type:           "answer",
			Response:       resp.Content,
			ConversationID: resp.ConversationID,
		})
	}
}

func (s *Server) writeWSEvent(conn *websocket.Conn, ev wsEvent) {
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := conn.WriteJSON(ev); err != nil {
		s.logger.Debug("websocket write failed", "error", err)
	}
}
