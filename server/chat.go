package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/hupe1980/supportmesh/auth"
	"github.com/hupe1980/supportmesh/core"
	"github.com/hupe1980/supportmesh/runner"
)

type messageRequest struct {
	Message string `json:"message"`
	// ConversationID addresses an existing conversation (API channel).
	ConversationID string `json:"conversationId,omitempty"`
}

func (s *Server) inbound(r *http.Request, req messageRequest) (runner.Inbound, error) {
	id, err := identify(r, true)
	if err != nil {
		return runner.Inbound{}, err
	}
	if strings.TrimSpace(req.Message) == "" {
		return runner.Inbound{}, badRequest("message is required")
	}

	channel := core.ChannelWidget
	if req.ConversationID != "" {
		channel = core.ChannelAPI
	}

	return runner.Inbound{
		TenantID:       id.TenantID,
		ChatbotID:      id.ChatbotID,
		EndUserID:      endUserOf(id, r),
		SessionID:      r.PathValue("sessionId"),
		ConversationID: req.ConversationID,
		Channel:        channel,
		Message:        req.Message,
	}, nil
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeErr(w, err)
		return
	}

	in, err := s.inbound(r, req)
	if err != nil {
		writeErr(w, err)
		return
	}

	reply, err := s.runner.Handle(r.Context(), in)
	if err != nil {
		writeErr(w, err)
		return
	}

	w.Header().Set("X-Conversation-ID", reply.ConversationID)
	streamSSE(w, reply.Events)
}

// streamSSE writes each event as an SSE frame named after its type.
func streamSSE(w http.ResponseWriter, events <-chan core.StreamEvent) {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	if flusher != nil {
		flusher.Flush()
	}

	for ev := range events {
		b, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, b); err != nil {
			// The client went away; the request context cancels the turn.
			continue
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if _, err := identify(r, true); err != nil {
		writeErr(w, err)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.opts.OriginPatterns})
	if err != nil {
		s.opts.Logger.Warn("server.ws.accept_failed", "error", err.Error())
		return
	}
	defer conn.CloseNow()

	ctx := r.Context()
	s.opts.Logger.Debug("server.ws.connected", "session_id", r.PathValue("sessionId"))

	for {
		var req messageRequest
		if err := wsjson.Read(ctx, conn, &req); err != nil {
			if websocket.CloseStatus(err) != websocket.StatusNormalClosure && ctx.Err() == nil {
				s.opts.Logger.Debug("server.ws.read_failed", "error", err.Error())
			}
			return
		}

		if err := s.wsTurn(ctx, conn, r, req); err != nil {
			return
		}
	}
}

// wsTurn runs one inbound frame. Request errors are reported as error
// events; only write failures end the connection.
func (s *Server) wsTurn(ctx context.Context, conn *websocket.Conn, r *http.Request, req messageRequest) error {
	in, err := s.inbound(r, req)
	var reply *runner.Reply
	if err == nil {
		reply, err = s.runner.Handle(ctx, in)
	}
	if err != nil {
		return wsjson.Write(ctx, conn, core.NewErrorEvent(requestErrorCode(err), err.Error()))
	}

	for ev := range reply.Events {
		if err := wsjson.Write(ctx, conn, ev); err != nil {
			// Drain so the turn observes the cancellation and settles.
			for range reply.Events {
			}
			return err
		}
	}
	return nil
}

func requestErrorCode(err error) string {
	switch statusOf(err) {
	case http.StatusBadRequest:
		return "BAD_REQUEST"
	case http.StatusNotFound:
		return "NOT_FOUND"
	case http.StatusConflict:
		return "CONFLICT"
	default:
		return core.CodeInternal
	}
}

type authStatusResponse struct {
	AuthRequired  bool                 `json:"authRequired"`
	Authenticated bool                 `json:"authenticated"`
	AuthState     core.AuthStatus      `json:"authState"`
	CurrentStep   *core.StepDescriptor `json:"currentStep,omitempty"`
	DisplayName   string               `json:"displayName,omitempty"`
	ExpiresAt     string               `json:"expiresAt,omitempty"`
}

func (s *Server) handleAuthStatus(w http.ResponseWriter, r *http.Request) {
	id, err := identify(r, true)
	if err != nil {
		writeErr(w, err)
		return
	}
	pkg, err := s.runner.Catalog().Package(id.TenantID, id.ChatbotID)
	if err != nil {
		writeErr(w, err)
		return
	}

	endUser := endUserOf(id, r)
	st, err := s.runner.Gate().GetAuthState(r.Context(), id.ChatbotID, endUser)
	if err != nil {
		writeErr(w, err)
		return
	}

	resp := authStatusResponse{
		AuthRequired:  pkg.AuthRequired(),
		Authenticated: st.Status == core.AuthAuthenticated,
		AuthState:     st.Status,
		DisplayName:   st.DisplayName,
	}
	if st.Status == core.AuthPending {
		for _, step := range auth.GuardFor(pkg).LoginSteps() {
			if step.ID == st.CurrentStep {
				resp.CurrentStep = step.Descriptor()
			}
		}
	}
	if !st.ExpiresAt.IsZero() {
		resp.ExpiresAt = st.ExpiresAt.UTC().Format(time.RFC3339)
	}

	writeJSON(w, http.StatusOK, resp)
}

type authRequest struct {
	StepID         string            `json:"stepId"`
	Values         map[string]string `json:"values"`
	ConversationID string            `json:"conversationId,omitempty"`
}

func (s *Server) handleAuth(w http.ResponseWriter, r *http.Request) {
	id, err := identify(r, true)
	if err != nil {
		writeErr(w, err)
		return
	}

	var req authRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeErr(w, err)
		return
	}
	if req.StepID == "" {
		writeErr(w, badRequest("stepId is required"))
		return
	}

	pkg, err := s.runner.Catalog().Package(id.TenantID, id.ChatbotID)
	if err != nil {
		writeErr(w, err)
		return
	}

	res, err := s.runner.Gate().ProcessAuthInput(r.Context(), auth.Input{
		Package:        pkg,
		ChatbotID:      id.ChatbotID,
		EndUserID:      endUserOf(id, r),
		ConversationID: req.ConversationID,
		StepID:         req.StepID,
		Values:         req.Values,
	})
	if err != nil {
		writeErr(w, err)
		return
	}

	writeJSON(w, http.StatusOK, res)
}

type closeRequest struct {
	Status core.ConversationStatus `json:"status"`
}

func (s *Server) handleCloseConversation(w http.ResponseWriter, r *http.Request) {
	id, err := identify(r, false)
	if err != nil {
		writeErr(w, err)
		return
	}

	req := closeRequest{Status: core.ConversationResolved}
	if err := decodeBody(w, r, &req); err != nil {
		writeErr(w, err)
		return
	}
	if !req.Status.IsTerminal() {
		writeErr(w, badRequest("status must be resolved or abandoned"))
		return
	}

	conv, err := s.runner.Conversations().GetConversation(r.Context(), r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	if conv.TenantID != id.TenantID {
		writeErr(w, fmt.Errorf("%w: %s", core.ErrConversationNotFound, conv.ID))
		return
	}

	conv, err = s.runner.CloseConversation(r.Context(), conv.ID, req.Status)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func endUserOf(id identity, r *http.Request) string {
	if id.EndUserID != "" {
		return id.EndUserID
	}
	return r.PathValue("sessionId")
}
