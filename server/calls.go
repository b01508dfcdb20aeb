package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/hupe1980/supportmesh/call"
	"github.com/hupe1980/supportmesh/core"
)

type startCallRequest struct {
	CallID         string `json:"callId,omitempty"`
	ConversationID string `json:"conversationId,omitempty"`
	EndUserID      string `json:"endUserId,omitempty"`
}

func (s *Server) handleStartCall(w http.ResponseWriter, r *http.Request) {
	id, err := identify(r, true)
	if err != nil {
		writeErr(w, err)
		return
	}
	if _, err := s.runner.Catalog().Package(id.TenantID, id.ChatbotID); err != nil {
		writeErr(w, err)
		return
	}

	var req startCallRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeErr(w, err)
		return
	}
	if req.EndUserID == "" {
		req.EndUserID = id.EndUserID
	}

	sess, err := s.calls.Start(r.Context(), call.Start{
		CallID:         req.CallID,
		ConversationID: req.ConversationID,
		TenantID:       id.TenantID,
		ChatbotID:      id.ChatbotID,
		EndUserID:      req.EndUserID,
	})
	if err != nil {
		writeErr(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleConnectCall(w http.ResponseWriter, r *http.Request) {
	if err := s.calls.Connected(r.PathValue("sessionId")); err != nil {
		writeErr(w, err)
		return
	}
	sess, err := s.calls.Get(r.PathValue("sessionId"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

type utteranceRequest struct {
	Utterance string `json:"utterance"`
}

func (s *Server) handleUtterance(w http.ResponseWriter, r *http.Request) {
	var req utteranceRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeErr(w, err)
		return
	}
	if strings.TrimSpace(req.Utterance) == "" {
		writeErr(w, badRequest("utterance is required"))
		return
	}

	events, err := s.calls.Submit(r.Context(), r.PathValue("sessionId"), req.Utterance)
	if err != nil {
		writeErr(w, err)
		return
	}

	streamSSE(w, events)
}

type endCallRequest struct {
	Reason string `json:"reason,omitempty"`
}

type endCallResponse struct {
	Success     bool              `json:"success"`
	Message     string            `json:"message"`
	CallSummary *core.CallSummary `json:"callSummary,omitempty"`
}

func (s *Server) handleEndCall(w http.ResponseWriter, r *http.Request) {
	var req endCallRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeErr(w, err)
		return
	}
	if req.Reason == "" {
		req.Reason = "client request"
	}

	summary, err := s.calls.EndCall(r.Context(), r.PathValue("sessionId"), req.Reason)
	if err != nil {
		if errors.Is(err, core.ErrCallNotFound) {
			writeJSON(w, http.StatusNotFound, endCallResponse{Message: "call session not found"})
			return
		}
		writeErr(w, err)
		return
	}

	writeJSON(w, http.StatusOK, endCallResponse{Success: true, Message: "call ended", CallSummary: &summary})
}
