package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/hupe1980/supportmesh/call"
	"github.com/hupe1980/supportmesh/core"
)

// maxBodyBytes bounds JSON request bodies.
const maxBodyBytes = 1 << 20

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

// writeErr maps domain errors onto HTTP statuses.
func writeErr(w http.ResponseWriter, err error) {
	writeError(w, statusOf(err), err.Error())
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, core.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, core.ErrConversationClosed),
		errors.Is(err, core.ErrCallEnded),
		errors.Is(err, core.ErrInvalidTransition),
		errors.Is(err, call.ErrSessionExists):
		return http.StatusConflict
	case errors.Is(err, call.ErrQueueFull):
		return http.StatusTooManyRequests
	case errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

var errBadRequest = errors.New("bad request")

func badRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errBadRequest, fmt.Sprintf(format, args...))
}

// decodeBody decodes an optional JSON body into v.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return badRequest("invalid JSON body: %v", err)
	}
	return nil
}

// identity is the caller's tenant scope.
type identity struct {
	TenantID  string
	ChatbotID string
	EndUserID string
}

func identify(r *http.Request, requireChatbot bool) (identity, error) {
	pick := func(header, query string) string {
		if v := r.Header.Get(header); v != "" {
			return v
		}
		return r.URL.Query().Get(query)
	}

	id := identity{
		TenantID:  pick("X-Tenant-ID", "tenantId"),
		ChatbotID: pick("X-Chatbot-ID", "chatbotId"),
		EndUserID: pick("X-End-User-ID", "endUserId"),
	}
	if id.TenantID == "" {
		return id, badRequest("tenant id is required")
	}
	if requireChatbot && id.ChatbotID == "" {
		return id, badRequest("chatbot id is required")
	}
	return id, nil
}
