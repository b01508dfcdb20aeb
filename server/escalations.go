package server

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/hupe1980/supportmesh/core"
)

func (s *Server) handleListEscalations(w http.ResponseWriter, r *http.Request) {
	id, err := identify(r, false)
	if err != nil {
		writeErr(w, err)
		return
	}

	q := r.URL.Query()
	query := core.EscalationQuery{
		TenantID: id.TenantID,
		View:     core.EscalationView(q.Get("view")),
		UserID:   q.Get("userId"),
	}
	switch query.View {
	case "":
		query.View = core.ViewAll
	case core.ViewAll, core.ViewQueue, core.ViewMine:
	default:
		writeErr(w, badRequest("unknown view %q", query.View))
		return
	}
	for _, raw := range q["status"] {
		for _, st := range strings.Split(raw, ",") {
			if st = strings.TrimSpace(st); st != "" {
				query.Statuses = append(query.Statuses, core.EscalationStatus(st))
			}
		}
	}
	if query.View == core.ViewMine && query.UserID == "" {
		writeErr(w, badRequest("view %q requires userId", query.View))
		return
	}
	if l := q.Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 0 {
			writeErr(w, badRequest("invalid limit %q", l))
			return
		}
		query.Limit = n
	}

	items, err := s.runner.Router().Query(r.Context(), query)
	if err != nil {
		writeErr(w, err)
		return
	}
	if items == nil {
		items = []core.Escalation{}
	}

	writeJSON(w, http.StatusOK, map[string]any{"escalations": items})
}

type assignRequest struct {
	UserID string `json:"userId"`
}

func (s *Server) handleEscalationAction(w http.ResponseWriter, r *http.Request) {
	id, err := identify(r, false)
	if err != nil {
		writeErr(w, err)
		return
	}

	router := s.runner.Router()
	escID := r.PathValue("id")

	existing, err := router.Get(r.Context(), escID)
	if err != nil {
		writeErr(w, err)
		return
	}
	if existing.TenantID != id.TenantID {
		writeErr(w, fmt.Errorf("%w: %s", core.ErrEscalationNotFound, escID))
		return
	}

	var out *core.Escalation
	switch r.PathValue("action") {
	case "assign":
		var req assignRequest
		if err := decodeBody(w, r, &req); err != nil {
			writeErr(w, err)
			return
		}
		if req.UserID == "" {
			writeErr(w, badRequest("userId is required"))
			return
		}
		out, err = router.Assign(r.Context(), escID, req.UserID)
	case "start":
		out, err = router.Start(r.Context(), escID)
	case "resolve":
		out, err = router.Resolve(r.Context(), escID)
	default:
		writeErr(w, badRequest("unknown action %q", r.PathValue("action")))
		return
	}
	if err != nil {
		writeErr(w, err)
		return
	}

	writeJSON(w, http.StatusOK, out)
}
