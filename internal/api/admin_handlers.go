package api

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"fielddiag/internal/apperr"
	"fielddiag/internal/middleware"
	"fielddiag/internal/util"
)

type setActiveRequest struct {
	Active *bool `json:"active"`
}

func (h *Handlers) SetIdentityActive(w http.ResponseWriter, r *http.Request) {
	var req setActiveRequest
	if err := util.DecodeJSON(r, &req); err != nil {
		h.fail(w, r, errBadJSON)
		return
	}
	if req.Active == nil {
		h.fail(w, r, fmt.Errorf("%w: active is required", apperr.ErrValidation))
		return
	}
	u, err := h.accounts.SetActive(r.Context(), middleware.Claims(r.Context()), chi.URLParam(r, "id"), *req.Active)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	util.WriteJSON(w, http.StatusOK, map[string]any{"identity": identityJSON(u)})
}

func (h *Handlers) AuditLog(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r.URL.Query().Get("limit"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	offset, err := queryInt(r.URL.Query().Get("offset"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if limit == 0 || limit > 200 {
		limit = 50
	}
	entries, err := h.accounts.Store().ListAudit(r.Context(), limit, offset)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := make([]auditView, 0, len(entries))
	for _, e := range entries {
		out = append(out, auditView{
			ID:          e.ID,
			ActorUserID: e.ActorUserID,
			Action:      e.Action,
			Target:      e.Target,
			Metadata:    e.MetadataJSON,
			CreatedAt:   formatTime(e.CreatedAt),
		})
	}
	util.WriteJSON(w, http.StatusOK, map[string]any{"entries": out})
}
