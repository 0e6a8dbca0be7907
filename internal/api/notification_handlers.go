package api

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"fielddiag/internal/models"
	"fielddiag/internal/notify"
	"fielddiag/internal/util"
)

type sendNotificationRequest struct {
	DiagnosticID   *string `json:"diagnostic_id"`
	Type           string  `json:"type"`
	Recipient      string  `json:"recipient"`
	Subject        string  `json:"subject"`
	Message        string  `json:"message"`
	Priority       string  `json:"priority"`
	IdempotencyKey string  `json:"idempotency_key"`
}

// SendNotification records an intent and attempts delivery once. A failed
// attempt still answers 201 with status failed in the body. A replayed
// idempotency key answers 200 with the original intent and skips the urgent cap.
func (h *Handlers) SendNotification(w http.ResponseWriter, r *http.Request) {
	var req sendNotificationRequest
	if err := util.DecodeJSON(r, &req); err != nil {
		h.fail(w, r, errBadJSON)
		return
	}
	if key := strings.TrimSpace(r.Header.Get("Idempotency-Key")); key != "" && req.IdempotencyKey == "" {
		req.IdempotencyKey = key
	}
	in := notify.SendInput{
		DiagnosticID:   req.DiagnosticID,
		Type:           models.NotificationType(strings.ToLower(strings.TrimSpace(req.Type))),
		Recipient:      req.Recipient,
		Subject:        req.Subject,
		Message:        req.Message,
		Priority:       models.Priority(strings.ToLower(strings.TrimSpace(req.Priority))),
		IdempotencyKey: req.IdempotencyKey,
	}
	existing, found, err := h.notifier.Lookup(r.Context(), in.IdempotencyKey)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if found {
		util.WriteJSON(w, http.StatusOK, map[string]any{"notification": notificationJSON(existing)})
		return
	}
	if in.Priority == models.PriorityUrgent && strings.TrimSpace(in.Recipient) != "" {
		if err := h.policy.Check(r.Context(), h.notifier, in.Recipient); err != nil {
			h.fail(w, r, err)
			return
		}
	}
	n, err := h.notifier.Send(r.Context(), in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	util.WriteJSON(w, http.StatusCreated, map[string]any{"notification": notificationJSON(n)})
}

func (h *Handlers) GetNotification(w http.ResponseWriter, r *http.Request) {
	n, err := h.notifier.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	util.WriteJSON(w, http.StatusOK, map[string]any{"notification": notificationJSON(n)})
}

func (h *Handlers) MarkDelivered(w http.ResponseWriter, r *http.Request) {
	n, err := h.notifier.MarkDelivered(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	util.WriteJSON(w, http.StatusOK, map[string]any{"notification": notificationJSON(n)})
}

type markFailedRequest struct {
	Error string `json:"error"`
}

func (h *Handlers) MarkFailed(w http.ResponseWriter, r *http.Request) {
	var req markFailedRequest
	if err := util.DecodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		h.fail(w, r, errBadJSON)
		return
	}
	n, err := h.notifier.MarkFailed(r.Context(), chi.URLParam(r, "id"), req.Error)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	util.WriteJSON(w, http.StatusOK, map[string]any{"notification": notificationJSON(n)})
}

func (h *Handlers) RetryNotification(w http.ResponseWriter, r *http.Request) {
	n, err := h.notifier.Redeliver(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	util.WriteJSON(w, http.StatusOK, map[string]any{"notification": notificationJSON(n)})
}

func (h *Handlers) UrgentCount(w http.ResponseWriter, r *http.Request) {
	recipient := r.URL.Query().Get("recipient")
	n, err := h.notifier.UrgentCount(r.Context(), recipient)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	util.WriteJSON(w, http.StatusOK, map[string]any{
		"recipient":    strings.TrimSpace(recipient),
		"window_hours": int(notify.UrgentWindow.Hours()),
		"count":        n,
		"limit":        h.policy.Limit,
	})
}
