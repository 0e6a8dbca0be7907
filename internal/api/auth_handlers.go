package api

import (
	"fmt"
	"net/http"
	"strings"

	"fielddiag/internal/apperr"
	"fielddiag/internal/middleware"
	"fielddiag/internal/models"
	"fielddiag/internal/service"
	"fielddiag/internal/store"
	"fielddiag/internal/util"
)

var errBadJSON = fmt.Errorf("%w: invalid json body", apperr.ErrValidation)

type registerRequest struct {
	Email        string `json:"email"`
	Password     string `json:"password"`
	Name         string `json:"name"`
	Phone        string `json:"phone"`
	Role         string `json:"role"`
	CaptchaToken string `json:"captcha_token"`
}

func (h *Handlers) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := util.DecodeJSON(r, &req); err != nil {
		h.fail(w, r, errBadJSON)
		return
	}
	actor := middleware.Claims(r.Context())
	if actor == nil {
		if err := h.captcha.Verify(r.Context(), req.CaptchaToken, middleware.ClientIP(r, h.cfg.TrustProxy)); err != nil {
			h.fail(w, r, err)
			return
		}
	}
	u, err := h.accounts.Register(r.Context(), actor, service.RegisterInput{
		Email:    req.Email,
		Password: req.Password,
		Name:     req.Name,
		Phone:    req.Phone,
		Role:     models.Role(strings.TrimSpace(req.Role)),
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	util.WriteJSON(w, http.StatusCreated, map[string]any{"identity": identityJSON(u)})
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (h *Handlers) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := util.DecodeJSON(r, &req); err != nil {
		h.fail(w, r, errBadJSON)
		return
	}
	res, err := h.accounts.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	util.WriteJSON(w, http.StatusOK, map[string]any{
		"token":      res.Token,
		"token_type": "Bearer",
		"expires_at": formatTime(res.ExpiresAt),
		"identity":   identityJSON(res.Identity),
	})
}

type forgotPasswordRequest struct {
	Email        string `json:"email"`
	CaptchaToken string `json:"captcha_token"`
}

// ForgotPassword always answers 202 once the request is well formed.
func (h *Handlers) ForgotPassword(w http.ResponseWriter, r *http.Request) {
	var req forgotPasswordRequest
	if err := util.DecodeJSON(r, &req); err != nil {
		h.fail(w, r, errBadJSON)
		return
	}
	if err := h.captcha.Verify(r.Context(), req.CaptchaToken, middleware.ClientIP(r, h.cfg.TrustProxy)); err != nil {
		h.fail(w, r, err)
		return
	}
	email := store.NormalizeEmail(req.Email)
	if email == "" {
		h.fail(w, r, fmt.Errorf("%w: email is required", apperr.ErrValidation))
		return
	}
	if h.limiter.Allow("forgot_password_email:"+email, h.cfg.RateLimitResetPerMin, h.cfg.RateLimitBurst) {
		if err := h.accounts.RequestPasswordReset(r.Context(), email); err != nil {
			h.fail(w, r, err)
			return
		}
	}
	util.WriteJSON(w, http.StatusAccepted, map[string]string{"status": "ok"})
}

type resetPasswordRequest struct {
	Token       string `json:"token"`
	NewPassword string `json:"new_password"`
}

func (h *Handlers) ResetPassword(w http.ResponseWriter, r *http.Request) {
	var req resetPasswordRequest
	if err := util.DecodeJSON(r, &req); err != nil {
		h.fail(w, r, errBadJSON)
		return
	}
	if err := h.accounts.ConsumePasswordReset(r.Context(), req.Token, req.NewPassword); err != nil {
		h.fail(w, r, err)
		return
	}
	util.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handlers) Me(w http.ResponseWriter, r *http.Request) {
	u, err := h.accounts.Me(r.Context(), middleware.Claims(r.Context()))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	util.WriteJSON(w, http.StatusOK, map[string]any{"identity": identityJSON(u)})
}
