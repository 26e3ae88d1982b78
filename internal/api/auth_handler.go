package api

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/alecgard/enrolgate/internal/auth"
	"github.com/alecgard/enrolgate/internal/config"
	"github.com/alecgard/enrolgate/internal/metrics"
	"github.com/alecgard/enrolgate/internal/user"
)

// authHandler groups authentication HTTP handlers.
type authHandler struct {
	svc       Membership
	sessions  Sessions
	redirects config.RedirectConfig
	metrics   *metrics.Metrics
}

func newAuthHandler(svc Membership, sessions Sessions, redirects config.RedirectConfig, m *metrics.Metrics) *authHandler {
	return &authHandler{svc: svc, sessions: sessions, redirects: redirects, metrics: m}
}

// sessionResponse is returned by every endpoint that signs a user in.
type sessionResponse struct {
	Token       string     `json:"token"`
	ExpiresAt   time.Time  `json:"expires_at"`
	Redirect    string     `json:"redirect"`
	User        *user.User `json:"user"`
	Reactivated bool       `json:"reactivated,omitempty"`
}

// startSession creates a session for u and builds the sign-in response.
func startSession(r *http.Request, sessions Sessions, redirects config.RedirectConfig, u *user.User) (*sessionResponse, error) {
	token, sess, err := sessions.CreateSession(r.Context(), u.ID)
	if err != nil {
		return nil, err
	}
	return &sessionResponse{
		Token:     token,
		ExpiresAt: sess.ExpiresAt,
		Redirect:  redirects.For(u.Role),
		User:      u,
	}, nil
}

// Login handles POST /api/v1/auth/login.
func (h *authHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "failed to parse request body")
		return
	}

	if strings.TrimSpace(req.Email) == "" || req.Password == "" {
		writeError(w, http.StatusUnprocessableEntity, "validation_error", "email and password are required")
		return
	}

	u, err := h.svc.Authenticate(r.Context(), req.Email, req.Password)
	if err != nil {
		if h.metrics != nil {
			h.metrics.IncAuthFailure("password")
		}
		writeServiceError(w, r, err)
		return
	}

	resp, err := startSession(r, h.sessions, h.redirects, u)
	if err != nil {
		slog.Error("creating session", "user_id", u.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to create session")
		return
	}
	if h.metrics != nil {
		h.metrics.IncAuthSuccess("password")
	}

	writeJSON(w, http.StatusOK, resp)
}

// Me handles GET /api/v1/auth/me.
func (h *authHandler) Me(w http.ResponseWriter, r *http.Request) {
	u, err := h.svc.Account(r.Context(), auth.UserFromContext(r.Context()))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"user":     u,
		"redirect": h.redirects.For(u.Role),
	})
}

// Logout handles POST /api/v1/auth/logout.
func (h *authHandler) Logout(w http.ResponseWriter, r *http.Request) {
	token := auth.ExtractBearerToken(r)
	if token == "" {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if err := h.sessions.DeleteSession(r.Context(), token); err != nil {
		slog.Warn("deleting session", "error", err)
	}
	w.WriteHeader(http.StatusNoContent)
}
