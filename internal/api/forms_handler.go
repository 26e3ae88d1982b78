package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/alecgard/enrolgate/internal/auth"
	"github.com/go-chi/chi/v5"
)

// Form token actions. A token issued for one action is rejected by the
// others.
const (
	ActionRegister = "register"
	ActionExtend   = "extend"
	ActionPassword = "password"
	ActionProfile  = "profile"
	ActionAdmin    = "admin"
)

var sessionActions = map[string]bool{
	ActionExtend:   true,
	ActionPassword: true,
	ActionProfile:  true,
	ActionAdmin:    true,
}

type formsHandler struct {
	tokens *auth.FormTokens
}

func newFormsHandler(tokens *auth.FormTokens) *formsHandler {
	return &formsHandler{tokens: tokens}
}

type formTokenResponse struct {
	Token     string    `json:"token"`
	Action    string    `json:"action"`
	Header    string    `json:"header"`
	ExpiresAt time.Time `json:"expires_at"`
}

// IssueAnonymous handles GET /api/v1/forms/register.
func (h *formsHandler) IssueAnonymous(w http.ResponseWriter, r *http.Request) {
	h.issue(w, "", ActionRegister)
}

// Issue handles GET /api/v1/forms/{action} for a signed-in user.
func (h *formsHandler) Issue(w http.ResponseWriter, r *http.Request) {
	action := chi.URLParam(r, "action")
	if !sessionActions[action] {
		writeError(w, http.StatusNotFound, "not_found", "unknown form")
		return
	}
	u := auth.UserFromContext(r.Context())
	if action == ActionAdmin && !u.Can(auth.CapManageInvites) {
		writeError(w, http.StatusForbidden, "forbidden", "insufficient permissions")
		return
	}
	h.issue(w, u.ID, action)
}

func (h *formsHandler) issue(w http.ResponseWriter, subject, action string) {
	token, exp, err := h.tokens.Issue(subject, action)
	if err != nil {
		slog.Error("issuing form token", "action", action, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to issue form token")
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, formTokenResponse{
		Token:     token,
		Action:    action,
		Header:    auth.FormTokenHeader,
		ExpiresAt: exp,
	})
}
