package api

import (
	"log/slog"
	"net/http"

	"github.com/alecgard/enrolgate/internal/auth"
	"github.com/alecgard/enrolgate/internal/config"
	"github.com/alecgard/enrolgate/internal/membership"
	"github.com/alecgard/enrolgate/internal/user"
)

// accountHandler groups self-service handlers: registration and the signed-in
// user's own membership.
type accountHandler struct {
	svc       Membership
	sessions  Sessions
	redirects config.RedirectConfig
}

func newAccountHandler(svc Membership, sessions Sessions, redirects config.RedirectConfig) *accountHandler {
	return &accountHandler{svc: svc, sessions: sessions, redirects: redirects}
}

// Register handles POST /api/v1/register. A successful redemption signs the
// student in.
func (h *accountHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req membership.RegisterInput
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "failed to parse request body")
		return
	}

	res, err := h.svc.RedeemInvite(r.Context(), req)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	auditLog(r, "invite.redeem", "user", res.User.ID, "invite_id", res.Invite.ID, "reactivated", res.Reactivated)

	resp, err := startSession(r, h.sessions, h.redirects, res.User)
	if err != nil {
		// The account exists; the student can still sign in normally.
		slog.Error("creating session after registration", "user_id", res.User.ID, "error", err)
		writeJSON(w, http.StatusCreated, map[string]interface{}{
			"user":        res.User,
			"reactivated": res.Reactivated,
			"redirect":    h.redirects.For(res.User.Role),
		})
		return
	}
	resp.Reactivated = res.Reactivated
	writeJSON(w, http.StatusCreated, resp)
}

// MembershipStatus handles GET /api/v1/account/membership.
func (h *accountHandler) MembershipStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.svc.MembershipStatus(r.Context(), auth.UserFromContext(r.Context()))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// Extend handles POST /api/v1/account/extend.
func (h *accountHandler) Extend(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Code string `json:"code"`
	}
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "failed to parse request body")
		return
	}

	actor := auth.UserFromContext(r.Context())
	u, err := h.svc.ExtendMembership(r.Context(), actor, req.Code)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	auditLog(r, "membership.extend", "user", u.ID, "expiry_at", u.ExpiryAt)

	st, err := h.svc.MembershipStatus(r.Context(), actor)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// ChangePassword handles POST /api/v1/account/password.
func (h *accountHandler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CurrentPassword string `json:"current_password"`
		NewPassword     string `json:"new_password"`
	}
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "failed to parse request body")
		return
	}

	actor := auth.UserFromContext(r.Context())
	if err := h.svc.ChangePassword(r.Context(), actor, req.CurrentPassword, req.NewPassword); err != nil {
		writeServiceError(w, r, err)
		return
	}
	auditLog(r, "account.password", "user", actor.ID)
	w.WriteHeader(http.StatusNoContent)
}

// UpdateProfile handles PUT /api/v1/account/profile.
func (h *accountHandler) UpdateProfile(w http.ResponseWriter, r *http.Request) {
	var req user.UpdateProfileInput
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "failed to parse request body")
		return
	}

	u, err := h.svc.UpdateProfile(r.Context(), auth.UserFromContext(r.Context()), req)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	auditLog(r, "account.profile", "user", u.ID)
	writeJSON(w, http.StatusOK, u)
}
