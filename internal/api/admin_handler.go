package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/alecgard/enrolgate/internal/auth"
	"github.com/alecgard/enrolgate/internal/invite"
	"github.com/alecgard/enrolgate/internal/membership"
	"github.com/alecgard/enrolgate/internal/sched"
	"github.com/alecgard/enrolgate/internal/user"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// adminHandler groups operator handlers for invites and managed students.
type adminHandler struct {
	svc     Membership
	sweeper Sweeper
}

func newAdminHandler(svc Membership, sweeper Sweeper) *adminHandler {
	return &adminHandler{svc: svc, sweeper: sweeper}
}

// pathID returns the {id} URL parameter. Ids are UUIDs; anything else names
// no record and gets a 404 without reaching the service.
func pathID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := chi.URLParam(r, "id")
	if _, err := uuid.Parse(id); err != nil {
		writeError(w, http.StatusNotFound, "not_found", "not found")
		return "", false
	}
	return id, true
}

// parsePage reads the cursor and limit query parameters.
func parsePage(r *http.Request) (cursor string, limit int, err error) {
	cursor = r.URL.Query().Get("cursor")
	if s := r.URL.Query().Get("limit"); s != "" {
		limit, err = strconv.Atoi(s)
		if err != nil || limit < 1 {
			return "", 0, errors.New("limit must be a positive integer")
		}
	}
	return cursor, limit, nil
}

// CreateInvites handles POST /api/v1/admin/invites.
func (h *adminHandler) CreateInvites(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Quantity int `json:"quantity"`
		Days     int `json:"days"`
	}
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "failed to parse request body")
		return
	}

	invites, err := h.svc.CreateInvites(r.Context(), auth.UserFromContext(r.Context()), req.Quantity, req.Days)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	auditLog(r, "invite.create", "invite", "", "count", len(invites), "days", req.Days)

	resp := map[string]interface{}{"invites": invites}
	if len(invites) < req.Quantity {
		resp["requested"] = req.Quantity
	}
	writeJSON(w, http.StatusCreated, resp)
}

// ListInvites handles GET /api/v1/admin/invites.
func (h *adminHandler) ListInvites(w http.ResponseWriter, r *http.Request) {
	cursor, limit, err := parsePage(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_limit", err.Error())
		return
	}
	params := invite.ListParams{
		Status: r.URL.Query().Get("status"),
		Cursor: cursor,
		Limit:  limit,
	}
	switch params.Status {
	case "", invite.StatusAvailable, invite.StatusUsed:
	default:
		writeError(w, http.StatusBadRequest, "invalid_status", "status must be available or used")
		return
	}

	invites, next, err := h.svc.ListInvites(r.Context(), auth.UserFromContext(r.Context()), params)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if invites == nil {
		invites = []*invite.Invite{}
	}
	resp := map[string]interface{}{"invites": invites}
	if next != "" {
		resp["next_cursor"] = next
	}
	writeJSON(w, http.StatusOK, resp)
}

// DeleteInvite handles DELETE /api/v1/admin/invites/{id}.
func (h *adminHandler) DeleteInvite(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := h.svc.DeleteInviteCode(r.Context(), auth.UserFromContext(r.Context()), id); err != nil {
		writeServiceError(w, r, err)
		return
	}
	auditLog(r, "invite.delete", "invite", id)
	w.WriteHeader(http.StatusNoContent)
}

// ListStudents handles GET /api/v1/admin/students.
func (h *adminHandler) ListStudents(w http.ResponseWriter, r *http.Request) {
	cursor, limit, err := parsePage(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_limit", err.Error())
		return
	}
	params := user.ListParams{
		State:  r.URL.Query().Get("state"),
		Cursor: cursor,
		Limit:  limit,
	}
	switch params.State {
	case "", user.StateActive, user.StateExpired:
	default:
		writeError(w, http.StatusBadRequest, "invalid_state", "state must be active or expired")
		return
	}

	students, next, err := h.svc.ListStudents(r.Context(), auth.UserFromContext(r.Context()), params)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if students == nil {
		students = []membership.StudentView{}
	}
	resp := map[string]interface{}{"students": students}
	if next != "" {
		resp["next_cursor"] = next
	}
	writeJSON(w, http.StatusOK, resp)
}

// CreateStudent handles POST /api/v1/admin/students. The generated password
// is mailed to the student, never returned.
func (h *adminHandler) CreateStudent(w http.ResponseWriter, r *http.Request) {
	var req membership.ManualInput
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "failed to parse request body")
		return
	}

	u, err := h.svc.CreateUserManually(r.Context(), auth.UserFromContext(r.Context()), req)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	auditLog(r, "student.create", "user", u.ID, "days", req.Days)
	writeJSON(w, http.StatusCreated, u)
}

// Revoke handles POST /api/v1/admin/students/{id}/revoke.
func (h *adminHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	u, err := h.svc.Revoke(r.Context(), auth.UserFromContext(r.Context()), id)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	auditLog(r, "student.revoke", "user", id)
	writeJSON(w, http.StatusOK, u)
}

// UpdateExpiry handles PUT /api/v1/admin/students/{id}/expiry. The date is
// a calendar day (YYYY-MM-DD); access ends at the end of that day.
func (h *adminHandler) UpdateExpiry(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Date string `json:"date"`
	}
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "failed to parse request body")
		return
	}

	id, ok := pathID(w, r)
	if !ok {
		return
	}
	u, err := h.svc.UpdateExpiry(r.Context(), auth.UserFromContext(r.Context()), id, req.Date)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	auditLog(r, "student.expiry", "user", id, "date", req.Date)
	writeJSON(w, http.StatusOK, u)
}

// Reenrol handles POST /api/v1/admin/students/{id}/reenrol.
func (h *adminHandler) Reenrol(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Days int `json:"days"`
	}
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "failed to parse request body")
		return
	}

	id, ok := pathID(w, r)
	if !ok {
		return
	}
	u, err := h.svc.Reenrol(r.Context(), auth.UserFromContext(r.Context()), id, req.Days)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	auditLog(r, "student.reenrol", "user", id, "days", req.Days)
	writeJSON(w, http.StatusOK, u)
}

// SetPaymentStatus handles PUT /api/v1/admin/students/{id}/payment.
func (h *adminHandler) SetPaymentStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status string `json:"status"`
	}
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "failed to parse request body")
		return
	}

	id, ok := pathID(w, r)
	if !ok {
		return
	}
	u, err := h.svc.SetPaymentStatus(r.Context(), auth.UserFromContext(r.Context()), id, req.Status)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	auditLog(r, "student.payment", "user", id, "status", req.Status)
	writeJSON(w, http.StatusOK, u)
}

// Claim handles POST /api/v1/admin/students/{id}/claim, attaching an
// unmanaged account to the caller.
func (h *adminHandler) Claim(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	assigned, err := h.svc.EnsureManagerAssigned(r.Context(), auth.UserFromContext(r.Context()), id)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if assigned {
		auditLog(r, "student.claim", "user", id)
	}
	writeJSON(w, http.StatusOK, map[string]bool{"assigned": assigned})
}

// Seats handles GET /api/v1/admin/seats.
func (h *adminHandler) Seats(w http.ResponseWriter, r *http.Request) {
	summary, err := h.svc.SeatSummary(r.Context(), auth.UserFromContext(r.Context()))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// Sweep handles POST /api/v1/admin/sweep. A sweep that processed some users
// but failed on others still reports its counts.
func (h *adminHandler) Sweep(w http.ResponseWriter, r *http.Request) {
	if h.sweeper == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "sweep is not configured")
		return
	}

	res, err := h.sweeper.RunOnce(r.Context())
	switch {
	case errors.Is(err, sched.ErrLockHeld):
		writeError(w, http.StatusConflict, "sweep_running", "a sweep is already running")
		return
	case err != nil && res == nil:
		writeServiceError(w, r, err)
		return
	}
	auditLog(r, "sweep.run", "sweep", "", "notices", res.Notices, "expired", res.Expired, "failed", res.Failed)

	resp := map[string]interface{}{"result": res}
	if err != nil {
		resp["error"] = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}
