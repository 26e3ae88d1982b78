package api

import (
	"log/slog"
	"net/http"

	"github.com/alecgard/enrolgate/internal/auth"
	"github.com/alecgard/enrolgate/internal/ratelimit"
)

// auditLog emits a structured audit log entry for a membership action.
func auditLog(r *http.Request, action string, resourceType string, resourceID string, detail ...any) {
	attrs := []any{
		"action", action,
		"resource_type", resourceType,
		"resource_id", resourceID,
		"ip", ratelimit.ClientIP(r),
		"request_id", RequestIDFromContext(r.Context()),
	}

	if u := auth.UserFromContext(r.Context()); u != nil {
		attrs = append(attrs, "actor_id", u.ID, "actor_email", u.Email, "actor_role", u.Role)
	}

	attrs = append(attrs, detail...)
	slog.Info("audit", attrs...)
}
