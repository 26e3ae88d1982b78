// Package enroll talks to the learning platform that owns course
// enrollments.
package enroll

import (
	"context"
	"log/slog"
)

// Adapter enrolls and unenrolls users in LMS courses.
type Adapter interface {
	Enroll(ctx context.Context, userID, courseID string) error
	Unenroll(ctx context.Context, userID, courseID string) error
	ListCourseIDs(ctx context.Context) ([]string, error)
}

// NopAdapter accepts every call without contacting an LMS. It is used when no
// LMS base URL is configured.
type NopAdapter struct{}

func (NopAdapter) Enroll(ctx context.Context, userID, courseID string) error {
	slog.Debug("lms disabled, skipping enroll", "user_id", userID, "course_id", courseID)
	return nil
}

func (NopAdapter) Unenroll(ctx context.Context, userID, courseID string) error {
	slog.Debug("lms disabled, skipping unenroll", "user_id", userID, "course_id", courseID)
	return nil
}

func (NopAdapter) ListCourseIDs(ctx context.Context) ([]string, error) {
	return nil, nil
}
