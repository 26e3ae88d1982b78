// Package membership implements invite redemption, seat accounting, operator
// actions on managed students and the daily expiry sweep.
package membership

import (
	"context"
	"errors"
	"log/slog"
	"net/mail"
	"strings"
	"time"

	"github.com/alecgard/enrolgate/internal/auth"
	"github.com/alecgard/enrolgate/internal/config"
	"github.com/alecgard/enrolgate/internal/enroll"
	"github.com/alecgard/enrolgate/internal/notify"
	"github.com/alecgard/enrolgate/internal/user"
)

const day = 24 * time.Hour

// courseSyncTimeout bounds one enroll or unenroll pass against the LMS.
const courseSyncTimeout = 2 * time.Minute

// Notifier accepts notification events for asynchronous delivery.
type Notifier interface {
	Notify(ctx context.Context, ev notify.Event)
}

// MetricsRecorder is an optional interface for recording membership metrics.
type MetricsRecorder interface {
	IncInvitesCreated(n int)
	IncInviteRedeemed(kind string)
	IncTransition(kind string)
	IncEnrollmentError(op string)
	ObserveSweep(seconds float64, notices, expired, failed int)
}

// Service holds the membership rules. All settings come from the injected
// config; nothing is read from globals.
type Service struct {
	store    Store
	courses  enroll.Adapter
	notifier Notifier
	metrics  MetricsRecorder
	cfg      config.MembershipConfig
	loc      *time.Location
	now      func() time.Time
}

// NewService creates a Service.
func NewService(store Store, courses enroll.Adapter, notifier Notifier, cfg config.MembershipConfig) *Service {
	if courses == nil {
		courses = enroll.NopAdapter{}
	}
	return &Service{
		store:    store,
		courses:  courses,
		notifier: notifier,
		cfg:      cfg,
		loc:      cfg.Location(),
		now:      time.Now,
	}
}

// SetMetrics sets the optional metrics recorder.
func (s *Service) SetMetrics(m MetricsRecorder) {
	s.metrics = m
}

// Config returns the membership settings in effect.
func (s *Service) Config() config.MembershipConfig {
	return s.cfg
}

// authorize rejects callers without the manage-invites capability.
func authorize(actor *auth.User) error {
	if !actor.Can(auth.CapManageInvites) {
		return ErrUnauthorized
	}
	return nil
}

// scoped reports whether actor only sees the students and invites it manages.
func (s *Service) scoped(actor *auth.User) bool {
	return !s.cfg.SharedPool && !actor.Can(auth.CapManageAll)
}

// canManage reports whether actor may act on u. Unmanaged legacy accounts
// are visible to every operator so they can be claimed.
func (s *Service) canManage(actor *auth.User, u *user.User) bool {
	return !s.scoped(actor) || u.ManagerID == "" || u.ManagerID == actor.ID
}

// managedStudent loads a student the actor may operate on.
func (s *Service) managedStudent(ctx context.Context, users UserRepo, actor *auth.User, id string) (*user.User, error) {
	u, err := users.GetByID(ctx, id)
	if err != nil {
		return nil, mapUserErr(err)
	}
	if !s.canManage(actor, u) {
		return nil, ErrUserNotFound
	}
	if u.Role != user.RoleStudent {
		return nil, ErrNotManaged
	}
	return u, nil
}

// checkCapacity returns ErrCapacityExceeded when the global pool is full.
// Callers must hold the seat lock.
func (s *Service) checkCapacity(ctx context.Context, users UserRepo, now time.Time) error {
	if s.cfg.SeatCap <= 0 {
		return nil
	}
	n, err := users.CountActive(ctx, "", now)
	if err != nil {
		return err
	}
	if !HasCapacity(n, s.cfg.SeatCap) {
		return ErrCapacityExceeded
	}
	return nil
}

// HasCapacity reports whether another seat fits under limit. A limit of 0
// means unlimited.
func HasCapacity(count, limit int) bool {
	return limit <= 0 || count < limit
}

// inviteDays resolves the access duration of an invite.
func (s *Service) inviteDays(allotted int) int {
	if allotted > 0 {
		return allotted
	}
	return s.cfg.DefaultInviteDays
}

func mapUserErr(err error) error {
	switch {
	case errors.Is(err, user.ErrNotFound):
		return ErrUserNotFound
	case errors.Is(err, user.ErrStateChanged):
		return ErrNotActive
	}
	return err
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func validateEmail(email string) error {
	if email == "" {
		return invalid("email", "is required")
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email || !strings.Contains(email[strings.LastIndex(email, "@"):], ".") {
		return invalid("email", "is not a valid email address")
	}
	return nil
}

func validateNames(first, last string) error {
	if first == "" {
		return invalid("first_name", "is required")
	}
	if last == "" {
		return invalid("last_name", "is required")
	}
	return nil
}

// enrollAll grants u every course. Failures are logged and counted, never
// returned.
func (s *Service) enrollAll(ctx context.Context, userID string) {
	s.eachCourse(ctx, userID, "enroll", s.courses.Enroll)
}

// unenrollAll removes u from every course on the same terms as enrollAll.
func (s *Service) unenrollAll(ctx context.Context, userID string) {
	s.eachCourse(ctx, userID, "unenroll", s.courses.Unenroll)
}

// eachCourse runs after the membership change has committed, so it detaches
// from the caller's cancellation: a dropped request must not leave an expired
// user enrolled or an active one without courses.
func (s *Service) eachCourse(ctx context.Context, userID, op string, fn func(context.Context, string, string) error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), courseSyncTimeout)
	defer cancel()

	ids, err := s.courses.ListCourseIDs(ctx)
	if err != nil {
		slog.Error("listing courses failed", "op", op, "user_id", userID, "error", err)
		s.countEnrollmentError(op)
		return
	}
	for _, courseID := range ids {
		if err := fn(ctx, userID, courseID); err != nil {
			slog.Warn("course enrollment change failed", "op", op, "user_id", userID, "course_id", courseID, "error", err)
			s.countEnrollmentError(op)
		}
	}
}

func (s *Service) countEnrollmentError(op string) {
	if s.metrics != nil {
		s.metrics.IncEnrollmentError(op)
	}
}

func (s *Service) countTransition(kind string) {
	if s.metrics != nil {
		s.metrics.IncTransition(kind)
	}
}

// notifyManager sends ev about student to their manager. It is skipped when
// the manager is unknown or has no address.
func (s *Service) notifyManager(ctx context.Context, managerID string, kind notify.Kind, student *user.User, code string, days int) {
	if s.notifier == nil || managerID == "" {
		return
	}
	m, err := s.store.Users().GetByID(ctx, managerID)
	if err != nil {
		slog.Warn("notification skipped, manager lookup failed", "kind", kind, "manager_id", managerID, "error", err)
		return
	}
	s.notifier.Notify(ctx, studentEvent(kind, m.Email, m.DisplayName(), student, code, days))
}

func studentEvent(kind notify.Kind, to, recipient string, student *user.User, code string, days int) notify.Event {
	ev := notify.Event{
		Kind:         kind,
		To:           to,
		Recipient:    recipient,
		StudentName:  student.DisplayName(),
		Username:     student.Username,
		StudentEmail: student.Email,
		Code:         code,
		Days:         days,
	}
	if student.ExpiryAt != nil {
		ev.Expiry = *student.ExpiryAt
	}
	return ev
}
