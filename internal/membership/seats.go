package membership

import (
	"context"
	"math"
	"time"

	"github.com/alecgard/enrolgate/internal/auth"
	"github.com/alecgard/enrolgate/internal/user"
)

// Display statuses of a managed student.
const (
	StatusActive       = "active"
	StatusExpiringSoon = "expiring_soon"
	StatusExpired      = "expired"
)

// StudentView is a student with the derived status shown on dashboards.
type StudentView struct {
	*user.User
	Status        string `json:"status"`
	DaysRemaining *int   `json:"days_remaining,omitempty"`
}

// SeatSummary describes pool usage.
type SeatSummary struct {
	Active    int  `json:"active"`
	Cap       int  `json:"cap"` // 0 = unlimited
	Remaining *int `json:"remaining,omitempty"`
	Managed   int  `json:"managed"` // seats held by the caller's own students
	Shared    bool `json:"shared_pool"`
}

// StatusAt derives the display status of u at now.
func (s *Service) StatusAt(u *user.User, now time.Time) string {
	if !u.IsActiveAt(now) {
		return StatusExpired
	}
	window := time.Duration(s.cfg.NoticeDaysBefore) * day
	if u.ExpiryAt != nil && window > 0 && !u.ExpiryAt.After(now.Add(window)) {
		return StatusExpiringSoon
	}
	return StatusActive
}

// DaysRemaining is the number of started days left until expiry, or nil
// when no expiry is enforced.
func DaysRemaining(u *user.User, now time.Time) *int {
	if u.ExpiryAt == nil {
		return nil
	}
	d := 0
	if left := u.ExpiryAt.Sub(now); left > 0 {
		d = int(math.Ceil(left.Hours() / 24))
	}
	return &d
}

func (s *Service) view(u *user.User, now time.Time) StudentView {
	return StudentView{User: u, Status: s.StatusAt(u, now), DaysRemaining: DaysRemaining(u, now)}
}

// ListStudents pages through managed students, limited to the actor's own
// when the pool is not shared.
func (s *Service) ListStudents(ctx context.Context, actor *auth.User, params user.ListParams) ([]StudentView, string, error) {
	if err := authorize(actor); err != nil {
		return nil, "", err
	}
	params.Role = user.RoleStudent
	if s.scoped(actor) {
		params.ManagerID = actor.ID
	}
	users, next, err := s.store.Users().List(ctx, params)
	if err != nil {
		return nil, "", err
	}

	now := s.now()
	out := make([]StudentView, 0, len(users))
	for _, u := range users {
		out = append(out, s.view(u, now))
	}
	return out, next, nil
}

// SeatSummary reports global pool usage against the cap.
func (s *Service) SeatSummary(ctx context.Context, actor *auth.User) (*SeatSummary, error) {
	if err := authorize(actor); err != nil {
		return nil, err
	}
	now := s.now()
	users := s.store.Users()

	active, err := users.CountActive(ctx, "", now)
	if err != nil {
		return nil, err
	}
	managed, err := users.CountActive(ctx, actor.ID, now)
	if err != nil {
		return nil, err
	}

	sum := &SeatSummary{Active: active, Cap: s.cfg.SeatCap, Managed: managed, Shared: s.cfg.SharedPool}
	if s.cfg.SeatCap > 0 {
		r := max(s.cfg.SeatCap-active, 0)
		sum.Remaining = &r
	}
	return sum, nil
}

// CountActive returns the number of seats held at now, across the pool or
// for one manager.
func (s *Service) CountActive(ctx context.Context, managerID string) (int, error) {
	return s.store.Users().CountActive(ctx, managerID, s.now())
}
