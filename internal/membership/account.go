package membership

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/alecgard/enrolgate/internal/auth"
	"github.com/alecgard/enrolgate/internal/user"
)

// Authenticate checks an email and password and stamps the login time.
// Expired students may still sign in so they can extend.
func (s *Service) Authenticate(ctx context.Context, email, password string) (*user.User, error) {
	users := s.store.Users()
	u, err := users.GetByEmail(ctx, normalizeEmail(email))
	if err != nil {
		if errors.Is(err, user.ErrNotFound) {
			return nil, ErrInvalidPassword
		}
		return nil, err
	}
	if !user.CheckPassword(u, password) {
		return nil, ErrInvalidPassword
	}
	now := s.now()
	if err := users.TouchLastLogin(ctx, u.ID, now); err != nil {
		return nil, err
	}
	u.LastLoginAt = &now
	return u, nil
}

// Account returns the signed-in user's record.
func (s *Service) Account(ctx context.Context, actor *auth.User) (*user.User, error) {
	if actor == nil {
		return nil, ErrUnauthorized
	}
	u, err := s.store.Users().GetByID(ctx, actor.ID)
	if err != nil {
		return nil, mapUserErr(err)
	}
	return u, nil
}

// ChangePassword replaces the actor's password after checking the current
// one.
func (s *Service) ChangePassword(ctx context.Context, actor *auth.User, current, next string) error {
	u, err := s.Account(ctx, actor)
	if err != nil {
		return err
	}
	if !user.CheckPassword(u, current) {
		return invalid("current_password", "is incorrect")
	}
	if err := user.ValidatePassword(next); err != nil {
		return invalid("new_password", err.Error())
	}
	if err := s.store.Users().SetPassword(ctx, u.ID, next); err != nil {
		return mapUserErr(err)
	}
	return nil
}

// UpdateProfile changes the actor's names or email. The email must be valid
// and not belong to another account.
func (s *Service) UpdateProfile(ctx context.Context, actor *auth.User, in user.UpdateProfileInput) (*user.User, error) {
	if actor == nil {
		return nil, ErrUnauthorized
	}
	if in.FirstName != nil {
		v := strings.TrimSpace(*in.FirstName)
		if v == "" {
			return nil, invalid("first_name", "must not be empty")
		}
		in.FirstName = &v
	}
	if in.LastName != nil {
		v := strings.TrimSpace(*in.LastName)
		if v == "" {
			return nil, invalid("last_name", "must not be empty")
		}
		in.LastName = &v
	}

	users := s.store.Users()
	if in.Email != nil {
		v := normalizeEmail(*in.Email)
		if err := validateEmail(v); err != nil {
			return nil, err
		}
		other, err := users.GetByEmail(ctx, v)
		switch {
		case err == nil && other.ID != actor.ID:
			return nil, invalid("email", "is already in use")
		case err != nil && !errors.Is(err, user.ErrNotFound):
			return nil, err
		}
		in.Email = &v
	}

	u, err := users.UpdateProfile(ctx, actor.ID, in)
	if err != nil {
		if errors.Is(err, user.ErrEmailTaken) {
			return nil, invalid("email", "is already in use")
		}
		return nil, mapUserErr(err)
	}
	return u, nil
}

// Status is the membership summary shown to a signed-in user.
type Status struct {
	State         string     `json:"state"`
	Status        string     `json:"status"`
	ExpiryAt      *time.Time `json:"expiry_at,omitempty"`
	DaysRemaining *int       `json:"days_remaining,omitempty"`
	Expired       bool       `json:"expired"`
	PaymentStatus string     `json:"payment_status"`
}

// MembershipStatus reports the actor's own membership.
func (s *Service) MembershipStatus(ctx context.Context, actor *auth.User) (*Status, error) {
	u, err := s.Account(ctx, actor)
	if err != nil {
		return nil, err
	}
	now := s.now()
	return &Status{
		State:         u.MembershipState,
		Status:        s.StatusAt(u, now),
		ExpiryAt:      u.ExpiryAt,
		DaysRemaining: DaysRemaining(u, now),
		Expired:       !u.IsActiveAt(now),
		PaymentStatus: u.PaymentStatus,
	}, nil
}
