package membership

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/alecgard/enrolgate/internal/auth"
	"github.com/alecgard/enrolgate/internal/notify"
	"github.com/alecgard/enrolgate/internal/user"
)

// DateLayout is the input layout for UpdateExpiry.
const DateLayout = "2006-01-02"

// tempPasswordLength is the length of generated passwords for manually
// created accounts.
const tempPasswordLength = 12

// Revoke ends an active student's access immediately.
func (s *Service) Revoke(ctx context.Context, actor *auth.User, userID string) (*user.User, error) {
	if err := authorize(actor); err != nil {
		return nil, err
	}

	var revoked *user.User
	err := s.store.WithTx(ctx, func(r Repos) error {
		u, err := s.managedStudent(ctx, r.Users(), actor, userID)
		if err != nil {
			return err
		}
		if u.MembershipState != user.StateActive {
			return ErrNotActive
		}
		revoked, err = r.Users().Revoke(ctx, u.ID, s.now())
		return mapUserErr(err)
	})
	if err != nil {
		return nil, err
	}

	s.unenrollAll(ctx, revoked.ID)
	s.notifyManager(ctx, revoked.ManagerID, notify.KindRevoked, revoked, "", 0)
	s.countTransition("revoked")
	slog.Info("membership revoked", "user_id", revoked.ID, "actor_id", actor.ID)
	return revoked, nil
}

// EndOfDay parses a YYYY-MM-DD date and returns its last second in loc.
func EndOfDay(date string, loc *time.Location) (time.Time, error) {
	d, err := time.ParseInLocation(DateLayout, strings.TrimSpace(date), loc)
	if err != nil {
		return time.Time{}, invalid("expiry_date", "must be a date in YYYY-MM-DD format")
	}
	return time.Date(d.Year(), d.Month(), d.Day(), 23, 59, 59, 0, loc), nil
}

// UpdateExpiry moves the expiry of a student who currently holds access to
// the end of date in the configured timezone and re-arms the advance notice.
func (s *Service) UpdateExpiry(ctx context.Context, actor *auth.User, userID, date string) (*user.User, error) {
	if err := authorize(actor); err != nil {
		return nil, err
	}
	expiry, err := EndOfDay(date, s.loc)
	if err != nil {
		return nil, err
	}
	if !expiry.After(s.now()) {
		return nil, invalid("expiry_date", "must not be in the past")
	}

	var updated *user.User
	err = s.store.WithTx(ctx, func(r Repos) error {
		now := s.now()
		u, err := s.managedStudent(ctx, r.Users(), actor, userID)
		if err != nil {
			return err
		}
		// Lapsed but unswept students hold no seat. Reenrol handles them.
		if !u.IsActiveAt(now) {
			return ErrNotActive
		}
		updated, err = r.Users().SetExpiry(ctx, u.ID, expiry, now)
		return mapUserErr(err)
	})
	if err != nil {
		return nil, err
	}

	s.countTransition("expiry_updated")
	slog.Info("expiry updated", "user_id", updated.ID, "expiry_at", expiry, "actor_id", actor.ID)
	return updated, nil
}

// Reenrol reactivates an inactive student for days days.
func (s *Service) Reenrol(ctx context.Context, actor *auth.User, userID string, days int) (*user.User, error) {
	if err := authorize(actor); err != nil {
		return nil, err
	}
	if days < 1 {
		return nil, invalid("days", "must be at least 1")
	}

	var updated *user.User
	err := s.store.WithSeatLock(ctx, func(r Repos) error {
		now := s.now()
		u, err := s.managedStudent(ctx, r.Users(), actor, userID)
		if err != nil {
			return err
		}
		if u.IsActiveAt(now) {
			return ErrAlreadyActive
		}
		if err := s.checkCapacity(ctx, r.Users(), now); err != nil {
			return err
		}

		manager := u.ManagerID
		if manager == "" {
			manager = actor.ID
		}
		updated, err = r.Users().Activate(ctx, u.ID, manager, now.Add(time.Duration(days)*day))
		return mapUserErr(err)
	})
	if err != nil {
		return nil, err
	}

	s.enrollAll(ctx, updated.ID)
	s.notifyManager(ctx, updated.ManagerID, notify.KindReenrolled, updated, "", days)
	s.countTransition("reenrolled")
	slog.Info("student re-enrolled", "user_id", updated.ID, "days", days, "actor_id", actor.ID)
	return updated, nil
}

// ManualInput describes an account created by an operator.
type ManualInput struct {
	Email     string `json:"email"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Days      int    `json:"days"`
}

// CreateUserManually creates an active student managed by actor and mails
// them a generated password.
func (s *Service) CreateUserManually(ctx context.Context, actor *auth.User, in ManualInput) (*user.User, error) {
	if err := authorize(actor); err != nil {
		return nil, err
	}
	in.Email = normalizeEmail(in.Email)
	in.FirstName = strings.TrimSpace(in.FirstName)
	in.LastName = strings.TrimSpace(in.LastName)

	if err := validateEmail(in.Email); err != nil {
		return nil, err
	}
	if err := validateNames(in.FirstName, in.LastName); err != nil {
		return nil, err
	}
	if in.Days < 1 {
		return nil, invalid("days", "must be at least 1")
	}

	password, err := user.GenerateTempPassword(tempPasswordLength)
	if err != nil {
		return nil, err
	}

	var created *user.User
	err = s.store.WithSeatLock(ctx, func(r Repos) error {
		now := s.now()

		if _, err := r.Users().GetByEmail(ctx, in.Email); err == nil {
			return invalid("email", "is already registered")
		} else if !errors.Is(err, user.ErrNotFound) {
			return err
		}
		if err := s.checkCapacity(ctx, r.Users(), now); err != nil {
			return err
		}

		username, err := user.UniqueUsername(ctx, in.Email, r.Users().UsernameExists)
		if err != nil {
			return err
		}
		expiry := now.Add(time.Duration(in.Days) * day)
		created, err = r.Users().Create(ctx, user.CreateUserInput{
			Email:     in.Email,
			Username:  username,
			Password:  password,
			FirstName: in.FirstName,
			LastName:  in.LastName,
			Role:      user.RoleStudent,
			ManagerID: actor.ID,
			ExpiryAt:  &expiry,
		})
		if errors.Is(err, user.ErrEmailTaken) {
			return invalid("email", "is already registered")
		}
		return err
	})
	if err != nil {
		return nil, err
	}

	s.enrollAll(ctx, created.ID)
	if s.notifier != nil {
		creds := studentEvent(notify.KindCredentials, created.Email, created.DisplayName(), created, "", in.Days)
		creds.Password = password
		s.notifier.Notify(ctx, creds)
	}
	s.notifyManager(ctx, actor.ID, notify.KindManualCreated, created, "", in.Days)
	s.countTransition("manual_created")
	slog.Info("student created manually", "user_id", created.ID, "actor_id", actor.ID)
	return created, nil
}

// EnsureManagerAssigned records actor as the manager of a legacy account
// that has none. It reports whether an assignment happened.
func (s *Service) EnsureManagerAssigned(ctx context.Context, actor *auth.User, userID string) (bool, error) {
	if err := authorize(actor); err != nil {
		return false, err
	}
	users := s.store.Users()
	u, err := s.managedStudent(ctx, users, actor, userID)
	if err != nil {
		return false, err
	}
	if u.ManagerID != "" {
		return false, nil
	}
	assigned, err := users.AssignManagerIfEmpty(ctx, u.ID, actor.ID)
	if err != nil || !assigned {
		return false, err
	}
	slog.Info("manager assigned", "user_id", userID, "manager_id", actor.ID)
	return true, nil
}

// SetPaymentStatus records the payment status flag for a student.
func (s *Service) SetPaymentStatus(ctx context.Context, actor *auth.User, userID, status string) (*user.User, error) {
	if err := authorize(actor); err != nil {
		return nil, err
	}
	if !user.ValidPaymentStatus(status) {
		return nil, invalid("payment_status", "must be one of: none, pending, paid, failed")
	}
	users := s.store.Users()
	if _, err := s.managedStudent(ctx, users, actor, userID); err != nil {
		return nil, err
	}
	u, err := users.SetPaymentStatus(ctx, userID, status)
	if err != nil {
		return nil, mapUserErr(err)
	}
	return u, nil
}
