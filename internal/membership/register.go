package membership

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/alecgard/enrolgate/internal/auth"
	"github.com/alecgard/enrolgate/internal/invite"
	"github.com/alecgard/enrolgate/internal/notify"
	"github.com/alecgard/enrolgate/internal/user"
)

// RegisterInput is a registration form submission.
type RegisterInput struct {
	Code      string `json:"code"`
	Email     string `json:"email"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Password  string `json:"password"`
}

// Redemption is the outcome of a successful code redemption.
type Redemption struct {
	User        *user.User     `json:"user"`
	Invite      *invite.Invite `json:"invite"`
	Reactivated bool           `json:"reactivated"`
}

// RedeemInvite registers a new student with an invite code, or reactivates
// an expired student who signs up again with the same email and password.
// The capacity check, account write and code consumption happen under the
// seat lock in one transaction.
func (s *Service) RedeemInvite(ctx context.Context, in RegisterInput) (*Redemption, error) {
	in.FirstName = strings.TrimSpace(in.FirstName)
	in.LastName = strings.TrimSpace(in.LastName)
	in.Email = normalizeEmail(in.Email)
	in.Code = invite.NormalizeCode(in.Code)

	if err := validateNames(in.FirstName, in.LastName); err != nil {
		return nil, err
	}
	if err := validateEmail(in.Email); err != nil {
		return nil, err
	}
	if err := user.ValidatePassword(in.Password); err != nil {
		return nil, invalid("password", err.Error())
	}
	if in.Code == "" {
		return nil, invalid("code", "is required")
	}

	var out Redemption
	err := s.store.WithSeatLock(ctx, func(r Repos) error {
		now := s.now()

		inv, err := findCode(ctx, r.Invites(), in.Code)
		if err != nil {
			return err
		}

		existing, err := r.Users().GetByEmail(ctx, in.Email)
		switch {
		case err == nil:
			if existing.Role != user.RoleStudent || existing.IsActiveAt(now) || !user.CheckPassword(existing, in.Password) {
				return invalid("email", "is already registered")
			}
		case errors.Is(err, user.ErrNotFound):
			existing = nil
		default:
			return err
		}

		if err := s.checkCapacity(ctx, r.Users(), now); err != nil {
			return err
		}

		expiry := now.Add(time.Duration(s.inviteDays(inv.AllottedDays)) * day)

		if existing == nil {
			username, err := user.UniqueUsername(ctx, in.Email, r.Users().UsernameExists)
			if err != nil {
				return err
			}
			existing, err = r.Users().Create(ctx, user.CreateUserInput{
				Email:     in.Email,
				Username:  username,
				Password:  in.Password,
				FirstName: in.FirstName,
				LastName:  in.LastName,
				Role:      user.RoleStudent,
				ManagerID: inv.CreatorID,
				ExpiryAt:  &expiry,
			})
			if err != nil {
				if errors.Is(err, user.ErrEmailTaken) {
					return invalid("email", "is already registered")
				}
				return err
			}
		} else {
			out.Reactivated = true
		}

		u, err := r.Users().Activate(ctx, existing.ID, inv.CreatorID, expiry)
		if err != nil {
			return mapUserErr(err)
		}
		if err := consume(ctx, r.Invites(), inv, u.ID, now); err != nil {
			return err
		}

		out.User = u
		out.Invite = inv
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.enrollAll(ctx, out.User.ID)
	s.notifyManager(ctx, out.Invite.CreatorID, notify.KindInviteUsed, out.User, out.Invite.Code, 0)
	if s.metrics != nil {
		kind := "register"
		if out.Reactivated {
			kind = "reactivate"
		}
		s.metrics.IncInviteRedeemed(kind)
	}
	slog.Info("invite redeemed", "invite_id", out.Invite.ID, "user_id", out.User.ID, "reactivated", out.Reactivated)
	return &out, nil
}

// ExtendMembership applies a code to the signed-in student's own account. A
// student who currently holds access keeps their seat; an expired one needs
// a free seat.
func (s *Service) ExtendMembership(ctx context.Context, actor *auth.User, code string) (*user.User, error) {
	if actor == nil {
		return nil, ErrUnauthorized
	}
	code = invite.NormalizeCode(code)
	if code == "" {
		return nil, invalid("code", "is required")
	}

	var (
		updated *user.User
		inv     *invite.Invite
	)
	err := s.store.WithSeatLock(ctx, func(r Repos) error {
		now := s.now()

		var err error
		inv, err = findCode(ctx, r.Invites(), code)
		if err != nil {
			return err
		}

		u, err := r.Users().GetByID(ctx, actor.ID)
		if err != nil {
			return mapUserErr(err)
		}
		if u.Role != user.RoleStudent {
			return ErrNotManaged
		}
		if !u.HoldsSeatAt(now) {
			if err := s.checkCapacity(ctx, r.Users(), now); err != nil {
				return err
			}
		}

		expiry := now.Add(time.Duration(s.inviteDays(inv.AllottedDays)) * day)
		updated, err = r.Users().Activate(ctx, u.ID, inv.CreatorID, expiry)
		if err != nil {
			return mapUserErr(err)
		}
		return consume(ctx, r.Invites(), inv, u.ID, now)
	})
	if err != nil {
		return nil, err
	}

	s.enrollAll(ctx, updated.ID)
	s.notifyManager(ctx, inv.CreatorID, notify.KindExtended, updated, inv.Code, 0)
	if s.metrics != nil {
		s.metrics.IncInviteRedeemed("extend")
	}
	slog.Info("membership extended", "invite_id", inv.ID, "user_id", updated.ID, "expiry_at", updated.ExpiryAt)
	return updated, nil
}

// findCode looks up an available invite. Unknown and used codes are
// reported identically.
func findCode(ctx context.Context, invites InviteRepo, code string) (*invite.Invite, error) {
	inv, err := invites.FindAvailableByCode(ctx, code)
	if err != nil {
		if errors.Is(err, invite.ErrNotFound) {
			return nil, ErrInvalidCode
		}
		return nil, err
	}
	return inv, nil
}

// consume marks the looked-up invite used by userID.
func consume(ctx context.Context, invites InviteRepo, inv *invite.Invite, userID string, now time.Time) error {
	if err := invites.MarkUsed(ctx, inv.ID, userID, now); err != nil {
		if errors.Is(err, invite.ErrAlreadyUsed) {
			return ErrInvalidCode
		}
		return err
	}
	inv.Used = true
	inv.UsedBy = userID
	inv.UsedAt = &now
	return nil
}
