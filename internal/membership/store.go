package membership

import (
	"context"
	"time"

	"github.com/alecgard/enrolgate/internal/invite"
	"github.com/alecgard/enrolgate/internal/user"
)

// InviteRepo is the invite persistence the service needs.
type InviteRepo interface {
	Create(ctx context.Context, in invite.CreateInput) (*invite.Invite, error)
	GetForUpdate(ctx context.Context, id string) (*invite.Invite, error)
	FindAvailableByCode(ctx context.Context, code string) (*invite.Invite, error)
	MarkUsed(ctx context.Context, id, userID string, at time.Time) error
	Delete(ctx context.Context, id string, used bool) error
	List(ctx context.Context, params invite.ListParams) ([]*invite.Invite, string, error)
}

// UserRepo is the managed-user persistence the service needs.
type UserRepo interface {
	Create(ctx context.Context, in user.CreateUserInput) (*user.User, error)
	GetByID(ctx context.Context, id string) (*user.User, error)
	GetByEmail(ctx context.Context, email string) (*user.User, error)
	UsernameExists(ctx context.Context, username string) (bool, error)
	List(ctx context.Context, params user.ListParams) ([]*user.User, string, error)
	UpdateProfile(ctx context.Context, id string, in user.UpdateProfileInput) (*user.User, error)
	SetPassword(ctx context.Context, id, password string) error
	Activate(ctx context.Context, id, managerID string, expiry time.Time) (*user.User, error)
	SetExpiry(ctx context.Context, id string, expiry, now time.Time) (*user.User, error)
	Expire(ctx context.Context, id string, expiry, now time.Time) (*user.User, error)
	Revoke(ctx context.Context, id string, at time.Time) (*user.User, error)
	ClaimExpiryNotice(ctx context.Context, id string, expiry, now time.Time) (bool, error)
	AssignManagerIfEmpty(ctx context.Context, id, managerID string) (bool, error)
	SetPaymentStatus(ctx context.Context, id, status string) (*user.User, error)
	TouchLastLogin(ctx context.Context, id string, at time.Time) error
	CountActive(ctx context.Context, managerID string, now time.Time) (int, error)
	ListNoticeDue(ctx context.Context, now, until time.Time) ([]*user.User, error)
	ListLapsed(ctx context.Context, now time.Time) ([]*user.User, error)
}

// Repos groups the repositories bound to one connection or transaction.
type Repos interface {
	Invites() InviteRepo
	Users() UserRepo
}

// Store is Repos plus transactional units of work. WithSeatLock also
// serialises every seat-consuming operation, so a capacity check and the
// activation it guards cannot interleave with another one.
type Store interface {
	Repos
	WithTx(ctx context.Context, fn func(Repos) error) error
	WithSeatLock(ctx context.Context, fn func(Repos) error) error
}
