package user

import (
	"context"

	"github.com/alecgard/enrolgate/internal/auth"
)

// AuthAdapter adapts user.Store to the auth.SessionLookup interface.
type AuthAdapter struct {
	store *Store
}

// NewAuthAdapter creates a new AuthAdapter wrapping the given user store.
func NewAuthAdapter(store *Store) *AuthAdapter {
	return &AuthAdapter{store: store}
}

// LookupSession looks up a session token and returns the associated auth.User.
func (a *AuthAdapter) LookupSession(ctx context.Context, token string) (*auth.User, error) {
	u, err := a.store.GetSessionUser(ctx, token)
	if err != nil {
		return nil, err
	}
	return ToPrincipal(u), nil
}

// ToPrincipal converts a stored user to the principal carried in request
// contexts.
func ToPrincipal(u *User) *auth.User {
	return &auth.User{
		ID:    u.ID,
		Email: u.Email,
		Name:  u.DisplayName(),
		Role:  u.Role,
	}
}
