package auth

import "context"

// Capability names an operation class a role may perform.
type Capability string

const (
	// CapManageInvites covers minting and deleting invites and every
	// operator action on managed students.
	CapManageInvites Capability = "manage_invites"
	// CapManageAll lifts the per-manager scoping applied when the seat pool
	// is not shared.
	CapManageAll Capability = "manage_all"
)

var roleCapabilities = map[string][]Capability{
	"admin":   {CapManageInvites, CapManageAll},
	"partner": {CapManageInvites},
}

// User represents an authenticated principal.
type User struct {
	ID    string
	Email string
	Name  string
	Role  string // "admin", "partner" or "student"
}

// Can reports whether the user's role grants the capability.
func (u *User) Can(c Capability) bool {
	if u == nil {
		return false
	}
	for _, have := range roleCapabilities[u.Role] {
		if have == c {
			return true
		}
	}
	return false
}

// IsAdmin returns true if the user has the admin role.
func (u *User) IsAdmin() bool {
	return u != nil && u.Role == "admin"
}

// SessionLookup is the interface for resolving session tokens to users.
type SessionLookup interface {
	LookupSession(ctx context.Context, token string) (*User, error)
}
