package user

import (
	"strings"
	"time"
)

// Account roles. Role governs permissions only; access gating lives in
// MembershipState.
const (
	RoleAdmin   = "admin"
	RolePartner = "partner"
	RoleStudent = "student"
)

// Membership states.
const (
	StateActive  = "active"
	StateExpired = "expired"
)

// Payment status flags. Nothing here processes payments.
const (
	PaymentNone    = "none"
	PaymentPending = "pending"
	PaymentPaid    = "paid"
	PaymentFailed  = "failed"
)

// ValidPaymentStatus reports whether s is a recognised payment status.
func ValidPaymentStatus(s string) bool {
	switch s {
	case PaymentNone, PaymentPending, PaymentPaid, PaymentFailed:
		return true
	}
	return false
}

// User is an account augmented with membership attributes.
type User struct {
	ID                 string     `json:"id"`
	Email              string     `json:"email"`
	Username           string     `json:"username"`
	PasswordHash       string     `json:"-"`
	FirstName          string     `json:"first_name"`
	LastName           string     `json:"last_name"`
	Role               string     `json:"role"`
	MembershipState    string     `json:"membership_state"`
	ManagerID          string     `json:"manager_id,omitempty"` // empty = unmanaged legacy account
	ExpiryAt           *time.Time `json:"expiry_at,omitempty"`  // nil = no expiry enforced
	ExpiryNoticeSentAt *time.Time `json:"expiry_notice_sent_at,omitempty"`
	ExpiryNoticeFor    *time.Time `json:"-"` // the expiry_at the last notice was sent for
	LastLoginAt        *time.Time `json:"last_login_at,omitempty"`
	PaymentStatus      string     `json:"payment_status"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// DisplayName joins first and last name, falling back to the username.
func (u *User) DisplayName() string {
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if name == "" {
		return u.Username
	}
	return name
}

// HoldsSeatAt reports whether the user occupies a seat in the pool at now:
// a student whose expiry is unset or still in the future.
func (u *User) HoldsSeatAt(now time.Time) bool {
	return u.Role == RoleStudent && (u.ExpiryAt == nil || u.ExpiryAt.After(now))
}

// IsActiveAt reports whether the membership grants access at now.
func (u *User) IsActiveAt(now time.Time) bool {
	return u.MembershipState == StateActive && (u.ExpiryAt == nil || u.ExpiryAt.After(now))
}

// NoticeDueAt reports whether an expiring-soon notice should be sent at now
// given the notice window. A notice already sent for the current expiry
// suppresses another one; a later expiry re-arms it. Store.ListNoticeDue
// applies the same rule in SQL.
func (u *User) NoticeDueAt(now time.Time, window time.Duration) bool {
	if u.MembershipState != StateActive || u.ExpiryAt == nil || window <= 0 {
		return false
	}
	if !u.ExpiryAt.After(now) || u.ExpiryAt.After(now.Add(window)) {
		return false
	}
	return u.ExpiryNoticeFor == nil || u.ExpiryNoticeFor.Before(*u.ExpiryAt)
}

// CreateUserInput holds the fields required to create a new user.
type CreateUserInput struct {
	Email         string
	Username      string
	Password      string
	FirstName     string
	LastName      string
	Role          string
	ManagerID     string
	ExpiryAt      *time.Time
	PaymentStatus string
}

// UpdateProfileInput holds optional fields for a partial profile update.
type UpdateProfileInput struct {
	Email     *string `json:"email,omitempty"`
	FirstName *string `json:"first_name,omitempty"`
	LastName  *string `json:"last_name,omitempty"`
}

// ListParams controls listing and pagination of users.
type ListParams struct {
	ManagerID string `json:"manager_id"` // empty = any manager
	Role      string `json:"role"`
	State     string `json:"state"`
	Cursor    string `json:"cursor"`
	Limit     int    `json:"limit"`
}

// Session represents an active user session.
type Session struct {
	TokenHash string    `json:"-"`
	UserID    string    `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}
