package membership

import (
	"errors"
	"fmt"
)

// Error taxonomy. Specific errors wrap one of these so callers can branch
// with errors.Is.
var (
	ErrUnauthorized     = errors.New("unauthorized")
	ErrNotFound         = errors.New("not found")
	ErrCapacityExceeded = errors.New("seat pool is full")
	ErrConflict         = errors.New("conflict")
	// ErrCreationFailed is returned when a batch produced no invites at all.
	ErrCreationFailed = errors.New("invite creation failed")
)

var (
	ErrInvalidCode     = fmt.Errorf("%w: invalid or used code", ErrNotFound)
	ErrUserNotFound    = fmt.Errorf("%w: user", ErrNotFound)
	ErrInviteNotFound  = fmt.Errorf("%w: invite", ErrNotFound)
	ErrNotActive       = fmt.Errorf("%w: membership is not active", ErrConflict)
	ErrAlreadyActive   = fmt.Errorf("%w: membership is already active", ErrConflict)
	ErrInviteInUse     = fmt.Errorf("%w: invite holder is still active", ErrConflict)
	ErrNotManaged      = fmt.Errorf("%w: user is not a managed student", ErrConflict)
	ErrInvalidPassword = fmt.Errorf("%w: invalid email or password", ErrUnauthorized)
)

// ValidationError reports a missing or malformed input field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func invalid(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

// IsValidation reports whether err is a *ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
