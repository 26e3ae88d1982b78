package user

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/google/uuid"
)

// MinPasswordLength is the shortest password accepted for any account.
const MinPasswordLength = 8

// ErrPasswordTooShort is returned for passwords under MinPasswordLength.
var ErrPasswordTooShort = fmt.Errorf("password must be at least %d characters", MinPasswordLength)

// ValidatePassword checks the password policy.
func ValidatePassword(password string) error {
	if len(password) < MinPasswordLength {
		return ErrPasswordTooShort
	}
	return nil
}

const (
	tempLower   = "abcdefghijkmnopqrstuvwxyz"
	tempUpper   = "ABCDEFGHJKLMNPQRSTUVWXYZ"
	tempDigits  = "23456789"
	tempSymbols = "!@#$%^&*-_"
)

// GenerateTempPassword returns a random password of the given length (at
// least 12) containing lower, upper, digit and symbol characters.
func GenerateTempPassword(length int) (string, error) {
	if length < 12 {
		length = 12
	}
	classes := []string{tempLower, tempUpper, tempDigits, tempSymbols}
	all := strings.Join(classes, "")

	out := make([]byte, length)
	for i := range out {
		set := all
		if i < len(classes) {
			set = classes[i]
		}
		c, err := randomChar(set)
		if err != nil {
			return "", err
		}
		out[i] = c
	}
	// Shuffle so the guaranteed classes are not always at the front.
	for i := len(out) - 1; i > 0; i-- {
		j, err := rand.Int(rand.Reader, big.NewInt(int64(i+1)))
		if err != nil {
			return "", fmt.Errorf("shuffling password: %w", err)
		}
		out[i], out[j.Int64()] = out[j.Int64()], out[i]
	}
	return string(out), nil
}

func randomChar(set string) (byte, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(len(set))))
	if err != nil {
		return 0, fmt.Errorf("generating password: %w", err)
	}
	return set[n.Int64()], nil
}

// UsernameBase derives a login name from the local part of an email,
// keeping only lowercase letters, digits, dots, dashes and underscores.
// It returns "" when nothing usable remains.
func UsernameBase(email string) string {
	local, _, _ := strings.Cut(strings.TrimSpace(email), "@")
	var b strings.Builder
	for _, r := range strings.ToLower(local) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		}
	}
	return strings.Trim(b.String(), ".-_")
}

// maxUsernameSuffix bounds the numbered attempts before falling back to a
// random username.
const maxUsernameSuffix = 50

// UniqueUsername picks a username for email that exists reports as free:
// the email local part, then local part with a numeric suffix, then a
// randomized "student_" name.
func UniqueUsername(ctx context.Context, email string, exists func(context.Context, string) (bool, error)) (string, error) {
	base := UsernameBase(email)
	if base != "" {
		for i := 1; i <= maxUsernameSuffix; i++ {
			candidate := base
			if i > 1 {
				candidate = fmt.Sprintf("%s%d", base, i)
			}
			taken, err := exists(ctx, candidate)
			if err != nil {
				return "", err
			}
			if !taken {
				return candidate, nil
			}
		}
	}

	for i := 0; i < 5; i++ {
		candidate := "student_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:10]
		taken, err := exists(ctx, candidate)
		if err != nil {
			return "", err
		}
		if !taken {
			return candidate, nil
		}
	}
	return "", errors.New("could not find a free username")
}
