package auth

import (
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidFormToken is returned for missing, forged, expired or mismatched
// anti-forgery tokens.
var ErrInvalidFormToken = errors.New("invalid or expired form token")

const formTokenIssuer = "enrolgate"

// FormTokens issues and verifies anti-forgery tokens. A token is an HS256 JWT
// bound to one subject (the user ID, or "" for anonymous forms) and one
// action, so a token minted for one dashboard form cannot be replayed
// against another.
type FormTokens struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time // injectable clock for testing
}

type formClaims struct {
	Action string `json:"act"`
	jwt.RegisteredClaims
}

// NewFormTokens creates a token issuer. An empty secret is replaced by a
// random one, so tokens do not survive a restart.
func NewFormTokens(secret string, ttl time.Duration) (*FormTokens, error) {
	key := []byte(secret)
	if len(key) == 0 {
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generating form secret: %w", err)
		}
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &FormTokens{secret: key, ttl: ttl, now: time.Now}, nil
}

// Issue mints a token for subject and action.
func (f *FormTokens) Issue(subject, action string) (string, time.Time, error) {
	now := f.now()
	expiresAt := now.Add(f.ttl)
	claims := formClaims{
		Action: action,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    formTokenIssuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(f.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("signing form token: %w", err)
	}
	return signed, expiresAt, nil
}

// Verify checks that token is valid, unexpired and was issued for subject
// and action.
func (f *FormTokens) Verify(token, subject, action string) error {
	if token == "" {
		return ErrInvalidFormToken
	}
	claims := &formClaims{}
	_, err := jwt.ParseWithClaims(token, claims,
		func(*jwt.Token) (any, error) { return f.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(formTokenIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(f.now),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidFormToken, err)
	}
	if claims.Subject != subject || claims.Action != action {
		return ErrInvalidFormToken
	}
	return nil
}
