package invite

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

// Alphabet excludes the visually ambiguous 0, O, 1 and I.
const Alphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// DefaultCodeLength is the length of generated invite codes.
const DefaultCodeLength = 8

var alphabetSize = big.NewInt(int64(len(Alphabet)))

// GenerateCode draws length characters uniformly from Alphabet using a
// cryptographically secure source.
func GenerateCode(length int) (string, error) {
	if length <= 0 {
		length = DefaultCodeLength
	}
	b := make([]byte, length)
	for i := range b {
		n, err := rand.Int(rand.Reader, alphabetSize)
		if err != nil {
			return "", fmt.Errorf("generating invite code: %w", err)
		}
		b[i] = Alphabet[n.Int64()]
	}
	return string(b), nil
}

// NormalizeCode upper-cases a user-typed code and strips spaces and dashes so
// "abcd-2345" matches "ABCD2345".
func NormalizeCode(code string) string {
	out := make([]byte, 0, len(code))
	for i := 0; i < len(code); i++ {
		c := code[i]
		switch {
		case c == ' ' || c == '-' || c == '\t':
			continue
		case c >= 'a' && c <= 'z':
			out = append(out, c-'a'+'A')
		default:
			out = append(out, c)
		}
	}
	return string(out)
}
