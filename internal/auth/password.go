package auth

import (
	"golang.org/x/crypto/bcrypt"
)

// PasswordCost is fixed so every stored digest carries the same work factor.
const PasswordCost = 10

func HashPassword(pw string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(pw), PasswordCost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// VerifyPassword reports whether pw matches the digest. Malformed digests never match.
func VerifyPassword(encoded, pw string) bool {
	if encoded == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(encoded), []byte(pw)) == nil
}

// dummyDigest is compared against when no identity exists so that a lookup
// miss costs the same as a wrong password.
var dummyDigest, _ = bcrypt.GenerateFromPassword([]byte("fielddiag-timing-equalizer"), PasswordCost)

// BurnPasswordCheck runs one comparison against a throwaway digest.
func BurnPasswordCheck(pw string) {
	_ = bcrypt.CompareHashAndPassword(dummyDigest, []byte(pw))
}
