package auth

import (
	"crypto/sha256"

	"golang.org/x/crypto/bcrypt"
)

// Interface to create or compare secret hashes
// Used for account passwords and refresh tokens at rest
type PasswordHasher interface {
	// Generate Hash from secret, salted on every call
	Hash(secret string) (string, error)

	// Compare known hash and user provided secret
	// Must be protected against timing attacks
	Compare(hash string, secret string) error
}

// Bcrypt hasher
// Secret is pre-hashed with sha256 so values longer than 72 bytes (JWTs) are not truncated
type BcryptHasher struct {
	// Zero means bcrypt.DefaultCost
	Cost int
}

var DefaultHasher PasswordHasher = BcryptHasher{}

func (h BcryptHasher) Hash(secret string) (string, error) {
	cost := h.Cost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}

	sum := sha256.Sum256([]byte(secret))
	hash, err := bcrypt.GenerateFromPassword(sum[:], cost)
	return string(hash), err
}

func (h BcryptHasher) Compare(hash string, secret string) error {
	sum := sha256.Sum256([]byte(secret))
	return bcrypt.CompareHashAndPassword([]byte(hash), sum[:])
}
