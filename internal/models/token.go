package models

import (
	"time"

	"github.com/google/uuid"
)

// Persisted refresh session
// Raw token is never stored, only its hash
type RefreshToken struct {
	ID        uuid.UUID // also the 'jti' claim of the refresh token
	Account   AccountRef
	TokenHash string
	CreatedAt time.Time
	ExpiresAt time.Time
}

type IssuedToken struct {
	Value     string
	ExpiresAt time.Time
}

// Token pair issues by TokenManager, AuthService
type TokenPair struct {
	Access  IssuedToken
	Refresh IssuedToken
}

// Result of every successful authentication
type Session struct {
	Account Account
	Tokens  TokenPair
}
