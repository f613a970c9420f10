package tokenmanager

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/nkiryanov/medhub/internal/apperrors"
	"github.com/nkiryanov/medhub/internal/models"
	"github.com/nkiryanov/medhub/internal/repository"
)

const (
	defaultAccessTokenTTL  = 15 * time.Minute
	defaultSigningMethod   = "HS256"
	defaultRefreshTokenTTL = 7 * 24 * time.Hour
	defaultMaxSessions     = 10
)

type AccessClaims struct {
	jwt.RegisteredClaims
	Kind models.AccountKind `json:"kind"`
	Role string             `json:"role"`
	Name string             `json:"name"`
}

// Account the token was issued to
func (c AccessClaims) Ref() (models.AccountRef, error) {
	return refFromClaims(c.Subject, c.Kind)
}

type RefreshClaims struct {
	jwt.RegisteredClaims
	Kind models.AccountKind `json:"kind"`
	Role string             `json:"role"`
}

func (c RefreshClaims) Ref() (models.AccountRef, error) {
	return refFromClaims(c.Subject, c.Kind)
}

func refFromClaims(subject string, kind models.AccountKind) (models.AccountRef, error) {
	id, err := uuid.Parse(subject)
	if err != nil || !kind.Valid() {
		return models.AccountRef{}, fmt.Errorf("%w: bad subject claims", apperrors.ErrTokenInvalid)
	}
	return models.AccountRef{Kind: kind, ID: id}, nil
}

type hasher interface {
	Hash(secret string) (string, error)
	Compare(hash string, secret string) error
}

// Token manager with sensible default
type Config struct {
	// Secret keys to sign access and refresh tokens
	// Both required and must differ
	AccessSecret  string
	RefreshSecret string

	// JWT MAC (Message Authentication Code) algorithm
	// If not set than default is used
	Alg string

	// Access and refresh token lifetimes
	// If not set than default is used
	AccessTTL  time.Duration
	RefreshTTL time.Duration

	// Max live refresh sessions per account, oldest are evicted on issue
	// If not set than default is used
	MaxSessions int
}

type TokenManager struct {
	accessKey  []byte
	refreshKey []byte

	// JWT MAC (Message Authentication Code) algorithm
	alg jwt.SigningMethod

	accessTTL   time.Duration
	refreshTTL  time.Duration
	maxSessions int

	// Refresh tokens are stored hashed
	hasher      hasher
	refreshRepo repository.RefreshTokenRepo

	now func() time.Time
}

func New(cfg Config, hasher hasher, refreshRepo repository.RefreshTokenRepo) (*TokenManager, error) {
	switch {
	case cfg.AccessSecret == "" || cfg.RefreshSecret == "":
		return nil, errors.New("access and refresh secrets must not be empty")
	case cfg.AccessSecret == cfg.RefreshSecret:
		return nil, errors.New("access and refresh secrets must differ")
	case hasher == nil:
		return nil, errors.New("hasher must not be nil")
	}

	if cfg.Alg == "" {
		cfg.Alg = defaultSigningMethod
	}
	alg := jwt.GetSigningMethod(cfg.Alg)
	if _, ok := alg.(*jwt.SigningMethodHMAC); !ok {
		return nil, fmt.Errorf("unsupported signing method %q", cfg.Alg)
	}

	setDefaultDuration := func(field *time.Duration, def time.Duration) {
		if *field == 0 {
			*field = def
		}
	}
	setDefaultDuration(&cfg.AccessTTL, defaultAccessTokenTTL)
	setDefaultDuration(&cfg.RefreshTTL, defaultRefreshTokenTTL)

	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = defaultMaxSessions
	}

	return &TokenManager{
		accessKey:   []byte(cfg.AccessSecret),
		refreshKey:  []byte(cfg.RefreshSecret),
		alg:         alg,
		accessTTL:   cfg.AccessTTL,
		refreshTTL:  cfg.RefreshTTL,
		maxSessions: cfg.MaxSessions,
		hasher:      hasher,
		refreshRepo: refreshRepo,
		now:         time.Now,
	}, nil
}

// Issue access and refresh tokens and persist refresh session
func (m *TokenManager) Issue(ctx context.Context, account models.Account) (models.TokenPair, error) {
	var pair models.TokenPair
	now := m.now().Truncate(time.Second)
	accessExpiresAt := now.Add(m.accessTTL)
	refreshExpiresAt := now.Add(m.refreshTTL)

	access, err := jwt.NewWithClaims(m.alg, AccessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   account.ID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(accessExpiresAt),
		},
		Kind: account.Kind,
		Role: account.Role,
		Name: account.DisplayName(),
	}).SignedString(m.accessKey)
	if err != nil {
		return pair, fmt.Errorf("error while signing access token. Err: %w", err)
	}

	// Record id travels in the token, so lookups never scan account sessions
	recordID := uuid.New()
	refresh, err := jwt.NewWithClaims(m.alg, RefreshClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        recordID.String(),
			Subject:   account.ID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(refreshExpiresAt),
		},
		Kind: account.Kind,
		Role: account.Role,
	}).SignedString(m.refreshKey)
	if err != nil {
		return pair, fmt.Errorf("error while signing refresh token. Err: %w", err)
	}

	hash, err := m.hasher.Hash(refresh)
	if err != nil {
		return pair, fmt.Errorf("error while hashing refresh token. Err: %w", err)
	}

	_, err = m.refreshRepo.Save(ctx, models.RefreshToken{
		ID:        recordID,
		Account:   account.Ref(),
		TokenHash: hash,
		CreatedAt: now,
		ExpiresAt: refreshExpiresAt,
	})
	if err != nil {
		return pair, fmt.Errorf("error while saving refresh token. Err: %w", err)
	}

	_, err = m.refreshRepo.DeleteOldest(ctx, account.Ref(), m.maxSessions, recordID)
	if err != nil {
		return pair, fmt.Errorf("error while evicting old sessions. Err: %w", err)
	}

	return models.TokenPair{
		Access:  models.IssuedToken{Value: access, ExpiresAt: accessExpiresAt},
		Refresh: models.IssuedToken{Value: refresh, ExpiresAt: refreshExpiresAt},
	}, nil
}

// Parse and validate access token
// Stateless: storage is never consulted, revoked sessions keep their access tokens until expiry
func (m *TokenManager) ParseAccess(access string) (AccessClaims, error) {
	var claims AccessClaims
	if err := m.parse(access, &claims, m.accessKey); err != nil {
		return claims, err
	}
	if _, err := claims.Ref(); err != nil {
		return claims, err
	}
	return claims, nil
}

// Parse and validate refresh token signature and expiry
func (m *TokenManager) ParseRefresh(refresh string) (RefreshClaims, error) {
	var claims RefreshClaims
	if err := m.parse(refresh, &claims, m.refreshKey); err != nil {
		return claims, err
	}
	if _, err := claims.Ref(); err != nil {
		return claims, err
	}
	if _, err := uuid.Parse(claims.ID); err != nil {
		return claims, fmt.Errorf("%w: bad token id", apperrors.ErrTokenInvalid)
	}
	return claims, nil
}

func (m *TokenManager) parse(token string, claims jwt.Claims, key []byte) error {
	_, err := jwt.ParseWithClaims(
		token,
		claims,
		func(t *jwt.Token) (any, error) {
			return key, nil
		},
		jwt.WithValidMethods([]string{m.alg.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(m.now),
	)

	switch {
	case err == nil:
		return nil
	case errors.Is(err, jwt.ErrTokenExpired):
		return fmt.Errorf("%w: %v", apperrors.ErrTokenExpired, err)
	default:
		return fmt.Errorf("%w: %v", apperrors.ErrTokenInvalid, err)
	}
}

// Use refresh token: the presented token must have a live session, which is consumed
// Returns account the token was issued to
func (m *TokenManager) UseRefresh(ctx context.Context, refresh string) (models.AccountRef, error) {
	record, err := m.matchRecord(ctx, refresh)
	if err != nil {
		return models.AccountRef{}, err
	}

	// Concurrent use of the same token: only one delete wins
	if err := m.refreshRepo.Delete(ctx, record.ID); err != nil {
		return models.AccountRef{}, fmt.Errorf("error while consuming refresh token. Err: %w", err)
	}

	return record.Account, nil
}

// Revoke refresh session
// Fails with apperrors.ErrRefreshTokenNotFound when already revoked or never issued
func (m *TokenManager) Revoke(ctx context.Context, refresh string) error {
	record, err := m.matchRecord(ctx, refresh)
	if err != nil {
		return err
	}

	if err := m.refreshRepo.Delete(ctx, record.ID); err != nil {
		return fmt.Errorf("error while revoking refresh token. Err: %w", err)
	}

	return nil
}

// Revoke every session of the account
func (m *TokenManager) RevokeAll(ctx context.Context, ref models.AccountRef) (int64, error) {
	n, err := m.refreshRepo.DeleteForAccount(ctx, ref)
	if err != nil {
		return 0, fmt.Errorf("error while revoking account sessions. Err: %w", err)
	}
	return n, nil
}

// Delete sessions expired by the moment
func (m *TokenManager) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	n, err := m.refreshRepo.DeleteExpired(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("error while purging expired refresh tokens. Err: %w", err)
	}
	return n, nil
}

// Find the stored session matching presented raw token
func (m *TokenManager) matchRecord(ctx context.Context, refresh string) (models.RefreshToken, error) {
	claims, err := m.ParseRefresh(refresh)
	if err != nil {
		return models.RefreshToken{}, err
	}
	owner, _ := claims.Ref() // validated by ParseRefresh
	recordID := uuid.MustParse(claims.ID)

	record, err := m.refreshRepo.Get(ctx, recordID)
	if err != nil {
		return record, err
	}

	if record.Account != owner {
		return record, fmt.Errorf("token owner mismatch: %w", apperrors.ErrRefreshTokenNotFound)
	}

	if err := m.hasher.Compare(record.TokenHash, refresh); err != nil {
		return record, fmt.Errorf("token hash mismatch: %w", apperrors.ErrRefreshTokenNotFound)
	}

	return record, nil
}
