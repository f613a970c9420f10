package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/nkiryanov/medhub/internal/models"
)

// Account repository interface
// Every method is scoped to one kind. Cross kind resolution is the caller job.
type AccountRepo interface {
	// Create account of the kind
	// If email or provider subject is taken by account of any kind has to return apperrors.ErrAccountAlreadyExists
	Create(ctx context.Context, kind models.AccountKind, arg models.NewAccount) (models.Account, error)

	// Get account
	// If account not found must return apperrors.ErrAccountNotFound
	Get(ctx context.Context, ref models.AccountRef) (models.Account, error)
	GetByEmail(ctx context.Context, kind models.AccountKind, email string) (models.Account, error)
	GetByProviderSubject(ctx context.Context, kind models.AccountKind, subject string) (models.Account, error)

	// Persist mutable fields: provider subject, lifecycle and profile
	// Provider subject taken by other account has to return apperrors.ErrAccountAlreadyExists
	Save(ctx context.Context, account models.Account) (models.Account, error)
}

// RefreshToken repository interface
type RefreshTokenRepo interface {
	Save(ctx context.Context, token models.RefreshToken) (models.RefreshToken, error)

	// Return the token by id even it is expired
	// If not found must return apperrors.ErrRefreshTokenNotFound
	Get(ctx context.Context, id uuid.UUID) (models.RefreshToken, error)

	// Delete the token
	// Only one of concurrent callers succeeds, others get apperrors.ErrRefreshTokenNotFound
	Delete(ctx context.Context, id uuid.UUID) error

	// Delete all account tokens, return number of deleted
	DeleteForAccount(ctx context.Context, ref models.AccountRef) (int64, error)

	// Keep only 'keep' newest tokens of the account, return number of deleted
	// Token 'current' is never deleted and counts as one of kept
	DeleteOldest(ctx context.Context, ref models.AccountRef, keep int, current uuid.UUID) (int64, error)

	// Delete tokens expired before the moment, return number of deleted
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}

type Storage interface {
	Account() AccountRepo
	Refresh() RefreshTokenRepo

	// Run function in transaction
	// Commit if fn returns nil, rollback otherwise
	InTx(ctx context.Context, fn func(Storage) error) error
}
