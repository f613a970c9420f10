package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/nkiryanov/medhub/internal/apperrors"
	"github.com/nkiryanov/medhub/internal/models"
)

type RefreshTokenRepo struct {
	DB DBTX
}

const saveToken = `-- name: Save Refresh Token
INSERT INTO refresh_tokens (id, account_kind, account_id, token_hash, created_at, expires_at)
VALUES ($1, $2, $3, $4, $5, $6)
RETURNING id, account_kind, account_id, token_hash, created_at, expires_at
`

func (r *RefreshTokenRepo) Save(ctx context.Context, token models.RefreshToken) (models.RefreshToken, error) {
	rows, _ := r.DB.Query(ctx, saveToken,
		token.ID, token.Account.Kind, token.Account.ID, token.TokenHash, token.CreatedAt, token.ExpiresAt,
	)
	saved, err := pgx.CollectOneRow(rows, rowToRefreshToken)
	if err != nil {
		return saved, fmt.Errorf("db error: %w", err)
	}
	return saved, nil
}

const getToken = `-- name: Get Refresh Token by id
SELECT id, account_kind, account_id, token_hash, created_at, expires_at
FROM refresh_tokens
WHERE id = $1
`

// Get token
// It should return result even it expired already
func (r *RefreshTokenRepo) Get(ctx context.Context, id uuid.UUID) (models.RefreshToken, error) {
	rows, _ := r.DB.Query(ctx, getToken, id)
	token, err := pgx.CollectOneRow(rows, rowToRefreshToken)

	switch {
	case err == nil:
		return token, nil
	case errors.Is(err, pgx.ErrNoRows):
		return token, fmt.Errorf("repo error: %w", apperrors.ErrRefreshTokenNotFound)
	default:
		return token, fmt.Errorf("db error: %w", err)
	}
}

const deleteToken = `-- name: Delete Refresh Token
DELETE FROM refresh_tokens
WHERE id = $1
`

// Delete token
// Zero affected rows means someone else deleted it first
func (r *RefreshTokenRepo) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.DB.Exec(ctx, deleteToken, id)
	switch {
	case err != nil:
		return fmt.Errorf("db error: %w", err)
	case tag.RowsAffected() == 0:
		return fmt.Errorf("repo error: %w", apperrors.ErrRefreshTokenNotFound)
	default:
		return nil
	}
}

const deleteAccountTokens = `-- name: Delete all Refresh Tokens of account
DELETE FROM refresh_tokens
WHERE account_kind = $1 AND account_id = $2
`

func (r *RefreshTokenRepo) DeleteForAccount(ctx context.Context, ref models.AccountRef) (int64, error) {
	tag, err := r.DB.Exec(ctx, deleteAccountTokens, ref.Kind, ref.ID)
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	return tag.RowsAffected(), nil
}

const deleteOldestTokens = `-- name: Keep only newest Refresh Tokens of account
DELETE FROM refresh_tokens
WHERE id IN (
	SELECT id FROM refresh_tokens
	WHERE account_kind = $1 AND account_id = $2 AND id <> $4
	ORDER BY created_at DESC, id DESC
	OFFSET GREATEST($3::int - 1, 0)
)
`

func (r *RefreshTokenRepo) DeleteOldest(ctx context.Context, ref models.AccountRef, keep int, current uuid.UUID) (int64, error) {
	tag, err := r.DB.Exec(ctx, deleteOldestTokens, ref.Kind, ref.ID, keep, current)
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	return tag.RowsAffected(), nil
}

const deleteExpiredTokens = `-- name: Delete expired Refresh Tokens
DELETE FROM refresh_tokens
WHERE expires_at < $1
`

func (r *RefreshTokenRepo) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	tag, err := r.DB.Exec(ctx, deleteExpiredTokens, before)
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	return tag.RowsAffected(), nil
}

func rowToRefreshToken(row pgx.CollectableRow) (models.RefreshToken, error) {
	var t models.RefreshToken
	err := row.Scan(&t.ID, &t.Account.Kind, &t.Account.ID, &t.TokenHash, &t.CreatedAt, &t.ExpiresAt)
	return t, err
}
