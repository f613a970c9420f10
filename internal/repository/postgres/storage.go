package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/nkiryanov/medhub/internal/repository"
)

// Storage hands out repositories bound to one connection, pool or transaction
type Storage struct {
	db DBTX
}

func NewStorage(db DBTX) repository.Storage {
	return &Storage{db: db}
}

func (s *Storage) Account() repository.AccountRepo {
	return &AccountRepo{DB: s.db}
}

func (s *Storage) Refresh() repository.RefreshTokenRepo {
	return &RefreshTokenRepo{DB: s.db}
}

// Inside transaction nested call opens savepoint
// Rolled back on error or panic
func (s *Storage) InTx(ctx context.Context, fn func(repository.Storage) error) error {
	return pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		return fn(NewStorage(tx))
	})
}
