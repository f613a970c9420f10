package principalctx

import (
	"context"

	"github.com/google/uuid"

	"github.com/nkiryanov/medhub/internal/models"
)

type ctxKey string

const (
	principalKey ctxKey = "principal"
	accountKey   ctxKey = "account"
)

// Authenticated caller as stated by access token claims
type Principal struct {
	ID   uuid.UUID
	Kind models.AccountKind
	Role string
	Name string
}

func (p Principal) Ref() models.AccountRef {
	return models.AccountRef{Kind: p.Kind, ID: p.ID}
}

// Create a new context with the principal
func New(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// Extract the principal from the context
func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey).(Principal)
	return p, ok
}

// Create a new context with the loaded account
func WithAccount(ctx context.Context, a models.Account) context.Context {
	return context.WithValue(ctx, accountKey, a)
}

func AccountFromContext(ctx context.Context) (models.Account, bool) {
	a, ok := ctx.Value(accountKey).(models.Account)
	return a, ok
}
