package middleware

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"strings"

	"github.com/nkiryanov/medhub/internal/apperrors"
	"github.com/nkiryanov/medhub/internal/handlers/principalctx"
	"github.com/nkiryanov/medhub/internal/handlers/render"
	"github.com/nkiryanov/medhub/internal/models"
	"github.com/nkiryanov/medhub/internal/service/auth/tokenmanager"
)

const (
	MsgNoToken          = "Unauthorized - No token provided"
	MsgMalformedToken   = "Unauthorized - Malformed token"
	MsgTokenExpired     = "Unauthorized - Token expired"
	MsgInvalidToken     = "Unauthorized - Invalid token"
	MsgAccountNotFound  = "Account not found"
	MsgInsufficientRole = "Forbidden - Insufficient role"
	MsgUnauthorized     = "Unauthorized"
)

type tokenParser interface {
	ParseAccess(access string) (tokenmanager.AccessClaims, error)
}

type accountFinder interface {
	Get(ctx context.Context, ref models.AccountRef) (models.Account, error)
}

type errorLogger interface {
	Error(msg string, args ...any)
}

// Read token from 'Authorization: Bearer <token>' header
func bearerToken(r *http.Request) (token string, present bool, ok bool) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", false, false
	}

	scheme, token, found := strings.Cut(header, " ")
	token = strings.TrimSpace(token)
	if !found || !strings.EqualFold(scheme, "Bearer") || token == "" || strings.ContainsAny(token, " \t") {
		return "", true, false
	}
	return token, true, true
}

// Authenticate verifies access token and loads the account it was issued to
// Principal and account are attached to request context
func Authenticate(tokens tokenParser, accounts accountFinder, l errorLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, present, ok := bearerToken(r)
			switch {
			case !present:
				render.ServiceError(w, MsgNoToken, http.StatusUnauthorized)
				return
			case !ok:
				render.ServiceError(w, MsgMalformedToken, http.StatusUnauthorized)
				return
			}

			claims, err := tokens.ParseAccess(token)
			switch {
			case errors.Is(err, apperrors.ErrTokenExpired):
				render.ServiceError(w, MsgTokenExpired, http.StatusUnauthorized)
				return
			case err != nil:
				render.ServiceError(w, MsgInvalidToken, http.StatusUnauthorized)
				return
			}
			ref, _ := claims.Ref() // validated by ParseAccess

			account, err := accounts.Get(r.Context(), ref)
			switch {
			case errors.Is(err, apperrors.ErrAccountNotFound):
				render.ServiceError(w, MsgAccountNotFound, http.StatusNotFound)
				return
			case err != nil:
				l.Error("Failed to load authenticated account", "account", ref.String(), "error", err)
				render.ServiceError(w, "Internal server error", http.StatusInternalServerError)
				return
			}

			ctx := principalctx.New(r.Context(), principalctx.Principal{
				ID:   account.ID,
				Kind: account.Kind,
				Role: account.Role,
				Name: claims.Name,
			})
			account.PasswordHash = nil
			ctx = principalctx.WithAccount(ctx, account)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// Hydrate attaches full account of the principal
// Account already loaded by Authenticate is reused, otherwise it is read from store
func Hydrate(accounts accountFinder, l errorLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := principalctx.FromContext(r.Context())
			if !ok {
				render.ServiceError(w, MsgUnauthorized, http.StatusUnauthorized)
				return
			}

			if account, ok := principalctx.AccountFromContext(r.Context()); ok && account.Ref() == p.Ref() {
				next.ServeHTTP(w, r)
				return
			}

			account, err := accounts.Get(r.Context(), p.Ref())
			switch {
			case errors.Is(err, apperrors.ErrAccountNotFound):
				render.ServiceError(w, MsgAccountNotFound, http.StatusNotFound)
				return
			case err != nil:
				l.Error("Failed to hydrate account", "account", p.Ref().String(), "error", err)
				render.ServiceError(w, "Internal server error", http.StatusInternalServerError)
				return
			}

			account.PasswordHash = nil
			next.ServeHTTP(w, r.WithContext(principalctx.WithAccount(r.Context(), account)))
		})
	}
}

// RequireRoles lets through principals with one of the roles
func RequireRoles(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := principalctx.FromContext(r.Context())
			if !ok {
				render.ServiceError(w, MsgUnauthorized, http.StatusUnauthorized)
				return
			}
			if !slices.Contains(roles, p.Role) {
				render.ServiceError(w, MsgInsufficientRole, http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
