package handlers

import (
	"context"
	"net/http"

	"github.com/nkiryanov/medhub/internal/handlers/principalctx"
	"github.com/nkiryanov/medhub/internal/handlers/render"
	"github.com/nkiryanov/medhub/internal/models"
)

type accountService interface {
	Deactivate(ctx context.Context, ref models.AccountRef) (models.Account, error)
	Reactivate(ctx context.Context, ref models.AccountRef) (models.Account, error)
}

type AccountHandler struct {
	accounts accountService
	errors   errorRenderer
}

type accountResponse struct {
	Message string         `json:"message"`
	User    models.Account `json:"user"`
}

// Current account, loaded by Hydrate middleware
func handleMe() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		account, _ := principalctx.AccountFromContext(r.Context())
		render.JSON(w, account)
	})
}

func (h *AccountHandler) deactivate(w http.ResponseWriter, r *http.Request) {
	p, _ := principalctx.FromContext(r.Context()) // set by Authenticate middleware

	account, err := h.accounts.Deactivate(r.Context(), p.Ref())
	if err != nil {
		h.errors.render(w, r, err)
		return
	}

	account.PasswordHash = nil
	render.JSON(w, accountResponse{Message: "Account deactivated successfully", User: account})
}

func (h *AccountHandler) reactivate(w http.ResponseWriter, r *http.Request) {
	p, _ := principalctx.FromContext(r.Context()) // set by Authenticate middleware

	account, err := h.accounts.Reactivate(r.Context(), p.Ref())
	if err != nil {
		h.errors.render(w, r, err)
		return
	}

	account.PasswordHash = nil
	render.JSON(w, accountResponse{Message: "Account reactivated successfully", User: account})
}
