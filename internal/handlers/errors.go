package handlers

import (
	"errors"
	"net/http"

	"github.com/nkiryanov/medhub/internal/apperrors"
	"github.com/nkiryanov/medhub/internal/handlers/render"
	"github.com/nkiryanov/medhub/internal/logger"
)

type errorResponse struct {
	code    int
	message string
}

var knownErrors = []struct {
	err error
	errorResponse
}{
	{apperrors.ErrAccountAlreadyExists, errorResponse{http.StatusConflict, "Account already exists"}},
	{apperrors.ErrAccountAlreadyActive, errorResponse{http.StatusConflict, "Account is already active"}},
	{apperrors.ErrInvalidCredentials, errorResponse{http.StatusUnauthorized, "Invalid credentials"}},
	{apperrors.ErrAccountInactive, errorResponse{http.StatusForbidden, "Account is inactive"}},
	{apperrors.ErrTokenExpired, errorResponse{http.StatusUnauthorized, "Token expired"}},
	{apperrors.ErrTokenInvalid, errorResponse{http.StatusUnauthorized, "Invalid token"}},
	{apperrors.ErrRefreshTokenNotFound, errorResponse{http.StatusUnauthorized, "Refresh token not found"}},
	{apperrors.ErrAccountNotFound, errorResponse{http.StatusNotFound, "Account not found"}},
	{apperrors.ErrInvalidAssertion, errorResponse{http.StatusUnauthorized, "Invalid identity assertion"}},
	{apperrors.ErrProviderUnavailable, errorResponse{http.StatusServiceUnavailable, "Identity provider unavailable"}},
	{apperrors.ErrTooManyAttempts, errorResponse{http.StatusTooManyRequests, "Too many failed attempts, try later"}},
}

// Renders service errors
// Unexpected ones are logged and hidden behind generic message, detail is shown in debug mode only
type errorRenderer struct {
	logger logger.Logger
	debug  bool
}

func (e errorRenderer) render(w http.ResponseWriter, r *http.Request, err error) {
	var validationErr *apperrors.ValidationError
	if errors.As(err, &validationErr) {
		render.ServiceError(w, validationErr.Message, http.StatusBadRequest)
		return
	}

	for _, known := range knownErrors {
		if errors.Is(err, known.err) {
			render.ServiceError(w, known.message, known.code)
			return
		}
	}

	e.logger.Error("Request failed", "method", r.Method, "uri", r.RequestURI, "error", err)
	if e.debug {
		render.ServiceErrorWithDetail(w, "Internal server error", http.StatusInternalServerError, err.Error())
		return
	}
	render.ServiceError(w, "Internal server error", http.StatusInternalServerError)
}
