package apperrors

import (
	"errors"
)

var (
	ErrAccountAlreadyExists = errors.New("account already exists")
	ErrAccountNotFound      = errors.New("account not found")
	ErrAccountConflict      = errors.New("account exists in more than one store")
	ErrAccountInactive      = errors.New("account is inactive")
	ErrAccountAlreadyActive = errors.New("account is already active")

	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrTooManyAttempts    = errors.New("too many failed attempts")

	ErrTokenInvalid = errors.New("token is invalid")
	ErrTokenExpired = errors.New("token is expired")

	ErrRefreshTokenNotFound = errors.New("refresh token not found")

	ErrInvalidAssertion    = errors.New("identity assertion is invalid")
	ErrProviderUnavailable = errors.New("identity provider unavailable")
)

// ValidationError is returned when caller supplied data is rejected before touching any store.
// errors.Is(err, ErrValidation) holds for every ValidationError.
type ValidationError struct {
	Message string
}

var ErrValidation = errors.New("validation failed")

func NewValidationError(msg string) *ValidationError {
	return &ValidationError{Message: msg}
}

func (e *ValidationError) Error() string {
	return e.Message
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}
