package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/nkiryanov/medhub/internal/handlers/principalctx"
	"github.com/nkiryanov/medhub/internal/handlers/render"
	"github.com/nkiryanov/medhub/internal/models"
	"github.com/nkiryanov/medhub/internal/service/auth"
)

const refreshCookieName = "refreshtoken"

type authService interface {
	// Has to return apperrors.ErrAccountAlreadyExists if email is taken by account of any kind
	Register(ctx context.Context, p auth.RegisterParams) (models.Session, error)

	// Has to return apperrors.ErrInvalidCredentials for unknown email and wrong password alike
	Login(ctx context.Context, email string, password string) (models.Session, error)

	SocialAuth(ctx context.Context, idToken string, kind models.AccountKind) (models.Session, error)

	// If token already used or revoked: has to return apperrors.ErrRefreshTokenNotFound
	Refresh(ctx context.Context, refresh string) (models.TokenPair, error)

	Logout(ctx context.Context, principal models.AccountRef, refresh string) error
}

type tokensResponse struct {
	AccessToken           string    `json:"accessToken"`
	RefreshToken          string    `json:"refreshToken"`
	AccessTokenExpiresAt  time.Time `json:"accessTokenExpiresAt"`
	RefreshTokenExpiresAt time.Time `json:"refreshTokenExpiresAt"`
}

func newTokensResponse(pair models.TokenPair) tokensResponse {
	return tokensResponse{
		AccessToken:           pair.Access.Value,
		RefreshToken:          pair.Refresh.Value,
		AccessTokenExpiresAt:  pair.Access.ExpiresAt,
		RefreshTokenExpiresAt: pair.Refresh.ExpiresAt,
	}
}

type sessionResponse struct {
	Message string         `json:"message"`
	User    models.Account `json:"user"`
	Tokens  tokensResponse `json:"tokens"`
}

type AuthHandler struct {
	auth   authService
	errors errorRenderer

	// Mark refresh cookie as https only
	secureCookie bool
}

func (h *AuthHandler) register(w http.ResponseWriter, r *http.Request) {
	type RegisterRequest struct {
		Role            string `json:"role" validate:"account_role"`
		Email           string `json:"email" validate:"required,email"`
		Password        string `json:"password" validate:"required"`
		ConfirmPassword string `json:"confirmPassword" validate:"required"`

		FirstName   string `json:"firstName"`
		LastName    string `json:"lastName"`
		Phone       string `json:"phone"`
		Gender      string `json:"gender"`
		DateOfBirth string `json:"dob" validate:"omitempty,datetime=2006-01-02"`
		Alias       string `json:"alias"`
		IsAnonymous bool   `json:"isAnonymous"`
		BloodGroup  string `json:"bloodGroup"`

		Specialization  string          `json:"specialization"`
		Qualifications  []string        `json:"qualifications"`
		ExperienceYears int             `json:"experienceYears" validate:"min=0"`
		Bio             string          `json:"bio"`
		ConsultationFee decimal.Decimal `json:"consultationFee"`
	}

	data, err := render.BindAndValidate[RegisterRequest](w, r)
	if err != nil {
		return
	}

	kind, _ := models.ParseKind(data.Role) // validated by request binding
	profile := models.Profile{
		FirstName:   data.FirstName,
		LastName:    data.LastName,
		Phone:       data.Phone,
		Gender:      data.Gender,
		Alias:       data.Alias,
		IsAnonymous: data.IsAnonymous,
	}
	if data.DateOfBirth != "" {
		dob, _ := time.Parse(time.DateOnly, data.DateOfBirth) // validated by request binding
		profile.DateOfBirth = &dob
	}

	var practitioner *models.PractitionerProfile
	switch kind {
	case models.KindPractitioner:
		practitioner = &models.PractitionerProfile{
			Specialization:  data.Specialization,
			Qualifications:  data.Qualifications,
			ExperienceYears: data.ExperienceYears,
			Bio:             data.Bio,
			ConsultationFee: data.ConsultationFee,
		}
	default:
		profile.BloodGroup = data.BloodGroup
	}

	session, err := h.auth.Register(r.Context(), auth.RegisterParams{
		Kind:            kind,
		Email:           data.Email,
		Password:        data.Password,
		ConfirmPassword: data.ConfirmPassword,
		Profile:         profile,
		Practitioner:    practitioner,
	})
	if err != nil {
		h.errors.render(w, r, err)
		return
	}

	h.setTokens(w, session.Tokens)
	render.JSONWithStatus(w, sessionResponse{
		Message: "Account registered successfully",
		User:    session.Account,
		Tokens:  newTokensResponse(session.Tokens),
	}, http.StatusCreated)
}

func (h *AuthHandler) login(w http.ResponseWriter, r *http.Request) {
	type LoginRequest struct {
		Email    string `json:"email" validate:"required"`
		Password string `json:"password" validate:"required"`
	}

	data, err := render.BindAndValidate[LoginRequest](w, r)
	if err != nil {
		return
	}

	session, err := h.auth.Login(r.Context(), data.Email, data.Password)
	if err != nil {
		h.errors.render(w, r, err)
		return
	}

	h.setTokens(w, session.Tokens)
	render.JSON(w, sessionResponse{
		Message: "Logged in successfully",
		User:    session.Account,
		Tokens:  newTokensResponse(session.Tokens),
	})
}

func (h *AuthHandler) social(w http.ResponseWriter, r *http.Request) {
	type SocialRequest struct {
		IDToken string `json:"idToken" validate:"required"`
		Role    string `json:"role" validate:"account_role"`
	}

	data, err := render.BindAndValidate[SocialRequest](w, r)
	if err != nil {
		return
	}

	kind, _ := models.ParseKind(data.Role) // validated by request binding
	session, err := h.auth.SocialAuth(r.Context(), data.IDToken, kind)
	if err != nil {
		h.errors.render(w, r, err)
		return
	}

	h.setTokens(w, session.Tokens)
	render.JSON(w, sessionResponse{
		Message: "Logged in successfully",
		User:    session.Account,
		Tokens:  newTokensResponse(session.Tokens),
	})
}

func (h *AuthHandler) refresh(w http.ResponseWriter, r *http.Request) {
	type RefreshSuccessResponse struct {
		Message string         `json:"message"`
		Tokens  tokensResponse `json:"tokens"`
	}

	refresh, ok := h.readRefresh(w, r)
	if !ok {
		return
	}

	pair, err := h.auth.Refresh(r.Context(), refresh)
	if err != nil {
		h.errors.render(w, r, err)
		return
	}

	h.setTokens(w, pair)
	render.JSON(w, RefreshSuccessResponse{Message: "Tokens refreshed successfully", Tokens: newTokensResponse(pair)})
}

func (h *AuthHandler) logout(w http.ResponseWriter, r *http.Request) {
	type LogoutSuccessResponse struct {
		Message string `json:"message"`
	}

	refresh, ok := h.readRefresh(w, r)
	if !ok {
		return
	}

	p, _ := principalctx.FromContext(r.Context()) // set by Authenticate middleware
	if err := h.auth.Logout(r.Context(), p.Ref(), refresh); err != nil {
		h.errors.render(w, r, err)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     refreshCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.secureCookie,
		SameSite: http.SameSiteStrictMode,
	})
	render.JSON(w, LogoutSuccessResponse{Message: "Logged out successfully"})
}

// Refresh token from '{"token": ...}' body or from refresh cookie when body is empty
func (h *AuthHandler) readRefresh(w http.ResponseWriter, r *http.Request) (string, bool) {
	type RefreshRequest struct {
		Token string `json:"token"`
	}

	var data RefreshRequest
	if r.ContentLength != 0 {
		var err error
		if data, err = render.BindAndValidate[RefreshRequest](w, r); err != nil {
			return "", false
		}
	}
	if data.Token != "" {
		return data.Token, true
	}

	if cookie, err := r.Cookie(refreshCookieName); err == nil && cookie.Value != "" {
		return cookie.Value, true
	}

	render.ServiceError(w, "Refresh token not provided", http.StatusBadRequest)
	return "", false
}

// Access token goes to Authorization header, refresh token to http only cookie
func (h *AuthHandler) setTokens(w http.ResponseWriter, pair models.TokenPair) {
	w.Header().Set("Authorization", "Bearer "+pair.Access.Value)
	http.SetCookie(w, &http.Cookie{
		Name:     refreshCookieName,
		Value:    pair.Refresh.Value,
		Path:     "/",
		MaxAge:   int(time.Until(pair.Refresh.ExpiresAt).Seconds()),
		HttpOnly: true,
		Secure:   h.secureCookie,
		SameSite: http.SameSiteStrictMode,
	})
}
