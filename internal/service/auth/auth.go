package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nkiryanov/medhub/internal/apperrors"
	"github.com/nkiryanov/medhub/internal/logger"
	"github.com/nkiryanov/medhub/internal/metrics"
	"github.com/nkiryanov/medhub/internal/models"
	"github.com/nkiryanov/medhub/internal/service/auth/tokenmanager"
	"github.com/nkiryanov/medhub/internal/service/events"
	"github.com/nkiryanov/medhub/internal/service/limiter"
	"github.com/nkiryanov/medhub/internal/service/provider"
)

// Auth operation names, used as metric labels
const (
	OpRegister = "register"
	OpLogin    = "login"
	OpSocial   = "social"
	OpRefresh  = "refresh"
	OpLogout   = "logout"
)

type tokenService interface {
	Issue(ctx context.Context, account models.Account) (models.TokenPair, error)
	ParseRefresh(refresh string) (tokenmanager.RefreshClaims, error)
	UseRefresh(ctx context.Context, refresh string) (models.AccountRef, error)
	Revoke(ctx context.Context, refresh string) error
}

type accountService interface {
	FindByEmail(ctx context.Context, email string) (models.Account, error)
	FindByProviderSubject(ctx context.Context, subject string) (models.Account, error)
	Get(ctx context.Context, ref models.AccountRef) (models.Account, error)
	Create(ctx context.Context, kind models.AccountKind, arg models.NewAccount) (models.Account, error)
	Save(ctx context.Context, account models.Account) (models.Account, error)
}

type assertionVerifier interface {
	Verify(ctx context.Context, idToken string) (provider.Assertion, error)
}

type loginLimiter interface {
	Check(ctx context.Context, email string) error
	RegisterFailure(ctx context.Context, email string) error
	Reset(ctx context.Context, email string) error
}

type eventPublisher interface {
	Publish(ctx context.Context, event events.Event)
}

// Optional collaborators
// Every nil field gets working default
type Config struct {
	// Hasher for account passwords
	Hasher PasswordHasher

	// Verifier of identity provider assertions
	// Social auth fails with apperrors.ErrProviderUnavailable when not set
	Verifier assertionVerifier

	// Failed login throttle, disabled when not set
	Limiter loginLimiter

	// Account events, dropped when not set
	Publisher eventPublisher
}

type RegisterParams struct {
	Kind            models.AccountKind
	Email           string
	Password        string
	ConfirmPassword string

	Profile      models.Profile
	Practitioner *models.PractitionerProfile
}

// AuthService resolves principals from passwords or provider assertions and opens sessions for them
type AuthService struct {
	tokens    tokenService
	accounts  accountService
	hasher    PasswordHasher
	verifier  assertionVerifier
	limiter   loginLimiter
	publisher eventPublisher
	logger    logger.Logger

	// Hash compared against when account has no password, so failed logins take the same time
	dummyHash     string
	dummyHashOnce sync.Once

	now func() time.Time
}

func NewService(cfg Config, tokens tokenService, accounts accountService, l logger.Logger) (*AuthService, error) {
	if tokens == nil || accounts == nil {
		return nil, errors.New("token and account services must not be nil")
	}

	if cfg.Hasher == nil {
		cfg.Hasher = DefaultHasher
	}
	if cfg.Limiter == nil {
		cfg.Limiter = limiter.Nop{}
	}
	if cfg.Publisher == nil {
		cfg.Publisher = events.Nop{}
	}
	if l == nil {
		l = logger.NewNoOpLogger()
	}

	return &AuthService{
		tokens:    tokens,
		accounts:  accounts,
		hasher:    cfg.Hasher,
		verifier:  cfg.Verifier,
		limiter:   cfg.Limiter,
		publisher: cfg.Publisher,
		logger:    l,
		now:       time.Now,
	}, nil
}

// Errors caused by caller input rather than by the service
func IsClientError(err error) bool {
	for _, target := range []error{
		apperrors.ErrValidation,
		apperrors.ErrAccountAlreadyExists,
		apperrors.ErrAccountNotFound,
		apperrors.ErrAccountInactive,
		apperrors.ErrInvalidCredentials,
		apperrors.ErrTooManyAttempts,
		apperrors.ErrTokenInvalid,
		apperrors.ErrTokenExpired,
		apperrors.ErrRefreshTokenNotFound,
		apperrors.ErrInvalidAssertion,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// Register account with password and open session
func (s *AuthService) Register(ctx context.Context, p RegisterParams) (session models.Session, err error) {
	defer func() { metrics.ObserveAuth(OpRegister, err, IsClientError) }()

	p.Email = models.NormalizeEmail(p.Email)
	switch {
	case p.Email == "" || p.Password == "" || p.ConfirmPassword == "":
		return session, apperrors.NewValidationError("Email, password and password confirmation are required")
	case p.Password != p.ConfirmPassword:
		return session, apperrors.NewValidationError("Passwords do not match")
	case !p.Kind.Valid():
		return session, apperrors.NewValidationError("Unknown account role")
	}

	hash, err := s.hasher.Hash(p.Password)
	if err != nil {
		return session, fmt.Errorf("can't use this as password. Err: %w", err)
	}

	account, err := s.accounts.Create(ctx, p.Kind, models.NewAccount{
		Email:        p.Email,
		PasswordHash: &hash,
		Profile:      p.Profile,
		Practitioner: p.Practitioner,
	})
	if err != nil {
		return session, err
	}
	s.logger.Info("Account registered", "account", account.Ref().String())
	s.publisher.Publish(ctx, events.NewEvent(events.TypeAccountRegistered, account, s.now()))

	return s.open(ctx, account)
}

// Login with email and password
// Unknown email and wrong password are indistinguishable: apperrors.ErrInvalidCredentials
func (s *AuthService) Login(ctx context.Context, email string, password string) (session models.Session, err error) {
	defer func() { metrics.ObserveAuth(OpLogin, err, IsClientError) }()

	email = models.NormalizeEmail(email)
	if email == "" || password == "" {
		return session, apperrors.NewValidationError("Email and password are required")
	}

	if err := s.limiter.Check(ctx, email); err != nil {
		if errors.Is(err, apperrors.ErrTooManyAttempts) {
			return session, err
		}
		s.logger.Warn("Login limiter check failed", "error", err)
	}

	account, err := s.accounts.FindByEmail(ctx, email)
	switch {
	case errors.Is(err, apperrors.ErrAccountNotFound):
		s.compareDummy(password)
		return session, s.loginFailed(ctx, email)
	case err != nil:
		return session, err
	}

	if !account.HasPassword() {
		s.compareDummy(password)
		return session, s.loginFailed(ctx, email)
	}
	if err := s.hasher.Compare(*account.PasswordHash, password); err != nil {
		return session, s.loginFailed(ctx, email)
	}

	if err := s.limiter.Reset(ctx, email); err != nil {
		s.logger.Warn("Login limiter reset failed", "error", err)
	}

	if !account.Active() {
		return session, apperrors.ErrAccountInactive
	}

	return s.open(ctx, account)
}

// Sign in with identity provider assertion
// Resolve by provider subject, then link by verified email, then provision new account of the kind
func (s *AuthService) SocialAuth(ctx context.Context, idToken string, kind models.AccountKind) (session models.Session, err error) {
	defer func() { metrics.ObserveAuth(OpSocial, err, IsClientError) }()

	if !kind.Valid() {
		return session, apperrors.NewValidationError("Unknown account role")
	}
	if s.verifier == nil {
		return session, fmt.Errorf("%w: provider not configured", apperrors.ErrProviderUnavailable)
	}

	assertion, err := s.verifier.Verify(ctx, idToken)
	if err != nil {
		return session, err
	}

	account, err := s.resolveAssertion(ctx, assertion, kind)
	if err != nil {
		return session, err
	}

	if !account.Active() {
		return session, apperrors.ErrAccountInactive
	}

	return s.open(ctx, account)
}

func (s *AuthService) resolveAssertion(ctx context.Context, assertion provider.Assertion, kind models.AccountKind) (models.Account, error) {
	account, err := s.accounts.FindByProviderSubject(ctx, assertion.Subject)
	if !errors.Is(err, apperrors.ErrAccountNotFound) {
		return account, err
	}

	account, err = s.accounts.FindByEmail(ctx, assertion.Email)
	switch {
	case err == nil && !assertion.EmailVerified:
		s.logger.Warn("Refused to link provider identity with unverified email", "account", account.Ref().String())
		return models.Account{}, fmt.Errorf("%w: email not verified", apperrors.ErrInvalidAssertion)
	case err == nil:
		return s.link(ctx, account, assertion.Subject)
	case !errors.Is(err, apperrors.ErrAccountNotFound):
		return account, err
	}

	first, last := assertion.SplitName()
	account, err = s.accounts.Create(ctx, kind, models.NewAccount{
		Email:           assertion.Email,
		ProviderSubject: &assertion.Subject,
		Profile: models.Profile{
			FirstName: first,
			LastName:  last,
			AvatarURL: assertion.Picture,
		},
	})
	if err != nil {
		return account, err
	}

	s.logger.Info("Account provisioned from provider", "account", account.Ref().String())
	s.publisher.Publish(ctx, events.NewEvent(events.TypeAccountRegistered, account, s.now()))
	return account, nil
}

// Write provider subject onto existing account
func (s *AuthService) link(ctx context.Context, account models.Account, subject string) (models.Account, error) {
	if account.ProviderSubject != nil && *account.ProviderSubject != subject {
		s.logger.Warn("Account already linked to other provider identity", "account", account.Ref().String())
		return account, apperrors.ErrAccountAlreadyExists
	}

	account.ProviderSubject = &subject
	account, err := s.accounts.Save(ctx, account)
	if err != nil {
		return account, err
	}

	metrics.ProviderLinksTotal.Inc()
	s.logger.Info("Account linked to provider identity", "account", account.Ref().String())
	s.publisher.Publish(ctx, events.NewEvent(events.TypeAccountLinked, account, s.now()))
	return account, nil
}

// Exchange refresh token for new pair
// Presented token is consumed and can't be used again
func (s *AuthService) Refresh(ctx context.Context, refresh string) (pair models.TokenPair, err error) {
	defer func() { metrics.ObserveAuth(OpRefresh, err, IsClientError) }()

	ref, err := s.tokens.UseRefresh(ctx, refresh)
	if err != nil {
		return pair, err
	}

	account, err := s.accounts.Get(ctx, ref)
	if err != nil {
		return pair, err
	}
	if !account.Active() {
		return pair, apperrors.ErrAccountInactive
	}

	return s.tokens.Issue(ctx, account)
}

// Revoke refresh session of the principal
// Tokens of other accounts are reported as not found
func (s *AuthService) Logout(ctx context.Context, principal models.AccountRef, refresh string) (err error) {
	defer func() { metrics.ObserveAuth(OpLogout, err, IsClientError) }()

	claims, err := s.tokens.ParseRefresh(refresh)
	if err != nil {
		return err
	}
	if owner, err := claims.Ref(); err != nil || owner != principal {
		return apperrors.ErrRefreshTokenNotFound
	}

	return s.tokens.Revoke(ctx, refresh)
}

// Current account without credentials
func (s *AuthService) Me(ctx context.Context, ref models.AccountRef) (models.Account, error) {
	account, err := s.accounts.Get(ctx, ref)
	if err != nil {
		return account, err
	}
	account.PasswordHash = nil
	return account, nil
}

func (s *AuthService) open(ctx context.Context, account models.Account) (models.Session, error) {
	pair, err := s.tokens.Issue(ctx, account)
	if err != nil {
		return models.Session{}, err
	}

	account.PasswordHash = nil
	return models.Session{Account: account, Tokens: pair}, nil
}

func (s *AuthService) loginFailed(ctx context.Context, email string) error {
	if err := s.limiter.RegisterFailure(ctx, email); err != nil {
		s.logger.Warn("Login limiter failure not recorded", "error", err)
	}
	return apperrors.ErrInvalidCredentials
}

func (s *AuthService) compareDummy(password string) {
	s.dummyHashOnce.Do(func() {
		hash, err := s.hasher.Hash(uuid.NewString())
		if err != nil {
			s.logger.Error("Failed to create dummy hash", "error", err)
		}
		s.dummyHash = hash
	})
	_ = s.hasher.Compare(s.dummyHash, password)
}
