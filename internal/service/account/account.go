package account

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/nkiryanov/medhub/internal/apperrors"
	"github.com/nkiryanov/medhub/internal/logger"
	"github.com/nkiryanov/medhub/internal/models"
	"github.com/nkiryanov/medhub/internal/repository"
)

type sessionRevoker interface {
	RevokeAll(ctx context.Context, ref models.AccountRef) (int64, error)
}

type Config struct {
	// Run cross store lookups one by one
	// Required when repository works over single connection, like transaction
	SequentialLookups bool
}

// AccountService resolves accounts across both stores
type AccountService struct {
	lookupLimit int

	repo     repository.AccountRepo
	sessions sessionRevoker
	logger   logger.Logger

	now func() time.Time
}

func NewService(cfg Config, repo repository.AccountRepo, sessions sessionRevoker, l logger.Logger) *AccountService {
	if l == nil {
		l = logger.NewNoOpLogger()
	}

	limit := len(models.AccountKinds)
	if cfg.SequentialLookups {
		limit = 1
	}

	return &AccountService{
		lookupLimit: limit,
		repo:        repo,
		sessions:    sessions,
		logger:      l,
		now:         time.Now,
	}
}

// Run lookup against every kind and wait for all of them before deciding
// No match: apperrors.ErrAccountNotFound
// Match in both stores: apperrors.ErrAccountConflict
func (s *AccountService) resolve(ctx context.Context, lookup func(ctx context.Context, kind models.AccountKind) (models.Account, error)) (models.Account, error) {
	found := make([]*models.Account, len(models.AccountKinds))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.lookupLimit)
	for i, kind := range models.AccountKinds {
		g.Go(func() error {
			account, err := lookup(gctx, kind)
			switch {
			case err == nil:
				found[i] = &account
				return nil
			case errors.Is(err, apperrors.ErrAccountNotFound):
				return nil
			default:
				return fmt.Errorf("lookup in %s store failed: %w", kind, err)
			}
		})
	}
	if err := g.Wait(); err != nil {
		return models.Account{}, err
	}

	var matches []models.Account
	for _, a := range found {
		if a != nil {
			matches = append(matches, *a)
		}
	}

	switch len(matches) {
	case 0:
		return models.Account{}, apperrors.ErrAccountNotFound
	case 1:
		return matches[0], nil
	default:
		s.logger.Error("Account found in more than one store", "first", matches[0].Ref().String(), "second", matches[1].Ref().String())
		return models.Account{}, apperrors.ErrAccountConflict
	}
}

func (s *AccountService) FindByEmail(ctx context.Context, email string) (models.Account, error) {
	email = models.NormalizeEmail(email)
	return s.resolve(ctx, func(ctx context.Context, kind models.AccountKind) (models.Account, error) {
		return s.repo.GetByEmail(ctx, kind, email)
	})
}

func (s *AccountService) FindByProviderSubject(ctx context.Context, subject string) (models.Account, error) {
	return s.resolve(ctx, func(ctx context.Context, kind models.AccountKind) (models.Account, error) {
		return s.repo.GetByProviderSubject(ctx, kind, subject)
	})
}

func (s *AccountService) FindByID(ctx context.Context, id uuid.UUID) (models.Account, error) {
	return s.resolve(ctx, func(ctx context.Context, kind models.AccountKind) (models.Account, error) {
		return s.repo.Get(ctx, models.AccountRef{Kind: kind, ID: id})
	})
}

func (s *AccountService) Get(ctx context.Context, ref models.AccountRef) (models.Account, error) {
	return s.repo.Get(ctx, ref)
}

// Email must be free in both stores, store constraints back the check up
func (s *AccountService) Create(ctx context.Context, kind models.AccountKind, arg models.NewAccount) (models.Account, error) {
	if !kind.Valid() {
		return models.Account{}, apperrors.NewValidationError("unknown account kind")
	}
	arg.Email = models.NormalizeEmail(arg.Email)
	if kind != models.KindPractitioner {
		arg.Practitioner = nil
	}
	if err := validatePractitioner(arg.Practitioner); err != nil {
		return models.Account{}, err
	}

	_, err := s.FindByEmail(ctx, arg.Email)
	switch {
	case err == nil:
		return models.Account{}, apperrors.ErrAccountAlreadyExists
	case !errors.Is(err, apperrors.ErrAccountNotFound):
		return models.Account{}, err
	}

	account, err := s.repo.Create(ctx, kind, arg)
	if err != nil {
		return account, fmt.Errorf("can't create account. Err: %w", err)
	}

	return account, nil
}

func (s *AccountService) Save(ctx context.Context, account models.Account) (models.Account, error) {
	if err := validatePractitioner(account.Practitioner); err != nil {
		return account, err
	}

	saved, err := s.repo.Save(ctx, account)
	if err != nil {
		return saved, fmt.Errorf("can't save account. Err: %w", err)
	}
	return saved, nil
}

// Deactivate account and drop its refresh sessions
// Access tokens already issued stay valid until expiry
func (s *AccountService) Deactivate(ctx context.Context, ref models.AccountRef) (models.Account, error) {
	account, err := s.repo.Get(ctx, ref)
	if err != nil {
		return account, err
	}

	now := s.now().UTC()
	account.IsActive = false
	account.DeactivatedAt = &now

	account, err = s.Save(ctx, account)
	if err != nil {
		return account, err
	}

	revoked, err := s.sessions.RevokeAll(ctx, ref)
	if err != nil {
		return account, err
	}

	s.logger.Info("Account deactivated", "account", ref.String(), "revoked_sessions", revoked)
	return account, nil
}

func (s *AccountService) Reactivate(ctx context.Context, ref models.AccountRef) (models.Account, error) {
	account, err := s.repo.Get(ctx, ref)
	if err != nil {
		return account, err
	}

	if account.Active() {
		return account, apperrors.ErrAccountAlreadyActive
	}

	account.IsActive = true
	account.DeactivatedAt = nil

	account, err = s.Save(ctx, account)
	if err != nil {
		return account, err
	}

	s.logger.Info("Account reactivated", "account", ref.String())
	return account, nil
}

// Consultation fee is stored as NUMERIC(12, 2)
var maxConsultationFee = decimal.New(1, 10)

func validatePractitioner(p *models.PractitionerProfile) error {
	switch {
	case p == nil:
		return nil
	case p.ExperienceYears < 0:
		return apperrors.NewValidationError("Experience years must not be negative")
	case p.ConsultationFee.IsNegative():
		return apperrors.NewValidationError("Consultation fee must not be negative")
	case p.ConsultationFee.Round(2).GreaterThanOrEqual(maxConsultationFee):
		return apperrors.NewValidationError("Consultation fee is too large")
	}
	return nil
}
