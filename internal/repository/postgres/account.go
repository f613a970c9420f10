package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"github.com/nkiryanov/medhub/internal/apperrors"
	"github.com/nkiryanov/medhub/internal/models"
)

// Columns shared by both account tables, in scan order
var commonColumns = []string{
	"id", "created_at", "updated_at", "email", "provider_subject", "password_hash", "role",
	"is_active", "deactivated_at",
	"first_name", "last_name", "phone", "gender", "date_of_birth", "alias", "is_anonymous", "avatar_url",
}

var insertColumns = []string{
	"id", "email", "provider_subject", "password_hash", "role",
	"first_name", "last_name", "phone", "gender", "date_of_birth", "alias", "is_anonymous", "avatar_url",
}

var updateColumns = []string{
	"provider_subject", "password_hash", "is_active", "deactivated_at",
	"first_name", "last_name", "phone", "gender", "date_of_birth", "alias", "is_anonymous", "avatar_url",
}

// Store of one account kind
type accountTable struct {
	kind    models.AccountKind
	name    string
	columns []string // kind specific columns

	// Values for kind specific columns in 'columns' order
	args func(p models.Profile, pr *models.PractitionerProfile) []any
	// Scan destinations for kind specific columns in 'columns' order
	dest func(a *models.Account) []any

	create       string
	get          string
	getByEmail   string
	getBySubject string
	save         string
}

var accountTables = map[models.AccountKind]*accountTable{
	models.KindStandard: newAccountTable(models.KindStandard, "standard_accounts",
		[]string{"blood_group"},
		func(p models.Profile, _ *models.PractitionerProfile) []any {
			return []any{p.BloodGroup}
		},
		func(a *models.Account) []any {
			return []any{&a.BloodGroup}
		},
	),
	models.KindPractitioner: newAccountTable(models.KindPractitioner, "practitioner_accounts",
		[]string{"specialization", "qualifications", "experience_years", "bio", "consultation_fee"},
		func(_ models.Profile, pr *models.PractitionerProfile) []any {
			if pr == nil {
				pr = &models.PractitionerProfile{}
			}
			qualifications := pr.Qualifications
			if qualifications == nil {
				qualifications = []string{}
			}
			return []any{pr.Specialization, qualifications, pr.ExperienceYears, pr.Bio, pr.ConsultationFee}
		},
		func(a *models.Account) []any {
			a.Practitioner = &models.PractitionerProfile{ConsultationFee: decimal.Zero}
			pr := a.Practitioner
			return []any{&pr.Specialization, &pr.Qualifications, &pr.ExperienceYears, &pr.Bio, &pr.ConsultationFee}
		},
	),
}

func newAccountTable(
	kind models.AccountKind,
	name string,
	columns []string,
	args func(models.Profile, *models.PractitionerProfile) []any,
	dest func(*models.Account) []any,
) *accountTable {
	t := &accountTable{kind: kind, name: name, columns: columns, args: args, dest: dest}

	selectList := strings.Join(append(append([]string{}, commonColumns...), columns...), ", ")

	inserts := append(append([]string{}, insertColumns...), columns...)
	placeholders := make([]string, len(inserts))
	for i := range inserts {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}

	// $1 is id, the rest follows the column list
	updates := append(append([]string{}, updateColumns...), columns...)
	sets := make([]string, len(updates))
	for i, col := range updates {
		sets[i] = fmt.Sprintf("%s = $%d", col, i+2)
	}

	t.create = fmt.Sprintf(`-- name: Create %[1]s account
WITH identity AS (
	INSERT INTO account_identities (email, provider_subject, account_kind, account_id)
	VALUES ($2, $3, '%[1]s', $1)
)
INSERT INTO %[2]s (%[3]s)
VALUES (%[4]s)
RETURNING %[5]s
`, kind, name, strings.Join(inserts, ", "), strings.Join(placeholders, ", "), selectList)

	t.get = fmt.Sprintf(`-- name: Get %[1]s account by id
SELECT %[2]s FROM %[3]s
WHERE id = $1
`, kind, selectList, name)

	t.getByEmail = fmt.Sprintf(`-- name: Get %[1]s account by email
SELECT %[2]s FROM %[3]s
WHERE email = $1
`, kind, selectList, name)

	t.getBySubject = fmt.Sprintf(`-- name: Get %[1]s account by provider subject
SELECT %[2]s FROM %[3]s
WHERE provider_subject = $1
`, kind, selectList, name)

	t.save = fmt.Sprintf(`-- name: Save %[1]s account
WITH identity AS (
	UPDATE account_identities
	SET provider_subject = $2
	WHERE account_kind = '%[1]s' AND account_id = $1
)
UPDATE %[2]s
SET updated_at = NOW(), %[3]s
WHERE id = $1
RETURNING %[4]s
`, kind, name, strings.Join(sets, ", "), selectList)

	return t
}

func (t *accountTable) rowTo(row pgx.CollectableRow) (models.Account, error) {
	a := models.Account{Kind: t.kind}
	dest := []any{
		&a.ID, &a.CreatedAt, &a.UpdatedAt, &a.Email, &a.ProviderSubject, &a.PasswordHash, &a.Role,
		&a.IsActive, &a.DeactivatedAt,
		&a.FirstName, &a.LastName, &a.Phone, &a.Gender, &a.DateOfBirth, &a.Alias, &a.IsAnonymous, &a.AvatarURL,
	}
	dest = append(dest, t.dest(&a)...)

	err := row.Scan(dest...)
	return a, err
}

type AccountRepo struct {
	DB DBTX
}

func tableFor(kind models.AccountKind) (*accountTable, error) {
	t, ok := accountTables[kind]
	if !ok {
		return nil, fmt.Errorf("unknown account kind %q", kind)
	}
	return t, nil
}

func (r *AccountRepo) Create(ctx context.Context, kind models.AccountKind, arg models.NewAccount) (models.Account, error) {
	t, err := tableFor(kind)
	if err != nil {
		return models.Account{}, err
	}

	p := arg.Profile
	args := []any{
		uuid.New(), arg.Email, arg.ProviderSubject, arg.PasswordHash, kind.Role(),
		p.FirstName, p.LastName, p.Phone, p.Gender, p.DateOfBirth, p.Alias, p.IsAnonymous, p.AvatarURL,
	}
	args = append(args, t.args(p, arg.Practitioner)...)

	rows, _ := r.DB.Query(ctx, t.create, args...)
	account, err := pgx.CollectOneRow(rows, t.rowTo)

	if err != nil {
		var pgErr *pgconn.PgError
		switch {
		case errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation:
			return account, apperrors.ErrAccountAlreadyExists
		case errors.As(err, &pgErr) && pgErr.Code == pgerrcode.CheckViolation:
			return account, apperrors.NewValidationError("Account data is out of allowed range")
		}

		return account, fmt.Errorf("db error: %w", err)
	}

	return account, nil
}

func (r *AccountRepo) Get(ctx context.Context, ref models.AccountRef) (models.Account, error) {
	t, err := tableFor(ref.Kind)
	if err != nil {
		return models.Account{}, err
	}

	return r.getOne(ctx, t, t.get, ref.ID)
}

func (r *AccountRepo) GetByEmail(ctx context.Context, kind models.AccountKind, email string) (models.Account, error) {
	t, err := tableFor(kind)
	if err != nil {
		return models.Account{}, err
	}

	return r.getOne(ctx, t, t.getByEmail, email)
}

func (r *AccountRepo) GetByProviderSubject(ctx context.Context, kind models.AccountKind, subject string) (models.Account, error) {
	t, err := tableFor(kind)
	if err != nil {
		return models.Account{}, err
	}

	return r.getOne(ctx, t, t.getBySubject, subject)
}

func (r *AccountRepo) getOne(ctx context.Context, t *accountTable, query string, arg any) (models.Account, error) {
	rows, _ := r.DB.Query(ctx, query, arg)
	account, err := pgx.CollectOneRow(rows, t.rowTo)

	switch {
	case err == nil:
		return account, nil
	case errors.Is(err, pgx.ErrNoRows):
		return account, apperrors.ErrAccountNotFound
	default:
		return account, fmt.Errorf("db error: %w", err)
	}
}

func (r *AccountRepo) Save(ctx context.Context, a models.Account) (models.Account, error) {
	t, err := tableFor(a.Kind)
	if err != nil {
		return models.Account{}, err
	}

	p := a.Profile
	args := []any{
		a.ID, a.ProviderSubject, a.PasswordHash, a.IsActive, a.DeactivatedAt,
		p.FirstName, p.LastName, p.Phone, p.Gender, p.DateOfBirth, p.Alias, p.IsAnonymous, p.AvatarURL,
	}
	args = append(args, t.args(p, a.Practitioner)...)

	rows, _ := r.DB.Query(ctx, t.save, args...)
	saved, err := pgx.CollectOneRow(rows, t.rowTo)

	var pgErr *pgconn.PgError
	switch {
	case err == nil:
		return saved, nil
	case errors.Is(err, pgx.ErrNoRows):
		return saved, apperrors.ErrAccountNotFound
	case errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation:
		return saved, apperrors.ErrAccountAlreadyExists
	case errors.As(err, &pgErr) && pgErr.Code == pgerrcode.CheckViolation:
		return saved, apperrors.NewValidationError("Account data is out of allowed range")
	default:
		return saved, fmt.Errorf("db error: %w", err)
	}
}
