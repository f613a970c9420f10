package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// AccountKind selects the store an account lives in
type AccountKind string

const (
	KindStandard     AccountKind = "standard"
	KindPractitioner AccountKind = "practitioner"
)

// Roles are fixed by kind at creation time
const (
	RoleUser   = "user"
	RoleDoctor = "doctor"
)

// All known kinds. Lookups that are not scoped to a kind visit them in this order.
var AccountKinds = []AccountKind{KindStandard, KindPractitioner}

func (k AccountKind) Valid() bool {
	return k == KindStandard || k == KindPractitioner
}

// Role attached to every account of the kind
func (k AccountKind) Role() string {
	if k == KindPractitioner {
		return RoleDoctor
	}
	return RoleUser
}

// ParseKind accepts either a kind name or a role name
// Empty value means standard account
func ParseKind(value string) (AccountKind, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", string(KindStandard), RoleUser:
		return KindStandard, nil
	case string(KindPractitioner), RoleDoctor:
		return KindPractitioner, nil
	default:
		return "", fmt.Errorf("unknown account kind %q", value)
	}
}

// Reference to account in one of the stores
// Ids are only unique inside a kind, so the kind always travels with them
type AccountRef struct {
	Kind AccountKind `json:"kind"`
	ID   uuid.UUID   `json:"id"`
}

func (r AccountRef) String() string {
	return string(r.Kind) + ":" + r.ID.String()
}

type Profile struct {
	FirstName   string     `json:"firstName"`
	LastName    string     `json:"lastName"`
	Phone       string     `json:"phone,omitempty"`
	Gender      string     `json:"gender,omitempty"`
	DateOfBirth *time.Time `json:"dob,omitempty"`
	Alias       string     `json:"alias,omitempty"`
	IsAnonymous bool       `json:"isAnonymous"`
	AvatarURL   string     `json:"avatar,omitempty"`

	// Standard accounts only
	BloodGroup string `json:"bloodGroup,omitempty"`
}

// Practitioner only profile fields
type PractitionerProfile struct {
	Specialization  string          `json:"specialization,omitempty"`
	Qualifications  []string        `json:"qualifications,omitempty"`
	ExperienceYears int             `json:"experienceYears,omitempty"`
	Bio             string          `json:"bio,omitempty"`
	ConsultationFee decimal.Decimal `json:"consultationFee"`
}

type Account struct {
	ID        uuid.UUID   `json:"id"`
	Kind      AccountKind `json:"kind"`
	Role      string      `json:"role"`
	CreatedAt time.Time   `json:"createdAt"`
	UpdatedAt time.Time   `json:"updatedAt"`

	Email           string  `json:"email"`
	ProviderSubject *string `json:"-"`
	PasswordHash    *string `json:"-"` // nil for provider provisioned accounts

	IsActive      bool       `json:"isActive"`
	DeactivatedAt *time.Time `json:"deactivatedAt,omitempty"`

	Profile
	Practitioner *PractitionerProfile `json:"practitioner,omitempty"`
}

func (a Account) Ref() AccountRef {
	return AccountRef{Kind: a.Kind, ID: a.ID}
}

func (a Account) Active() bool {
	return a.IsActive && a.DeactivatedAt == nil
}

func (a Account) HasPassword() bool {
	return a.PasswordHash != nil && *a.PasswordHash != ""
}

func (a Account) DisplayName() string {
	if a.IsAnonymous && a.Alias != "" {
		return a.Alias
	}
	return strings.TrimSpace(a.FirstName + " " + a.LastName)
}

// Data to create new account
type NewAccount struct {
	Email           string
	PasswordHash    *string
	ProviderSubject *string
	Profile         Profile
	Practitioner    *PractitionerProfile
}

// NormalizeEmail is applied to every email before it reaches a store
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
