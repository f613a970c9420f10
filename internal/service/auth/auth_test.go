package auth

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/nkiryanov/medhub/internal/apperrors"
	"github.com/nkiryanov/medhub/internal/models"
	"github.com/nkiryanov/medhub/internal/repository/postgres"
	"github.com/nkiryanov/medhub/internal/service/account"
	"github.com/nkiryanov/medhub/internal/service/auth/tokenmanager"
	"github.com/nkiryanov/medhub/internal/service/events"
	"github.com/nkiryanov/medhub/internal/service/limiter"
	"github.com/nkiryanov/medhub/internal/service/provider"
	"github.com/nkiryanov/medhub/internal/testutil"
)

type verifierFunc func(ctx context.Context, idToken string) (provider.Assertion, error)

func (f verifierFunc) Verify(ctx context.Context, idToken string) (provider.Assertion, error) {
	return f(ctx, idToken)
}

// Accepts assertions in form of provider subject, every subject has the same verified email
func staticVerifier(email string) verifierFunc {
	return func(_ context.Context, idToken string) (provider.Assertion, error) {
		if idToken == "bad" {
			return provider.Assertion{}, apperrors.ErrInvalidAssertion
		}
		return provider.Assertion{Subject: idToken, Email: email, EmailVerified: true, Name: "Jane Doe", Picture: "https://example.com/jane.png"}, nil
	}
}

// Same as staticVerifier but provider did not confirm the email
func unverifiedVerifier(email string) verifierFunc {
	return func(ctx context.Context, idToken string) (provider.Assertion, error) {
		a, err := staticVerifier(email)(ctx, idToken)
		a.EmailVerified = false
		return a, err
	}
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, event events.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	types := make([]string, 0, len(p.events))
	for _, e := range p.events {
		types = append(types, e.Type)
	}
	return types
}

type env struct {
	auth     *AuthService
	tokens   *tokenmanager.TokenManager
	accounts *account.AccountService
}

func register(t *testing.T, s *AuthService, kind models.AccountKind, email string, password string) models.Session {
	t.Helper()

	session, err := s.Register(t.Context(), RegisterParams{
		Kind:            kind,
		Email:           email,
		Password:        password,
		ConfirmPassword: password,
		Profile:         models.Profile{FirstName: "Jane", LastName: "Doe"},
	})
	require.NoError(t, err)
	return session
}

func Test_AuthService(t *testing.T) {
	t.Parallel()

	pg := testutil.StartPostgresContainer(t)
	t.Cleanup(pg.Terminate)

	hasher := BcryptHasher{Cost: bcrypt.MinCost}

	// Begin new db transaction and create services over it
	// Rollback transaction when test stops
	withTx := func(t *testing.T, cfg Config, fn func(e env)) {
		testutil.WithTx(pg.Pool, t, func(tx pgx.Tx) {
			tokens, err := tokenmanager.New(
				tokenmanager.Config{AccessSecret: "access-secret", RefreshSecret: "refresh-secret"},
				hasher,
				&postgres.RefreshTokenRepo{DB: tx},
			)
			require.NoError(t, err)

			accounts := account.NewService(account.Config{SequentialLookups: true}, &postgres.AccountRepo{DB: tx}, tokens, nil)

			if cfg.Hasher == nil {
				cfg.Hasher = hasher
			}
			s, err := NewService(cfg, tokens, accounts, nil)
			require.NoError(t, err)

			fn(env{auth: s, tokens: tokens, accounts: accounts})
		})
	}

	t.Run("new auth service defaults", func(t *testing.T) {
		s, err := NewService(Config{}, &tokenmanager.TokenManager{}, &account.AccountService{}, nil)
		require.NoError(t, err)

		require.Equal(t, DefaultHasher, s.hasher)
		require.Equal(t, limiter.Nop{}, s.limiter)
		require.Equal(t, events.Nop{}, s.publisher)
		require.Nil(t, s.verifier)
	})

	t.Run("new auth service requires collaborators", func(t *testing.T) {
		_, err := NewService(Config{}, nil, nil, nil)

		require.Error(t, err)
	})

	t.Run("Register", func(t *testing.T) {
		t.Run("new account ok", func(t *testing.T) {
			publisher := &recordingPublisher{}
			withTx(t, Config{Publisher: publisher}, func(e env) {
				session, err := e.auth.Register(t.Context(), RegisterParams{
					Kind:            models.KindPractitioner,
					Email:           " Doc@Example.com",
					Password:        "pwd",
					ConfirmPassword: "pwd",
					Profile:         models.Profile{FirstName: "Gregory", LastName: "House"},
					Practitioner:    &models.PractitionerProfile{Specialization: "Diagnostics"},
				})
				require.NoError(t, err)

				assert.Equal(t, "doc@example.com", session.Account.Email)
				assert.Equal(t, models.RoleDoctor, session.Account.Role)
				assert.Nil(t, session.Account.PasswordHash, "hash must not leave service")
				require.NotNil(t, session.Account.Practitioner)
				assert.Equal(t, "Diagnostics", session.Account.Practitioner.Specialization)

				claims, err := e.tokens.ParseAccess(session.Tokens.Access.Value)
				require.NoError(t, err)
				assert.Equal(t, session.Account.ID.String(), claims.Subject)
				assert.Equal(t, models.RoleDoctor, claims.Role)
				assert.Equal(t, "Gregory House", claims.Name)

				assert.Equal(t, []string{events.TypeAccountRegistered}, publisher.types())
			})
		})

		t.Run("fail if email taken by other kind", func(t *testing.T) {
			withTx(t, Config{}, func(e env) {
				register(t, e.auth, models.KindStandard, "jane@example.com", "pwd")

				_, err := e.auth.Register(t.Context(), RegisterParams{
					Kind:            models.KindPractitioner,
					Email:           "JANE@example.com",
					Password:        "other",
					ConfirmPassword: "other",
				})

				require.ErrorIs(t, err, apperrors.ErrAccountAlreadyExists)
			})
		})

		tests := []struct {
			name   string
			params RegisterParams
		}{
			{"no email", RegisterParams{Kind: models.KindStandard, Password: "pwd", ConfirmPassword: "pwd"}},
			{"no password", RegisterParams{Kind: models.KindStandard, Email: "jane@example.com"}},
			{"no confirmation", RegisterParams{Kind: models.KindStandard, Email: "jane@example.com", Password: "pwd"}},
			{"passwords differ", RegisterParams{Kind: models.KindStandard, Email: "jane@example.com", Password: "pwd", ConfirmPassword: "other"}},
			{"unknown kind", RegisterParams{Kind: "admin", Email: "jane@example.com", Password: "pwd", ConfirmPassword: "pwd"}},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				withTx(t, Config{}, func(e env) {
					_, err := e.auth.Register(t.Context(), tt.params)

					require.ErrorIs(t, err, apperrors.ErrValidation)
				})
			})
		}
	})

	t.Run("Login", func(t *testing.T) {
		t.Run("existing account ok", func(t *testing.T) {
			withTx(t, Config{}, func(e env) {
				registered := register(t, e.auth, models.KindStandard, "jane@example.com", "pwd")

				session, err := e.auth.Login(t.Context(), "Jane@Example.com ", "pwd")
				require.NoError(t, err)

				claims, err := e.tokens.ParseAccess(session.Tokens.Access.Value)
				require.NoError(t, err)
				assert.Equal(t, registered.Account.ID.String(), claims.Subject)
				assert.Equal(t, models.RoleUser, claims.Role)
			})
		})

		t.Run("unknown email and wrong password are indistinguishable", func(t *testing.T) {
			withTx(t, Config{}, func(e env) {
				register(t, e.auth, models.KindStandard, "jane@example.com", "pwd")

				_, wrongPassword := e.auth.Login(t.Context(), "jane@example.com", "wrong")
				_, unknownEmail := e.auth.Login(t.Context(), "nobody@example.com", "pwd")

				require.ErrorIs(t, wrongPassword, apperrors.ErrInvalidCredentials)
				require.ErrorIs(t, unknownEmail, apperrors.ErrInvalidCredentials)
				require.Equal(t, wrongPassword.Error(), unknownEmail.Error())
			})
		})

		t.Run("account without password can't login with password", func(t *testing.T) {
			withTx(t, Config{Verifier: staticVerifier("jane@example.com")}, func(e env) {
				_, err := e.auth.SocialAuth(t.Context(), "provider-uid", models.KindStandard)
				require.NoError(t, err)

				_, err = e.auth.Login(t.Context(), "jane@example.com", "")
				require.ErrorIs(t, err, apperrors.ErrValidation)

				_, err = e.auth.Login(t.Context(), "jane@example.com", "anything")
				require.ErrorIs(t, err, apperrors.ErrInvalidCredentials)
			})
		})

		t.Run("inactive account fails only with right password", func(t *testing.T) {
			withTx(t, Config{}, func(e env) {
				registered := register(t, e.auth, models.KindStandard, "jane@example.com", "pwd")
				_, err := e.accounts.Deactivate(t.Context(), registered.Account.Ref())
				require.NoError(t, err)

				_, err = e.auth.Login(t.Context(), "jane@example.com", "wrong")
				require.ErrorIs(t, err, apperrors.ErrInvalidCredentials)

				_, err = e.auth.Login(t.Context(), "jane@example.com", "pwd")
				require.ErrorIs(t, err, apperrors.ErrAccountInactive)

				_, err = e.accounts.Reactivate(t.Context(), registered.Account.Ref())
				require.NoError(t, err)

				_, err = e.auth.Login(t.Context(), "jane@example.com", "pwd")
				require.NoError(t, err)
			})
		})

		t.Run("too many failed attempts", func(t *testing.T) {
			_, client := testutil.StartRedis(t)
			l := limiter.New(client, limiter.Config{MaxAttempts: 2, Cooldown: time.Minute})

			withTx(t, Config{Limiter: l}, func(e env) {
				register(t, e.auth, models.KindStandard, "jane@example.com", "pwd")

				for range 2 {
					_, err := e.auth.Login(t.Context(), "jane@example.com", "wrong")
					require.ErrorIs(t, err, apperrors.ErrInvalidCredentials)
				}

				_, err := e.auth.Login(t.Context(), "jane@example.com", "pwd")

				require.ErrorIs(t, err, apperrors.ErrTooManyAttempts)
			})
		})

		t.Run("successful login resets failed attempts", func(t *testing.T) {
			_, client := testutil.StartRedis(t)
			l := limiter.New(client, limiter.Config{MaxAttempts: 2, Cooldown: time.Minute})

			withTx(t, Config{Limiter: l}, func(e env) {
				register(t, e.auth, models.KindStandard, "jane@example.com", "pwd")

				_, err := e.auth.Login(t.Context(), "jane@example.com", "wrong")
				require.ErrorIs(t, err, apperrors.ErrInvalidCredentials)
				_, err = e.auth.Login(t.Context(), "jane@example.com", "pwd")
				require.NoError(t, err)
				_, err = e.auth.Login(t.Context(), "jane@example.com", "wrong")
				require.ErrorIs(t, err, apperrors.ErrInvalidCredentials)

				_, err = e.auth.Login(t.Context(), "jane@example.com", "pwd")

				require.NoError(t, err)
			})
		})
	})

	t.Run("SocialAuth", func(t *testing.T) {
		t.Run("provision new account", func(t *testing.T) {
			publisher := &recordingPublisher{}
			withTx(t, Config{Verifier: staticVerifier("doc@example.com"), Publisher: publisher}, func(e env) {
				session, err := e.auth.SocialAuth(t.Context(), "provider-uid", models.KindPractitioner)
				require.NoError(t, err)

				assert.Equal(t, models.KindPractitioner, session.Account.Kind)
				assert.Equal(t, models.RoleDoctor, session.Account.Role)
				assert.Equal(t, "Jane", session.Account.FirstName)
				assert.Equal(t, "Doe", session.Account.LastName)
				assert.Equal(t, "https://example.com/jane.png", session.Account.AvatarURL)
				assert.NotEmpty(t, session.Tokens.Access.Value)
				assert.Equal(t, []string{events.TypeAccountRegistered}, publisher.types())

				again, err := e.auth.SocialAuth(t.Context(), "provider-uid", models.KindStandard)
				require.NoError(t, err)
				assert.Equal(t, session.Account.Ref(), again.Account.Ref(), "repeat login must resolve the same account")
			})
		})

		t.Run("link existing password account", func(t *testing.T) {
			publisher := &recordingPublisher{}
			withTx(t, Config{Verifier: staticVerifier("jane@example.com"), Publisher: publisher}, func(e env) {
				registered := register(t, e.auth, models.KindStandard, "jane@example.com", "pwd")

				linked, err := e.auth.SocialAuth(t.Context(), "provider-uid", models.KindPractitioner)
				require.NoError(t, err)
				assert.Equal(t, registered.Account.Ref(), linked.Account.Ref(), "must link, not create")

				again, err := e.auth.SocialAuth(t.Context(), "provider-uid", models.KindPractitioner)
				require.NoError(t, err)
				assert.Equal(t, registered.Account.Ref(), again.Account.Ref())

				_, err = e.auth.Login(t.Context(), "jane@example.com", "pwd")
				require.NoError(t, err, "password keeps working after link")

				assert.Equal(t, []string{events.TypeAccountRegistered, events.TypeAccountLinked}, publisher.types())
			})
		})

		t.Run("unverified email not linked to existing account", func(t *testing.T) {
			publisher := &recordingPublisher{}
			withTx(t, Config{Verifier: unverifiedVerifier("jane@example.com"), Publisher: publisher}, func(e env) {
				registered := register(t, e.auth, models.KindStandard, "jane@example.com", "pwd")

				_, err := e.auth.SocialAuth(t.Context(), "provider-uid", models.KindStandard)
				require.ErrorIs(t, err, apperrors.ErrInvalidAssertion)

				account, err := e.auth.Me(t.Context(), registered.Account.Ref())
				require.NoError(t, err)
				assert.Nil(t, account.ProviderSubject, "provider subject must not be written")
				assert.Equal(t, []string{events.TypeAccountRegistered}, publisher.types())
			})
		})

		t.Run("unverified email provisions new account", func(t *testing.T) {
			withTx(t, Config{Verifier: unverifiedVerifier("doc@example.com")}, func(e env) {
				session, err := e.auth.SocialAuth(t.Context(), "provider-uid", models.KindPractitioner)
				require.NoError(t, err)

				assert.Equal(t, "doc@example.com", session.Account.Email)
			})
		})

		t.Run("fail if email linked to other provider identity", func(t *testing.T) {
			withTx(t, Config{Verifier: staticVerifier("jane@example.com")}, func(e env) {
				_, err := e.auth.SocialAuth(t.Context(), "first-uid", models.KindStandard)
				require.NoError(t, err)

				_, err = e.auth.SocialAuth(t.Context(), "second-uid", models.KindStandard)

				require.ErrorIs(t, err, apperrors.ErrAccountAlreadyExists)
			})
		})

		t.Run("fail if assertion invalid", func(t *testing.T) {
			withTx(t, Config{Verifier: staticVerifier("jane@example.com")}, func(e env) {
				_, err := e.auth.SocialAuth(t.Context(), "bad", models.KindStandard)

				require.ErrorIs(t, err, apperrors.ErrInvalidAssertion)
			})
		})

		t.Run("fail if account inactive", func(t *testing.T) {
			withTx(t, Config{Verifier: staticVerifier("jane@example.com")}, func(e env) {
				registered := register(t, e.auth, models.KindStandard, "jane@example.com", "pwd")
				_, err := e.accounts.Deactivate(t.Context(), registered.Account.Ref())
				require.NoError(t, err)

				_, err = e.auth.SocialAuth(t.Context(), "provider-uid", models.KindStandard)

				require.ErrorIs(t, err, apperrors.ErrAccountInactive)
			})
		})

		t.Run("fail if provider not configured", func(t *testing.T) {
			withTx(t, Config{}, func(e env) {
				_, err := e.auth.SocialAuth(t.Context(), "provider-uid", models.KindStandard)

				require.ErrorIs(t, err, apperrors.ErrProviderUnavailable)
			})
		})
	})

	t.Run("Refresh", func(t *testing.T) {
		t.Run("refresh once ok", func(t *testing.T) {
			withTx(t, Config{}, func(e env) {
				registered := register(t, e.auth, models.KindStandard, "jane@example.com", "pwd")

				pair, err := e.auth.Refresh(t.Context(), registered.Tokens.Refresh.Value)
				require.NoError(t, err)

				require.NotEqual(t, registered.Tokens.Refresh.Value, pair.Refresh.Value)
				claims, err := e.tokens.ParseAccess(pair.Access.Value)
				require.NoError(t, err)
				assert.Equal(t, registered.Account.ID.String(), claims.Subject)
			})
		})

		t.Run("fail if used twice", func(t *testing.T) {
			withTx(t, Config{}, func(e env) {
				registered := register(t, e.auth, models.KindStandard, "jane@example.com", "pwd")
				_, err := e.auth.Refresh(t.Context(), registered.Tokens.Refresh.Value)
				require.NoError(t, err)

				_, err = e.auth.Refresh(t.Context(), registered.Tokens.Refresh.Value)

				require.ErrorIs(t, err, apperrors.ErrRefreshTokenNotFound)
			})
		})

		t.Run("fail with access token", func(t *testing.T) {
			withTx(t, Config{}, func(e env) {
				registered := register(t, e.auth, models.KindStandard, "jane@example.com", "pwd")

				_, err := e.auth.Refresh(t.Context(), registered.Tokens.Access.Value)

				require.ErrorIs(t, err, apperrors.ErrTokenInvalid)
			})
		})

		t.Run("fail if account inactive", func(t *testing.T) {
			withTx(t, Config{}, func(e env) {
				registered := register(t, e.auth, models.KindStandard, "jane@example.com", "pwd")
				acc, err := e.accounts.Get(t.Context(), registered.Account.Ref())
				require.NoError(t, err)
				acc.IsActive = false
				_, err = e.accounts.Save(t.Context(), acc)
				require.NoError(t, err)

				_, err = e.auth.Refresh(t.Context(), registered.Tokens.Refresh.Value)

				require.ErrorIs(t, err, apperrors.ErrAccountInactive)
			})
		})

		t.Run("fail after deactivation", func(t *testing.T) {
			withTx(t, Config{}, func(e env) {
				registered := register(t, e.auth, models.KindStandard, "jane@example.com", "pwd")
				_, err := e.accounts.Deactivate(t.Context(), registered.Account.Ref())
				require.NoError(t, err)

				_, err = e.auth.Refresh(t.Context(), registered.Tokens.Refresh.Value)

				require.ErrorIs(t, err, apperrors.ErrRefreshTokenNotFound, "deactivation revokes sessions")
			})
		})
	})

	t.Run("Logout", func(t *testing.T) {
		t.Run("logout once ok", func(t *testing.T) {
			withTx(t, Config{}, func(e env) {
				registered := register(t, e.auth, models.KindStandard, "jane@example.com", "pwd")

				err := e.auth.Logout(t.Context(), registered.Account.Ref(), registered.Tokens.Refresh.Value)
				require.NoError(t, err)

				err = e.auth.Logout(t.Context(), registered.Account.Ref(), registered.Tokens.Refresh.Value)
				require.ErrorIs(t, err, apperrors.ErrRefreshTokenNotFound)

				_, err = e.tokens.ParseAccess(registered.Tokens.Access.Value)
				require.NoError(t, err, "access token stays valid until expiry")
			})
		})

		t.Run("fail for token of other account", func(t *testing.T) {
			withTx(t, Config{}, func(e env) {
				jane := register(t, e.auth, models.KindStandard, "jane@example.com", "pwd")
				john := register(t, e.auth, models.KindStandard, "john@example.com", "pwd")

				err := e.auth.Logout(t.Context(), john.Account.Ref(), jane.Tokens.Refresh.Value)
				require.ErrorIs(t, err, apperrors.ErrRefreshTokenNotFound)

				_, err = e.auth.Refresh(t.Context(), jane.Tokens.Refresh.Value)
				require.NoError(t, err, "session of other account must survive")
			})
		})
	})

	t.Run("Me", func(t *testing.T) {
		withTx(t, Config{}, func(e env) {
			registered := register(t, e.auth, models.KindStandard, "jane@example.com", "pwd")

			me, err := e.auth.Me(t.Context(), registered.Account.Ref())

			require.NoError(t, err)
			assert.Equal(t, registered.Account.ID, me.ID)
			assert.Nil(t, me.PasswordHash)
		})
	})
}
