package tokenmanager

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nkiryanov/medhub/internal/apperrors"
	"github.com/nkiryanov/medhub/internal/models"
	"github.com/nkiryanov/medhub/internal/repository/postgres"
	"github.com/nkiryanov/medhub/internal/testutil"
)

// Deterministic hasher, bcrypt is covered by its own tests
type sha256Hasher struct{}

func (sha256Hasher) Hash(secret string) (string, error) {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:]), nil
}

func (h sha256Hasher) Compare(hash string, secret string) error {
	got, _ := h.Hash(secret)
	if got != hash {
		return errors.New("mismatch")
	}
	return nil
}

func Test_TokenManager(t *testing.T) {
	t.Parallel()

	pg := testutil.StartPostgresContainer(t)
	t.Cleanup(pg.Terminate)

	testAccount := models.Account{
		ID:      uuid.New(),
		Kind:    models.KindPractitioner,
		Role:    models.RoleDoctor,
		Email:   "doctor@example.com",
		Profile: models.Profile{FirstName: "Gregory", LastName: "House"},
	}

	defaultCfg := Config{
		AccessSecret:  "access-secret",
		RefreshSecret: "refresh-secret",
	}

	withTx := func(dbpool *pgxpool.Pool, t *testing.T, cfg Config, fn func(m *TokenManager, repo *postgres.RefreshTokenRepo)) {
		testutil.WithTx(dbpool, t, func(tx pgx.Tx) {
			repo := &postgres.RefreshTokenRepo{DB: tx}

			m, err := New(cfg, sha256Hasher{}, repo)
			require.NoError(t, err, "token manager should be created without errors")

			fn(m, repo)
		})
	}

	t.Run("new defaults", func(t *testing.T) {
		m, err := New(defaultCfg, sha256Hasher{}, nil)
		require.NoError(t, err, "token manager should be created without errors")

		require.Equal(t, defaultAccessTokenTTL, m.accessTTL, "default access token TTL should be set")
		require.Equal(t, defaultRefreshTokenTTL, m.refreshTTL, "default refresh token TTL")
		require.Equal(t, defaultSigningMethod, m.alg.Alg(), "default signing method should be set")
		require.Equal(t, defaultMaxSessions, m.maxSessions)
	})

	t.Run("new fails", func(t *testing.T) {
		tests := []struct {
			name string
			cfg  Config
		}{
			{"no access secret", Config{RefreshSecret: "refresh"}},
			{"no refresh secret", Config{AccessSecret: "access"}},
			{"same secrets", Config{AccessSecret: "same", RefreshSecret: "same"}},
			{"not hmac alg", Config{AccessSecret: "access", RefreshSecret: "refresh", Alg: "RS256"}},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				_, err := New(tt.cfg, sha256Hasher{}, nil)

				require.Error(t, err)
			})
		}
	})

	t.Run("Issue", func(t *testing.T) {
		t.Run("return token pair", func(t *testing.T) {
			withTx(pg.Pool, t, defaultCfg, func(m *TokenManager, repo *postgres.RefreshTokenRepo) {
				pair, err := m.Issue(t.Context(), testAccount)

				require.NoError(t, err)
				assert.NotEmpty(t, pair.Access.Value, "access token should not be empty")
				assert.WithinDuration(t, time.Now().Add(15*time.Minute), pair.Access.ExpiresAt, 2*time.Second)
				assert.NotEmpty(t, pair.Refresh.Value, "refresh token should not be empty")
				assert.WithinDuration(t, time.Now().Add(7*24*time.Hour), pair.Refresh.ExpiresAt, 2*time.Second)
			})
		})

		t.Run("access claims", func(t *testing.T) {
			withTx(pg.Pool, t, defaultCfg, func(m *TokenManager, repo *postgres.RefreshTokenRepo) {
				pair, err := m.Issue(t.Context(), testAccount)
				require.NoError(t, err)

				claims, err := m.ParseAccess(pair.Access.Value)

				require.NoError(t, err)
				assert.Equal(t, testAccount.ID.String(), claims.Subject)
				assert.Equal(t, models.KindPractitioner, claims.Kind)
				assert.Equal(t, models.RoleDoctor, claims.Role)
				assert.Equal(t, "Gregory House", claims.Name)
				ref, err := claims.Ref()
				require.NoError(t, err)
				assert.Equal(t, testAccount.Ref(), ref)
			})
		})

		t.Run("refresh stored hashed", func(t *testing.T) {
			withTx(pg.Pool, t, defaultCfg, func(m *TokenManager, repo *postgres.RefreshTokenRepo) {
				pair, err := m.Issue(t.Context(), testAccount)
				require.NoError(t, err)

				claims, err := m.ParseRefresh(pair.Refresh.Value)
				require.NoError(t, err)
				record, err := repo.Get(t.Context(), uuid.MustParse(claims.ID))

				require.NoError(t, err)
				assert.Equal(t, testAccount.Ref(), record.Account)
				assert.NotEqual(t, pair.Refresh.Value, record.TokenHash, "raw token must never be stored")
				assert.NoError(t, sha256Hasher{}.Compare(record.TokenHash, pair.Refresh.Value))
				assert.WithinDuration(t, pair.Refresh.ExpiresAt, record.ExpiresAt, time.Second)
			})
		})

		t.Run("sessions are capped", func(t *testing.T) {
			cfg := defaultCfg
			cfg.MaxSessions = 2
			withTx(pg.Pool, t, cfg, func(m *TokenManager, repo *postgres.RefreshTokenRepo) {
				first, err := m.Issue(t.Context(), testAccount)
				require.NoError(t, err)
				m.now = func() time.Time { return time.Now().Add(time.Minute) }
				_, err = m.Issue(t.Context(), testAccount)
				require.NoError(t, err)
				m.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
				_, err = m.Issue(t.Context(), testAccount)
				require.NoError(t, err)

				err = m.Revoke(t.Context(), first.Refresh.Value)

				require.ErrorIs(t, err, apperrors.ErrRefreshTokenNotFound, "oldest session must be evicted")
			})
		})

		t.Run("capped sessions in same second keep just issued", func(t *testing.T) {
			cfg := defaultCfg
			cfg.MaxSessions = 2
			withTx(pg.Pool, t, cfg, func(m *TokenManager, repo *postgres.RefreshTokenRepo) {
				frozen := time.Now()
				m.now = func() time.Time { return frozen }

				var last models.TokenPair
				for range 10 {
					pair, err := m.Issue(t.Context(), testAccount)
					require.NoError(t, err)

					claims, err := m.ParseRefresh(pair.Refresh.Value)
					require.NoError(t, err)
					_, err = repo.Get(t.Context(), uuid.MustParse(claims.ID))
					require.NoError(t, err, "just issued session must not be evicted")
					last = pair
				}

				ref, err := m.UseRefresh(t.Context(), last.Refresh.Value)
				require.NoError(t, err)
				assert.Equal(t, testAccount.Ref(), ref)
			})
		})
	})

	t.Run("ParseAccess", func(t *testing.T) {
		m, err := New(defaultCfg, sha256Hasher{}, nil)
		require.NoError(t, err)

		sign := func(claims jwt.Claims, key string, method jwt.SigningMethod) string {
			token, err := jwt.NewWithClaims(method, claims).SignedString([]byte(key))
			require.NoError(t, err)
			return token
		}
		validClaims := func(expiresAt time.Time) AccessClaims {
			return AccessClaims{
				RegisteredClaims: jwt.RegisteredClaims{
					Subject:   testAccount.ID.String(),
					ExpiresAt: jwt.NewNumericDate(expiresAt),
				},
				Kind: models.KindStandard,
				Role: models.RoleUser,
			}
		}

		tests := []struct {
			name        string
			token       string
			expectedErr error
		}{
			{
				name:        "expired",
				token:       sign(validClaims(time.Now().Add(-time.Minute)), "access-secret", jwt.SigningMethodHS256),
				expectedErr: apperrors.ErrTokenExpired,
			},
			{
				name:        "wrong secret",
				token:       sign(validClaims(time.Now().Add(time.Minute)), "other-secret", jwt.SigningMethodHS256),
				expectedErr: apperrors.ErrTokenInvalid,
			},
			{
				name:        "signed with refresh secret",
				token:       sign(validClaims(time.Now().Add(time.Minute)), "refresh-secret", jwt.SigningMethodHS256),
				expectedErr: apperrors.ErrTokenInvalid,
			},
			{
				name:        "other alg",
				token:       sign(validClaims(time.Now().Add(time.Minute)), "access-secret", jwt.SigningMethodHS512),
				expectedErr: apperrors.ErrTokenInvalid,
			},
			{
				name: "no expiry",
				token: sign(AccessClaims{
					RegisteredClaims: jwt.RegisteredClaims{Subject: testAccount.ID.String()},
					Kind:             models.KindStandard,
				}, "access-secret", jwt.SigningMethodHS256),
				expectedErr: apperrors.ErrTokenInvalid,
			},
			{
				name: "bad subject",
				token: sign(AccessClaims{
					RegisteredClaims: jwt.RegisteredClaims{Subject: "42", ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute))},
					Kind:             models.KindStandard,
				}, "access-secret", jwt.SigningMethodHS256),
				expectedErr: apperrors.ErrTokenInvalid,
			},
			{
				name:        "garbage",
				token:       "not-a-jwt",
				expectedErr: apperrors.ErrTokenInvalid,
			},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				_, err := m.ParseAccess(tt.token)

				require.ErrorIs(t, err, tt.expectedErr)
			})
		}

		t.Run("ok", func(t *testing.T) {
			claims, err := m.ParseAccess(sign(validClaims(time.Now().Add(time.Minute)), "access-secret", jwt.SigningMethodHS256))

			require.NoError(t, err)
			require.Equal(t, models.RoleUser, claims.Role)
		})
	})

	t.Run("refresh token is not access token", func(t *testing.T) {
		withTx(pg.Pool, t, defaultCfg, func(m *TokenManager, repo *postgres.RefreshTokenRepo) {
			pair, err := m.Issue(t.Context(), testAccount)
			require.NoError(t, err)

			_, err = m.ParseAccess(pair.Refresh.Value)
			require.ErrorIs(t, err, apperrors.ErrTokenInvalid)

			_, err = m.ParseRefresh(pair.Access.Value)
			require.ErrorIs(t, err, apperrors.ErrTokenInvalid)
		})
	})

	t.Run("UseRefresh", func(t *testing.T) {
		t.Run("use once ok", func(t *testing.T) {
			withTx(pg.Pool, t, defaultCfg, func(m *TokenManager, repo *postgres.RefreshTokenRepo) {
				pair, err := m.Issue(t.Context(), testAccount)
				require.NoError(t, err)

				ref, err := m.UseRefresh(t.Context(), pair.Refresh.Value)

				require.NoError(t, err)
				require.Equal(t, testAccount.Ref(), ref)
			})
		})

		t.Run("fail if used twice", func(t *testing.T) {
			withTx(pg.Pool, t, defaultCfg, func(m *TokenManager, repo *postgres.RefreshTokenRepo) {
				pair, err := m.Issue(t.Context(), testAccount)
				require.NoError(t, err)
				_, err = m.UseRefresh(t.Context(), pair.Refresh.Value)
				require.NoError(t, err)

				_, err = m.UseRefresh(t.Context(), pair.Refresh.Value)

				require.ErrorIs(t, err, apperrors.ErrRefreshTokenNotFound)
			})
		})

		t.Run("fail if expired", func(t *testing.T) {
			withTx(pg.Pool, t, defaultCfg, func(m *TokenManager, repo *postgres.RefreshTokenRepo) {
				pair, err := m.Issue(t.Context(), testAccount)
				require.NoError(t, err)

				m.now = func() time.Time { return time.Now().Add(8 * 24 * time.Hour) }
				_, err = m.UseRefresh(t.Context(), pair.Refresh.Value)

				require.ErrorIs(t, err, apperrors.ErrTokenExpired)
			})
		})

		t.Run("fail if record tampered", func(t *testing.T) {
			withTx(pg.Pool, t, defaultCfg, func(m *TokenManager, repo *postgres.RefreshTokenRepo) {
				pair, err := m.Issue(t.Context(), testAccount)
				require.NoError(t, err)
				claims, err := m.ParseRefresh(pair.Refresh.Value)
				require.NoError(t, err)

				// Replace stored hash with hash of other token
				id := uuid.MustParse(claims.ID)
				record, err := repo.Get(t.Context(), id)
				require.NoError(t, err)
				require.NoError(t, repo.Delete(t.Context(), id))
				record.TokenHash, _ = sha256Hasher{}.Hash("other-token")
				_, err = repo.Save(t.Context(), record)
				require.NoError(t, err)

				_, err = m.UseRefresh(t.Context(), pair.Refresh.Value)

				require.ErrorIs(t, err, apperrors.ErrRefreshTokenNotFound)
			})
		})
	})

	t.Run("Revoke", func(t *testing.T) {
		t.Run("revoke once ok, twice fails", func(t *testing.T) {
			withTx(pg.Pool, t, defaultCfg, func(m *TokenManager, repo *postgres.RefreshTokenRepo) {
				pair, err := m.Issue(t.Context(), testAccount)
				require.NoError(t, err)

				err = m.Revoke(t.Context(), pair.Refresh.Value)
				require.NoError(t, err)

				err = m.Revoke(t.Context(), pair.Refresh.Value)
				require.ErrorIs(t, err, apperrors.ErrRefreshTokenNotFound)
			})
		})

		t.Run("access token survives revoke", func(t *testing.T) {
			withTx(pg.Pool, t, defaultCfg, func(m *TokenManager, repo *postgres.RefreshTokenRepo) {
				pair, err := m.Issue(t.Context(), testAccount)
				require.NoError(t, err)
				require.NoError(t, m.Revoke(t.Context(), pair.Refresh.Value))

				_, err = m.ParseAccess(pair.Access.Value)

				require.NoError(t, err, "access tokens are stateless")
			})
		})

		t.Run("revoke all", func(t *testing.T) {
			withTx(pg.Pool, t, defaultCfg, func(m *TokenManager, repo *postgres.RefreshTokenRepo) {
				first, err := m.Issue(t.Context(), testAccount)
				require.NoError(t, err)
				second, err := m.Issue(t.Context(), testAccount)
				require.NoError(t, err)

				n, err := m.RevokeAll(t.Context(), testAccount.Ref())

				require.NoError(t, err)
				require.EqualValues(t, 2, n)
				require.ErrorIs(t, m.Revoke(t.Context(), first.Refresh.Value), apperrors.ErrRefreshTokenNotFound)
				require.ErrorIs(t, m.Revoke(t.Context(), second.Refresh.Value), apperrors.ErrRefreshTokenNotFound)
			})
		})
	})

	t.Run("PurgeExpired", func(t *testing.T) {
		withTx(pg.Pool, t, defaultCfg, func(m *TokenManager, repo *postgres.RefreshTokenRepo) {
			_, err := m.Issue(t.Context(), testAccount)
			require.NoError(t, err)

			n, err := m.PurgeExpired(t.Context(), time.Now())
			require.NoError(t, err)
			require.EqualValues(t, 0, n, "live session must stay")

			n, err = m.PurgeExpired(t.Context(), time.Now().Add(8*24*time.Hour))
			require.NoError(t, err)
			require.EqualValues(t, 1, n)
		})
	})
}

// Concurrent redemption of one refresh token: exactly one caller wins
func Test_TokenManager_ConcurrentUse(t *testing.T) {
	t.Parallel()

	pg := testutil.StartPostgresContainer(t)
	t.Cleanup(pg.Terminate)

	// Pool is used directly: every goroutine needs its own connection
	repo := &postgres.RefreshTokenRepo{DB: pg.Pool}
	m, err := New(Config{AccessSecret: "access", RefreshSecret: "refresh"}, sha256Hasher{}, repo)
	require.NoError(t, err)

	account := models.Account{ID: uuid.New(), Kind: models.KindStandard, Role: models.RoleUser}
	pair, err := m.Issue(t.Context(), account)
	require.NoError(t, err)

	const callers = 8
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.UseRefresh(context.Background(), pair.Refresh.Value)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	succeeded := 0
	for err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, apperrors.ErrRefreshTokenNotFound)
	}
	assert.Equal(t, 1, succeeded, "only one caller may consume the token")
}
