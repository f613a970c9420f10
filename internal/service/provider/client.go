package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/nkiryanov/medhub/internal/apperrors"
	"github.com/nkiryanov/medhub/internal/logger"
	"github.com/nkiryanov/medhub/internal/metrics"
)

const (
	defaultTimeout     = 5 * time.Second
	defaultBreakerName = "identity-provider"
)

// Identity proven by provider
type Assertion struct {
	Subject string
	Email   string
	Name    string
	Picture string

	// Set only when provider explicitly reports the email as verified
	EmailVerified bool
}

// Split display name into first and last name
// Everything after the first word is the last name
func (a Assertion) SplitName() (first string, last string) {
	parts := strings.Fields(a.Name)
	if len(parts) == 0 {
		return "", ""
	}
	return parts[0], strings.Join(parts[1:], " ")
}

// Body of provider token info endpoint
// Numbers and booleans come as strings there
type tokenInfo struct {
	Subject       string `json:"sub"`
	Audience      string `json:"aud"`
	Email         string `json:"email"`
	EmailVerified string `json:"email_verified"`
	Name          string `json:"name"`
	Picture       string `json:"picture"`
	ExpiresAt     string `json:"exp"`
}

type Config struct {
	// Token info endpoint, assertion is passed as 'id_token' query parameter
	VerifyURL string

	// Expected 'aud' claim. Not checked when empty
	Audience string

	// Per request timeout
	// If not set than default is used
	Timeout time.Duration

	// Breaker opens when half of at least MinRequests calls failed
	// and stays open for OpenTimeout
	MinRequests uint32
	OpenTimeout time.Duration
}

// Client verifies identity assertions against provider
// Calls go through circuit breaker: while provider is down callers fail fast
type Client struct {
	verifyURL string
	audience  string

	client  *http.Client
	breaker *gobreaker.CircuitBreaker[Assertion]
	logger  logger.Logger

	now func() time.Time
}

func NewClient(cfg Config, l logger.Logger) (*Client, error) {
	if cfg.VerifyURL == "" {
		return nil, errors.New("verify url must not be empty")
	}
	if _, err := url.Parse(cfg.VerifyURL); err != nil {
		return nil, fmt.Errorf("verify url is invalid. Err: %w", err)
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MinRequests == 0 {
		cfg.MinRequests = 5
	}
	if cfg.OpenTimeout == 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	if l == nil {
		l = logger.NewNoOpLogger()
	}

	c := &Client{
		verifyURL: cfg.VerifyURL,
		audience:  cfg.Audience,
		client:    &http.Client{Timeout: cfg.Timeout},
		logger:    l,
		now:       time.Now,
	}

	c.breaker = gobreaker.NewCircuitBreaker[Assertion](gobreaker.Settings{
		Name:        defaultBreakerName,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= 0.5
		},
		// Rejected assertions mean provider is healthy
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, apperrors.ErrInvalidAssertion)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			l.Warn("Circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
			metrics.SetBreakerState(name, to)
		},
	})
	metrics.SetBreakerState(defaultBreakerName, gobreaker.StateClosed)

	return c, nil
}

// Verify assertion
// Rejected assertion: apperrors.ErrInvalidAssertion
// Provider not reachable or breaker open: apperrors.ErrProviderUnavailable
func (c *Client) Verify(ctx context.Context, idToken string) (Assertion, error) {
	if strings.TrimSpace(idToken) == "" {
		return Assertion{}, fmt.Errorf("%w: empty assertion", apperrors.ErrInvalidAssertion)
	}

	assertion, err := c.breaker.Execute(func() (Assertion, error) {
		return c.verify(ctx, idToken)
	})

	switch {
	case err == nil:
		return assertion, nil
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return assertion, fmt.Errorf("%w: %v", apperrors.ErrProviderUnavailable, err)
	default:
		return assertion, err
	}
}

func (c *Client) verify(ctx context.Context, idToken string) (Assertion, error) {
	u, _ := url.Parse(c.verifyURL) // validated in constructor
	q := u.Query()
	q.Set("id_token", idToken)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return Assertion{}, fmt.Errorf("%w: failed to create request: %v", apperrors.ErrProviderUnavailable, err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return Assertion{}, fmt.Errorf("%w: failed to send request: %v", apperrors.ErrProviderUnavailable, err)
	}
	defer resp.Body.Close() // nolint:errcheck

	switch {
	case resp.StatusCode == http.StatusOK:
		return c.processSuccess(resp)
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		_, _ = io.Copy(io.Discard, resp.Body)
		return Assertion{}, fmt.Errorf("%w: provider rejected assertion with status %d", apperrors.ErrInvalidAssertion, resp.StatusCode)
	default:
		c.logger.Warn("Unexpected provider response", "status_code", resp.StatusCode)
		return Assertion{}, fmt.Errorf("%w: unexpected status code %d", apperrors.ErrProviderUnavailable, resp.StatusCode)
	}
}

func (c *Client) processSuccess(resp *http.Response) (Assertion, error) {
	var info tokenInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		c.logger.Warn("Failed to decode provider response", "error", err)
		return Assertion{}, fmt.Errorf("%w: failed to decode response: %v", apperrors.ErrProviderUnavailable, err)
	}

	if info.Subject == "" || info.Email == "" {
		return Assertion{}, fmt.Errorf("%w: subject or email missing", apperrors.ErrInvalidAssertion)
	}
	if info.EmailVerified == "false" {
		return Assertion{}, fmt.Errorf("%w: email not verified", apperrors.ErrInvalidAssertion)
	}
	if c.audience != "" && info.Audience != c.audience {
		return Assertion{}, fmt.Errorf("%w: audience mismatch", apperrors.ErrInvalidAssertion)
	}
	if info.ExpiresAt != "" {
		exp, err := strconv.ParseInt(info.ExpiresAt, 10, 64)
		if err != nil || !time.Unix(exp, 0).After(c.now()) {
			return Assertion{}, fmt.Errorf("%w: assertion expired", apperrors.ErrInvalidAssertion)
		}
	}

	c.logger.Debug("Provider assertion verified", "subject", info.Subject)
	return Assertion{
		Subject: info.Subject,
		Email:   info.Email,
		Name:    info.Name,
		Picture: info.Picture,

		EmailVerified: info.EmailVerified == "true",
	}, nil
}
