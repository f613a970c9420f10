package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/nkiryanov/medhub/internal/logger"
)

const (
	defaultListenAddr        = "localhost:8000"
	defaultLoggingLevel      = logger.LevelInfo
	defaultEnvironment       = logger.EnvProduction
	defaultAccessTokenTTL    = 15 * time.Minute
	defaultRefreshTokenTTL   = 7 * 24 * time.Hour
	defaultMaxSessions       = 10
	defaultProviderVerifyURL = "https://oauth2.googleapis.com/tokeninfo"
	defaultLoginMaxAttempts  = 5
	defaultLoginCooldown     = 15 * time.Minute
	defaultRateLimitRPS      = 5
	defaultRateLimitBurst    = 10
	defaultReaperInterval    = time.Hour
)

type Config struct {
	// Default logging level
	LogLevel string

	// Environment: 'dev' gets text logs and error details in responses
	Environment string

	// Address on which the medhub service will be run
	ListenAddr string

	// Database to connect to
	DatabaseDSN string

	// Secrets to sign access and refresh tokens, must differ
	AccessSecret  string
	RefreshSecret string

	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration

	// Live refresh sessions per account
	MaxSessions int

	// Identity provider token info endpoint and expected audience
	ProviderVerifyURL string
	ProviderAudience  string

	// Redis for failed login throttle, disabled when empty
	RedisAddr        string
	LoginMaxAttempts int
	LoginCooldown    time.Duration

	// Kafka brokers for account events, disabled when empty
	KafkaBrokers []string

	// Per client limit on auth endpoints, disabled when RPS is zero
	RateLimitRPS   float64
	RateLimitBurst int

	// How often expired refresh sessions are purged
	ReaperInterval time.Duration
}

func NewConfig() *Config {
	return &Config{
		LogLevel:          defaultLoggingLevel,
		Environment:       defaultEnvironment,
		ListenAddr:        defaultListenAddr,
		AccessTokenTTL:    defaultAccessTokenTTL,
		RefreshTokenTTL:   defaultRefreshTokenTTL,
		MaxSessions:       defaultMaxSessions,
		ProviderVerifyURL: defaultProviderVerifyURL,
		LoginMaxAttempts:  defaultLoginMaxAttempts,
		LoginCooldown:     defaultLoginCooldown,
		RateLimitRPS:      defaultRateLimitRPS,
		RateLimitBurst:    defaultRateLimitBurst,
		ReaperInterval:    defaultReaperInterval,
	}
}

// Load variable from '.env' file (should be located at working directory)
func (c *Config) LoadDotEnv(getwd func() (string, error)) error {
	wd, err := getwd()
	if err != nil {
		return err
	}

	envMap, err := godotenv.Read(filepath.Join(wd, ".env"))

	switch {
	case err == nil:
		return c.LoadEnv(func(key string) string {
			return envMap[key]
		})
	case errors.Is(err, os.ErrNotExist):
		return nil
	default:
		return err
	}
}

func (c *Config) LoadEnv(getenv func(string) string) error {
	// Set option to value if it not empty
	setString := func(o *string) func(value string) error {
		return func(value string) error {
			if value != "" {
				*o = value
			}
			return nil
		}
	}
	setDuration := func(o *time.Duration) func(value string) error {
		return func(value string) (err error) {
			if value != "" {
				*o, err = time.ParseDuration(value)
			}
			return err
		}
	}
	setInt := func(o *int) func(value string) error {
		return func(value string) (err error) {
			if value != "" {
				*o, err = strconv.Atoi(value)
			}
			return err
		}
	}
	setFloat := func(o *float64) func(value string) error {
		return func(value string) (err error) {
			if value != "" {
				*o, err = strconv.ParseFloat(value, 64)
			}
			return err
		}
	}
	setList := func(o *[]string) func(value string) error {
		return func(value string) error {
			if value != "" {
				*o = strings.Split(value, ",")
			}
			return nil
		}
	}

	envMap := map[string]func(string) error{
		"RUN_ADDRESS":          setString(&c.ListenAddr),
		"DATABASE_URI":         setString(&c.DatabaseDSN),
		"ACCESS_TOKEN_SECRET":  setString(&c.AccessSecret),
		"REFRESH_TOKEN_SECRET": setString(&c.RefreshSecret),
		"ACCESS_TOKEN_TTL":     setDuration(&c.AccessTokenTTL),
		"REFRESH_TOKEN_TTL":    setDuration(&c.RefreshTokenTTL),
		"MAX_SESSIONS":         setInt(&c.MaxSessions),
		"LOG_LEVEL":            setString(&c.LogLevel),
		"ENVIRONMENT":          setString(&c.Environment),
		"PROVIDER_VERIFY_URL":  setString(&c.ProviderVerifyURL),
		"PROVIDER_AUDIENCE":    setString(&c.ProviderAudience),
		"REDIS_ADDR":           setString(&c.RedisAddr),
		"LOGIN_MAX_ATTEMPTS":   setInt(&c.LoginMaxAttempts),
		"LOGIN_COOLDOWN":       setDuration(&c.LoginCooldown),
		"KAFKA_BROKERS":        setList(&c.KafkaBrokers),
		"RATE_LIMIT_RPS":       setFloat(&c.RateLimitRPS),
		"RATE_LIMIT_BURST":     setInt(&c.RateLimitBurst),
		"REAPER_INTERVAL":      setDuration(&c.ReaperInterval),
	}

	var errs []error
	for key, parseFn := range envMap {
		if err := parseFn(getenv(key)); err != nil {
			errs = append(errs, fmt.Errorf("invalid %s: %w", key, err))
		}
	}

	return errors.Join(errs...)
}

func (c *Config) ParseFlags(args []string) error {
	fs := pflag.NewFlagSet("medhub", pflag.ContinueOnError)

	fs.StringVarP(&c.ListenAddr, "address", "a", c.ListenAddr, "Server listen address")
	fs.StringVarP(&c.DatabaseDSN, "database", "d", c.DatabaseDSN, "Database connection string")
	fs.StringVar(&c.AccessSecret, "access-secret", c.AccessSecret, "Secret to sign access tokens")
	fs.StringVar(&c.RefreshSecret, "refresh-secret", c.RefreshSecret, "Secret to sign refresh tokens")
	fs.DurationVar(&c.AccessTokenTTL, "access-ttl", c.AccessTokenTTL, "Access token lifetime")
	fs.DurationVar(&c.RefreshTokenTTL, "refresh-ttl", c.RefreshTokenTTL, "Refresh token lifetime")
	fs.IntVar(&c.MaxSessions, "max-sessions", c.MaxSessions, "Live refresh sessions per account")
	fs.StringVarP(&c.LogLevel, "log-level", "l", c.LogLevel, "Logging level (debug, info, warn, error)")
	fs.StringVarP(&c.Environment, "environment", "e", c.Environment, "Environment (dev, prod)")
	fs.StringVar(&c.ProviderVerifyURL, "provider-url", c.ProviderVerifyURL, "Identity provider token info endpoint")
	fs.StringVar(&c.ProviderAudience, "provider-audience", c.ProviderAudience, "Expected identity provider audience")
	fs.StringVarP(&c.RedisAddr, "redis", "r", c.RedisAddr, "Redis address for login throttle")
	fs.IntVar(&c.LoginMaxAttempts, "login-max-attempts", c.LoginMaxAttempts, "Failed logins allowed within cooldown")
	fs.DurationVar(&c.LoginCooldown, "login-cooldown", c.LoginCooldown, "Failed login window")
	fs.StringSliceVarP(&c.KafkaBrokers, "kafka", "k", c.KafkaBrokers, "Kafka brokers for account events")
	fs.Float64Var(&c.RateLimitRPS, "rate-limit-rps", c.RateLimitRPS, "Requests per second per client on auth endpoints")
	fs.IntVar(&c.RateLimitBurst, "rate-limit-burst", c.RateLimitBurst, "Burst per client on auth endpoints")
	fs.DurationVar(&c.ReaperInterval, "reaper-interval", c.ReaperInterval, "Expired sessions purge interval")

	return fs.Parse(args)
}

// Check options that have no usable default
func (c *Config) Validate() error {
	switch {
	case c.DatabaseDSN == "":
		return errors.New("database dsn must be set")
	case c.AccessSecret == "" || c.RefreshSecret == "":
		return errors.New("access and refresh secrets must be set")
	case c.AccessSecret == c.RefreshSecret:
		return errors.New("access and refresh secrets must differ")
	}
	return nil
}
