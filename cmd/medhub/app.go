package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nkiryanov/medhub/internal/db"
	"github.com/nkiryanov/medhub/internal/handlers"
	"github.com/nkiryanov/medhub/internal/logger"
	"github.com/nkiryanov/medhub/internal/repository/postgres"
	"github.com/nkiryanov/medhub/internal/service/account"
	"github.com/nkiryanov/medhub/internal/service/auth"
	"github.com/nkiryanov/medhub/internal/service/auth/tokenmanager"
	"github.com/nkiryanov/medhub/internal/service/events"
	"github.com/nkiryanov/medhub/internal/service/limiter"
	"github.com/nkiryanov/medhub/internal/service/provider"
	"github.com/nkiryanov/medhub/internal/service/reaper"
)

type ServerApp struct {
	ListenAddr string
	Handler    http.Handler

	logger logger.Logger
	reaper *reaper.Reaper

	// Released in reverse order after server stopped
	closers []func() error
}

func NewServerApp(ctx context.Context, c *Config) (_ *ServerApp, err error) {
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config. Err: %w", err)
	}

	// Initialize logger
	l, err := logger.New(c.Environment, c.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("error while initializing logger: %w", err)
	}

	app := &ServerApp{ListenAddr: c.ListenAddr, logger: l}
	defer func() {
		if err != nil {
			app.close()
		}
	}()

	// Connect to the database and run migrations
	pool, err := db.ConnectAndMigrate(ctx, c.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("error while connecting to db. Err: %w", err)
	}
	app.closers = append(app.closers, func() error { pool.Close(); return nil })

	// Initialize repositories
	storage := postgres.NewStorage(pool)

	// Initialize services
	tokenManager, err := tokenmanager.New(tokenmanager.Config{
		AccessSecret:  c.AccessSecret,
		RefreshSecret: c.RefreshSecret,
		AccessTTL:     c.AccessTokenTTL,
		RefreshTTL:    c.RefreshTokenTTL,
		MaxSessions:   c.MaxSessions,
	}, auth.DefaultHasher, storage.Refresh())
	if err != nil {
		return nil, fmt.Errorf("error while creating token manager. Err: %w", err)
	}
	accountService := account.NewService(account.Config{}, storage.Account(), tokenManager, l)

	authCfg := auth.Config{}

	if c.ProviderVerifyURL != "" {
		verifier, err := provider.NewClient(provider.Config{
			VerifyURL: c.ProviderVerifyURL,
			Audience:  c.ProviderAudience,
		}, l.With("component", "provider"))
		if err != nil {
			return nil, fmt.Errorf("error while creating provider client. Err: %w", err)
		}
		authCfg.Verifier = verifier
	}

	if c.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: c.RedisAddr})
		app.closers = append(app.closers, client.Close)
		authCfg.Limiter = limiter.New(client, limiter.Config{
			MaxAttempts: c.LoginMaxAttempts,
			Cooldown:    c.LoginCooldown,
		})
	} else {
		l.Warn("Redis address not set, failed logins are not throttled")
	}

	if len(c.KafkaBrokers) > 0 {
		publisher := events.NewPublisher(events.Config{Brokers: c.KafkaBrokers}, l.With("component", "events"))
		app.closers = append(app.closers, publisher.Close)
		authCfg.Publisher = publisher
	}

	authService, err := auth.NewService(authCfg, tokenManager, accountService, l)
	if err != nil {
		return nil, fmt.Errorf("error while creating auth service. Err: %w", err)
	}

	app.reaper = reaper.New(c.ReaperInterval, tokenManager, l.With("component", "reaper"))
	app.Handler = handlers.NewRouter(
		handlers.RouterConfig{
			Debug:          c.Environment == logger.EnvDevelopment,
			RateLimitRPS:   c.RateLimitRPS,
			RateLimitBurst: c.RateLimitBurst,
		},
		authService,
		accountService,
		tokenManager,
		l,
	)

	return app, nil
}

// Run starts http server and closes gracefully on context cancellation
func (s *ServerApp) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.ListenAddr,
		Handler:           s.Handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	idleConnsClosed := make(chan struct{})
	srvCtx, srvCtxCancel := context.WithCancel(ctx)
	defer srvCtxCancel()

	reaperStopped := s.reaper.Run(srvCtx)

	go func() {
		<-srvCtx.Done()

		timeoutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(timeoutCtx); errors.Is(err, context.DeadlineExceeded) {
			s.logger.Error("HTTP server shutdown timeout exceeded, forcing shutdown...")
		}
		s.logger.Info("HTTP server stopped")
		close(idleConnsClosed)
	}()

	// Listen and serve until context is cancelled; then close gracefully connections
	s.logger.Info("Starting server", "address", s.ListenAddr)
	err := httpServer.ListenAndServe()
	srvCtxCancel()
	<-idleConnsClosed
	<-reaperStopped

	s.close()

	return err
}

func (s *ServerApp) close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			s.logger.Warn("Failed to release resource", "error", err)
		}
	}
	s.closers = nil
}
