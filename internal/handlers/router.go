package handlers

import (
	"context"
	"net/http"

	"github.com/nkiryanov/medhub/internal/handlers/middleware"
	"github.com/nkiryanov/medhub/internal/handlers/render"
	"github.com/nkiryanov/medhub/internal/logger"
	"github.com/nkiryanov/medhub/internal/metrics"
	"github.com/nkiryanov/medhub/internal/models"
	"github.com/nkiryanov/medhub/internal/service/auth/tokenmanager"
)

const apiPrefix = "/api/v1"

type tokenParser interface {
	ParseAccess(access string) (tokenmanager.AccessClaims, error)
}

type accountFinder interface {
	accountService
	Get(ctx context.Context, ref models.AccountRef) (models.Account, error)
}

type RouterConfig struct {
	// Show internal error details in responses and allow refresh cookie over http
	Debug bool

	// Per client rate limit for unauthenticated auth endpoints
	// Disabled when RateLimitRPS is zero
	RateLimitRPS   float64
	RateLimitBurst int
}

// chain applies middlewares in the given order: m1(m2(...(h)))
func chain(h http.Handler, mds ...func(next http.Handler) http.Handler) http.Handler {
	for i := len(mds) - 1; i >= 0; i-- {
		h = mds[i](h)
	}
	return h
}

func NewRouter(
	cfg RouterConfig,
	authService authService,
	accounts accountFinder,
	tokens tokenParser,
	logger logger.Logger,
) http.Handler {
	errs := errorRenderer{logger: logger, debug: cfg.Debug}
	authHandler := &AuthHandler{auth: authService, errors: errs, secureCookie: !cfg.Debug}
	accountHandler := &AccountHandler{accounts: accounts, errors: errs}

	authenticate := middleware.Authenticate(tokens, accounts, logger)
	hydrate := middleware.Hydrate(accounts, logger)

	limited := func(h http.Handler) http.Handler { return h }
	if cfg.RateLimitRPS > 0 {
		limited = middleware.RateLimit(cfg.RateLimitRPS, cfg.RateLimitBurst, logger)
	}

	api := http.NewServeMux()
	route := func(pattern string, h http.Handler, mds ...func(http.Handler) http.Handler) {
		mds = append([]func(http.Handler) http.Handler{middleware.Metrics(apiPrefix + pattern)}, mds...)
		api.Handle(pattern, chain(h, mds...))
	}

	route("POST /auth/register", http.HandlerFunc(authHandler.register), limited)
	route("POST /auth/login", http.HandlerFunc(authHandler.login), limited)
	route("POST /auth/social", http.HandlerFunc(authHandler.social), limited)
	route("POST /auth/refresh", http.HandlerFunc(authHandler.refresh), limited)
	route("POST /auth/logout", http.HandlerFunc(authHandler.logout), authenticate)
	route("GET /auth/me", handleMe(), authenticate, hydrate)

	route("PATCH /accounts/deactivate", http.HandlerFunc(accountHandler.deactivate), authenticate)
	route("PATCH /accounts/reactivate", http.HandlerFunc(accountHandler.reactivate), authenticate)

	route("GET /practitioners/me", handleMe(), authenticate, middleware.RequireRoles(models.RoleDoctor), hydrate)

	root := http.NewServeMux()
	root.Handle(apiPrefix+"/", http.StripPrefix(apiPrefix, api))
	root.Handle("GET /metrics", metrics.Handler())
	root.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		render.JSON(w, map[string]string{"status": "ok"})
	})

	handler := chain(root,
		middleware.LoggerMiddleware(logger),
	)

	return handler
}
