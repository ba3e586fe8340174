package rpc

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"tokenbank/ledger"
	"tokenbank/limits"
	"tokenbank/oracle"
	"tokenbank/registry"
	"tokenbank/token"
	"tokenbank/vault"
)

// Config defines HTTP server parameters.
type Config struct {
	ListenAddress string
	// AdminToken guards the administrative routes; empty disables them.
	AdminToken string
	// RateLimitPerSecond throttles the public surface per process.
	RateLimitPerSecond int
}

// Server hosts the bank's public and administrative HTTP surface.
type Server struct {
	cfg     Config
	engine  *vault.Engine
	log     *slog.Logger
	limiter *rate.Limiter
}

// New constructs the HTTP server around an engine.
func New(cfg Config, engine *vault.Engine, logger *slog.Logger) (*Server, error) {
	if engine == nil {
		return nil, fmt.Errorf("rpc: engine required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":8710"
	}
	if cfg.RateLimitPerSecond <= 0 {
		cfg.RateLimitPerSecond = 25
	}
	return &Server{
		cfg:     cfg,
		engine:  engine,
		log:     logger,
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimitPerSecond), cfg.RateLimitPerSecond*2),
	}, nil
}

// Router assembles the route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.throttle)
		r.Get("/assets", s.handleListAssets)
		r.Get("/balance/{account}/{asset}", s.handleBalance)
		r.Get("/exposure", s.handleExposure)
		r.Get("/limits/{asset}", s.handleWithdrawCeiling)
		// Native deposits credit the ledger without moving funds themselves:
		// the operator confirms the inbound transfer off-chain before calling
		// this route, so it carries the operator credential. The token routes
		// stay public because they pull the funds in via TransferFrom.
		r.With(s.requireAdmin).Post("/deposits/native", s.handleDepositNative)
		r.Post("/deposits/token", s.handleDepositToken)
		r.Post("/deposits/swap", s.handleDepositSwap)
		r.Post("/withdrawals/native", s.handleWithdrawNative)
		r.Post("/withdrawals/token", s.handleWithdrawToken)

		r.Route("/admin", func(r chi.Router) {
			r.Use(s.requireAdmin)
			r.Post("/assets", s.handleRegisterAsset)
			r.Delete("/assets/{asset}", s.handleDeregisterAsset)
			r.Put("/limits/per-tx-cap", s.handleSetPerTxCap)
			r.Put("/balances", s.handleSetBalance)
			r.Post("/reconcile", s.handleReconcile)
			r.Get("/audit", s.handleAuditTrail)
		})
	})
	return r
}

// Run serves until context cancellation, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.ListenAddress,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	s.log.Info("http server listening", "addr", s.cfg.ListenAddress)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("rpc: listen and serve: %w", err)
	}
	return nil
}

func (s *Server) throttle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.AdminToken == "" {
			http.Error(w, "admin surface disabled", http.StatusForbidden)
			return
		}
		header := strings.TrimSpace(r.Header.Get("Authorization"))
		const prefix = "Bearer "
		if !strings.HasPrefix(header, prefix) {
			http.Error(w, "bearer token required", http.StatusUnauthorized)
			return
		}
		presented := strings.TrimSpace(strings.TrimPrefix(header, prefix))
		if subtle.ConstantTimeCompare([]byte(presented), []byte(s.cfg.AdminToken)) != 1 {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// adminActor derives the audit actor label from the request.
func adminActor(r *http.Request) string {
	if actor := strings.TrimSpace(r.Header.Get("X-Actor")); actor != "" {
		return actor
	}
	return "admin"
}

// status maps engine errors onto HTTP status codes.
func status(err error) int {
	var violation *limits.Violation
	switch {
	case errors.As(err, &violation):
		return http.StatusUnprocessableEntity
	case errors.Is(err, vault.ErrReentrancy):
		return http.StatusConflict
	case errors.Is(err, ledger.ErrInsufficientBalance):
		return http.StatusConflict
	case errors.Is(err, registry.ErrNotSupported):
		return http.StatusNotFound
	case errors.Is(err, registry.ErrAlreadySupported):
		return http.StatusConflict
	case errors.Is(err, registry.ErrInvalidAsset),
		errors.Is(err, vault.ErrZeroAmount),
		errors.Is(err, vault.ErrBelowMinimumDeposit),
		errors.Is(err, vault.ErrDirectAssetRoute),
		errors.Is(err, ledger.ErrInvalidAmount):
		return http.StatusBadRequest
	case errors.Is(err, oracle.ErrStalePrice), errors.Is(err, oracle.ErrNoFeed):
		return http.StatusServiceUnavailable
	case errors.Is(err, token.ErrTransferFailed), errors.Is(err, vault.ErrNoSwapOutput):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
