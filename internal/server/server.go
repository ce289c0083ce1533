package server

import (
	"context"
	"net/http"
	"time"

	"github.com/hongminglow/all-in-ledger/internal/auth"
	"github.com/hongminglow/all-in-ledger/internal/config"
	"github.com/hongminglow/all-in-ledger/internal/http/handlers"
	"github.com/hongminglow/all-in-ledger/internal/ledger"
	"github.com/hongminglow/all-in-ledger/internal/middleware"
	"github.com/hongminglow/all-in-ledger/internal/notify"
	"github.com/hongminglow/all-in-ledger/internal/storage"
)

// Store is everything the HTTP layer reads or writes.
type Store interface {
	storage.UserStore
	storage.Ledger
}

// Server wraps an http.Server with configured routes.
type Server struct {
	inner *http.Server
}

// New wires the engine, reports, middleware and routes and returns a ready server.
func New(cfg config.Config, store Store, notifier notify.Notifier) *Server {
	engine := ledger.NewEngine(store, cfg.Policy, ledger.WithRetry(cfg.RetryAttempts, cfg.RetryBackoff))
	reports := ledger.NewReports(store, cfg.ReportZone)
	tokenManager := auth.NewTokenManager(cfg.JWTSecret, cfg.JWTIssuer, cfg.JWTTTL)

	routes := handlers.Routes{
		Health: handlers.NewHealthHandler(time.Now()),
		Auth:   handlers.NewAuthHandler(store, tokenManager, cfg.InitBalance),
		Ledger: handlers.NewLedgerHandler(engine, reports, store, store, notifier),
		Tokens: tokenManager,
	}

	handler := middleware.CORS(cfg.CORSOrigins, middleware.Logging(routes.Router()))

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddress(),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	return &Server{inner: httpServer}
}

// Handler exposes the fully wrapped handler.
func (s *Server) Handler() http.Handler {
	return s.inner.Handler
}

// Start begins serving HTTP traffic.
func (s *Server) Start() error {
	return s.inner.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.inner.Shutdown(ctx)
}
