package server

import (
	"context"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/dispatch-pay/dispatch_pay/internal/config"
	"github.com/dispatch-pay/dispatch_pay/internal/reconcile"
	"github.com/dispatch-pay/dispatch_pay/internal/routes"
)

// Server wraps the Fiber application and shared dependencies.
type Server struct {
	app        *fiber.App
	cfg        config.Config
	db         *pgxpool.Pool
	cache      *redis.Client
	reconciler *reconcile.Service
}

// New instantiates the HTTP server and delegates route wiring to routes.Setup.
func New(cfg config.Config, db *pgxpool.Pool, cache *redis.Client, logger *slog.Logger) (*Server, error) {
	app := fiber.New(fiber.Config{
		AppName:      cfg.AppName,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	})

	reconciler, err := routes.Setup(app, routes.Deps{Cfg: cfg, DB: db, Cache: cache, Logger: logger})
	if err != nil {
		return nil, err
	}

	return &Server{app: app, cfg: cfg, db: db, cache: cache, reconciler: reconciler}, nil
}

// Listen starts the HTTP server.
func (s *Server) Listen() error {
	return s.app.Listen(s.cfg.Address())
}

// RunReconciliation runs the background reconciliation sweep until the
// context is cancelled.
func (s *Server) RunReconciliation(ctx context.Context) {
	s.reconciler.Run(ctx)
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}
