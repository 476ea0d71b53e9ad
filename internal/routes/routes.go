package routes

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/dispatch-pay/dispatch_pay/internal/config"
	"github.com/dispatch-pay/dispatch_pay/internal/fees"
	"github.com/dispatch-pay/dispatch_pay/internal/ledger"
	"github.com/dispatch-pay/dispatch_pay/internal/middleware"
	"github.com/dispatch-pay/dispatch_pay/internal/notification"
	"github.com/dispatch-pay/dispatch_pay/internal/reconcile"
	"github.com/dispatch-pay/dispatch_pay/internal/wallet"
	"github.com/dispatch-pay/dispatch_pay/internal/withdrawal"
)

// Deps aggregates shared dependencies required to wire routes.
type Deps struct {
	Cfg    config.Config
	DB     *pgxpool.Pool
	Cache  *redis.Client
	Logger *slog.Logger
}

// Setup configures middlewares and all application routes. The returned
// reconciliation service is wired to the same store the handlers use, so the
// caller can run its background sweep.
func Setup(app *fiber.App, d Deps) (*reconcile.Service, error) {
	// Enforce DB/Redis presence outside of dev, even though main also checks.
	if !d.Cfg.IsDev() {
		if d.DB == nil {
			return nil, fmt.Errorf("database is required when APP_ENV=%s", d.Cfg.AppEnv)
		}
		if d.Cache == nil {
			return nil, fmt.Errorf("redis is required when APP_ENV=%s", d.Cfg.AppEnv)
		}
	}

	// Middlewares
	app.Use(recover.New())
	app.Use(middleware.RequestID())
	// Plain text access log in desired format: [HH:MM:SS] 200 -  145ms METHOD /path
	app.Use(logger.New(logger.Config{
		Format:     "[${time}] ${status} -  ${latency} ${method} ${path}\n",
		TimeFormat: "15:04:05",
		TimeZone:   "Local",
	}))
	if d.Cache != nil {
		app.Use(middleware.Idempotency(d.Cache, d.Cfg.IdempotencyTTL, d.Logger))
	}

	// Health
	RegisterHealthRoutes(app, d)

	// Storage: Postgres in real environments, in-memory for local development.
	var store ledger.Store
	if d.DB != nil {
		store = ledger.NewPostgresStore(d.DB, d.Cfg.Currency)
	} else {
		store = ledger.NewInMemory(d.Cfg.Currency)
	}

	// Services and handlers
	calc := fees.NewCalculator(d.Cfg.FeeRate, d.Cfg.MinimumFee)
	notifier := notification.NewLoggerNotifier(d.Logger)

	var gateway withdrawal.PayoutGateway
	if d.Cfg.PayoutGateway == config.GatewayStripe {
		gateway = withdrawal.NewStripeGateway(d.Cfg.StripeAPIKey)
	} else {
		gateway = withdrawal.StaticGateway{}
	}

	manager := withdrawal.NewManager(store, calc, gateway, notifier, d.Logger, withdrawal.Options{
		MinAmount:      d.Cfg.MinWithdrawal,
		MaxAmount:      d.Cfg.MaxWithdrawal,
		PayoutAttempts: d.Cfg.PayoutAttempts,
		PayoutBackoff:  d.Cfg.PayoutBackoff,
	})
	walletSvc := wallet.NewService(store, d.Logger)
	reconciler := reconcile.NewService(store, d.Logger, d.Cfg.ReconcileInterval)

	walletHandler := wallet.NewHandler(walletSvc)
	withdrawalHandler := withdrawal.NewHandler(manager)

	// API routes
	api := app.Group("/api/v1")
	api.Get("/ping", func(c *fiber.Ctx) error {
		reqID, _ := c.Locals(middleware.RequestIDKey).(string)
		return c.Status(http.StatusOK).JSON(fiber.Map{
			"status":     "ok",
			"request_id": reqID,
			"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
		})
	})

	RegisterWalletRoutes(api, walletHandler)
	withdrawalLimiter := middleware.WithdrawalRateLimit(d.Cache, d.Cfg.DailyWithdrawalCap)
	RegisterWithdrawalRoutes(api, withdrawalHandler, withdrawalLimiter)

	// Administrative routes, with a structured audit trail per action.
	adminGuard := middleware.AdminKey(d.Cfg.AdminKeyHash, d.Logger)
	admin := api.Group("/admin", adminGuard, middleware.Audit(d.Logger))
	RegisterAdminRoutes(admin, withdrawalHandler, reconciler)

	return reconciler, nil
}
