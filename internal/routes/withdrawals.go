package routes

import (
	"errors"
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/dispatch-pay/dispatch_pay/internal/ledger"
	"github.com/dispatch-pay/dispatch_pay/internal/reconcile"
	"github.com/dispatch-pay/dispatch_pay/internal/withdrawal"
)

// RegisterWithdrawalRoutes wires the courier-facing withdrawal endpoints and
// the asynchronous gateway callback.
func RegisterWithdrawalRoutes(router fiber.Router, h *withdrawal.Handler, limiter fiber.Handler) {
	router.Post("/wallets/:walletId/withdrawals", limiter, h.Request)
	router.Get("/wallets/:walletId/withdrawals", h.List)
	router.Post("/payouts/callback", h.Callback)
}

// RegisterAdminRoutes wires operator-only endpoints: driving payouts,
// overriding stuck requests and triggering reconciliation on demand.
func RegisterAdminRoutes(router fiber.Router, h *withdrawal.Handler, reconciler *reconcile.Service) {
	router.Post("/withdrawals/:requestId/process", h.Process)
	router.Post("/withdrawals/:requestId/force-reject", h.ForceReject)

	router.Post("/reconcile", func(c *fiber.Ctx) error {
		report, err := reconciler.SweepOnce(c.UserContext())
		if err != nil {
			return fiber.NewError(http.StatusInternalServerError, err.Error())
		}
		return c.Status(http.StatusOK).JSON(report)
	})

	router.Post("/wallets/:walletId/reconcile", func(c *fiber.Ctx) error {
		err := reconciler.CheckWallet(c.UserContext(), c.Params("walletId"))
		switch {
		case err == nil:
			return c.Status(http.StatusOK).JSON(fiber.Map{"status": "ok"})
		case errors.Is(err, reconcile.ErrMismatch):
			return c.Status(http.StatusConflict).JSON(fiber.Map{"status": "mismatch", "detail": err.Error()})
		case errors.Is(err, ledger.ErrWalletNotFound):
			return fiber.NewError(http.StatusNotFound, "wallet not found")
		default:
			return fiber.NewError(http.StatusInternalServerError, err.Error())
		}
	})
}
