package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/dispatch-pay/dispatch_pay/internal/wallet"
)

// RegisterWalletRoutes wires credit and wallet read endpoints.
func RegisterWalletRoutes(router fiber.Router, h *wallet.Handler) {
	router.Post("/credits", h.Credit)
	router.Get("/wallets/:walletId", h.Summary)
	router.Get("/wallets/:walletId/transactions", h.Transactions)
}
