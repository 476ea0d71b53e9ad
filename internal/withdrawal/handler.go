package withdrawal

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"

	"github.com/dispatch-pay/dispatch_pay/internal/ledger"
)

// Handler exposes withdrawal HTTP endpoints.
type Handler struct {
	manager *Manager
}

// NewHandler constructs a withdrawal handler.
func NewHandler(manager *Manager) *Handler {
	return &Handler{manager: manager}
}

type requestBody struct {
	Amount      string      `json:"amount"`
	BankAccount BankAccount `json:"bank_account"`
}

type withdrawalResponse struct {
	ID              string     `json:"id"`
	WalletID        string     `json:"wallet_id"`
	Amount          string     `json:"amount"`
	Fee             string     `json:"fee"`
	NetAmount       string     `json:"net_amount"`
	Currency        string     `json:"currency"`
	Status          string     `json:"status"`
	RejectionReason string     `json:"rejection_reason,omitempty"`
	GatewayRef      string     `json:"gateway_ref,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	ProcessedAt     *time.Time `json:"processed_at,omitempty"`
}

func toResponse(w ledger.Withdrawal) withdrawalResponse {
	return withdrawalResponse{
		ID:              w.ID,
		WalletID:        w.WalletID,
		Amount:          w.Amount.String(),
		Fee:             w.Fee.String(),
		NetAmount:       w.NetAmount.String(),
		Currency:        w.Currency,
		Status:          w.Status,
		RejectionReason: w.RejectionReason,
		GatewayRef:      w.GatewayRef,
		CreatedAt:       w.CreatedAt,
		ProcessedAt:     w.ProcessedAt,
	}
}

// Request opens a withdrawal for the wallet.
func (h *Handler) Request(c *fiber.Ctx) error {
	var body requestBody
	if err := c.BodyParser(&body); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	amount, err := decimal.NewFromString(body.Amount)
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid amount")
	}

	req, err := h.manager.Request(c.UserContext(), RequestInput{
		WalletID:    c.Params("walletId"),
		Amount:      amount,
		BankAccount: body.BankAccount,
	})
	if err != nil {
		return mapError(err)
	}
	return c.Status(http.StatusCreated).JSON(toResponse(req))
}

// List returns the wallet's withdrawal requests.
func (h *Handler) List(c *fiber.Ctx) error {
	page := pageFromQuery(c)
	reqs, err := h.manager.List(c.UserContext(), c.Params("walletId"), c.Query("status"), page)
	if err != nil {
		return mapError(err)
	}

	out := make([]withdrawalResponse, 0, len(reqs))
	for _, r := range reqs {
		out = append(out, toResponse(r))
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{
		"withdrawals": out,
		"limit":       page.Limit,
		"offset":      page.Offset,
	})
}

type callbackBody struct {
	RequestID      string `json:"request_id"`
	ConfirmationID string `json:"confirmation_id"`
	Outcome        string `json:"outcome"`
	Reason         string `json:"reason"`
}

// Callback applies an asynchronous payout confirmation from the gateway.
func (h *Handler) Callback(c *fiber.Ctx) error {
	var body callbackBody
	if err := c.BodyParser(&body); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}

	req, err := h.manager.HandleConfirmation(c.UserContext(), Confirmation{
		RequestID:      body.RequestID,
		ConfirmationID: body.ConfirmationID,
		Outcome:        body.Outcome,
		Reason:         body.Reason,
	})
	if err != nil {
		return mapError(err)
	}
	return c.Status(http.StatusOK).JSON(toResponse(req))
}

// Process drives a pending request through the payout gateway. Admin only.
func (h *Handler) Process(c *fiber.Ctx) error {
	req, err := h.manager.Process(c.UserContext(), c.Params("requestId"))
	if err != nil && !errors.Is(err, ErrGatewayFailure) {
		return mapError(err)
	}
	// A rejected-after-gateway-failure request is still a valid outcome.
	return c.Status(http.StatusOK).JSON(toResponse(req))
}

type rejectBody struct {
	Reason string `json:"reason"`
}

// ForceReject is the administrative override for stuck requests.
func (h *Handler) ForceReject(c *fiber.Ctx) error {
	var body rejectBody
	if err := c.BodyParser(&body); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	if body.Reason == "" {
		return fiber.NewError(http.StatusBadRequest, "reason is required")
	}

	req, err := h.manager.ForceReject(c.UserContext(), c.Params("requestId"), body.Reason)
	if err != nil {
		return mapError(err)
	}
	return c.Status(http.StatusOK).JSON(toResponse(req))
}

func pageFromQuery(c *fiber.Ctx) ledger.Page {
	limit, _ := strconv.Atoi(c.Query("per_page"))
	offset, _ := strconv.Atoi(c.Query("offset"))
	return ledger.Page{Limit: limit, Offset: offset}
}

func mapError(err error) error {
	switch {
	case errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrValidation), errors.Is(err, ledger.ErrInvalidAmount):
		return fiber.NewError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ledger.ErrInsufficientBalance):
		return fiber.NewError(http.StatusBadRequest, "insufficient balance")
	case errors.Is(err, ledger.ErrDuplicatePendingWithdrawal):
		return fiber.NewError(http.StatusConflict, "a withdrawal is already in flight for this wallet")
	case errors.Is(err, ledger.ErrInvalidStateTransition):
		return fiber.NewError(http.StatusConflict, "invalid state transition")
	case errors.Is(err, ledger.ErrWalletFrozen):
		return fiber.NewError(http.StatusLocked, "wallet frozen pending reconciliation")
	case errors.Is(err, ledger.ErrWalletNotFound), errors.Is(err, ledger.ErrRequestNotFound):
		return fiber.NewError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrGatewayFailure):
		return fiber.NewError(http.StatusBadGateway, "payout gateway failure")
	default:
		return fiber.NewError(http.StatusInternalServerError, err.Error())
	}
}
