package wallet

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"

	"github.com/dispatch-pay/dispatch_pay/internal/ledger"
)

// Handler exposes wallet HTTP endpoints.
type Handler struct {
	service *Service
}

// NewHandler constructs a wallet handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

type creditBody struct {
	OwnerID       string `json:"owner_id"`
	Amount        string `json:"amount"`
	ReferenceID   string `json:"reference_id"`
	ReferenceType string `json:"reference_type"`
}

type walletResponse struct {
	ID             string    `json:"id"`
	OwnerID        string    `json:"owner_id"`
	Balance        string    `json:"balance"`
	PendingBalance string    `json:"pending_balance"`
	Currency       string    `json:"currency"`
	Status         string    `json:"status"`
	CreatedAt      time.Time `json:"created_at"`
}

func toResponse(w ledger.Wallet) walletResponse {
	return walletResponse{
		ID:             w.ID,
		OwnerID:        w.OwnerID,
		Balance:        w.Balance.String(),
		PendingBalance: w.PendingBalance.String(),
		Currency:       w.Currency,
		Status:         w.Status,
		CreatedAt:      w.CreatedAt,
	}
}

type entryResponse struct {
	ID            string    `json:"id"`
	Type          string    `json:"type"`
	Amount        string    `json:"amount"`
	BalanceBefore string    `json:"balance_before"`
	BalanceAfter  string    `json:"balance_after"`
	ReferenceID   string    `json:"reference_id"`
	ReferenceType string    `json:"reference_type"`
	CreatedAt     time.Time `json:"created_at"`
}

// Credit posts delivery earnings to the owner's wallet. A replayed reference
// returns 200 with the unchanged wallet instead of posting twice.
func (h *Handler) Credit(c *fiber.Ctx) error {
	var body creditBody
	if err := c.BodyParser(&body); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	amount, err := decimal.NewFromString(body.Amount)
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid amount")
	}

	result, err := h.service.Credit(c.UserContext(), CreditInput{
		OwnerID:       body.OwnerID,
		Amount:        amount,
		ReferenceID:   body.ReferenceID,
		ReferenceType: body.ReferenceType,
	})
	if err != nil {
		return mapError(err)
	}

	status := http.StatusCreated
	if result.Duplicate {
		status = http.StatusOK
	}
	return c.Status(status).JSON(fiber.Map{
		"wallet":    toResponse(result.Wallet),
		"duplicate": result.Duplicate,
	})
}

// Summary returns the wallet's balances.
func (h *Handler) Summary(c *fiber.Ctx) error {
	w, err := h.service.Summary(c.UserContext(), c.Params("walletId"))
	if err != nil {
		return mapError(err)
	}
	return c.Status(http.StatusOK).JSON(toResponse(w))
}

// Transactions returns a page of the wallet's ledger history, optionally
// filtered by entry type and a created-at window.
func (h *Handler) Transactions(c *fiber.Ctx) error {
	filter, err := filterFromQuery(c)
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	page := pageFromQuery(c)

	entries, err := h.service.Transactions(c.UserContext(), c.Params("walletId"), filter, page)
	if err != nil {
		return mapError(err)
	}

	out := make([]entryResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, entryResponse{
			ID:            e.ID,
			Type:          e.Type,
			Amount:        e.Amount.String(),
			BalanceBefore: e.BalanceBefore.String(),
			BalanceAfter:  e.BalanceAfter.String(),
			ReferenceID:   e.ReferenceID,
			ReferenceType: e.ReferenceType,
			CreatedAt:     e.CreatedAt,
		})
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{
		"transactions": out,
		"limit":        page.Limit,
		"offset":       page.Offset,
	})
}

func filterFromQuery(c *fiber.Ctx) (ledger.EntryFilter, error) {
	filter := ledger.EntryFilter{Type: c.Query("type")}
	if raw := c.Query("from"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return ledger.EntryFilter{}, errors.New("invalid from timestamp")
		}
		filter.From = t
	}
	if raw := c.Query("to"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return ledger.EntryFilter{}, errors.New("invalid to timestamp")
		}
		filter.To = t
	}
	return filter, nil
}

func pageFromQuery(c *fiber.Ctx) ledger.Page {
	limit, _ := strconv.Atoi(c.Query("per_page"))
	offset, _ := strconv.Atoi(c.Query("offset"))
	return ledger.Page{Limit: limit, Offset: offset}
}

func mapError(err error) error {
	switch {
	case errors.Is(err, ErrValidation), errors.Is(err, ledger.ErrInvalidAmount):
		return fiber.NewError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ledger.ErrWalletNotFound):
		return fiber.NewError(http.StatusNotFound, "wallet not found")
	default:
		return fiber.NewError(http.StatusInternalServerError, err.Error())
	}
}
