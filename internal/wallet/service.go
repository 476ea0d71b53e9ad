package wallet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/dispatch-pay/dispatch_pay/internal/ledger"
)

// ErrValidation occurs when a credit payload is structurally invalid.
var ErrValidation = errors.New("invalid credit input")

// Service exposes wallet reads and the delivery-earnings credit operation on
// top of the ledger store.
type Service struct {
	store    ledger.Store
	logger   *slog.Logger
	validate *validator.Validate
}

// NewService constructs a wallet service.
func NewService(store ledger.Store, logger *slog.Logger) *Service {
	return &Service{
		store:    store,
		logger:   logger,
		validate: validator.New(),
	}
}

// CreditInput identifies the earning event to credit. ReferenceID ties the
// credit back to the source record so retries can be detected.
type CreditInput struct {
	OwnerID       string          `json:"owner_id" validate:"required"`
	Amount        decimal.Decimal `json:"amount"`
	ReferenceID   string          `json:"reference_id" validate:"required"`
	ReferenceType string          `json:"reference_type"`
}

// CreditResult reports the wallet state after a credit. Duplicate is set when
// the reference was already posted and no funds moved.
type CreditResult struct {
	Wallet    ledger.Wallet
	Duplicate bool
}

// Credit posts delivery earnings to the owner's wallet, creating it on first
// credit. A replayed reference is absorbed: the current wallet state is
// returned with Duplicate set and no error.
func (s *Service) Credit(ctx context.Context, input CreditInput) (CreditResult, error) {
	if err := s.validate.Struct(input); err != nil {
		return CreditResult{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if input.ReferenceType == "" {
		input.ReferenceType = ledger.RefTypeDelivery
	}

	w, err := s.store.CreditOwner(ctx, input.OwnerID, input.Amount, input.ReferenceID, input.ReferenceType)
	if err != nil {
		if errors.Is(err, ledger.ErrDuplicateReference) {
			s.logger.Info("credit replayed, reference already posted",
				"owner_id", input.OwnerID, "reference_id", input.ReferenceID, "reference_type", input.ReferenceType)
			current, lookupErr := s.store.WalletByOwner(ctx, input.OwnerID)
			if lookupErr != nil {
				return CreditResult{}, lookupErr
			}
			return CreditResult{Wallet: current, Duplicate: true}, nil
		}
		return CreditResult{}, err
	}

	s.logger.Info("wallet credited", "wallet_id", w.ID, "owner_id", input.OwnerID,
		"amount", input.Amount.String(), "reference_id", input.ReferenceID)
	return CreditResult{Wallet: w}, nil
}

// Summary returns the wallet aggregate by id.
func (s *Service) Summary(ctx context.Context, walletID string) (ledger.Wallet, error) {
	return s.store.Wallet(ctx, walletID)
}

// SummaryByOwner returns the wallet aggregate by its owner.
func (s *Service) SummaryByOwner(ctx context.Context, ownerID string) (ledger.Wallet, error) {
	return s.store.WalletByOwner(ctx, ownerID)
}

// Transactions returns a page of the wallet's ledger history.
func (s *Service) Transactions(ctx context.Context, walletID string, filter ledger.EntryFilter, page ledger.Page) ([]ledger.Entry, error) {
	if _, err := s.store.Wallet(ctx, walletID); err != nil {
		return nil, err
	}
	return s.store.Entries(ctx, walletID, filter, page)
}
