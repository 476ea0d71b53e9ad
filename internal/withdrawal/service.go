package withdrawal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/dispatch-pay/dispatch_pay/internal/fees"
	"github.com/dispatch-pay/dispatch_pay/internal/ledger"
	"github.com/dispatch-pay/dispatch_pay/internal/notification"
)

var (
	// ErrInvalidAmount occurs when the requested amount is outside the
	// configured withdrawal bounds.
	ErrInvalidAmount = errors.New("amount outside withdrawal bounds")

	// ErrValidation occurs when the destination bank account is malformed.
	ErrValidation = errors.New("invalid bank account")

	// ErrGatewayFailure occurs when the payout gateway failed after the
	// configured retry budget was exhausted.
	ErrGatewayFailure = errors.New("payout gateway failure")
)

// BankAccount is the structured payout destination, validated at the boundary
// before it reaches the manager.
type BankAccount struct {
	HolderName string `json:"holder_name" validate:"required,min=2,max=140"`
	IBAN       string `json:"iban" validate:"required,alphanum,min=15,max=34"`
	BIC        string `json:"bic" validate:"required,alphanum,min=8,max=11"`
}

// Options bounds and tunes the withdrawal lifecycle.
type Options struct {
	MinAmount      decimal.Decimal
	MaxAmount      decimal.Decimal
	PayoutAttempts int
	PayoutBackoff  time.Duration
}

// Manager owns the withdrawal state machine:
// PENDING -> PROCESSING -> COMPLETED | REJECTED, with PENDING -> REJECTED
// allowed for pre-processing rejections. The reservation and the request row
// are created in one storage transaction; the payout gateway is only ever
// called outside any transaction or lock.
type Manager struct {
	store    ledger.Store
	fees     fees.Calculator
	gateway  PayoutGateway
	notifier notification.Notifier
	logger   *slog.Logger
	opts     Options
	validate *validator.Validate
}

// NewManager constructs a withdrawal manager.
func NewManager(store ledger.Store, calc fees.Calculator, gateway PayoutGateway, notifier notification.Notifier, logger *slog.Logger, opts Options) *Manager {
	if gateway == nil {
		gateway = StaticGateway{}
	}
	if opts.PayoutAttempts < 1 {
		opts.PayoutAttempts = 1
	}
	return &Manager{
		store:    store,
		fees:     calc,
		gateway:  gateway,
		notifier: notifier,
		logger:   logger,
		opts:     opts,
		validate: validator.New(),
	}
}

// RequestInput captures the data needed to open a withdrawal.
type RequestInput struct {
	WalletID    string
	Amount      decimal.Decimal
	BankAccount BankAccount
}

// Request validates the input, computes the fee and atomically reserves the
// amount while persisting the PENDING request. Either both happen or neither.
func (m *Manager) Request(ctx context.Context, input RequestInput) (ledger.Withdrawal, error) {
	if input.Amount.LessThan(m.opts.MinAmount) || input.Amount.GreaterThan(m.opts.MaxAmount) {
		return ledger.Withdrawal{}, fmt.Errorf("%w: %s not in [%s, %s]",
			ErrInvalidAmount, input.Amount, m.opts.MinAmount, m.opts.MaxAmount)
	}
	if err := m.validate.Struct(input.BankAccount); err != nil {
		return ledger.Withdrawal{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	fee, net, err := m.fees.Compute(input.Amount)
	if err != nil {
		return ledger.Withdrawal{}, fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}

	req, err := m.store.CreateWithdrawal(ctx, ledger.Withdrawal{
		WalletID:   input.WalletID,
		Amount:     input.Amount,
		Fee:        fee,
		NetAmount:  net,
		HolderName: input.BankAccount.HolderName,
		IBAN:       input.BankAccount.IBAN,
		BIC:        input.BankAccount.BIC,
	})
	if err != nil {
		return ledger.Withdrawal{}, err
	}

	m.notify(ctx, req, notification.KindWithdrawalRequested,
		fmt.Sprintf("Withdrawal of %s %s requested", req.Amount, req.Currency))
	return req, nil
}

// BeginProcessing flips PENDING -> PROCESSING. This is the last step inside a
// fast storage transaction before the gateway is contacted.
func (m *Manager) BeginProcessing(ctx context.Context, requestID string) (ledger.Withdrawal, error) {
	req, err := m.store.MarkProcessing(ctx, requestID)
	if err != nil {
		if errors.Is(err, ledger.ErrInvalidStateTransition) {
			m.logger.Error("begin processing on non-pending request", "request_id", requestID)
		}
		return ledger.Withdrawal{}, err
	}
	return req, nil
}

// Complete finalizes a withdrawal after gateway confirmation. It is idempotent
// on the confirmation id: a repeated callback for an already completed request
// is a no-op. A confirmation arriving before BeginProcessing promotes the
// request itself, so out-of-order delivery is safe.
func (m *Manager) Complete(ctx context.Context, requestID, confirmationID string) (ledger.Withdrawal, error) {
	req, err := m.store.WithdrawalByID(ctx, requestID)
	if err != nil {
		return ledger.Withdrawal{}, err
	}

	switch req.Status {
	case ledger.StatusCompleted:
		if req.GatewayRef == confirmationID {
			return req, nil
		}
		m.logger.Error("completion with conflicting confirmation id",
			"request_id", requestID, "stored_ref", req.GatewayRef, "new_ref", confirmationID)
		return req, ledger.ErrInvalidStateTransition
	case ledger.StatusRejected:
		m.logger.Error("completion of rejected request", "request_id", requestID, "confirmation_id", confirmationID)
		return req, ledger.ErrInvalidStateTransition
	case ledger.StatusPending:
		if _, err := m.store.MarkProcessing(ctx, requestID); err != nil && !errors.Is(err, ledger.ErrInvalidStateTransition) {
			return ledger.Withdrawal{}, err
		}
	}

	// Audit check: the fee recorded at request time must match a fresh
	// computation, since the calculator is pure.
	if fee, net, err := m.fees.Compute(req.Amount); err != nil || !fee.Equal(req.Fee) || !net.Equal(req.NetAmount) {
		m.logger.Error("fee mismatch at completion",
			"request_id", req.ID, "stored_fee", req.Fee, "recomputed_fee", fee, "error", err)
	}

	settled, err := m.store.SettleWithdrawal(ctx, requestID, confirmationID)
	if err != nil {
		// A concurrent duplicate callback may have settled it first.
		if errors.Is(err, ledger.ErrInvalidStateTransition) {
			if cur, lookupErr := m.store.WithdrawalByID(ctx, requestID); lookupErr == nil &&
				cur.Status == ledger.StatusCompleted && cur.GatewayRef == confirmationID {
				return cur, nil
			}
		}
		return ledger.Withdrawal{}, err
	}

	m.notify(ctx, settled, notification.KindWithdrawalCompleted,
		fmt.Sprintf("Withdrawal of %s %s paid out (net %s)", settled.Amount, settled.Currency, settled.NetAmount))
	return settled, nil
}

// Reject moves a PENDING or PROCESSING request to REJECTED and refunds the
// reserved amount. Rejecting an already rejected request is a no-op.
func (m *Manager) Reject(ctx context.Context, requestID, reason string) (ledger.Withdrawal, error) {
	req, err := m.store.WithdrawalByID(ctx, requestID)
	if err != nil {
		return ledger.Withdrawal{}, err
	}
	if req.Status == ledger.StatusRejected {
		return req, nil
	}
	if req.Status == ledger.StatusCompleted {
		m.logger.Error("rejection of completed request", "request_id", requestID, "reason", reason)
		return req, ledger.ErrInvalidStateTransition
	}

	rejected, err := m.store.RejectWithdrawal(ctx, requestID, reason)
	if err != nil {
		return ledger.Withdrawal{}, err
	}

	m.notify(ctx, rejected, notification.KindWithdrawalRejected,
		fmt.Sprintf("Withdrawal of %s %s rejected: %s", rejected.Amount, rejected.Currency, reason))
	return rejected, nil
}

// ForceReject is the administrative override for stuck requests.
func (m *Manager) ForceReject(ctx context.Context, requestID, reason string) (ledger.Withdrawal, error) {
	m.logger.Warn("administrative force-reject", "request_id", requestID, "reason", reason)
	return m.Reject(ctx, requestID, reason)
}

// Process drives a PENDING request through the gateway: a short transaction
// flips it to PROCESSING, the payout runs outside any lock with bounded
// retries, and the terminal outcome is applied in another short transaction.
// If the retry budget is exhausted the request is rejected and funds return.
func (m *Manager) Process(ctx context.Context, requestID string) (ledger.Withdrawal, error) {
	req, err := m.BeginProcessing(ctx, requestID)
	if err != nil {
		return ledger.Withdrawal{}, err
	}

	confirmation, err := m.sendWithRetry(ctx, Payout{
		RequestID: req.ID,
		Amount:    req.NetAmount,
		Currency:  req.Currency,
		BankAccount: BankAccount{
			HolderName: req.HolderName,
			IBAN:       req.IBAN,
			BIC:        req.BIC,
		},
	})
	if err != nil {
		m.logger.Error("payout gateway exhausted", "request_id", req.ID, "wallet_id", req.WalletID,
			"amount", req.Amount.String(), "error", err)
		if _, rejectErr := m.Reject(ctx, req.ID, "gateway failure"); rejectErr != nil {
			return ledger.Withdrawal{}, fmt.Errorf("reject after gateway failure: %w", rejectErr)
		}
		rejected, lookupErr := m.store.WithdrawalByID(ctx, req.ID)
		if lookupErr != nil {
			return ledger.Withdrawal{}, lookupErr
		}
		return rejected, ErrGatewayFailure
	}

	return m.Complete(ctx, req.ID, confirmation.ConfirmationID)
}

// Confirmation is the asynchronous gateway callback payload.
type Confirmation struct {
	RequestID      string
	ConfirmationID string
	Outcome        string // "paid" or "failed"
	Reason         string
}

// HandleConfirmation applies an asynchronous gateway outcome. It is an
// idempotent message handler keyed by request id + confirmation id, safe to
// invoke multiple times or out of order.
func (m *Manager) HandleConfirmation(ctx context.Context, c Confirmation) (ledger.Withdrawal, error) {
	switch c.Outcome {
	case "paid":
		return m.Complete(ctx, c.RequestID, c.ConfirmationID)
	case "failed":
		reason := c.Reason
		if reason == "" {
			reason = "gateway reported failure"
		}
		return m.Reject(ctx, c.RequestID, reason)
	default:
		return ledger.Withdrawal{}, fmt.Errorf("%w: unknown outcome %q", ErrValidation, c.Outcome)
	}
}

// Get fetches a withdrawal request.
func (m *Manager) Get(ctx context.Context, requestID string) (ledger.Withdrawal, error) {
	return m.store.WithdrawalByID(ctx, requestID)
}

// List returns a wallet's withdrawal requests, optionally filtered by status.
func (m *Manager) List(ctx context.Context, walletID, status string, page ledger.Page) ([]ledger.Withdrawal, error) {
	return m.store.Withdrawals(ctx, walletID, status, page)
}

func (m *Manager) sendWithRetry(ctx context.Context, payout Payout) (PayoutConfirmation, error) {
	var lastErr error
	for attempt := 1; attempt <= m.opts.PayoutAttempts; attempt++ {
		confirmation, err := m.gateway.SendPayout(ctx, payout)
		if err == nil {
			return confirmation, nil
		}
		lastErr = err
		m.logger.Warn("payout attempt failed", "request_id", payout.RequestID,
			"attempt", attempt, "error", err)

		if attempt == m.opts.PayoutAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return PayoutConfirmation{}, ctx.Err()
		case <-time.After(m.opts.PayoutBackoff * time.Duration(attempt)):
		}
	}
	return PayoutConfirmation{}, fmt.Errorf("%w: %v", ErrGatewayFailure, lastErr)
}

func (m *Manager) notify(ctx context.Context, req ledger.Withdrawal, kind, body string) {
	if m.notifier == nil {
		return
	}
	wallet, err := m.store.Wallet(ctx, req.WalletID)
	if err != nil {
		return
	}
	_ = m.notifier.Send(ctx, notification.Message{
		Kind:        kind,
		Destination: wallet.OwnerID,
		Body:        body,
	})
}
