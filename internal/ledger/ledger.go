package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidAmount occurs when a mutation is attempted with a non-positive amount.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrInsufficientBalance occurs when a reservation exceeds the available balance.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrDuplicateReference indicates the (reference id, reference type, entry type)
	// triple was already posted and the operation should be treated as idempotent.
	ErrDuplicateReference = errors.New("duplicate reference")

	// ErrDuplicatePendingWithdrawal indicates the wallet already has a withdrawal
	// in a non-terminal state.
	ErrDuplicatePendingWithdrawal = errors.New("withdrawal already in flight")

	// ErrWalletFrozen indicates the wallet was frozen by reconciliation and refuses
	// further withdrawals until manually cleared.
	ErrWalletFrozen = errors.New("wallet frozen")

	// ErrWalletNotFound indicates the wallet does not exist.
	ErrWalletNotFound = errors.New("wallet not found")

	// ErrRequestNotFound indicates the withdrawal request does not exist.
	ErrRequestNotFound = errors.New("withdrawal request not found")

	// ErrInvalidStateTransition indicates a withdrawal status change that the state
	// machine does not permit. Callers log it loudly and treat the operation as a no-op.
	ErrInvalidStateTransition = errors.New("invalid state transition")
)

// Entry types. Each ledger entry records the effect of a single wallet mutation.
const (
	// EntryCredit increases the available balance (delivery earnings).
	EntryCredit = "CREDIT"
	// EntryDebit moves funds from the available balance into escrow for a withdrawal.
	EntryDebit = "DEBIT"
	// EntryWithdrawal settles escrowed funds out of the system entirely.
	EntryWithdrawal = "WITHDRAWAL"
	// EntryRefund returns escrowed funds to the available balance after a rejection.
	EntryRefund = "REFUND"
)

// Reference types used for traceability.
const (
	RefTypeDelivery   = "DELIVERY"
	RefTypeWithdrawal = "WITHDRAWAL"
)

// Wallet statuses.
const (
	WalletActive = "active"
	WalletFrozen = "frozen"
)

// Withdrawal request statuses.
const (
	StatusPending    = "PENDING"
	StatusProcessing = "PROCESSING"
	StatusCompleted  = "COMPLETED"
	StatusRejected   = "REJECTED"
)

// Wallet is the per-owner aggregate holding available and escrowed funds.
// Balance and PendingBalance never go negative; both are mutated only through
// Store operations, each of which posts a matching ledger entry atomically.
type Wallet struct {
	ID             string
	OwnerID        string
	Balance        decimal.Decimal
	PendingBalance decimal.Decimal
	Currency       string
	Status         string
	CreatedAt      time.Time
}

// Entry is an immutable record of a single balance-affecting event. Entries are
// never updated or deleted.
type Entry struct {
	ID            string
	WalletID      string
	Type          string
	Amount        decimal.Decimal
	BalanceBefore decimal.Decimal
	BalanceAfter  decimal.Decimal
	ReferenceID   string
	ReferenceType string
	CreatedAt     time.Time
}

// Withdrawal is the persisted withdrawal request row. Its lifecycle is owned by
// the withdrawal manager; it becomes immutable once terminal.
type Withdrawal struct {
	ID              string
	WalletID        string
	Amount          decimal.Decimal
	Fee             decimal.Decimal
	NetAmount       decimal.Decimal
	Currency        string
	HolderName      string
	IBAN            string
	BIC             string
	Status          string
	RejectionReason string
	GatewayRef      string
	CreatedAt       time.Time
	ProcessedAt     *time.Time
}

// Terminal reports whether the request reached a final status.
func (w Withdrawal) Terminal() bool {
	return w.Status == StatusCompleted || w.Status == StatusRejected
}

// EntryFilter narrows ledger history queries.
type EntryFilter struct {
	Type string
	From time.Time
	To   time.Time
}

// Page bounds list queries.
type Page struct {
	Limit  int
	Offset int
}

func (p Page) normalize() Page {
	if p.Limit <= 0 || p.Limit > 100 {
		p.Limit = 50
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

// Store is the transactional boundary around the wallet, ledger and withdrawal
// tables. Every mutating operation is atomic per wallet: the balance change,
// the ledger entry and any withdrawal row change commit together or not at all.
// Implementations serialize concurrent mutations on the same wallet.
type Store interface {
	// CreditOwner credits delivery earnings, creating the owner's wallet lazily
	// on first credit. Idempotent per (referenceID, referenceType): a retried
	// credit returns ErrDuplicateReference without posting a second entry.
	CreditOwner(ctx context.Context, ownerID string, amount decimal.Decimal, referenceID, referenceType string) (Wallet, error)

	Wallet(ctx context.Context, walletID string) (Wallet, error)
	WalletByOwner(ctx context.Context, ownerID string) (Wallet, error)
	WalletIDs(ctx context.Context) ([]string, error)

	// Entries returns the wallet's ledger history in creation order.
	Entries(ctx context.Context, walletID string, filter EntryFilter, page Page) ([]Entry, error)

	// WalletWithEntries returns the wallet row together with its full ledger
	// history in one consistent snapshot. Reconciliation depends on this:
	// reading the row and the entries separately would let a concurrent credit
	// land between the two reads and make a healthy wallet look divergent.
	WalletWithEntries(ctx context.Context, walletID string) (Wallet, []Entry, error)

	// Freeze marks the wallet so further withdrawals are refused. Used by
	// reconciliation when the ledger and the stored balances diverge.
	Freeze(ctx context.Context, walletID string) error

	// CreateWithdrawal reserves the requested amount (balance -> pending),
	// posts the DEBIT entry and persists the PENDING request in one unit.
	CreateWithdrawal(ctx context.Context, w Withdrawal) (Withdrawal, error)

	WithdrawalByID(ctx context.Context, requestID string) (Withdrawal, error)
	Withdrawals(ctx context.Context, walletID, status string, page Page) ([]Withdrawal, error)

	// MarkProcessing flips PENDING -> PROCESSING. Any other current status
	// yields ErrInvalidStateTransition.
	MarkProcessing(ctx context.Context, requestID string) (Withdrawal, error)

	// SettleWithdrawal flips PROCESSING -> COMPLETED, releases the escrowed
	// amount out of the system and posts the WITHDRAWAL entry.
	SettleWithdrawal(ctx context.Context, requestID, gatewayRef string) (Withdrawal, error)

	// RejectWithdrawal flips PENDING|PROCESSING -> REJECTED, returns the
	// escrowed amount to the balance and posts the REFUND entry.
	RejectWithdrawal(ctx context.Context, requestID, reason string) (Withdrawal, error)
}

// Replay recomputes the balances a wallet should hold by walking its ledger in
// creation order. Reconciliation compares the result against the stored row.
func Replay(entries []Entry) (balance, pending decimal.Decimal) {
	balance = decimal.Zero
	pending = decimal.Zero
	for _, e := range entries {
		switch e.Type {
		case EntryCredit:
			balance = balance.Add(e.Amount)
		case EntryDebit:
			// Amount is negative: the debit leaves the balance and enters escrow.
			balance = balance.Add(e.Amount)
			pending = pending.Sub(e.Amount)
		case EntryWithdrawal:
			pending = pending.Add(e.Amount)
		case EntryRefund:
			balance = balance.Add(e.Amount)
			pending = pending.Sub(e.Amount)
		}
	}
	return balance, pending
}
