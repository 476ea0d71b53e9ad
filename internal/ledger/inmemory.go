package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type inMemoryStore struct {
	mu       sync.Mutex
	currency string

	wallets     map[string]Wallet
	byOwner     map[string]string
	entries     map[string][]Entry
	refs        map[refKey]struct{}
	withdrawals map[string]Withdrawal
	open        map[string]string // wallet id -> non-terminal request id
}

type refKey struct {
	referenceID   string
	referenceType string
	entryType     string
}

// NewInMemory creates a concurrency-safe in-memory store with the same
// semantics as the Postgres backend, useful for unit tests and dev mode.
// A single mutex serializes all mutations, which trivially satisfies the
// per-wallet serialization requirement.
func NewInMemory(currency string) Store {
	return &inMemoryStore{
		currency:    currency,
		wallets:     make(map[string]Wallet),
		byOwner:     make(map[string]string),
		entries:     make(map[string][]Entry),
		refs:        make(map[refKey]struct{}),
		withdrawals: make(map[string]Withdrawal),
		open:        make(map[string]string),
	}
}

func (s *inMemoryStore) CreditOwner(_ context.Context, ownerID string, amount decimal.Decimal, referenceID, referenceType string) (Wallet, error) {
	if !amount.IsPositive() {
		return Wallet{}, ErrInvalidAmount
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := refKey{referenceID, referenceType, EntryCredit}
	if _, exists := s.refs[key]; exists {
		return Wallet{}, ErrDuplicateReference
	}

	walletID, ok := s.byOwner[ownerID]
	if !ok {
		walletID = uuid.NewString()
		s.wallets[walletID] = Wallet{
			ID:             walletID,
			OwnerID:        ownerID,
			Balance:        decimal.Zero,
			PendingBalance: decimal.Zero,
			Currency:       s.currency,
			Status:         WalletActive,
			CreatedAt:      time.Now().UTC(),
		}
		s.byOwner[ownerID] = walletID
	}

	w := s.wallets[walletID]
	after := w.Balance.Add(amount)
	s.appendEntry(Entry{
		WalletID:      walletID,
		Type:          EntryCredit,
		Amount:        amount,
		BalanceBefore: w.Balance,
		BalanceAfter:  after,
		ReferenceID:   referenceID,
		ReferenceType: referenceType,
	})
	w.Balance = after
	s.wallets[walletID] = w
	return w, nil
}

func (s *inMemoryStore) Wallet(_ context.Context, walletID string) (Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.wallets[walletID]
	if !ok {
		return Wallet{}, ErrWalletNotFound
	}
	return w, nil
}

func (s *inMemoryStore) WalletByOwner(_ context.Context, ownerID string) (Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byOwner[ownerID]
	if !ok {
		return Wallet{}, ErrWalletNotFound
	}
	return s.wallets[id], nil
}

func (s *inMemoryStore) WalletIDs(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.wallets))
	for id := range s.wallets {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *inMemoryStore) Entries(_ context.Context, walletID string, filter EntryFilter, page Page) ([]Entry, error) {
	page = page.normalize()

	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []Entry
	for _, e := range s.entries[walletID] {
		if filter.Type != "" && e.Type != filter.Type {
			continue
		}
		if !filter.From.IsZero() && e.CreatedAt.Before(filter.From) {
			continue
		}
		if !filter.To.IsZero() && !e.CreatedAt.Before(filter.To) {
			continue
		}
		matched = append(matched, e)
	}

	if page.Offset >= len(matched) {
		return nil, nil
	}
	matched = matched[page.Offset:]
	if len(matched) > page.Limit {
		matched = matched[:page.Limit]
	}
	out := make([]Entry, len(matched))
	copy(out, matched)
	return out, nil
}

func (s *inMemoryStore) WalletWithEntries(_ context.Context, walletID string) (Wallet, []Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.wallets[walletID]
	if !ok {
		return Wallet{}, nil, ErrWalletNotFound
	}
	entries := make([]Entry, len(s.entries[walletID]))
	copy(entries, s.entries[walletID])
	return w, entries, nil
}

func (s *inMemoryStore) Freeze(_ context.Context, walletID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.wallets[walletID]
	if !ok {
		return ErrWalletNotFound
	}
	w.Status = WalletFrozen
	s.wallets[walletID] = w
	return nil
}

func (s *inMemoryStore) CreateWithdrawal(_ context.Context, w Withdrawal) (Withdrawal, error) {
	if !w.Amount.IsPositive() {
		return Withdrawal{}, ErrInvalidAmount
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	wallet, ok := s.wallets[w.WalletID]
	if !ok {
		return Withdrawal{}, ErrWalletNotFound
	}
	if wallet.Status == WalletFrozen {
		return Withdrawal{}, ErrWalletFrozen
	}
	if _, inFlight := s.open[w.WalletID]; inFlight {
		return Withdrawal{}, ErrDuplicatePendingWithdrawal
	}
	if wallet.Balance.LessThan(w.Amount) {
		return Withdrawal{}, ErrInsufficientBalance
	}

	if w.ID == "" {
		w.ID = uuid.NewString()
	}
	w.Currency = wallet.Currency
	w.Status = StatusPending
	w.CreatedAt = time.Now().UTC()

	after := wallet.Balance.Sub(w.Amount)
	s.appendEntry(Entry{
		WalletID:      wallet.ID,
		Type:          EntryDebit,
		Amount:        w.Amount.Neg(),
		BalanceBefore: wallet.Balance,
		BalanceAfter:  after,
		ReferenceID:   w.ID,
		ReferenceType: RefTypeWithdrawal,
	})
	wallet.Balance = after
	wallet.PendingBalance = wallet.PendingBalance.Add(w.Amount)
	s.wallets[wallet.ID] = wallet

	s.withdrawals[w.ID] = w
	s.open[w.WalletID] = w.ID
	return w, nil
}

func (s *inMemoryStore) WithdrawalByID(_ context.Context, requestID string) (Withdrawal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.withdrawals[requestID]
	if !ok {
		return Withdrawal{}, ErrRequestNotFound
	}
	return w, nil
}

func (s *inMemoryStore) Withdrawals(_ context.Context, walletID, status string, page Page) ([]Withdrawal, error) {
	page = page.normalize()

	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []Withdrawal
	for _, w := range s.withdrawals {
		if w.WalletID != walletID {
			continue
		}
		if status != "" && w.Status != status {
			continue
		}
		matched = append(matched, w)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].CreatedAt.After(matched[j].CreatedAt) })

	if page.Offset >= len(matched) {
		return nil, nil
	}
	matched = matched[page.Offset:]
	if len(matched) > page.Limit {
		matched = matched[:page.Limit]
	}
	return matched, nil
}

func (s *inMemoryStore) MarkProcessing(_ context.Context, requestID string) (Withdrawal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.withdrawals[requestID]
	if !ok {
		return Withdrawal{}, ErrRequestNotFound
	}
	if w.Status != StatusPending {
		return Withdrawal{}, ErrInvalidStateTransition
	}

	now := time.Now().UTC()
	w.Status = StatusProcessing
	w.ProcessedAt = &now
	s.withdrawals[requestID] = w
	return w, nil
}

func (s *inMemoryStore) SettleWithdrawal(_ context.Context, requestID, gatewayRef string) (Withdrawal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.withdrawals[requestID]
	if !ok {
		return Withdrawal{}, ErrRequestNotFound
	}
	if w.Status != StatusProcessing {
		return Withdrawal{}, ErrInvalidStateTransition
	}

	wallet := s.wallets[w.WalletID]
	s.appendEntry(Entry{
		WalletID:      wallet.ID,
		Type:          EntryWithdrawal,
		Amount:        w.Amount.Neg(),
		BalanceBefore: wallet.Balance,
		BalanceAfter:  wallet.Balance,
		ReferenceID:   w.ID,
		ReferenceType: RefTypeWithdrawal,
	})
	wallet.PendingBalance = wallet.PendingBalance.Sub(w.Amount)
	s.wallets[wallet.ID] = wallet

	now := time.Now().UTC()
	w.Status = StatusCompleted
	w.GatewayRef = gatewayRef
	w.ProcessedAt = &now
	s.withdrawals[requestID] = w
	delete(s.open, w.WalletID)
	return w, nil
}

func (s *inMemoryStore) RejectWithdrawal(_ context.Context, requestID, reason string) (Withdrawal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.withdrawals[requestID]
	if !ok {
		return Withdrawal{}, ErrRequestNotFound
	}
	if w.Status != StatusPending && w.Status != StatusProcessing {
		return Withdrawal{}, ErrInvalidStateTransition
	}

	wallet := s.wallets[w.WalletID]
	after := wallet.Balance.Add(w.Amount)
	s.appendEntry(Entry{
		WalletID:      wallet.ID,
		Type:          EntryRefund,
		Amount:        w.Amount,
		BalanceBefore: wallet.Balance,
		BalanceAfter:  after,
		ReferenceID:   w.ID,
		ReferenceType: RefTypeWithdrawal,
	})
	wallet.Balance = after
	wallet.PendingBalance = wallet.PendingBalance.Sub(w.Amount)
	s.wallets[wallet.ID] = wallet

	now := time.Now().UTC()
	w.Status = StatusRejected
	w.RejectionReason = reason
	w.ProcessedAt = &now
	s.withdrawals[requestID] = w
	delete(s.open, w.WalletID)
	return w, nil
}

// appendEntry records an entry and its idempotency key. Callers hold the lock.
func (s *inMemoryStore) appendEntry(e Entry) {
	e.ID = uuid.NewString()
	e.CreatedAt = time.Now().UTC()
	s.entries[e.WalletID] = append(s.entries[e.WalletID], e)
	s.refs[refKey{e.ReferenceID, e.ReferenceType, e.Type}] = struct{}{}
}
