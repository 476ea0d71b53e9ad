package ledger

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// SeedWallet is a test helper that provisions a wallet holding the given
// balance when using the in-memory store. The seed is posted as a CREDIT
// entry so the ledger replay invariant still holds. Returns the wallet id.
func SeedWallet(s Store, ownerID string, balance decimal.Decimal) string {
	mem, ok := s.(*inMemoryStore)
	if !ok {
		return ""
	}
	mem.mu.Lock()
	defer mem.mu.Unlock()

	walletID, exists := mem.byOwner[ownerID]
	if !exists {
		walletID = uuid.NewString()
		mem.wallets[walletID] = Wallet{
			ID:             walletID,
			OwnerID:        ownerID,
			Balance:        decimal.Zero,
			PendingBalance: decimal.Zero,
			Currency:       mem.currency,
			Status:         WalletActive,
			CreatedAt:      time.Now().UTC(),
		}
		mem.byOwner[ownerID] = walletID
	}

	w := mem.wallets[walletID]
	if balance.IsPositive() {
		mem.appendEntry(Entry{
			WalletID:      walletID,
			Type:          EntryCredit,
			Amount:        balance,
			BalanceBefore: w.Balance,
			BalanceAfter:  w.Balance.Add(balance),
			ReferenceID:   "seed:" + uuid.NewString(),
			ReferenceType: RefTypeDelivery,
		})
		w.Balance = w.Balance.Add(balance)
		mem.wallets[walletID] = w
	}
	return walletID
}

// TamperBalance is a test helper that corrupts the stored balance of an
// in-memory wallet without posting a ledger entry, to exercise reconciliation.
func TamperBalance(s Store, walletID string, delta decimal.Decimal) {
	if mem, ok := s.(*inMemoryStore); ok {
		mem.mu.Lock()
		defer mem.mu.Unlock()
		w := mem.wallets[walletID]
		w.Balance = w.Balance.Add(delta)
		mem.wallets[walletID] = w
	}
}
