package reconcile

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/dispatch-pay/dispatch_pay/internal/ledger"
	"github.com/dispatch-pay/dispatch_pay/internal/logging"
)

func dec(v string) decimal.Decimal {
	d, err := decimal.NewFromString(v)
	if err != nil {
		panic(err)
	}
	return d
}

func TestCheckWalletCleanLedger(t *testing.T) {
	store := ledger.NewInMemory("EUR")
	walletID := ledger.SeedWallet(store, uuid.NewString(), dec("75"))
	s := NewService(store, logging.Discard(), 0)

	if err := s.CheckWallet(context.Background(), walletID); err != nil {
		t.Fatalf("clean wallet must pass: %v", err)
	}

	w, _ := store.Wallet(context.Background(), walletID)
	if w.Status != ledger.WalletActive {
		t.Fatalf("clean wallet must stay active, got %s", w.Status)
	}
}

func TestCheckWalletFreezesOnMismatch(t *testing.T) {
	store := ledger.NewInMemory("EUR")
	ctx := context.Background()
	walletID := ledger.SeedWallet(store, uuid.NewString(), dec("75"))
	ledger.TamperBalance(store, walletID, dec("5"))

	s := NewService(store, logging.Discard(), 0)
	if err := s.CheckWallet(ctx, walletID); !errors.Is(err, ErrMismatch) {
		t.Fatalf("expected ErrMismatch, got %v", err)
	}

	w, _ := store.Wallet(ctx, walletID)
	if w.Status != ledger.WalletFrozen {
		t.Fatalf("mismatched wallet must be frozen, got %s", w.Status)
	}
	// Balances are never auto-corrected.
	if !w.Balance.Equal(dec("80")) {
		t.Fatalf("balance must stay as stored, got %s", w.Balance)
	}

	if _, err := store.CreateWithdrawal(ctx, ledger.Withdrawal{
		WalletID: walletID, Amount: dec("10"), Fee: dec("1"), NetAmount: dec("9"),
	}); !errors.Is(err, ledger.ErrWalletFrozen) {
		t.Fatalf("frozen wallet must refuse withdrawals, got %v", err)
	}
}

func TestCheckWalletWithFullLifecycle(t *testing.T) {
	store := ledger.NewInMemory("EUR")
	ctx := context.Background()
	walletID := ledger.SeedWallet(store, uuid.NewString(), dec("100"))

	req, err := store.CreateWithdrawal(ctx, ledger.Withdrawal{
		WalletID: walletID, Amount: dec("40"), Fee: dec("1"), NetAmount: dec("39"),
	})
	if err != nil {
		t.Fatalf("create withdrawal: %v", err)
	}
	if _, err := store.MarkProcessing(ctx, req.ID); err != nil {
		t.Fatalf("mark processing: %v", err)
	}
	if _, err := store.SettleWithdrawal(ctx, req.ID, "conf-1"); err != nil {
		t.Fatalf("settle: %v", err)
	}

	s := NewService(store, logging.Discard(), 0)
	if err := s.CheckWallet(ctx, walletID); err != nil {
		t.Fatalf("settled lifecycle must replay cleanly: %v", err)
	}
}

func TestCheckWalletUnaffectedByConcurrentCredits(t *testing.T) {
	store := ledger.NewInMemory("EUR")
	ctx := context.Background()
	owner := uuid.NewString()
	walletID := ledger.SeedWallet(store, owner, dec("50"))
	s := NewService(store, logging.Discard(), 0)

	// Credits keep landing while checks run. The row and the entries come from
	// one snapshot, so no interleaving may flag the wallet as divergent.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			if _, err := store.CreditOwner(ctx, owner, dec("5"), fmt.Sprintf("d%d", i), ledger.RefTypeDelivery); err != nil {
				t.Errorf("credit %d: %v", i, err)
				return
			}
		}
	}()

	for i := 0; i < 100; i++ {
		if err := s.CheckWallet(ctx, walletID); err != nil {
			t.Fatalf("check %d flagged a healthy wallet: %v", i, err)
		}
	}
	<-done

	if err := s.CheckWallet(ctx, walletID); err != nil {
		t.Fatalf("final check: %v", err)
	}
	w, _ := store.Wallet(ctx, walletID)
	if w.Status != ledger.WalletActive {
		t.Fatalf("healthy wallet must stay active, got %s", w.Status)
	}
}

func TestSweepOnceReportsMismatches(t *testing.T) {
	store := ledger.NewInMemory("EUR")
	ctx := context.Background()

	clean := ledger.SeedWallet(store, uuid.NewString(), dec("10"))
	tampered := ledger.SeedWallet(store, uuid.NewString(), dec("20"))
	ledger.TamperBalance(store, tampered, dec("-3"))

	s := NewService(store, logging.Discard(), 0)
	report, err := s.SweepOnce(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if report.Checked != 2 {
		t.Fatalf("expected 2 wallets checked, got %d", report.Checked)
	}
	if len(report.Mismatched) != 1 || report.Mismatched[0] != tampered {
		t.Fatalf("expected only the tampered wallet, got %v", report.Mismatched)
	}

	if w, _ := store.Wallet(ctx, clean); w.Status != ledger.WalletActive {
		t.Fatalf("clean wallet must stay active, got %s", w.Status)
	}
}

func TestCheckWalletUnknownWallet(t *testing.T) {
	store := ledger.NewInMemory("EUR")
	s := NewService(store, logging.Discard(), 0)

	if err := s.CheckWallet(context.Background(), uuid.NewString()); !errors.Is(err, ledger.ErrWalletNotFound) {
		t.Fatalf("expected wallet not found, got %v", err)
	}
}
