package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dispatch-pay/dispatch_pay/internal/ledger"
)

// ErrMismatch indicates a wallet's stored balances diverge from its ledger.
var ErrMismatch = errors.New("ledger mismatch")

// Service replays wallet ledgers against the stored balances. A wallet whose
// stored state cannot be reproduced from its entries is frozen, never
// auto-corrected: the ledger is the source of truth and a divergence means a
// write path bug that a human has to look at.
type Service struct {
	store    ledger.Store
	logger   *slog.Logger
	interval time.Duration
}

// NewService constructs a reconciliation service. interval bounds the period
// between background sweeps; a non-positive interval disables Run.
func NewService(store ledger.Store, logger *slog.Logger, interval time.Duration) *Service {
	return &Service{store: store, logger: logger, interval: interval}
}

// Report summarizes one sweep.
type Report struct {
	Checked    int      `json:"checked"`
	Mismatched []string `json:"mismatched"`
}

// CheckWallet replays one wallet's ledger and compares the result against the
// stored row. Row and entries come from one consistent snapshot, so a credit
// or withdrawal committing while the check runs can never make a healthy
// wallet look divergent. On divergence the wallet is frozen and ErrMismatch
// returned.
func (s *Service) CheckWallet(ctx context.Context, walletID string) error {
	w, entries, err := s.store.WalletWithEntries(ctx, walletID)
	if err != nil {
		return err
	}

	balance, pending := ledger.Replay(entries)
	if balance.Equal(w.Balance) && pending.Equal(w.PendingBalance) {
		return nil
	}

	s.logger.Error("wallet balances diverge from ledger",
		"wallet_id", walletID,
		"stored_balance", w.Balance.String(), "replayed_balance", balance.String(),
		"stored_pending", w.PendingBalance.String(), "replayed_pending", pending.String(),
		"entries", len(entries))

	if err := s.store.Freeze(ctx, walletID); err != nil {
		return fmt.Errorf("freeze wallet %s: %w", walletID, err)
	}
	return fmt.Errorf("%w: wallet %s", ErrMismatch, walletID)
}

// SweepOnce checks every wallet and reports the mismatches. It keeps going
// past individual failures so one bad wallet cannot hide the rest.
func (s *Service) SweepOnce(ctx context.Context) (Report, error) {
	ids, err := s.store.WalletIDs(ctx)
	if err != nil {
		return Report{}, err
	}

	report := Report{Mismatched: []string{}}
	for _, id := range ids {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		report.Checked++
		if err := s.CheckWallet(ctx, id); err != nil {
			if errors.Is(err, ErrMismatch) {
				report.Mismatched = append(report.Mismatched, id)
				continue
			}
			s.logger.Error("reconciliation check failed", "wallet_id", id, "error", err)
		}
	}
	return report, nil
}

// Run sweeps on the configured interval until the context is cancelled.
func (s *Service) Run(ctx context.Context) {
	if s.interval <= 0 {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report, err := s.SweepOnce(ctx)
			if err != nil {
				s.logger.Error("reconciliation sweep aborted", "error", err)
				continue
			}
			s.logger.Info("reconciliation sweep finished",
				"checked", report.Checked, "mismatched", len(report.Mismatched))
		}
	}
}
