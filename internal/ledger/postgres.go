package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

const (
	walletColumns = `id, owner_id, balance, pending_balance, currency, status, created_at`

	withdrawalColumns = `id, wallet_id, amount, fee, net_amount, currency, holder_name, iban, bic,
        status, COALESCE(rejection_reason, ''), COALESCE(gateway_ref, ''), created_at, processed_at`

	entryColumns = `id, wallet_id, entry_type, amount, balance_before, balance_after,
        reference_id, reference_type, created_at`

	uniqueViolation = "23505"
)

// PostgresStore persists wallets, ledger entries and withdrawal requests in
// PostgreSQL. Per-wallet serialization comes from row-level locks: every
// mutation runs in a single transaction that locks the wallet row FOR UPDATE
// before touching balances, so two concurrent operations on the same wallet
// can never both apply against a stale balance.
type PostgresStore struct {
	db       *pgxpool.Pool
	currency string
}

// NewPostgresStore constructs a Postgres-backed store. Wallets created lazily
// on first credit use the provided currency.
func NewPostgresStore(db *pgxpool.Pool, currency string) *PostgresStore {
	return &PostgresStore{db: db, currency: currency}
}

// CreditOwner credits delivery earnings into the owner's wallet, creating the
// wallet on first use. The ledger uniqueness constraint on
// (reference_id, reference_type, entry_type) makes retried credits safe.
func (s *PostgresStore) CreditOwner(ctx context.Context, ownerID string, amount decimal.Decimal, referenceID, referenceType string) (Wallet, error) {
	if !amount.IsPositive() {
		return Wallet{}, ErrInvalidAmount
	}
	owner, err := uuid.Parse(ownerID)
	if err != nil {
		return Wallet{}, fmt.Errorf("parse owner id: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Wallet{}, err
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	if _, err := tx.Exec(ctx, `INSERT INTO wallets (id, owner_id, balance, pending_balance, currency, status, created_at)
        VALUES ($1, $2, 0, 0, $3, $4, now()) ON CONFLICT (owner_id) DO NOTHING`,
		uuid.New(), owner, s.currency, WalletActive); err != nil {
		return Wallet{}, err
	}

	row := tx.QueryRow(ctx, `SELECT `+walletColumns+` FROM wallets WHERE owner_id = $1 FOR UPDATE`, owner)
	w, err := scanWallet(row)
	if err != nil {
		return Wallet{}, err
	}

	after := w.Balance.Add(amount)
	if err := insertEntry(ctx, tx, Entry{
		WalletID:      w.ID,
		Type:          EntryCredit,
		Amount:        amount,
		BalanceBefore: w.Balance,
		BalanceAfter:  after,
		ReferenceID:   referenceID,
		ReferenceType: referenceType,
	}); err != nil {
		return Wallet{}, err
	}

	if _, err := tx.Exec(ctx, `UPDATE wallets SET balance = $2 WHERE id = $1`, w.ID, after); err != nil {
		return Wallet{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Wallet{}, err
	}

	w.Balance = after
	return w, nil
}

// Wallet fetches a wallet by id.
func (s *PostgresStore) Wallet(ctx context.Context, walletID string) (Wallet, error) {
	id, err := parseWalletID(walletID)
	if err != nil {
		return Wallet{}, err
	}
	row := s.db.QueryRow(ctx, `SELECT `+walletColumns+` FROM wallets WHERE id = $1`, id)
	return scanWallet(row)
}

// WalletByOwner fetches a wallet by its owning actor id.
func (s *PostgresStore) WalletByOwner(ctx context.Context, ownerID string) (Wallet, error) {
	owner, err := uuid.Parse(ownerID)
	if err != nil {
		return Wallet{}, ErrWalletNotFound
	}
	row := s.db.QueryRow(ctx, `SELECT `+walletColumns+` FROM wallets WHERE owner_id = $1`, owner)
	return scanWallet(row)
}

// WalletIDs lists wallet identifiers for the reconciliation sweep.
func (s *PostgresStore) WalletIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.Query(ctx, `SELECT id FROM wallets ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id.String())
	}
	return ids, rows.Err()
}

// Entries returns the wallet's ledger entries in creation order, optionally
// filtered by entry type and date range.
func (s *PostgresStore) Entries(ctx context.Context, walletID string, filter EntryFilter, page Page) ([]Entry, error) {
	page = page.normalize()

	id, err := parseWalletID(walletID)
	if err != nil {
		return nil, err
	}

	query := `SELECT ` + entryColumns + ` FROM ledger_entries WHERE wallet_id = $1`
	args := []any{id}

	if filter.Type != "" {
		args = append(args, filter.Type)
		query += fmt.Sprintf(" AND entry_type = $%d", len(args))
	}
	if !filter.From.IsZero() {
		args = append(args, filter.From)
		query += fmt.Sprintf(" AND created_at >= $%d", len(args))
	}
	if !filter.To.IsZero() {
		args = append(args, filter.To)
		query += fmt.Sprintf(" AND created_at < $%d", len(args))
	}

	args = append(args, page.Limit, page.Offset)
	query += fmt.Sprintf(" ORDER BY created_at, id LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return scanEntries(rows)
}

// WalletWithEntries reads the wallet row and its full ledger history inside a
// single repeatable-read transaction, so reconciliation replays against the
// exact entry set that produced the stored balances.
func (s *PostgresStore) WalletWithEntries(ctx context.Context, walletID string) (Wallet, []Entry, error) {
	id, err := parseWalletID(walletID)
	if err != nil {
		return Wallet{}, nil, err
	}

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return Wallet{}, nil, err
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	row := tx.QueryRow(ctx, `SELECT `+walletColumns+` FROM wallets WHERE id = $1`, id)
	w, err := scanWallet(row)
	if err != nil {
		return Wallet{}, nil, err
	}

	rows, err := tx.Query(ctx, `SELECT `+entryColumns+` FROM ledger_entries WHERE wallet_id = $1 ORDER BY created_at, id`, id)
	if err != nil {
		return Wallet{}, nil, err
	}
	entries, err := scanEntries(rows)
	if err != nil {
		return Wallet{}, nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Wallet{}, nil, err
	}
	return w, entries, nil
}

// Freeze marks the wallet frozen so withdrawals are refused until manually cleared.
func (s *PostgresStore) Freeze(ctx context.Context, walletID string) error {
	id, err := parseWalletID(walletID)
	if err != nil {
		return err
	}
	tag, err := s.db.Exec(ctx, `UPDATE wallets SET status = $2 WHERE id = $1`, id, WalletFrozen)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrWalletNotFound
	}
	return nil
}

// CreateWithdrawal reserves funds and persists the PENDING request atomically.
// The partial unique index on open requests enforces at most one in-flight
// withdrawal per wallet at the storage layer.
func (s *PostgresStore) CreateWithdrawal(ctx context.Context, w Withdrawal) (Withdrawal, error) {
	if !w.Amount.IsPositive() {
		return Withdrawal{}, ErrInvalidAmount
	}

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Withdrawal{}, err
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	wallet, err := lockWallet(ctx, tx, w.WalletID)
	if err != nil {
		return Withdrawal{}, err
	}
	if wallet.Status == WalletFrozen {
		return Withdrawal{}, ErrWalletFrozen
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

	if _, err := tx.Exec(ctx, `INSERT INTO withdrawal_requests
        (id, wallet_id, amount, fee, net_amount, currency, holder_name, iban, bic, status, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		w.ID, w.WalletID, w.Amount, w.Fee, w.NetAmount, w.Currency,
		w.HolderName, w.IBAN, w.BIC, w.Status, w.CreatedAt); err != nil {
		if isUniqueViolation(err) {
			return Withdrawal{}, ErrDuplicatePendingWithdrawal
		}
		return Withdrawal{}, err
	}

	balanceAfter := wallet.Balance.Sub(w.Amount)
	if _, err := tx.Exec(ctx, `UPDATE wallets SET balance = $2, pending_balance = pending_balance + $3 WHERE id = $1`,
		wallet.ID, balanceAfter, w.Amount); err != nil {
		return Withdrawal{}, err
	}

	if err := insertEntry(ctx, tx, Entry{
		WalletID:      wallet.ID,
		Type:          EntryDebit,
		Amount:        w.Amount.Neg(),
		BalanceBefore: wallet.Balance,
		BalanceAfter:  balanceAfter,
		ReferenceID:   w.ID,
		ReferenceType: RefTypeWithdrawal,
	}); err != nil {
		return Withdrawal{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Withdrawal{}, err
	}
	return w, nil
}

// WithdrawalByID fetches a withdrawal request.
func (s *PostgresStore) WithdrawalByID(ctx context.Context, requestID string) (Withdrawal, error) {
	id, err := parseRequestID(requestID)
	if err != nil {
		return Withdrawal{}, err
	}
	row := s.db.QueryRow(ctx, `SELECT `+withdrawalColumns+` FROM withdrawal_requests WHERE id = $1`, id)
	return scanWithdrawal(row)
}

// Withdrawals lists a wallet's withdrawal requests, newest first.
func (s *PostgresStore) Withdrawals(ctx context.Context, walletID, status string, page Page) ([]Withdrawal, error) {
	page = page.normalize()

	id, err := parseWalletID(walletID)
	if err != nil {
		return nil, err
	}

	query := `SELECT ` + withdrawalColumns + ` FROM withdrawal_requests WHERE wallet_id = $1`
	args := []any{id}
	if status != "" {
		args = append(args, status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	args = append(args, page.Limit, page.Offset)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Withdrawal
	for rows.Next() {
		w, err := scanWithdrawal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// MarkProcessing flips PENDING -> PROCESSING.
func (s *PostgresStore) MarkProcessing(ctx context.Context, requestID string) (Withdrawal, error) {
	id, err := parseRequestID(requestID)
	if err != nil {
		return Withdrawal{}, err
	}
	row := s.db.QueryRow(ctx, `UPDATE withdrawal_requests SET status = $2, processed_at = now()
        WHERE id = $1 AND status = $3 RETURNING `+withdrawalColumns, id, StatusProcessing, StatusPending)
	w, err := scanWithdrawal(row)
	if err == nil {
		return w, nil
	}
	if !errors.Is(err, ErrRequestNotFound) {
		return Withdrawal{}, err
	}
	// No row matched: distinguish a missing request from a wrong-state one.
	if _, lookupErr := s.WithdrawalByID(ctx, requestID); lookupErr != nil {
		return Withdrawal{}, lookupErr
	}
	return Withdrawal{}, ErrInvalidStateTransition
}

// SettleWithdrawal completes a PROCESSING request: the escrowed amount leaves
// the system and the terminal WITHDRAWAL entry is posted, all in one transaction.
func (s *PostgresStore) SettleWithdrawal(ctx context.Context, requestID, gatewayRef string) (Withdrawal, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Withdrawal{}, err
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	w, err := lockWithdrawal(ctx, tx, requestID)
	if err != nil {
		return Withdrawal{}, err
	}
	if w.Status != StatusProcessing {
		return Withdrawal{}, ErrInvalidStateTransition
	}

	wallet, err := lockWallet(ctx, tx, w.WalletID)
	if err != nil {
		return Withdrawal{}, err
	}

	if _, err := tx.Exec(ctx, `UPDATE wallets SET pending_balance = pending_balance - $2 WHERE id = $1`,
		wallet.ID, w.Amount); err != nil {
		return Withdrawal{}, err
	}

	if err := insertEntry(ctx, tx, Entry{
		WalletID:      wallet.ID,
		Type:          EntryWithdrawal,
		Amount:        w.Amount.Neg(),
		BalanceBefore: wallet.Balance,
		BalanceAfter:  wallet.Balance,
		ReferenceID:   w.ID,
		ReferenceType: RefTypeWithdrawal,
	}); err != nil {
		return Withdrawal{}, err
	}

	now := time.Now().UTC()
	if _, err := tx.Exec(ctx, `UPDATE withdrawal_requests SET status = $2, gateway_ref = $3, processed_at = $4 WHERE id = $1`,
		w.ID, StatusCompleted, gatewayRef, now); err != nil {
		return Withdrawal{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Withdrawal{}, err
	}

	w.Status = StatusCompleted
	w.GatewayRef = gatewayRef
	w.ProcessedAt = &now
	return w, nil
}

// RejectWithdrawal rejects a PENDING or PROCESSING request and refunds the
// escrowed amount back to the available balance.
func (s *PostgresStore) RejectWithdrawal(ctx context.Context, requestID, reason string) (Withdrawal, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Withdrawal{}, err
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	w, err := lockWithdrawal(ctx, tx, requestID)
	if err != nil {
		return Withdrawal{}, err
	}
	if w.Status != StatusPending && w.Status != StatusProcessing {
		return Withdrawal{}, ErrInvalidStateTransition
	}

	wallet, err := lockWallet(ctx, tx, w.WalletID)
	if err != nil {
		return Withdrawal{}, err
	}

	balanceAfter := wallet.Balance.Add(w.Amount)
	if _, err := tx.Exec(ctx, `UPDATE wallets SET balance = $2, pending_balance = pending_balance - $3 WHERE id = $1`,
		wallet.ID, balanceAfter, w.Amount); err != nil {
		return Withdrawal{}, err
	}

	if err := insertEntry(ctx, tx, Entry{
		WalletID:      wallet.ID,
		Type:          EntryRefund,
		Amount:        w.Amount,
		BalanceBefore: wallet.Balance,
		BalanceAfter:  balanceAfter,
		ReferenceID:   w.ID,
		ReferenceType: RefTypeWithdrawal,
	}); err != nil {
		return Withdrawal{}, err
	}

	now := time.Now().UTC()
	if _, err := tx.Exec(ctx, `UPDATE withdrawal_requests SET status = $2, rejection_reason = $3, processed_at = $4 WHERE id = $1`,
		w.ID, StatusRejected, reason, now); err != nil {
		return Withdrawal{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Withdrawal{}, err
	}

	w.Status = StatusRejected
	w.RejectionReason = reason
	w.ProcessedAt = &now
	return w, nil
}

// parseWalletID validates a caller-supplied wallet id. Malformed ids behave
// like missing wallets instead of surfacing a Postgres cast error.
func parseWalletID(walletID string) (uuid.UUID, error) {
	id, err := uuid.Parse(walletID)
	if err != nil {
		return uuid.Nil, ErrWalletNotFound
	}
	return id, nil
}

// parseRequestID validates a caller-supplied withdrawal request id.
func parseRequestID(requestID string) (uuid.UUID, error) {
	id, err := uuid.Parse(requestID)
	if err != nil {
		return uuid.Nil, ErrRequestNotFound
	}
	return id, nil
}

func scanEntries(rows pgx.Rows) ([]Entry, error) {
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e        Entry
			id       uuid.UUID
			walletID uuid.UUID
		)
		if err := rows.Scan(&id, &walletID, &e.Type, &e.Amount, &e.BalanceBefore, &e.BalanceAfter,
			&e.ReferenceID, &e.ReferenceType, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.ID = id.String()
		e.WalletID = walletID.String()
		e.CreatedAt = e.CreatedAt.UTC()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func insertEntry(ctx context.Context, tx pgx.Tx, e Entry) error {
	_, err := tx.Exec(ctx, `INSERT INTO ledger_entries
        (id, wallet_id, entry_type, amount, balance_before, balance_after, reference_id, reference_type, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())`,
		uuid.New(), e.WalletID, e.Type, e.Amount, e.BalanceBefore, e.BalanceAfter, e.ReferenceID, e.ReferenceType)
	if isUniqueViolation(err) {
		return ErrDuplicateReference
	}
	return err
}

func lockWallet(ctx context.Context, tx pgx.Tx, walletID string) (Wallet, error) {
	id, err := parseWalletID(walletID)
	if err != nil {
		return Wallet{}, err
	}
	row := tx.QueryRow(ctx, `SELECT `+walletColumns+` FROM wallets WHERE id = $1 FOR UPDATE`, id)
	return scanWallet(row)
}

func lockWithdrawal(ctx context.Context, tx pgx.Tx, requestID string) (Withdrawal, error) {
	id, err := parseRequestID(requestID)
	if err != nil {
		return Withdrawal{}, err
	}
	row := tx.QueryRow(ctx, `SELECT `+withdrawalColumns+` FROM withdrawal_requests WHERE id = $1 FOR UPDATE`, id)
	return scanWithdrawal(row)
}

func scanWallet(row pgx.Row) (Wallet, error) {
	var (
		w       Wallet
		id      uuid.UUID
		ownerID uuid.UUID
	)
	if err := row.Scan(&id, &ownerID, &w.Balance, &w.PendingBalance, &w.Currency, &w.Status, &w.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Wallet{}, ErrWalletNotFound
		}
		return Wallet{}, err
	}
	w.ID = id.String()
	w.OwnerID = ownerID.String()
	w.CreatedAt = w.CreatedAt.UTC()
	return w, nil
}

func scanWithdrawal(row pgx.Row) (Withdrawal, error) {
	var (
		w        Withdrawal
		id       uuid.UUID
		walletID uuid.UUID
	)
	if err := row.Scan(&id, &walletID, &w.Amount, &w.Fee, &w.NetAmount, &w.Currency,
		&w.HolderName, &w.IBAN, &w.BIC, &w.Status, &w.RejectionReason, &w.GatewayRef,
		&w.CreatedAt, &w.ProcessedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Withdrawal{}, ErrRequestNotFound
		}
		return Withdrawal{}, err
	}
	w.ID = id.String()
	w.WalletID = walletID.String()
	w.CreatedAt = w.CreatedAt.UTC()
	return w, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
