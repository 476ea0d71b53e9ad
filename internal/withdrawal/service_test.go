package withdrawal

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/dispatch-pay/dispatch_pay/internal/fees"
	"github.com/dispatch-pay/dispatch_pay/internal/ledger"
	"github.com/dispatch-pay/dispatch_pay/internal/logging"
	"github.com/dispatch-pay/dispatch_pay/internal/notification"
)

func dec(v string) decimal.Decimal {
	d, err := decimal.NewFromString(v)
	if err != nil {
		panic(err)
	}
	return d
}

func validAccount() BankAccount {
	return BankAccount{
		HolderName: "Jean Porter",
		IBAN:       "FR7630001007941234567890185",
		BIC:        "BNPAFRPP",
	}
}

type recordingNotifier struct {
	messages []notification.Message
}

func (n *recordingNotifier) Send(_ context.Context, msg notification.Message) error {
	n.messages = append(n.messages, msg)
	return nil
}

type failingGateway struct {
	calls int
}

func (g *failingGateway) SendPayout(_ context.Context, _ Payout) (PayoutConfirmation, error) {
	g.calls++
	return PayoutConfirmation{}, errors.New("connection reset")
}

func newManager(t *testing.T, store ledger.Store, gateway PayoutGateway) *Manager {
	t.Helper()
	calc := fees.NewCalculator(dec("0.02"), dec("1"))
	return NewManager(store, calc, gateway, &recordingNotifier{}, logging.Discard(), Options{
		MinAmount:      dec("10"),
		MaxAmount:      dec("10000"),
		PayoutAttempts: 3,
		PayoutBackoff:  time.Millisecond,
	})
}

func TestRequestThroughCompletion(t *testing.T) {
	store := ledger.NewInMemory("EUR")
	m := newManager(t, store, StaticGateway{})
	ctx := context.Background()

	if _, err := store.CreditOwner(ctx, uuid.NewString(), dec("50"), "d1", ledger.RefTypeDelivery); err != nil {
		t.Fatalf("credit: %v", err)
	}
	wallets, _ := store.WalletIDs(ctx)
	walletID := wallets[0]

	req, err := m.Request(ctx, RequestInput{WalletID: walletID, Amount: dec("50"), BankAccount: validAccount()})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if req.Status != ledger.StatusPending {
		t.Fatalf("expected PENDING, got %s", req.Status)
	}
	if !req.Fee.Equal(dec("1")) || !req.NetAmount.Equal(dec("49")) {
		t.Fatalf("unexpected fee/net: %s / %s", req.Fee, req.NetAmount)
	}

	w, _ := store.Wallet(ctx, walletID)
	if !w.Balance.IsZero() || !w.PendingBalance.Equal(dec("50")) {
		t.Fatalf("unexpected balances after request: %s / %s", w.Balance, w.PendingBalance)
	}

	if _, err := m.BeginProcessing(ctx, req.ID); err != nil {
		t.Fatalf("begin processing: %v", err)
	}
	settled, err := m.Complete(ctx, req.ID, "conf-1")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if settled.Status != ledger.StatusCompleted || settled.GatewayRef != "conf-1" {
		t.Fatalf("unexpected terminal request: %+v", settled)
	}

	w, _ = store.Wallet(ctx, walletID)
	if !w.PendingBalance.IsZero() {
		t.Fatalf("expected pending balance 0, got %s", w.PendingBalance)
	}
}

func TestRequestAmountBounds(t *testing.T) {
	store := ledger.NewInMemory("EUR")
	m := newManager(t, store, StaticGateway{})
	walletID := ledger.SeedWallet(store, uuid.NewString(), dec("20000"))

	for _, amount := range []string{"5", "10001", "-1", "0"} {
		if _, err := m.Request(context.Background(), RequestInput{WalletID: walletID, Amount: dec(amount), BankAccount: validAccount()}); !errors.Is(err, ErrInvalidAmount) {
			t.Fatalf("amount %s: expected ErrInvalidAmount, got %v", amount, err)
		}
	}
}

func TestRequestRejectsMalformedBankAccount(t *testing.T) {
	store := ledger.NewInMemory("EUR")
	m := newManager(t, store, StaticGateway{})
	walletID := ledger.SeedWallet(store, uuid.NewString(), dec("100"))

	cases := []BankAccount{
		{HolderName: "", IBAN: "FR7630001007941234567890185", BIC: "BNPAFRPP"},
		{HolderName: "Jean Porter", IBAN: "short", BIC: "BNPAFRPP"},
		{HolderName: "Jean Porter", IBAN: "FR7630001007941234567890185", BIC: "x"},
	}
	for i, account := range cases {
		if _, err := m.Request(context.Background(), RequestInput{WalletID: walletID, Amount: dec("50"), BankAccount: account}); !errors.Is(err, ErrValidation) {
			t.Fatalf("case %d: expected ErrValidation, got %v", i, err)
		}
	}

	w, _ := store.Wallet(context.Background(), walletID)
	if !w.Balance.Equal(dec("100")) {
		t.Fatalf("no funds may move on validation failure, balance=%s", w.Balance)
	}
}

func TestRequestInsufficientBalance(t *testing.T) {
	store := ledger.NewInMemory("EUR")
	m := newManager(t, store, StaticGateway{})
	ctx := context.Background()
	walletID := ledger.SeedWallet(store, uuid.NewString(), dec("10"))

	if _, err := m.Request(ctx, RequestInput{WalletID: walletID, Amount: dec("50"), BankAccount: validAccount()}); !errors.Is(err, ledger.ErrInsufficientBalance) {
		t.Fatalf("expected insufficient balance, got %v", err)
	}

	w, _ := store.Wallet(ctx, walletID)
	if !w.Balance.Equal(dec("10")) {
		t.Fatalf("balance must remain 10, got %s", w.Balance)
	}
	if reqs, _ := m.List(ctx, walletID, "", ledger.Page{}); len(reqs) != 0 {
		t.Fatalf("no request record expected, got %d", len(reqs))
	}
}

func TestRequestDuplicatePending(t *testing.T) {
	store := ledger.NewInMemory("EUR")
	m := newManager(t, store, StaticGateway{})
	ctx := context.Background()
	walletID := ledger.SeedWallet(store, uuid.NewString(), dec("100"))

	if _, err := m.Request(ctx, RequestInput{WalletID: walletID, Amount: dec("30"), BankAccount: validAccount()}); err != nil {
		t.Fatalf("first request: %v", err)
	}
	if _, err := m.Request(ctx, RequestInput{WalletID: walletID, Amount: dec("20"), BankAccount: validAccount()}); !errors.Is(err, ledger.ErrDuplicatePendingWithdrawal) {
		t.Fatalf("expected duplicate pending, got %v", err)
	}

	w, _ := store.Wallet(ctx, walletID)
	if !w.Balance.Equal(dec("70")) || !w.PendingBalance.Equal(dec("30")) {
		t.Fatalf("only the first reservation may apply: %s / %s", w.Balance, w.PendingBalance)
	}
}

func TestCompleteIdempotentOnConfirmationID(t *testing.T) {
	store := ledger.NewInMemory("EUR")
	m := newManager(t, store, StaticGateway{})
	ctx := context.Background()
	walletID := ledger.SeedWallet(store, uuid.NewString(), dec("50"))

	req, _ := m.Request(ctx, RequestInput{WalletID: walletID, Amount: dec("50"), BankAccount: validAccount()})
	m.BeginProcessing(ctx, req.ID)
	if _, err := m.Complete(ctx, req.ID, "conf-1"); err != nil {
		t.Fatalf("first complete: %v", err)
	}

	// At-least-once delivery from the gateway: same confirmation is a no-op.
	again, err := m.Complete(ctx, req.ID, "conf-1")
	if err != nil {
		t.Fatalf("repeated complete must be a no-op, got %v", err)
	}
	if again.Status != ledger.StatusCompleted {
		t.Fatalf("unexpected status %s", again.Status)
	}

	// A different confirmation id for a completed request is a logic bug.
	if _, err := m.Complete(ctx, req.ID, "conf-2"); !errors.Is(err, ledger.ErrInvalidStateTransition) {
		t.Fatalf("expected invalid state transition, got %v", err)
	}

	w, _ := store.Wallet(ctx, walletID)
	if !w.PendingBalance.IsZero() {
		t.Fatalf("pending must remain 0 after duplicate completion, got %s", w.PendingBalance)
	}
}

func TestRejectRefundsReservedAmount(t *testing.T) {
	store := ledger.NewInMemory("EUR")
	m := newManager(t, store, StaticGateway{})
	ctx := context.Background()
	walletID := ledger.SeedWallet(store, uuid.NewString(), dec("50"))

	req, _ := m.Request(ctx, RequestInput{WalletID: walletID, Amount: dec("50"), BankAccount: validAccount()})
	m.BeginProcessing(ctx, req.ID)

	rejected, err := m.Reject(ctx, req.ID, "bank error")
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if rejected.Status != ledger.StatusRejected || rejected.RejectionReason != "bank error" {
		t.Fatalf("unexpected rejected request: %+v", rejected)
	}

	w, _ := store.Wallet(ctx, walletID)
	if !w.Balance.Equal(dec("50")) || !w.PendingBalance.IsZero() {
		t.Fatalf("refund must restore balance: %s / %s", w.Balance, w.PendingBalance)
	}

	refunds, _ := store.Entries(ctx, walletID, ledger.EntryFilter{Type: ledger.EntryRefund}, ledger.Page{})
	if len(refunds) != 1 || !refunds[0].Amount.Equal(dec("50")) {
		t.Fatalf("expected one REFUND of +50, got %+v", refunds)
	}

	// Rejecting again is a no-op.
	if _, err := m.Reject(ctx, req.ID, "other reason"); err != nil {
		t.Fatalf("repeated reject must be a no-op, got %v", err)
	}
	if w, _ := store.Wallet(ctx, walletID); !w.Balance.Equal(dec("50")) {
		t.Fatalf("repeated reject must not refund twice, balance=%s", w.Balance)
	}
}

func TestProcessSettlesThroughGateway(t *testing.T) {
	store := ledger.NewInMemory("EUR")
	m := newManager(t, store, StaticGateway{})
	ctx := context.Background()
	walletID := ledger.SeedWallet(store, uuid.NewString(), dec("100"))

	req, _ := m.Request(ctx, RequestInput{WalletID: walletID, Amount: dec("100"), BankAccount: validAccount()})
	settled, err := m.Process(ctx, req.ID)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if settled.Status != ledger.StatusCompleted || settled.GatewayRef == "" {
		t.Fatalf("unexpected outcome: %+v", settled)
	}
}

func TestProcessGatewayExhaustionRejectsAndRefunds(t *testing.T) {
	store := ledger.NewInMemory("EUR")
	gateway := &failingGateway{}
	m := newManager(t, store, gateway)
	ctx := context.Background()
	walletID := ledger.SeedWallet(store, uuid.NewString(), dec("100"))

	req, _ := m.Request(ctx, RequestInput{WalletID: walletID, Amount: dec("100"), BankAccount: validAccount()})
	out, err := m.Process(ctx, req.ID)
	if !errors.Is(err, ErrGatewayFailure) {
		t.Fatalf("expected gateway failure, got %v", err)
	}
	if gateway.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", gateway.calls)
	}
	if out.Status != ledger.StatusRejected || out.RejectionReason != "gateway failure" {
		t.Fatalf("unexpected outcome: %+v", out)
	}

	w, _ := store.Wallet(ctx, walletID)
	if !w.Balance.Equal(dec("100")) || !w.PendingBalance.IsZero() {
		t.Fatalf("funds must return after exhaustion: %s / %s", w.Balance, w.PendingBalance)
	}
}

func TestHandleConfirmationOutOfOrder(t *testing.T) {
	store := ledger.NewInMemory("EUR")
	m := newManager(t, store, StaticGateway{})
	ctx := context.Background()
	walletID := ledger.SeedWallet(store, uuid.NewString(), dec("50"))

	req, _ := m.Request(ctx, RequestInput{WalletID: walletID, Amount: dec("50"), BankAccount: validAccount()})

	// Confirmation lands before BeginProcessing was applied.
	settled, err := m.HandleConfirmation(ctx, Confirmation{RequestID: req.ID, ConfirmationID: "conf-9", Outcome: "paid"})
	if err != nil {
		t.Fatalf("out-of-order confirmation: %v", err)
	}
	if settled.Status != ledger.StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s", settled.Status)
	}

	if _, err := m.HandleConfirmation(ctx, Confirmation{RequestID: req.ID, ConfirmationID: "conf-9", Outcome: "paid"}); err != nil {
		t.Fatalf("replayed confirmation must be a no-op: %v", err)
	}
}

func TestHandleConfirmationFailedOutcome(t *testing.T) {
	store := ledger.NewInMemory("EUR")
	m := newManager(t, store, StaticGateway{})
	ctx := context.Background()
	walletID := ledger.SeedWallet(store, uuid.NewString(), dec("50"))

	req, _ := m.Request(ctx, RequestInput{WalletID: walletID, Amount: dec("50"), BankAccount: validAccount()})
	m.BeginProcessing(ctx, req.ID)

	out, err := m.HandleConfirmation(ctx, Confirmation{RequestID: req.ID, ConfirmationID: "conf-1", Outcome: "failed", Reason: "account closed"})
	if err != nil {
		t.Fatalf("failed confirmation: %v", err)
	}
	if out.Status != ledger.StatusRejected || out.RejectionReason != "account closed" {
		t.Fatalf("unexpected outcome: %+v", out)
	}
}

func TestForceRejectStuckProcessing(t *testing.T) {
	store := ledger.NewInMemory("EUR")
	m := newManager(t, store, StaticGateway{})
	ctx := context.Background()
	walletID := ledger.SeedWallet(store, uuid.NewString(), dec("50"))

	req, _ := m.Request(ctx, RequestInput{WalletID: walletID, Amount: dec("50"), BankAccount: validAccount()})
	m.BeginProcessing(ctx, req.ID)

	out, err := m.ForceReject(ctx, req.ID, "stuck in processing")
	if err != nil {
		t.Fatalf("force reject: %v", err)
	}
	if out.Status != ledger.StatusRejected {
		t.Fatalf("expected REJECTED, got %s", out.Status)
	}
}

func TestNotificationsEmitted(t *testing.T) {
	store := ledger.NewInMemory("EUR")
	notifier := &recordingNotifier{}
	calc := fees.NewCalculator(dec("0.02"), dec("1"))
	m := NewManager(store, calc, StaticGateway{}, notifier, logging.Discard(), Options{
		MinAmount: dec("10"), MaxAmount: dec("10000"), PayoutAttempts: 1, PayoutBackoff: time.Millisecond,
	})
	ctx := context.Background()
	walletID := ledger.SeedWallet(store, uuid.NewString(), dec("50"))

	req, _ := m.Request(ctx, RequestInput{WalletID: walletID, Amount: dec("50"), BankAccount: validAccount()})
	if _, err := m.Process(ctx, req.ID); err != nil {
		t.Fatalf("process: %v", err)
	}

	if len(notifier.messages) != 2 {
		t.Fatalf("expected requested+completed notifications, got %d", len(notifier.messages))
	}
	if notifier.messages[0].Kind != notification.KindWithdrawalRequested ||
		notifier.messages[1].Kind != notification.KindWithdrawalCompleted {
		t.Fatalf("unexpected kinds: %+v", notifier.messages)
	}
}
