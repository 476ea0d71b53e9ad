package withdrawal

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Payout describes the transfer handed to the external payout gateway.
// The gateway is an opaque collaborator: it either confirms synchronously
// or reports back later through the confirmation callback.
type Payout struct {
	RequestID   string
	Amount      decimal.Decimal
	Currency    string
	BankAccount BankAccount
}

// PayoutConfirmation captures the gateway's response for a payout.
type PayoutConfirmation struct {
	ConfirmationID string
	Status         string
}

// PayoutGateway represents a connector to an external bank-transfer provider.
type PayoutGateway interface {
	SendPayout(ctx context.Context, payout Payout) (PayoutConfirmation, error)
}

// StaticGateway simulates a gateway that accepts every payout. Used in
// development mode and tests.
type StaticGateway struct{}

// SendPayout approves the payout with a synthetic confirmation id.
func (StaticGateway) SendPayout(_ context.Context, _ Payout) (PayoutConfirmation, error) {
	return PayoutConfirmation{ConfirmationID: uuid.NewString(), Status: "paid"}, nil
}
