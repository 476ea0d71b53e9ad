package withdrawal

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	stripe "github.com/stripe/stripe-go/v72"
	"github.com/stripe/stripe-go/v72/client"
)

// StripeGateway sends payouts through Stripe.
type StripeGateway struct {
	api *client.API
}

// NewStripeGateway builds a Stripe-backed payout gateway.
func NewStripeGateway(apiKey string) *StripeGateway {
	api := &client.API{}
	api.Init(apiKey, nil)
	return &StripeGateway{api: api}
}

// SendPayout creates a Stripe payout for the net withdrawal amount. Amounts
// are converted to minor units as Stripe expects.
func (g *StripeGateway) SendPayout(ctx context.Context, p Payout) (PayoutConfirmation, error) {
	cents := p.Amount.Mul(decimal.NewFromInt(100)).Round(0).IntPart()

	params := &stripe.PayoutParams{
		Amount:   stripe.Int64(cents),
		Currency: stripe.String(strings.ToLower(p.Currency)),
		Method:   stripe.String("standard"),
	}
	params.Context = ctx
	params.AddMetadata("withdrawal_request_id", p.RequestID)

	po, err := g.api.Payouts.New(params)
	if err != nil {
		return PayoutConfirmation{}, fmt.Errorf("stripe payout: %w", err)
	}
	return PayoutConfirmation{ConfirmationID: po.ID, Status: string(po.Status)}, nil
}
