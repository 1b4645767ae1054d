package payments

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"
	"github.com/stripe/stripe-go/v74/refund"
	"github.com/stripe/stripe-go/v74/webhook"

	"github.com/example/carpool/internal/models"
)

// StripeProvider charges riders through PaymentIntents. The rider app
// confirms the intent with its client secret; Stripe reports the outcome on
// the webhook.
type StripeProvider struct{}

// NewStripeProvider sets the package-level stripe key.
func NewStripeProvider(apiKey string) *StripeProvider {
	stripe.Key = apiKey
	return &StripeProvider{}
}

func (s *StripeProvider) Name() string { return "stripe" }

func (s *StripeProvider) Charge(ctx context.Context, p models.Payment) (Charge, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(p.Amount),
		Currency: stripe.String(p.Currency),
	}
	params.Context = ctx
	params.AddMetadata("payment_id", p.ID)
	params.AddMetadata("trip_id", p.TripID)
	params.AddMetadata("rider_id", p.RiderID)
	params.AddMetadata("commission", strconv.FormatInt(p.Commission, 10))
	params.SetIdempotencyKey("carpool-" + p.TripID + "-" + p.RiderID)
	pi, err := paymentintent.New(params)
	if err != nil {
		return Charge{}, err
	}
	return Charge{Ref: pi.ID, ClientSecret: pi.ClientSecret}, nil
}

// Refund cancels an unpaid intent, or refunds one that already succeeded.
func (s *StripeProvider) Refund(ctx context.Context, p models.Payment) error {
	if p.Status == models.PaymentPending {
		params := &stripe.PaymentIntentCancelParams{}
		params.Context = ctx
		_, err := paymentintent.Cancel(p.ExternalRef, params)
		return err
	}
	params := &stripe.RefundParams{PaymentIntent: stripe.String(p.ExternalRef)}
	params.Context = ctx
	_, err := refund.New(params)
	return err
}

// Settlement is the outcome a provider reported for one charge.
type Settlement struct {
	Ref       string
	Succeeded bool
}

// ParseStripeWebhook verifies the signature and extracts the PaymentIntent
// outcome. ok is false for event types that do not settle a payment.
func ParseStripeWebhook(payload []byte, signature, secret string) (st Settlement, ok bool, err error) {
	event, err := webhook.ConstructEvent(payload, signature, secret)
	if err != nil {
		return Settlement{}, false, models.Invalid("signature", err.Error())
	}
	var succeeded bool
	switch string(event.Type) {
	case "payment_intent.succeeded":
		succeeded = true
	case "payment_intent.payment_failed", "payment_intent.canceled":
		succeeded = false
	default:
		return Settlement{}, false, nil
	}
	var pi stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
		return Settlement{}, false, fmt.Errorf("decode payment intent: %w", err)
	}
	return Settlement{Ref: pi.ID, Succeeded: succeeded}, true, nil
}
