package payments

import (
	"context"

	"github.com/google/uuid"

	"github.com/example/carpool/internal/models"
)

// ManualProvider records charges collected outside the app (cash, UPI).
// Settlement arrives through the generic webhook.
type ManualProvider struct{}

func (ManualProvider) Name() string { return "manual" }

func (ManualProvider) Charge(context.Context, models.Payment) (Charge, error) {
	return Charge{Ref: "manual_" + uuid.NewString()}, nil
}

func (ManualProvider) Refund(context.Context, models.Payment) error { return nil }
