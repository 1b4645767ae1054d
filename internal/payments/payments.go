package payments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/example/carpool/internal/events"
	"github.com/example/carpool/internal/models"
	"github.com/example/carpool/internal/observability"
	"github.com/example/carpool/internal/storage"
	"github.com/example/carpool/internal/validation"
)

const (
	DefaultCurrency       = "inr"
	DefaultCommissionRate = 0.10
)

// Charge is what a provider hands back for a new payment.
type Charge struct {
	Ref          string
	ClientSecret string
}

type Provider interface {
	Name() string
	Charge(ctx context.Context, p models.Payment) (Charge, error)
	Refund(ctx context.Context, p models.Payment) error
}

// SettledFunc is called once when a payment completes.
type SettledFunc func(ctx context.Context, tripID, riderID string) error

type Service struct {
	Store          storage.PaymentStore
	Provider       Provider
	Currency       string
	CommissionRate float64
	OnSettled      SettledFunc
	Logger         *slog.Logger
	Now            func() time.Time
}

type SplitInput struct {
	TripID      string   `json:"trip_id" validate:"required"`
	RiderIDs    []string `json:"rider_ids" validate:"required,min=1,dive,required"`
	TotalAmount int64    `json:"total_amount" validate:"gt=0"`
}

func (s *Service) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Service) currency() string {
	if s.Currency != "" {
		return s.Currency
	}
	return DefaultCurrency
}

func (s *Service) commission(amount int64) int64 {
	rate := s.CommissionRate
	if rate <= 0 {
		rate = DefaultCommissionRate
	}
	return int64(math.Round(float64(amount) * rate))
}

// Split divides total into n shares that differ by at most one minor unit;
// the first total%n payers carry the extra unit.
func Split(total int64, n int) []int64 {
	if n <= 0 {
		return nil
	}
	share, rem := total/int64(n), total%int64(n)
	out := make([]int64, n)
	for i := range out {
		out[i] = share
		if int64(i) < rem {
			out[i]++
		}
	}
	return out
}

// InitiateSplit creates one pending payment per rider. A rider who already
// has a live payment for the trip gets that one back instead of a new charge.
func (s *Service) InitiateSplit(ctx context.Context, in SplitInput) ([]models.Payment, error) {
	if err := validation.Struct(in); err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(in.RiderIDs))
	for _, id := range in.RiderIDs {
		if seen[id] {
			return nil, models.Invalid("rider_ids", fmt.Sprintf("rider %s listed twice", id))
		}
		seen[id] = true
	}

	shares := Split(in.TotalAmount, len(in.RiderIDs))
	out := make([]models.Payment, 0, len(in.RiderIDs))
	var errs []error
	for i, rider := range in.RiderIDs {
		p, err := s.initiate(ctx, in.TripID, rider, shares[i])
		if err != nil {
			errs = append(errs, fmt.Errorf("rider %s: %w", rider, err))
			continue
		}
		out = append(out, *p)
	}
	return out, errors.Join(errs...)
}

func (s *Service) initiate(ctx context.Context, tripID, riderID string, amount int64) (*models.Payment, error) {
	if live, err := s.livePayment(ctx, tripID, riderID, nil); err != nil || live != nil {
		return live, err
	}

	now := s.now()
	p := models.Payment{
		ID:         uuid.NewString(),
		TripID:     tripID,
		RiderID:    riderID,
		Amount:     amount,
		Commission: s.commission(amount),
		Currency:   s.currency(),
		Status:     models.PaymentPending,
		Provider:   s.Provider.Name(),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	ch, err := s.Provider.Charge(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("%s charge: %w", p.Provider, err)
	}
	p.ExternalRef = ch.Ref
	p.ClientSecret = ch.ClientSecret
	if err := s.Store.CreatePayment(ctx, &p); err != nil {
		if !errors.Is(err, models.ErrDuplicatePayment) {
			return nil, err
		}
		// lost the race to a concurrent split; drop our charge and hand back theirs
		if rerr := s.Provider.Refund(ctx, p); rerr != nil {
			s.logger().Error("void duplicate charge", "trip_id", tripID, "rider_id", riderID, "external_ref", p.ExternalRef, "error", rerr)
		}
		return s.livePayment(ctx, tripID, riderID, err)
	}
	observability.PaymentsInitiated.Inc()
	s.logger().Info("payment initiated", "payment_id", p.ID, "trip_id", tripID, "rider_id", riderID, "amount", amount, "currency", p.Currency)
	return &p, nil
}

func (s *Service) livePayment(ctx context.Context, tripID, riderID string, cause error) (*models.Payment, error) {
	existing, err := s.Store.ListPayments(ctx, tripID, riderID)
	if err != nil {
		return nil, err
	}
	for i := range existing {
		if existing[i].Status != models.PaymentFailed {
			return &existing[i], nil
		}
	}
	return nil, cause
}

// MarkCompleted settles the payment behind externalRef. Repeated deliveries
// of the same settlement are no-ops.
func (s *Service) MarkCompleted(ctx context.Context, externalRef string) (*models.Payment, error) {
	p, changed, err := s.settle(ctx, externalRef, models.PaymentCompleted)
	if err != nil || !changed {
		return p, err
	}
	if s.OnSettled != nil {
		if err := s.OnSettled(ctx, p.TripID, p.RiderID); err != nil {
			s.logger().Warn("settlement hook failed", "payment_id", p.ID, "trip_id", p.TripID, "rider_id", p.RiderID, "error", err)
		}
	}
	return p, nil
}

func (s *Service) MarkFailed(ctx context.Context, externalRef string) (*models.Payment, error) {
	p, _, err := s.settle(ctx, externalRef, models.PaymentFailed)
	return p, err
}

func (s *Service) settle(ctx context.Context, externalRef string, to models.PaymentStatus) (*models.Payment, bool, error) {
	if externalRef == "" {
		return nil, false, models.Invalid("external_ref", "is required")
	}
	cur, err := s.Store.FindPaymentByRef(ctx, externalRef)
	if err != nil {
		return nil, false, err
	}
	p, changed, err := s.Store.SettlePayment(ctx, cur.ID, models.PaymentPending, to)
	if err != nil {
		return nil, false, err
	}
	if changed {
		observability.PaymentsSettled.WithLabelValues(string(to)).Inc()
		s.logger().Info("payment settled", "payment_id", p.ID, "status", to)
	} else if p.Status != to {
		return nil, false, fmt.Errorf("payment %s is %s: %w", p.ID, p.Status, models.ErrInvalidTransition)
	}
	return p, changed, nil
}

// Refund reverses a pending or completed payment at the provider.
func (s *Service) Refund(ctx context.Context, paymentID string) (*models.Payment, error) {
	cur, err := s.Store.GetPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	switch cur.Status {
	case models.PaymentRefunded:
		return cur, nil
	case models.PaymentFailed:
		return nil, fmt.Errorf("payment %s failed, nothing to refund: %w", cur.ID, models.ErrInvalidTransition)
	}
	if err := s.Provider.Refund(ctx, *cur); err != nil {
		return nil, fmt.Errorf("%s refund: %w", cur.Provider, err)
	}
	p, changed, err := s.Store.SettlePayment(ctx, cur.ID, cur.Status, models.PaymentRefunded)
	if err != nil {
		return nil, err
	}
	if !changed {
		return nil, fmt.Errorf("payment %s changed during refund: %w", cur.ID, models.ErrConflict)
	}
	observability.PaymentsSettled.WithLabelValues(string(models.PaymentRefunded)).Inc()
	return p, nil
}

func (s *Service) ListForTrip(ctx context.Context, tripID string) ([]models.Payment, error) {
	return s.Store.ListPayments(ctx, tripID, "")
}

// EventHandler starts collection when a ride completes.
func EventHandler(s *Service) events.Handler {
	return events.HandlerFunc(func(ctx context.Context, e events.Event) error {
		if e.Kind != events.RideCompleted {
			return nil
		}
		if e.Amount <= 0 {
			return fmt.Errorf("ride %s completed without a fare", e.RequestID)
		}
		_, err := s.InitiateSplit(ctx, SplitInput{TripID: e.TripID, RiderIDs: []string{e.RiderID}, TotalAmount: e.Amount})
		return err
	})
}
