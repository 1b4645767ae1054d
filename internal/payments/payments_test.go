package payments

import (
	"context"
	"errors"
	"testing"

	"github.com/example/carpool/internal/events"
	"github.com/example/carpool/internal/models"
	"github.com/example/carpool/internal/storage"
)

type fakeProvider struct {
	charges  int
	refunds  int
	chargeFn func(models.Payment) (Charge, error)
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) Charge(_ context.Context, p models.Payment) (Charge, error) {
	f.charges++
	if f.chargeFn != nil {
		return f.chargeFn(p)
	}
	return Charge{Ref: "ref-" + p.RiderID, ClientSecret: "secret-" + p.RiderID}, nil
}

func (f *fakeProvider) Refund(context.Context, models.Payment) error {
	f.refunds++
	return nil
}

func newService() (*Service, *fakeProvider) {
	prov := &fakeProvider{}
	return &Service{Store: storage.NewMemoryStore(), Provider: prov}, prov
}

func TestSplitRemainderGoesToFirstPayers(t *testing.T) {
	got := Split(1000, 3)
	want := []int64{334, 333, 333}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Split(1000, 3) = %v, want %v", got, want)
		}
	}
	var sum int64
	for _, v := range Split(99999, 7) {
		sum += v
	}
	if sum != 99999 {
		t.Fatalf("shares must add up to the total, got %d", sum)
	}
}

func TestInitiateSplit(t *testing.T) {
	s, prov := newService()
	ctx := context.Background()
	ps, err := s.InitiateSplit(ctx, SplitInput{TripID: "t1", RiderIDs: []string{"a", "b"}, TotalAmount: 30001})
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	if len(ps) != 2 {
		t.Fatalf("payments = %d, want 2", len(ps))
	}
	if ps[0].Amount != 15001 || ps[1].Amount != 15000 {
		t.Fatalf("amounts = %d/%d", ps[0].Amount, ps[1].Amount)
	}
	if ps[0].Commission != 1500 || ps[0].Currency != "inr" || ps[0].Status != models.PaymentPending {
		t.Fatalf("unexpected payment: %+v", ps[0])
	}
	if ps[0].ExternalRef != "ref-a" || ps[0].ClientSecret != "secret-a" {
		t.Fatalf("provider data not stored: %+v", ps[0])
	}

	// retrying must not charge again
	again, err := s.InitiateSplit(ctx, SplitInput{TripID: "t1", RiderIDs: []string{"a", "b"}, TotalAmount: 30001})
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if prov.charges != 2 || again[0].ID != ps[0].ID {
		t.Fatalf("retry created new charges: charges=%d", prov.charges)
	}
}

func TestInitiateSplitValidation(t *testing.T) {
	s, _ := newService()
	ctx := context.Background()
	bad := []SplitInput{
		{TripID: "", RiderIDs: []string{"a"}, TotalAmount: 10},
		{TripID: "t1", RiderIDs: nil, TotalAmount: 10},
		{TripID: "t1", RiderIDs: []string{"a"}, TotalAmount: 0},
		{TripID: "t1", RiderIDs: []string{"a", "a"}, TotalAmount: 10},
		{TripID: "t1", RiderIDs: []string{""}, TotalAmount: 10},
	}
	for i, in := range bad {
		if _, err := s.InitiateSplit(ctx, in); !errors.Is(err, models.ErrValidation) {
			t.Errorf("case %d: expected ErrValidation, got %v", i, err)
		}
	}
}

func TestProviderFailureIsPerRider(t *testing.T) {
	s, prov := newService()
	prov.chargeFn = func(p models.Payment) (Charge, error) {
		if p.RiderID == "b" {
			return Charge{}, errors.New("card declined")
		}
		return Charge{Ref: "ref-" + p.RiderID}, nil
	}
	ps, err := s.InitiateSplit(context.Background(), SplitInput{TripID: "t1", RiderIDs: []string{"a", "b"}, TotalAmount: 200})
	if err == nil {
		t.Fatalf("expected an error for rider b")
	}
	if len(ps) != 1 || ps[0].RiderID != "a" {
		t.Fatalf("rider a should still be charged, got %+v", ps)
	}
}

func TestMarkCompletedRunsHookOnce(t *testing.T) {
	s, _ := newService()
	ctx := context.Background()
	var settled []string
	s.OnSettled = func(_ context.Context, tripID, riderID string) error {
		settled = append(settled, tripID+"/"+riderID)
		return nil
	}
	if _, err := s.InitiateSplit(ctx, SplitInput{TripID: "t1", RiderIDs: []string{"a"}, TotalAmount: 500}); err != nil {
		t.Fatalf("split: %v", err)
	}
	for i := 0; i < 2; i++ {
		p, err := s.MarkCompleted(ctx, "ref-a")
		if err != nil {
			t.Fatalf("complete #%d: %v", i+1, err)
		}
		if p.Status != models.PaymentCompleted {
			t.Fatalf("status = %s", p.Status)
		}
	}
	if len(settled) != 1 || settled[0] != "t1/a" {
		t.Fatalf("hook calls = %v", settled)
	}
	if _, err := s.MarkFailed(ctx, "ref-a"); !errors.Is(err, models.ErrInvalidTransition) {
		t.Fatalf("failing a completed payment should be rejected, got %v", err)
	}
	if _, err := s.MarkCompleted(ctx, "ref-missing"); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestFailedPaymentCanBeRetried(t *testing.T) {
	s, prov := newService()
	ctx := context.Background()
	n := 0
	prov.chargeFn = func(p models.Payment) (Charge, error) {
		n++
		return Charge{Ref: "ref-" + p.RiderID + string(rune('0'+n))}, nil
	}
	_, _ = s.InitiateSplit(ctx, SplitInput{TripID: "t1", RiderIDs: []string{"a"}, TotalAmount: 500})
	if _, err := s.MarkFailed(ctx, "ref-a1"); err != nil {
		t.Fatalf("fail: %v", err)
	}
	ps, err := s.InitiateSplit(ctx, SplitInput{TripID: "t1", RiderIDs: []string{"a"}, TotalAmount: 500})
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if ps[0].ExternalRef != "ref-a2" {
		t.Fatalf("expected a fresh charge, got %+v", ps[0])
	}
}

// staleListStore answers the first ListPayments from before a concurrent
// split wrote its payment.
type staleListStore struct {
	*storage.MemoryStore
	stale bool
}

func (s *staleListStore) ListPayments(ctx context.Context, tripID, riderID string) ([]models.Payment, error) {
	if s.stale {
		s.stale = false
		return nil, nil
	}
	return s.MemoryStore.ListPayments(ctx, tripID, riderID)
}

func TestConcurrentSplitKeepsOnePaymentPerRider(t *testing.T) {
	store := &staleListStore{MemoryStore: storage.NewMemoryStore()}
	prov := &fakeProvider{}
	s := &Service{Store: store, Provider: prov}
	ctx := context.Background()

	first, err := s.InitiateSplit(ctx, SplitInput{TripID: "t1", RiderIDs: []string{"a"}, TotalAmount: 500})
	if err != nil {
		t.Fatalf("first split: %v", err)
	}
	prov.chargeFn = func(p models.Payment) (Charge, error) { return Charge{Ref: "ref-late"}, nil }
	store.stale = true
	second, err := s.InitiateSplit(ctx, SplitInput{TripID: "t1", RiderIDs: []string{"a"}, TotalAmount: 500})
	if err != nil {
		t.Fatalf("second split: %v", err)
	}
	if second[0].ID != first[0].ID {
		t.Fatalf("second split should return the winner %s, got %+v", first[0].ID, second[0])
	}
	if prov.refunds != 1 {
		t.Fatalf("losing charge should be voided, refunds = %d", prov.refunds)
	}
	all, _ := store.MemoryStore.ListPayments(ctx, "t1", "a")
	if len(all) != 1 {
		t.Fatalf("payments for rider = %d, want 1", len(all))
	}
}

func TestRefund(t *testing.T) {
	s, prov := newService()
	ctx := context.Background()
	ps, _ := s.InitiateSplit(ctx, SplitInput{TripID: "t1", RiderIDs: []string{"a"}, TotalAmount: 500})
	_, _ = s.MarkCompleted(ctx, "ref-a")

	p, err := s.Refund(ctx, ps[0].ID)
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if p.Status != models.PaymentRefunded || prov.refunds != 1 {
		t.Fatalf("refund result %+v, provider refunds=%d", p, prov.refunds)
	}
	if _, err := s.Refund(ctx, ps[0].ID); err != nil || prov.refunds != 1 {
		t.Fatalf("second refund should be a no-op, err=%v refunds=%d", err, prov.refunds)
	}
}

func TestEventHandlerChargesOnCompletion(t *testing.T) {
	s, prov := newService()
	h := EventHandler(s)
	ctx := context.Background()

	accepted := events.New(events.RequestAccepted, "t1", "r1")
	if err := h.Handle(ctx, accepted); err != nil || prov.charges != 0 {
		t.Fatalf("non-completion event should be ignored, err=%v charges=%d", err, prov.charges)
	}

	done := events.New(events.RideCompleted, "t1", "r1")
	done.RiderID = "a"
	done.Amount = 25000
	if err := h.Handle(ctx, done); err != nil {
		t.Fatalf("handle: %v", err)
	}
	ps, _ := s.ListForTrip(ctx, "t1")
	if len(ps) != 1 || ps[0].Amount != 25000 {
		t.Fatalf("payments = %+v", ps)
	}
}

func TestParseStripeWebhookRejectsBadSignature(t *testing.T) {
	_, _, err := ParseStripeWebhook([]byte(`{"type":"payment_intent.succeeded"}`), "t=1,v1=deadbeef", "whsec_test")
	if !errors.Is(err, models.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestManualProvider(t *testing.T) {
	ch, err := ManualProvider{}.Charge(context.Background(), models.Payment{})
	if err != nil || len(ch.Ref) < len("manual_") || ch.Ref[:7] != "manual_" {
		t.Fatalf("charge = %+v, %v", ch, err)
	}
}
