package requests

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/example/carpool/internal/events"
	"github.com/example/carpool/internal/geo"
	"github.com/example/carpool/internal/models"
	"github.com/example/carpool/internal/storage"
	"github.com/example/carpool/internal/trips"
)

var base = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

type recorder struct {
	mu     sync.Mutex
	events []events.Event
	err    error
}

func (r *recorder) Publish(_ context.Context, e events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return r.err
}

func (r *recorder) kinds() []events.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.Kind, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Kind)
	}
	return out
}

func (r *recorder) last() events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[len(r.events)-1]
}

type fixture struct {
	svc   *Service
	trips *trips.Registry
	pub   *recorder
	trip  *models.Trip
}

func setup(t *testing.T, seats int) fixture {
	t.Helper()
	store := storage.NewMemoryStore()
	clock := func() time.Time { return base }
	reg := &trips.Registry{Store: store, Index: geo.NewMemoryIndex(), Now: clock}
	pub := &recorder{}
	svc := &Service{
		Store:               store,
		Trips:               reg,
		Events:              pub,
		AllowMultipleActive: true,
		Now:                 clock,
		OTP:                 func() (string, error) { return "4821", nil },
	}
	trip, err := reg.Create(context.Background(), trips.CreateInput{
		DriverID:    "driver-1",
		VehicleID:   "car-1",
		Start:       models.Place{Coord: models.Coord{Lat: 12, Lon: 77}},
		End:         models.Place{Coord: models.Coord{Lat: 13, Lon: 77}},
		StartTime:   base.Add(time.Hour),
		FarePerSeat: 12500,
		TotalSeats:  seats,
	})
	if err != nil {
		t.Fatalf("create trip: %v", err)
	}
	return fixture{svc: svc, trips: reg, pub: pub, trip: trip}
}

func (f fixture) request(t *testing.T, rider string) *models.RideRequest {
	t.Helper()
	r, err := f.svc.Create(context.Background(), CreateInput{TripID: f.trip.ID, RiderID: rider, Note: "near the gate"})
	if err != nil {
		t.Fatalf("create request for %s: %v", rider, err)
	}
	return r
}

func (f fixture) move(t *testing.T, id string, status models.RequestStatus, otp string) *models.RideRequest {
	t.Helper()
	r, err := f.svc.UpdateStatus(context.Background(), UpdateInput{RequestID: id, Status: string(status), OTP: otp})
	if err != nil {
		t.Fatalf("%s: %v", status, err)
	}
	return r
}

func TestFullLifecycle(t *testing.T) {
	f := setup(t, 2)
	ctx := context.Background()
	r := f.request(t, "rider-1")

	f.move(t, r.ID, models.RequestAccepted, "")
	trip, _ := f.trips.Get(ctx, f.trip.ID)
	if trip.AvailableSeats != 1 {
		t.Fatalf("seats after accept = %d, want 1", trip.AvailableSeats)
	}

	arrived := f.move(t, r.ID, models.RequestArrived, "")
	if arrived.OTP != "4821" {
		t.Fatalf("otp = %q", arrived.OTP)
	}
	if f.pub.last().OTP != "4821" {
		t.Fatalf("arrival event should carry the otp, got %+v", f.pub.last())
	}

	f.move(t, r.ID, models.RequestOngoing, "4821")
	done := f.move(t, r.ID, models.RequestCompleted, "")
	if done.Status != models.RequestCompleted {
		t.Fatalf("status = %s", done.Status)
	}

	trip, _ = f.trips.Get(ctx, f.trip.ID)
	if trip.AvailableSeats != 1 {
		t.Fatalf("seat should be taken exactly once, available = %d", trip.AvailableSeats)
	}
	if trip.CarbonSavingsKg != 0 {
		t.Fatalf("carbon must not be computed before trip completion, got %v", trip.CarbonSavingsKg)
	}
	if _, err := f.trips.SetStatus(ctx, trip.ID, models.TripActive); err != nil {
		t.Fatalf("activate: %v", err)
	}
	trip, err := f.trips.SetStatus(ctx, trip.ID, models.TripCompleted)
	if err != nil {
		t.Fatalf("complete trip: %v", err)
	}
	if trip.CarbonSavingsKg != 13.34 {
		t.Fatalf("carbon = %v, want 13.34", trip.CarbonSavingsKg)
	}

	want := []events.Kind{events.JoinRequested, events.RequestAccepted, events.DriverArrived, events.RideCompleted}
	got := f.pub.kinds()
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("events = %v, want %v", got, want)
		}
	}
	if f.pub.last().Amount != 12500 {
		t.Fatalf("completion amount = %d, want 12500", f.pub.last().Amount)
	}
}

func TestConcurrentAcceptOneSeat(t *testing.T) {
	f := setup(t, 1)
	a := f.request(t, "rider-a")
	b := f.request(t, "rider-b")

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, id := range []string{a.ID, b.ID} {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			_, errs[i] = f.svc.UpdateStatus(context.Background(), UpdateInput{RequestID: id, Status: "accepted"})
		}(i, id)
	}
	wg.Wait()

	ok, full := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, models.ErrCapacityExceeded):
			full++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != 1 || full != 1 {
		t.Fatalf("expected one accept and one capacity error, got ok=%d full=%d", ok, full)
	}
	trip, _ := f.trips.Get(context.Background(), f.trip.ID)
	if trip.AvailableSeats != 0 {
		t.Fatalf("available = %d, want 0", trip.AvailableSeats)
	}
}

func TestWrongOtpLeavesRequestArrived(t *testing.T) {
	f := setup(t, 2)
	ctx := context.Background()
	r := f.request(t, "rider-1")
	f.move(t, r.ID, models.RequestAccepted, "")
	f.move(t, r.ID, models.RequestArrived, "")

	_, err := f.svc.UpdateStatus(ctx, UpdateInput{RequestID: r.ID, Status: "ongoing", OTP: "0000"})
	if !errors.Is(err, models.ErrInvalidOtp) {
		t.Fatalf("expected ErrInvalidOtp, got %v", err)
	}
	cur, _ := f.svc.Get(ctx, r.ID)
	if cur.Status != models.RequestArrived || cur.OTP != "4821" {
		t.Fatalf("request corrupted by bad otp: %+v", cur)
	}

	if _, err := f.svc.UpdateStatus(ctx, UpdateInput{RequestID: r.ID, Status: "ongoing"}); !errors.Is(err, models.ErrValidation) {
		t.Fatalf("missing otp should be a validation error, got %v", err)
	}
	f.move(t, r.ID, models.RequestOngoing, "4821")
}

func TestRepeatedOngoingStillChecksOtp(t *testing.T) {
	f := setup(t, 2)
	ctx := context.Background()
	r := f.request(t, "rider-1")
	f.move(t, r.ID, models.RequestAccepted, "")
	f.move(t, r.ID, models.RequestArrived, "")
	f.move(t, r.ID, models.RequestOngoing, "4821")
	published := len(f.pub.kinds())

	if _, err := f.svc.UpdateStatus(ctx, UpdateInput{RequestID: r.ID, Status: "ongoing", OTP: "0000"}); !errors.Is(err, models.ErrInvalidOtp) {
		t.Fatalf("repeat with wrong otp: expected ErrInvalidOtp, got %v", err)
	}
	if _, err := f.svc.UpdateStatus(ctx, UpdateInput{RequestID: r.ID, Status: "ongoing"}); !errors.Is(err, models.ErrValidation) {
		t.Fatalf("repeat without otp: expected ErrValidation, got %v", err)
	}

	// the right code is still a no-op success
	cur := f.move(t, r.ID, models.RequestOngoing, "4821")
	if cur.Status != models.RequestOngoing {
		t.Fatalf("status = %s", cur.Status)
	}
	if got := len(f.pub.kinds()); got != published {
		t.Fatalf("repeat should not publish, events %d -> %d", published, got)
	}
}

func TestInvalidTransitions(t *testing.T) {
	f := setup(t, 2)
	ctx := context.Background()
	r := f.request(t, "rider-1")

	if _, err := f.svc.UpdateStatus(ctx, UpdateInput{RequestID: r.ID, Status: "ongoing", OTP: "1234"}); !errors.Is(err, models.ErrInvalidTransition) {
		t.Fatalf("requested -> ongoing should fail, got %v", err)
	}
	if _, err := f.svc.UpdateStatus(ctx, UpdateInput{RequestID: r.ID, Status: "flying"}); !errors.Is(err, models.ErrValidation) {
		t.Fatalf("unknown status should be a validation error, got %v", err)
	}
	f.move(t, r.ID, models.RequestRejected, "")
	if _, err := f.svc.UpdateStatus(ctx, UpdateInput{RequestID: r.ID, Status: "accepted"}); !errors.Is(err, models.ErrInvalidTransition) {
		t.Fatalf("rejected -> accepted should fail, got %v", err)
	}
	// re-applying the current status is a harmless retry
	if _, err := f.svc.UpdateStatus(ctx, UpdateInput{RequestID: r.ID, Status: "rejected"}); err != nil {
		t.Fatalf("retrying rejected: %v", err)
	}
	if _, err := f.svc.UpdateStatus(ctx, UpdateInput{RequestID: "nope", Status: "accepted"}); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCancelReleasesSeats(t *testing.T) {
	f := setup(t, 3)
	ctx := context.Background()
	r, err := f.svc.Create(ctx, CreateInput{TripID: f.trip.ID, RiderID: "rider-1", SeatsRequested: 2})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	f.move(t, r.ID, models.RequestAccepted, "")
	trip, _ := f.trips.Get(ctx, f.trip.ID)
	if trip.AvailableSeats != 1 {
		t.Fatalf("available after accept = %d, want 1", trip.AvailableSeats)
	}
	f.move(t, r.ID, models.RequestCancelled, "")
	trip, _ = f.trips.Get(ctx, f.trip.ID)
	if trip.AvailableSeats != 3 || len(trip.Participants) != 0 {
		t.Fatalf("seats not released: %+v", trip)
	}
	if got := f.pub.last(); got.Kind != events.RequestCancelled || len(got.Recipients) != 2 {
		t.Fatalf("unexpected cancel event: %+v", got)
	}
}

func TestCreateErrors(t *testing.T) {
	f := setup(t, 1)
	ctx := context.Background()

	if _, err := f.svc.Create(ctx, CreateInput{TripID: "missing", RiderID: "r"}); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := f.svc.Create(ctx, CreateInput{TripID: f.trip.ID, RiderID: "r", SeatsRequested: 2}); !errors.Is(err, models.ErrCapacityExceeded) {
		t.Fatalf("expected ErrCapacityExceeded, got %v", err)
	}
	if _, err := f.svc.Create(ctx, CreateInput{TripID: f.trip.ID}); !errors.Is(err, models.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	if _, err := f.svc.Create(ctx, CreateInput{TripID: f.trip.ID, RiderID: "driver-1"}); !errors.Is(err, models.ErrValidation) {
		t.Fatalf("driver joining own trip should be rejected, got %v", err)
	}
	f.request(t, "rider-1")
	if _, err := f.svc.Create(ctx, CreateInput{TripID: f.trip.ID, RiderID: "rider-1"}); !errors.Is(err, models.ErrDuplicateRequest) {
		t.Fatalf("expected ErrDuplicateRequest, got %v", err)
	}
}

func TestSingleActiveRequestRule(t *testing.T) {
	f := setup(t, 2)
	ctx := context.Background()
	f.svc.AllowMultipleActive = false
	other, err := f.trips.Create(ctx, trips.CreateInput{
		DriverID: "driver-2", VehicleID: "car-2",
		Start:     models.Place{Coord: models.Coord{Lat: 12, Lon: 77}},
		End:       models.Place{Coord: models.Coord{Lat: 12.5, Lon: 77}},
		StartTime: base.Add(2 * time.Hour), FarePerSeat: 9000, TotalSeats: 2,
	})
	if err != nil {
		t.Fatalf("create trip: %v", err)
	}
	f.request(t, "rider-1")
	if _, err := f.svc.Create(ctx, CreateInput{TripID: other.ID, RiderID: "rider-1"}); !errors.Is(err, models.ErrActiveRequest) {
		t.Fatalf("expected ErrActiveRequest, got %v", err)
	}
}

func TestArchiveAndPendingViews(t *testing.T) {
	f := setup(t, 3)
	ctx := context.Background()
	a := f.request(t, "rider-a")
	b := f.request(t, "rider-b")
	f.move(t, b.ID, models.RequestRejected, "")

	p, err := f.svc.ListPending(ctx, "driver-1")
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(p.Incoming) != 1 || p.Incoming[0].ID != a.ID || len(p.Outgoing) != 0 {
		t.Fatalf("driver view = %+v", p)
	}

	for i := 0; i < 2; i++ {
		got, err := f.svc.Archive(ctx, a.ID)
		if err != nil || !got.Archived || got.Status != models.RequestRequested {
			t.Fatalf("archive #%d: %+v %v", i+1, got, err)
		}
	}
	p, _ = f.svc.ListPending(ctx, "rider-a")
	if len(p.Outgoing) != 0 {
		t.Fatalf("archived request still listed: %+v", p.Outgoing)
	}
	if _, err := f.svc.ListPending(ctx, ""); !errors.Is(err, models.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestPublishFailureDoesNotFailTransition(t *testing.T) {
	f := setup(t, 1)
	f.pub.err = errors.New("queue full")
	r := f.request(t, "rider-1")
	if got := f.move(t, r.ID, models.RequestAccepted, ""); got.Status != models.RequestAccepted {
		t.Fatalf("status = %s", got.Status)
	}
}

func TestSettlePaymentArchivesCompleted(t *testing.T) {
	f := setup(t, 1)
	ctx := context.Background()
	r := f.request(t, "rider-1")
	f.move(t, r.ID, models.RequestAccepted, "")
	f.move(t, r.ID, models.RequestArrived, "")
	f.move(t, r.ID, models.RequestOngoing, "4821")
	f.move(t, r.ID, models.RequestCompleted, "")

	if err := f.svc.SettlePayment(ctx, f.trip.ID, "rider-1"); err != nil {
		t.Fatalf("settle: %v", err)
	}
	cur, _ := f.svc.Get(ctx, r.ID)
	if !cur.Archived || cur.Status != models.RequestCompleted {
		t.Fatalf("after settlement: %+v", cur)
	}
	if err := f.svc.SettlePayment(ctx, f.trip.ID, "nobody"); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestGenerateOTP(t *testing.T) {
	for i := 0; i < 50; i++ {
		otp, err := GenerateOTP()
		if err != nil {
			t.Fatalf("generate: %v", err)
		}
		if len(otp) != 4 {
			t.Fatalf("otp %q is not 4 digits", otp)
		}
		for _, c := range otp {
			if c < '0' || c > '9' {
				t.Fatalf("otp %q is not numeric", otp)
			}
		}
	}
}
