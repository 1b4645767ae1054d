package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/example/carpool/internal/models"
)

// Runs against a real database only when CARPOOL_TEST_PG_DSN is set.
func openTestPostgres(t *testing.T) *PostgresStore {
	t.Helper()
	dsn := os.Getenv("CARPOOL_TEST_PG_DSN")
	if dsn == "" {
		t.Skip("CARPOOL_TEST_PG_DSN not set")
	}
	p, err := NewPostgresStore(dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	script, err := os.ReadFile(filepath.Join("..", "..", "migrations", "001_create_carpool.sql"))
	if err != nil {
		t.Fatalf("read migration: %v", err)
	}
	if err := p.Migrate(context.Background(), string(script)); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestPostgresReserveAndRelease(t *testing.T) {
	p := openTestPostgres(t)
	ctx := context.Background()
	trip := newTrip(uuid.NewString(), 1)
	trip.StartTime = trip.StartTime.Truncate(time.Microsecond)
	if err := p.CreateTrip(ctx, trip); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := p.ReserveSeats(ctx, trip.ID, "r1", 1); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if _, err := p.ReserveSeats(ctx, trip.ID, "r2", 1); !errors.Is(err, models.ErrCapacityExceeded) {
		t.Fatalf("expected ErrCapacityExceeded, got %v", err)
	}
	got, err := p.ReleaseSeats(ctx, trip.ID, "r1", 1)
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if got.AvailableSeats != 1 || len(got.Participants) != 0 {
		t.Fatalf("after release: %+v", got)
	}
}

func TestPostgresReleaseDropsOneParticipantEntry(t *testing.T) {
	p := openTestPostgres(t)
	ctx := context.Background()
	trip := newTrip(uuid.NewString(), 3)
	if err := p.CreateTrip(ctx, trip); err != nil {
		t.Fatalf("create: %v", err)
	}
	for _, rider := range []string{"r0", "r1", "r1"} {
		if _, err := p.ReserveSeats(ctx, trip.ID, rider, 1); err != nil {
			t.Fatalf("reserve %s: %v", rider, err)
		}
	}
	got, err := p.ReleaseSeats(ctx, trip.ID, "r1", 1)
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if got.AvailableSeats != 1 || len(got.Participants) != 2 || got.Participants[0] != "r0" || got.Participants[1] != "r1" {
		t.Fatalf("after release: available=%d participants=%v", got.AvailableSeats, got.Participants)
	}
	// releasing someone who never joined only frees seats
	got, err = p.ReleaseSeats(ctx, trip.ID, "stranger", 1)
	if err != nil || len(got.Participants) != 2 {
		t.Fatalf("release stranger: %+v %v", got, err)
	}
}

func TestPostgresCreatePaymentOneLivePerRider(t *testing.T) {
	p := openTestPostgres(t)
	ctx := context.Background()
	trip := newTrip(uuid.NewString(), 2)
	if err := p.CreateTrip(ctx, trip); err != nil {
		t.Fatalf("create trip: %v", err)
	}
	tripID := trip.ID
	now := time.Now()
	pay := func() *models.Payment {
		return &models.Payment{ID: uuid.NewString(), TripID: tripID, RiderID: "u1", Amount: 100, Currency: "inr",
			Status: models.PaymentPending, Provider: "manual", ExternalRef: "manual_" + uuid.NewString(), CreatedAt: now, UpdatedAt: now}
	}
	if err := p.CreatePayment(ctx, pay()); err != nil {
		t.Fatalf("first payment: %v", err)
	}
	if err := p.CreatePayment(ctx, pay()); !errors.Is(err, models.ErrDuplicatePayment) {
		t.Fatalf("expected ErrDuplicatePayment, got %v", err)
	}
}

func TestPostgresRequestOtpGuard(t *testing.T) {
	p := openTestPostgres(t)
	ctx := context.Background()
	trip := newTrip(uuid.NewString(), 2)
	if err := p.CreateTrip(ctx, trip); err != nil {
		t.Fatalf("create trip: %v", err)
	}
	now := time.Now()
	r := &models.RideRequest{ID: uuid.NewString(), TripID: trip.ID, RiderID: "u1", Status: models.RequestAccepted, SeatsRequested: 1, CreatedAt: now, UpdatedAt: now}
	if err := p.CreateRequest(ctx, r); err != nil {
		t.Fatalf("create request: %v", err)
	}
	dup := *r
	dup.ID = uuid.NewString()
	if err := p.CreateRequest(ctx, &dup); !errors.Is(err, models.ErrDuplicateRequest) {
		t.Fatalf("expected ErrDuplicateRequest, got %v", err)
	}
	if _, err := p.TransitionRequest(ctx, r.ID, models.RequestAccepted, models.RequestArrived, Guard{SetOTP: "1234"}); err != nil {
		t.Fatalf("arrive: %v", err)
	}
	if _, err := p.TransitionRequest(ctx, r.ID, models.RequestArrived, models.RequestOngoing, Guard{OTP: "9999"}); !errors.Is(err, models.ErrInvalidOtp) {
		t.Fatalf("expected ErrInvalidOtp, got %v", err)
	}
	if _, err := p.TransitionRequest(ctx, r.ID, models.RequestArrived, models.RequestOngoing, Guard{OTP: "1234"}); err != nil {
		t.Fatalf("start: %v", err)
	}
}
