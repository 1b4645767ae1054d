package storage

import (
	"context"
	"time"

	"github.com/example/carpool/internal/models"
)

// TripStore persists trips. ReserveSeats and ReleaseSeats are single atomic
// conditional updates; implementations must never read-modify-write the seat
// counter outside that guard.
type TripStore interface {
	CreateTrip(ctx context.Context, t *models.Trip) error
	GetTrip(ctx context.Context, id string) (*models.Trip, error)
	// ListOpenTrips returns pending/scheduled trips with free seats starting at
	// or after `after`. A non-nil ids restricts the result to those trips.
	ListOpenTrips(ctx context.Context, after time.Time, ids []string) ([]models.Trip, error)
	ListTripsByDriver(ctx context.Context, driverID string) ([]models.Trip, error)
	FindTripByDriverAt(ctx context.Context, driverID string, start time.Time) (*models.Trip, error)
	// ReserveSeats decrements available seats by n and records the rider as a
	// participant, failing with ErrCapacityExceeded if fewer than n are free.
	ReserveSeats(ctx context.Context, tripID, riderID string, n int) (*models.Trip, error)
	// ReleaseSeats gives n seats back (capped at total) and drops the rider.
	ReleaseSeats(ctx context.Context, tripID, riderID string, n int) (*models.Trip, error)
	// UpdateTripStatus moves a trip from -> to, failing with ErrConflict if the
	// stored status is no longer from.
	UpdateTripStatus(ctx context.Context, id string, from, to models.TripStatus, carbonKg float64) (*models.Trip, error)
}

// Guard narrows a ride-request transition.
type Guard struct {
	// OTP, when non-empty, must equal the stored code or the update fails with ErrInvalidOtp.
	OTP string
	// SetOTP, when non-empty, is stored together with the new status.
	SetOTP string
}

type RequestStore interface {
	// CreateRequest fails with ErrDuplicateRequest if the rider already has an
	// active request on the same trip.
	CreateRequest(ctx context.Context, r *models.RideRequest) error
	GetRequest(ctx context.Context, id string) (*models.RideRequest, error)
	// TransitionRequest is a compare-and-set on status (and OTP, see Guard).
	TransitionRequest(ctx context.Context, id string, from, to models.RequestStatus, g Guard) (*models.RideRequest, error)
	ArchiveRequest(ctx context.Context, id string) (*models.RideRequest, error)
	ListRequestsByRider(ctx context.Context, riderID string) ([]models.RideRequest, error)
	ListRequestsByTrips(ctx context.Context, tripIDs []string) ([]models.RideRequest, error)
	FindRequest(ctx context.Context, tripID, riderID string, status models.RequestStatus) (*models.RideRequest, error)
}

type PaymentStore interface {
	CreatePayment(ctx context.Context, p *models.Payment) error
	GetPayment(ctx context.Context, id string) (*models.Payment, error)
	FindPaymentByRef(ctx context.Context, ref string) (*models.Payment, error)
	ListPayments(ctx context.Context, tripID, riderID string) ([]models.Payment, error)
	// SettlePayment moves a payment out of from into to. changed is false when
	// the payment was not in from (already settled).
	SettlePayment(ctx context.Context, id string, from, to models.PaymentStatus) (p *models.Payment, changed bool, err error)
}

type ScheduleStore interface {
	CreateSchedule(ctx context.Context, s *models.Schedule) error
	ListActiveSchedules(ctx context.Context) ([]models.Schedule, error)
}

// Store is everything the server needs from persistence.
type Store interface {
	TripStore
	RequestStore
	PaymentStore
	ScheduleStore
}
