package requests

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/google/uuid"

	"github.com/example/carpool/internal/events"
	"github.com/example/carpool/internal/models"
	"github.com/example/carpool/internal/observability"
	"github.com/example/carpool/internal/storage"
	"github.com/example/carpool/internal/trips"
	"github.com/example/carpool/internal/validation"
)

// Service drives ride requests through their lifecycle. Every status change
// is one compare-and-set in the store; side effects go out as events and
// never decide whether a transition succeeded.
type Service struct {
	Store  storage.RequestStore
	Trips  *trips.Registry
	Events events.Publisher
	Logger *slog.Logger

	// AllowMultipleActive lets a rider hold active requests on several trips at once.
	AllowMultipleActive bool

	Now func() time.Time
	OTP func() (string, error)
}

type CreateInput struct {
	TripID         string `json:"trip_id" validate:"required"`
	RiderID        string `json:"rider_id" validate:"required"`
	SeatsRequested int    `json:"seats_requested" validate:"omitempty,gte=1,lte=8"`
	Note           string `json:"note" validate:"max=500"`
}

type UpdateInput struct {
	RequestID string `json:"-" validate:"required"`
	Status    string `json:"status" validate:"required"`
	OTP       string `json:"otp" validate:"omitempty,len=4,numeric"`
}

// Pending splits a user's live requests by direction.
type Pending struct {
	Incoming []models.RideRequest `json:"incoming"`
	Outgoing []models.RideRequest `json:"outgoing"`
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Service) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

func (s *Service) Create(ctx context.Context, in CreateInput) (*models.RideRequest, error) {
	if err := validation.Struct(in); err != nil {
		return nil, err
	}
	if in.SeatsRequested == 0 {
		in.SeatsRequested = 1
	}
	trip, err := s.Trips.Get(ctx, in.TripID)
	if err != nil {
		return nil, err
	}
	if trip.DriverID == in.RiderID {
		return nil, models.Invalid("rider_id", "driver cannot join their own trip")
	}
	if !trip.Status.Open() {
		return nil, fmt.Errorf("trip %s is %s: %w", trip.ID, trip.Status, models.ErrInvalidTransition)
	}
	if in.SeatsRequested > trip.AvailableSeats {
		return nil, fmt.Errorf("trip %s has %d seats left, %d requested: %w", trip.ID, trip.AvailableSeats, in.SeatsRequested, models.ErrCapacityExceeded)
	}
	if !s.AllowMultipleActive {
		mine, err := s.Store.ListRequestsByRider(ctx, in.RiderID)
		if err != nil {
			return nil, err
		}
		for _, r := range mine {
			if r.Status.Active() {
				return nil, fmt.Errorf("request %s on trip %s: %w", r.ID, r.TripID, models.ErrActiveRequest)
			}
		}
	}

	now := s.now()
	r := &models.RideRequest{
		ID:             uuid.NewString(),
		TripID:         trip.ID,
		RiderID:        in.RiderID,
		Status:         models.RequestRequested,
		SeatsRequested: in.SeatsRequested,
		Note:           in.Note,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.Store.CreateRequest(ctx, r); err != nil {
		return nil, err
	}
	observability.RequestsByStep.WithLabelValues(string(models.RequestRequested)).Inc()
	s.logger().Info("ride request created", "request_id", r.ID, "trip_id", r.TripID, "rider_id", r.RiderID, "seats", r.SeatsRequested)

	e := s.event(events.JoinRequested, r, trip)
	e.Recipients = []string{trip.DriverID}
	e.Note = r.Note
	s.publish(ctx, e)
	return r, nil
}

// UpdateStatus applies one transition from the lifecycle table. Re-applying
// the request's current status succeeds without side effects, except that a
// repeated ongoing still needs the right OTP.
func (s *Service) UpdateStatus(ctx context.Context, in UpdateInput) (*models.RideRequest, error) {
	if err := validation.Struct(in); err != nil {
		return nil, err
	}
	to, ok := models.ParseRequestStatus(in.Status)
	if !ok {
		return nil, models.Invalid("status", fmt.Sprintf("unknown ride request status %q", in.Status))
	}
	cur, err := s.Store.GetRequest(ctx, in.RequestID)
	if err != nil {
		return nil, err
	}
	if cur.Status == to {
		// a replayed start still has to prove the code
		if to == models.RequestOngoing {
			if err := checkOTP(cur, in.OTP); err != nil {
				return nil, err
			}
		}
		return cur, nil
	}
	if !models.CanTransition(cur.Status, to) {
		return nil, fmt.Errorf("ride request %s %s -> %s: %w", cur.ID, cur.Status, to, models.ErrInvalidTransition)
	}
	trip, err := s.Trips.Get(ctx, cur.TripID)
	if err != nil {
		return nil, err
	}

	var next *models.RideRequest
	switch to {
	case models.RequestAccepted:
		next, err = s.accept(ctx, cur)
	case models.RequestArrived:
		var otp string
		if otp, err = s.newOTP(); err != nil {
			return nil, fmt.Errorf("generate otp: %w", err)
		}
		next, err = s.transition(ctx, cur, to, storage.Guard{SetOTP: otp})
	case models.RequestOngoing:
		if in.OTP == "" {
			return nil, models.Invalid("otp", "is required to start the ride")
		}
		next, err = s.transition(ctx, cur, to, storage.Guard{OTP: in.OTP})
		if errors.Is(err, models.ErrInvalidOtp) {
			observability.OtpFailures.Inc()
		}
	case models.RequestCancelled:
		next, err = s.transition(ctx, cur, to, storage.Guard{})
		if err == nil && cur.Status.HoldsSeat() {
			if _, rerr := s.Trips.ReleaseSeats(ctx, cur.TripID, cur.RiderID, cur.SeatsRequested); rerr != nil {
				s.logger().Error("release seats after cancel", "request_id", cur.ID, "trip_id", cur.TripID, "error", rerr)
			}
		}
	default:
		next, err = s.transition(ctx, cur, to, storage.Guard{})
	}
	if err != nil {
		return nil, err
	}

	observability.RequestsByStep.WithLabelValues(string(to)).Inc()
	s.logger().Info("ride request status changed", "request_id", next.ID, "trip_id", next.TripID, "from", cur.Status, "to", to)
	s.notify(ctx, next, trip)
	return next, nil
}

// accept reserves seats first, then flips the request. If the flip loses a
// race the seats go back.
func (s *Service) accept(ctx context.Context, cur *models.RideRequest) (*models.RideRequest, error) {
	if _, err := s.Trips.ReserveSeats(ctx, cur.TripID, cur.RiderID, cur.SeatsRequested); err != nil {
		return nil, err
	}
	next, err := s.transition(ctx, cur, models.RequestAccepted, storage.Guard{})
	if err != nil {
		if _, rerr := s.Trips.ReleaseSeats(ctx, cur.TripID, cur.RiderID, cur.SeatsRequested); rerr != nil {
			s.logger().Error("release seats after failed accept", "request_id", cur.ID, "trip_id", cur.TripID, "error", rerr)
		}
		return nil, err
	}
	return next, nil
}

func (s *Service) transition(ctx context.Context, cur *models.RideRequest, to models.RequestStatus, g storage.Guard) (*models.RideRequest, error) {
	// ErrConflict here means another caller moved the request after we read it
	return s.Store.TransitionRequest(ctx, cur.ID, cur.Status, to, g)
}

func (s *Service) notify(ctx context.Context, r *models.RideRequest, trip *models.Trip) {
	var e events.Event
	switch r.Status {
	case models.RequestAccepted:
		e = s.event(events.RequestAccepted, r, trip)
		e.Recipients = []string{r.RiderID}
	case models.RequestRejected:
		e = s.event(events.RequestRejected, r, trip)
		e.Recipients = []string{r.RiderID}
	case models.RequestArrived:
		e = s.event(events.DriverArrived, r, trip)
		e.Recipients = []string{r.RiderID}
		e.OTP = r.OTP
	case models.RequestCancelled:
		e = s.event(events.RequestCancelled, r, trip)
		e.Recipients = []string{trip.DriverID, r.RiderID}
	case models.RequestCompleted:
		e = s.event(events.RideCompleted, r, trip)
		e.Recipients = []string{r.RiderID}
		e.Amount = trip.FarePerSeat * int64(r.SeatsRequested)
	default:
		return
	}
	s.publish(ctx, e)
}

func (s *Service) event(kind events.Kind, r *models.RideRequest, trip *models.Trip) events.Event {
	e := events.New(kind, r.TripID, r.ID)
	e.RiderID = r.RiderID
	e.DriverID = trip.DriverID
	e.Seats = r.SeatsRequested
	return e
}

func (s *Service) publish(ctx context.Context, e events.Event) {
	if s.Events == nil {
		return
	}
	if err := s.Events.Publish(ctx, e); err != nil {
		s.logger().Warn("event not published", "kind", e.Kind, "request_id", e.RequestID, "error", err)
	}
}

func (s *Service) Get(ctx context.Context, id string) (*models.RideRequest, error) {
	return s.Store.GetRequest(ctx, id)
}

// Archive hides a request from pending views. Archiving twice is fine.
func (s *Service) Archive(ctx context.Context, id string) (*models.RideRequest, error) {
	if id == "" {
		return nil, models.Invalid("id", "is required")
	}
	return s.Store.ArchiveRequest(ctx, id)
}

// ListPending returns the user's unarchived requests as a rider (outgoing)
// and the live requests against trips they drive (incoming).
func (s *Service) ListPending(ctx context.Context, userID string) (Pending, error) {
	if userID == "" {
		return Pending{}, models.Invalid("user_id", "is required")
	}
	out, err := s.ListForRider(ctx, userID)
	if err != nil {
		return Pending{}, err
	}
	in, err := s.ListForDriver(ctx, userID)
	if err != nil {
		return Pending{}, err
	}
	return Pending{Incoming: in, Outgoing: out}, nil
}

func (s *Service) ListForRider(ctx context.Context, riderID string) ([]models.RideRequest, error) {
	all, err := s.Store.ListRequestsByRider(ctx, riderID)
	if err != nil {
		return nil, err
	}
	out := make([]models.RideRequest, 0, len(all))
	for _, r := range all {
		if !r.Archived {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *Service) ListForDriver(ctx context.Context, driverID string) ([]models.RideRequest, error) {
	hosted, err := s.Trips.ListByDriver(ctx, driverID)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(hosted))
	for _, t := range hosted {
		ids = append(ids, t.ID)
	}
	all, err := s.Store.ListRequestsByTrips(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := make([]models.RideRequest, 0, len(all))
	for _, r := range all {
		if r.Archived || r.Status == models.RequestRejected || r.Status == models.RequestCancelled {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

// SettlePayment archives the rider's completed request once their payment clears.
func (s *Service) SettlePayment(ctx context.Context, tripID, riderID string) error {
	r, err := s.Store.FindRequest(ctx, tripID, riderID, models.RequestCompleted)
	if err != nil {
		return err
	}
	if _, err := s.Store.ArchiveRequest(ctx, r.ID); err != nil {
		return err
	}
	s.logger().Info("ride request settled", "request_id", r.ID, "trip_id", tripID, "rider_id", riderID)
	return nil
}

func (s *Service) newOTP() (string, error) {
	if s.OTP != nil {
		return s.OTP()
	}
	return GenerateOTP()
}

// GenerateOTP returns a uniformly random 4-digit code.
func GenerateOTP() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(10000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%04d", n.Int64()), nil
}

func checkOTP(cur *models.RideRequest, otp string) error {
	if otp == "" {
		return models.Invalid("otp", "is required to start the ride")
	}
	if otp != cur.OTP {
		observability.OtpFailures.Inc()
		return fmt.Errorf("ride request %s: %w", cur.ID, models.ErrInvalidOtp)
	}
	return nil
}
