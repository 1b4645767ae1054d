package trips

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/example/carpool/internal/geo"
	"github.com/example/carpool/internal/models"
	"github.com/example/carpool/internal/observability"
	"github.com/example/carpool/internal/routing"
	"github.com/example/carpool/internal/storage"
	"github.com/example/carpool/internal/validation"
)

const (
	// EmissionKgPerKm is the CO2 a single car emits per km.
	EmissionKgPerKm = 0.12

	// DefaultRadiusMeters bounds origin prefiltering. A trip whose start is
	// further than this from the rider scores at most 40 and never matches.
	DefaultRadiusMeters = 10000.0
)

// Registry owns trips: creation, open-trip queries, seats and status.
type Registry struct {
	Store   storage.TripStore
	Index   geo.Index      // optional origin index
	Routing routing.Client // optional, for route distance at creation
	Logger  *slog.Logger
	Now     func() time.Time
}

type CreateInput struct {
	DriverID    string            `json:"driver_id" validate:"required"`
	VehicleID   string            `json:"vehicle_id" validate:"required"`
	Start       models.Place      `json:"start"`
	End         models.Place      `json:"end"`
	StartTime   time.Time         `json:"start_time" validate:"required"`
	FarePerSeat int64             `json:"fare_per_seat" validate:"gt=0"`
	TotalSeats  int               `json:"total_seats" validate:"gte=1"`
	Status      models.TripStatus `json:"-"`
}

// Filter narrows FindOpen. Origin with RadiusMeters restricts results to
// trips starting near the rider when an index is configured.
type Filter struct {
	After        time.Time
	Origin       *models.Coord
	RadiusMeters float64
}

func (r *Registry) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

func (r *Registry) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

func (r *Registry) Create(ctx context.Context, in CreateInput) (*models.Trip, error) {
	if err := validation.Struct(in); err != nil {
		return nil, err
	}
	if err := validation.Coord("start", in.Start.Coord); err != nil {
		return nil, err
	}
	if err := validation.Coord("end", in.End.Coord); err != nil {
		return nil, err
	}
	now := r.now()
	if !in.StartTime.After(now) {
		return nil, models.Invalid("start_time", "must be in the future")
	}
	status := in.Status
	if status == "" {
		status = models.TripPending
	}
	if !status.Open() {
		return nil, models.Invalid("status", "new trips must be pending or scheduled")
	}

	t := &models.Trip{
		ID:             uuid.NewString(),
		DriverID:       in.DriverID,
		VehicleID:      in.VehicleID,
		Start:          in.Start,
		End:            in.End,
		StartTime:      in.StartTime.UTC(),
		FarePerSeat:    in.FarePerSeat,
		TotalSeats:     in.TotalSeats,
		AvailableSeats: in.TotalSeats,
		Status:         status,
		Participants:   []string{},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if r.Routing != nil {
		if d, err := r.Routing.DistanceMeters(ctx, t.Start.Coord, t.End.Coord); err == nil {
			t.RouteDistanceMeters = d
		} else {
			r.logger().Debug("route distance lookup failed", "trip_id", t.ID, "error", err)
		}
	}

	// index first: a dangling index entry is filtered by the store, a missing one hides the trip
	if r.Index != nil {
		if err := r.Index.Upsert(ctx, t.ID, t.Start.Coord); err != nil {
			return nil, fmt.Errorf("index trip origin: %w", err)
		}
	}
	if err := r.Store.CreateTrip(ctx, t); err != nil {
		return nil, err
	}
	observability.TripsCreated.Inc()
	r.logger().Info("trip created", "trip_id", t.ID, "driver_id", t.DriverID, "seats", t.TotalSeats, "start_time", t.StartTime)
	return t, nil
}

func (r *Registry) Get(ctx context.Context, id string) (*models.Trip, error) {
	return r.Store.GetTrip(ctx, id)
}

func (r *Registry) ListByDriver(ctx context.Context, driverID string) ([]models.Trip, error) {
	return r.Store.ListTripsByDriver(ctx, driverID)
}

// FindByDriverAt returns the driver's live trip departing at start, if any.
func (r *Registry) FindByDriverAt(ctx context.Context, driverID string, start time.Time) (*models.Trip, error) {
	return r.Store.FindTripByDriverAt(ctx, driverID, start)
}

// FindOpen returns pending or scheduled trips with free seats that start no
// earlier than now (or f.After, if later).
func (r *Registry) FindOpen(ctx context.Context, f Filter) ([]models.Trip, error) {
	after := r.now()
	if f.After.After(after) {
		after = f.After
	}
	var ids []string
	if f.Origin != nil && r.Index != nil {
		radius := f.RadiusMeters
		if radius <= 0 {
			radius = DefaultRadiusMeters
		}
		near, err := r.Index.Within(ctx, *f.Origin, radius)
		switch {
		case errors.Is(err, models.ErrValidation):
			return nil, err
		case err != nil:
			// unfiltered is slower but complete
			r.logger().Warn("origin index lookup failed", "error", err)
		default:
			ids = near
		}
	}
	return r.Store.ListOpenTrips(ctx, after, ids)
}

// ReserveSeat takes one seat for riderID.
func (r *Registry) ReserveSeat(ctx context.Context, tripID, riderID string) (*models.Trip, error) {
	return r.ReserveSeats(ctx, tripID, riderID, 1)
}

// ReserveSeats atomically takes n seats, failing with ErrCapacityExceeded
// when fewer are free.
func (r *Registry) ReserveSeats(ctx context.Context, tripID, riderID string, n int) (*models.Trip, error) {
	if n < 1 {
		return nil, models.Invalid("seats_requested", "must be at least 1")
	}
	t, err := r.Store.ReserveSeats(ctx, tripID, riderID, n)
	if err != nil {
		if errors.Is(err, models.ErrCapacityExceeded) {
			observability.SeatConflicts.Inc()
		}
		return nil, err
	}
	observability.SeatsReserved.Add(float64(n))
	return t, nil
}

func (r *Registry) ReleaseSeats(ctx context.Context, tripID, riderID string, n int) (*models.Trip, error) {
	if n < 1 {
		return nil, models.Invalid("seats_requested", "must be at least 1")
	}
	return r.Store.ReleaseSeats(ctx, tripID, riderID, n)
}

// SetStatus moves a trip forward. Setting the current status again is a no-op.
// Completion records the carbon savings of everyone who rode along.
func (r *Registry) SetStatus(ctx context.Context, tripID string, to models.TripStatus) (*models.Trip, error) {
	if _, ok := models.ParseTripStatus(string(to)); !ok {
		return nil, models.Invalid("status", fmt.Sprintf("unknown trip status %q", to))
	}
	cur, err := r.Store.GetTrip(ctx, tripID)
	if err != nil {
		return nil, err
	}
	if cur.Status == to {
		return cur, nil
	}
	if !models.CanAdvanceTrip(cur.Status, to) {
		return nil, fmt.Errorf("trip %s %s -> %s: %w", tripID, cur.Status, to, models.ErrInvalidTransition)
	}

	var carbon float64
	if to == models.TripCompleted {
		carbon = CarbonSavingsKg(tripDistanceMeters(cur), len(cur.Participants))
	}
	t, err := r.Store.UpdateTripStatus(ctx, tripID, cur.Status, to, carbon)
	if err != nil {
		return nil, err
	}
	if to.Terminal() && r.Index != nil {
		if err := r.Index.Remove(ctx, tripID); err != nil {
			r.logger().Warn("remove trip from index", "trip_id", tripID, "error", err)
		}
	}
	if to == models.TripCompleted {
		observability.CarbonSavedKg.Add(carbon)
	}
	r.logger().Info("trip status changed", "trip_id", tripID, "from", cur.Status, "to", to, "carbon_kg", carbon)
	return t, nil
}

// CarbonSavingsKg estimates CO2 avoided: distanceKm * 0.12 * riders, to 2 decimals.
func CarbonSavingsKg(distanceMeters float64, participants int) float64 {
	if distanceMeters <= 0 || participants <= 0 {
		return 0
	}
	kg := distanceMeters / 1000 * EmissionKgPerKm * float64(participants)
	return math.Round(kg*100) / 100
}

func tripDistanceMeters(t *models.Trip) float64 {
	if t.RouteDistanceMeters > 0 {
		return t.RouteDistanceMeters
	}
	d, err := geo.DistanceMeters(t.Start.Coord, t.End.Coord)
	if err != nil {
		return 0
	}
	return d
}
