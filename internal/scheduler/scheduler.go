package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/example/carpool/internal/models"
	"github.com/example/carpool/internal/storage"
	"github.com/example/carpool/internal/trips"
	"github.com/example/carpool/internal/validation"
)

// Materializer turns recurring driver schedules into concrete trips for the
// next day. Running it more than once a day is safe: a driver never gets two
// trips at the same departure time.
type Materializer struct {
	Schedules storage.ScheduleStore
	Trips     *trips.Registry
	Logger    *slog.Logger
	Location  *time.Location
	Now       func() time.Time
}

type CreateInput struct {
	DriverID    string         `json:"driver_id" validate:"required"`
	VehicleID   string         `json:"vehicle_id" validate:"required"`
	Days        []time.Weekday `json:"days" validate:"required,min=1,dive,gte=0,lte=6"`
	DepartAt    string         `json:"depart_at" validate:"required"`
	Origin      models.Place   `json:"origin"`
	Destination models.Place   `json:"destination"`
	FarePerSeat int64          `json:"fare_per_seat" validate:"gt=0"`
	Seats       int            `json:"seats" validate:"gte=1"`
}

func (m *Materializer) logger() *slog.Logger {
	if m.Logger != nil {
		return m.Logger
	}
	return slog.Default()
}

func (m *Materializer) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

func (m *Materializer) location() *time.Location {
	if m.Location != nil {
		return m.Location
	}
	return time.UTC
}

func (m *Materializer) CreateSchedule(ctx context.Context, in CreateInput) (*models.Schedule, error) {
	if err := validation.Struct(in); err != nil {
		return nil, err
	}
	if _, _, err := parseClock(in.DepartAt); err != nil {
		return nil, err
	}
	if err := validation.Coord("origin", in.Origin.Coord); err != nil {
		return nil, err
	}
	if err := validation.Coord("destination", in.Destination.Coord); err != nil {
		return nil, err
	}
	s := &models.Schedule{
		ID:          uuid.NewString(),
		DriverID:    in.DriverID,
		VehicleID:   in.VehicleID,
		Days:        in.Days,
		DepartAt:    in.DepartAt,
		Origin:      in.Origin,
		Destination: in.Destination,
		FarePerSeat: in.FarePerSeat,
		Seats:       in.Seats,
		Active:      true,
	}
	if err := m.Schedules.CreateSchedule(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

// RunOnce materializes tomorrow's trips and reports how many were created.
// One bad schedule does not stop the others.
func (m *Materializer) RunOnce(ctx context.Context) (int, error) {
	schedules, err := m.Schedules.ListActiveSchedules(ctx)
	if err != nil {
		return 0, err
	}
	loc := m.location()
	tomorrow := m.now().In(loc).AddDate(0, 0, 1)

	created := 0
	var errs []error
	for _, s := range schedules {
		if !s.RunsOn(tomorrow.Weekday()) {
			continue
		}
		start, err := departure(tomorrow, s.DepartAt, loc)
		if err != nil {
			errs = append(errs, fmt.Errorf("schedule %s: %w", s.ID, err))
			continue
		}
		_, err = m.Trips.FindByDriverAt(ctx, s.DriverID, start.UTC())
		if err == nil {
			continue
		}
		if !errors.Is(err, models.ErrNotFound) {
			errs = append(errs, fmt.Errorf("schedule %s: %w", s.ID, err))
			continue
		}
		t, err := m.Trips.Create(ctx, trips.CreateInput{
			DriverID:    s.DriverID,
			VehicleID:   s.VehicleID,
			Start:       s.Origin,
			End:         s.Destination,
			StartTime:   start,
			FarePerSeat: s.FarePerSeat,
			TotalSeats:  s.Seats,
			Status:      models.TripScheduled,
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("schedule %s: %w", s.ID, err))
			continue
		}
		created++
		m.logger().Info("recurring trip materialized", "schedule_id", s.ID, "trip_id", t.ID, "start_time", t.StartTime)
	}
	return created, errors.Join(errs...)
}

// Run calls RunOnce immediately and then every interval until ctx is done.
func (m *Materializer) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	tick := func() {
		n, err := m.RunOnce(ctx)
		if err != nil {
			m.logger().Error("materialize recurring trips", "error", err, "created", n)
			return
		}
		m.logger().Info("materialized recurring trips", "created", n)
	}
	tick()
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			tick()
		}
	}
}

func departure(day time.Time, clock string, loc *time.Location) (time.Time, error) {
	hh, mm, err := parseClock(clock)
	if err != nil {
		return time.Time{}, err
	}
	return time.Date(day.Year(), day.Month(), day.Day(), hh, mm, 0, 0, loc), nil
}

func parseClock(v string) (int, int, error) {
	t, err := time.Parse("15:04", v)
	if err != nil {
		return 0, 0, models.Invalid("depart_at", "must be HH:MM")
	}
	return t.Hour(), t.Minute(), nil
}
