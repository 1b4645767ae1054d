package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/example/carpool/internal/models"
)

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*PostgresStore)(nil)
)

// unique_violation
const pqUniqueViolation = "23505"

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

// Migrate executes a schema script, e.g. migrations/001_create_carpool.sql.
func (p *PostgresStore) Migrate(ctx context.Context, script string) error {
	_, err := p.db.ExecContext(ctx, script)
	return err
}

func (p *PostgresStore) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

func (p *PostgresStore) Close() error { return p.db.Close() }

const tripColumns = `id, driver_id, vehicle_id, start_lat, start_lon, start_address, end_lat, end_lon, end_address,
	start_time, fare_per_seat, total_seats, available_seats, status, participants, route_distance_m, carbon_savings_kg,
	created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTrip(row rowScanner) (*models.Trip, error) {
	var t models.Trip
	var participants pq.StringArray
	err := row.Scan(
		&t.ID, &t.DriverID, &t.VehicleID,
		&t.Start.Lat, &t.Start.Lon, &t.Start.Address,
		&t.End.Lat, &t.End.Lon, &t.End.Address,
		&t.StartTime, &t.FarePerSeat, &t.TotalSeats, &t.AvailableSeats, &t.Status,
		&participants, &t.RouteDistanceMeters, &t.CarbonSavingsKg,
		&t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	t.Participants = []string(participants)
	return &t, nil
}

func (p *PostgresStore) queryTrips(ctx context.Context, q string, args ...any) ([]models.Trip, error) {
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]models.Trip, 0)
	for rows.Next() {
		t, err := scanTrip(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

func (p *PostgresStore) CreateTrip(ctx context.Context, t *models.Trip) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO trips(`+tripColumns+`)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)`,
		t.ID, t.DriverID, t.VehicleID,
		t.Start.Lat, t.Start.Lon, t.Start.Address,
		t.End.Lat, t.End.Lon, t.End.Address,
		t.StartTime, t.FarePerSeat, t.TotalSeats, t.AvailableSeats, string(t.Status),
		pq.Array(t.Participants), t.RouteDistanceMeters, t.CarbonSavingsKg,
		t.CreatedAt, t.UpdatedAt)
	return err
}

func (p *PostgresStore) GetTrip(ctx context.Context, id string) (*models.Trip, error) {
	t, err := scanTrip(p.db.QueryRowContext(ctx, `SELECT `+tripColumns+` FROM trips WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("trip %s: %w", id, models.ErrNotFound)
	}
	return t, err
}

func (p *PostgresStore) ListOpenTrips(ctx context.Context, after time.Time, ids []string) ([]models.Trip, error) {
	q := `SELECT ` + tripColumns + ` FROM trips
		WHERE status IN ('pending','scheduled') AND available_seats > 0 AND start_time >= $1`
	args := []any{after}
	if ids != nil {
		q += ` AND id = ANY($2)`
		args = append(args, pq.Array(ids))
	}
	q += ` ORDER BY start_time, id`
	return p.queryTrips(ctx, q, args...)
}

func (p *PostgresStore) ListTripsByDriver(ctx context.Context, driverID string) ([]models.Trip, error) {
	return p.queryTrips(ctx, `SELECT `+tripColumns+` FROM trips WHERE driver_id = $1 ORDER BY start_time, id`, driverID)
}

func (p *PostgresStore) FindTripByDriverAt(ctx context.Context, driverID string, start time.Time) (*models.Trip, error) {
	t, err := scanTrip(p.db.QueryRowContext(ctx, `SELECT `+tripColumns+` FROM trips
		WHERE driver_id = $1 AND start_time = $2 AND status <> 'cancelled' LIMIT 1`, driverID, start))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("trip for driver %s at %s: %w", driverID, start.Format(time.RFC3339), models.ErrNotFound)
	}
	return t, err
}

func (p *PostgresStore) ReserveSeats(ctx context.Context, tripID, riderID string, n int) (*models.Trip, error) {
	t, err := scanTrip(p.db.QueryRowContext(ctx, `UPDATE trips
		SET available_seats = available_seats - $2,
		    participants = array_append(participants, $3),
		    updated_at = NOW()
		WHERE id = $1 AND available_seats >= $2 AND status IN ('pending','scheduled','active')
		RETURNING `+tripColumns, tripID, n, riderID))
	if err == nil {
		return t, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	// nothing was written; work out which guard failed
	cur, gerr := p.GetTrip(ctx, tripID)
	if gerr != nil {
		return nil, gerr
	}
	if cur.Status.Terminal() {
		return nil, fmt.Errorf("trip %s is %s: %w", tripID, cur.Status, models.ErrInvalidTransition)
	}
	return nil, fmt.Errorf("trip %s has %d seats left: %w", tripID, cur.AvailableSeats, models.ErrCapacityExceeded)
}

func (p *PostgresStore) ReleaseSeats(ctx context.Context, tripID, riderID string, n int) (*models.Trip, error) {
	t, err := scanTrip(p.db.QueryRowContext(ctx, `UPDATE trips
		SET available_seats = LEAST(total_seats, available_seats + $2),
		    participants = CASE
		        WHEN array_position(participants, $3) IS NULL THEN participants
		        ELSE participants[:array_position(participants, $3) - 1]
		             || participants[array_position(participants, $3) + 1:]
		    END,
		    updated_at = NOW()
		WHERE id = $1
		RETURNING `+tripColumns, tripID, n, riderID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("trip %s: %w", tripID, models.ErrNotFound)
	}
	return t, err
}

func (p *PostgresStore) UpdateTripStatus(ctx context.Context, id string, from, to models.TripStatus, carbonKg float64) (*models.Trip, error) {
	t, err := scanTrip(p.db.QueryRowContext(ctx, `UPDATE trips
		SET status = $3,
		    carbon_savings_kg = CASE WHEN $3 = 'completed' THEN $4 ELSE carbon_savings_kg END,
		    updated_at = NOW()
		WHERE id = $1 AND status = $2
		RETURNING `+tripColumns, id, string(from), string(to), carbonKg))
	if errors.Is(err, sql.ErrNoRows) {
		if _, gerr := p.GetTrip(ctx, id); gerr != nil {
			return nil, gerr
		}
		return nil, fmt.Errorf("trip %s is no longer %s: %w", id, from, models.ErrConflict)
	}
	return t, err
}

const requestColumns = `id, trip_id, rider_id, status, seats_requested, note, otp, archived, created_at, updated_at`

func scanRequest(row rowScanner) (*models.RideRequest, error) {
	var r models.RideRequest
	var otp sql.NullString
	if err := row.Scan(&r.ID, &r.TripID, &r.RiderID, &r.Status, &r.SeatsRequested, &r.Note, &otp, &r.Archived, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	r.OTP = otp.String
	return &r, nil
}

func (p *PostgresStore) queryRequests(ctx context.Context, q string, args ...any) ([]models.RideRequest, error) {
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]models.RideRequest, 0)
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func (p *PostgresStore) CreateRequest(ctx context.Context, r *models.RideRequest) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO ride_requests(`+requestColumns+`)
		VALUES($1,$2,$3,$4,$5,$6,NULLIF($7,''),$8,$9,$10)`,
		r.ID, r.TripID, r.RiderID, string(r.Status), r.SeatsRequested, r.Note, r.OTP, r.Archived, r.CreatedAt, r.UpdatedAt)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation {
		return fmt.Errorf("trip %s rider %s: %w", r.TripID, r.RiderID, models.ErrDuplicateRequest)
	}
	return err
}

func (p *PostgresStore) GetRequest(ctx context.Context, id string) (*models.RideRequest, error) {
	r, err := scanRequest(p.db.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM ride_requests WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("ride request %s: %w", id, models.ErrNotFound)
	}
	return r, err
}

func (p *PostgresStore) TransitionRequest(ctx context.Context, id string, from, to models.RequestStatus, g Guard) (*models.RideRequest, error) {
	r, err := scanRequest(p.db.QueryRowContext(ctx, `UPDATE ride_requests
		SET status = $3,
		    otp = COALESCE(NULLIF($5,''), otp),
		    updated_at = NOW()
		WHERE id = $1 AND status = $2 AND ($4 = '' OR otp = $4)
		RETURNING `+requestColumns, id, string(from), string(to), g.OTP, g.SetOTP))
	if err == nil {
		return r, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	cur, gerr := p.GetRequest(ctx, id)
	if gerr != nil {
		return nil, gerr
	}
	if cur.Status != from {
		return nil, fmt.Errorf("ride request %s is %s, not %s: %w", id, cur.Status, from, models.ErrConflict)
	}
	return nil, fmt.Errorf("ride request %s: %w", id, models.ErrInvalidOtp)
}

func (p *PostgresStore) ArchiveRequest(ctx context.Context, id string) (*models.RideRequest, error) {
	r, err := scanRequest(p.db.QueryRowContext(ctx, `UPDATE ride_requests
		SET archived = TRUE,
		    updated_at = CASE WHEN archived THEN updated_at ELSE NOW() END
		WHERE id = $1
		RETURNING `+requestColumns, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("ride request %s: %w", id, models.ErrNotFound)
	}
	return r, err
}

func (p *PostgresStore) ListRequestsByRider(ctx context.Context, riderID string) ([]models.RideRequest, error) {
	return p.queryRequests(ctx, `SELECT `+requestColumns+` FROM ride_requests WHERE rider_id = $1 ORDER BY created_at, id`, riderID)
}

func (p *PostgresStore) ListRequestsByTrips(ctx context.Context, tripIDs []string) ([]models.RideRequest, error) {
	if len(tripIDs) == 0 {
		return []models.RideRequest{}, nil
	}
	return p.queryRequests(ctx, `SELECT `+requestColumns+` FROM ride_requests WHERE trip_id = ANY($1) ORDER BY created_at, id`, pq.Array(tripIDs))
}

func (p *PostgresStore) FindRequest(ctx context.Context, tripID, riderID string, status models.RequestStatus) (*models.RideRequest, error) {
	r, err := scanRequest(p.db.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM ride_requests
		WHERE trip_id = $1 AND rider_id = $2 AND status = $3 ORDER BY created_at DESC LIMIT 1`, tripID, riderID, string(status)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s request for trip %s rider %s: %w", status, tripID, riderID, models.ErrNotFound)
	}
	return r, err
}

const paymentColumns = `id, trip_id, rider_id, amount, commission, currency, status, provider, external_ref, client_secret, created_at, updated_at`

func scanPayment(row rowScanner) (*models.Payment, error) {
	var pm models.Payment
	err := row.Scan(&pm.ID, &pm.TripID, &pm.RiderID, &pm.Amount, &pm.Commission, &pm.Currency, &pm.Status,
		&pm.Provider, &pm.ExternalRef, &pm.ClientSecret, &pm.CreatedAt, &pm.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &pm, nil
}

func (p *PostgresStore) CreatePayment(ctx context.Context, pm *models.Payment) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO payments(`+paymentColumns+`)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		pm.ID, pm.TripID, pm.RiderID, pm.Amount, pm.Commission, pm.Currency, string(pm.Status),
		pm.Provider, pm.ExternalRef, pm.ClientSecret, pm.CreatedAt, pm.UpdatedAt)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation && pqErr.Constraint == "payments_trip_rider_uniq" {
		return fmt.Errorf("trip %s rider %s: %w", pm.TripID, pm.RiderID, models.ErrDuplicatePayment)
	}
	return err
}

func (p *PostgresStore) GetPayment(ctx context.Context, id string) (*models.Payment, error) {
	pm, err := scanPayment(p.db.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("payment %s: %w", id, models.ErrNotFound)
	}
	return pm, err
}

func (p *PostgresStore) FindPaymentByRef(ctx context.Context, ref string) (*models.Payment, error) {
	pm, err := scanPayment(p.db.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE external_ref = $1`, ref))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("payment ref %s: %w", ref, models.ErrNotFound)
	}
	return pm, err
}

func (p *PostgresStore) ListPayments(ctx context.Context, tripID, riderID string) ([]models.Payment, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+paymentColumns+` FROM payments
		WHERE trip_id = $1 AND ($2 = '' OR rider_id = $2) ORDER BY created_at, id`, tripID, riderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]models.Payment, 0)
	for rows.Next() {
		pm, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *pm)
	}
	return out, rows.Err()
}

func (p *PostgresStore) SettlePayment(ctx context.Context, id string, from, to models.PaymentStatus) (*models.Payment, bool, error) {
	pm, err := scanPayment(p.db.QueryRowContext(ctx, `UPDATE payments SET status = $3, updated_at = NOW()
		WHERE id = $1 AND status = $2 RETURNING `+paymentColumns, id, string(from), string(to)))
	if err == nil {
		return pm, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, err
	}
	cur, gerr := p.GetPayment(ctx, id)
	if gerr != nil {
		return nil, false, gerr
	}
	return cur, false, nil
}

func (p *PostgresStore) CreateSchedule(ctx context.Context, s *models.Schedule) error {
	days := make([]string, 0, len(s.Days))
	for _, d := range s.Days {
		days = append(days, d.String()[:3])
	}
	_, err := p.db.ExecContext(ctx, `INSERT INTO schedules(
		id, driver_id, vehicle_id, days, depart_at, origin_lat, origin_lon, origin_address,
		dest_lat, dest_lon, dest_address, fare_per_seat, seats, active)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		s.ID, s.DriverID, s.VehicleID, pq.Array(days), s.DepartAt,
		s.Origin.Lat, s.Origin.Lon, s.Origin.Address,
		s.Destination.Lat, s.Destination.Lon, s.Destination.Address,
		s.FarePerSeat, s.Seats, s.Active)
	return err
}

func (p *PostgresStore) ListActiveSchedules(ctx context.Context) ([]models.Schedule, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id, driver_id, vehicle_id, days, depart_at,
		origin_lat, origin_lon, origin_address, dest_lat, dest_lon, dest_address, fare_per_seat, seats, active
		FROM schedules WHERE active ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]models.Schedule, 0)
	for rows.Next() {
		var s models.Schedule
		var days pq.StringArray
		if err := rows.Scan(&s.ID, &s.DriverID, &s.VehicleID, &days, &s.DepartAt,
			&s.Origin.Lat, &s.Origin.Lon, &s.Origin.Address,
			&s.Destination.Lat, &s.Destination.Lon, &s.Destination.Address,
			&s.FarePerSeat, &s.Seats, &s.Active); err != nil {
			return nil, err
		}
		s.Days = parseWeekdays(days)
		out = append(out, s)
	}
	return out, rows.Err()
}

func parseWeekdays(days []string) []time.Weekday {
	out := make([]time.Weekday, 0, len(days))
	for _, d := range days {
		for w := time.Sunday; w <= time.Saturday; w++ {
			if strings.EqualFold(w.String()[:3], strings.TrimSpace(d)) {
				out = append(out, w)
			}
		}
	}
	return out
}
