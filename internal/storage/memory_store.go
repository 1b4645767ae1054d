package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/example/carpool/internal/models"
)

// MemoryStore keeps everything in process. A single mutex guards all maps so
// every conditional update is atomic with respect to every other.
type MemoryStore struct {
	mu        sync.RWMutex
	trips     map[string]*models.Trip
	requests  map[string]*models.RideRequest
	payments  map[string]*models.Payment
	schedules map[string]*models.Schedule
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		trips:     make(map[string]*models.Trip),
		requests:  make(map[string]*models.RideRequest),
		payments:  make(map[string]*models.Payment),
		schedules: make(map[string]*models.Schedule),
	}
}

func (m *MemoryStore) CreateTrip(_ context.Context, t *models.Trip) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.trips[t.ID]; ok {
		return fmt.Errorf("trip %s already exists", t.ID)
	}
	m.trips[t.ID] = t.Clone()
	return nil
}

func (m *MemoryStore) GetTrip(_ context.Context, id string) (*models.Trip, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.trips[id]
	if !ok {
		return nil, fmt.Errorf("trip %s: %w", id, models.ErrNotFound)
	}
	return t.Clone(), nil
}

func (m *MemoryStore) ListOpenTrips(_ context.Context, after time.Time, ids []string) ([]models.Trip, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var allow map[string]bool
	if ids != nil {
		allow = make(map[string]bool, len(ids))
		for _, id := range ids {
			allow[id] = true
		}
	}
	out := make([]models.Trip, 0)
	for _, t := range m.trips {
		if allow != nil && !allow[t.ID] {
			continue
		}
		if !t.Status.Open() || t.AvailableSeats <= 0 || t.StartTime.Before(after) {
			continue
		}
		out = append(out, *t.Clone())
	}
	sortByStart(out)
	return out, nil
}

func (m *MemoryStore) ListTripsByDriver(_ context.Context, driverID string) ([]models.Trip, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Trip, 0)
	for _, t := range m.trips {
		if t.DriverID == driverID {
			out = append(out, *t.Clone())
		}
	}
	sortByStart(out)
	return out, nil
}

func (m *MemoryStore) FindTripByDriverAt(_ context.Context, driverID string, start time.Time) (*models.Trip, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, t := range m.trips {
		if t.DriverID == driverID && t.StartTime.Equal(start) && t.Status != models.TripCancelled {
			return t.Clone(), nil
		}
	}
	return nil, fmt.Errorf("trip for driver %s at %s: %w", driverID, start.Format(time.RFC3339), models.ErrNotFound)
}

func (m *MemoryStore) ReserveSeats(_ context.Context, tripID, riderID string, n int) (*models.Trip, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trips[tripID]
	if !ok {
		return nil, fmt.Errorf("trip %s: %w", tripID, models.ErrNotFound)
	}
	if t.Status.Terminal() {
		return nil, fmt.Errorf("trip %s is %s: %w", tripID, t.Status, models.ErrInvalidTransition)
	}
	if t.AvailableSeats < n {
		return nil, fmt.Errorf("trip %s has %d seats left: %w", tripID, t.AvailableSeats, models.ErrCapacityExceeded)
	}
	t.AvailableSeats -= n
	t.Participants = append(t.Participants, riderID)
	t.UpdatedAt = time.Now()
	return t.Clone(), nil
}

func (m *MemoryStore) ReleaseSeats(_ context.Context, tripID, riderID string, n int) (*models.Trip, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trips[tripID]
	if !ok {
		return nil, fmt.Errorf("trip %s: %w", tripID, models.ErrNotFound)
	}
	t.AvailableSeats += n
	if t.AvailableSeats > t.TotalSeats {
		t.AvailableSeats = t.TotalSeats
	}
	for i, p := range t.Participants {
		if p == riderID {
			t.Participants = append(t.Participants[:i], t.Participants[i+1:]...)
			break
		}
	}
	t.UpdatedAt = time.Now()
	return t.Clone(), nil
}

func (m *MemoryStore) UpdateTripStatus(_ context.Context, id string, from, to models.TripStatus, carbonKg float64) (*models.Trip, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trips[id]
	if !ok {
		return nil, fmt.Errorf("trip %s: %w", id, models.ErrNotFound)
	}
	if t.Status != from {
		return nil, fmt.Errorf("trip %s is %s, not %s: %w", id, t.Status, from, models.ErrConflict)
	}
	t.Status = to
	if to == models.TripCompleted {
		t.CarbonSavingsKg = carbonKg
	}
	t.UpdatedAt = time.Now()
	return t.Clone(), nil
}

func (m *MemoryStore) CreateRequest(_ context.Context, r *models.RideRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.requests {
		if existing.TripID == r.TripID && existing.RiderID == r.RiderID && existing.Status.Active() {
			return fmt.Errorf("request %s: %w", existing.ID, models.ErrDuplicateRequest)
		}
	}
	cp := *r
	m.requests[r.ID] = &cp
	return nil
}

func (m *MemoryStore) GetRequest(_ context.Context, id string) (*models.RideRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.requests[id]
	if !ok {
		return nil, fmt.Errorf("ride request %s: %w", id, models.ErrNotFound)
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) TransitionRequest(_ context.Context, id string, from, to models.RequestStatus, g Guard) (*models.RideRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return nil, fmt.Errorf("ride request %s: %w", id, models.ErrNotFound)
	}
	if r.Status != from {
		return nil, fmt.Errorf("ride request %s is %s, not %s: %w", id, r.Status, from, models.ErrConflict)
	}
	if g.OTP != "" && r.OTP != g.OTP {
		return nil, fmt.Errorf("ride request %s: %w", id, models.ErrInvalidOtp)
	}
	r.Status = to
	if g.SetOTP != "" {
		r.OTP = g.SetOTP
	}
	r.UpdatedAt = time.Now()
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) ArchiveRequest(_ context.Context, id string) (*models.RideRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return nil, fmt.Errorf("ride request %s: %w", id, models.ErrNotFound)
	}
	if !r.Archived {
		r.Archived = true
		r.UpdatedAt = time.Now()
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) ListRequestsByRider(_ context.Context, riderID string) ([]models.RideRequest, error) {
	return m.filterRequests(func(r *models.RideRequest) bool { return r.RiderID == riderID }), nil
}

func (m *MemoryStore) ListRequestsByTrips(_ context.Context, tripIDs []string) ([]models.RideRequest, error) {
	set := make(map[string]bool, len(tripIDs))
	for _, id := range tripIDs {
		set[id] = true
	}
	return m.filterRequests(func(r *models.RideRequest) bool { return set[r.TripID] }), nil
}

func (m *MemoryStore) FindRequest(_ context.Context, tripID, riderID string, status models.RequestStatus) (*models.RideRequest, error) {
	found := m.filterRequests(func(r *models.RideRequest) bool {
		return r.TripID == tripID && r.RiderID == riderID && r.Status == status
	})
	if len(found) == 0 {
		return nil, fmt.Errorf("%s request for trip %s rider %s: %w", status, tripID, riderID, models.ErrNotFound)
	}
	return &found[len(found)-1], nil
}

func (m *MemoryStore) filterRequests(keep func(*models.RideRequest) bool) []models.RideRequest {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.RideRequest, 0)
	for _, r := range m.requests {
		if keep(r) {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (m *MemoryStore) CreatePayment(_ context.Context, p *models.Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.Status != models.PaymentFailed {
		for _, existing := range m.payments {
			if existing.TripID == p.TripID && existing.RiderID == p.RiderID && existing.Status != models.PaymentFailed {
				return fmt.Errorf("trip %s rider %s: %w", p.TripID, p.RiderID, models.ErrDuplicatePayment)
			}
		}
	}
	cp := *p
	m.payments[p.ID] = &cp
	return nil
}

func (m *MemoryStore) GetPayment(_ context.Context, id string) (*models.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.payments[id]
	if !ok {
		return nil, fmt.Errorf("payment %s: %w", id, models.ErrNotFound)
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) FindPaymentByRef(_ context.Context, ref string) (*models.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, p := range m.payments {
		if p.ExternalRef == ref {
			cp := *p
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("payment ref %s: %w", ref, models.ErrNotFound)
}

func (m *MemoryStore) ListPayments(_ context.Context, tripID, riderID string) ([]models.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Payment, 0)
	for _, p := range m.payments {
		if p.TripID == tripID && (riderID == "" || p.RiderID == riderID) {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) SettlePayment(_ context.Context, id string, from, to models.PaymentStatus) (*models.Payment, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[id]
	if !ok {
		return nil, false, fmt.Errorf("payment %s: %w", id, models.ErrNotFound)
	}
	changed := false
	if p.Status == from {
		p.Status = to
		p.UpdatedAt = time.Now()
		changed = true
	}
	cp := *p
	return &cp, changed, nil
}

func (m *MemoryStore) CreateSchedule(_ context.Context, s *models.Schedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	cp.Days = append([]time.Weekday(nil), s.Days...)
	m.schedules[s.ID] = &cp
	return nil
}

func (m *MemoryStore) ListActiveSchedules(_ context.Context) ([]models.Schedule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Schedule, 0)
	for _, s := range m.schedules {
		if s.Active {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func sortByStart(ts []models.Trip) {
	sort.Slice(ts, func(i, j int) bool {
		if !ts[i].StartTime.Equal(ts[j].StartTime) {
			return ts[i].StartTime.Before(ts[j].StartTime)
		}
		return ts[i].ID < ts[j].ID
	})
}
