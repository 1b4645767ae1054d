package models

import (
	"math"
	"time"
)

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Valid reports whether c holds a usable latitude/longitude pair.
func (c Coord) Valid() bool {
	if math.IsNaN(c.Lat) || math.IsNaN(c.Lon) || math.IsInf(c.Lat, 0) || math.IsInf(c.Lon, 0) {
		return false
	}
	return c.Lat >= -90 && c.Lat <= 90 && c.Lon >= -180 && c.Lon <= 180
}

// Place is a coordinate with its human readable address.
type Place struct {
	Coord
	Address string `json:"address,omitempty"`
}

type TripStatus string

const (
	TripPending   TripStatus = "pending"
	TripScheduled TripStatus = "scheduled"
	TripActive    TripStatus = "active"
	TripCompleted TripStatus = "completed"
	TripCancelled TripStatus = "cancelled"
)

// Open reports whether riders can still join a trip in this status.
func (s TripStatus) Open() bool { return s == TripPending || s == TripScheduled }

// Terminal reports whether no further status changes are allowed.
func (s TripStatus) Terminal() bool { return s == TripCompleted || s == TripCancelled }

type Trip struct {
	ID                  string     `json:"id"`
	DriverID            string     `json:"driver_id"`
	VehicleID           string     `json:"vehicle_id"`
	Start               Place      `json:"start"`
	End                 Place      `json:"end"`
	StartTime           time.Time  `json:"start_time"`
	FarePerSeat         int64      `json:"fare_per_seat"` // minor currency units
	TotalSeats          int        `json:"total_seats"`
	AvailableSeats      int        `json:"available_seats"`
	Status              TripStatus `json:"status"`
	Participants        []string   `json:"participants"`
	RouteDistanceMeters float64    `json:"route_distance_meters,omitempty"`
	CarbonSavingsKg     float64    `json:"carbon_savings_kg"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// Clone returns a deep copy so callers never share the participants slice.
func (t *Trip) Clone() *Trip {
	cp := *t
	cp.Participants = append([]string(nil), t.Participants...)
	return &cp
}

type RequestStatus string

const (
	RequestRequested RequestStatus = "requested"
	RequestAccepted  RequestStatus = "accepted"
	RequestArrived   RequestStatus = "arrived"
	RequestOngoing   RequestStatus = "ongoing"
	RequestRejected  RequestStatus = "rejected"
	RequestCancelled RequestStatus = "cancelled"
	RequestCompleted RequestStatus = "completed"
)

// Active reports whether the request still holds (or may hold) a seat.
func (s RequestStatus) Active() bool {
	switch s {
	case RequestRequested, RequestAccepted, RequestArrived, RequestOngoing:
		return true
	}
	return false
}

// HoldsSeat reports whether a seat has been reserved for the request.
func (s RequestStatus) HoldsSeat() bool {
	switch s {
	case RequestAccepted, RequestArrived, RequestOngoing, RequestCompleted:
		return true
	}
	return false
}

func ParseRequestStatus(v string) (RequestStatus, bool) {
	s := RequestStatus(v)
	if _, ok := requestTransitions[s]; ok {
		return s, true
	}
	return "", false
}

type RideRequest struct {
	ID             string        `json:"id"`
	TripID         string        `json:"trip_id"`
	RiderID        string        `json:"rider_id"`
	Status         RequestStatus `json:"status"`
	SeatsRequested int           `json:"seats_requested"`
	Note           string        `json:"note,omitempty"`
	OTP            string        `json:"-"`
	Archived       bool          `json:"archived"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// SearchCriteria is a rider's search for a trip.
type SearchCriteria struct {
	Start     Coord     `json:"start"`
	End       Coord     `json:"end"`
	StartTime time.Time `json:"start_time"`
}

// MatchCandidate only lives for the duration of one search.
type MatchCandidate struct {
	Trip          Trip    `json:"trip"`
	Score         float64 `json:"score"`
	DistanceScore float64 `json:"distance_score"`
	TimeScore     float64 `json:"time_score"`
}

type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentCompleted PaymentStatus = "completed"
	PaymentFailed    PaymentStatus = "failed"
	PaymentRefunded  PaymentStatus = "refunded"
)

type Payment struct {
	ID           string        `json:"id"`
	TripID       string        `json:"trip_id"`
	RiderID      string        `json:"rider_id"`
	Amount       int64         `json:"amount"`
	Commission   int64         `json:"commission"`
	Currency     string        `json:"currency"`
	Status       PaymentStatus `json:"status"`
	Provider     string        `json:"provider"`
	ExternalRef  string        `json:"external_ref"`
	ClientSecret string        `json:"client_secret,omitempty"` // handed to the rider app to confirm the charge
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// Schedule is a driver's recurring route, materialized into trips ahead of time.
type Schedule struct {
	ID          string         `json:"id"`
	DriverID    string         `json:"driver_id"`
	VehicleID   string         `json:"vehicle_id"`
	Days        []time.Weekday `json:"days"`
	DepartAt    string         `json:"depart_at"` // "HH:MM" local time
	Origin      Place          `json:"origin"`
	Destination Place          `json:"destination"`
	FarePerSeat int64          `json:"fare_per_seat"`
	Seats       int            `json:"seats"`
	Active      bool           `json:"active"`
}

// RunsOn reports whether the schedule departs on the given weekday.
func (s Schedule) RunsOn(d time.Weekday) bool {
	for _, day := range s.Days {
		if day == d {
			return true
		}
	}
	return false
}
