package events

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type Kind string

const (
	JoinRequested    Kind = "joinRequested"
	RequestAccepted  Kind = "requestAccepted"
	RequestRejected  Kind = "requestRejected"
	DriverArrived    Kind = "driverArrived"
	RequestCancelled Kind = "requestCancelled"
	RideCompleted    Kind = "rideCompleted"
)

// Event is something that happened to a ride request. Handlers treat
// (RequestID, Kind) as the dedup key since status values never repeat.
type Event struct {
	ID         string    `json:"id"`
	Kind       Kind      `json:"kind"`
	TripID     string    `json:"trip_id"`
	RequestID  string    `json:"request_id"`
	RiderID    string    `json:"rider_id"`
	DriverID   string    `json:"driver_id"`
	Recipients []string  `json:"recipients"`
	Seats      int       `json:"seats,omitempty"`
	Amount     int64     `json:"amount,omitempty"` // fare owed, minor units
	OTP        string    `json:"otp,omitempty"`
	Note       string    `json:"note,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

func New(kind Kind, tripID, requestID string) Event {
	return Event{ID: uuid.NewString(), Kind: kind, TripID: tripID, RequestID: requestID, OccurredAt: time.Now().UTC()}
}

// Publisher hands an event off for asynchronous delivery. A returned error
// means the event was not accepted; callers log it and move on.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

type Handler interface {
	Handle(ctx context.Context, e Event) error
}

type HandlerFunc func(ctx context.Context, e Event) error

func (f HandlerFunc) Handle(ctx context.Context, e Event) error { return f(ctx, e) }

// Discard drops every event.
type Discard struct{}

func (Discard) Publish(context.Context, Event) error { return nil }
