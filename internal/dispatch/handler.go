package dispatch

import (
	"context"
	"errors"

	"github.com/example/carpool/internal/events"
)

// EventHandler turns ride events into notifications for each recipient.
// rideCompleted is left to the payment handler.
func EventHandler(n Notifier) events.Handler {
	return events.HandlerFunc(func(ctx context.Context, e events.Event) error {
		if e.Kind == events.RideCompleted {
			return nil
		}
		var errs []error
		for _, to := range e.Recipients {
			if err := n.Notify(ctx, Notification{Kind: e.Kind, Recipient: to, Payload: payloadFor(e)}); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})
}

func payloadFor(e events.Event) map[string]any {
	p := map[string]any{
		"trip_id":    e.TripID,
		"request_id": e.RequestID,
		"rider_id":   e.RiderID,
		"driver_id":  e.DriverID,
	}
	switch e.Kind {
	case events.JoinRequested:
		p["seats"] = e.Seats
		if e.Note != "" {
			p["note"] = e.Note
		}
	case events.DriverArrived:
		p["otp"] = e.OTP
	}
	return p
}
