package dispatch

import (
	"context"
	"errors"
)

// Chain tries each notifier in order and stops at the first that delivers.
// Typically the WebSocket registry first, then push, then the webhook gateway.
type Chain []Notifier

func (c Chain) Notify(ctx context.Context, n Notification) error {
	if len(c) == 0 {
		return ErrNoRecipient
	}
	var errs []error
	for _, next := range c {
		err := next.Notify(ctx, n)
		if err == nil {
			return nil
		}
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
