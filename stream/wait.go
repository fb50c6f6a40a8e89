package stream

import (
	"context"
	"time"

	"github.com/c360/bbdobroker/errors"
)

// WaitDeadline sleeps until deadline or ctx, whichever is first, and reports
// errors.ErrTimeout or ctx.Err().
func WaitDeadline(ctx context.Context, deadline time.Time) error {
	if deadline.IsZero() {
		<-ctx.Done()
		return ctx.Err()
	}
	d := time.Until(deadline)
	if d <= 0 {
		return errors.ErrTimeout
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return errors.ErrTimeout
	}
}
