package reliability

import (
	"context"
	"time"
)

// Policy bounds Retry.
type Policy struct {
	Attempts int
	Base     time.Duration
	Cap      time.Duration
}

// DefaultPolicy suits short writes made while a caller waits on the line.
var DefaultPolicy = Policy{Attempts: 3, Base: 100 * time.Millisecond, Cap: time.Second}

// Retry runs fn until it succeeds, fails with a non-transient error, the
// attempts run out or ctx is done. It returns the last error from fn.
func Retry(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	attempts := max(p.Attempts, 1)
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if err = fn(ctx); err == nil || !IsTransient(err) {
			return err
		}
		if attempt == attempts-1 {
			break
		}
		timer := time.NewTimer(ExponentialBackoff(attempt, p.Base, p.Cap))
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
	return err
}
