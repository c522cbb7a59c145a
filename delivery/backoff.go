package delivery

import (
	"context"
	"math/rand"
	"time"
)

const (
	defaultBackoff    = 2 * time.Second
	defaultMaxBackoff = time.Minute
)

// backoffDuration doubles base for each attempt up to max and adds up to 25%
// jitter.
func backoffDuration(base, max time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base * time.Duration(1<<uint(min(attempt-1, 6)))
	if max > 0 && d > max {
		d = max
	}
	if j := int64(d / 4); j > 0 {
		d += time.Duration(rand.Int63n(j))
	}
	return d
}

// sleepCtx blocks for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
