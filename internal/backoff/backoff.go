// Package backoff holds the exponential retry delay shared by the router,
// the consumer loop and the feed reconnect.
package backoff

import (
	"context"
	"time"
)

// Policy doubles Base per attempt up to Max.
type Policy struct {
	Base time.Duration
	Max  time.Duration
}

// Delay returns the wait before retry n (n >= 1): Base, 2·Base, 4·Base, ...
// capped at Max.
func (p Policy) Delay(n int) time.Duration {
	if p.Base <= 0 {
		return 0
	}
	d := p.Base
	for i := 1; i < n; i++ {
		d *= 2
		if p.Max > 0 && d >= p.Max {
			return p.Max
		}
	}
	if p.Max > 0 && d > p.Max {
		return p.Max
	}
	return d
}

// Sleep waits d or until ctx is done, returning ctx.Err() in that case.
func Sleep(ctx context.Context, d time.Duration) error {
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
