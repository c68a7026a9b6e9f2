package jobs

import "time"

// Backoff computes retry delays as min(Max, Initial * 2^n).
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
}

// DefaultBackoff matches the shipped configuration defaults.
var DefaultBackoff = Backoff{Initial: 10 * time.Second, Max: time.Hour}

// Delay returns the wait before the next run after n attempts.
func (b Backoff) Delay(n int) time.Duration {
	if n < 0 {
		n = 0
	}
	if b.Initial <= 0 {
		return 0
	}
	d := b.Initial
	for i := 0; i < n; i++ {
		d *= 2
		if b.Max > 0 && d >= b.Max {
			return b.Max
		}
		if d <= 0 {
			// overflowed
			return b.Max
		}
	}
	if b.Max > 0 && d > b.Max {
		return b.Max
	}
	return d
}
