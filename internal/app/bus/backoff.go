package bus

import (
	"math"
	"math/rand/v2"
	"time"
)

// Backoff is the reconnect policy of a Manager.
type Backoff struct {
	Base        time.Duration
	Max         time.Duration
	MaxAttempts int
	Jitter      bool
}

func DefaultBackoff() Backoff {
	return Backoff{
		Base:        time.Second,
		Max:         30 * time.Second,
		MaxAttempts: 8,
		Jitter:      true,
	}
}

// Delay returns the wait after failed attempt n (0-based): Base * 2^n,
// capped at Max. Jitter scales the result into [d/2, d).
func (b Backoff) Delay(n int) time.Duration {
	if b.Base <= 0 {
		return 0
	}
	if n < 0 {
		n = 0
	}
	d := float64(b.Base) * math.Pow(2, float64(n))
	if b.Max > 0 && d > float64(b.Max) {
		d = float64(b.Max)
	}
	if b.Jitter {
		d *= 0.5 + rand.Float64()/2
	}
	return time.Duration(d)
}

func (b Backoff) attempts() int {
	if b.MaxAttempts < 1 {
		return 1
	}
	return b.MaxAttempts
}
