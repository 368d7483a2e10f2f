package broadcast

import (
	"math/rand"
	"time"
)

// backoffDelay computes the wait before retry number `retry` (1-based)
// becomes eligible: base doubled per prior retry, capped at maxDelay,
// with +/-jitter applied to spread retries against a down vehicle.
func backoffDelay(base, maxDelay time.Duration, jitter float64, retry int, rng *rand.Rand) time.Duration {
	if base <= 0 {
		base = 30 * time.Second
	}
	if maxDelay <= 0 {
		maxDelay = 15 * time.Minute
	}
	if jitter <= 0 {
		jitter = 0.2
	}

	d := base
	for i := 1; i < retry; i++ {
		d *= 2
		if d > maxDelay {
			d = maxDelay
			break
		}
	}
	if rng != nil {
		r := (rng.Float64()*2 - 1) * jitter
		d = time.Duration(float64(d) * (1 + r))
		if d < 0 {
			d = 0
		}
	}
	if d > maxDelay {
		d = maxDelay
	}
	return d
}
