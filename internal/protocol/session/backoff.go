package session

import (
	"math"
	"math/rand"
	"time"
)

// Delay returns the reconnect delay for attempt N (1-based).
func (p ReconnectPolicy) Delay(attempt int, rng *rand.Rand) time.Duration {
	if attempt <= 1 || p.Interval <= 0 {
		return p.jitter(float64(p.Interval), rng)
	}
	mult := p.Multiplier
	if mult < 1.0 {
		mult = 1.0
	}
	delay := float64(p.Interval) * math.Pow(mult, float64(attempt-1))
	if p.MaxInterval > 0 && delay > float64(p.MaxInterval) {
		delay = float64(p.MaxInterval)
	}
	return p.jitter(delay, rng)
}

func (p ReconnectPolicy) jitter(delay float64, rng *rand.Rand) time.Duration {
	if p.Jitter && delay > 0 {
		f := 0.5
		if rng != nil {
			f = 0.5 + rng.Float64()
		}
		delay = delay * f
	}
	return time.Duration(delay)
}
