package tools

import (
	"math"
	"math/rand"
	"time"
)

const (
	backoffFactor = 1.7
	backoffCapMs  = 60_000
)

// Backoff returns the delay before re-queueing a job after its n:th failed
// try. Growth is exponential with uniform jitter in [0.8, 1.2] to spread out
// herds of retries, capped at one minute no matter the attempt count.
func Backoff(attempt int, base time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	exp := float64(base.Milliseconds()) * math.Pow(backoffFactor, float64(attempt))
	jitter := 0.8 + rand.Float64()*0.4
	ms := math.Min(exp*jitter, backoffCapMs)
	return time.Duration(math.Round(ms)) * time.Millisecond
}
