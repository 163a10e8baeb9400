package client

import (
	"math"
	"time"
)

// Backoff computes reconnect delays: min(Max, Base * 1.5^failures * jitter).
type Backoff struct {
	Base time.Duration
	Max  time.Duration
	// ForceAfter is the number of scheduled attempts after which the next
	// one is a forced full reconnect.
	ForceAfter int
}

// backoffFactor is the exponential growth per consecutive failure.
const backoffFactor = 1.5

// Delay returns the delay for the given failure count. jitter is expected in
// [0.5, 1.5); 1 yields the undisturbed curve.
func (b Backoff) Delay(failures int, jitter float64) time.Duration {
	if failures < 0 {
		failures = 0
	}
	d := float64(b.Base) * math.Pow(backoffFactor, float64(failures)) * jitter
	if d > float64(b.Max) || math.IsInf(d, 1) {
		return b.Max
	}
	if d < 0 {
		return 0
	}
	return time.Duration(d)
}

// jitter maps a uniform [0,1) sample to [0.5,1.5).
func jitter(u float64) float64 {
	return 0.5 + u
}

// reconnector tracks scheduled attempts. It is owned by the event loop.
type reconnector struct {
	backoff  Backoff
	attempts int
}

// next returns the delay of the next attempt. When more than ForceAfter
// attempts were already scheduled it resets and returns force instead.
func (r *reconnector) next(jitter float64) (delay time.Duration, force bool) {
	if r.attempts > r.backoff.ForceAfter {
		r.attempts = 0
		return 0, true
	}
	delay = r.backoff.Delay(r.attempts, jitter)
	r.attempts++
	return delay, false
}

func (r *reconnector) reset() {
	r.attempts = 0
}
