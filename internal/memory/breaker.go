package memory

import "time"

// breaker counts consecutive embedding failures. At threshold it opens for
// cooldown; when the cooldown elapses it closes with the count reset.
type breaker struct {
	threshold int
	cooldown  time.Duration
	failures  int
	openUntil time.Time
}

func newBreaker(threshold int, cooldown time.Duration) *breaker {
	if threshold <= 0 {
		threshold = 3
	}
	if cooldown <= 0 {
		cooldown = 60 * time.Second
	}
	return &breaker{threshold: threshold, cooldown: cooldown}
}

// allow reports whether a call may proceed at now.
func (b *breaker) allow(now time.Time) bool {
	if b.openUntil.IsZero() {
		return true
	}
	if now.Before(b.openUntil) {
		return false
	}
	b.openUntil = time.Time{}
	b.failures = 0
	return true
}

// failure records a failure and reports whether it opened the breaker.
func (b *breaker) failure(now time.Time) bool {
	b.failures++
	if b.failures >= b.threshold && b.openUntil.IsZero() {
		b.openUntil = now.Add(b.cooldown)
		return true
	}
	return false
}

func (b *breaker) success() {
	b.failures = 0
	b.openUntil = time.Time{}
}

func (b *breaker) reset() { b.success() }

func (b *breaker) open(now time.Time) (bool, time.Time) {
	if !b.openUntil.IsZero() && now.Before(b.openUntil) {
		return true, b.openUntil
	}
	return false, time.Time{}
}
