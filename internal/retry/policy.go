// Package retry computes reschedule times for transiently failed
// deliveries. Policies are pure values; all randomness is the jitter term.
package retry

import (
	"math"
	"math/rand"
	"time"

	"github.com/stratalog/audit-relay/internal/config"
)

// Defaults applied when a destination leaves a knob unset.
const (
	DefaultBase        = 5 * time.Second
	DefaultCap         = time.Hour
	DefaultJitter      = 4 * time.Second
	DefaultMaxAttempts = 12
)

// Policy decides, per destination, when a failed delivery runs again and
// when its retry budget is spent.
type Policy struct {
	Base        time.Duration
	Cap         time.Duration
	Jitter      time.Duration
	MaxAttempts int
}

// FromDestination builds a policy from a destination's config, filling in
// defaults for unset knobs. An explicit jitter_seconds of 0 disables jitter;
// leaving it out gets DefaultJitter.
func FromDestination(d config.Destination) Policy {
	p := Policy{
		Base:        time.Duration(d.BackoffBaseSeconds * float64(time.Second)),
		Cap:         time.Duration(d.BackoffCapSeconds * float64(time.Second)),
		Jitter:      DefaultJitter,
		MaxAttempts: d.MaxAttempts,
	}
	if d.JitterSeconds != nil {
		p.Jitter = time.Duration(*d.JitterSeconds * float64(time.Second))
	}
	if p.Base <= 0 {
		p.Base = DefaultBase
	}
	if p.Cap <= 0 {
		p.Cap = DefaultCap
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	return p
}

// Delay returns the backoff for the given failed-attempt count (1-indexed):
// min(cap, base * 2^(attemptCount-1)) plus uniform jitter in [0, Jitter).
func (p Policy) Delay(attemptCount int) time.Duration {
	if attemptCount < 1 {
		attemptCount = 1
	}
	d := float64(p.Base) * math.Pow(2, float64(attemptCount-1))
	if d > float64(p.Cap) {
		d = float64(p.Cap)
	}
	if p.Jitter > 0 {
		d += rand.Float64() * float64(p.Jitter)
	}
	return time.Duration(d)
}

// NextAttemptAt is the reschedule time after the attemptCount-th failure.
func (p Policy) NextAttemptAt(now time.Time, attemptCount int) time.Time {
	return now.Add(p.Delay(attemptCount))
}

// Exhausted reports whether the retry budget is spent. attemptCount is the
// number of failed attempts already recorded, including the one that just
// happened.
func (p Policy) Exhausted(attemptCount int) bool {
	return attemptCount >= p.MaxAttempts
}
