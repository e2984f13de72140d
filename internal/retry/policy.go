// Package retry decides whether a failed attempt is retried and after what delay.
//
// Everything here is pure: no I/O, no clocks. Randomness comes from the
// caller-supplied Rand so decisions can be reproduced in tests.
package retry

import (
	"errors"
	"math/rand"
	"time"
)

// Policy is an exponential backoff budget.
//
// MaxRetries is the total number of attempts a slot may use: Decide gives up
// once that many attempts have failed.
type Policy struct {
	MaxRetries int
	Base       time.Duration
	Cap        time.Duration
	// Jitter is the maximum fraction of the delay added on top of it
	// (0.2 = up to +20%). 0 disables jitter.
	Jitter float64
}

const (
	defaultBase = time.Second
	defaultCap  = time.Minute
)

// WithDefaults fills zero fields.
func (p Policy) WithDefaults() Policy {
	if p.MaxRetries <= 0 {
		p.MaxRetries = 3
	}
	if p.Base <= 0 {
		p.Base = defaultBase
	}
	if p.Cap <= 0 {
		p.Cap = defaultCap
	}
	if p.Cap < p.Base {
		p.Cap = p.Base
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	return p
}

// Decision is either GiveUp or Retry after After.
type Decision struct {
	GiveUp bool
	After  time.Duration
}

func GiveUp() Decision { return Decision{GiveUp: true} }

func RetryAfter(d time.Duration) Decision { return Decision{After: d} }

// Rand is the subset of *rand.Rand used for jitter.
type Rand interface {
	Float64() float64
}

// Delay is the unjittered backoff after `attempts` failed attempts:
// min(Base * 2^(attempts-1), Cap). It is non-decreasing in attempts.
func Delay(attempts int, p Policy) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := p.Base
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= p.Cap || d <= 0 {
			return p.Cap
		}
	}
	if d > p.Cap {
		d = p.Cap
	}
	return d
}

// Decide is the retry decision after `attempts` failed attempts.
// It returns GiveUp exactly when attempts >= MaxRetries.
func Decide(attempts int, p Policy, rng Rand) Decision {
	if attempts >= p.MaxRetries {
		return GiveUp()
	}
	d := Delay(attempts, p)
	return RetryAfter(d + jitter(d, p.Jitter, rng))
}

// DecideErr is Decide with the error-driven overrides:
//   - a permanent error gives up regardless of the remaining budget;
//   - an error carrying a retry-after hint waits at least the hint (bounded by Cap).
func DecideErr(attempts int, p Policy, err error, rng Rand) Decision {
	if IsPermanent(err) {
		return GiveUp()
	}
	dec := Decide(attempts, p, rng)
	if dec.GiveUp {
		return dec
	}
	if hint, ok := RetryAfterHint(err); ok {
		if hint > p.Cap {
			hint = p.Cap
		}
		if hint > dec.After {
			dec.After = hint
		}
	}
	return dec
}

func jitter(d time.Duration, frac float64, rng Rand) time.Duration {
	if frac <= 0 || d <= 0 {
		return 0
	}
	var f float64
	if rng == nil {
		f = rand.Float64()
	} else {
		f = rng.Float64()
	}
	return time.Duration(float64(d) * frac * f)
}

// Permanent is implemented by errors that must not be retried.
type Permanent interface {
	error
	Permanent() bool
}

// Hinted is implemented by errors that carry an explicit retry delay.
type Hinted interface {
	error
	RetryAfter() time.Duration
}

// IsPermanent reports whether any error in err's chain is marked permanent.
func IsPermanent(err error) bool {
	var p Permanent
	return err != nil && errors.As(err, &p) && p.Permanent()
}

// RetryAfterHint extracts a positive retry-after hint from err's chain.
func RetryAfterHint(err error) (time.Duration, bool) {
	var h Hinted
	if err == nil || !errors.As(err, &h) {
		return 0, false
	}
	d := h.RetryAfter()
	return d, d > 0
}
