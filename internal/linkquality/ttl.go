package linkquality

import "time"

// arrivalTracker smooths inter-arrival time with an EWMA (α=0.3, fixed by
// spec.md §4.6) and derives the adaptive TTL used for two-phase tombstone
// expiry. A secondary Welford running-variance accumulator rides alongside
// purely for diagnostics (logged link jitter); it never feeds the TTL
// calculation the spec mandates.
type arrivalTracker struct {
	count           int
	lastArrival     time.Time
	emaInterArrival float64 // seconds
	jitter          *welfordStats
}

const interArrivalAlpha = 0.3

func newArrivalTracker() *arrivalTracker {
	return &arrivalTracker{jitter: newWelfordStats()}
}

func (a *arrivalTracker) observe(ts time.Time) {
	if a.count == 0 {
		a.lastArrival = ts
		a.count++
		return
	}
	interval := ts.Sub(a.lastArrival).Seconds()
	if interval < 0 {
		interval = 0
	}
	if a.count == 1 {
		a.emaInterArrival = interval
	} else {
		a.emaInterArrival = interArrivalAlpha*interval + (1-interArrivalAlpha)*a.emaInterArrival
	}
	a.jitter.Add(interval)
	a.lastArrival = ts
	a.count++
}

// TTLConfig parameterizes adaptive TTL, per spec.md §4.6 defaults.
type TTLConfig struct {
	Base       time.Duration // used with <3 arrivals.
	Multiplier float64       // default 6.
	Max        time.Duration // default 7200s.
}

// DefaultTTLConfig matches spec.md §4.6/§8's stated defaults and worked
// example (5 arrivals 20 min apart ⇒ effectiveTTL = 7200s).
func DefaultTTLConfig() TTLConfig {
	return TTLConfig{
		Base:       600 * time.Second,
		Multiplier: 6,
		Max:        7200 * time.Second,
	}
}

// effectiveTTL computes spec.md §4.6's adaptive TTL: the base sliding
// window with fewer than 3 recorded arrivals, otherwise the smoothed
// inter-arrival time scaled by Multiplier and clamped to [Base, Max].
func (a *arrivalTracker) effectiveTTL(cfg TTLConfig) time.Duration {
	if a.count < 3 {
		return cfg.Base
	}
	ttl := time.Duration(cfg.Multiplier * a.emaInterArrival * float64(time.Second))
	if ttl < cfg.Base {
		return cfg.Base
	}
	if ttl > cfg.Max {
		return cfg.Max
	}
	return ttl
}

// jitterStddev exposes the diagnostic-only inter-arrival standard
// deviation.
func (a *arrivalTracker) jitterStddev() float64 {
	return a.jitter.Stddev()
}
