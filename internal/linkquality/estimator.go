// Package linkquality implements spec.md §4.6's per-directed-link
// EWMA delivery-ratio estimator with adaptive-TTL two-phase tombstone
// expiry.
package linkquality

import (
	"math"
	"strings"
	"time"
)

// LinkKey identifies one directed link (from → to), normalized callsigns.
type LinkKey struct {
	From string
	To   string
}

func normalize(callsign string) string {
	return strings.ToUpper(strings.TrimSpace(callsign))
}

// LinkStat is spec.md §3's persisted-shape link statistic, plus the
// unexported arrival tracker used to derive adaptive TTL.
type LinkStat struct {
	FromCall         string
	ToCall           string
	Quality          int // 0..255
	LastUpdated      time.Time
	DFEstimate       *float64
	DREstimate       *float64
	DuplicateCount   int
	ObservationCount int
	EWMAQuality      float64

	tombstoned      bool
	tombstonedSince time.Time
	arrivals        *arrivalTracker
}

// Config parameterizes the estimator, with spec.md §4.6's stated defaults.
type Config struct {
	ForwardHalfLife time.Duration
	ReverseHalfLife time.Duration
	TTL             TTLConfig
}

// DefaultConfig matches spec.md §4.6.
func DefaultConfig() Config {
	return Config{
		ForwardHalfLife: 300 * time.Second,
		ReverseHalfLife: 300 * time.Second,
		TTL:             DefaultTTLConfig(),
	}
}

// Observation is one classified packet seen on a directed link.
type Observation struct {
	From           string
	To             string
	Timestamp      time.Time
	ForwardWeight  float64 // classify.ForwardWeight(classification); 0 for duplicates.
	IsDuplicate    bool
	ReverseSample  *float64 // non-nil only when explicit ack/session feedback gives reverse evidence.
}

// Estimator owns the sample ring/state for every directed link it has
// observed. Per spec.md §3's "Lifecycle ownership", only the estimator
// mutates this state. Observe, Get and All return pointers to the
// estimator's own LinkStat records, not copies.
type Estimator struct {
	cfg   Config
	links map[LinkKey]*LinkStat
}

// NewEstimator constructs an estimator with cfg.
func NewEstimator(cfg Config) *Estimator {
	return &Estimator{cfg: cfg, links: make(map[LinkKey]*LinkStat)}
}

func halfLifeAlpha(halfLife time.Duration, dt time.Duration) float64 {
	if halfLife <= 0 {
		return 1
	}
	exp := dt.Seconds() / halfLife.Seconds()
	return 1 - math.Pow(0.5, exp)
}

func clampQuality(q float64) int {
	if q < 0 {
		return 0
	}
	if q > 255 {
		return 255
	}
	return int(math.Round(q))
}

// Observe ingests obs, updating (or creating) the link's stats per
// spec.md §4.6's EWMA update rule. A tombstoned link revives on any new
// observation during its tombstone window.
func (e *Estimator) Observe(obs Observation) *LinkStat {
	key := LinkKey{From: normalize(obs.From), To: normalize(obs.To)}
	ls, ok := e.links[key]
	if !ok {
		ls = &LinkStat{FromCall: key.From, ToCall: key.To, arrivals: newArrivalTracker()}
		e.links[key] = ls
	}

	dt := time.Duration(0)
	if !ls.LastUpdated.IsZero() {
		dt = obs.Timestamp.Sub(ls.LastUpdated)
	}
	alphaF := halfLifeAlpha(e.cfg.ForwardHalfLife, dt)

	target := obs.ForwardWeight
	if obs.IsDuplicate {
		target = 0
	}
	var prevDF float64
	if ls.DFEstimate != nil {
		prevDF = *ls.DFEstimate
	} else {
		// First observation: initialize directly to the target rather than
		// blending against an undefined prior, per spec.md §3's
		// "dfEstimate defaults to initialDeliveryRatio only after the
		// first observation".
		alphaF = 1
	}
	newDF := alphaF*target + (1-alphaF)*prevDF
	ls.DFEstimate = &newDF

	if obs.ReverseSample != nil {
		alphaR := halfLifeAlpha(e.cfg.ReverseHalfLife, dt)
		var prevDR float64
		if ls.DREstimate != nil {
			prevDR = *ls.DREstimate
		} else {
			alphaR = 1
		}
		newDR := alphaR*(*obs.ReverseSample) + (1-alphaR)*prevDR
		ls.DREstimate = &newDR
	}

	dr := 1.0
	if ls.DREstimate != nil {
		dr = *ls.DREstimate
	}
	quality := clampQuality(255 * newDF * dr)
	ls.Quality = quality

	if ls.ObservationCount == 0 {
		ls.EWMAQuality = float64(quality)
	} else {
		ls.EWMAQuality = alphaF*float64(quality) + (1-alphaF)*ls.EWMAQuality
	}

	ls.ObservationCount++
	if obs.IsDuplicate {
		ls.DuplicateCount++
	}
	ls.LastUpdated = obs.Timestamp
	ls.arrivals.observe(obs.Timestamp)

	if ls.tombstoned {
		ls.tombstoned = false
	}

	return ls
}

// Get returns the current stat for a directed link, if observed.
func (e *Estimator) Get(from, to string) (*LinkStat, bool) {
	ls, ok := e.links[LinkKey{From: normalize(from), To: normalize(to)}]
	return ls, ok
}

// All returns every tracked directed-link stat, for snapshot persistence.
func (e *Estimator) All() []*LinkStat {
	out := make([]*LinkStat, 0, len(e.links))
	for _, ls := range e.links {
		out = append(out, ls)
	}
	return out
}

// Restore loads a persisted link stat verbatim, with a fresh arrival
// tracker since inter-arrival jitter is diagnostic-only and not part of
// the persisted evidence (see DESIGN.md) — for reconstructing in-memory
// state from a snapshot, not for live observation.
func (e *Estimator) Restore(ls LinkStat) {
	ls.FromCall, ls.ToCall = normalize(ls.FromCall), normalize(ls.ToCall)
	ls.arrivals = newArrivalTracker()
	stored := ls
	e.links[LinkKey{From: ls.FromCall, To: ls.ToCall}] = &stored
}

// EffectiveTTL returns the adaptive TTL currently computed for ls.
func (e *Estimator) EffectiveTTL(ls *LinkStat) time.Duration {
	return ls.arrivals.effectiveTTL(e.cfg.TTL)
}

// JitterStddev exposes the diagnostic-only inter-arrival jitter figure.
func (e *Estimator) JitterStddev(ls *LinkStat) float64 {
	return ls.arrivals.jitterStddev()
}

// Expire applies spec.md §4.6's two-phase tombstone expiry to every
// tracked link as of now: a link whose last observation is older than its
// effective TTL enters tombstone (quality forced to 0, stats retained); a
// link already tombstoned for another full effective TTL is removed.
// Returns the number of links removed.
func (e *Estimator) Expire(now time.Time) int {
	removed := 0
	for key, ls := range e.links {
		ttl := e.EffectiveTTL(ls)
		age := now.Sub(ls.LastUpdated)

		switch {
		case !ls.tombstoned && age > ttl:
			ls.tombstoned = true
			ls.tombstonedSince = now
			ls.Quality = 0
		case ls.tombstoned && now.Sub(ls.tombstonedSince) > ttl:
			delete(e.links, key)
			removed++
		}
	}
	return removed
}
