package linkquality

import "github.com/eclesh/welford"

// welfordStats wraps eclesh/welford's running mean/variance accumulator,
// isolating the exact upstream method surface behind this package's own
// jitter-diagnostic API (see DESIGN.md: welford backs the diagnostic
// inter-arrival jitter figure, not the spec-mandated TTL calculation).
type welfordStats struct {
	s *welford.Stats
}

func newWelfordStats() *welfordStats {
	return &welfordStats{s: welford.New()}
}

func (w *welfordStats) Add(x float64) {
	w.s.Add(x)
}

func (w *welfordStats) Stddev() float64 {
	return w.s.Stddev()
}
