package linkquality

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFirstObservationInitializesDFDirectly(t *testing.T) {
	e := NewEstimator(DefaultConfig())
	now := time.Unix(0, 0)
	ls := e.Observe(Observation{From: "K1AAA", To: "N0CALL", Timestamp: now, ForwardWeight: 1.0})
	require.NotNil(t, ls.DFEstimate)
	assert.Equal(t, 1.0, *ls.DFEstimate)
	assert.Equal(t, 255, ls.Quality)
	assert.Nil(t, ls.DREstimate)
}

func TestReverseEstimateNeverSynthesizedWithoutEvidence(t *testing.T) {
	e := NewEstimator(DefaultConfig())
	now := time.Unix(0, 0)
	ls := e.Observe(Observation{From: "K1AAA", To: "N0CALL", Timestamp: now, ForwardWeight: 1.0})
	ls = e.Observe(Observation{From: "K1AAA", To: "N0CALL", Timestamp: now.Add(10 * time.Second), ForwardWeight: 1.0})
	assert.Nil(t, ls.DREstimate)
}

func TestDuplicateDrivesDFTowardZero(t *testing.T) {
	e := NewEstimator(DefaultConfig())
	now := time.Unix(0, 0)
	e.Observe(Observation{From: "K1AAA", To: "N0CALL", Timestamp: now, ForwardWeight: 1.0})
	ls := e.Observe(Observation{From: "K1AAA", To: "N0CALL", Timestamp: now.Add(1 * time.Second), IsDuplicate: true})
	assert.Less(t, *ls.DFEstimate, 1.0)
	assert.Equal(t, 1, ls.DuplicateCount)
}

func TestAdaptiveTTLBelowThreeArrivalsEqualsBase(t *testing.T) {
	cfg := DefaultConfig()
	e := NewEstimator(cfg)
	now := time.Unix(0, 0)
	ls := e.Observe(Observation{From: "K1AAA", To: "N0CALL", Timestamp: now, ForwardWeight: 1.0})
	assert.Equal(t, cfg.TTL.Base, e.EffectiveTTL(ls))
	ls = e.Observe(Observation{From: "K1AAA", To: "N0CALL", Timestamp: now.Add(time.Minute), ForwardWeight: 1.0})
	assert.Equal(t, cfg.TTL.Base, e.EffectiveTTL(ls))
}

// spec.md §8: "With 5 arrivals each 20 min apart, effectiveTTL = min(6·1200, max) = 7200".
func TestAdaptiveTTLFiveArrivalsTwentyMinutesApart(t *testing.T) {
	cfg := DefaultConfig()
	e := NewEstimator(cfg)
	now := time.Unix(0, 0)
	var ls *LinkStat
	for i := 0; i < 5; i++ {
		ls = e.Observe(Observation{From: "K1AAA", To: "N0CALL", Timestamp: now.Add(time.Duration(i) * 20 * time.Minute), ForwardWeight: 1.0})
	}
	assert.Equal(t, 7200*time.Second, e.EffectiveTTL(ls))
}

func TestAdaptiveTTLOutlierNeverHitsMax(t *testing.T) {
	cfg := DefaultConfig()
	e := NewEstimator(cfg)
	now := time.Unix(0, 0)
	var ls *LinkStat
	// Four short intervals (2s) establish a small EWMA baseline.
	for i := 0; i < 4; i++ {
		ls = e.Observe(Observation{From: "K1AAA", To: "N0CALL", Timestamp: now.Add(time.Duration(i) * 2 * time.Second), ForwardWeight: 1.0})
	}
	// One large-but-not-extreme outlier interval (500s against a 2s baseline).
	ls = e.Observe(Observation{From: "K1AAA", To: "N0CALL", Timestamp: now.Add(6*time.Second + 500*time.Second), ForwardWeight: 1.0})
	assert.Less(t, e.EffectiveTTL(ls), cfg.TTL.Max)
	assert.Greater(t, e.EffectiveTTL(ls), cfg.TTL.Base)
}

func TestTwoPhaseTombstoneExpiry(t *testing.T) {
	cfg := Config{ForwardHalfLife: 300 * time.Second, ReverseHalfLife: 300 * time.Second, TTL: TTLConfig{Base: 10 * time.Second, Multiplier: 6, Max: 100 * time.Second}}
	e := NewEstimator(cfg)
	now := time.Unix(0, 0)
	ls := e.Observe(Observation{From: "K1AAA", To: "N0CALL", Timestamp: now, ForwardWeight: 1.0})
	require.Equal(t, 255, ls.Quality)

	// Age past TTL (base=10s, <3 arrivals): tombstone, quality->0, stats retained.
	removed := e.Expire(now.Add(11 * time.Second))
	assert.Equal(t, 0, removed)
	got, ok := e.Get("K1AAA", "N0CALL")
	require.True(t, ok)
	assert.Equal(t, 0, got.Quality)
	assert.Equal(t, 1, got.ObservationCount) // stats retained through tombstone

	// A revival during the tombstone window un-tombstones it.
	e.Observe(Observation{From: "K1AAA", To: "N0CALL", Timestamp: now.Add(12 * time.Second), ForwardWeight: 1.0})
	got, _ = e.Get("K1AAA", "N0CALL")
	assert.Equal(t, 255, got.Quality)

	// First call past TTL since the revival enters tombstone (quality->0,
	// stats retained); this mirrors the check above at t=11s.
	removed = e.Expire(now.Add(12*time.Second + 11*time.Second))
	assert.Equal(t, 0, removed)
	got, _ = e.Get("K1AAA", "N0CALL")
	assert.Equal(t, 0, got.Quality)

	// A second full effective-TTL window elapsed with no revival: removed.
	removed = e.Expire(now.Add(12*time.Second + 22*time.Second))
	assert.Equal(t, 1, removed)
	_, ok = e.Get("K1AAA", "N0CALL")
	assert.False(t, ok)
}
