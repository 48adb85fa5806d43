// Package adaptive maps link-quality samples to session configuration,
// per spec.md §4.7: a per-route cache with global defaults, per-
// destination override, and the invariant that session configs are
// frozen at creation (enforced by session.Config's own immutability, not
// by this package).
package adaptive

import (
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/axterm-go/engine/internal/session"
)

// Mode distinguishes an auto-learned field from a manually pinned one.
type Mode int

const (
	ModeAuto Mode = iota
	ModeManual
)

// Field is one adaptively-tuned setting: an auto-updated current value,
// an optional manual override, and the mode selecting between them.
type Field[T any] struct {
	Mode     Mode
	Current  T
	ManualOK bool
	Manual   T
}

// Effective returns Manual when Mode is ModeManual (and a manual value was
// set), otherwise Current.
func (f Field[T]) Effective() T {
	if f.Mode == ModeManual && f.ManualOK {
		return f.Manual
	}
	return f.Current
}

// RouteAdaptiveKey identifies one (destination, path) adaptive cache
// entry, per spec.md §4.7.
type RouteAdaptiveKey struct {
	Destination   string
	PathSignature string
}

// SampleSource tags where a link-quality sample originated, for
// diagnostics only — it does not change the mapping.
type SampleSource int

const (
	SourceLinkQuality SampleSource = iota
	SourceSessionRTT
	SourceManualProbe
)

// RouteConfig is the per-route (or global) adaptive cache entry, per
// spec.md §4.7's "{ windowSize, paclen, maxRetries, rtoMin, rtoMax }, each
// with a mode/currentAdaptive/manualValue".
type RouteConfig struct {
	WindowSize Field[int]
	Paclen     Field[int]
	MaxRetries Field[int]
	RTOMin     Field[time.Duration]
	RTOMax     Field[time.Duration]

	LastSource SampleSource
	LastUpdate time.Time
}

// defaultRouteConfig matches spec.md §4.7's clearAllLearned reset values
// (window=2, paclen=128, retries=10) — deliberately distinct from
// session.DefaultConfig()'s window=4, since the adaptive baseline and the
// hard session default are separate concepts (see DESIGN.md).
func defaultRouteConfig() RouteConfig {
	d := session.DefaultConfig()
	return RouteConfig{
		WindowSize: Field[int]{Current: 2},
		Paclen:     Field[int]{Current: 128},
		MaxRetries: Field[int]{Current: 10},
		RTOMin:     Field[time.Duration]{Current: d.RTOMin},
		RTOMax:     Field[time.Duration]{Current: d.RTOMax},
	}
}

// ToSessionConfig projects a RouteConfig's effective values onto a fresh
// session.Config, carrying forward everything the adaptive layer doesn't
// touch (AckTimer, SREJEnabled, Layer3InitialRetry) from base.
func (r RouteConfig) ToSessionConfig(base session.Config) session.Config {
	cfg := base
	cfg.WindowSize = r.WindowSize.Effective()
	cfg.Paclen = r.Paclen.Effective()
	cfg.MaxRetries = r.MaxRetries.Effective()
	cfg.RTOMin = r.RTOMin.Effective()
	cfg.RTOMax = r.RTOMax.Effective()
	return cfg
}

func applySample(rc RouteConfig, lossRate, etx float64) RouteConfig {
	switch {
	case lossRate >= 0.3:
		if rc.WindowSize.Mode == ModeAuto {
			rc.WindowSize.Current = 1
		}
		if rc.Paclen.Mode == ModeAuto {
			rc.Paclen.Current = 64
		}
		if rc.MaxRetries.Mode == ModeAuto && rc.MaxRetries.Current < 10 {
			rc.MaxRetries.Current = 10
		}
		if rc.RTOMin.Mode == ModeAuto && rc.RTOMin.Current < time.Second {
			rc.RTOMin.Current = time.Second
		}

	case lossRate <= 0.1 && etx <= 1.5:
		if rc.WindowSize.Mode == ModeAuto {
			w := rc.WindowSize.Current + 1
			if w > 7 {
				w = 7
			}
			rc.WindowSize.Current = w
		}
		if rc.Paclen.Mode == ModeAuto {
			p := rc.Paclen.Current + 32
			if p > 128 {
				p = 128
			}
			rc.Paclen.Current = p
		}

	default:
		// Between the two thresholds: blend halfway toward the
		// well-behaved-link defaults (window=2, paclen=128). spec.md §4.7
		// specifies the target but not the blend factor; 0.5 is this
		// module's resolution of that Open Question (see DESIGN.md).
		if rc.WindowSize.Mode == ModeAuto {
			rc.WindowSize.Current = roundHalf(rc.WindowSize.Current, 2)
		}
		if rc.Paclen.Mode == ModeAuto {
			rc.Paclen.Current = roundHalf(rc.Paclen.Current, 128)
		}
	}
	return rc
}

func roundHalf(current, target int) int {
	blended := float64(current) + float64(target-current)*0.5
	if blended < 0 {
		return 0
	}
	return int(blended + 0.5)
}

// Engine owns the global adaptive default, the per-route cache, and the
// per-destination override set. Per spec.md §3's lifecycle ownership,
// these are the coordinator's interior adaptive state.
type Engine struct {
	Enabled bool
	Default session.Config

	global    RouteConfig
	routes    *lru.Cache[RouteAdaptiveKey, *RouteConfig]
	overrides map[string]bool
}

// NewEngine constructs an adaptive engine holding at most cacheSize
// per-route entries (bounded via hashicorp/golang-lru, per
// SPEC_FULL.md's domain-stack wiring).
func NewEngine(cacheSize int) (*Engine, error) {
	routes, err := lru.New[RouteAdaptiveKey, *RouteConfig](cacheSize)
	if err != nil {
		return nil, err
	}
	return &Engine{
		Enabled:   true,
		Default:   session.DefaultConfig(),
		global:    defaultRouteConfig(),
		routes:    routes,
		overrides: make(map[string]bool),
	}, nil
}

func normalizeCallsign(c string) string {
	return strings.ToUpper(strings.TrimSpace(c))
}

// SetUseDefaultForDestination adds or removes D from the per-destination
// override set, per spec.md §4.7.
func (e *Engine) SetUseDefaultForDestination(destination string, useDefault bool) {
	key := normalizeCallsign(destination)
	if useDefault {
		e.overrides[key] = true
	} else {
		delete(e.overrides, key)
	}
}

// ApplyLinkQualitySample ingests one sample, updating either the named
// route's cache entry or the global default, per spec.md §4.7's piecewise
// mapping. Samples are ignored when adaptive transmission is disabled
// globally. srtt is accepted for provenance/future use (e.g. RTO tuning
// from measured RTT) but the piecewise mapping spec.md §4.7 specifies
// drives window/paclen/retries/rtoMin from lossRate and etx alone.
func (e *Engine) ApplyLinkQualitySample(lossRate, etx float64, srtt time.Duration, source SampleSource, routeKey *RouteAdaptiveKey, now time.Time) {
	if !e.Enabled {
		return
	}

	if routeKey == nil {
		e.global = applySample(e.global, lossRate, etx)
		e.global.LastSource = source
		e.global.LastUpdate = now
		return
	}

	key := RouteAdaptiveKey{Destination: normalizeCallsign(routeKey.Destination), PathSignature: routeKey.PathSignature}
	rc, ok := e.routes.Get(key)
	if !ok {
		base := defaultRouteConfig()
		rc = &base
	}
	updated := applySample(*rc, lossRate, etx)
	updated.LastSource = source
	updated.LastUpdate = now
	e.routes.Add(key, &updated)
}

// GetConfig computes the session configuration for a new session to
// destination D via path P, per spec.md §4.7. If adaptive transmission is
// disabled, or D is in the override set, the hard session default is
// returned. Otherwise: an exact (D,P) cache entry is used directly if one
// exists; failing that, every cached entry for destination D (any path)
// is merged via min(windowSize), min(paclen), max(retries), max(rtoMin),
// min(rtoMax); failing that, the global adaptive default is used. Using
// the exact-path entry first (rather than always merging across paths)
// resolves spec.md §9's stated Open Question in the direction its own
// worked example (§8 scenario 6) requires: a good-quality path must be
// able to report a larger window than a bad-quality path to the same
// destination, which a blind merge-across-paths would prevent.
func (e *Engine) GetConfig(destination, path string) session.Config {
	destNorm := normalizeCallsign(destination)
	if !e.Enabled || e.overrides[destNorm] {
		return e.Default
	}

	key := RouteAdaptiveKey{Destination: destNorm, PathSignature: path}
	if rc, ok := e.routes.Get(key); ok {
		return rc.ToSessionConfig(e.Default)
	}

	var merged *RouteConfig
	for _, k := range e.routes.Keys() {
		if k.Destination != destNorm {
			continue
		}
		rc, ok := e.routes.Peek(k)
		if !ok {
			continue
		}
		if merged == nil {
			m := *rc
			merged = &m
			continue
		}
		merged.WindowSize.Current = minInt(merged.WindowSize.Effective(), rc.WindowSize.Effective())
		merged.Paclen.Current = minInt(merged.Paclen.Effective(), rc.Paclen.Effective())
		merged.MaxRetries.Current = maxInt(merged.MaxRetries.Effective(), rc.MaxRetries.Effective())
		merged.RTOMin.Current = maxDuration(merged.RTOMin.Effective(), rc.RTOMin.Effective())
		merged.RTOMax.Current = minDuration(merged.RTOMax.Effective(), rc.RTOMax.Effective())
		merged.WindowSize.Mode, merged.Paclen.Mode, merged.MaxRetries.Mode = ModeAuto, ModeAuto, ModeAuto
		merged.RTOMin.Mode, merged.RTOMax.Mode = ModeAuto, ModeAuto
	}
	if merged != nil {
		return merged.ToSessionConfig(e.Default)
	}

	return e.global.ToSessionConfig(e.Default)
}

// ClearAllLearned resets the global default to spec.md §4.7's stated
// values, and empties the per-route cache and override set.
func (e *Engine) ClearAllLearned() {
	e.global = defaultRouteConfig()
	e.routes.Purge()
	e.overrides = make(map[string]bool)
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}
