package netrom

import "time"

// Mode selects which sources populate the router, per spec.md §4.8.
type Mode int

const (
	ModeClassic Mode = iota
	ModeInference
	ModeHybrid
)

func (m Mode) String() string {
	switch m {
	case ModeInference:
		return "inference"
	case ModeHybrid:
		return "hybrid"
	default:
		return "classic"
	}
}

// Config parameterizes the router, with spec.md §4.8's stated defaults
// (and documented choices where the spec leaves a constant unspecified).
type Config struct {
	MaxRoutesPerDestination int
	MinimumRouteQuality     int
	HysteresisMargin        float64       // default 0.12 (12%).
	HysteresisHoldSeconds   time.Duration // default 120s.
	InferenceHalfLife       time.Duration // default 45s, within spec.md's stated 30-60s range.
	RouteTTL                time.Duration // default 30 min.
	NeighborTTL             time.Duration // default 30 min.
	FreshnessPlateau        time.Duration // default 5 min.
}

// DefaultConfig matches spec.md §4.8's stated defaults; MaxRoutesPerDestination
// and MinimumRouteQuality are this module's documented choices for the two
// constants spec.md names but does not number (see DESIGN.md).
func DefaultConfig() Config {
	return Config{
		MaxRoutesPerDestination: 3,
		MinimumRouteQuality:     10,
		HysteresisMargin:        0.12,
		HysteresisHoldSeconds:   120 * time.Second,
		InferenceHalfLife:       45 * time.Second,
		RouteTTL:                30 * time.Minute,
		NeighborTTL:             30 * time.Minute,
		FreshnessPlateau:        5 * time.Minute,
	}
}

// Router owns the neighbor table, route table, and hysteresis state for
// one local station. Per spec.md §5, it is exclusively mutated by the
// coordinator; read-only snapshots (Neighbors/Routes/BestRouteTo) may be
// published to UI observers.
type Router struct {
	local string
	mode  Mode
	cfg   Config

	neighbors        map[string]*Neighbor
	routes           map[routeKey]*Route
	preferred        map[string]*preferredRoute
	inference        map[routeKey]*inferenceEvidence
	broadcastTimings map[string]*broadcastTiming
}

// NewRouter constructs a router for localCallsign, operating in mode with
// cfg.
func NewRouter(localCallsign string, mode Mode, cfg Config) *Router {
	return &Router{
		local:            normalize(localCallsign),
		mode:             mode,
		cfg:              cfg,
		neighbors:        make(map[string]*Neighbor),
		routes:           make(map[routeKey]*Route),
		preferred:        make(map[string]*preferredRoute),
		inference:        make(map[routeKey]*inferenceEvidence),
		broadcastTimings: make(map[string]*broadcastTiming),
	}
}

// Mode returns the router's current operating mode.
func (r *Router) Mode() Mode {
	return r.mode
}

// SetMode changes the operating mode. Existing neighbor/route entries are
// left in place; only subsequent observations are gated by the new mode.
func (r *Router) SetMode(mode Mode) {
	r.mode = mode
}
