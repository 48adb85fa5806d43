package netrom

import "time"

// RouteSourceType records which mechanism produced a route entry.
type RouteSourceType int

const (
	RouteBroadcast RouteSourceType = iota
	RouteClassic
	RouteInferred
)

func (s RouteSourceType) String() string {
	switch s {
	case RouteBroadcast:
		return "broadcast"
	case RouteInferred:
		return "inferred"
	default:
		return "classic"
	}
}

// Route is spec.md §3's route record. Origin is the neighbor that
// advertised (broadcast) or carried (inference) the route; (Destination,
// Origin) is the table's primary key, per spec.md §6's schema.
type Route struct {
	Destination string
	Origin      string
	Quality     int // 0..255
	Path        []string
	LastUpdated time.Time
	SourceType  RouteSourceType

	// DestinationAlias is the 6-character NET/ROM alias carried alongside
	// a broadcast routing entry (spec.md §6). Not part of spec.md §3's
	// Route shape, but kept rather than discarded once the wire format
	// already decodes it — see DESIGN.md's supplemented-features entry.
	DestinationAlias string
}

type routeKey struct {
	destination string
	origin      string
}

// routesFor returns every route for destination, across all
// origins, in no particular order.
func (r *Router) routesFor(destination string) []*Route {
	dest := normalize(destination)
	out := make([]*Route, 0)
	for k, rt := range r.routes {
		if k.destination == dest {
			out = append(out, rt)
		}
	}
	return out
}

// Routes returns every tracked route, in no particular order.
func (r *Router) Routes() []*Route {
	out := make([]*Route, 0, len(r.routes))
	for _, rt := range r.routes {
		out = append(out, rt)
	}
	return out
}

// RestoreRoute loads a persisted route record verbatim, through the same
// capacity/quality enforcement upsertRoute already applies to live
// routes — for reconstructing in-memory state from a snapshot.
func (r *Router) RestoreRoute(rt Route) {
	stored := rt
	r.upsertRoute(&stored)
}

// upsertRoute inserts or overwrites the (destination, origin) route entry,
// then enforces spec.md §4.8's per-destination cap: at most
// maxRoutesPerDestination entries, each with quality above
// minimumRouteQuality, kept by descending quality.
func (r *Router) upsertRoute(rt *Route) {
	key := routeKey{destination: normalize(rt.Destination), origin: normalize(rt.Origin)}
	if rt.Quality <= r.cfg.MinimumRouteQuality {
		delete(r.routes, key)
	} else {
		r.routes[key] = rt
	}
	r.pruneRoutesFor(rt.Destination)
}

func (r *Router) pruneRoutesFor(destination string) {
	entries := r.routesFor(destination)
	if len(entries) <= r.cfg.MaxRoutesPerDestination {
		return
	}
	// Insertion sort by descending quality — route counts per destination
	// are small (single digits) so this beats pulling in sort for one call
	// site.
	for i := 1; i < len(entries); i++ {
		j := i
		for j > 0 && entries[j-1].Quality < entries[j].Quality {
			entries[j-1], entries[j] = entries[j], entries[j-1]
			j--
		}
	}
	for _, drop := range entries[r.cfg.MaxRoutesPerDestination:] {
		delete(r.routes, routeKey{destination: normalize(drop.Destination), origin: normalize(drop.Origin)})
	}
}

func isExpired(lastUpdated, now time.Time, ttl time.Duration) bool {
	return now.Sub(lastUpdated) > ttl
}

// BestRouteTo implements spec.md §4.8's hysteresis route selection.
// Expired routes are never returned, though they remain in the table for
// display via Routes().
func (r *Router) BestRouteTo(destination string, now time.Time) (*Route, bool) {
	dest := normalize(destination)
	candidates := make([]*Route, 0)
	for _, rt := range r.routesFor(dest) {
		if !isExpired(rt.LastUpdated, now, r.cfg.RouteTTL) {
			candidates = append(candidates, rt)
		}
	}
	if len(candidates) == 0 {
		delete(r.preferred, dest)
		return nil, false
	}

	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.Quality > best.Quality {
			best = c
		}
	}

	pref, ok := r.preferred[dest]
	if !ok {
		r.preferred[dest] = &preferredRoute{origin: best.Origin, switchedAt: now}
		return best, true
	}

	var current *Route
	for _, c := range candidates {
		if normalize(c.Origin) == normalize(pref.origin) {
			current = c
			break
		}
	}
	if current == nil {
		// The preferred origin fell out of the candidate set (expired or
		// removed): switch immediately.
		r.preferred[dest] = &preferredRoute{origin: best.Origin, switchedAt: now}
		return best, true
	}
	if normalize(best.Origin) == normalize(current.Origin) {
		return current, true
	}

	threshold := float64(current.Quality) * (1 + r.cfg.HysteresisMargin)
	if float64(best.Quality) > threshold && now.Sub(pref.switchedAt) >= r.cfg.HysteresisHoldSeconds {
		r.preferred[dest] = &preferredRoute{origin: best.Origin, switchedAt: now}
		return best, true
	}
	return current, true
}

type preferredRoute struct {
	origin     string
	switchedAt time.Time
}
