package netrom

import (
	"math"
	"time"
)

// inferredBaseQuality is the quality a route/neighbor starts at on its
// first piece of inference evidence, per spec.md §4.8. inferenceCap keeps
// inferred quality below what a classic broadcast route of similar
// freshness would report, matching §4.8's "classic routes generally win
// on equal observation counts because broadcast quality is higher".
const (
	inferredBaseQuality = 60
	inferenceCap        = 200
	inferenceStep       = 24
)

type inferenceEvidence struct {
	reinforcement float64
	lastUpdated   time.Time
}

func (r *Router) reinforce(key routeKey, now time.Time) int {
	ev, ok := r.inference[key]
	if !ok {
		ev = &inferenceEvidence{}
		r.inference[key] = ev
	}
	if !ev.lastUpdated.IsZero() {
		elapsed := now.Sub(ev.lastUpdated)
		if elapsed > 0 && r.cfg.InferenceHalfLife > 0 {
			decay := halfLifeDecay(elapsed, r.cfg.InferenceHalfLife)
			ev.reinforcement *= decay
		}
	}
	ev.reinforcement++
	ev.lastUpdated = now

	quality := inferredBaseQuality + int(ev.reinforcement*inferenceStep)
	if quality > inferenceCap {
		quality = inferenceCap
	}
	return quality
}

func halfLifeDecay(elapsed, halfLife time.Duration) float64 {
	if halfLife <= 0 {
		return 0
	}
	ratio := elapsed.Seconds() / halfLife.Seconds()
	return math.Pow(0.5, ratio)
}

// ObserveThirdParty implements spec.md §4.8's passive inference: a
// digipeated packet source → destination via [v1..vk], where none of
// source/destination/any vi is the local station, contributes evidence
// for an inferred route to source. Packets that pass through the local
// station (local appears in the via path) or whose inference would
// produce next-hop == destination are ignored, per spec.md §4.8.
func (r *Router) ObserveThirdParty(source, destination string, via []string, now time.Time) {
	if r.mode == ModeClassic {
		return
	}
	src, dst := normalize(source), normalize(destination)
	if src == r.local || dst == r.local {
		return
	}
	normVia := make([]string, len(via))
	for i, v := range via {
		normVia[i] = normalize(v)
		if normVia[i] == r.local {
			return
		}
	}
	if len(normVia) == 0 {
		return
	}
	nextHop := normVia[0]
	if nextHop == dst {
		return
	}

	path := make([]string, 0, len(normVia)+1)
	for i := len(normVia) - 1; i >= 0; i-- {
		path = append(path, normVia[i])
	}
	path = append(path, src)

	key := routeKey{destination: src, origin: nextHop}
	quality := r.reinforce(key, now)

	r.touchInferredNeighbor(nextHop, quality, now)
	r.upsertRoute(&Route{
		Destination: src,
		Origin:      nextHop,
		Quality:     quality,
		Path:        path,
		LastUpdated: now,
		SourceType:  RouteInferred,
	})
}
