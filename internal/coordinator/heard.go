package coordinator

import (
	"sort"
	"strings"
	"time"
)

// HeardStation is one entry in the "stations heard" log, supplemented per
// SPEC_FULL.md's Supplemented Features section and grounded on the
// teacher's mheard.go (callsign, count, channel, hop count, first/last
// heard) — independent of the neighbor/route tables, pure bookkeeping a
// TNC client surfaces whether or not NET/ROM is in use.
type HeardStation struct {
	Callsign   string
	Channel    int
	DigiHops   int
	FirstHeard time.Time
	LastHeard  time.Time
	Count      int
}

// HeardLog is a bounded, in-memory table of every station whose frames
// have been decoded. Unlike mheard.go's unbounded map, this module caps
// the table at maxEntries and evicts the least-recently-heard station,
// since a long-running daemon (unlike a short debug session) must not
// grow this without limit.
type HeardLog struct {
	maxEntries int
	stations   map[string]*HeardStation
}

// NewHeardLog constructs a log holding at most maxEntries stations.
func NewHeardLog(maxEntries int) *HeardLog {
	return &HeardLog{maxEntries: maxEntries, stations: make(map[string]*HeardStation)}
}

func normalizeCallsign(callsign string) string {
	return strings.ToUpper(strings.TrimSpace(callsign))
}

// Observe records that callsign was heard on channel with digiHops
// digipeater hops at now, creating the entry on first sight.
func (h *HeardLog) Observe(callsign string, channel, digiHops int, now time.Time) {
	call := normalizeCallsign(callsign)
	st, ok := h.stations[call]
	if !ok {
		if len(h.stations) >= h.maxEntries {
			h.evictOldest()
		}
		h.stations[call] = &HeardStation{
			Callsign:   call,
			Channel:    channel,
			DigiHops:   digiHops,
			FirstHeard: now,
			LastHeard:  now,
			Count:      1,
		}
		return
	}
	st.Channel = channel
	st.DigiHops = digiHops
	st.LastHeard = now
	st.Count++
}

func (h *HeardLog) evictOldest() {
	var oldestCall string
	var oldestTime time.Time
	first := true
	for call, st := range h.stations {
		if first || st.LastHeard.Before(oldestTime) {
			oldestCall = call
			oldestTime = st.LastHeard
			first = false
		}
	}
	if !first {
		delete(h.stations, oldestCall)
	}
}

// Get returns the entry for callsign, if heard.
func (h *HeardLog) Get(callsign string) (HeardStation, bool) {
	st, ok := h.stations[normalizeCallsign(callsign)]
	if !ok {
		return HeardStation{}, false
	}
	return *st, true
}

// Stations returns every heard station, most-recently-heard first.
func (h *HeardLog) Stations() []HeardStation {
	out := make([]HeardStation, 0, len(h.stations))
	for _, st := range h.stations {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastHeard.After(out[j].LastHeard) })
	return out
}

// Len reports the number of tracked stations.
func (h *HeardLog) Len() int {
	return len(h.stations)
}
