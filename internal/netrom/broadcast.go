package netrom

import (
	"strings"
	"time"

	"github.com/axterm-go/engine/internal/ax25"
)

// NodesPID is the AX.25 PID value marking a NET/ROM NODES broadcast.
const NodesPID = 0xCF

// NodesSignature is the leading byte of a NODES broadcast's info field.
const NodesSignature = 0xFF

const nodesEntryLen = 21 // 7 (dest call) + 6 (dest alias) + 7 (neighbor call) + 1 (quality)
const nodesOriginAliasLen = 6

// BroadcastEntry is one decoded NODES routing entry.
type BroadcastEntry struct {
	Destination      string
	DestinationAlias string
	BestNeighbor     string
	Quality          int
}

// Broadcast is a fully decoded NODES broadcast.
type Broadcast struct {
	OriginAlias string // "" for the short variant.
	Entries     []BroadcastEntry
}

// IsNodesBroadcast reports whether pkt matches spec.md §6's NODES
// broadcast shape: a UI frame, PID 0xCF, addressed to "NODES", info
// beginning with the 0xFF signature.
func IsNodesBroadcast(pkt *ax25.Packet) bool {
	if pkt.FrameType != ax25.FrameTypeUI {
		return false
	}
	if pkt.PID == nil || *pkt.PID != NodesPID {
		return false
	}
	if normalize(pkt.To.Callsign) != "NODES" {
		return false
	}
	return len(pkt.Info) >= 1 && pkt.Info[0] == NodesSignature
}

// DecodeBroadcast parses a NODES broadcast's info field (signature byte
// already confirmed by IsNodesBroadcast). It accepts both the short
// variant (signature + N×21-byte entries) and the long variant (signature
// + 6-byte origin alias + N×21-byte entries), per spec.md §6. Entries with
// non-decodable fields are skipped; a broadcast with no valid entries
// overall returns ok=false.
func DecodeBroadcast(info []byte) (Broadcast, bool) {
	if len(info) < 1 || info[0] != NodesSignature {
		return Broadcast{}, false
	}
	body := info[1:]

	originAlias := ""
	switch {
	case len(body)%nodesEntryLen == 0:
		// Short variant: signature + N entries, nothing more to strip.
	case len(body) >= nodesOriginAliasLen && (len(body)-nodesOriginAliasLen)%nodesEntryLen == 0:
		// Long variant: signature + 6-byte origin alias + N entries. The
		// two remainders (0 and 6, mod 21) never coincide, so this case is
		// unambiguous.
		originAlias = strings.TrimRight(string(body[:nodesOriginAliasLen]), " ")
		body = body[nodesOriginAliasLen:]
	default:
		return Broadcast{}, false
	}

	entries := make([]BroadcastEntry, 0, len(body)/nodesEntryLen)
	for off := 0; off < len(body); off += nodesEntryLen {
		chunk := body[off : off+nodesEntryLen]
		entry, ok := decodeNodesEntry(chunk)
		if ok {
			entries = append(entries, entry)
		}
	}
	if len(entries) == 0 {
		return Broadcast{}, false
	}
	return Broadcast{OriginAlias: originAlias, Entries: entries}, true
}

func decodeNodesEntry(b []byte) (BroadcastEntry, bool) {
	if len(b) != nodesEntryLen {
		return BroadcastEntry{}, false
	}
	destAddr, _, err := ax25.DecodeAddress(b[0:7])
	if err != nil || destAddr.Callsign == "" {
		return BroadcastEntry{}, false
	}
	alias := strings.TrimRight(string(b[7:13]), " ")
	neighborAddr, _, err := ax25.DecodeAddress(b[13:20])
	if err != nil || neighborAddr.Callsign == "" {
		return BroadcastEntry{}, false
	}
	quality := int(b[20])
	return BroadcastEntry{
		Destination:      destAddr.Callsign,
		DestinationAlias: alias,
		BestNeighbor:     neighborAddr.Callsign,
		Quality:          quality,
	}, true
}

// ObserveBroadcast ingests a decoded NODES broadcast heard from neighbor,
// applying spec.md §4.8's quality math and loop rejection. Disabled
// outside classic/hybrid mode.
func (r *Router) ObserveBroadcast(neighbor string, b Broadcast, now time.Time) {
	if r.mode == ModeInference {
		return
	}
	neighborCall := normalize(neighbor)
	pathQ := 0
	if n, ok := r.neighbors[neighborCall]; ok {
		pathQ = n.Quality
	}

	for _, entry := range b.Entries {
		dest := normalize(entry.Destination)
		if dest == r.local {
			continue // loop rejection: never route to ourselves.
		}
		quality := clamp255((entry.Quality*pathQ + 128) / 256)
		r.upsertRoute(&Route{
			Destination:      dest,
			Origin:           neighborCall,
			Quality:          quality,
			Path:             []string{neighborCall},
			LastUpdated:      now,
			SourceType:       RouteBroadcast,
			DestinationAlias: entry.DestinationAlias,
		})
	}

	r.trackBroadcastTiming(neighborCall, now)
}

type broadcastTiming struct {
	lastBroadcast     time.Time
	estimatedInterval time.Duration
	count             int
}

// trackBroadcastTiming mirrors, as a live diagnostic only, the
// inter-broadcast EWMA spec.md §4.9 specifies for the persisted
// originIntervals table — kept independent of the persistence layer per
// this package's "no back-reference to the coordinator" design (see
// spec.md §9's design notes).
func (r *Router) trackBroadcastTiming(origin string, now time.Time) {
	t, ok := r.broadcastTimings[origin]
	if !ok {
		r.broadcastTimings[origin] = &broadcastTiming{lastBroadcast: now, count: 1}
		return
	}
	elapsed := now.Sub(t.lastBroadcast)
	if elapsed < 10*time.Second {
		return // duplicate broadcast, ignored — matches persistence's rule.
	}
	const alpha = 0.3
	if t.count <= 1 {
		t.estimatedInterval = elapsed
	} else {
		t.estimatedInterval = time.Duration(alpha*elapsed.Seconds()+(1-alpha)*t.estimatedInterval.Seconds()) * time.Second
	}
	t.lastBroadcast = now
	t.count++
}

// ExpectedNextBroadcast returns the router's live estimate of when origin
// will next broadcast, based on its smoothed inter-broadcast interval.
// Diagnostic only — spec.md's route/neighbor semantics never depend on
// it.
func (r *Router) ExpectedNextBroadcast(origin string) (time.Time, bool) {
	t, ok := r.broadcastTimings[normalize(origin)]
	if !ok || t.count < 2 {
		return time.Time{}, false
	}
	return t.lastBroadcast.Add(t.estimatedInterval), true
}
