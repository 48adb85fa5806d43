package netrom

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDirectObservationCreatesClassicNeighborAndConverges(t *testing.T) {
	r := NewRouter("N0CALL", ModeHybrid, DefaultConfig())
	now := time.Unix(0, 0)
	for i := 0; i < 150; i++ {
		r.ObserveDirect("K1AAA", 255, false, now.Add(time.Duration(i)*time.Second))
	}
	n, ok := r.Neighbor("K1AAA")
	require.True(t, ok)
	assert.Equal(t, NeighborClassic, n.SourceType)
	assert.Greater(t, n.Quality, 150)
	assert.Less(t, n.Quality, 255)
}

func TestBroadcastQualityFormulaAndLoopRejection(t *testing.T) {
	r := NewRouter("N0CALL", ModeClassic, DefaultConfig())
	now := time.Unix(0, 0)
	r.ObserveDirect("K2BBB", 255, false, now)
	n, _ := r.Neighbor("K2BBB")
	pathQ := n.Quality

	b := Broadcast{Entries: []BroadcastEntry{
		{Destination: "K3CCC", Quality: 200},
		{Destination: "N0CALL", Quality: 255}, // loop: must be ignored.
	}}
	r.ObserveBroadcast("K2BBB", b, now.Add(time.Second))

	routes := r.routesFor("K3CCC")
	require.Len(t, routes, 1)
	expected := clamp255((200*pathQ + 128) / 256)
	assert.Equal(t, expected, routes[0].Quality)
	assert.Equal(t, RouteBroadcast, routes[0].SourceType)

	assert.Empty(t, r.routesFor("N0CALL"))
}

func TestMaxRoutesPerDestinationKeepsOnlyTopN(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxRoutesPerDestination = 2
	cfg.MinimumRouteQuality = 0
	r := NewRouter("N0CALL", ModeClassic, cfg)
	now := time.Unix(0, 0)
	for i, neighbor := range []string{"N1", "N2", "N3"} {
		r.ObserveDirect(neighbor, 255, false, now)
		b := Broadcast{Entries: []BroadcastEntry{{Destination: "DEST", Quality: 50 + i*50}}}
		r.ObserveBroadcast(neighbor, b, now)
	}
	routes := r.routesFor("DEST")
	assert.Len(t, routes, 2)
}

func TestClassicModeIgnoresThirdPartyInference(t *testing.T) {
	r := NewRouter("N0CALL", ModeClassic, DefaultConfig())
	now := time.Unix(0, 0)
	r.ObserveThirdParty("K1AAA", "K3CCC", []string{"K2BBB"}, now)
	assert.Empty(t, r.routesFor("K1AAA"))
	_, ok := r.Neighbor("K2BBB")
	assert.False(t, ok)
}

// spec.md §8 scenario 5.
func TestInferenceModeCreatesExactlyOneRouteWithExpectedShape(t *testing.T) {
	r := NewRouter("N0CALL", ModeInference, DefaultConfig())
	now := time.Unix(0, 0)
	for i := 0; i < 3; i++ {
		r.ObserveThirdParty("K1AAA", "K3CCC", []string{"K2BBB"}, now.Add(time.Duration(i)*time.Second))
	}

	routes := r.routesFor("K1AAA")
	require.Len(t, routes, 1)
	assert.Equal(t, RouteInferred, routes[0].SourceType)
	assert.Contains(t, routes[0].Path, "K2BBB")

	assert.Empty(t, r.routesFor("K2BBB"))
}

func TestThirdPartyPacketThroughLocalStationIgnored(t *testing.T) {
	r := NewRouter("N0CALL", ModeInference, DefaultConfig())
	now := time.Unix(0, 0)
	r.ObserveThirdParty("K1AAA", "K3CCC", []string{"N0CALL"}, now)
	assert.Empty(t, r.routesFor("K1AAA"))
}

func TestThirdPartyNextHopEqualsDestinationIgnored(t *testing.T) {
	r := NewRouter("N0CALL", ModeInference, DefaultConfig())
	now := time.Unix(0, 0)
	r.ObserveThirdParty("K1AAA", "K3CCC", []string{"K3CCC"}, now)
	assert.Empty(t, r.routesFor("K1AAA"))
}

func TestBestRouteToNeverReturnsExpiredRoute(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RouteTTL = 10 * time.Second
	r := NewRouter("N0CALL", ModeClassic, cfg)
	now := time.Unix(0, 0)
	r.ObserveDirect("K2BBB", 255, false, now)
	r.ObserveBroadcast("K2BBB", Broadcast{Entries: []BroadcastEntry{{Destination: "DEST", Quality: 200}}}, now)

	_, ok := r.BestRouteTo("DEST", now.Add(11*time.Second))
	assert.False(t, ok)

	// But it remains in the table for display.
	assert.Len(t, r.routesFor("DEST"), 1)
}

func TestHysteresisHoldsPreferredRouteBelowMarginOrHoldTime(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinimumRouteQuality = 0
	r := NewRouter("N0CALL", ModeClassic, cfg)
	now := time.Unix(0, 0)

	r.ObserveDirect("N1", 255, false, now)
	r.ObserveDirect("N2", 255, false, now)
	r.upsertRoute(&Route{Destination: "DEST", Origin: "N1", Quality: 100, LastUpdated: now, SourceType: RouteClassic})

	best, ok := r.BestRouteTo("DEST", now)
	require.True(t, ok)
	assert.Equal(t, "N1", best.Origin)

	// A challenger under the hysteresis margin (100*1.12 = 112) must not
	// win, even though it is nominally higher quality.
	r.upsertRoute(&Route{Destination: "DEST", Origin: "N2", Quality: 110, LastUpdated: now, SourceType: RouteClassic})
	best, _ = r.BestRouteTo("DEST", now.Add(time.Second))
	assert.Equal(t, "N1", best.Origin)

	// Exceeding the margin but before the hold time elapses still holds.
	r.routes[routeKey{destination: "DEST", origin: "N2"}].Quality = 200
	best, _ = r.BestRouteTo("DEST", now.Add(2*time.Second))
	assert.Equal(t, "N1", best.Origin)

	// Once both the margin and hold-time conditions are satisfied, switch.
	best, _ = r.BestRouteTo("DEST", now.Add(cfg.HysteresisHoldSeconds+time.Second))
	assert.Equal(t, "N2", best.Origin)
}

func TestDecodeBroadcastShortAndLongVariants(t *testing.T) {
	entry := encodeTestEntry(t, "K3CCC", "K3CCC ", "K2BBB", 200)

	short := append([]byte{NodesSignature}, entry...)
	b, ok := DecodeBroadcast(short)
	require.True(t, ok)
	assert.Equal(t, "", b.OriginAlias)
	require.Len(t, b.Entries, 1)
	assert.Equal(t, "K3CCC", b.Entries[0].Destination)
	assert.Equal(t, "K2BBB", b.Entries[0].BestNeighbor)
	assert.Equal(t, 200, b.Entries[0].Quality)

	long := append([]byte{NodesSignature}, []byte("ORIGIN")...)
	long = append(long, entry...)
	b, ok = DecodeBroadcast(long)
	require.True(t, ok)
	assert.Equal(t, "ORIGIN", b.OriginAlias)
	require.Len(t, b.Entries, 1)
}

func TestDecodeBroadcastWithNoValidEntriesIsDropped(t *testing.T) {
	_, ok := DecodeBroadcast([]byte{NodesSignature, 1, 2, 3})
	assert.False(t, ok)
}

func encodeTestEntry(t *testing.T, destCall, destAlias, neighborCall string, quality int) []byte {
	t.Helper()
	out := make([]byte, 0, nodesEntryLen)
	out = append(out, encodeShiftedCall(destCall, 0)...)
	padded := destAlias
	for len(padded) < 6 {
		padded += " "
	}
	out = append(out, []byte(padded[:6])...)
	out = append(out, encodeShiftedCall(neighborCall, 0)...)
	out = append(out, byte(quality))
	return out
}

func encodeShiftedCall(call string, ssid int) []byte {
	padded := call
	for len(padded) < 6 {
		padded += " "
	}
	out := make([]byte, 7)
	for i := 0; i < 6; i++ {
		out[i] = padded[i] << 1
	}
	out[6] = byte(0x60) | (byte(ssid&0x0F) << 1) | 0x01
	return out
}
