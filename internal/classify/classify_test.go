package classify

import (
	"testing"

	"github.com/axterm-go/engine/internal/ax25"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustAddr(t *testing.T, call string) ax25.Address {
	t.Helper()
	a, err := ax25.NewAddress(call, 0)
	require.NoError(t, err)
	return a
}

func TestClassifyDataProgress(t *testing.T) {
	pkt := ax25.NewI(mustAddr(t, "N0CALL"), mustAddr(t, "N1CALL"), nil, 0, 0, false, ax25.PIDNoLayer3, []byte("hi"))
	assert.Equal(t, DataProgress, Classify(pkt, false))
}

func TestClassifyEmptyIFrameIsAckOnly(t *testing.T) {
	pkt := ax25.NewI(mustAddr(t, "N0CALL"), mustAddr(t, "N1CALL"), nil, 0, 0, false, ax25.PIDNoLayer3, nil)
	assert.Equal(t, AckOnly, Classify(pkt, false))
}

func TestClassifyRoutingBroadcast(t *testing.T) {
	pid := byte(ax25.PIDNetRom)
	pkt := &ax25.Packet{
		From:      mustAddr(t, "K1AAA"),
		To:        mustAddr(t, "NODES"),
		FrameType: ax25.FrameTypeUI,
		PID:       &pid,
	}
	assert.Equal(t, RoutingBroadcast, Classify(pkt, false))
}

func TestClassifyUIBeacon(t *testing.T) {
	pkt := ax25.NewUI(mustAddr(t, "N0CALL"), mustAddr(t, "APRS"), nil, false, ax25.PIDNoLayer3, []byte("beacon"))
	assert.Equal(t, UIBeacon, Classify(pkt, false))
}

func TestClassifySessionControl(t *testing.T) {
	pkt := ax25.NewSABM(mustAddr(t, "N0CALL"), mustAddr(t, "N1CALL"), nil, true)
	assert.Equal(t, SessionControl, Classify(pkt, false))
}

func TestClassifyAckOnly(t *testing.T) {
	pkt := ax25.NewS(mustAddr(t, "N0CALL"), mustAddr(t, "N1CALL"), nil, ax25.RR, 1, false)
	assert.Equal(t, AckOnly, Classify(pkt, false))
}

func TestClassifyDuplicateOverridesFrameType(t *testing.T) {
	pkt := ax25.NewI(mustAddr(t, "N0CALL"), mustAddr(t, "N1CALL"), nil, 0, 0, false, ax25.PIDNoLayer3, []byte("hi"))
	assert.Equal(t, RetryOrDuplicate, Classify(pkt, true))
}

func TestForwardWeightMatchesSpecTable(t *testing.T) {
	assert.Equal(t, 1.0, ForwardWeight(DataProgress))
	assert.Equal(t, 0.8, ForwardWeight(RoutingBroadcast))
	assert.Equal(t, 0.4, ForwardWeight(UIBeacon))
	assert.Equal(t, 0.1, ForwardWeight(AckOnly))
	assert.Equal(t, 0.0, ForwardWeight(RetryOrDuplicate))
}
