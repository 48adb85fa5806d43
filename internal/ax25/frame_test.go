package ax25

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func mustAddr(t *testing.T, call string, ssid int) Address {
	t.Helper()
	a, err := NewAddress(call, ssid)
	require.NoError(t, err)
	return a
}

func TestFrameRoundTripSABM(t *testing.T) {
	from := mustAddr(t, "N0CALL", 1)
	to := mustAddr(t, "N1CALL", 2)

	pkt := NewSABM(from, to, nil, true)
	raw := EncodeFrame(pkt)

	decoded, err := DecodeFrame(0, raw, time.Unix(0, 0))
	require.NoError(t, err)
	assert.Equal(t, FrameTypeU, decoded.FrameType)
	ut, ok := decoded.UType()
	require.True(t, ok)
	assert.Equal(t, SABM, ut)
	assert.True(t, decoded.PF())
	assert.True(t, decoded.From.Equal(from))
	assert.True(t, decoded.To.Equal(to))
}

func TestFrameRoundTripIWithDigipeaters(t *testing.T) {
	from := mustAddr(t, "N0CALL", 0)
	to := mustAddr(t, "N1CALL", 0)
	via := DigiPath{mustAddr(t, "WIDE1", 1), mustAddr(t, "WIDE2", 2)}

	pkt := NewI(from, to, via, 3, 5, false, PIDNoLayer3, []byte("hello"))
	raw := EncodeFrame(pkt)

	decoded, err := DecodeFrame(0, raw, time.Unix(0, 0))
	require.NoError(t, err)
	assert.Equal(t, FrameTypeI, decoded.FrameType)
	assert.Equal(t, 3, decoded.NS())
	assert.Equal(t, 5, decoded.NR())
	require.Len(t, decoded.Via, 2)
	assert.Equal(t, "WIDE1-1,WIDE2-2", decoded.Via.Signature())
	assert.Equal(t, []byte("hello"), decoded.Info)
}

func TestFrameUIUsesControl0x03(t *testing.T) {
	from := mustAddr(t, "N0CALL", 0)
	to := mustAddr(t, "APRS", 0)
	pkt := NewUI(from, to, nil, false, PIDNoLayer3, []byte("test"))
	assert.Equal(t, byte(0x03), pkt.Control)

	raw := EncodeFrame(pkt)
	decoded, err := DecodeFrame(0, raw, time.Unix(0, 0))
	require.NoError(t, err)
	assert.Equal(t, FrameTypeUI, decoded.FrameType)
}

func TestFrameSupervisoryTypes(t *testing.T) {
	from := mustAddr(t, "N0CALL", 0)
	to := mustAddr(t, "N1CALL", 0)

	for _, st := range []SFrameType{RR, RNR, REJ, SREJ} {
		pkt := NewS(from, to, nil, st, 4, true)
		raw := EncodeFrame(pkt)
		decoded, err := DecodeFrame(0, raw, time.Unix(0, 0))
		require.NoError(t, err)
		assert.Equal(t, FrameTypeS, decoded.FrameType)
		gotType, ok := decoded.SType()
		require.True(t, ok)
		assert.Equal(t, st, gotType)
		assert.Equal(t, 4, decoded.NR())
		assert.True(t, decoded.PF())
	}
}

func TestFrameTooShortRejected(t *testing.T) {
	_, err := DecodeFrame(0, []byte{0x01, 0x02, 0x03}, time.Unix(0, 0))
	assert.ErrorIs(t, err, ErrFrameTooShort)
}

func TestFrameDecodeNeverPanics(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		raw := rapid.SliceOf(rapid.Byte()).Draw(t, "raw")
		assert.NotPanics(t, func() {
			_, _ = DecodeFrame(0, raw, time.Unix(0, 0))
		})
	})
}

func TestInfoTextHeuristic(t *testing.T) {
	p := &Packet{Info: []byte("Hello, World!\r\n")}
	text := p.InfoText()
	require.NotNil(t, text)
	assert.Equal(t, "Hello, World!\r\n", *text)

	binary := &Packet{Info: []byte{0x00, 0x01, 0x02, 0xFF, 0xFE, 'a'}}
	assert.Nil(t, binary.InfoText())
}

func TestFrameRoundTripProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		from := Address{Callsign: rapid.StringMatching(`[A-Z0-9]{1,6}`).Draw(t, "from"), SSID: rapid.IntRange(0, 15).Draw(t, "fromssid")}
		to := Address{Callsign: rapid.StringMatching(`[A-Z0-9]{1,6}`).Draw(t, "to"), SSID: rapid.IntRange(0, 15).Draw(t, "tossid")}
		ns := rapid.IntRange(0, 7).Draw(t, "ns")
		nr := rapid.IntRange(0, 7).Draw(t, "nr")
		info := rapid.SliceOf(rapid.Byte()).Draw(t, "info")

		pkt := NewI(from, to, nil, ns, nr, false, PIDNoLayer3, info)
		raw := EncodeFrame(pkt)
		decoded, err := DecodeFrame(0, raw, time.Unix(0, 0))
		require.NoError(t, err)
		assert.Equal(t, ns, decoded.NS())
		assert.Equal(t, nr, decoded.NR())
		assert.Equal(t, info, decoded.Info)
	})
}
