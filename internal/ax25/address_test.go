package ax25

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestAddressDisplayForm(t *testing.T) {
	a, err := NewAddress("kb9vqf", 5)
	require.NoError(t, err)
	assert.Equal(t, "KB9VQF-5", a.String())

	zero, err := NewAddress("n0call", 0)
	require.NoError(t, err)
	assert.Equal(t, "N0CALL", zero.String())
}

func TestAddressEqual(t *testing.T) {
	a, _ := NewAddress("  wide1 ", 1)
	b, _ := NewAddress("WIDE1", 1)
	assert.True(t, a.Equal(b))

	c, _ := NewAddress("WIDE1", 2)
	assert.False(t, a.Equal(c))
}

func TestNewAddressRejectsBadSSID(t *testing.T) {
	_, err := NewAddress("N0CALL", 16)
	assert.Error(t, err)
	_, err = NewAddress("N0CALL", -1)
	assert.Error(t, err)
}

func TestParseAddress(t *testing.T) {
	a, err := ParseAddress("KC9ABC-7")
	require.NoError(t, err)
	assert.Equal(t, "KC9ABC", a.Callsign)
	assert.Equal(t, 7, a.SSID)

	b, err := ParseAddress("KC9ABC")
	require.NoError(t, err)
	assert.Equal(t, 0, b.SSID)
}

func TestAddressEncodeDecodeRoundTrip(t *testing.T) {
	for _, tc := range []struct {
		callsign string
		ssid     int
		repeated bool
		isLast   bool
	}{
		{"N0CALL", 0, false, false},
		{"KB9VQF", 15, true, true},
		{"W9ABC", 7, false, true},
		{"AB", 1, true, false},
	} {
		addr, err := NewAddress(tc.callsign, tc.ssid)
		require.NoError(t, err)
		addr.Repeated = tc.repeated

		encoded := EncodeAddress(addr, tc.isLast)
		require.Len(t, encoded, addressFieldLen)

		decoded, isLast, err := DecodeAddress(encoded)
		require.NoError(t, err)
		assert.Equal(t, addr, decoded)
		assert.Equal(t, tc.isLast, isLast)
	}
}

func TestAddressDecodeAcceptsBothReservedBitVariants(t *testing.T) {
	addr, err := NewAddress("N0CALL", 3)
	require.NoError(t, err)
	encoded060 := EncodeAddress(addr, true)
	require.Equal(t, byte(0x60)|byte(3<<1)|0x01, encoded060[6])

	// The H (has-been-repeated) bit shares the byte with the fixed 0x60
	// reserved bits, producing the 0xE0 variant seen on the wire.
	encodedE0 := append([]byte(nil), encoded060...)
	encodedE0[6] |= 0x80

	decoded, _, err := DecodeAddress(encodedE0)
	require.NoError(t, err)
	assert.True(t, decoded.Repeated)
}

func TestAddressRoundTripProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		callsign := rapid.StringMatching(`[A-Z0-9]{1,6}`).Draw(t, "callsign")
		ssid := rapid.IntRange(0, 15).Draw(t, "ssid")
		repeated := rapid.Bool().Draw(t, "repeated")
		isLast := rapid.Bool().Draw(t, "isLast")

		addr, err := NewAddress(callsign, ssid)
		require.NoError(t, err)
		addr.Repeated = repeated

		encoded := EncodeAddress(addr, isLast)
		decoded, gotLast, err := DecodeAddress(encoded)
		require.NoError(t, err)
		assert.Equal(t, addr, decoded)
		assert.Equal(t, isLast, gotLast)
	})
}

func TestDigiPathSignature(t *testing.T) {
	assert.Equal(t, "", DigiPath{}.Signature())

	w1, _ := NewAddress("WIDE1", 1)
	w2, _ := NewAddress("WIDE2", 2)
	assert.Equal(t, "WIDE1-1,WIDE2-2", DigiPath{w1, w2}.Signature())
}
