package eeprom

import (
	"testing"

	"github.com/fisaks/flowcal/internal/mfc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWordRoundTrip(t *testing.T) {
	for g := 0; g <= 0xFFFF; g++ {
		hi, lo := EncodeWord(uint16(g))
		got, err := DecodeWord(hi, lo)
		require.NoError(t, err)
		if got != uint16(g) {
			t.Fatalf("round trip %d: got %d (%s %s)", g, got, hi, lo)
		}
	}
}

func TestEncodeWord(t *testing.T) {
	hi, lo := EncodeWord(0x2000)
	assert.Equal(t, "20", hi)
	assert.Equal(t, "00", lo)

	hi, lo = EncodeWord(0xA1F)
	assert.Equal(t, "0A", hi)
	assert.Equal(t, "1F", lo)
}

func TestDecodeByte_Malformed(t *testing.T) {
	for _, in := range []string{"", "1", "123", "G0", "-1"} {
		_, err := DecodeByte(in)
		assert.ErrorIs(t, err, mfc.ErrMalformedResponse, "input %q", in)
	}
	b, err := DecodeByte("3a")
	require.NoError(t, err)
	assert.Equal(t, byte(0x3A), b)
}

func TestMemoryMap(t *testing.T) {
	require.Len(t, LinearGain, GainCount)
	assert.Equal(t, WordAddress{Hi: "FB8E", Lo: "FB8F"}, LinearGain[0])
	assert.Equal(t, WordAddress{Hi: "FBA0", Lo: "FBA1"}, LinearGain[9])

	require.Len(t, Breakpoint, BreakpointCount)
	assert.Equal(t, WordAddress{Hi: "FBA2", Lo: "FBA3"}, Breakpoint[0])
	assert.Equal(t, WordAddress{Hi: "FBB4", Lo: "FBB5"}, Breakpoint[9])

	assert.Equal(t, WordAddress{Hi: "FBB6", Lo: "FBB7"}, SpanGain)
	assert.Len(t, SerialNumber, 8)
	assert.Equal(t, Address("FB07"), SerialNumber[7])
}
