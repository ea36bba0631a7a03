// Package eeprom describes the controller's non-volatile memory map and the
// fixed-point hex encoding used for every word stored in it.
package eeprom

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/fisaks/flowcal/internal/mfc"
)

// Address is a symbolic EEPROM location, four uppercase hex digits.
type Address string

// WordAddress holds the big (high) and little (low) byte locations of a 16-bit word.
type WordAddress struct {
	Hi Address
	Lo Address
}

const (
	GainCount       = 10
	BreakpointCount = 10
	// WrittenBreakpoints is how many breakpoint words the workflow persists;
	// the last slot keeps its firmware value.
	WrittenBreakpoints = 9
)

var (
	SerialNumber  = byteRange(0xFB00, 8)
	VOCalibration = wordAt(0xFB10)
	LinearGain    = wordRange(0xFB8E, GainCount)
	Breakpoint    = wordRange(0xFBA2, BreakpointCount)
	SpanGain      = wordAt(0xFBB6)
)

// Field names an entry of the device info table.
type Field int

const (
	FieldSerialNumber Field = iota
	FieldVOCalibration
	FieldSpanGain
)

type InfoEntry struct {
	Field     Field
	Addresses []Address
}

// InfoTable lists the fields read by controller.ReadInfo, in wire order.
var InfoTable = []InfoEntry{
	{Field: FieldSerialNumber, Addresses: SerialNumber},
	{Field: FieldVOCalibration, Addresses: []Address{VOCalibration.Hi, VOCalibration.Lo}},
	{Field: FieldSpanGain, Addresses: []Address{SpanGain.Hi, SpanGain.Lo}},
}

func addr(a uint16) Address { return Address(fmt.Sprintf("%04X", a)) }

func byteRange(start uint16, n int) []Address {
	out := make([]Address, n)
	for i := range out {
		out[i] = addr(start + uint16(i))
	}
	return out
}

func wordAt(start uint16) WordAddress {
	return WordAddress{Hi: addr(start), Lo: addr(start + 1)}
}

func wordRange(start uint16, n int) []WordAddress {
	out := make([]WordAddress, n)
	for i := range out {
		out[i] = wordAt(start + uint16(2*i))
	}
	return out
}

/* =========================
   Hex codec
   ========================= */

// EncodeByte renders b as two uppercase hex digits.
func EncodeByte(b byte) string { return fmt.Sprintf("%02X", b) }

// DecodeByte parses exactly two hex digits.
func DecodeByte(s string) (byte, error) {
	if len(s) != 2 {
		return 0, fmt.Errorf("%w: hex byte %q", mfc.ErrMalformedResponse, s)
	}
	v, err := strconv.ParseUint(s, 16, 8)
	if err != nil {
		return 0, fmt.Errorf("%w: hex byte %q", mfc.ErrMalformedResponse, s)
	}
	return byte(v), nil
}

// EncodeWord splits w into its big and little hex byte pair.
func EncodeWord(w uint16) (hi, lo string) {
	return EncodeByte(byte(w >> 8)), EncodeByte(byte(w))
}

func DecodeWord(hi, lo string) (uint16, error) {
	h, err := DecodeByte(strings.ToUpper(hi))
	if err != nil {
		return 0, err
	}
	l, err := DecodeByte(strings.ToUpper(lo))
	if err != nil {
		return 0, err
	}
	return uint16(h)<<8 | uint16(l), nil
}

func SplitWord(w uint16) (hi, lo byte) { return byte(w >> 8), byte(w) }

func JoinWord(hi, lo byte) uint16 { return uint16(hi)<<8 | uint16(lo) }
