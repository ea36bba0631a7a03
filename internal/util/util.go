package util

import (
	"fmt"
	"strings"
)

// WordsToHex renders 16-bit words as space separated 4-digit hex.
func WordsToHex(words []uint16) string {
	var s strings.Builder
	for i, w := range words {
		if i > 0 {
			s.WriteString(" ")
		}
		fmt.Fprintf(&s, "%04X", w)
	}
	return s.String()
}

// BytesToHex renders bytes as contiguous 2-digit uppercase hex.
func BytesToHex(bs []byte) string {
	var s strings.Builder
	for _, b := range bs {
		fmt.Fprintf(&s, "%02X", b)
	}
	return s.String()
}
