package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWordsToHex(t *testing.T) {
	assert.Equal(t, "", WordsToHex(nil))
	assert.Equal(t, "2000 0A1B FFFF", WordsToHex([]uint16{0x2000, 0x0A1B, 0xFFFF}))
}

func TestBytesToHex(t *testing.T) {
	assert.Equal(t, "00FF7E", BytesToHex([]byte{0x00, 0xFF, 0x7E}))
}
