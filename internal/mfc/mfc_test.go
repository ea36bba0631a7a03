package mfc

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		err  error
		want Kind
	}{
		{nil, KindNone},
		{fmt.Errorf("read: %w", ErrTimeout), KindTimeout},
		{context.DeadlineExceeded, KindTimeout},
		{context.Canceled, KindCanceled},
		{ErrNotOpen, KindConnection},
		{fmt.Errorf("%w: short", ErrMalformedResponse), KindMalformedResponse},
		{ErrHandshakeRejected, KindHandshakeRejected},
		{ErrVerifyMismatch, KindVerifyMismatch},
		{ErrIO, KindIO},
		{errors.New("boom"), KindOther},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, KindOf(tt.err), "%v", tt.err)
	}
	assert.True(t, IsCanceled(fmt.Errorf("sweep: %w", ErrCanceled)))
	assert.Equal(t, "malformed_response", KindMalformedResponse.String())
}

func TestFromContext(t *testing.T) {
	assert.NoError(t, FromContext(nil))
	assert.ErrorIs(t, FromContext(context.DeadlineExceeded), ErrTimeout)
	assert.ErrorIs(t, FromContext(context.Canceled), ErrCanceled)
}

func TestCommandString(t *testing.T) {
	assert.Equal(t, "query(OV)", NewQuery("OV").String())
	assert.Equal(t, "fire_and_forget(NM)", NewFireAndForget("NM").String())
	assert.Equal(t, "handshake(SP,050.0)", NewHandshake("SP", "050.0").String())
	assert.Equal(t, "eeprom_read(FB00)", NewEepromRead("FB00").String())

	w := NewEepromWrite("FBB6", 0x0A)
	assert.True(t, w.IsWrite())
	assert.False(t, NewEepromRead("FBB6").IsWrite())
	assert.Equal(t, "eeprom_write(FBB6,0A)", w.String())
}
