package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/fisaks/flowcal/internal/eeprom"
	"github.com/fisaks/flowcal/internal/sim"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func call(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, strings.NewReader(body)))
	return rec
}

func TestRigState(t *testing.T) {
	rig := sim.NewRig(1000, 0)
	h := newRestMux(rig)

	rec := call(t, h, http.MethodGet, "/rig", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var st RigState
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, "07", st.Address)
	assert.Equal(t, "SIM00001", st.SerialNumber)
	assert.Equal(t, "53494D3030303031", st.SerialHex)
	assert.Equal(t, "4000", st.SpanGain)
	assert.Len(t, st.GainWords, eeprom.GainCount)
}

func TestSetWord(t *testing.T) {
	rig := sim.NewRig(1000, 0)
	h := newRestMux(rig)

	rec := call(t, h, http.MethodPut, "/rig/word/gain/3", `{"value": 4660}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, uint16(0x1234), rig.Word(eeprom.LinearGain[3]))

	assert.Equal(t, http.StatusBadRequest, call(t, h, http.MethodPut, "/rig/word/gain/10", `{"value": 1}`).Code)
	assert.Equal(t, http.StatusNotFound, call(t, h, http.MethodGet, "/rig/word/nope/0", "").Code)
	assert.Equal(t, http.StatusBadRequest, call(t, h, http.MethodPut, "/rig/word/span/0", `{"bogus": 1}`).Code)
}

func TestFaultInjection(t *testing.T) {
	rig := sim.NewRig(1000, 0)
	h := newRestMux(rig)

	require.Equal(t, http.StatusOK, call(t, h, http.MethodPost, "/rig/silent", `{"silent": true}`).Code)
	assert.Empty(t, rig.ControllerRespond("RA"))

	assert.Equal(t, http.StatusBadRequest, call(t, h, http.MethodPost, "/rig/balance-noise", `{"lines": []}`).Code)
	assert.Equal(t, http.StatusAccepted, call(t, h, http.MethodPost, "/rig/balance-noise", `{"lines": ["ES"]}`).Code)
	lines := rig.BalanceRespond("Q")
	require.NotEmpty(t, lines)
	assert.Equal(t, "ES", lines[0])
}
