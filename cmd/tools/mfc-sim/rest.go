package main

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/fisaks/flowcal/internal/eeprom"
	"github.com/fisaks/flowcal/internal/logging"
	"github.com/fisaks/flowcal/internal/sim"
	"github.com/fisaks/flowcal/internal/util"
)

type RigState struct {
	Address      string   `json:"address"`
	SetPoint     float64  `json:"setPoint"`
	Flow         float64  `json:"flow"` // mg/min
	ZeroSets     int      `json:"zeroSets"`
	IdleCount    int      `json:"idleCount"`
	SerialNumber string   `json:"serialNumber"`
	SerialHex    string   `json:"serialHex"`
	SpanGain     string   `json:"spanGain"`
	Gains        string   `json:"gains"`
	Breakpoints  string   `json:"breakpoints"`
	GainWords    []uint16 `json:"gainWords"`
}

type restAPI struct {
	rig *sim.Rig
}

func newRestMux(rig *sim.Rig) *http.ServeMux {
	api := &restAPI{rig: rig}
	mux := http.NewServeMux()

	mux.HandleFunc("GET /rig", api.getRigHandler)
	mux.HandleFunc("GET /rig/word/{table}/{index}", api.getWordHandler)
	mux.HandleFunc("PUT /rig/word/{table}/{index}", api.setWordHandler)

	// fault injection
	mux.HandleFunc("POST /rig/silent", api.silentHandler)
	mux.HandleFunc("POST /rig/reject-handshake", api.rejectHandler)
	mux.HandleFunc("POST /rig/balance-noise", api.noiseHandler)
	return mux
}

func StartRestAPI(rig *sim.Rig, addr string) error {
	logging.Info("MFC simulator REST API listening", "addr", addr)
	return http.ListenAndServe(addr, newRestMux(rig))
}

/* ------------------------ helpers: json & errors ------------------------ */

func readJSON(r *http.Request, dst any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func fail(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func wordTable(w http.ResponseWriter, table, index string) (eeprom.WordAddress, bool) {
	var words []eeprom.WordAddress
	switch table {
	case "gain":
		words = eeprom.LinearGain
	case "breakpoint":
		words = eeprom.Breakpoint
	case "span":
		words = []eeprom.WordAddress{eeprom.SpanGain}
	case "vo":
		words = []eeprom.WordAddress{eeprom.VOCalibration}
	default:
		fail(w, http.StatusNotFound, "table must be one of: gain, breakpoint, span, vo")
		return eeprom.WordAddress{}, false
	}
	i, err := strconv.Atoi(index)
	if err != nil || i < 0 || i >= len(words) {
		fail(w, http.StatusBadRequest, "invalid index")
		return eeprom.WordAddress{}, false
	}
	return words[i], true
}

func (api *restAPI) words(table []eeprom.WordAddress) []uint16 {
	out := make([]uint16, len(table))
	for i, wa := range table {
		out[i] = api.rig.Word(wa)
	}
	return out
}

/* ------------------------------ handlers -------------------------------- */

func (api *restAPI) getRigHandler(w http.ResponseWriter, r *http.Request) {
	serial := api.rig.Bytes(eeprom.SerialNumber)
	gains := api.words(eeprom.LinearGain)
	writeJSON(w, http.StatusOK, RigState{
		Address:      api.rig.Address(),
		SetPoint:     api.rig.SetPoint(),
		Flow:         api.rig.Flow(),
		ZeroSets:     api.rig.ZeroSets(),
		IdleCount:    api.rig.IdleCount(),
		SerialNumber: string(serial),
		SerialHex:    util.BytesToHex(serial),
		SpanGain:     util.WordsToHex([]uint16{api.rig.Word(eeprom.SpanGain)}),
		Gains:        util.WordsToHex(gains),
		Breakpoints:  util.WordsToHex(api.words(eeprom.Breakpoint)),
		GainWords:    gains,
	})
}

func (api *restAPI) getWordHandler(w http.ResponseWriter, r *http.Request) {
	wa, ok := wordTable(w, r.PathValue("table"), r.PathValue("index"))
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]uint16{"value": api.rig.Word(wa)})
}

func (api *restAPI) setWordHandler(w http.ResponseWriter, r *http.Request) {
	wa, ok := wordTable(w, r.PathValue("table"), r.PathValue("index"))
	if !ok {
		return
	}
	var payload struct {
		Value uint16 `json:"value"`
	}
	if err := readJSON(r, &payload); err != nil {
		fail(w, http.StatusBadRequest, "invalid json")
		return
	}
	api.rig.SetWord(wa, payload.Value)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (api *restAPI) silentHandler(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Silent bool `json:"silent"`
	}
	if err := readJSON(r, &payload); err != nil {
		fail(w, http.StatusBadRequest, "invalid json")
		return
	}
	api.rig.SetSilent(payload.Silent)
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "silent": payload.Silent})
}

func (api *restAPI) rejectHandler(w http.ResponseWriter, r *http.Request) {
	api.rig.RejectNextHandshake()
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (api *restAPI) noiseHandler(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Lines []string `json:"lines"`
	}
	if err := readJSON(r, &payload); err != nil || len(payload.Lines) == 0 {
		fail(w, http.StatusBadRequest, "lines required")
		return
	}
	api.rig.InjectBalanceNoise(payload.Lines...)
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "queued", "count": len(payload.Lines)})
}
