// Package httpapi serves station status, the last session and operator
// actions over HTTP.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/fisaks/flowcal/internal/logging"
	"github.com/fisaks/flowcal/internal/mfc"
	"github.com/fisaks/flowcal/internal/station"
	"github.com/fisaks/flowcal/internal/workflow"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Orchestrator interface {
	State() workflow.State
	Enabled() []workflow.Op
	Snapshot() mfc.SessionSnapshot
	Do(op workflow.Op) error
}

type StatusSource interface {
	Status() station.Status
}

type App struct {
	orch   Orchestrator
	status StatusSource
}

type StatusResponse struct {
	station.Status
	State   string        `json:"state"`
	Enabled []workflow.Op `json:"enabled"`
}

func NewRouter(orch Orchestrator, status StatusSource, gatherer prometheus.Gatherer) *mux.Router {
	app := &App{orch: orch, status: status}

	r := mux.NewRouter()
	r.HandleFunc("/api/status", app.statusHandler).Methods("GET")
	r.HandleFunc("/api/session", app.sessionHandler).Methods("GET")
	r.HandleFunc("/api/ops/{op}", app.opHandler).Methods("POST")
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods("GET")
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (app *App) statusHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, StatusResponse{
		Status:  app.status.Status(),
		State:   app.orch.State().String(),
		Enabled: app.orch.Enabled(),
	})
}

func (app *App) sessionHandler(w http.ResponseWriter, r *http.Request) {
	snap := app.orch.Snapshot()
	if snap.ID == "" {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no session yet"})
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (app *App) opHandler(w http.ResponseWriter, r *http.Request) {
	op, err := workflow.ParseOp(mux.Vars(r)["op"])
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err := app.orch.Do(op); err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, workflow.ErrNotAllowed):
			status = http.StatusConflict
		case errors.Is(err, mfc.ErrConnection):
			status = http.StatusServiceUnavailable
		}
		logging.Warn("operation rejected", "op", op, "error", err)
		writeJSON(w, status, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "ok", "state": app.orch.State().String()})
}
