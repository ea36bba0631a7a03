package catalog

import (
	"sync"

	"github.com/fisaks/flowcal/internal/config"
	"github.com/fisaks/flowcal/internal/controller"
	"github.com/fisaks/flowcal/internal/messaging"
)

// StationCatalogMessage is the retained description of a calibration station.
type StationCatalogMessage struct {
	Station     string                 `json:"station"`
	Controller  LinkSummary            `json:"controller"`
	Balance     LinkSummary            `json:"balance"`
	Calibration CalibrationSummary     `json:"calibration"`
	Device      *controller.DeviceInfo `json:"device,omitempty"`
}

type LinkSummary struct {
	Port   string `json:"port"`
	Baud   int    `json:"baud"`
	Parity string `json:"parity"`
}

type CalibrationSummary struct {
	Version        string    `json:"version"`
	BreakpointMode string    `json:"breakpointMode"`
	SetPoints      []float64 `json:"setPoints"`
	FullScaleFlow  float64   `json:"fullScaleFlow"`
}

type Catalog struct {
	cfg *config.StationConfig

	mu     sync.RWMutex
	device *controller.DeviceInfo
}

func NewStationCatalog(cfg *config.StationConfig) *Catalog {
	cat := Catalog{
		cfg: cfg,
	}
	return &cat
}

// SetDevice records the identity read from the connected controller.
func (catalog *Catalog) SetDevice(info controller.DeviceInfo) {
	catalog.mu.Lock()
	defer catalog.mu.Unlock()
	catalog.device = &info
}

func (catalog *Catalog) Build() *StationCatalogMessage {
	cfg := catalog.cfg
	msg := &StationCatalogMessage{
		Station:    cfg.StationName,
		Controller: summarize(cfg.Controller),
		Balance:    summarize(cfg.Balance),
		Calibration: CalibrationSummary{
			Version:        cfg.Calibration.Version,
			BreakpointMode: cfg.Calibration.BreakpointMode,
			SetPoints:      cfg.Calibration.SetPoints,
			FullScaleFlow:  cfg.Calibration.FullScaleFlow,
		},
	}
	catalog.mu.RLock()
	if catalog.device != nil {
		d := *catalog.device
		msg.Device = &d
	}
	catalog.mu.RUnlock()
	return msg
}

func summarize(l config.LinkConfig) LinkSummary {
	return LinkSummary{Port: l.Port, Baud: l.Baud, Parity: l.Parity}
}

// OnConnectPublish is a messaging.OnConnectPublisher.
func (catalog *Catalog) OnConnectPublish() (messaging.PublishRequest, error) {
	return messaging.PublishRequest{
		Topic:   "catalog",
		Qos:     messaging.AtLeastOnce,
		Retain:  true,
		Payload: catalog.Build(),
	}, nil
}
