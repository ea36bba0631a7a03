// Package station owns the two instrument links of a calibration bench and
// the protocol clients running over them.
package station

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/fisaks/flowcal/internal/balance"
	"github.com/fisaks/flowcal/internal/catalog"
	"github.com/fisaks/flowcal/internal/config"
	"github.com/fisaks/flowcal/internal/controller"
	"github.com/fisaks/flowcal/internal/link"
	"github.com/fisaks/flowcal/internal/logging"
)

type Station struct {
	cfg *config.StationConfig
	log *slog.Logger

	ControllerLink *link.Link
	BalanceLink    *link.Link
	Controller     *controller.Controller
	Balance        *balance.Balance
	Catalog        *catalog.Catalog
}

// Status is what the HTTP API and console report about the bench.
type Status struct {
	Station             string                 `json:"station"`
	ControllerConnected bool                   `json:"controllerConnected"`
	BalanceConnected    bool                   `json:"balanceConnected"`
	Device              *controller.DeviceInfo `json:"device,omitempty"`
}

// New builds the station. dialCtrl and dialBal default to real serial ports.
func New(cfg *config.StationConfig, dialCtrl, dialBal link.Dialer) *Station {
	ctrlLink := link.New("controller", cfg.Controller, dialCtrl)
	balLink := link.New("balance", cfg.Balance, dialBal)
	return &Station{
		cfg:            cfg,
		log:            logging.With("station", cfg.StationName),
		ControllerLink: ctrlLink,
		BalanceLink:    balLink,
		Controller:     controller.New(ctrlLink, cfg.Controller.Timeout()),
		Balance:        balance.New(balLink, cfg.Balance.Delimiter, cfg.Calibration.BalanceTimeout()),
		Catalog:        catalog.NewStationCatalog(cfg),
	}
}

// ConnectController opens and verifies the controller link, then reads the
// device identity into the catalog.
func (s *Station) ConnectController(ctx context.Context) error {
	if err := s.ControllerLink.Connect(ctx, s.Controller.Verify); err != nil {
		return err
	}
	info, err := s.Controller.ReadInfo(ctx)
	if err != nil {
		s.log.Warn("read device info failed", "error", err)
		return nil
	}
	s.Catalog.SetDevice(info)
	s.log.Info("controller identified", "serial", info.SerialNumber, "spanGain", info.SpanGain)
	return nil
}

func (s *Station) ConnectBalance(ctx context.Context) error {
	return s.BalanceLink.Connect(ctx, s.Balance.Verify)
}

// Connect brings up both links; the first failure is returned.
func (s *Station) Connect(ctx context.Context) error {
	if err := s.ConnectController(ctx); err != nil {
		return fmt.Errorf("controller: %w", err)
	}
	if err := s.ConnectBalance(ctx); err != nil {
		return fmt.Errorf("balance: %w", err)
	}
	return nil
}

func (s *Station) Disconnect() {
	s.ControllerLink.Disconnect()
	s.BalanceLink.Disconnect()
}

func (s *Station) IsControllerConnected() bool { return s.ControllerLink.IsOpen() }
func (s *Station) IsBalanceConnected() bool    { return s.BalanceLink.IsOpen() }

func (s *Station) Status() Status {
	return Status{
		Station:             s.cfg.StationName,
		ControllerConnected: s.IsControllerConnected(),
		BalanceConnected:    s.IsBalanceConnected(),
		Device:              s.Catalog.Build().Device,
	}
}
