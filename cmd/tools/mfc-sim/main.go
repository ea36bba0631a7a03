package main

import (
	"os"
	"strconv"

	"github.com/fisaks/flowcal/internal/config"
	"github.com/fisaks/flowcal/internal/logging"
	"github.com/fisaks/flowcal/internal/sim"
)

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// mfc-sim serves a simulated controller and balance on the far ends of two
// serial port pairs (for example socat pty pairs) and exposes the rig
// over REST for fault injection.
func main() {
	logging.Init()
	configPath := os.Getenv("SIM_CONFIG_PATH")
	if configPath == "" {
		logging.Fatal("SIM_CONFIG_PATH not set")
	}
	cfg, err := config.LoadStationConfig(configPath)
	if err != nil {
		logging.Fatal("Station config error", "error", err)
	}

	nonlinearity, err := strconv.ParseFloat(getenv("SIM_NONLINEARITY", "0.05"), 64)
	if err != nil {
		logging.Fatal("SIM_NONLINEARITY", "error", err)
	}
	rig := sim.NewRig(cfg.Calibration.FullScaleFlow, nonlinearity)

	ctrl := cfg.Controller
	ctrl.Port = getenv("SIM_CONTROLLER_PORT", ctrl.Port)
	bal := cfg.Balance
	bal.Port = getenv("SIM_BALANCE_PORT", bal.Port)

	go runPortBridge("controller", ctrl, rig.ControllerPort())
	go runPortBridge("balance", bal, rig.BalancePort())

	if err := StartRestAPI(rig, getenv("SIM_LISTEN", ":8090")); err != nil {
		logging.Fatal("REST API", "error", err)
	}
}
