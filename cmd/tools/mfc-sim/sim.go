package main

import (
	"errors"
	"io"

	"github.com/fisaks/flowcal/internal/config"
	"github.com/fisaks/flowcal/internal/logging"
	"github.com/goburrow/serial"
)

// runPortBridge copies bytes between a real serial port and a rig port
// until either side fails.
func runPortBridge(name string, cfg config.LinkConfig, rigPort io.ReadWriteCloser) {
	log := logging.With("instrument", name, "port", cfg.Port)

	port, err := serial.Open(&serial.Config{
		Address:  cfg.Port,
		BaudRate: cfg.Baud,
		DataBits: cfg.DataBits,
		StopBits: cfg.StopBits,
		Parity:   cfg.Parity,
		Timeout:  cfg.Poll(),
	})
	if err != nil {
		logging.Fatal("serial open", "instrument", name, "port", cfg.Port, "error", err)
	}
	defer port.Close()
	defer rigPort.Close()

	go func() {
		if _, err := io.Copy(port, rigPort); err != nil {
			log.Error("rig to serial copy stopped", "error", err)
		}
	}()

	log.Info("simulator ready")
	buf := make([]byte, 256)
	for {
		n, err := port.Read(buf)
		if n > 0 {
			if _, werr := rigPort.Write(buf[:n]); werr != nil {
				log.Error("rig write", "error", werr)
				return
			}
		}
		if err != nil && !errors.Is(err, serial.ErrTimeout) {
			log.Error("serial read", "error", err)
			return
		}
	}
}
