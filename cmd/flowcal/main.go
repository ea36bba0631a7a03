package main

// cSpell:ignore mqtt
import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fisaks/flowcal/internal/config"
	"github.com/fisaks/flowcal/internal/console"
	"github.com/fisaks/flowcal/internal/httpapi"
	"github.com/fisaks/flowcal/internal/logging"
	"github.com/fisaks/flowcal/internal/messaging"
	"github.com/fisaks/flowcal/internal/metrics"
	"github.com/fisaks/flowcal/internal/mfc"
	"github.com/fisaks/flowcal/internal/station"
	"github.com/fisaks/flowcal/internal/workflow"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	path := getenv("FLOWCAL_CONFIG_PATH", "/etc/flowcal/station.yaml")

	logging.Init()
	cfg, err := config.LoadStationConfig(path)
	if err != nil {
		logging.Fatal("Station config error", "error", err)
	}
	if name := os.Getenv("STATION_NAME"); name != "" {
		cfg.StationName = name
	}
	if url := os.Getenv("MQTT_URL"); url != "" {
		if cfg.Mqtt == nil {
			cfg.Mqtt = &config.MqttConfig{TopicPrefix: "flowcal/" + cfg.StationName, HeartbeatInterval: 60}
		}
		cfg.Mqtt.BrokerURL = url
	}

	logging.Info("Loaded config",
		"station", cfg.StationName,
		"controller", cfg.Controller.Port,
		"balance", cfg.Balance.Port,
		"version", cfg.Calibration.Version,
		"breakpointMode", cfg.Calibration.BreakpointMode,
	)

	// Graceful shutdown context
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	term, err := console.New(cfg.StationName)
	if err != nil {
		logging.Fatal("console init", "error", err)
	}
	logging.SetOutput(term.Stderr())

	st := station.New(cfg, nil, nil)
	connectCtx, connectCancel := context.WithTimeout(ctx, 10*time.Second)
	if err := st.Connect(connectCtx); err != nil {
		logging.Error("Station links not ready, use 'connect' to retry", "error", err)
	}
	connectCancel()
	defer st.Disconnect()

	var pub mfc.SessionPublisher
	var broker messaging.StationBroker
	if cfg.Mqtt != nil {
		broker = messaging.NewStationBroker(messaging.BrokerConfig{
			BrokerURL:        cfg.Mqtt.BrokerURL,
			ClientName:       cfg.StationName,
			TopicPrefix:      cfg.Mqtt.TopicPrefix,
			ConnectTimeout:   10 * time.Second,
			PublishTimeout:   5 * time.Second,
			SubscribeTimeout: 5 * time.Second,
		}, st.Catalog.OnConnectPublish, time.Duration(cfg.Mqtt.HeartbeatInterval)*time.Second)

		if err := broker.Connect(ctx); err != nil {
			logging.Error("MQTT connect failed, continuing offline", "broker", cfg.Mqtt.BrokerURL, "error", err)
		}
		defer broker.Close(context.Background())
		pub = broker
	}

	orch := workflow.New(cfg.Calibration, st.Controller, st.Balance, term, st, pub)
	term.Attach(orch, st)

	if broker != nil {
		if err := broker.StartOperatorSubscriber(ctx, orch); err != nil {
			logging.Error("operator subscriber", "error", err)
		}
		go broker.RunHeartbeat(ctx, orch.Snapshot)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	if err := metrics.Register(reg); err != nil {
		logging.Fatal("metrics register", "error", err)
	}

	var srv *http.Server
	if cfg.Http != nil {
		srv = &http.Server{
			Addr:              cfg.Http.Listen,
			Handler:           httpapi.NewRouter(orch, st, reg),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logging.Info("HTTP API listening", "addr", cfg.Http.Listen)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logging.Error("HTTP server", "error", err)
			}
		}()
	}

	go term.Run(ctx, cancel)

	// Wait for SIGINT/SIGTERM or the console quitting
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case s := <-sigCh:
		logging.Info("Shutting down", "signal", s)
	case <-ctx.Done():
		logging.Info("Shutting down", "reason", "console exit")
	}

	// A running session returns the controller to idle before it ends
	_ = orch.Cancel()
	orch.Wait()
	cancel()

	if srv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = srv.Shutdown(shutdownCtx)
		shutdownCancel()
	}
	logging.Info("bye")
}
