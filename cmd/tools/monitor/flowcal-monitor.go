package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/fisaks/flowcal/internal/catalog"
	"github.com/fisaks/flowcal/internal/messaging"
	"github.com/fisaks/flowcal/internal/mfc"
	mymqtt "github.com/fisaks/flowcal/internal/mqtt"
	"github.com/fisaks/flowcal/internal/util"
)

func readCatalogMessage(payload []byte) (string, error) {
	var msg catalog.StationCatalogMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return "", err
	}
	line := fmt.Sprintf("station=%s controller=%s balance=%s version=%s mode=%s",
		msg.Station, msg.Controller.Port, msg.Balance.Port, msg.Calibration.Version, msg.Calibration.BreakpointMode)
	if d := msg.Device; d != nil {
		line += fmt.Sprintf(" serial=%s spanGain=%04X", d.SerialNumber, d.SpanGain)
	}
	return line, nil
}

// readSessionMessage renders a snapshot on one line with table words in hex.
func readSessionMessage(payload []byte) (string, error) {
	var snap mfc.SessionSnapshot
	if err := json.Unmarshal(payload, &snap); err != nil {
		return "", err
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s state=%s status=%s", snap.Kind, snap.ID, snap.State, snap.Status)
	if snap.Error != "" {
		fmt.Fprintf(&b, " error=%q", snap.Error)
	}
	if len(snap.Rows) > 0 {
		fmt.Fprintf(&b, " rows=%d", len(snap.Rows))
	}
	if snap.SpanGain != 0 {
		fmt.Fprintf(&b, " spanGain=%04X", snap.SpanGain)
	}
	if len(snap.Gains) > 0 {
		fmt.Fprintf(&b, " gains=[%s]", util.WordsToHex(snap.Gains))
	}
	if len(snap.Breakpts) > 0 {
		fmt.Fprintf(&b, " breakpoints=[%s]", util.WordsToHex(snap.Breakpts))
	}
	return b.String(), nil
}

func readEventMessage(payload []byte) (string, error) {
	var ev messaging.Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return "", err
	}
	detail, err := json.Marshal(ev.Detail)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s %s %s", ev.At.Format(time.TimeOnly), ev.Type, detail), nil
}

func format(topic string, payload []byte) string {
	var (
		line string
		err  error
	)
	switch {
	case strings.HasSuffix(topic, "/catalog"):
		line, err = readCatalogMessage(payload)
	case strings.HasSuffix(topic, "/session/state"), strings.HasSuffix(topic, "/session/result"):
		line, err = readSessionMessage(payload)
	case strings.HasSuffix(topic, "/event"):
		line, err = readEventMessage(payload)
	default:
		line = string(payload)
	}
	if err != nil {
		return fmt.Sprintf("%s %s (error: %v)", topic, string(payload), err)
	}
	return fmt.Sprintf("%s %s", topic, line)
}

func main() {
	var broker, topic string
	flag.StringVar(&broker, "broker", "tcp://localhost:1883", "MQTT broker address")
	flag.StringVar(&topic, "topic", "flowcal/#", "MQTT topic filter")
	flag.Parse()

	client, err := mymqtt.Connect(broker, mymqtt.ClientID("monitor"), 10*time.Second)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("Connected to MQTT broker %s, subscribing to %s...\n", broker, topic)

	handler := func(_ mqtt.Client, msg mqtt.Message) {
		fmt.Println(format(msg.Topic(), msg.Payload()))
	}
	if token := client.Subscribe(topic, 0, handler); token.Wait() && token.Error() != nil {
		log.Fatal(token.Error())
	}

	// Wait for interrupt
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		fmt.Println("\nShutting down...")
		cancel()
	}()
	<-ctx.Done()
	client.Disconnect(200)
}
