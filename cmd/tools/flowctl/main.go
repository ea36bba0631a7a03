package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/fisaks/flowcal/internal/mfc"
	mymqtt "github.com/fisaks/flowcal/internal/mqtt"
	"github.com/fisaks/flowcal/internal/workflow"
	"github.com/google/uuid"
)

func usage() {
	fmt.Fprintf(os.Stderr, `Usage:
  flowctl op --station STATION --action ACTION

Required flags for 'op':
  --station  (string)   Name of the calibration station
  --action   (string)   One of: zero-send, zero-ok, span-ok, cancel

  Optional flags:
  --broker   (string)   MQTT broker address (default: tcp://localhost:1883)
  --prefix   (string)   Topic prefix (default: flowcal/STATION)

`)
}

// buildCommand validates the action and returns the topic and payload to publish.
func buildCommand(station, prefix, action string) (string, []byte, error) {
	if station == "" {
		return "", nil, fmt.Errorf("--station is required")
	}
	op, err := workflow.ParseOp(action)
	if err != nil {
		return "", nil, err
	}
	if !workflow.AcceptsRemote(op) {
		return "", nil, fmt.Errorf("%s cannot be sent remotely, start sessions at the station", op)
	}
	if prefix == "" {
		prefix = "flowcal/" + station
	}
	payload, err := json.Marshal(mfc.IncomingOperatorCommand{ID: uuid.NewString(), Action: string(op)})
	if err != nil {
		return "", nil, err
	}
	return prefix + "/cmd", payload, nil
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintf(os.Stderr, "Missing command (e.g. op)\n")
		usage()
		os.Exit(2)
	}

	cmd := os.Args[1]
	if cmd != "op" {
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		usage()
		os.Exit(2)
	}

	opFlags := flag.NewFlagSet("op", flag.ExitOnError)
	station := opFlags.String("station", "", "Station name (required)")
	action := opFlags.String("action", "", "Operation (required)")
	prefix := opFlags.String("prefix", "", "Topic prefix")
	broker := opFlags.String("broker", "tcp://localhost:1883", "MQTT broker address")
	opFlags.Usage = usage

	if err := opFlags.Parse(os.Args[2:]); err != nil {
		os.Exit(2)
	}

	topic, payload, err := buildCommand(*station, *prefix, *action)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		usage()
		os.Exit(2)
	}

	client, err := mymqtt.Connect(*broker, mymqtt.ClientID("flowctl"), 10*time.Second)
	if err != nil {
		fmt.Fprintf(os.Stderr, "MQTT connect error: %v\n", err)
		os.Exit(1)
	}
	defer client.Disconnect(250)

	token := client.Publish(topic, 1, false, payload)
	if !token.WaitTimeout(5 * time.Second) {
		fmt.Fprintf(os.Stderr, "MQTT publish timeout\n")
		os.Exit(1)
	}
	if token.Error() != nil {
		fmt.Fprintf(os.Stderr, "MQTT publish error: %v\n", token.Error())
		os.Exit(1)
	}

	fmt.Printf("%s published to %s\n", *action, topic)
}
