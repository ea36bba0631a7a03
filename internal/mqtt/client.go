package mqtt

// cSpell:ignore mqtt
import (
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Connect opens a plain client for the command-line tools. It waits at most
// timeout for the broker to accept.
func Connect(brokerURL, clientID string, timeout time.Duration) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions().AddBroker(brokerURL)
	opts.SetClientID(clientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(timeout)
	c := mqtt.NewClient(opts)
	tok := c.Connect()
	if !tok.WaitTimeout(timeout) {
		return nil, fmt.Errorf("mqtt connect %s: timeout after %v", brokerURL, timeout)
	}
	if err := tok.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect %s: %w", brokerURL, err)
	}
	return c, nil
}

// ClientID builds a unique client id for a tool.
func ClientID(tool string) string {
	return fmt.Sprintf("flowcal-%s-%d", tool, time.Now().UnixNano())
}
