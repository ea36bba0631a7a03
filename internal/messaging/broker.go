package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/fisaks/flowcal/internal/logging"
	"github.com/fisaks/flowcal/internal/mfc"
)

const (
	defaultTokenTimeout = 5 * time.Second
	unsubscribeTimeout  = 3 * time.Second
	disconnectQuiesceMs = 250
)

var errNoClient = errors.New("mqtt client not initialized")

type BrokerConfig struct {
	BrokerURL        string
	ClientName       string
	TopicPrefix      string
	ConnectTimeout   time.Duration
	PublishTimeout   time.Duration
	SubscribeTimeout time.Duration
}

type PublishRequest struct {
	// If Context is nil, context.Background() is used
	Context      context.Context
	Topic        string
	Qos          QoS
	Retain       bool
	PayloadBytes []byte
	Payload      interface{}
}

// OnConnectPublisher builds a message sent after every (re)connect. Its
// topic is relative to the broker prefix.
type OnConnectPublisher func() (PublishRequest, error)

// route is a live subscription, replayed after a reconnect.
type route struct {
	ctx     context.Context
	qos     QoS
	handler MessageHandler
}

// MsgBroker is the station's paho client.
type MsgBroker struct {
	cfg       BrokerConfig
	newClient func(*mqtt.ClientOptions) mqtt.Client
	log       *slog.Logger

	mu        sync.RWMutex
	client    mqtt.Client
	routes    map[string]route
	onConnect map[string]OnConnectPublisher
}

func NewMsgBroker(cfg BrokerConfig) *MsgBroker {
	return &MsgBroker{
		cfg:       cfg,
		newClient: mqtt.NewClient,
		log:       logging.With("broker", cfg.BrokerURL, "client", cfg.ClientName),
		routes:    make(map[string]route),
		onConnect: make(map[string]OnConnectPublisher),
	}
}

func (b *MsgBroker) Connect(ctx context.Context) error {
	b.mu.Lock()
	if b.client == nil {
		b.client = b.newClient(b.options())
	}
	c := b.client
	b.mu.Unlock()

	if c.IsConnected() {
		return nil
	}
	if err := b.await(ctx, c.Connect(), b.cfg.ConnectTimeout, "connect"); err != nil {
		c.Disconnect(disconnectQuiesceMs)
		return err
	}
	b.log.Info("mqtt connected")
	return nil
}

// Topic joins parts under the configured prefix.
func (b *MsgBroker) Topic(parts ...string) string {
	if b.cfg.TopicPrefix == "" {
		return strings.Join(parts, "/")
	}
	return b.cfg.TopicPrefix + "/" + strings.Join(parts, "/")
}

func (b *MsgBroker) options() *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions().AddBroker(b.cfg.BrokerURL)
	opts.SetClientID("flowcal-" + b.cfg.ClientName)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(b.cfg.ConnectTimeout)
	opts.OnConnect = b.onConnected
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		b.log.Warn("mqtt connection lost", "error", err)
	}
	return opts
}

func (b *MsgBroker) AddOnConnectPublisher(id string, fn OnConnectPublisher) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onConnect[id] = fn
}

// onConnected restores subscriptions, then runs the on-connect publishers.
// It runs on paho's goroutine, so the work is handed off.
func (b *MsgBroker) onConnected(c mqtt.Client) {
	b.mu.RLock()
	routes := maps.Clone(b.routes)
	publishers := maps.Clone(b.onConnect)
	b.mu.RUnlock()

	go func() {
		for topic, r := range routes {
			tok := c.Subscribe(topic, byte(r.qos), b.dispatch(r))
			if err := b.await(context.Background(), tok, b.cfg.SubscribeTimeout, "resubscribe "+topic); err != nil {
				b.log.Error("resubscribe failed", "topic", topic, "error", err)
			}
		}
		for id, fn := range publishers {
			b.runOnConnect(id, fn)
		}
	}()
}

func (b *MsgBroker) runOnConnect(id string, fn OnConnectPublisher) {
	req, err := fn()
	if err != nil {
		b.log.Error("on-connect message failed", "id", id, "error", err)
		return
	}
	ctx := req.Context
	if ctx == nil {
		ctx = context.Background()
	}
	topic := b.Topic(req.Topic)
	if req.PayloadBytes == nil {
		err = b.PublishJSON(ctx, topic, req.Qos, req.Retain, req.Payload)
	} else {
		err = b.Publish(ctx, topic, req.Qos, req.Retain, req.PayloadBytes)
	}
	if err != nil {
		b.log.Error("on-connect publish failed", "id", id, "topic", topic, "error", err)
	}
}

func (b *MsgBroker) IsConnected() bool {
	c := b.current()
	return c != nil && c.IsConnected()
}

func (b *MsgBroker) Close(ctx context.Context) error {
	c := b.current()
	if c == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		c.Disconnect(disconnectQuiesceMs)
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *MsgBroker) Publish(ctx context.Context, topic string, qos QoS, retain bool, payload []byte) error {
	c := b.current()
	if c == nil {
		return errNoClient
	}
	if qos > ExactlyOnce {
		c.Publish(topic, byte(AtMostOnce), retain, payload)
		return nil
	}
	return b.await(ctx, c.Publish(topic, byte(qos), retain, payload), b.cfg.PublishTimeout, "publish "+topic)
}

func (b *MsgBroker) PublishJSON(ctx context.Context, topic string, qos QoS, retain bool, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Publish(ctx, topic, qos, retain, data)
}

// Subscribe registers handler and waits for the SUBACK. The subscription
// survives reconnects until it is unsubscribed.
func (b *MsgBroker) Subscribe(ctx context.Context, topic string, qos QoS, handler MessageHandler) (Subscription, error) {
	c := b.current()
	if c == nil {
		return nil, errNoClient
	}
	r := route{ctx: ctx, qos: qos, handler: handler}
	if err := b.await(ctx, c.Subscribe(topic, byte(qos), b.dispatch(r)), b.cfg.SubscribeTimeout, "subscribe "+topic); err != nil {
		return nil, err
	}

	b.mu.Lock()
	b.routes[topic] = r
	b.mu.Unlock()
	return &msgSubscription{broker: b, topic: topic}, nil
}

// dispatch runs handler off paho's goroutine and survives handler panics.
func (b *MsgBroker) dispatch(r route) mqtt.MessageHandler {
	return func(_ mqtt.Client, msg mqtt.Message) {
		go func() {
			defer func() {
				if p := recover(); p != nil {
					b.log.Error("mqtt handler panic", "topic", msg.Topic(), "panic", p)
				}
			}()
			r.handler(r.ctx, msg.Topic(), msg.Payload())
		}()
	}
}

func (b *MsgBroker) current() mqtt.Client {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.client
}

// await waits for tok, bounded by timeout (default 5s) and ctx.
func (b *MsgBroker) await(ctx context.Context, tok mqtt.Token, timeout time.Duration, what string) error {
	if timeout <= 0 {
		timeout = defaultTokenTimeout
	}
	t := time.NewTimer(timeout)
	defer t.Stop()

	select {
	case <-tok.Done():
		if err := tok.Error(); err != nil {
			return fmt.Errorf("%s: %w", what, err)
		}
		return nil
	case <-t.C:
		return fmt.Errorf("%w: %s after %v", mfc.ErrTimeout, what, timeout)
	case <-ctx.Done():
		return mfc.FromContext(ctx.Err())
	}
}

type msgSubscription struct {
	broker *MsgBroker
	topic  string
}

func (s *msgSubscription) Unsubscribe(ctx context.Context) error {
	b := s.broker
	b.mu.Lock()
	delete(b.routes, s.topic)
	b.mu.Unlock()

	c := b.current()
	if c == nil {
		return errNoClient
	}
	return b.await(ctx, c.Unsubscribe(s.topic), unsubscribeTimeout, "unsubscribe "+s.topic)
}
