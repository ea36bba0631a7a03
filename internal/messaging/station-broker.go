package messaging

import (
	"context"
	"encoding/json"
	"time"

	"github.com/fisaks/flowcal/internal/logging"
	"github.com/fisaks/flowcal/internal/mfc"
	"github.com/fisaks/flowcal/internal/state"
)

const (
	topicSessionState  = "session/state"
	topicSessionResult = "session/result"
	topicEvent         = "event"
	topicCmd           = "cmd"
)

type StationBroker interface {
	Broker
	mfc.SessionPublisher
	StartOperatorSubscriber(ctx context.Context, subscriber mfc.OperatorSubscriber) error
	// RunHeartbeat republishes snapshot() whenever the heartbeat interval
	// passes without a change, until ctx ends.
	RunHeartbeat(ctx context.Context, snapshot func() mfc.SessionSnapshot)
}

type stationBroker struct {
	Broker
	subscriber        mfc.OperatorSubscriber
	cmdSub            Subscription
	sessionState      state.SessionStateStore
	heartbeatInterval time.Duration
}

// Event is the payload published on the event topic.
type Event struct {
	Type   string         `json:"type"`
	At     time.Time      `json:"at"`
	Detail map[string]any `json:"detail,omitempty"`
}

func NewStationBroker(cfg BrokerConfig, catalog OnConnectPublisher, heartbeatInterval time.Duration) StationBroker {
	return newStationBroker(NewMsgBroker(cfg), catalog, heartbeatInterval)
}

func newStationBroker(broker Broker, catalog OnConnectPublisher, heartbeatInterval time.Duration) *stationBroker {
	b := &stationBroker{
		Broker:            broker,
		heartbeatInterval: heartbeatInterval,
		sessionState:      state.NewSessionStateStore(),
	}
	if catalog != nil {
		b.AddOnConnectPublisher("catalog", catalog)
	}
	return b
}

func (b *stationBroker) StartOperatorSubscriber(ctx context.Context, subscriber mfc.OperatorSubscriber) error {
	b.subscriber = subscriber
	sub, err := b.Subscribe(ctx, b.Topic(topicCmd), AtLeastOnce, b.OnMessage)
	if err != nil {
		return err
	}
	b.cmdSub = sub
	return nil
}

// Close releases the cmd subscription before disconnecting.
func (b *stationBroker) Close(ctx context.Context) error {
	if sub := b.cmdSub; sub != nil {
		b.cmdSub = nil
		if err := sub.Unsubscribe(ctx); err != nil {
			logging.Warn("cmd unsubscribe failed", "error", err)
		}
	}
	return b.Broker.Close(ctx)
}

func (b *stationBroker) PublishSession(ctx context.Context, snapshot mfc.SessionSnapshot) error {
	if snapshot.ID == "" {
		return nil
	}
	isChanged := b.sessionState.HasChanged(topicSessionState, snapshot)
	needsHeartbeat := false
	if !isChanged {
		_, lastSent, hasPrev := b.sessionState.GetLast(topicSessionState)

		if b.heartbeatInterval > 0 {
			needsHeartbeat = !hasPrev || time.Since(lastSent) > b.heartbeatInterval
		}
	}
	if !isChanged && !needsHeartbeat {
		return nil
	}

	logging.Debug("Publishing session state", "session", snapshot.ID, "state", snapshot.State, "status", snapshot.Status)
	if err := b.PublishJSON(ctx, b.Topic(topicSessionState), FireAndForget, true, snapshot); err != nil {
		return err
	}
	b.sessionState.Update(topicSessionState, snapshot)

	if isChanged && snapshot.Status != "running" {
		return b.PublishJSON(ctx, b.Topic(topicSessionResult), AtLeastOnce, true, snapshot)
	}
	return nil
}

func (b *stationBroker) PublishEvent(ctx context.Context, typ string, detail map[string]any) error {
	return b.PublishJSON(ctx, b.Topic(topicEvent), FireAndForget, false, Event{Type: typ, At: time.Now(), Detail: detail})
}

func (b *stationBroker) RunHeartbeat(ctx context.Context, snapshot func() mfc.SessionSnapshot) {
	if b.heartbeatInterval <= 0 {
		return
	}
	t := time.NewTicker(b.heartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := b.PublishSession(ctx, snapshot()); err != nil {
				logging.Warn("heartbeat publish failed", "error", err)
			}
		}
	}
}

func (b *stationBroker) OnMessage(ctx context.Context, topic string, payload []byte) {
	logging.Debug("Received cmd message", "topic", topic)
	if b.subscriber == nil {
		return
	}

	var inCommand mfc.IncomingOperatorCommand
	if err := json.Unmarshal(payload, &inCommand); err != nil {
		logging.Warn("cmd json", "topic", topic, "error", err)
		return
	}
	if inCommand.Action == "" {
		logging.Warn("cmd without action", "topic", topic)
		return
	}
	if err := b.subscriber.OnOperatorCommand(ctx, inCommand); err != nil {
		logging.Warn("cmd handling", "action", inCommand.Action, "error", err)
	}
}
