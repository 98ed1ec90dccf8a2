package chathub

import (
	"context"
	"encoding/json"

	"safechat/backend/internal/storage"

	"go.uber.org/zap"
)

// StartRelayListener subscribes to the relay and feeds events published by
// other instances into the hub loop. It returns when ctx ends.
func (m *ManagerService) StartRelayListener(ctx context.Context) error {
	if m.relay == nil {
		<-ctx.Done()
		return nil
	}

	pubsub := m.relay.SubscribeRelay(ctx, m.relayPrefix)
	defer pubsub.Close()

	// Wait for the subscription to be confirmed before reporting ready.
	if _, err := pubsub.Receive(ctx); err != nil {
		return err
	}
	m.log.Info("relay listener started", zap.String("prefix", m.relayPrefix))

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			m.HandleRelayMessage(ctx, msg.Payload)
		}
	}
}

// HandleRelayMessage decodes one relay payload and delivers it locally.
// Envelopes published by this instance were already delivered and are skipped.
func (m *ManagerService) HandleRelayMessage(ctx context.Context, payload string) {
	var env storage.RelayEnvelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		m.log.Warn("malformed relay payload", zap.Error(err))
		return
	}
	if env.Origin == m.origin {
		return
	}

	event := env.Event
	event.Recipient = env.Recipient
	if err := m.enqueue(ctx, event); err != nil {
		m.log.Debug("relay event not delivered", zap.Error(err))
	}
}
