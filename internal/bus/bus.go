// Package bus provides the event bus implementations CardGuard publishes
// decisions, alerts and ingested transactions on.
package bus

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/cardguard/internal/domain"
)

// New creates an event bus based on configuration.
// "channel" returns an in-process ChannelBus, "nats" a NATSBus.
func New(cfg domain.EventBusConfig) (domain.EventBus, error) {
	switch cfg.Type {
	case "channel", "":
		return NewChannelBus(cfg.ChannelBufferSize), nil

	case "nats":
		return NewNATSBus(cfg)

	default:
		return nil, fmt.Errorf("unsupported event bus type: %s", cfg.Type)
	}
}

func newMessage(topic string, payload []byte) *domain.Message {
	return &domain.Message{
		ID:        uuid.New().String(),
		Topic:     topic,
		Payload:   payload,
		Metadata:  make(map[string]string),
		Timestamp: time.Now().UnixNano(),
	}
}
