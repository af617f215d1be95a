package events

import (
	"context"
	"fmt"
	"time"

	apperrors "github.com/PancyStudios/DiggerBotGo/pkg/errors"
	"github.com/PancyStudios/DiggerBotGo/pkg/logger"
	"github.com/PancyStudios/DiggerBotGo/pkg/mqtt"
	"github.com/google/uuid"
)

// Broker is the publishing side of the MQTT communicator.
type Broker interface {
	Publish(topic string, payload interface{}) error
	IsConnected() bool
}

// BrokerPublisher sends every event to digger/events/<type>.
type BrokerPublisher struct {
	broker Broker
	now    func() time.Time
}

// NewBrokerPublisher creates a publisher on top of b.
func NewBrokerPublisher(b Broker) *BrokerPublisher {
	return &BrokerPublisher{broker: b, now: func() time.Time { return time.Now().UTC() }}
}

// Topic returns the topic events of type t are published on.
func Topic(t Type) string {
	return fmt.Sprintf("%s/events/%s", mqtt.Namespace, t)
}

// Publish fills the id and timestamp and sends the event in the background.
// Events are dropped while the broker is disconnected.
func (p *BrokerPublisher) Publish(_ context.Context, e Event) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.At.IsZero() {
		e.At = p.now()
	}
	if !p.broker.IsConnected() {
		logger.Debug(fmt.Sprintf("Broker desconectado, evento %s descartado", e.Type), "Events")
		return
	}
	apperrors.Go(func() {
		if err := p.broker.Publish(Topic(e.Type), e); err != nil {
			logger.Warn(fmt.Sprintf("No se pudo publicar el evento %s: %v", e.Type, err), "Events")
		}
	})
}
