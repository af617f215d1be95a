package events

import (
	"context"
	"fmt"
	"time"

	"github.com/PancyStudios/DiggerBotGo/pkg/logger"
	"github.com/PancyStudios/DiggerBotGo/pkg/models"
	"github.com/PancyStudios/DiggerBotGo/pkg/mqtt"
)

// Request topics served over the broker.
const (
	TopicRebuild = "aggregate/rebuild"
	TopicTop     = "aggregate/top"
	TopicStats   = "stats"
)

const rpcTimeout = 30 * time.Second

// Admin is what the RPC handlers need from the game service.
type Admin interface {
	Rebuild(ctx context.Context) (int, error)
	TopN(ctx context.Context, n int) ([]models.GlobalStat, error)
	Statistics(ctx context.Context) (models.EconomyStats, error)
}

// Responder registers request handlers, like mqtt.MqttCommunicator.
type Responder interface {
	On(topic string, handler mqtt.RequestHandler) error
}

// Handlers builds the request handlers by topic.
func Handlers(admin Admin) map[string]mqtt.RequestHandler {
	return map[string]mqtt.RequestHandler{
		TopicRebuild: func(map[string]interface{}) (interface{}, error) {
			ctx, cancel := context.WithTimeout(context.Background(), rpcTimeout)
			defer cancel()
			n, err := admin.Rebuild(ctx)
			if err != nil {
				return nil, err
			}
			return map[string]interface{}{"users": n}, nil
		},
		TopicTop: func(p map[string]interface{}) (interface{}, error) {
			ctx, cancel := context.WithTimeout(context.Background(), rpcTimeout)
			defer cancel()
			n := 0
			if v, ok := p["n"].(float64); ok {
				n = int(v)
			}
			return admin.TopN(ctx, n)
		},
		TopicStats: func(map[string]interface{}) (interface{}, error) {
			ctx, cancel := context.WithTimeout(context.Background(), rpcTimeout)
			defer cancel()
			return admin.Statistics(ctx)
		},
	}
}

// Register subscribes every handler on r.
func Register(r Responder, admin Admin) error {
	for topic, h := range Handlers(admin) {
		if err := r.On(topic, h); err != nil {
			return fmt.Errorf("register %s: %w", topic, err)
		}
		logger.System(fmt.Sprintf("Handler MQTT registrado: %s", mqtt.RequestTopic(topic)), "Events")
	}
	return nil
}
