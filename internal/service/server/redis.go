package server

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"e2e_sync/internal/model"
	"e2e_sync/internal/service/redis"
	"e2e_sync/internal/utils/log"
)

const eventChannelPrefix = "conv:"

// RedisRelay publishes events through Redis so every server instance delivers
// them to its own websocket clients.
type RedisRelay struct {
	redisService *redis.RedisService
	hub          *Hub
}

func NewRedisRelay(redisSvc *redis.RedisService, hub *Hub) *RedisRelay {
	return &RedisRelay{redisService: redisSvc, hub: hub}
}

func eventChannel(conversationID string) string {
	return fmt.Sprintf("%s%s", eventChannelPrefix, conversationID)
}

func (c *RedisRelay) PublishEvent(ctx context.Context, ev model.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return c.redisService.Publish(ctx, eventChannel(ev.Row.ConversationID), data)
}

// Run relays published events to the local hub until ctx is done.
func (c *RedisRelay) Run(ctx context.Context) error {
	return c.redisService.PSubscribe(ctx, eventChannelPrefix+"*", func(channel, payload string) {
		var ev model.Event
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			log.Error("Unmarshal event failed", zap.String("channel", channel), zap.Error(err))
			return
		}
		if conv := strings.TrimPrefix(channel, eventChannelPrefix); conv != ev.Row.ConversationID {
			log.Warn("event on foreign channel", zap.String("channel", channel))
			return
		}
		c.hub.Deliver(ev)
	})
}
