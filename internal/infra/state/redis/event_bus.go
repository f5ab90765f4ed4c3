package redisstate

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"collaborative-canvas/internal/domain"
	"collaborative-canvas/internal/repository"
)

// EventBus 是基于 Redis Pub/Sub 的 repository.EventBus 实现。
// 投递语义为至多一次，单个发布者的消息按发布顺序到达。
type EventBus struct {
	client *redis.Client
	keys   keys
}

// NewEventBus 创建 EventBus 实例
func NewEventBus(client *redis.Client, keyPrefix string) *EventBus {
	if client == nil {
		panic("redis client cannot be nil for EventBus")
	}
	return &EventBus{client: client, keys: newKeys(keyPrefix)}
}

// Publish 发布事件
func (b *EventBus) Publish(ctx context.Context, env *domain.Envelope) error {
	channel := b.keys.channel(env.Type.Channel())
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("redis: failed to marshal %s envelope for room %s: %w", env.Type, env.RoomID, err)
	}
	if err := b.client.Publish(ctx, channel, data).Err(); err != nil {
		logrus.WithFields(logrus.Fields{
			"room_id":    env.RoomID,
			"event_type": env.Type,
			"channel":    channel,
		}).WithError(err).Error("Failed to publish event to Redis")
		return fmt.Errorf("redis: failed to publish %s to %s: %w", env.Type, channel, err)
	}
	return nil
}

// Subscribe 订阅 canvas-events 和 room-events
func (b *EventBus) Subscribe(ctx context.Context, handler repository.EnvelopeHandler) (repository.Subscription, error) {
	channels := []string{
		b.keys.channel(domain.ChannelCanvasEvents),
		b.keys.channel(domain.ChannelRoomEvents),
	}
	pubsub := b.client.Subscribe(ctx, channels...)
	// 等待订阅确认，确保返回后发布的消息不会丢失
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("redis: failed to subscribe to %v: %w", channels, err)
	}

	sub := &subscription{pubsub: pubsub, done: make(chan struct{})}
	go sub.loop(handler)
	logrus.WithField("channels", channels).Info("Subscribed to event channels")
	return sub, nil
}

type subscription struct {
	pubsub    *redis.PubSub
	done      chan struct{}
	closeOnce sync.Once
}

func (s *subscription) loop(handler repository.EnvelopeHandler) {
	defer close(s.done)
	for msg := range s.pubsub.Channel() {
		var env domain.Envelope
		if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
			logrus.WithField("channel", msg.Channel).WithError(err).Warn("Dropping malformed envelope")
			continue
		}
		handler(&env)
	}
}

// Close 关闭订阅并等待回调循环退出
func (s *subscription) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.pubsub.Close()
		<-s.done
	})
	return err
}
