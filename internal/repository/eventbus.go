package repository

import (
	"context"

	"collaborative-canvas/internal/domain"
)

// EnvelopeHandler 处理从总线收到的事件
type EnvelopeHandler func(env *domain.Envelope)

// Subscription 是一次订阅，Close 后不再回调。
type Subscription interface {
	Close() error
}

// EventBus 是跨实例的发布订阅通道。
type EventBus interface {
	// Publish 发布到事件类型对应的频道
	Publish(ctx context.Context, env *domain.Envelope) error

	// Subscribe 订阅所有频道，返回前订阅已确认生效。
	Subscribe(ctx context.Context, handler EnvelopeHandler) (Subscription, error)
}
