package redisstate

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"collaborative-canvas/internal/domain"
	"collaborative-canvas/internal/repository"
)

// RoomMetaRepository 是 repository.RoomMetaRepository 的 Redis 实现。
type RoomMetaRepository struct {
	client *redis.Client
	keys   keys
}

// NewRoomMetaRepository 创建 RoomMetaRepository 实例
func NewRoomMetaRepository(client *redis.Client, keyPrefix string) *RoomMetaRepository {
	if client == nil {
		panic("redis client cannot be nil for RoomMetaRepository")
	}
	return &RoomMetaRepository{client: client, keys: newKeys(keyPrefix)}
}

// Save 写入元数据并设置过期
func (r *RoomMetaRepository) Save(ctx context.Context, meta *domain.RoomMeta, ttl time.Duration) error {
	key := r.keys.roomMeta(meta.ID)
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, map[string]interface{}{
			"id":           meta.ID,
			"createdAt":    meta.CreatedAt.UTC().Format(time.RFC3339Nano),
			"createdBy":    meta.CreatedBy,
			"canvasWidth":  meta.CanvasWidth,
			"canvasHeight": meta.CanvasHeight,
		})
		if ttl > 0 {
			pipe.Expire(ctx, key, ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis: failed to save room meta %s: %w", key, err)
	}
	return nil
}

// Get 读取元数据
func (r *RoomMetaRepository) Get(ctx context.Context, roomID string) (*domain.RoomMeta, error) {
	key := r.keys.roomMeta(roomID)
	fields, err := r.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: failed to get room meta %s: %w", key, err)
	}
	if len(fields) == 0 {
		return nil, repository.ErrRoomNotFound
	}
	meta := &domain.RoomMeta{
		ID:        fields["id"],
		CreatedBy: fields["createdBy"],
	}
	if meta.ID == "" {
		meta.ID = roomID
	}
	meta.CanvasWidth, _ = strconv.Atoi(fields["canvasWidth"])
	meta.CanvasHeight, _ = strconv.Atoi(fields["canvasHeight"])
	if t, perr := time.Parse(time.RFC3339Nano, fields["createdAt"]); perr == nil {
		meta.CreatedAt = t
	}
	return meta, nil
}
