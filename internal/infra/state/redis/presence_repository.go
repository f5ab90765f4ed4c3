package redisstate

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"collaborative-canvas/internal/domain"
	"collaborative-canvas/internal/repository"
)

// PresenceRepository 是 repository.PresenceRepository 的 Redis 实现。
type PresenceRepository struct {
	client *redis.Client
	keys   keys
}

// NewPresenceRepository 创建 PresenceRepository 实例
func NewPresenceRepository(client *redis.Client, keyPrefix string) *PresenceRepository {
	if client == nil {
		panic("redis client cannot be nil for PresenceRepository")
	}
	return &PresenceRepository{client: client, keys: newKeys(keyPrefix)}
}

// Join 记录连接，返回房间成员数
func (r *PresenceRepository) Join(ctx context.Context, conn domain.Connection) (int64, error) {
	membersKey := r.keys.roomMembers(conn.RoomID)
	var card *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, r.keys.socket(conn.SocketID), map[string]interface{}{
			"roomid":   conn.RoomID,
			"serverId": conn.ServerID,
			"joinedAt": conn.JoinedAt.UTC().Format(time.RFC3339Nano),
		})
		pipe.SAdd(ctx, membersKey, conn.SocketID)
		pipe.SAdd(ctx, r.keys.activeRooms(), conn.RoomID)
		card = pipe.SCard(ctx, membersKey)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("redis: failed to record join of socket %s to room %s: %w", conn.SocketID, conn.RoomID, err)
	}
	return card.Val(), nil
}

// Leave 删除连接记录，返回原连接和剩余成员数
func (r *PresenceRepository) Leave(ctx context.Context, socketID string) (*domain.Connection, int64, error) {
	socketKey := r.keys.socket(socketID)
	fields, err := r.client.HGetAll(ctx, socketKey).Result()
	if err != nil {
		return nil, 0, fmt.Errorf("redis: failed to read socket %s: %w", socketKey, err)
	}
	roomID := fields["roomid"]
	if roomID == "" {
		return nil, 0, repository.ErrNotFound
	}
	conn := &domain.Connection{
		SocketID: socketID,
		RoomID:   roomID,
		ServerID: fields["serverId"],
	}
	if t, perr := time.Parse(time.RFC3339Nano, fields["joinedAt"]); perr == nil {
		conn.JoinedAt = t
	}

	membersKey := r.keys.roomMembers(roomID)
	var card *redis.IntCmd
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SRem(ctx, membersKey, socketID)
		pipe.Del(ctx, socketKey)
		card = pipe.SCard(ctx, membersKey)
		return nil
	})
	if err != nil {
		return nil, 0, fmt.Errorf("redis: failed to record leave of socket %s: %w", socketID, err)
	}

	remaining := card.Val()
	if remaining == 0 {
		if err := r.client.SRem(ctx, r.keys.activeRooms(), roomID).Err(); err != nil {
			return conn, 0, fmt.Errorf("redis: failed to deactivate room %s: %w", roomID, err)
		}
	}
	return conn, remaining, nil
}

// MemberCount 返回房间成员数
func (r *PresenceRepository) MemberCount(ctx context.Context, roomID string) (int64, error) {
	n, err := r.client.SCard(ctx, r.keys.roomMembers(roomID)).Result()
	if err != nil {
		return 0, fmt.Errorf("redis: failed to count members of room %s: %w", roomID, err)
	}
	return n, nil
}

// ActiveRooms 返回有成员的房间数
func (r *PresenceRepository) ActiveRooms(ctx context.Context) (int64, error) {
	n, err := r.client.SCard(ctx, r.keys.activeRooms()).Result()
	if err != nil {
		return 0, fmt.Errorf("redis: failed to count active rooms: %w", err)
	}
	return n, nil
}

// AddServerConnection 调整实例连接计数
func (r *PresenceRepository) AddServerConnection(ctx context.Context, serverID string, delta int64) (int64, error) {
	key := r.keys.serverConnections(serverID)
	n, err := r.client.IncrBy(ctx, key, delta).Result()
	if err != nil {
		return 0, fmt.Errorf("redis: failed to update connection counter %s: %w", key, err)
	}
	return n, nil
}

// ServerConnections 返回实例连接计数
func (r *PresenceRepository) ServerConnections(ctx context.Context, serverID string) (int64, error) {
	key := r.keys.serverConnections(serverID)
	v, err := r.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("redis: failed to read connection counter %s: %w", key, err)
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("redis: failed to parse connection counter '%s' from %s: %w", v, key, err)
	}
	return n, nil
}
