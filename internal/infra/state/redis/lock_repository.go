package redisstate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"collaborative-canvas/internal/domain"
)

// releaseIfHeldScript 比较后删除，避免释放别人的锁
var releaseIfHeldScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// LockRepository 是 repository.LockRepository 的 Redis 实现 (SET NX EX)。
type LockRepository struct {
	client *redis.Client
	keys   keys
}

// NewLockRepository 创建 LockRepository 实例
func NewLockRepository(client *redis.Client, keyPrefix string) *LockRepository {
	if client == nil {
		panic("redis client cannot be nil for LockRepository")
	}
	return &LockRepository{client: client, keys: newKeys(keyPrefix)}
}

// TryAcquire 尝试获取锁
func (r *LockRepository) TryAcquire(ctx context.Context, kind domain.LockKind, roomID, value string, ttl time.Duration) (bool, error) {
	key := r.keys.lock(kind, roomID)
	ok, err := r.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis: failed to acquire lock %s: %w", key, err)
	}
	return ok, nil
}

// Holder 返回锁的当前值
func (r *LockRepository) Holder(ctx context.Context, kind domain.LockKind, roomID string) (string, error) {
	key := r.keys.lock(kind, roomID)
	v, err := r.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", nil
		}
		return "", fmt.Errorf("redis: failed to read lock %s: %w", key, err)
	}
	return v, nil
}

// Release 无条件释放一组锁
func (r *LockRepository) Release(ctx context.Context, kinds []domain.LockKind, roomID string) error {
	if len(kinds) == 0 {
		return nil
	}
	lockKeys := make([]string, 0, len(kinds))
	for _, kind := range kinds {
		lockKeys = append(lockKeys, r.keys.lock(kind, roomID))
	}
	if err := r.client.Del(ctx, lockKeys...).Err(); err != nil {
		return fmt.Errorf("redis: failed to release locks %v: %w", lockKeys, err)
	}
	return nil
}

// ReleaseIfHeld 仅当锁值匹配时释放
func (r *LockRepository) ReleaseIfHeld(ctx context.Context, kind domain.LockKind, roomID, value string) (bool, error) {
	key := r.keys.lock(kind, roomID)
	n, err := releaseIfHeldScript.Run(ctx, r.client, []string{key}, value).Int64()
	if err != nil {
		return false, fmt.Errorf("redis: failed to release lock %s: %w", key, err)
	}
	return n == 1, nil
}
