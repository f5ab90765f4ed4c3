package repository

import (
	"context"
	"time"

	"collaborative-canvas/internal/domain"
)

// LockRepository 基于 SET NX EX 的互斥锁。锁过期是唯一的超时机制。
type LockRepository interface {
	// TryAcquire 尝试获取锁，已被占用时返回 false 且不报错。
	TryAcquire(ctx context.Context, kind domain.LockKind, roomID, value string, ttl time.Duration) (bool, error)

	// Holder 返回锁当前的值，锁不存在时返回空字符串。
	Holder(ctx context.Context, kind domain.LockKind, roomID string) (string, error)

	// Release 无条件释放锁
	Release(ctx context.Context, kinds []domain.LockKind, roomID string) error

	// ReleaseIfHeld 仅当锁的值等于 value 时释放，返回是否释放。
	ReleaseIfHeld(ctx context.Context, kind domain.LockKind, roomID, value string) (bool, error)
}
