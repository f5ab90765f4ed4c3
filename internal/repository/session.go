package repository

import (
	"context"

	"collaborative-canvas/internal/domain"
)

// SessionMutation 在事务内修改会话。返回错误时放弃写入，错误原样返回给调用者。
type SessionMutation func(s *domain.Session) error

// SessionRepository 定义了房间撤销/重做会话的共享存储操作。
type SessionRepository interface {
	// Get 读取会话，不存在时返回 ErrSessionNotFound。
	Get(ctx context.Context, roomID string) (*domain.Session, error)

	// Init 会话不存在时写入 initial，返回存储中的当前会话。
	Init(ctx context.Context, initial *domain.Session) (*domain.Session, error)

	// Mutate 以乐观事务执行读-改-写，会话不存在时从空会话开始。
	// 重试耗尽返回 ErrConflict。
	Mutate(ctx context.Context, roomID string, fn SessionMutation) (*domain.Session, error)

	// Delete 删除会话
	Delete(ctx context.Context, roomID string) error
}
