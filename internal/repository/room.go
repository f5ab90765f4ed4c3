package repository

import (
	"context"
	"time"

	"collaborative-canvas/internal/domain"
)

// RoomRepository 定义了房间文档 (持久化存储) 的操作。
type RoomRepository interface {
	// FindByRoomID 根据对外房间 ID 查找文档，不存在时返回 ErrRoomNotFound。
	FindByRoomID(ctx context.Context, roomID string) (*domain.Room, error)

	// Create 创建房间文档，房间 ID 冲突时返回 ErrDuplicateEntry。
	Create(ctx context.Context, room *domain.Room) error

	// Ensure 文档不存在时以给定值创建，存在时原样返回。
	Ensure(ctx context.Context, room *domain.Room) (*domain.Room, error)

	// UpdateSnapshot 写入 (或清空) 栅格快照并刷新 UpdatedAt，文档不存在时创建。
	UpdateSnapshot(ctx context.Context, roomID string, snapshot *string) error

	// DeleteUpdatedBefore 删除 UpdatedAt 早于 cutoff 的房间，返回被删除的房间 ID。
	DeleteUpdatedBefore(ctx context.Context, cutoff time.Time) ([]string, error)
}

// RoomMetaRepository 定义了共享存储中房间元数据 (带 TTL) 的操作。
type RoomMetaRepository interface {
	Save(ctx context.Context, meta *domain.RoomMeta, ttl time.Duration) error
	// Get 不存在时返回 ErrRoomNotFound
	Get(ctx context.Context, roomID string) (*domain.RoomMeta, error)
}
