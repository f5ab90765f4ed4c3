package repository

import (
	"context"

	"collaborative-canvas/internal/domain"
)

// PresenceRepository 维护 socket 与房间的绑定、成员集合和连接计数。
type PresenceRepository interface {
	// Join 记录连接并返回房间最新成员数。
	Join(ctx context.Context, conn domain.Connection) (int64, error)

	// Leave 删除连接记录，返回原连接信息和房间剩余成员数。
	// socket 未加入任何房间时返回 ErrNotFound。
	Leave(ctx context.Context, socketID string) (*domain.Connection, int64, error)

	// MemberCount 返回房间当前成员数
	MemberCount(ctx context.Context, roomID string) (int64, error)

	// ActiveRooms 返回至少有一个成员的房间数
	ActiveRooms(ctx context.Context) (int64, error)

	// AddServerConnection 调整实例连接计数，返回新值。
	AddServerConnection(ctx context.Context, serverID string, delta int64) (int64, error)

	// ServerConnections 返回实例连接计数
	ServerConnections(ctx context.Context, serverID string) (int64, error)
}
