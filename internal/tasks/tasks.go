package tasks

import (
	"time"

	"collaborative-canvas/internal/domain"
)

// 定义任务类型常量
const (
	TypePersistSnapshot    = "canvas:persist-snapshot" // 写入合并后的快照
	TypePersistReset       = "canvas:persist-reset"    // 清空文档快照
	TypeRoomsCleanup       = "rooms:cleanup"           // 删除长期未更新的房间 (周期任务)
	TypeRoomAnalytics      = "room:analytics"          // 房间人数变化统计
	TypeSnapshotRedelegate = "snapshot:redelegate"     // 无人接手的压缩轮次重新分派
	TypeSnapshotRasterize  = "snapshot:rasterize"      // 服务端兜底栅格化
)

// PersistSnapshotPayload 快照持久化任务
type PersistSnapshotPayload struct {
	RoomID   string `json:"roomId"`
	Snapshot string `json:"snapshot"`
}

// PersistResetPayload 画布重置持久化任务
type PersistResetPayload struct {
	RoomID string `json:"roomId"`
}

// RoomsCleanupPayload 清理任务
type RoomsCleanupPayload struct {
	OlderThanDays int `json:"olderThanDays"`
}

// RoomAnalyticsPayload 房间统计任务
type RoomAnalyticsPayload struct {
	RoomID      string    `json:"roomId"`
	Event       string    `json:"event"`
	MemberCount int64     `json:"memberCount"`
	At          time.Time `json:"at"`
}

// SnapshotRoundPayload 重新分派 / 兜底栅格化任务共用，携带整轮请求
type SnapshotRoundPayload struct {
	Request domain.SnapshotRequest `json:"request"`
}
