package domain

import (
	"errors"
	"time"
)

// 画布尺寸约束
const (
	MinCanvasSize  = 100
	MaxCanvasSize  = 4096
	DefaultCanvasW = 1280
	DefaultCanvasH = 720
)

// ErrInvalidCanvasSize 表示画布尺寸超出 [MinCanvasSize, MaxCanvasSize]
var ErrInvalidCanvasSize = errors.New("canvas width and height must be between 100 and 4096")

// Room 表示一个协作画布房间的持久化文档。
type Room struct {
	ID             uint      `gorm:"primaryKey"`                    // 自增主键
	RoomID         string    `gorm:"uniqueIndex;size:64;not null"` // 对外的房间 ID (uuid)
	CanvasSnapshot *string   `gorm:"type:longtext"`                 // 最近一次合并后的栅格快照 (data URL)，可为空
	CanvasWidth    int       `gorm:"not null;default:1280"`
	CanvasHeight   int       `gorm:"not null;default:720"`
	CreatedAt      time.Time `gorm:"autoCreateTime"`
	UpdatedAt      time.Time `gorm:"autoUpdateTime;index"` // 清理任务按此字段判断房间是否过期
}

// ValidateCanvasSize 校验宽高是否都在允许范围内。
func ValidateCanvasSize(width, height int) error {
	if width < MinCanvasSize || width > MaxCanvasSize || height < MinCanvasSize || height > MaxCanvasSize {
		return ErrInvalidCanvasSize
	}
	return nil
}

// RoomMeta 是房间在共享 Redis 中的元数据 (有 TTL)。
type RoomMeta struct {
	ID           string    `json:"id"`
	CreatedAt    time.Time `json:"createdAt"`
	CreatedBy    string    `json:"createdBy"` // 创建房间的实例 ID
	CanvasWidth  int       `json:"canvasWidth"`
	CanvasHeight int       `json:"canvasHeight"`
	MemberCount  int64     `json:"memberCount"`
}

// Connection 记录一个 socket 与房间、实例的绑定关系。
type Connection struct {
	SocketID string    `json:"socketId"`
	RoomID   string    `json:"roomId"`
	ServerID string    `json:"serverId"`
	JoinedAt time.Time `json:"joinedAt"`
}

// ServerStats 是 /stats 返回的实例统计
type ServerStats struct {
	ServerID         string `json:"serverId"`
	ActiveRooms      int    `json:"activeRooms"`
	TotalConnections int64  `json:"totalConnections"`
	DeadJobs         int64  `json:"deadJobs"`
}
