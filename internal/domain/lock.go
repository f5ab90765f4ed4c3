package domain

import (
	"encoding/json"
	"time"
)

// LockKind 压缩协议使用的锁
type LockKind string

const (
	// LockSnapshotTrigger 每个房间同一时刻只有一轮压缩
	LockSnapshotTrigger LockKind = "snapshot-trigger"
	// LockSnapshotDelegate 每轮只有一个实例负责挑选客户端
	LockSnapshotDelegate LockKind = "snapshot-delegate"
	// LockSnapshotRound 值为当前轮次 ID，用于识别过期的提交和重试
	LockSnapshotRound LockKind = "snapshot-round"
)

// DefaultLockTTL 锁过期时间，也是崩溃恢复的唯一超时
const DefaultLockTTL = 30 * time.Second

// DeadJob 是重试耗尽后写入死信列表的任务记录
type DeadJob struct {
	ID       string          `json:"id"`
	Type     string          `json:"type"`
	Queue    string          `json:"queue"`
	Payload  json.RawMessage `json:"payload"`
	Attempts int             `json:"attempts"`
	Error    string          `json:"error"`
	FailedAt time.Time       `json:"failedAt"`
}
