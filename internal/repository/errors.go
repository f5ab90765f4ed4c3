package repository

import "errors"

// 通用的存储库错误
var (
	// ErrNotFound 表示请求的记录未找到
	ErrNotFound = errors.New("repository: record not found")
	// ErrDuplicateEntry 表示尝试插入或更新的数据违反了唯一约束
	ErrDuplicateEntry = errors.New("repository: duplicate entry")
	// ErrConflict 表示乐观事务在重试次数内始终冲突
	ErrConflict = errors.New("repository: optimistic transaction conflict")
	// ErrDocumentStoreUnavailable 表示文档库在启动时连接失败，服务处于降级模式
	ErrDocumentStoreUnavailable = errors.New("repository: document store unavailable")
)

// 特定资源的错误 (基于通用错误创建)
var (
	ErrRoomNotFound    = ErrNotFound
	ErrSessionNotFound = ErrNotFound
)
