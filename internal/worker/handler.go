package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"collaborative-canvas/internal/metrics"
	"collaborative-canvas/internal/repository"
	"collaborative-canvas/internal/tasks"
)

// PersistenceHandler 处理房间文档相关的任务: 快照持久化、重置、清理和统计
type PersistenceHandler struct {
	rooms         repository.RoomRepository
	sessions      repository.SessionRepository
	retentionDays int
}

// NewPersistenceHandler 创建 Handler 实例
func NewPersistenceHandler(rooms repository.RoomRepository, sessions repository.SessionRepository, retentionDays int) *PersistenceHandler {
	if rooms == nil || sessions == nil {
		panic("all dependencies must be non-nil for PersistenceHandler")
	}
	if retentionDays <= 0 {
		retentionDays = 7
	}
	return &PersistenceHandler{rooms: rooms, sessions: sessions, retentionDays: retentionDays}
}

// taskLogger 带任务元数据的日志上下文
func taskLogger(ctx context.Context, t *asynq.Task) *logrus.Entry {
	taskID, _ := asynq.GetTaskID(ctx)
	queue, _ := asynq.GetQueueName(ctx)
	retry, _ := asynq.GetRetryCount(ctx)
	maxRetry, _ := asynq.GetMaxRetry(ctx)
	return logrus.WithFields(logrus.Fields{
		"task_id":   taskID,
		"task_type": t.Type(),
		"queue":     queue,
		"retry":     retry,
		"max_retry": maxRetry,
	})
}

// decodePayload 解析失败的任务不会重试
func decodePayload(t *asynq.Task, v interface{}) error {
	if err := json.Unmarshal(t.Payload(), v); err != nil {
		return fmt.Errorf("failed to unmarshal %s payload: %v: %w", t.Type(), err, asynq.SkipRetry)
	}
	return nil
}

// observe 记录任务结果
func observe(t *asynq.Task, err error) error {
	result := "success"
	if err != nil {
		result = "failure"
	}
	metrics.JobsProcessed.WithLabelValues(t.Type(), result).Inc()
	return err
}

// PersistSnapshot 写入合并后的快照 (文档不存在时创建)
func (h *PersistenceHandler) PersistSnapshot(ctx context.Context, t *asynq.Task) error {
	logCtx := taskLogger(ctx, t)

	var payload tasks.PersistSnapshotPayload
	if err := decodePayload(t, &payload); err != nil {
		logCtx.WithError(err).Error("Failed to unmarshal task payload")
		return observe(t, err)
	}
	if payload.RoomID == "" || payload.Snapshot == "" {
		return observe(t, fmt.Errorf("persist-snapshot requires roomId and snapshot: %w", asynq.SkipRetry))
	}

	snapshot := payload.Snapshot
	if err := h.rooms.UpdateSnapshot(ctx, payload.RoomID, &snapshot); err != nil {
		logCtx.WithField("room_id", payload.RoomID).WithError(err).Error("Failed to persist snapshot")
		return observe(t, fmt.Errorf("persist snapshot for room %s: %w", payload.RoomID, err))
	}
	logCtx.WithField("room_id", payload.RoomID).Info("Snapshot persisted")
	return observe(t, nil)
}

// PersistReset 清空文档快照
func (h *PersistenceHandler) PersistReset(ctx context.Context, t *asynq.Task) error {
	logCtx := taskLogger(ctx, t)

	var payload tasks.PersistResetPayload
	if err := decodePayload(t, &payload); err != nil {
		logCtx.WithError(err).Error("Failed to unmarshal task payload")
		return observe(t, err)
	}
	if payload.RoomID == "" {
		return observe(t, fmt.Errorf("persist-reset requires roomId: %w", asynq.SkipRetry))
	}

	if err := h.rooms.UpdateSnapshot(ctx, payload.RoomID, nil); err != nil {
		logCtx.WithField("room_id", payload.RoomID).WithError(err).Error("Failed to persist canvas reset")
		return observe(t, fmt.Errorf("persist reset for room %s: %w", payload.RoomID, err))
	}
	logCtx.WithField("room_id", payload.RoomID).Info("Canvas reset persisted")
	return observe(t, nil)
}

// RoomsCleanup 删除长期未更新的房间及其会话 (周期任务)
func (h *PersistenceHandler) RoomsCleanup(ctx context.Context, t *asynq.Task) error {
	logCtx := taskLogger(ctx, t)

	days := h.retentionDays
	var payload tasks.RoomsCleanupPayload
	if len(t.Payload()) > 0 {
		if err := decodePayload(t, &payload); err != nil {
			return observe(t, err)
		}
		if payload.OlderThanDays > 0 {
			days = payload.OlderThanDays
		}
	}
	cutoff := time.Now().AddDate(0, 0, -days)

	deleted, err := h.rooms.DeleteUpdatedBefore(ctx, cutoff)
	if errors.Is(err, repository.ErrDocumentStoreUnavailable) {
		logCtx.Warn("Document store unavailable, skipping room cleanup")
		return observe(t, nil)
	}
	if err != nil {
		logCtx.WithError(err).Error("Failed to delete stale rooms")
		return observe(t, fmt.Errorf("cleanup rooms older than %s: %w", cutoff.Format(time.RFC3339), err))
	}

	// 会话清理失败不影响任务结果
	for _, roomID := range deleted {
		if err := h.sessions.Delete(ctx, roomID); err != nil {
			logCtx.WithField("room_id", roomID).WithError(err).Warn("Failed to delete session of stale room")
		}
	}
	logCtx.WithFields(logrus.Fields{"deleted": len(deleted), "cutoff": cutoff}).Info("Stale rooms cleaned up")
	return observe(t, nil)
}

// RoomAnalytics 记录房间统计
func (h *PersistenceHandler) RoomAnalytics(ctx context.Context, t *asynq.Task) error {
	var payload tasks.RoomAnalyticsPayload
	if err := decodePayload(t, &payload); err != nil {
		return observe(t, err)
	}
	taskLogger(ctx, t).WithFields(logrus.Fields{
		"room_id":      payload.RoomID,
		"event":        payload.Event,
		"member_count": payload.MemberCount,
		"at":           payload.At,
	}).Info("Room analytics")
	return observe(t, nil)
}
