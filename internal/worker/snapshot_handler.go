package worker

import (
	"context"
	"fmt"

	"github.com/hibiken/asynq"

	"collaborative-canvas/internal/service"
	"collaborative-canvas/internal/tasks"
)

// SnapshotRoundHandler 处理无人接手的压缩轮次: 重新分派和服务端栅格化
type SnapshotRoundHandler struct {
	compaction *service.CompactionService
}

// NewSnapshotRoundHandler 创建 Handler 实例
func NewSnapshotRoundHandler(compaction *service.CompactionService) *SnapshotRoundHandler {
	if compaction == nil {
		panic("CompactionService cannot be nil for SnapshotRoundHandler")
	}
	return &SnapshotRoundHandler{compaction: compaction}
}

// Redelegate 重新广播 CREATE_SNAPSHOT，轮次已结束时为 no-op
func (h *SnapshotRoundHandler) Redelegate(ctx context.Context, t *asynq.Task) error {
	logCtx := taskLogger(ctx, t)

	var payload tasks.SnapshotRoundPayload
	if err := decodePayload(t, &payload); err != nil {
		logCtx.WithError(err).Error("Failed to unmarshal task payload")
		return observe(t, err)
	}
	logCtx = logCtx.WithField("room_id", payload.Request.RoomID).WithField("round_id", payload.Request.RoundID)

	if err := h.compaction.Redelegate(ctx, payload.Request); err != nil {
		logCtx.WithError(err).Error("Failed to redelegate snapshot round")
		return observe(t, fmt.Errorf("redelegate room %s: %w", payload.Request.RoomID, err))
	}
	logCtx.Info("Snapshot round redelegated")
	return observe(t, nil)
}

// Rasterize 在服务端合成快照并应用
func (h *SnapshotRoundHandler) Rasterize(ctx context.Context, t *asynq.Task) error {
	logCtx := taskLogger(ctx, t)

	var payload tasks.SnapshotRoundPayload
	if err := decodePayload(t, &payload); err != nil {
		logCtx.WithError(err).Error("Failed to unmarshal task payload")
		return observe(t, err)
	}
	logCtx = logCtx.WithField("room_id", payload.Request.RoomID).WithField("round_id", payload.Request.RoundID)

	if err := h.compaction.RasterizeFallback(ctx, payload.Request); err != nil {
		logCtx.WithError(err).Error("Server-side rasterization failed")
		if service.IsPermanent(err) {
			err = fmt.Errorf("%v: %w", err, asynq.SkipRetry)
		}
		return observe(t, fmt.Errorf("rasterize room %s: %w", payload.Request.RoomID, err))
	}
	logCtx.Info("Server-side snapshot applied")
	return observe(t, nil)
}
