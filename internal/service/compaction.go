package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"collaborative-canvas/internal/domain"
	"collaborative-canvas/internal/metrics"
	"collaborative-canvas/internal/repository"
	"collaborative-canvas/internal/tasks"
)

// roundLocks 一轮压缩结束时释放的全部锁
var roundLocks = []domain.LockKind{domain.LockSnapshotTrigger, domain.LockSnapshotDelegate, domain.LockSnapshotRound}

// Rasterizer 服务端兜底栅格化
type Rasterizer interface {
	Render(baseImageURL *string, strokes []domain.Stroke, width, height int) (string, error)
}

// CompactionConfig 压缩协调参数
type CompactionConfig struct {
	ServerID         string
	LockTTL          time.Duration
	MaxRedelegations int  // 超过后改由服务端栅格化
	RequireTicket    bool // 为 true 时拒绝没有票据的提交
}

// CompactionService 协调快照压缩:
// IDLE -> TRIGGER_PENDING (触发锁) -> DELEGATED (委派锁 + 客户端栅格化) -> SUBMITTED (裁剪 + 持久化) -> IDLE。
// 锁过期是唯一的崩溃恢复机制。
type CompactionService struct {
	sessions *SessionService
	locks    repository.LockRepository
	bus      repository.EventBus
	enqueuer tasks.Enqueuer
	tickets  *TicketIssuer
	renderer Rasterizer
	cfg      CompactionConfig
}

// NewCompactionService 创建 CompactionService 实例。
func NewCompactionService(
	sessions *SessionService,
	locks repository.LockRepository,
	bus repository.EventBus,
	enqueuer tasks.Enqueuer,
	tickets *TicketIssuer,
	renderer Rasterizer,
	cfg CompactionConfig,
) *CompactionService {
	if sessions == nil || locks == nil || bus == nil || enqueuer == nil || renderer == nil {
		panic("all dependencies must be non-nil for CompactionService")
	}
	if cfg.ServerID == "" {
		panic("CompactionService requires a server id")
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = domain.DefaultLockTTL
	}
	if cfg.MaxRedelegations <= 0 {
		cfg.MaxRedelegations = 3
	}
	if tickets == nil {
		tickets = NewTicketIssuer("", cfg.LockTTL)
	}
	return &CompactionService{
		sessions: sessions,
		locks:    locks,
		bus:      bus,
		enqueuer: enqueuer,
		tickets:  tickets,
		renderer: renderer,
		cfg:      cfg,
	}
}

// MaybeTrigger 撤销栈达到 BatchTriggerSize 时尝试开启一轮压缩。
// 没抢到触发锁时静默返回 false。
func (s *CompactionService) MaybeTrigger(ctx context.Context, roomID string, undoLen int) (bool, error) {
	if undoLen < domain.BatchTriggerSize {
		return false, nil
	}
	logCtx := logrus.WithFields(logrus.Fields{"room_id": roomID, "server_id": s.cfg.ServerID})

	// 1. 触发锁
	ok, err := s.locks.TryAcquire(ctx, domain.LockSnapshotTrigger, roomID, s.cfg.ServerID, s.cfg.LockTTL)
	if err != nil {
		return false, err
	}
	if !ok {
		metrics.CompactionRounds.WithLabelValues(metrics.StageContended).Inc()
		logCtx.Debug("Snapshot trigger lock held elsewhere, skipping")
		return false, nil
	}

	// 2. 拷贝最早的一批笔画 (不修改会话)
	sess, err := s.sessions.sessions.Get(ctx, roomID)
	if err != nil {
		s.release(ctx, roomID)
		return false, err
	}
	toSave := sess.OldestForCompaction()
	if len(toSave) == 0 {
		s.release(ctx, roomID)
		return false, nil
	}

	// 3. 轮次 ID + 票据
	roundID := uuid.NewString()
	if err := s.locks.Release(ctx, []domain.LockKind{domain.LockSnapshotRound}, roomID); err != nil {
		s.release(ctx, roomID)
		return false, err
	}
	if _, err := s.locks.TryAcquire(ctx, domain.LockSnapshotRound, roomID, roundID, s.cfg.LockTTL); err != nil {
		s.release(ctx, roomID)
		return false, err
	}
	ticket, err := s.tickets.Issue(roomID, roundID, len(toSave))
	if err != nil {
		s.release(ctx, roomID)
		return false, err
	}

	width, height := s.sessions.Dimensions(ctx, roomID)
	req := domain.SnapshotRequest{
		RoomID:        roomID,
		BaseImageURL:  sess.BaseImageURL,
		StrokesToSave: toSave,
		StrokesToTrim: len(toSave),
		Width:         width,
		Height:        height,
		RoundID:       roundID,
		Ticket:        ticket,
		Attempt:       1,
	}

	// 4. 广播 CREATE_SNAPSHOT，失败则放弃本轮
	if err := s.publishRequest(ctx, req); err != nil {
		s.release(ctx, roomID)
		return false, err
	}
	metrics.CompactionRounds.WithLabelValues(metrics.StageTriggered).Inc()
	logCtx.WithFields(logrus.Fields{"round_id": roundID, "strokes_to_trim": len(toSave)}).Info("Snapshot request published")
	return true, nil
}

// TryDelegate 争夺本轮的委派锁
func (s *CompactionService) TryDelegate(ctx context.Context, req domain.SnapshotRequest) (bool, error) {
	ok, err := s.locks.TryAcquire(ctx, domain.LockSnapshotDelegate, req.RoomID, s.cfg.ServerID, s.cfg.LockTTL)
	if err != nil {
		return false, err
	}
	if ok {
		metrics.CompactionRounds.WithLabelValues(metrics.StageDelegated).Inc()
	}
	return ok, nil
}

// AbandonDelegation 本实例抢到委派锁却没有该房间的客户端:
// 释放委派锁，按 2^attempt 秒退避重新分派，次数用尽后改为服务端栅格化。
func (s *CompactionService) AbandonDelegation(ctx context.Context, req domain.SnapshotRequest) error {
	logCtx := logrus.WithFields(logrus.Fields{"room_id": req.RoomID, "round_id": req.RoundID, "attempt": req.Attempt})
	if _, err := s.locks.ReleaseIfHeld(ctx, domain.LockSnapshotDelegate, req.RoomID, s.cfg.ServerID); err != nil {
		logCtx.WithError(err).Warn("Failed to release delegate lock, it will expire")
	}

	payload := tasks.SnapshotRoundPayload{Request: req}
	if req.Attempt < s.cfg.MaxRedelegations {
		delay := tasks.Backoff(req.Attempt, s.cfg.LockTTL)
		opts := tasks.JobOptions{MaxAttempts: tasks.DefaultMaxAttempts, Priority: 2, Delay: delay}
		if _, err := s.enqueuer.Enqueue(ctx, tasks.TypeSnapshotRedelegate, payload, opts); err != nil {
			return err
		}
		metrics.CompactionRounds.WithLabelValues(metrics.StageRequeued).Inc()
		logCtx.WithField("delay", delay).Info("No local client for snapshot, redelegation scheduled")
		return nil
	}

	opts := tasks.JobOptions{MaxAttempts: tasks.DefaultMaxAttempts, Priority: 2}
	if _, err := s.enqueuer.Enqueue(ctx, tasks.TypeSnapshotRasterize, payload, opts); err != nil {
		return err
	}
	metrics.CompactionRounds.WithLabelValues(metrics.StageFallback).Inc()
	logCtx.Warn("Redelegation attempts exhausted, falling back to server-side rasterization")
	return nil
}

// Redelegate 重新广播仍在进行中的一轮压缩。轮次已过期时什么也不做。
func (s *CompactionService) Redelegate(ctx context.Context, req domain.SnapshotRequest) error {
	current, err := s.roundIsCurrent(ctx, req)
	if err != nil {
		return err
	}
	if !current {
		metrics.CompactionRounds.WithLabelValues(metrics.StageStale).Inc()
		logrus.WithFields(logrus.Fields{"room_id": req.RoomID, "round_id": req.RoundID}).Info("Snapshot round no longer current, dropping redelegation")
		return nil
	}
	req.Attempt++
	return s.publishRequest(ctx, req)
}

// RasterizeFallback 在服务端合成快照并走正常的提交流程。
func (s *CompactionService) RasterizeFallback(ctx context.Context, req domain.SnapshotRequest) error {
	current, err := s.roundIsCurrent(ctx, req)
	if err != nil {
		return err
	}
	if !current {
		metrics.CompactionRounds.WithLabelValues(metrics.StageStale).Inc()
		return nil
	}

	width, height := req.Width, req.Height
	if width <= 0 || height <= 0 {
		width, height = s.sessions.Dimensions(ctx, req.RoomID)
	}
	url, err := s.renderer.Render(req.BaseImageURL, req.StrokesToSave, width, height)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
	}
	_, err = s.apply(ctx, domain.SnapshotSubmission{
		RoomID:         req.RoomID,
		NewSnapshotURL: url,
		StrokesToTrim:  req.StrokesToTrim,
	})
	return err
}

// Submit 处理客户端提交的快照: 裁剪当前撤销栈的前 k 条 (k 不超过栈长)、设置底图、
// 异步持久化并释放本轮所有锁。返回实际裁剪的笔画数。
func (s *CompactionService) Submit(ctx context.Context, sub domain.SnapshotSubmission) (int, error) {
	if sub.RoomID == "" || sub.NewSnapshotURL == "" || sub.StrokesToTrim < 0 {
		return 0, ErrInvalidSnapshot
	}
	if err := s.checkTicket(ctx, sub); err != nil {
		metrics.CompactionRounds.WithLabelValues(metrics.StageStale).Inc()
		return 0, err
	}
	return s.apply(ctx, sub)
}

// AbortRound 丢弃进行中的一轮 (画布重置后旧快照不再适用)
func (s *CompactionService) AbortRound(ctx context.Context, roomID string) error {
	return s.locks.Release(ctx, roundLocks, roomID)
}

func (s *CompactionService) apply(ctx context.Context, sub domain.SnapshotSubmission) (int, error) {
	logCtx := logrus.WithFields(logrus.Fields{"room_id": sub.RoomID, "operation": "SubmitSnapshot"})

	var trimmed int
	url := sub.NewSnapshotURL
	_, err := s.sessions.sessions.Mutate(ctx, sub.RoomID, func(cur *domain.Session) error {
		trimmed = cur.TrimOldest(sub.StrokesToTrim)
		cur.BaseImageURL = &url
		return nil
	})
	if err != nil {
		logCtx.WithError(err).Error("Failed to apply snapshot to session")
		return 0, mapRepoError(err)
	}

	payload := tasks.PersistSnapshotPayload{RoomID: sub.RoomID, Snapshot: url}
	if _, err := s.enqueuer.Enqueue(ctx, tasks.TypePersistSnapshot, payload, tasks.DefaultJobOptions()); err != nil {
		logCtx.WithError(err).Error("Failed to enqueue persist-snapshot job")
	}

	s.release(ctx, sub.RoomID)
	metrics.CompactionRounds.WithLabelValues(metrics.StageSubmitted).Inc()
	logCtx.WithField("trimmed", trimmed).Info("Snapshot applied and locks released")
	return trimmed, nil
}

func (s *CompactionService) checkTicket(ctx context.Context, sub domain.SnapshotSubmission) error {
	if sub.Ticket == "" {
		if s.cfg.RequireTicket {
			return ErrStaleSnapshot
		}
		return nil
	}
	if !s.tickets.Enabled() {
		return nil
	}
	claims, err := s.tickets.Verify(sub.Ticket)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStaleSnapshot, err)
	}
	if claims.Room != sub.RoomID || claims.Trim != sub.StrokesToTrim {
		return ErrStaleSnapshot
	}
	holder, err := s.locks.Holder(ctx, domain.LockSnapshotRound, sub.RoomID)
	if err != nil {
		return ErrInternalServer
	}
	if holder != claims.Round {
		return ErrStaleSnapshot
	}
	return nil
}

func (s *CompactionService) roundIsCurrent(ctx context.Context, req domain.SnapshotRequest) (bool, error) {
	if req.RoundID == "" {
		return false, nil
	}
	holder, err := s.locks.Holder(ctx, domain.LockSnapshotRound, req.RoomID)
	if err != nil {
		return false, err
	}
	return holder == req.RoundID, nil
}

func (s *CompactionService) publishRequest(ctx context.Context, req domain.SnapshotRequest) error {
	env, err := domain.NewEnvelope(domain.EventCreateSnapshot, req.RoomID, "", s.cfg.ServerID, req)
	if err != nil {
		return err
	}
	if err := s.bus.Publish(ctx, env); err != nil {
		return err
	}
	metrics.EventsPublished.WithLabelValues(string(domain.EventCreateSnapshot)).Inc()
	return nil
}

func (s *CompactionService) release(ctx context.Context, roomID string) {
	if err := s.locks.Release(ctx, roundLocks, roomID); err != nil {
		logrus.WithField("room_id", roomID).WithError(err).Warn("Failed to release snapshot locks, they will expire")
	}
}

// IsPermanent 判断压缩任务错误是否不值得重试
func IsPermanent(err error) bool {
	return errors.Is(err, ErrInvalidSnapshot) || errors.Is(err, ErrStaleSnapshot)
}
