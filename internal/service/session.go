package service

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"collaborative-canvas/internal/domain"
	"collaborative-canvas/internal/metrics"
	"collaborative-canvas/internal/repository"
	"collaborative-canvas/internal/tasks"
)

// SessionService 负责房间撤销/重做会话: 加入、追加笔画、撤销、重做、重置。
type SessionService struct {
	sessions repository.SessionRepository
	rooms    repository.RoomRepository
	metas    repository.RoomMetaRepository
	enqueuer tasks.Enqueuer
}

// NewSessionService 创建 SessionService 实例。
func NewSessionService(
	sessions repository.SessionRepository,
	rooms repository.RoomRepository,
	metas repository.RoomMetaRepository,
	enqueuer tasks.Enqueuer,
) *SessionService {
	if sessions == nil || rooms == nil || metas == nil || enqueuer == nil {
		panic("all dependencies must be non-nil for SessionService")
	}
	return &SessionService{sessions: sessions, rooms: rooms, metas: metas, enqueuer: enqueuer}
}

// Dimensions 返回画布尺寸: 优先 Redis 元数据，其次文档，最后默认 1280x720。
func (s *SessionService) Dimensions(ctx context.Context, roomID string) (int, int) {
	if meta, err := s.metas.Get(ctx, roomID); err == nil && meta.CanvasWidth > 0 && meta.CanvasHeight > 0 {
		return meta.CanvasWidth, meta.CanvasHeight
	}
	if room, err := s.rooms.FindByRoomID(ctx, roomID); err == nil && room.CanvasWidth > 0 && room.CanvasHeight > 0 {
		return room.CanvasWidth, room.CanvasHeight
	}
	return domain.DefaultCanvasW, domain.DefaultCanvasH
}

// Join 初始化 (或读取) 房间会话并返回完整历史。
// 文档不存在时创建；会话没有底图而文档有快照时，用文档快照作为底图。
func (s *SessionService) Join(ctx context.Context, roomID string) (domain.HistoryPayload, error) {
	logCtx := logrus.WithFields(logrus.Fields{"room_id": roomID, "operation": "Join"})

	// 1. 尺寸
	width, height := domain.DefaultCanvasW, domain.DefaultCanvasH
	if meta, err := s.metas.Get(ctx, roomID); err == nil && meta.CanvasWidth > 0 && meta.CanvasHeight > 0 {
		width, height = meta.CanvasWidth, meta.CanvasHeight
	} else if err != nil && !errors.Is(err, repository.ErrRoomNotFound) {
		logCtx.WithError(err).Warn("Failed to read room meta, using defaults")
	}

	// 2. 文档 (降级模式下跳过)
	doc, err := s.rooms.Ensure(ctx, &domain.Room{RoomID: roomID, CanvasWidth: width, CanvasHeight: height})
	switch {
	case err == nil:
		if doc.CanvasWidth > 0 && doc.CanvasHeight > 0 {
			width, height = doc.CanvasWidth, doc.CanvasHeight
		}
	case errors.Is(err, repository.ErrDocumentStoreUnavailable):
		logCtx.Warn("Document store unavailable, joining without persisted snapshot")
		doc = nil
	default:
		logCtx.WithError(err).Error("Failed to ensure room document")
		return domain.HistoryPayload{}, ErrInternalServer
	}

	// 3. 会话 (不存在则创建)
	sess, err := s.sessions.Init(ctx, domain.NewSession(roomID, time.Now()))
	if err != nil {
		logCtx.WithError(err).Error("Failed to init session")
		return domain.HistoryPayload{}, mapRepoError(err)
	}

	// 4. 从文档恢复底图
	if sess.BaseImageURL == nil && doc != nil && doc.CanvasSnapshot != nil && *doc.CanvasSnapshot != "" {
		snapshot := *doc.CanvasSnapshot
		sess, err = s.sessions.Mutate(ctx, roomID, func(cur *domain.Session) error {
			if cur.BaseImageURL == nil {
				cur.BaseImageURL = &snapshot
			}
			return nil
		})
		if err != nil {
			logCtx.WithError(err).Error("Failed to restore base image from document")
			return domain.HistoryPayload{}, mapRepoError(err)
		}
		logCtx.Info("Base image restored from persisted snapshot")
	}

	return sess.History(width, height), nil
}

// AppendStroke 追加笔画并清空重做栈，返回新的撤销栈长度。
func (s *SessionService) AppendStroke(ctx context.Context, roomID string, stroke domain.Stroke) (int, error) {
	if err := stroke.Validate(); err != nil {
		return 0, ErrInvalidAction
	}
	var undoLen int
	_, err := s.sessions.Mutate(ctx, roomID, func(cur *domain.Session) error {
		undoLen = cur.Push(stroke)
		return nil
	})
	if err != nil {
		logrus.WithFields(logrus.Fields{"room_id": roomID}).WithError(err).Error("Failed to append stroke")
		return 0, mapRepoError(err)
	}
	metrics.StrokesAppended.Inc()
	return undoLen, nil
}

// Undo 撤销最近一笔。撤销栈为空时返回 (nil, nil)。
func (s *SessionService) Undo(ctx context.Context, roomID string) (*domain.HistoryPayload, error) {
	return s.move(ctx, roomID, ErrNothingToUndo, (*domain.Session).Undo)
}

// Redo 重做最近撤销的一笔。重做栈为空时返回 (nil, nil)。
func (s *SessionService) Redo(ctx context.Context, roomID string) (*domain.HistoryPayload, error) {
	return s.move(ctx, roomID, ErrNothingToRedo, (*domain.Session).Redo)
}

func (s *SessionService) move(ctx context.Context, roomID string, emptyErr error, step func(*domain.Session) bool) (*domain.HistoryPayload, error) {
	sess, err := s.sessions.Mutate(ctx, roomID, func(cur *domain.Session) error {
		if !step(cur) {
			return emptyErr
		}
		return nil
	})
	if errors.Is(err, emptyErr) {
		return nil, nil
	}
	if err != nil {
		logrus.WithFields(logrus.Fields{"room_id": roomID}).WithError(err).Error("Failed to move stroke between stacks")
		return nil, mapRepoError(err)
	}
	width, height := s.Dimensions(ctx, roomID)
	payload := sess.History(width, height)
	return &payload, nil
}

// Reset 清空两个栈和底图，并异步清空文档快照。
func (s *SessionService) Reset(ctx context.Context, roomID string) error {
	logCtx := logrus.WithFields(logrus.Fields{"room_id": roomID, "operation": "Reset"})
	_, err := s.sessions.Mutate(ctx, roomID, func(cur *domain.Session) error {
		cur.Reset()
		return nil
	})
	if err != nil {
		logCtx.WithError(err).Error("Failed to reset session")
		return mapRepoError(err)
	}

	jobID, err := s.enqueuer.Enqueue(ctx, tasks.TypePersistReset, tasks.PersistResetPayload{RoomID: roomID}, tasks.DefaultJobOptions())
	if err != nil {
		// 会话已重置，文档快照留到下次提交时覆盖
		logCtx.WithError(err).Error("Failed to enqueue persist-reset job")
		return nil
	}
	logCtx.WithField("job_id", jobID).Info("Canvas reset")
	return nil
}

// mapRepoError 将仓库层错误映射到服务层错误。
func mapRepoError(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, repository.ErrConflict):
		return ErrVersionConflict
	case errors.Is(err, repository.ErrDocumentStoreUnavailable):
		return ErrStoreUnavailable
	case errors.Is(err, repository.ErrNotFound):
		return ErrRoomNotFound
	default:
		return ErrInternalServer
	}
}
