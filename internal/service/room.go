package service

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"collaborative-canvas/internal/domain"
	"collaborative-canvas/internal/repository"
)

// DefaultRoomMetaTTL 房间元数据在共享存储中的保留时间
const DefaultRoomMetaTTL = 24 * time.Hour

// RoomService 负责房间创建和查询。
type RoomService struct {
	rooms    repository.RoomRepository
	metas    repository.RoomMetaRepository
	presence repository.PresenceRepository
	metaTTL  time.Duration
}

// NewRoomService 创建 RoomService 实例。
func NewRoomService(
	rooms repository.RoomRepository,
	metas repository.RoomMetaRepository,
	presence repository.PresenceRepository,
	metaTTL time.Duration,
) *RoomService {
	if rooms == nil || metas == nil || presence == nil {
		panic("all dependencies must be non-nil for RoomService")
	}
	if metaTTL <= 0 {
		metaTTL = DefaultRoomMetaTTL
	}
	return &RoomService{rooms: rooms, metas: metas, presence: presence, metaTTL: metaTTL}
}

// CreateRoom 创建一个新房间。width/height 为 0 时使用默认尺寸 1280x720。
func (s *RoomService) CreateRoom(ctx context.Context, width, height int, createdBy string) (*domain.RoomMeta, error) {
	// 1. 校验尺寸
	if width == 0 && height == 0 {
		width, height = domain.DefaultCanvasW, domain.DefaultCanvasH
	}
	if err := domain.ValidateCanvasSize(width, height); err != nil {
		return nil, ErrInvalidCanvasSize
	}

	roomID := uuid.NewString()
	logCtx := logrus.WithFields(logrus.Fields{"room_id": roomID, "width": width, "height": height})

	// 2. 元数据写入共享存储
	meta := &domain.RoomMeta{
		ID:           roomID,
		CreatedAt:    time.Now(),
		CreatedBy:    createdBy,
		CanvasWidth:  width,
		CanvasHeight: height,
	}
	if err := s.metas.Save(ctx, meta, s.metaTTL); err != nil {
		logCtx.WithError(err).Error("Failed to save room meta")
		return nil, ErrInternalServer
	}

	// 3. 文档 (降级模式下由首次加入时补建)
	err := s.rooms.Create(ctx, &domain.Room{RoomID: roomID, CanvasWidth: width, CanvasHeight: height})
	switch {
	case err == nil:
	case errors.Is(err, repository.ErrDocumentStoreUnavailable):
		logCtx.Warn("Document store unavailable, room created in shared store only")
	default:
		logCtx.WithError(err).Error("Failed to create room document")
		return nil, ErrInternalServer
	}

	logCtx.Info("Room created successfully")
	return meta, nil
}

// GetRoom 返回房间信息和当前成员数，优先读共享存储，其次文档。
func (s *RoomService) GetRoom(ctx context.Context, roomID string) (*domain.RoomMeta, error) {
	logCtx := logrus.WithField("room_id", roomID)

	meta, err := s.metas.Get(ctx, roomID)
	if err != nil {
		if !errors.Is(err, repository.ErrRoomNotFound) {
			logCtx.WithError(err).Error("Failed to read room meta")
			return nil, ErrInternalServer
		}
		room, docErr := s.rooms.FindByRoomID(ctx, roomID)
		switch {
		case docErr == nil:
			meta = &domain.RoomMeta{
				ID:           room.RoomID,
				CreatedAt:    room.CreatedAt,
				CanvasWidth:  room.CanvasWidth,
				CanvasHeight: room.CanvasHeight,
			}
		case errors.Is(docErr, repository.ErrRoomNotFound), errors.Is(docErr, repository.ErrDocumentStoreUnavailable):
			return nil, ErrRoomNotFound
		default:
			logCtx.WithError(docErr).Error("Failed to read room document")
			return nil, ErrInternalServer
		}
	}

	count, err := s.presence.MemberCount(ctx, roomID)
	if err != nil {
		logCtx.WithError(err).Warn("Failed to read member count")
	}
	meta.MemberCount = count
	return meta, nil
}
