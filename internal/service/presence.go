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

// PresenceService 记录连接、房间成员和实例统计。
type PresenceService struct {
	presence repository.PresenceRepository
	dead     repository.DeadLetterRepository
	enqueuer tasks.Enqueuer
	serverID string
}

// NewPresenceService 创建 PresenceService 实例。
func NewPresenceService(
	presence repository.PresenceRepository,
	dead repository.DeadLetterRepository,
	enqueuer tasks.Enqueuer,
	serverID string,
) *PresenceService {
	if presence == nil || dead == nil || enqueuer == nil {
		panic("all dependencies must be non-nil for PresenceService")
	}
	return &PresenceService{presence: presence, dead: dead, enqueuer: enqueuer, serverID: serverID}
}

// ServerID 当前实例 ID
func (s *PresenceService) ServerID() string {
	return s.serverID
}

// Connect 新连接建立
func (s *PresenceService) Connect(ctx context.Context, socketID string) {
	metrics.Connections.Inc()
	if _, err := s.presence.AddServerConnection(ctx, s.serverID, 1); err != nil {
		logrus.WithField("socket_id", socketID).WithError(err).Warn("Failed to increment server connection count")
	}
}

// Disconnect 连接断开
func (s *PresenceService) Disconnect(ctx context.Context, socketID string) {
	metrics.Connections.Dec()
	if _, err := s.presence.AddServerConnection(ctx, s.serverID, -1); err != nil {
		logrus.WithField("socket_id", socketID).WithError(err).Warn("Failed to decrement server connection count")
	}
}

// Join 记录 socket 加入房间，返回房间成员数。
func (s *PresenceService) Join(ctx context.Context, socketID, roomID string) (int64, error) {
	count, err := s.presence.Join(ctx, domain.Connection{
		SocketID: socketID,
		RoomID:   roomID,
		ServerID: s.serverID,
		JoinedAt: time.Now(),
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// Leave 移除 socket 的房间绑定，返回原房间和剩余成员数。未加入任何房间时返回 ("", 0, nil)。
func (s *PresenceService) Leave(ctx context.Context, socketID string) (string, int64, error) {
	conn, count, err := s.presence.Leave(ctx, socketID)
	if errors.Is(err, repository.ErrNotFound) {
		return "", 0, nil
	}
	if err != nil {
		return "", 0, err
	}
	if count == 0 {
		s.track(ctx, conn.RoomID, "emptied", count)
	}
	return conn.RoomID, count, nil
}

// Stats 返回实例统计
func (s *PresenceService) Stats(ctx context.Context) (domain.ServerStats, error) {
	stats := domain.ServerStats{ServerID: s.serverID}

	active, err := s.presence.ActiveRooms(ctx)
	if err != nil {
		return stats, err
	}
	stats.ActiveRooms = int(active)

	conns, err := s.presence.ServerConnections(ctx, s.serverID)
	if err != nil {
		return stats, err
	}
	stats.TotalConnections = conns

	dead, err := s.dead.Count(ctx)
	if err != nil {
		logrus.WithError(err).Warn("Failed to count dead jobs")
	}
	stats.DeadJobs = dead
	return stats, nil
}

// track 异步记录房间统计 (低优先级)
func (s *PresenceService) track(ctx context.Context, roomID, event string, count int64) {
	payload := tasks.RoomAnalyticsPayload{RoomID: roomID, Event: event, MemberCount: count, At: time.Now()}
	opts := tasks.JobOptions{MaxAttempts: 1, Priority: 0}
	if _, err := s.enqueuer.Enqueue(ctx, tasks.TypeRoomAnalytics, payload, opts); err != nil {
		logrus.WithField("room_id", roomID).WithError(err).Debug("Failed to enqueue room analytics job")
	}
}
