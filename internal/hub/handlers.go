package hub

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/sirupsen/logrus"

	"collaborative-canvas/internal/domain"
	"collaborative-canvas/internal/service"
)

// inboundHandler 处理客户端发来的一帧。在该 socket 的读循环中顺序执行。
type inboundHandler func(ctx context.Context, c *Client, data json.RawMessage) error

// remoteHandler 处理总线上收到的事件
type remoteHandler func(env *domain.Envelope)

func (h *Hub) inboundHandlers() map[domain.EventType]inboundHandler {
	return map[domain.EventType]inboundHandler{
		domain.EventJoinRoom:       h.handleJoinRoom,
		domain.EventDrawAction:     h.handleDrawAction,
		domain.EventDrawStroke:     h.handleDrawStroke,
		domain.EventCanvasReset:    h.handleCanvasReset,
		domain.EventUndoAction:     h.handleUndo,
		domain.EventRedoAction:     h.handleRedo,
		domain.EventSubmitSnapshot: h.handleSubmitSnapshot,
	}
}

func (h *Hub) remoteHandlers() map[domain.EventType]remoteHandler {
	return map[domain.EventType]remoteHandler{
		domain.EventDrawAction:     h.relayExceptOrigin,
		domain.EventDrawStroke:     h.relayExceptOrigin,
		domain.EventCanvasReset:    h.relayToRoom,
		domain.EventCanvasHistory:  h.relayToRoom,
		domain.EventUserJoined:     h.relayToRoom,
		domain.EventUserLeft:       h.relayToRoom,
		domain.EventCreateSnapshot: h.handleCreateSnapshot,
	}
}

// HandleMessage 解析一帧并分发。错误只记录和回报，不断开连接。
func (h *Hub) HandleMessage(c *Client, raw []byte) {
	logCtx := logrus.WithField("socket_id", c.socketID)

	var msg domain.Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		logCtx.WithError(err).Warn("Malformed frame")
		h.sendError(c, "Malformed message")
		return
	}
	handler, ok := h.inbound[msg.Event]
	if !ok {
		logCtx.WithField("event", msg.Event).Warn("Unsupported client event")
		h.sendError(c, "Unsupported event "+string(msg.Event))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), handleTimeout)
	defer cancel()
	if err := handler(ctx, c, msg.Data); err != nil {
		logCtx.WithField("event", msg.Event).WithError(err).Error("Failed to handle client event")
	}
}

// --- 客户端事件 ---

func (h *Hub) handleJoinRoom(ctx context.Context, c *Client, data json.RawMessage) error {
	roomID, err := domain.DecodeRoomID(data)
	if err != nil {
		h.sendError(c, "Failed to join room")
		return err
	}
	logCtx := logrus.WithFields(logrus.Fields{"socket_id": c.socketID, "room_id": roomID})

	// 1. 会话和文档
	history, err := h.sessions.Join(ctx, roomID)
	if err != nil {
		h.sendError(c, "Failed to join room")
		return err
	}

	// 2. 本地房间; 切换房间时先离开旧房间
	if prev := h.addLocal(c, roomID); prev != "" && prev != roomID {
		h.leavePresence(ctx, c.socketID)
	}

	// 3. 共享成员集合
	count, err := h.presence.Join(ctx, c.socketID, roomID)
	if err != nil {
		h.sendError(c, "Failed to join room")
		return err
	}

	// 4. 完整历史只发给加入者
	h.sendTo(c, domain.EventCanvasHistory, history)

	// 5. 通知所有实例
	h.broadcast(ctx, domain.EventUserJoined, roomID, c.socketID, domain.PresencePayload{SocketID: c.socketID, MemberCount: count})
	logCtx.WithField("member_count", count).Info("Client joined room")
	return nil
}

func (h *Hub) handleDrawAction(ctx context.Context, c *Client, data json.RawMessage) error {
	var p domain.DrawActionPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	roomID := h.targetRoom(c, p.RoomID)
	if roomID == "" {
		return domain.ErrMissingRoomID
	}
	h.deliverRoom(roomID, domain.EventDrawAction, p.StrokeData, c.socketID)
	h.publish(ctx, domain.EventDrawAction, roomID, c.socketID, p.StrokeData)
	return nil
}

func (h *Hub) handleDrawStroke(ctx context.Context, c *Client, data json.RawMessage) error {
	var p domain.DrawStrokePayload
	if err := json.Unmarshal(data, &p); err != nil {
		h.sendError(c, "Invalid stroke data")
		return err
	}
	roomID := h.targetRoom(c, p.RoomID)
	if roomID == "" {
		h.sendError(c, "Invalid stroke data")
		return domain.ErrMissingRoomID
	}

	// 1. 先写入历史
	undoLen, err := h.sessions.AppendStroke(ctx, roomID, p.StrokeData)
	if err != nil {
		if errors.Is(err, service.ErrInvalidAction) {
			h.sendError(c, "Invalid stroke data")
		} else {
			h.sendError(c, "Failed to save stroke")
		}
		return err
	}

	// 2. 转发给其他人，信封中按原始 JSON 嵌入
	encoded, err := json.Marshal(p.StrokeData)
	if err != nil {
		return err
	}
	raw := json.RawMessage(encoded)
	h.deliverRoom(roomID, domain.EventDrawStroke, raw, c.socketID)
	h.publish(ctx, domain.EventDrawStroke, roomID, c.socketID, raw)

	// 3. 压缩检查
	if _, err := h.compaction.MaybeTrigger(ctx, roomID, undoLen); err != nil {
		logrus.WithField("room_id", roomID).WithError(err).Warn("Snapshot trigger failed, will retry on next stroke")
	}
	return nil
}

func (h *Hub) handleCanvasReset(ctx context.Context, c *Client, data json.RawMessage) error {
	roomID, err := domain.DecodeRoomID(data)
	if err != nil {
		h.sendError(c, "Failed to reset canvas")
		return err
	}
	if err := h.sessions.Reset(ctx, roomID); err != nil {
		h.deliverRoomError(roomID, "Failed to reset canvas")
		return err
	}
	if err := h.compaction.AbortRound(ctx, roomID); err != nil {
		logrus.WithField("room_id", roomID).WithError(err).Warn("Failed to abort snapshot round")
	}
	h.broadcast(ctx, domain.EventCanvasReset, roomID, c.socketID, nil)
	logrus.WithFields(logrus.Fields{"room_id": roomID, "socket_id": c.socketID}).Info("Canvas reset")
	return nil
}

func (h *Hub) handleUndo(ctx context.Context, c *Client, data json.RawMessage) error {
	return h.moveHistory(ctx, c, data, h.sessions.Undo, "Failed to undo")
}

func (h *Hub) handleRedo(ctx context.Context, c *Client, data json.RawMessage) error {
	return h.moveHistory(ctx, c, data, h.sessions.Redo, "Failed to redo")
}

func (h *Hub) moveHistory(
	ctx context.Context,
	c *Client,
	data json.RawMessage,
	step func(context.Context, string) (*domain.HistoryPayload, error),
	failure string,
) error {
	roomID, err := domain.DecodeRoomID(data)
	if err != nil {
		h.sendError(c, failure)
		return err
	}
	history, err := step(ctx, roomID)
	if err != nil {
		h.sendError(c, failure)
		return err
	}
	// 栈为空: no-op
	if history == nil {
		return nil
	}
	h.broadcast(ctx, domain.EventCanvasHistory, roomID, c.socketID, history)
	return nil
}

func (h *Hub) handleSubmitSnapshot(ctx context.Context, c *Client, data json.RawMessage) error {
	var sub domain.SnapshotSubmission
	if err := json.Unmarshal(data, &sub); err != nil {
		h.sendError(c, service.ErrInvalidSnapshot.Error())
		return err
	}
	if sub.RoomID == "" {
		sub.RoomID = h.targetRoom(c, "")
	}
	if _, err := h.compaction.Submit(ctx, sub); err != nil {
		if errors.Is(err, service.ErrStaleSnapshot) || errors.Is(err, service.ErrInvalidSnapshot) {
			h.sendError(c, err.Error())
		} else {
			h.deliverRoomError(sub.RoomID, "Failed to update canvas snapshot")
		}
		return err
	}
	return nil
}

// targetRoom 事件未携带房间 ID 时使用 socket 当前所在的房间
func (h *Hub) targetRoom(c *Client, roomID string) string {
	if roomID != "" {
		return roomID
	}
	return c.Room()
}

// --- 总线事件 ---

// relayExceptOrigin 实时笔画: 来源实例已在本地投递过
func (h *Hub) relayExceptOrigin(env *domain.Envelope) {
	if env.OriginServerID == h.serverID {
		return
	}
	h.deliverRoom(env.RoomID, env.Type, env.Payload, env.OriginSocketID)
}

func (h *Hub) relayToRoom(env *domain.Envelope) {
	h.deliverRoom(env.RoomID, env.Type, env.Payload, "")
}

// handleCreateSnapshot 争夺委派锁; 抢到后随机挑选本地客户端栅格化
func (h *Hub) handleCreateSnapshot(env *domain.Envelope) {
	var req domain.SnapshotRequest
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		logrus.WithField("room_id", env.RoomID).WithError(err).Warn("Malformed snapshot request")
		return
	}
	if req.RoomID == "" {
		req.RoomID = env.RoomID
	}
	go h.delegateSnapshot(req)
}

func (h *Hub) delegateSnapshot(req domain.SnapshotRequest) {
	ctx, cancel := context.WithTimeout(context.Background(), handleTimeout)
	defer cancel()
	logCtx := logrus.WithFields(logrus.Fields{"room_id": req.RoomID, "round_id": req.RoundID, "server_id": h.serverID})

	ok, err := h.compaction.TryDelegate(ctx, req)
	if err != nil {
		logCtx.WithError(err).Warn("Failed to contend for delegate lock")
		return
	}
	if !ok {
		return
	}

	if c := h.pickLocal(req.RoomID); c != nil {
		h.sendTo(c, domain.EventCreateSnapshot, req)
		logCtx.WithField("socket_id", c.socketID).Info("Snapshot creation delegated to client")
		return
	}
	if err := h.compaction.AbandonDelegation(ctx, req); err != nil {
		logCtx.WithError(err).Error("Failed to reschedule snapshot round")
	}
}
