package hub

import (
	"context"
	"encoding/json"
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"collaborative-canvas/internal/domain"
	"collaborative-canvas/internal/metrics"
	"collaborative-canvas/internal/repository"
	"collaborative-canvas/internal/service"
)

// 包级别的 WebSocket 常量，供 hub 和 client 包内使用
const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer. 快照以 data URL 提交，需要较大的上限。
	maxMessageSize = 16 << 20

	// 单个 socket 的发送缓冲
	sendBufferSize = 256

	// 单条入站事件的处理超时
	handleTimeout = 10 * time.Second
)

// Hub 维护本实例的 socket 和房间，并把事件在本地房间与跨实例总线之间转发。
type Hub struct {
	serverID string

	// 已注册客户端; rooms 为 房间 -> 客户端集合
	clients map[*Client]struct{}
	rooms   map[string]map[*Client]struct{}
	// 保护 clients、rooms 和 Client.room; 向 send 通道写入必须持有读锁
	roomsMu sync.RWMutex

	sessions   *service.SessionService
	compaction *service.CompactionService
	presence   *service.PresenceService
	bus        repository.EventBus

	inbound map[domain.EventType]inboundHandler
	remote  map[domain.EventType]remoteHandler

	ready chan struct{}
}

// NewHub 创建并返回一个新的 Hub 实例
func NewHub(
	serverID string,
	sessions *service.SessionService,
	compaction *service.CompactionService,
	presence *service.PresenceService,
	bus repository.EventBus,
) *Hub {
	if sessions == nil || compaction == nil || presence == nil || bus == nil {
		panic("all dependencies must be non-nil for Hub")
	}
	h := &Hub{
		serverID:   serverID,
		clients:    make(map[*Client]struct{}),
		rooms:      make(map[string]map[*Client]struct{}),
		sessions:   sessions,
		compaction: compaction,
		presence:   presence,
		bus:        bus,
		ready:      make(chan struct{}),
	}
	h.inbound = h.inboundHandlers()
	h.remote = h.remoteHandlers()
	return h
}

// Run 订阅跨实例总线，直到 ctx 结束。订阅失败时立即返回错误。
func (h *Hub) Run(ctx context.Context) error {
	log := logrus.WithFields(logrus.Fields{"component": "hub", "server_id": h.serverID})

	sub, err := h.bus.Subscribe(ctx, h.dispatchRemote)
	if err != nil {
		log.WithError(err).Error("Hub failed to subscribe to event bus")
		return err
	}
	close(h.ready)
	log.Info("Hub is running...")

	<-ctx.Done()
	if err := sub.Close(); err != nil {
		log.WithError(err).Warn("Failed to close event bus subscription")
	}
	log.Info("Hub is shutting down...")
	return nil
}

// Ready 在总线订阅生效后关闭
func (h *Hub) Ready() <-chan struct{} {
	return h.ready
}

// Register 注册新连接
func (h *Hub) Register(c *Client) {
	h.roomsMu.Lock()
	h.clients[c] = struct{}{}
	h.roomsMu.Unlock()

	h.presence.Connect(context.Background(), c.socketID)
	logrus.WithFields(logrus.Fields{"socket_id": c.socketID, "server_id": h.serverID}).Info("Client registered to Hub")
}

// Unregister 注销连接: 离开房间、广播 USER_LEFT、关闭发送通道。可重复调用。
func (h *Hub) Unregister(c *Client) {
	h.roomsMu.Lock()
	if _, ok := h.clients[c]; !ok {
		h.roomsMu.Unlock()
		return
	}
	delete(h.clients, c)
	h.removeLocked(c)
	close(c.send)
	h.roomsMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), handleTimeout)
	defer cancel()
	h.leavePresence(ctx, c.socketID)
	h.presence.Disconnect(ctx, c.socketID)
	logrus.WithField("socket_id", c.socketID).Info("Client unregistered from Hub")
}

// RoomClients 返回本实例某个房间的连接数
func (h *Hub) RoomClients(roomID string) int {
	h.roomsMu.RLock()
	defer h.roomsMu.RUnlock()
	return len(h.rooms[roomID])
}

// --- 房间成员 (本地) ---

// addLocal 把客户端放入房间，返回之前所在的房间
func (h *Hub) addLocal(c *Client, roomID string) string {
	h.roomsMu.Lock()
	defer h.roomsMu.Unlock()
	prev := c.room
	if prev == roomID {
		return prev
	}
	h.removeLocked(c)
	if _, ok := h.rooms[roomID]; !ok {
		h.rooms[roomID] = make(map[*Client]struct{})
	}
	h.rooms[roomID][c] = struct{}{}
	c.room = roomID
	return prev
}

// removeLocked 调用方必须持有写锁
func (h *Hub) removeLocked(c *Client) {
	if c.room == "" {
		return
	}
	if members, ok := h.rooms[c.room]; ok {
		delete(members, c)
		if len(members) == 0 {
			delete(h.rooms, c.room)
		}
	}
	c.room = ""
}

// leavePresence 删除共享存储中的成员记录并广播 USER_LEFT
func (h *Hub) leavePresence(ctx context.Context, socketID string) {
	roomID, count, err := h.presence.Leave(ctx, socketID)
	if err != nil {
		logrus.WithField("socket_id", socketID).WithError(err).Error("Failed to remove socket from room members")
		return
	}
	if roomID == "" {
		return
	}
	h.publish(ctx, domain.EventUserLeft, roomID, socketID, domain.PresencePayload{SocketID: socketID, MemberCount: count})
}

// --- 投递 ---

// trySend 调用方必须持有读锁。已注销的客户端直接跳过。
func (h *Hub) trySend(c *Client, msg []byte, eventType domain.EventType) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	select {
	case c.send <- msg:
		metrics.EventsDelivered.WithLabelValues(string(eventType)).Inc()
	default:
		metrics.EventsDropped.Inc()
		logrus.WithFields(logrus.Fields{"socket_id": c.socketID, "event": eventType}).Warn("Client send channel full, message dropped")
	}
}

// sendTo 发送给单个客户端
func (h *Hub) sendTo(c *Client, eventType domain.EventType, data interface{}) {
	msg, err := domain.EncodeMessage(eventType, data)
	if err != nil {
		logrus.WithField("event", eventType).WithError(err).Error("Failed to encode message")
		return
	}
	h.roomsMu.RLock()
	h.trySend(c, msg, eventType)
	h.roomsMu.RUnlock()
}

// sendError 向单个客户端发送 ERROR
func (h *Hub) sendError(c *Client, message string) {
	h.sendTo(c, domain.EventError, message)
}

// deliverRoom 发送给本地房间成员，excludeSocketID 非空时跳过该 socket
func (h *Hub) deliverRoom(roomID string, eventType domain.EventType, payload json.RawMessage, excludeSocketID string) {
	msg, err := frame(eventType, payload)
	if err != nil {
		logrus.WithFields(logrus.Fields{"room_id": roomID, "event": eventType}).WithError(err).Error("Failed to encode frame")
		return
	}
	h.roomsMu.RLock()
	defer h.roomsMu.RUnlock()
	for c := range h.rooms[roomID] {
		if excludeSocketID != "" && c.socketID == excludeSocketID {
			continue
		}
		h.trySend(c, msg, eventType)
	}
}

// deliverRoomError 向本地房间成员发送 ERROR
func (h *Hub) deliverRoomError(roomID, message string) {
	raw, _ := json.Marshal(message)
	h.deliverRoom(roomID, domain.EventError, raw, "")
}

// pickLocal 随机挑选本地房间中的一个客户端
func (h *Hub) pickLocal(roomID string) *Client {
	h.roomsMu.RLock()
	defer h.roomsMu.RUnlock()
	members := h.rooms[roomID]
	if len(members) == 0 {
		return nil
	}
	i := rand.Intn(len(members))
	for c := range members {
		if i == 0 {
			return c
		}
		i--
	}
	return nil
}

// --- 总线 ---

// publish 发布到总线; 失败时返回 false，由调用方决定是否本地兜底
func (h *Hub) publish(ctx context.Context, eventType domain.EventType, roomID, originSocketID string, payload interface{}) bool {
	env, err := domain.NewEnvelope(eventType, roomID, originSocketID, h.serverID, payload)
	if err != nil {
		logrus.WithFields(logrus.Fields{"room_id": roomID, "event": eventType}).WithError(err).Error("Failed to build envelope")
		return false
	}
	if err := h.bus.Publish(ctx, env); err != nil {
		return false
	}
	metrics.EventsPublished.WithLabelValues(string(eventType)).Inc()
	return true
}

// broadcast 发布给所有实例的整个房间; 发布失败时只投递本地房间
func (h *Hub) broadcast(ctx context.Context, eventType domain.EventType, roomID, originSocketID string, payload interface{}) {
	if h.publish(ctx, eventType, roomID, originSocketID, payload) {
		return
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return
	}
	logrus.WithFields(logrus.Fields{"room_id": roomID, "event": eventType}).Warn("Publish failed, delivering to local room only")
	h.deliverRoom(roomID, eventType, raw, "")
}

func (h *Hub) dispatchRemote(env *domain.Envelope) {
	handler, ok := h.remote[env.Type]
	if !ok {
		logrus.WithField("event", env.Type).Debug("Ignoring unknown bus event")
		return
	}
	handler(env)
}

// frame 用已序列化的载荷构造帧，null 载荷省略 data
func frame(eventType domain.EventType, payload json.RawMessage) ([]byte, error) {
	if string(payload) == "null" {
		payload = nil
	}
	return json.Marshal(domain.Message{Event: eventType, Data: payload})
}
