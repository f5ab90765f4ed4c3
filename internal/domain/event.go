package domain

import (
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// EventType 是 socket 帧和总线信封共用的事件类型
type EventType string

const (
	// 客户端 -> 服务端
	EventJoinRoom       EventType = "JOIN_ROOM"
	EventUndoAction     EventType = "UNDO_ACTION"
	EventRedoAction     EventType = "REDO_ACTION"
	EventSubmitSnapshot EventType = "SUBMIT_SNAPSHOT"

	// 双向
	EventDrawAction  EventType = "DRAW_ACTION"
	EventDrawStroke  EventType = "DRAW_STROKE"
	EventCanvasReset EventType = "CANVAS_RESET"

	// 服务端 -> 客户端
	EventCanvasHistory  EventType = "CANVAS_HISTORY"
	EventCreateSnapshot EventType = "CREATE_SNAPSHOT"
	EventUserJoined     EventType = "USER_JOINED"
	EventUserLeft       EventType = "USER_LEFT"
	EventError          EventType = "ERROR"
)

// 发布订阅频道 (实际名称带 key 前缀)
const (
	ChannelCanvasEvents = "canvas-events"
	ChannelRoomEvents   = "room-events"
)

// Channel 返回事件所属的频道
func (t EventType) Channel() string {
	switch t {
	case EventUserJoined, EventUserLeft:
		return ChannelRoomEvents
	default:
		return ChannelCanvasEvents
	}
}

// Envelope 是在实例之间传递的事件信封
type Envelope struct {
	Type           EventType       `json:"type"`
	RoomID         string          `json:"roomId"`
	OriginSocketID string          `json:"originSocketId,omitempty"`
	OriginServerID string          `json:"originServerId"`
	Payload        json.RawMessage `json:"payload"`
	Timestamp      time.Time       `json:"timestamp"`
}

// NewEnvelope 序列化 payload 并构造信封
func NewEnvelope(t EventType, roomID, originSocketID, originServerID string, payload interface{}) (*Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		Type:           t,
		RoomID:         roomID,
		OriginSocketID: originSocketID,
		OriginServerID: originServerID,
		Payload:        raw,
		Timestamp:      time.Now(),
	}, nil
}

// Message 是 websocket 上的一帧: {"event": ..., "data": ...}
type Message struct {
	Event EventType       `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// EncodeMessage 构造要写给客户端的帧
func EncodeMessage(t EventType, data interface{}) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Message{Event: t, Data: raw})
}

// ErrMissingRoomID 表示事件中没有房间 ID
var ErrMissingRoomID = errors.New("roomId is required")

// DecodeRoomID 解析只携带房间 ID 的事件数据，兼容 "id" 和 {"roomId": "id"} 两种写法。
func DecodeRoomID(data json.RawMessage) (string, error) {
	var id string
	if err := json.Unmarshal(data, &id); err == nil {
		id = strings.TrimSpace(id)
		if id == "" {
			return "", ErrMissingRoomID
		}
		return id, nil
	}
	var obj struct {
		RoomID string `json:"roomId"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return "", err
	}
	if strings.TrimSpace(obj.RoomID) == "" {
		return "", ErrMissingRoomID
	}
	return strings.TrimSpace(obj.RoomID), nil
}

// DrawActionPayload 是实时预览片段，服务端只转发不存储。
type DrawActionPayload struct {
	RoomID     string          `json:"roomId"`
	StrokeData json.RawMessage `json:"strokeData"`
}

// DrawStrokePayload 是提交到历史的完整笔画
type DrawStrokePayload struct {
	RoomID     string `json:"roomId"`
	StrokeData Stroke `json:"strokeData"`
}

// PresencePayload 是 USER_JOINED / USER_LEFT 的载荷
type PresencePayload struct {
	SocketID    string `json:"socketId"`
	MemberCount int64  `json:"memberCount"`
}

// SnapshotRequest 是 CREATE_SNAPSHOT 的载荷。
// RoundID/Ticket/Attempt 用于识别本轮压缩，旧客户端可以忽略。
type SnapshotRequest struct {
	RoomID        string   `json:"roomId"`
	BaseImageURL  *string  `json:"baseImageURL"`
	StrokesToSave []Stroke `json:"strokesToSave"`
	StrokesToTrim int      `json:"strokesToTrim"`
	Width         int      `json:"width"`
	Height        int      `json:"height"`
	RoundID       string   `json:"roundId"`
	Ticket        string   `json:"ticket,omitempty"`
	Attempt       int      `json:"attempt"`
}

// SnapshotSubmission 是 SUBMIT_SNAPSHOT 的载荷
type SnapshotSubmission struct {
	RoomID         string `json:"roomId"`
	NewSnapshotURL string `json:"newSnapshotURL"`
	StrokesToTrim  int    `json:"strokesToTrim"`
	Ticket         string `json:"ticket,omitempty"`
}
