package http

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"collaborative-canvas/internal/service"
)

// RoomHandler 封装了与房间管理相关的 HTTP 处理逻辑
type RoomHandler struct {
	roomService *service.RoomService
	serverID    string
}

// NewRoomHandler 创建 RoomHandler 实例
func NewRoomHandler(roomService *service.RoomService, serverID string) *RoomHandler {
	if roomService == nil {
		panic("RoomService cannot be nil for RoomHandler")
	}
	return &RoomHandler{roomService: roomService, serverID: serverID}
}

// CreateRoomRequest 尺寸缺省时使用 1280x720
type CreateRoomRequest struct {
	CanvasWidth  int `json:"canvasWidth"`
	CanvasHeight int `json:"canvasHeight"`
}

// CreateRoomResponse 定义创建房间成功的响应结构体。
// roomid 与 roomId 同值，兼容旧客户端。
type CreateRoomResponse struct {
	RoomIDLegacy string `json:"roomid"`
	RoomID       string `json:"roomId"`
	Message      string `json:"message"`
	ServerID     string `json:"serverId"`
	CanvasWidth  int    `json:"canvasWidth"`
	CanvasHeight int    `json:"canvasHeight"`
}

// RoomResponse 是 GET /room/:roomId 的响应
type RoomResponse struct {
	RoomID        string    `json:"roomId"`
	CanvasWidth   int       `json:"canvasWidth"`
	CanvasHeight  int       `json:"canvasHeight"`
	CreatedAt     time.Time `json:"createdAt"`
	CreatedBy     string    `json:"createdBy,omitempty"`
	ActiveMembers int64     `json:"activeMembers"`
}

// CreateRoom 处理创建新房间的请求
func (h *RoomHandler) CreateRoom(c *gin.Context) {
	// 1. 绑定请求体 (允许为空)
	var req CreateRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		logrus.WithError(err).Warn("Handler.CreateRoom: Invalid input format")
		ErrorResponse(c, http.StatusBadRequest, "Invalid input: canvasWidth and canvasHeight must be integers")
		return
	}

	// 2. 调用 Service 层创建房间
	meta, err := h.roomService.CreateRoom(c.Request.Context(), req.CanvasWidth, req.CanvasHeight, h.serverID)
	if err != nil {
		logrus.WithError(err).Warn("Handler.CreateRoom: Failed to create room via service")
		HandleServiceError(c, err)
		return
	}

	// 3. 成功响应
	logrus.WithField("room_id", meta.ID).Info("Handler.CreateRoom: Room created successfully")
	SuccessResponse(c, http.StatusOK, CreateRoomResponse{
		RoomIDLegacy: meta.ID,
		RoomID:       meta.ID,
		Message:      "Room created successfully",
		ServerID:     h.serverID,
		CanvasWidth:  meta.CanvasWidth,
		CanvasHeight: meta.CanvasHeight,
	})
}

// GetRoom 返回房间信息和当前成员数
func (h *RoomHandler) GetRoom(c *gin.Context) {
	roomID := c.Param("roomId")
	meta, err := h.roomService.GetRoom(c.Request.Context(), roomID)
	if err != nil {
		HandleServiceError(c, err)
		return
	}
	SuccessResponse(c, http.StatusOK, RoomResponse{
		RoomID:        meta.ID,
		CanvasWidth:   meta.CanvasWidth,
		CanvasHeight:  meta.CanvasHeight,
		CreatedAt:     meta.CreatedAt,
		CreatedBy:     meta.CreatedBy,
		ActiveMembers: meta.MemberCount,
	})
}
