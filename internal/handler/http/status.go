package http

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"collaborative-canvas/internal/service"
)

// HealthCheck 检查共享存储是否可用
type HealthCheck func(ctx context.Context) error

// StatusHandler 提供 /status 和 /stats
type StatusHandler struct {
	presence  *service.PresenceService
	check     HealthCheck
	startedAt time.Time
}

// NewStatusHandler 创建 StatusHandler 实例
func NewStatusHandler(presence *service.PresenceService, check HealthCheck) *StatusHandler {
	if presence == nil || check == nil {
		panic("all dependencies must be non-nil for StatusHandler")
	}
	return &StatusHandler{presence: presence, check: check, startedAt: time.Now()}
}

// Status 存活检查，共享存储不可用时返回 500
func (h *StatusHandler) Status(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	redisStatus := "connected"
	code := http.StatusOK
	if err := h.check(ctx); err != nil {
		logrus.WithError(err).Warn("Handler.Status: shared store unreachable")
		redisStatus = "disconnected"
		code = http.StatusInternalServerError
	}
	c.JSON(code, gin.H{
		"message":   "Server is running",
		"serverId":  h.presence.ServerID(),
		"redis":     redisStatus,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// Stats 返回实例统计
func (h *StatusHandler) Stats(c *gin.Context) {
	stats, err := h.presence.Stats(c.Request.Context())
	if err != nil {
		logrus.WithError(err).Error("Handler.Stats: Failed to collect stats")
		ErrorResponse(c, http.StatusInternalServerError, "Failed to get stats")
		return
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	c.JSON(http.StatusOK, gin.H{
		"serverId":         stats.ServerID,
		"activeRooms":      stats.ActiveRooms,
		"totalConnections": stats.TotalConnections,
		"deadJobs":         stats.DeadJobs,
		"uptime":           time.Since(h.startedAt).Seconds(),
		"memory": gin.H{
			"alloc":      mem.Alloc,
			"heapInuse":  mem.HeapInuse,
			"sys":        mem.Sys,
			"goroutines": runtime.NumGoroutine(),
		},
	})
}
