package bootstrap

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	httpHandler "collaborative-canvas/internal/handler/http"
	wsHandler "collaborative-canvas/internal/handler/websocket"
	"collaborative-canvas/internal/hub"
	gormpersistence "collaborative-canvas/internal/infra/persistence/gorm"
	"collaborative-canvas/internal/infra/raster"
	redisstate "collaborative-canvas/internal/infra/state/redis"
	"collaborative-canvas/internal/repository/mocks"
	"collaborative-canvas/internal/service"
)

// newTestRouter 用 miniredis 组装完整路由，文档存储处于降级模式
func newTestRouter(t *testing.T) (*gin.Engine, *miniredis.Miniredis) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	cfg, err := configFrom(newViper())
	require.NoError(t, err)
	cfg.KeyPrefix = "test:"
	cfg.ServerID = "server-a"
	cfg.AppEnv = "test"

	enqueuer := mocks.NewEnqueuer(t)
	enqueuer.On("Enqueue", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return("job-1", nil).Maybe()

	rooms := gormpersistence.UnavailableRoomRepository{}
	sessionRepo := redisstate.NewSessionRepository(client, cfg.KeyPrefix)
	metaRepo := redisstate.NewRoomMetaRepository(client, cfg.KeyPrefix)
	presenceRepo := redisstate.NewPresenceRepository(client, cfg.KeyPrefix)
	deadRepo := redisstate.NewDeadLetterRepository(client, cfg.KeyPrefix)
	bus := redisstate.NewEventBus(client, cfg.KeyPrefix)

	sessions := service.NewSessionService(sessionRepo, rooms, metaRepo, enqueuer)
	compaction := service.NewCompactionService(sessions, redisstate.NewLockRepository(client, cfg.KeyPrefix), bus, enqueuer,
		nil, raster.NewRenderer(), service.CompactionConfig{ServerID: cfg.ServerID})
	presence := service.NewPresenceService(presenceRepo, deadRepo, enqueuer, cfg.ServerID)
	h := hub.NewHub(cfg.ServerID, sessions, compaction, presence, bus)

	router := NewRouter(cfg, logrus.New(), client, Handlers{
		Room:      httpHandler.NewRoomHandler(service.NewRoomService(rooms, metaRepo, presenceRepo, cfg.RoomMetaTTL), cfg.ServerID),
		Status:    httpHandler.NewStatusHandler(presence, func(ctx context.Context) error { return client.Ping(ctx).Err() }),
		WebSocket: wsHandler.NewWebSocketHandler(h, cfg.CORSAllowedOrigin),
	})
	return router, mr
}

func serve(r http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.RemoteAddr = "10.0.0.7:5000"
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestRouter_CreateAndGetRoom(t *testing.T) {
	r, _ := newTestRouter(t)

	w := serve(r, http.MethodPost, "/room/create-room", map[string]int{"canvasWidth": 800, "canvasHeight": 600})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var created httpHandler.CreateRoomResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.NotEmpty(t, created.RoomID)
	assert.Equal(t, created.RoomID, created.RoomIDLegacy)
	assert.Equal(t, "server-a", created.ServerID)
	assert.Equal(t, "Room created successfully", created.Message)

	w = serve(r, http.MethodGet, "/room/"+created.RoomID, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var room httpHandler.RoomResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &room))
	assert.Equal(t, 800, room.CanvasWidth)
	assert.Equal(t, 600, room.CanvasHeight)
	assert.Equal(t, int64(0), room.ActiveMembers)
}

func TestRouter_CreateRoomWithoutBodyUsesDefaults(t *testing.T) {
	r, _ := newTestRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/room/create-room", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var created httpHandler.CreateRoomResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.Equal(t, 1280, created.CanvasWidth)
	assert.Equal(t, 720, created.CanvasHeight)
}

func TestRouter_CreateRoomRejectsBadSize(t *testing.T) {
	r, _ := newTestRouter(t)

	w := serve(r, http.MethodPost, "/room/create-room", map[string]int{"canvasWidth": 50, "canvasHeight": 600})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = serve(r, http.MethodPost, "/room/create-room", map[string]string{"canvasWidth": "wide"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRouter_GetUnknownRoom(t *testing.T) {
	r, _ := newTestRouter(t)

	w := serve(r, http.MethodGet, "/room/does-not-exist", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRouter_CreateRoomRateLimited(t *testing.T) {
	r, _ := newTestRouter(t)

	for i := 0; i < 5; i++ {
		w := serve(r, http.MethodPost, "/room/create-room", nil)
		require.Equal(t, http.StatusOK, w.Code, "request %d", i+1)
	}
	w := serve(r, http.MethodPost, "/room/create-room", nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)

	// 其他路由不受 create-room 限额影响
	w = serve(r, http.MethodGet, "/status", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRouter_StatusReflectsSharedStore(t *testing.T) {
	r, mr := newTestRouter(t)

	w := serve(r, http.MethodGet, "/status", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "connected", body["redis"])
	assert.Equal(t, "server-a", body["serverId"])

	mr.Close()
	w = serve(r, http.MethodGet, "/status", nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "disconnected", body["redis"])
}

func TestRouter_StatsAndMetrics(t *testing.T) {
	r, _ := newTestRouter(t)

	w := serve(r, http.MethodGet, "/stats", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var stats map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Equal(t, "server-a", stats["serverId"])
	assert.Contains(t, stats, "memory")

	w = serve(r, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "canvas_websocket_connections")
}

func TestRouter_CORSPreflight(t *testing.T) {
	r, _ := newTestRouter(t)

	w := serve(r, http.MethodOptions, "/room/create-room", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "http://localhost:5173", w.Header().Get("Access-Control-Allow-Origin"))
}
