package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	httpHandler "collaborative-canvas/internal/handler/http"
	wsHandler "collaborative-canvas/internal/handler/websocket"
	"collaborative-canvas/internal/hub"
	gormpersistence "collaborative-canvas/internal/infra/persistence/gorm"
	"collaborative-canvas/internal/infra/raster"
	"collaborative-canvas/internal/infra/setup"
	redisstate "collaborative-canvas/internal/infra/state/redis"
	"collaborative-canvas/internal/metrics"
	"collaborative-canvas/internal/middleware"
	"collaborative-canvas/internal/repository"
	"collaborative-canvas/internal/service"
	"collaborative-canvas/internal/tasks"
	"collaborative-canvas/internal/worker"
)

// App 结构体包含应用的所有组件和配置
type App struct {
	Config      *Config
	Log         *logrus.Logger
	DB          *gorm.DB // 降级模式下为 nil
	RedisClient *redis.Client
	AsynqClient *asynq.Client
	AsynqServer *worker.WorkerServer
	Scheduler   *asynq.Scheduler
	Hub         *hub.Hub
	HttpServer  *http.Server

	cancel context.CancelFunc
}

// NewApp 创建并初始化应用的所有组件
func NewApp() (*App, error) {
	// 1. 加载配置
	cfg, err := LoadConfig()
	if err != nil {
		// 使用标准 log 记录启动时错误，因为 logrus 可能还未完全配置
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return nil, err
	}

	// 2. 初始化 Logger
	log := newLogger(cfg)
	log.WithField("server_id", cfg.ServerID).Info("Configuration loaded successfully")

	// 3. 初始化基础设施; 数据库和 Redis 不可用时降级启动
	log.Info("Initializing infrastructure...")
	var roomRepo repository.RoomRepository
	db, err := setup.InitDB(cfg.DBUser, cfg.DBPassword, cfg.DBHost, cfg.DBPort, cfg.DBName)
	if err == nil {
		err = setup.MigrateDB(db)
	}
	if err != nil {
		log.WithError(err).Error("Document store unavailable, running in degraded mode")
		db = nil
		roomRepo = gormpersistence.UnavailableRoomRepository{}
	} else {
		roomRepo = gormpersistence.NewGormRoomRepository(db)
		log.Info("Database initialized and migrated")
	}

	redisClient, err := setup.InitRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		log.WithError(err).Error("Shared store unreachable at startup, requests will fail until it recovers")
	}

	redisClientOpt := asynq.RedisClientOpt{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}
	asynqClient := asynq.NewClient(redisClientOpt)
	enqueuer := tasks.NewAsynqEnqueuer(asynqClient)
	log.Info("Infrastructure initialized")

	// 4. 初始化 Repositories
	sessionRepo := redisstate.NewSessionRepository(redisClient, cfg.KeyPrefix)
	metaRepo := redisstate.NewRoomMetaRepository(redisClient, cfg.KeyPrefix)
	presenceRepo := redisstate.NewPresenceRepository(redisClient, cfg.KeyPrefix)
	lockRepo := redisstate.NewLockRepository(redisClient, cfg.KeyPrefix)
	deadRepo := redisstate.NewDeadLetterRepository(redisClient, cfg.KeyPrefix)
	bus := redisstate.NewEventBus(redisClient, cfg.KeyPrefix)

	// 5. 初始化 Services
	sessionService := service.NewSessionService(sessionRepo, roomRepo, metaRepo, enqueuer)
	compactionService := service.NewCompactionService(
		sessionService,
		lockRepo,
		bus,
		enqueuer,
		service.NewTicketIssuer(cfg.SnapshotTicketSecret, cfg.SnapshotLockTTL),
		raster.NewRenderer(),
		service.CompactionConfig{
			ServerID:         cfg.ServerID,
			LockTTL:          cfg.SnapshotLockTTL,
			MaxRedelegations: cfg.SnapshotMaxRedelegations,
			RequireTicket:    cfg.SnapshotRequireTicket,
		},
	)
	roomService := service.NewRoomService(roomRepo, metaRepo, presenceRepo, cfg.RoomMetaTTL)
	presenceService := service.NewPresenceService(presenceRepo, deadRepo, enqueuer, cfg.ServerID)
	log.Info("Services initialized")

	// 6. 初始化 Hub
	hubInstance := hub.NewHub(cfg.ServerID, sessionService, compactionService, presenceService, bus)

	// 7. 初始化 Worker Server 和 Scheduler
	workerServer := worker.NewWorkerServer(
		redisClientOpt,
		worker.Config{Concurrency: cfg.WorkerConcurrency, MaxBackoff: cfg.JobMaxBackoff},
		worker.NewPersistenceHandler(roomRepo, sessionRepo, cfg.RoomRetentionDays),
		worker.NewSnapshotRoundHandler(compactionService),
		deadRepo,
		log,
	)
	scheduler := asynq.NewScheduler(redisClientOpt, &asynq.SchedulerOpts{
		Logger: log.WithField("component", "scheduler"),
	})

	// 8. 初始化 Gin Engine 和路由
	healthCheck := func(ctx context.Context) error {
		return redisClient.Ping(ctx).Err()
	}
	router := NewRouter(cfg, log, redisClient, Handlers{
		Room:      httpHandler.NewRoomHandler(roomService, cfg.ServerID),
		Status:    httpHandler.NewStatusHandler(presenceService, healthCheck),
		WebSocket: wsHandler.NewWebSocketHandler(hubInstance, cfg.CORSAllowedOrigin),
	})

	// 9. 初始化 HTTP Server
	httpServer := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return &App{
		Config:      cfg,
		Log:         log,
		DB:          db,
		RedisClient: redisClient,
		AsynqClient: asynqClient,
		AsynqServer: workerServer,
		Scheduler:   scheduler,
		Hub:         hubInstance,
		HttpServer:  httpServer,
	}, nil
}

// Handlers 路由需要的 HTTP 处理器
type Handlers struct {
	Room      *httpHandler.RoomHandler
	Status    *httpHandler.StatusHandler
	WebSocket *wsHandler.WebSocketHandler
}

// NewRouter 组装中间件和路由
func NewRouter(cfg *Config, log *logrus.Logger, redisClient *redis.Client, h Handlers) *gin.Engine {
	if cfg.AppEnv == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(LoggerMiddleware(log))
	router.Use(middleware.CORS(cfg.CORSAllowedOrigin))
	router.Use(middleware.RateLimit(redisClient, cfg.KeyPrefix, "global", cfg.RateLimitMax, cfg.RateLimitWindow))

	roomRoutes := router.Group("/room")
	{
		roomRoutes.POST("/create-room",
			middleware.RateLimit(redisClient, cfg.KeyPrefix, "create-room", cfg.CreateRoomLimit, cfg.CreateRoomWindow),
			h.Room.CreateRoom,
		)
		roomRoutes.GET("/:roomId", h.Room.GetRoom)
	}
	router.GET("/status", h.Status.Status)
	router.GET("/stats", h.Status.Stats)
	router.GET("/metrics", gin.WrapH(metrics.Handler()))
	router.GET("/ws", h.WebSocket.HandleConnection)
	return router
}

func newLogger(cfg *Config) *logrus.Logger {
	log := logrus.New()
	if cfg.AppEnv == "production" {
		log.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, ForceColors: true})
	}
	logLevel, _ := logrus.ParseLevel(cfg.LogLevel) // cfg.LogLevel 已被 LoadConfig 验证
	log.SetLevel(logLevel)
	log.SetOutput(os.Stdout)

	// 各包使用全局 logrus，保持一致的格式和级别
	logrus.SetFormatter(log.Formatter)
	logrus.SetLevel(logLevel)
	logrus.SetOutput(os.Stdout)
	log.Infof("Logger initialized (Level: %s, Format: %T)", logLevel.String(), log.Formatter)
	return log
}

// Start 启动应用的所有后台 Goroutine 和 HTTP 服务器
func (a *App) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	go func() {
		if err := a.Hub.Run(ctx); err != nil {
			a.Log.WithError(err).Error("Hub stopped, cross-instance events disabled")
		}
	}()
	a.Log.Info("Hub routine started")

	go a.AsynqServer.Start()
	a.Log.Info("Asynq worker server routine started")

	a.registerPeriodicTasks()

	// 启动 HTTP 服务器
	go func() {
		a.Log.Infof("HTTP server starting to listen on %s", a.HttpServer.Addr)
		if err := a.HttpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.Log.Fatalf("Failed to start HTTP server: %v", err)
		}
		a.Log.Info("HTTP server stopped listening.")
	}()
}

func (a *App) registerPeriodicTasks() {
	entryID, err := worker.RegisterPeriodicTasks(a.Scheduler, a.Config.CleanupSchedule, a.Config.RoomRetentionDays)
	if err != nil {
		a.Log.Errorf("Could not register periodic rooms cleanup task: %v", err)
		return
	}
	a.Log.Infof("Periodic rooms cleanup task registered with schedule '%s' (EntryID: %s)", a.Config.CleanupSchedule, entryID)

	// Start 不阻塞，信号由 main 统一处理
	if err := a.Scheduler.Start(); err != nil {
		a.Log.Errorf("Asynq scheduler failed to start: %v", err)
		return
	}
	a.Log.Info("Asynq scheduler started")
}

// Shutdown 优雅地关闭应用
func (a *App) Shutdown() {
	a.Log.Info("Shutting down application...")

	// 1. 停止 Hub 的订阅
	if a.cancel != nil {
		a.cancel()
	}

	// 2. 停止 Scheduler 和 Worker
	if a.Scheduler != nil {
		a.Scheduler.Shutdown()
	}
	if a.AsynqServer != nil {
		a.AsynqServer.Shutdown()
	}

	// 3. 优雅关闭 HTTP 服务器
	a.Log.Info("Shutting down HTTP server...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.HttpServer.Shutdown(ctx); err != nil {
		a.Log.Errorf("Error shutting down HTTP server: %v", err)
	} else {
		a.Log.Info("HTTP server shut down gracefully.")
	}

	// 4. 关闭 Asynq Client
	if a.AsynqClient != nil {
		if err := a.AsynqClient.Close(); err != nil {
			a.Log.Errorf("Error closing Asynq client: %v", err)
		}
	}

	// 5. 关闭 Redis 连接
	if a.RedisClient != nil {
		if err := a.RedisClient.Close(); err != nil {
			a.Log.Errorf("Error closing Redis connection: %v", err)
		}
	}

	// 6. 关闭数据库连接
	if a.DB != nil {
		if sqlDB, err := a.DB.DB(); err == nil {
			if err := sqlDB.Close(); err != nil {
				a.Log.Errorf("Error closing database connection: %v", err)
			}
		}
	}

	a.Log.Info("Application shutdown complete.")
}

// LoggerMiddleware 创建一个 Gin 中间件用于记录请求日志
func LoggerMiddleware(log *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		startTime := time.Now()
		c.Next() // 处理请求
		latency := time.Since(startTime)
		statusCode := c.Writer.Status()
		path := c.Request.URL.Path
		if c.Request.URL.RawQuery != "" {
			path = path + "?" + c.Request.URL.RawQuery
		}
		errorMessage := c.Errors.ByType(gin.ErrorTypePrivate).String()

		entry := log.WithFields(logrus.Fields{
			"status_code": statusCode,
			"latency_ms":  latency.Milliseconds(),
			"client_ip":   c.ClientIP(),
			"method":      c.Request.Method,
			"path":        path,
		})

		switch {
		case errorMessage != "":
			entry.Error(errorMessage)
		case statusCode >= 500:
			entry.Error("Server error")
		case statusCode >= 400:
			entry.Warn("Client error")
		default:
			entry.Info("Request handled")
		}
	}
}
