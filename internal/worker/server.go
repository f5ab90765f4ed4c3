package worker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"collaborative-canvas/internal/domain"
	"collaborative-canvas/internal/metrics"
	"collaborative-canvas/internal/repository"
	"collaborative-canvas/internal/tasks"
)

// Config Worker 参数
type Config struct {
	Concurrency int           // 每个实例同时处理的任务数
	MaxBackoff  time.Duration // 重试等待上限
}

// WorkerServer 封装了 Asynq Worker Server 的启动和关闭逻辑
type WorkerServer struct {
	server      *asynq.Server
	log         *logrus.Entry
	dead        repository.DeadLetterRepository
	persistence *PersistenceHandler
	snapshots   *SnapshotRoundHandler
}

// NewWorkerServer 创建一个新的 WorkerServer 实例
func NewWorkerServer(
	redisOpt asynq.RedisConnOpt,
	cfg Config,
	persistence *PersistenceHandler,
	snapshots *SnapshotRoundHandler,
	dead repository.DeadLetterRepository,
	logger *logrus.Logger,
) *WorkerServer {
	if persistence == nil || snapshots == nil || dead == nil {
		panic("all dependencies must be non-nil for WorkerServer")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	logEntry := logger.WithField("component", "worker_server")

	ws := &WorkerServer{
		log:         logEntry,
		dead:        dead,
		persistence: persistence,
		snapshots:   snapshots,
	}
	ws.server = asynq.NewServer(
		redisOpt,
		asynq.Config{
			Concurrency: cfg.Concurrency,
			Queues: map[string]int{
				tasks.QueueCritical: 6,
				tasks.QueueDefault:  3,
				tasks.QueueLow:      1,
			},
			StrictPriority: true,
			RetryDelayFunc: func(n int, _ error, _ *asynq.Task) time.Duration {
				return RetryDelay(n, cfg.MaxBackoff)
			},
			ErrorHandler: asynq.ErrorHandlerFunc(ws.handleError),
			Logger:       logEntry,
		},
	)
	return ws
}

// RetryDelay 第 n 次重试 (从 0 开始) 前的等待: 2^(n+1) 秒，不超过 max
func RetryDelay(n int, max time.Duration) time.Duration {
	return tasks.Backoff(n+1, max)
}

// NewMux 注册所有任务处理器
func (ws *WorkerServer) NewMux() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(tasks.TypePersistSnapshot, ws.persistence.PersistSnapshot)
	mux.HandleFunc(tasks.TypePersistReset, ws.persistence.PersistReset)
	mux.HandleFunc(tasks.TypeRoomsCleanup, ws.persistence.RoomsCleanup)
	mux.HandleFunc(tasks.TypeRoomAnalytics, ws.persistence.RoomAnalytics)
	mux.HandleFunc(tasks.TypeSnapshotRedelegate, ws.snapshots.Redelegate)
	mux.HandleFunc(tasks.TypeSnapshotRasterize, ws.snapshots.Rasterize)
	return mux
}

// Start 运行 Worker Server
// 它应该在一个单独的 goroutine 中调用
func (ws *WorkerServer) Start() {
	ws.log.Info("Worker server starting...")
	if err := ws.server.Run(ws.NewMux()); err != nil {
		if errors.Is(err, asynq.ErrServerClosed) {
			ws.log.Info("Worker server stopped.")
			return
		}
		// 共享存储不可用时不影响 HTTP 服务
		ws.log.WithError(err).Error("Could not run worker server")
	}
}

// Shutdown 优雅地关闭 Worker Server
func (ws *WorkerServer) Shutdown() {
	ws.log.Info("Shutting down worker server...")
	ws.server.Shutdown()
	ws.log.Info("Worker server shut down complete.")
}

// IsFinalFailure 重试耗尽或明确不重试
func IsFinalFailure(retried, maxRetry int, err error) bool {
	return retried >= maxRetry || errors.Is(err, asynq.SkipRetry)
}

// handleError 每次任务失败时调用; 最终失败时写入死信列表
func (ws *WorkerServer) handleError(ctx context.Context, task *asynq.Task, err error) {
	taskID, _ := asynq.GetTaskID(ctx)
	queue, _ := asynq.GetQueueName(ctx)
	retried, _ := asynq.GetRetryCount(ctx)
	maxRetry, _ := asynq.GetMaxRetry(ctx)
	logCtx := ws.log.WithFields(logrus.Fields{
		"task_id":   taskID,
		"task_type": task.Type(),
		"queue":     queue,
		"retries":   retried,
		"max_retry": maxRetry,
	})

	if !IsFinalFailure(retried, maxRetry, err) {
		logCtx.WithError(err).Warn("Task failed, will retry")
		return
	}

	payload := json.RawMessage(task.Payload())
	job := domain.DeadJob{
		ID:       taskID,
		Type:     task.Type(),
		Queue:    queue,
		Payload:  payload,
		Attempts: retried + 1,
		Error:    err.Error(),
		FailedAt: time.Now(),
	}
	if pushErr := ws.dead.Push(ctx, job); pushErr != nil {
		logCtx.WithError(pushErr).Error("Failed to record dead job")
	}
	metrics.JobsDeadLettered.WithLabelValues(task.Type()).Inc()
	logCtx.WithError(err).Error("Task failed permanently, moved to dead-letter list")
}
