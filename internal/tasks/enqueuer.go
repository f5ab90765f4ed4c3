package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

// 队列名称，Worker 按严格优先级消费
const (
	QueueCritical = "critical"
	QueueDefault  = "default"
	QueueLow      = "low"
)

// 默认任务参数
const (
	DefaultMaxAttempts = 3
	DefaultPriority    = 1
)

// JobOptions 描述任务的重试次数、优先级和延迟
type JobOptions struct {
	MaxAttempts int           // 总尝试次数 (含第一次)
	Priority    int           // >=2 critical, 1 default, <=0 low
	Delay       time.Duration // 延迟执行
}

// DefaultJobOptions 返回 {MaxAttempts: 3, Priority: 1}
func DefaultJobOptions() JobOptions {
	return JobOptions{MaxAttempts: DefaultMaxAttempts, Priority: DefaultPriority}
}

// Enqueuer 是服务层依赖的任务入队接口
type Enqueuer interface {
	Enqueue(ctx context.Context, jobType string, payload interface{}, opts JobOptions) (string, error)
}

// QueueForPriority 把数值优先级映射到队列
func QueueForPriority(priority int) string {
	switch {
	case priority >= 2:
		return QueueCritical
	case priority == 1:
		return QueueDefault
	default:
		return QueueLow
	}
}

// AsynqOptions 把 JobOptions 转成 asynq 选项，MaxAttempts 包含首次执行
func AsynqOptions(jobID string, opts JobOptions) []asynq.Option {
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	out := []asynq.Option{
		asynq.TaskID(jobID),
		asynq.Queue(QueueForPriority(opts.Priority)),
		asynq.MaxRetry(maxAttempts - 1),
	}
	if opts.Delay > 0 {
		out = append(out, asynq.ProcessIn(opts.Delay))
	}
	return out
}

// AsynqEnqueuer 是基于 asynq 的 Enqueuer 实现
type AsynqEnqueuer struct {
	client *asynq.Client
}

// NewAsynqEnqueuer 创建 AsynqEnqueuer 实例
func NewAsynqEnqueuer(client *asynq.Client) *AsynqEnqueuer {
	if client == nil {
		panic("asynq client cannot be nil for AsynqEnqueuer")
	}
	return &AsynqEnqueuer{client: client}
}

// Enqueue 序列化 payload 并入队，返回任务 ID
func (e *AsynqEnqueuer) Enqueue(ctx context.Context, jobType string, payload interface{}, opts JobOptions) (string, error) {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("tasks: marshal %s payload: %w", jobType, err)
	}
	jobID := uuid.NewString()
	info, err := e.client.EnqueueContext(ctx, asynq.NewTask(jobType, payloadBytes), AsynqOptions(jobID, opts)...)
	if err != nil {
		return "", fmt.Errorf("tasks: enqueue %s: %w", jobType, err)
	}
	return info.ID, nil
}

// Backoff 返回第 attempts 次重试前的等待时间: 2^attempts 秒，不超过 max (max<=0 表示不设上限)。
func Backoff(attempts int, max time.Duration) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	if attempts > 30 {
		attempts = 30
	}
	d := time.Duration(1<<uint(attempts)) * time.Second
	if max > 0 && d > max {
		return max
	}
	return d
}
