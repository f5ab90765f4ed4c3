package redisstate

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"

	"collaborative-canvas/internal/domain"
)

// maxDeadJobs 死信列表最多保留的条数
const maxDeadJobs = 1000

// DeadLetterRepository 把失败任务保存在 Redis 列表中，最新的在前。
type DeadLetterRepository struct {
	client *redis.Client
	keys   keys
}

// NewDeadLetterRepository 创建 DeadLetterRepository 实例
func NewDeadLetterRepository(client *redis.Client, keyPrefix string) *DeadLetterRepository {
	if client == nil {
		panic("redis client cannot be nil for DeadLetterRepository")
	}
	return &DeadLetterRepository{client: client, keys: newKeys(keyPrefix)}
}

// Push 记录失败任务
func (r *DeadLetterRepository) Push(ctx context.Context, job domain.DeadJob) error {
	if len(job.Payload) > 0 && !json.Valid(job.Payload) {
		quoted, _ := json.Marshal(string(job.Payload))
		job.Payload = quoted
	}
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("redis: failed to marshal dead job %s: %w", job.ID, err)
	}
	key := r.keys.deadLetter()
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, key, data)
		pipe.LTrim(ctx, key, 0, maxDeadJobs-1)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis: failed to push dead job %s to %s: %w", job.ID, key, err)
	}
	return nil
}

// List 返回最近的 limit 条失败任务
func (r *DeadLetterRepository) List(ctx context.Context, limit int64) ([]domain.DeadJob, error) {
	if limit <= 0 {
		limit = 50
	}
	key := r.keys.deadLetter()
	raw, err := r.client.LRange(ctx, key, 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: failed to list dead jobs from %s: %w", key, err)
	}
	jobs := make([]domain.DeadJob, 0, len(raw))
	for _, item := range raw {
		var job domain.DeadJob
		if err := json.Unmarshal([]byte(item), &job); err != nil {
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// Count 返回失败任务数量
func (r *DeadLetterRepository) Count(ctx context.Context) (int64, error) {
	n, err := r.client.LLen(ctx, r.keys.deadLetter()).Result()
	if err != nil {
		return 0, fmt.Errorf("redis: failed to count dead jobs: %w", err)
	}
	return n, nil
}
