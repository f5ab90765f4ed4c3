package repository

import (
	"context"

	"collaborative-canvas/internal/domain"
)

// DeadLetterRepository 存放重试耗尽的任务
type DeadLetterRepository interface {
	Push(ctx context.Context, job domain.DeadJob) error
	List(ctx context.Context, limit int64) ([]domain.DeadJob, error)
	Count(ctx context.Context) (int64, error)
}
