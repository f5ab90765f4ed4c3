package gormpersistence

import (
	"context"
	"time"

	"collaborative-canvas/internal/domain"
	"collaborative-canvas/internal/repository"
)

// UnavailableRoomRepository 在数据库启动失败时替代 GormRoomRepository，
// 所有操作都返回 ErrDocumentStoreUnavailable，服务在降级模式下继续运行。
type UnavailableRoomRepository struct{}

func (UnavailableRoomRepository) FindByRoomID(context.Context, string) (*domain.Room, error) {
	return nil, repository.ErrDocumentStoreUnavailable
}

func (UnavailableRoomRepository) Create(context.Context, *domain.Room) error {
	return repository.ErrDocumentStoreUnavailable
}

func (UnavailableRoomRepository) Ensure(context.Context, *domain.Room) (*domain.Room, error) {
	return nil, repository.ErrDocumentStoreUnavailable
}

func (UnavailableRoomRepository) UpdateSnapshot(context.Context, string, *string) error {
	return repository.ErrDocumentStoreUnavailable
}

func (UnavailableRoomRepository) DeleteUpdatedBefore(context.Context, time.Time) ([]string, error) {
	return nil, repository.ErrDocumentStoreUnavailable
}
