package gormpersistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"collaborative-canvas/internal/domain"
	"collaborative-canvas/internal/repository"
)

// GormRoomRepository 是 RoomRepository 接口的 GORM 实现
type GormRoomRepository struct {
	db *gorm.DB
}

// NewGormRoomRepository 创建 GormRoomRepository 实例
func NewGormRoomRepository(db *gorm.DB) *GormRoomRepository {
	if db == nil {
		panic("database connection cannot be nil for GormRoomRepository")
	}
	return &GormRoomRepository{db: db}
}

// FindByRoomID 根据对外房间 ID 查找房间
func (r *GormRoomRepository) FindByRoomID(ctx context.Context, roomID string) (*domain.Room, error) {
	var roomData domain.Room
	err := r.db.WithContext(ctx).Where("room_id = ?", roomID).First(&roomData).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, repository.ErrRoomNotFound
		}
		return nil, fmt.Errorf("gorm: find room by room_id '%s': %w", roomID, err)
	}
	return &roomData, nil
}

// Create 插入新房间
func (r *GormRoomRepository) Create(ctx context.Context, roomData *domain.Room) error {
	err := r.db.WithContext(ctx).Create(roomData).Error
	if err != nil {
		if isDuplicateEntry(err) {
			return repository.ErrDuplicateEntry
		}
		return fmt.Errorf("gorm: create room '%s': %w", roomData.RoomID, err)
	}
	return nil
}

// Ensure 不存在时创建，存在时返回已有文档
func (r *GormRoomRepository) Ensure(ctx context.Context, roomData *domain.Room) (*domain.Room, error) {
	var existing domain.Room
	err := r.db.WithContext(ctx).
		Where(domain.Room{RoomID: roomData.RoomID}).
		Attrs(domain.Room{CanvasWidth: roomData.CanvasWidth, CanvasHeight: roomData.CanvasHeight, CanvasSnapshot: roomData.CanvasSnapshot}).
		FirstOrCreate(&existing).Error
	if err != nil {
		// 并发创建时另一方已经插入，重新读取即可
		if isDuplicateEntry(err) {
			return r.FindByRoomID(ctx, roomData.RoomID)
		}
		return nil, fmt.Errorf("gorm: ensure room '%s': %w", roomData.RoomID, err)
	}
	return &existing, nil
}

// UpdateSnapshot 写入快照 (upsert)，snapshot 为 nil 时清空
func (r *GormRoomRepository) UpdateSnapshot(ctx context.Context, roomID string, snapshot *string) error {
	roomData := domain.Room{
		RoomID:         roomID,
		CanvasSnapshot: snapshot,
		CanvasWidth:    domain.DefaultCanvasW,
		CanvasHeight:   domain.DefaultCanvasH,
	}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "room_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{"canvas_snapshot": snapshot, "updated_at": time.Now()}),
	}).Create(&roomData).Error
	if err != nil {
		return fmt.Errorf("gorm: update snapshot of room '%s': %w", roomID, err)
	}
	return nil
}

// DeleteUpdatedBefore 删除长时间未更新的房间
func (r *GormRoomRepository) DeleteUpdatedBefore(ctx context.Context, cutoff time.Time) ([]string, error) {
	var roomIDs []string
	err := r.db.WithContext(ctx).Model(&domain.Room{}).
		Where("updated_at < ?", cutoff).
		Pluck("room_id", &roomIDs).Error
	if err != nil {
		return nil, fmt.Errorf("gorm: list rooms updated before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	if len(roomIDs) == 0 {
		return roomIDs, nil // 避免空的 IN 查询
	}
	err = r.db.WithContext(ctx).Where("room_id IN ?", roomIDs).Delete(&domain.Room{}).Error
	if err != nil {
		return nil, fmt.Errorf("gorm: delete %d stale rooms: %w", len(roomIDs), err)
	}
	return roomIDs, nil
}

// isDuplicateEntry 判断是否违反唯一约束 (MySQL 1062)
func isDuplicateEntry(err error) bool {
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
		return true
	}
	return errors.Is(err, gorm.ErrDuplicatedKey)
}
