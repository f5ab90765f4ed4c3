package gormpersistence

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"gorm.io/gorm"

	"collaborative-canvas/internal/repository"
)

func TestIsDuplicateEntry(t *testing.T) {
	assert.True(t, isDuplicateEntry(&mysql.MySQLError{Number: 1062, Message: "Duplicate entry"}))
	assert.True(t, isDuplicateEntry(fmt.Errorf("wrapped: %w", &mysql.MySQLError{Number: 1062})))
	assert.True(t, isDuplicateEntry(gorm.ErrDuplicatedKey))
	assert.False(t, isDuplicateEntry(&mysql.MySQLError{Number: 1213}))
	assert.False(t, isDuplicateEntry(gorm.ErrRecordNotFound))
}

func TestUnavailableRoomRepository(t *testing.T) {
	var repo repository.RoomRepository = UnavailableRoomRepository{}
	ctx := context.Background()

	_, err := repo.FindByRoomID(ctx, "r1")
	assert.ErrorIs(t, err, repository.ErrDocumentStoreUnavailable)
	assert.ErrorIs(t, repo.UpdateSnapshot(ctx, "r1", nil), repository.ErrDocumentStoreUnavailable)
	_, err = repo.DeleteUpdatedBefore(ctx, time.Now())
	assert.ErrorIs(t, err, repository.ErrDocumentStoreUnavailable)
}

// 编译期检查
var (
	_ repository.RoomRepository = (*GormRoomRepository)(nil)
	_ repository.RoomRepository = UnavailableRoomRepository{}
)
