package setup

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"collaborative-canvas/internal/domain"
)

// MigrateDB handles all database migrations using the provided GORM DB instance.
// 返回错误以便调用者知道迁移是否成功。
func MigrateDB(db *gorm.DB) error {
	if db == nil {
		return fmt.Errorf("cannot migrate database with nil DB connection")
	}

	if err := migrateRoomsTable(db); err != nil {
		return fmt.Errorf("failed to migrate rooms table: %w", err)
	}

	logrus.Info("Database migration completed successfully")
	return nil
}

// migrateRoomsTable 表不存在时用 SQL 建表 (快照列需要 LONGTEXT)，存在时交给 AutoMigrate 补齐列和索引
func migrateRoomsTable(db *gorm.DB) error {
	var count int64
	db.Raw("SELECT COUNT(*) FROM information_schema.tables WHERE table_schema = DATABASE() AND table_name = 'rooms'").Count(&count)

	if count == 0 {
		return createRoomsTable(db)
	}
	if err := db.AutoMigrate(&domain.Room{}); err != nil {
		logrus.Errorf("Failed to auto-migrate Room table: %v", err)
		return fmt.Errorf("failed to migrate room indexes: %w", err)
	}
	logrus.Info("Rooms table schema checked/updated successfully")
	return nil
}

// createRoomsTable 创建 rooms 表
func createRoomsTable(db *gorm.DB) error {
	sql := `
	CREATE TABLE rooms (
		id BIGINT UNSIGNED AUTO_INCREMENT PRIMARY KEY,
		room_id VARCHAR(64) NOT NULL,
		canvas_snapshot LONGTEXT NULL,
		canvas_width BIGINT NOT NULL DEFAULT 1280,
		canvas_height BIGINT NOT NULL DEFAULT 720,
		created_at DATETIME(3),
		updated_at DATETIME(3),
		UNIQUE INDEX idx_rooms_room_id (room_id),
		INDEX idx_rooms_updated_at (updated_at)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_general_ci;
	`
	if err := db.Exec(sql).Error; err != nil {
		logrus.Errorf("Failed to create rooms table: %v", err)
		return fmt.Errorf("failed to create rooms table: %w", err)
	}
	logrus.Info("Rooms table created successfully")
	return nil
}
