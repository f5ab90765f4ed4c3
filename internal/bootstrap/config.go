package bootstrap

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	redisstate "collaborative-canvas/internal/infra/state/redis"
)

// Config 结构体用于存储从环境变量或文件加载的配置
type Config struct {
	ServerPort string
	AppEnv     string // development/production
	LogLevel   string
	ServerID   string // 实例 ID，未配置时随机生成

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	KeyPrefix     string

	DBUser     string
	DBPassword string
	DBHost     string
	DBPort     string
	DBName     string

	CORSAllowedOrigin string
	RateLimitMax      int
	RateLimitWindow   time.Duration
	CreateRoomLimit   int
	CreateRoomWindow  time.Duration
	RoomMetaTTL       time.Duration

	SnapshotTicketSecret     string
	SnapshotRequireTicket    bool
	SnapshotLockTTL          time.Duration
	SnapshotMaxRedelegations int

	WorkerConcurrency int
	JobMaxBackoff     time.Duration
	RoomRetentionDays int
	CleanupSchedule   string
}

// LoadConfig 从 .env 和环境变量加载配置
func LoadConfig() (*Config, error) {
	// 优先加载 .env 文件 (如果存在)
	_ = godotenv.Load()
	return configFrom(newViper())
}

func newViper() *viper.Viper {
	v := viper.New()
	v.AutomaticEnv()

	// --- 默认值 ---
	v.SetDefault("SERVER_PORT", "8080")
	v.SetDefault("APP_ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("REDIS_ADDR", "localhost:6379")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("REDIS_KEY_PREFIX", redisstate.DefaultKeyPrefix)
	v.SetDefault("DB_PORT", "3306")
	v.SetDefault("CORS_ALLOWED_ORIGIN", "http://localhost:5173")
	v.SetDefault("RATE_LIMIT_MAX", 100)
	v.SetDefault("RATE_LIMIT_WINDOW", "1s")
	v.SetDefault("CREATE_ROOM_LIMIT", 5)
	v.SetDefault("CREATE_ROOM_WINDOW", "5m")
	v.SetDefault("ROOM_META_TTL", "24h")
	v.SetDefault("SNAPSHOT_REQUIRE_TICKET", false)
	v.SetDefault("SNAPSHOT_LOCK_TTL", "30s")
	v.SetDefault("SNAPSHOT_MAX_REDELEGATIONS", 3)
	v.SetDefault("WORKER_CONCURRENCY", 1)
	v.SetDefault("JOB_MAX_BACKOFF", "5m")
	v.SetDefault("ROOM_RETENTION_DAYS", 7)
	v.SetDefault("CLEANUP_SCHEDULE", "@every 24h")

	// 没有默认值的 key 也要能从环境变量读取
	for _, key := range []string{"SERVER_ID", "REDIS_PASSWORD", "DB_USER", "DB_PASSWORD", "DB_HOST", "DB_NAME", "SNAPSHOT_TICKET_SECRET"} {
		_ = v.BindEnv(key)
	}
	return v
}

func configFrom(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		ServerPort: v.GetString("SERVER_PORT"),
		AppEnv:     v.GetString("APP_ENV"),
		LogLevel:   v.GetString("LOG_LEVEL"),
		ServerID:   v.GetString("SERVER_ID"),

		RedisAddr:     v.GetString("REDIS_ADDR"),
		RedisPassword: v.GetString("REDIS_PASSWORD"),
		RedisDB:       v.GetInt("REDIS_DB"),
		KeyPrefix:     v.GetString("REDIS_KEY_PREFIX"),

		DBUser:     v.GetString("DB_USER"),
		DBPassword: v.GetString("DB_PASSWORD"),
		DBHost:     v.GetString("DB_HOST"),
		DBPort:     v.GetString("DB_PORT"),
		DBName:     v.GetString("DB_NAME"),

		CORSAllowedOrigin: v.GetString("CORS_ALLOWED_ORIGIN"),
		RateLimitMax:      v.GetInt("RATE_LIMIT_MAX"),
		RateLimitWindow:   v.GetDuration("RATE_LIMIT_WINDOW"),
		CreateRoomLimit:   v.GetInt("CREATE_ROOM_LIMIT"),
		CreateRoomWindow:  v.GetDuration("CREATE_ROOM_WINDOW"),
		RoomMetaTTL:       v.GetDuration("ROOM_META_TTL"),

		SnapshotTicketSecret:     v.GetString("SNAPSHOT_TICKET_SECRET"),
		SnapshotRequireTicket:    v.GetBool("SNAPSHOT_REQUIRE_TICKET"),
		SnapshotLockTTL:          v.GetDuration("SNAPSHOT_LOCK_TTL"),
		SnapshotMaxRedelegations: v.GetInt("SNAPSHOT_MAX_REDELEGATIONS"),

		WorkerConcurrency: v.GetInt("WORKER_CONCURRENCY"),
		JobMaxBackoff:     v.GetDuration("JOB_MAX_BACKOFF"),
		RoomRetentionDays: v.GetInt("ROOM_RETENTION_DAYS"),
		CleanupSchedule:   v.GetString("CLEANUP_SCHEDULE"),
	}

	if cfg.ServerID == "" {
		cfg.ServerID = uuid.NewString()
	}

	// --- 必要检查 ---
	if cfg.RedisAddr == "" {
		return nil, fmt.Errorf("REDIS_ADDR must be set")
	}
	if cfg.RateLimitMax <= 0 || cfg.RateLimitWindow <= 0 {
		return nil, fmt.Errorf("RATE_LIMIT_MAX and RATE_LIMIT_WINDOW must be positive")
	}
	if cfg.CreateRoomLimit <= 0 || cfg.CreateRoomWindow <= 0 {
		return nil, fmt.Errorf("CREATE_ROOM_LIMIT and CREATE_ROOM_WINDOW must be positive")
	}
	if cfg.SnapshotRequireTicket && cfg.SnapshotTicketSecret == "" {
		return nil, fmt.Errorf("SNAPSHOT_REQUIRE_TICKET needs SNAPSHOT_TICKET_SECRET")
	}

	// 验证日志级别
	if _, err := logrus.ParseLevel(cfg.LogLevel); err != nil {
		logrus.Warnf("Invalid LOG_LEVEL '%s', using default 'info'", cfg.LogLevel)
		cfg.LogLevel = "info"
	}
	return cfg, nil
}

// StartupFields 启动日志中记录的画布实例信息
func (c *Config) StartupFields() logrus.Fields {
	return logrus.Fields{
		"server_id":         c.ServerID,
		"port":              c.ServerPort,
		"key_prefix":        c.KeyPrefix,
		"snapshot_lock_ttl": c.SnapshotLockTTL.String(),
		"max_redelegations": c.SnapshotMaxRedelegations,
		"ticket_required":   c.SnapshotRequireTicket,
	}
}
