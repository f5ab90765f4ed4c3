package redisstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"collaborative-canvas/internal/domain"
	"collaborative-canvas/internal/repository"
)

// maxTxRetries WATCH 冲突时的最大重试次数
const maxTxRetries = 16

// 会话 hash 字段
const (
	fieldRoomID    = "roomid"
	fieldUndo      = "undoStack"
	fieldRedo      = "redoStack"
	fieldBaseImage = "currBaseImageURL"
	fieldCreatedAt = "createdAt"
)

// SessionRepository 是 repository.SessionRepository 的 Redis 实现。
// 会话保存在 hash 中，所有读-改-写都在 WATCH/MULTI/EXEC 中完成。
type SessionRepository struct {
	client *redis.Client
	keys   keys
}

// NewSessionRepository 创建 SessionRepository 实例
func NewSessionRepository(client *redis.Client, keyPrefix string) *SessionRepository {
	if client == nil {
		panic("redis client cannot be nil for SessionRepository")
	}
	return &SessionRepository{client: client, keys: newKeys(keyPrefix)}
}

// Get 读取会话
func (r *SessionRepository) Get(ctx context.Context, roomID string) (*domain.Session, error) {
	return loadSession(ctx, r.client, r.keys.session(roomID), roomID)
}

// Init 会话不存在时写入 initial
func (r *SessionRepository) Init(ctx context.Context, initial *domain.Session) (*domain.Session, error) {
	if initial == nil || initial.RoomID == "" {
		return nil, fmt.Errorf("redis: init session: %w", domain.ErrMissingRoomID)
	}
	return r.transact(ctx, initial.RoomID, func(current *domain.Session, exists bool) (*domain.Session, bool, error) {
		if exists {
			return current, false, nil
		}
		return initial, true, nil
	})
}

// Mutate 以乐观事务修改会话
func (r *SessionRepository) Mutate(ctx context.Context, roomID string, fn repository.SessionMutation) (*domain.Session, error) {
	return r.transact(ctx, roomID, func(current *domain.Session, exists bool) (*domain.Session, bool, error) {
		if !exists {
			current = domain.NewSession(roomID, time.Now())
		}
		if err := fn(current); err != nil {
			return nil, false, err
		}
		return current, true, nil
	})
}

// Delete 删除会话
func (r *SessionRepository) Delete(ctx context.Context, roomID string) error {
	key := r.keys.session(roomID)
	if err := r.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis: failed to delete session %s: %w", key, err)
	}
	return nil
}

type sessionStep func(current *domain.Session, exists bool) (next *domain.Session, write bool, err error)

// transact 在 WATCH 下执行 step，EXEC 因并发修改失败时重试。
func (r *SessionRepository) transact(ctx context.Context, roomID string, step sessionStep) (*domain.Session, error) {
	key := r.keys.session(roomID)
	var (
		result  *domain.Session
		stepErr error
	)

	txf := func(tx *redis.Tx) error {
		current, err := loadSession(ctx, tx, key, roomID)
		exists := true
		if errors.Is(err, repository.ErrSessionNotFound) {
			exists = false
		} else if err != nil {
			return err
		}

		next, write, err := step(current, exists)
		if err != nil {
			stepErr = err
			return err
		}
		if !write {
			result = next
			return nil
		}

		fields, err := encodeSession(next)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, fields)
			return nil
		})
		if err == nil {
			result = next
		}
		return err
	}

	for attempt := 0; attempt < maxTxRetries; attempt++ {
		stepErr = nil
		err := r.client.Watch(ctx, txf, key)
		if err == nil {
			return result, nil
		}
		if stepErr != nil {
			return nil, stepErr
		}
		if err == redis.TxFailedErr {
			logrus.WithFields(logrus.Fields{"room_id": roomID, "attempt": attempt + 1}).Debug("redis: session transaction conflict, retrying")
			continue
		}
		return nil, fmt.Errorf("redis: session transaction on %s: %w", key, err)
	}
	return nil, repository.ErrConflict
}

func loadSession(ctx context.Context, c redis.Cmdable, key, roomID string) (*domain.Session, error) {
	fields, err := c.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: failed to get session from %s: %w", key, err)
	}
	if len(fields) == 0 {
		return nil, repository.ErrSessionNotFound
	}
	return decodeSession(roomID, fields)
}

func decodeSession(roomID string, fields map[string]string) (*domain.Session, error) {
	s := domain.NewSession(roomID, time.Time{})
	if v := fields[fieldUndo]; v != "" {
		if err := json.Unmarshal([]byte(v), &s.UndoStack); err != nil {
			return nil, fmt.Errorf("redis: corrupt undo stack for room %s: %w", roomID, err)
		}
	}
	if v := fields[fieldRedo]; v != "" {
		if err := json.Unmarshal([]byte(v), &s.RedoStack); err != nil {
			return nil, fmt.Errorf("redis: corrupt redo stack for room %s: %w", roomID, err)
		}
	}
	if s.UndoStack == nil {
		s.UndoStack = []domain.Stroke{}
	}
	if s.RedoStack == nil {
		s.RedoStack = []domain.Stroke{}
	}
	// 空字符串表示没有底图
	if v := fields[fieldBaseImage]; v != "" {
		base := v
		s.BaseImageURL = &base
	}
	if v := fields[fieldCreatedAt]; v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			s.CreatedAt = t
		}
	}
	return s, nil
}

func encodeSession(s *domain.Session) (map[string]interface{}, error) {
	undo, err := json.Marshal(s.UndoStack)
	if err != nil {
		return nil, fmt.Errorf("redis: marshal undo stack: %w", err)
	}
	redo, err := json.Marshal(s.RedoStack)
	if err != nil {
		return nil, fmt.Errorf("redis: marshal redo stack: %w", err)
	}
	base := ""
	if s.BaseImageURL != nil {
		base = *s.BaseImageURL
	}
	createdAt := s.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	return map[string]interface{}{
		fieldRoomID:    s.RoomID,
		fieldUndo:      string(undo),
		fieldRedo:      string(redo),
		fieldBaseImage: base,
		fieldCreatedAt: createdAt.UTC().Format(time.RFC3339Nano),
	}, nil
}
