package redisstate

import (
	"fmt"

	"collaborative-canvas/internal/domain"
)

// DefaultKeyPrefix 未配置前缀时使用
const DefaultKeyPrefix = "canvas:"

// keys 集中生成所有 Redis key，保证各仓库使用同一套命名。
type keys struct {
	prefix string
}

func newKeys(prefix string) keys {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return keys{prefix: prefix}
}

// --- Key Generation Helpers ---
func (k keys) session(roomID string) string {
	return fmt.Sprintf("%ssession:%s", k.prefix, roomID)
}

func (k keys) roomMeta(roomID string) string {
	return fmt.Sprintf("%sroom:%s", k.prefix, roomID)
}

func (k keys) roomMembers(roomID string) string {
	return fmt.Sprintf("%sroom:%s:members", k.prefix, roomID)
}

func (k keys) activeRooms() string {
	return k.prefix + "rooms:active"
}

func (k keys) socket(socketID string) string {
	return fmt.Sprintf("%ssocket:%s", k.prefix, socketID)
}

func (k keys) serverConnections(serverID string) string {
	return fmt.Sprintf("%sserver:%s:connections", k.prefix, serverID)
}

func (k keys) lock(kind domain.LockKind, roomID string) string {
	return fmt.Sprintf("%slock:%s:%s", k.prefix, kind, roomID)
}

func (k keys) channel(name string) string {
	return k.prefix + name
}

func (k keys) deadLetter() string {
	return k.prefix + "queue:failed"
}
