package bootstrap

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigDefaults(t *testing.T) {
	cfg, err := configFrom(newViper())
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.ServerPort)
	assert.Equal(t, "canvas:", cfg.KeyPrefix)
	assert.Equal(t, 5, cfg.CreateRoomLimit)
	assert.Equal(t, 5*time.Minute, cfg.CreateRoomWindow)
	assert.Equal(t, 30*time.Second, cfg.SnapshotLockTTL)
	assert.Equal(t, 3, cfg.SnapshotMaxRedelegations)
	assert.Equal(t, 1, cfg.WorkerConcurrency)
	assert.Equal(t, "@every 24h", cfg.CleanupSchedule)
	assert.NotEmpty(t, cfg.ServerID, "未配置时生成实例 ID")
}

func TestConfigFromEnvironment(t *testing.T) {
	t.Setenv("SERVER_ID", "server-a")
	t.Setenv("CREATE_ROOM_WINDOW", "10m")
	t.Setenv("SNAPSHOT_TICKET_SECRET", "s3cret")
	t.Setenv("SNAPSHOT_REQUIRE_TICKET", "true")
	t.Setenv("LOG_LEVEL", "nonsense")

	cfg, err := configFrom(newViper())
	require.NoError(t, err)
	assert.Equal(t, "server-a", cfg.ServerID)
	assert.Equal(t, 10*time.Minute, cfg.CreateRoomWindow)
	assert.True(t, cfg.SnapshotRequireTicket)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestConfigRequireTicketWithoutSecret(t *testing.T) {
	t.Setenv("SNAPSHOT_REQUIRE_TICKET", "true")
	t.Setenv("SNAPSHOT_TICKET_SECRET", "")

	_, err := configFrom(newViper())
	assert.Error(t, err)
}

func TestConfigStartupFields(t *testing.T) {
	t.Setenv("SERVER_ID", "server-a")
	t.Setenv("SNAPSHOT_TICKET_SECRET", "s3cret")

	cfg, err := configFrom(newViper())
	require.NoError(t, err)
	fields := cfg.StartupFields()
	assert.Equal(t, "server-a", fields["server_id"])
	assert.Equal(t, "8080", fields["port"])
	assert.Equal(t, "canvas:", fields["key_prefix"])
	assert.Equal(t, "30s", fields["snapshot_lock_ttl"])
	assert.Equal(t, 3, fields["max_redelegations"])
	assert.NotContains(t, fields, "snapshot_ticket_secret")
}
