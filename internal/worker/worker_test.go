package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"collaborative-canvas/internal/domain"
	redisstate "collaborative-canvas/internal/infra/state/redis"
	"collaborative-canvas/internal/repository"
	"collaborative-canvas/internal/repository/mocks"
	"collaborative-canvas/internal/tasks"
)

func newTask(t *testing.T, typ string, payload interface{}) *asynq.Task {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	return asynq.NewTask(typ, data)
}

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestPersistSnapshot(t *testing.T) {
	_, client := newRedis(t)
	rooms := mocks.NewRoomRepository(t)
	h := NewPersistenceHandler(rooms, redisstate.NewSessionRepository(client, "test:"), 7)
	ctx := context.Background()

	rooms.On("UpdateSnapshot", ctx, "r1", mock.MatchedBy(func(s *string) bool {
		return s != nil && *s == "data:image/png;base64,AAA"
	})).Return(nil).Once()

	err := h.PersistSnapshot(ctx, newTask(t, tasks.TypePersistSnapshot, tasks.PersistSnapshotPayload{RoomID: "r1", Snapshot: "data:image/png;base64,AAA"}))
	assert.NoError(t, err)
}

func TestPersistSnapshot_StoreErrorIsRetried(t *testing.T) {
	_, client := newRedis(t)
	rooms := mocks.NewRoomRepository(t)
	h := NewPersistenceHandler(rooms, redisstate.NewSessionRepository(client, "test:"), 7)
	ctx := context.Background()

	rooms.On("UpdateSnapshot", ctx, "r1", mock.Anything).Return(repository.ErrDocumentStoreUnavailable).Once()

	err := h.PersistSnapshot(ctx, newTask(t, tasks.TypePersistSnapshot, tasks.PersistSnapshotPayload{RoomID: "r1", Snapshot: "x"}))
	require.Error(t, err)
	assert.False(t, errors.Is(err, asynq.SkipRetry))
	assert.ErrorIs(t, err, repository.ErrDocumentStoreUnavailable)
}

func TestPersistSnapshot_MalformedPayloadSkipsRetry(t *testing.T) {
	_, client := newRedis(t)
	rooms := mocks.NewRoomRepository(t)
	h := NewPersistenceHandler(rooms, redisstate.NewSessionRepository(client, "test:"), 7)

	err := h.PersistSnapshot(context.Background(), asynq.NewTask(tasks.TypePersistSnapshot, []byte("{not json")))
	assert.ErrorIs(t, err, asynq.SkipRetry)
	rooms.AssertNotCalled(t, "UpdateSnapshot", mock.Anything, mock.Anything, mock.Anything)
}

func TestPersistReset(t *testing.T) {
	_, client := newRedis(t)
	rooms := mocks.NewRoomRepository(t)
	h := NewPersistenceHandler(rooms, redisstate.NewSessionRepository(client, "test:"), 7)
	ctx := context.Background()

	rooms.On("UpdateSnapshot", ctx, "r1", (*string)(nil)).Return(nil).Once()

	assert.NoError(t, h.PersistReset(ctx, newTask(t, tasks.TypePersistReset, tasks.PersistResetPayload{RoomID: "r1"})))
}

func TestRoomsCleanup_DeletesDocumentsAndSessions(t *testing.T) {
	_, client := newRedis(t)
	sessions := redisstate.NewSessionRepository(client, "test:")
	rooms := mocks.NewRoomRepository(t)
	h := NewPersistenceHandler(rooms, sessions, 7)
	ctx := context.Background()

	_, err := sessions.Init(ctx, domain.NewSession("old", time.Now()))
	require.NoError(t, err)

	rooms.On("DeleteUpdatedBefore", ctx, mock.MatchedBy(func(cutoff time.Time) bool {
		return time.Since(cutoff) > 2*24*time.Hour && time.Since(cutoff) < 4*24*time.Hour
	})).Return([]string{"old"}, nil).Once()

	err = h.RoomsCleanup(ctx, newTask(t, tasks.TypeRoomsCleanup, tasks.RoomsCleanupPayload{OlderThanDays: 3}))
	require.NoError(t, err)

	_, err = sessions.Get(ctx, "old")
	assert.ErrorIs(t, err, repository.ErrSessionNotFound)
}

func TestRoomsCleanup_DegradedIsNoop(t *testing.T) {
	_, client := newRedis(t)
	rooms := mocks.NewRoomRepository(t)
	h := NewPersistenceHandler(rooms, redisstate.NewSessionRepository(client, "test:"), 7)

	rooms.On("DeleteUpdatedBefore", mock.Anything, mock.Anything).Return(nil, repository.ErrDocumentStoreUnavailable).Once()
	assert.NoError(t, h.RoomsCleanup(context.Background(), asynq.NewTask(tasks.TypeRoomsCleanup, nil)))
}

func TestRetryDelay(t *testing.T) {
	assert.Equal(t, 2*time.Second, RetryDelay(0, time.Minute))
	assert.Equal(t, 4*time.Second, RetryDelay(1, time.Minute))
	assert.Equal(t, 8*time.Second, RetryDelay(2, time.Minute))
	assert.Equal(t, time.Minute, RetryDelay(10, time.Minute))
}

func TestIsFinalFailure(t *testing.T) {
	boom := errors.New("boom")
	assert.False(t, IsFinalFailure(0, 2, boom))
	assert.False(t, IsFinalFailure(1, 2, boom))
	assert.True(t, IsFinalFailure(2, 2, boom))
	assert.True(t, IsFinalFailure(0, 2, fmt.Errorf("bad payload: %w", asynq.SkipRetry)))
}

func TestHandleError_FinalFailureIsDeadLettered(t *testing.T) {
	_, client := newRedis(t)
	dead := redisstate.NewDeadLetterRepository(client, "test:")
	rooms := mocks.NewRoomRepository(t)
	sessions := redisstate.NewSessionRepository(client, "test:")

	ws := &WorkerServer{
		log:         logrus.New().WithField("component", "worker_server"),
		dead:        dead,
		persistence: NewPersistenceHandler(rooms, sessions, 7),
	}

	task := newTask(t, tasks.TypePersistSnapshot, tasks.PersistSnapshotPayload{RoomID: "r1", Snapshot: "x"})
	// 没有任务元数据时 retried == maxRetry == 0，视为最终失败
	ws.handleError(context.Background(), task, errors.New("db down"))

	jobs, err := dead.List(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, tasks.TypePersistSnapshot, jobs[0].Type)
	assert.Equal(t, "db down", jobs[0].Error)
	assert.Equal(t, 1, jobs[0].Attempts)
	assert.JSONEq(t, `{"roomId":"r1","snapshot":"x"}`, string(jobs[0].Payload))
}
