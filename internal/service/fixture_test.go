package service_test

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"collaborative-canvas/internal/domain"
	redisstate "collaborative-canvas/internal/infra/state/redis"
	"collaborative-canvas/internal/repository"
	"collaborative-canvas/internal/repository/mocks"
)

const testPrefix = "test:"

// fixture 共享存储用 miniredis，文档存储和任务队列用 mock
type fixture struct {
	mr       *miniredis.Miniredis
	client   *redis.Client
	sessions *redisstate.SessionRepository
	locks    *redisstate.LockRepository
	bus      *redisstate.EventBus
	metas    *redisstate.RoomMetaRepository
	presence *redisstate.PresenceRepository
	dead     *redisstate.DeadLetterRepository
	rooms    *mocks.RoomRepository
	enqueuer *mocks.Enqueuer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return &fixture{
		mr:       mr,
		client:   client,
		sessions: redisstate.NewSessionRepository(client, testPrefix),
		locks:    redisstate.NewLockRepository(client, testPrefix),
		bus:      redisstate.NewEventBus(client, testPrefix),
		metas:    redisstate.NewRoomMetaRepository(client, testPrefix),
		presence: redisstate.NewPresenceRepository(client, testPrefix),
		dead:     redisstate.NewDeadLetterRepository(client, testPrefix),
		rooms:    mocks.NewRoomRepository(t),
		enqueuer: mocks.NewEnqueuer(t),
	}
}

// allowDocumentMiss 查询文档时一律返回不存在
func (f *fixture) allowDocumentMiss() {
	f.rooms.On("FindByRoomID", mock.Anything, mock.Anything).Return(nil, repository.ErrRoomNotFound).Maybe()
}

// allowEnqueue 接受任意任务
func (f *fixture) allowEnqueue() {
	f.enqueuer.On("Enqueue", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return("job-1", nil).Maybe()
}

// seed 直接写入 n 条笔画
func (f *fixture) seed(t *testing.T, roomID string, n int) {
	t.Helper()
	_, err := f.sessions.Mutate(context.Background(), roomID, func(s *domain.Session) error {
		for i := 0; i < n; i++ {
			s.Push(penStroke(i))
		}
		return nil
	})
	require.NoError(t, err)
}

func penStroke(i int) domain.Stroke {
	return domain.Stroke{
		Tool:        domain.ToolPen,
		Color:       "#000000",
		StrokeWidth: 2,
		Path:        []domain.Point{{X: float64(i), Y: 1}, {X: float64(i), Y: 2}},
	}
}
