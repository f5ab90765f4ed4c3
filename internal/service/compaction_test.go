package service_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"collaborative-canvas/internal/domain"
	"collaborative-canvas/internal/repository"
	"collaborative-canvas/internal/repository/mocks"
	"collaborative-canvas/internal/service"
	"collaborative-canvas/internal/tasks"
)

type fakeRenderer struct {
	url string
	err error

	mu    sync.Mutex
	calls int
}

func (r *fakeRenderer) Render(_ *string, _ []domain.Stroke, _, _ int) (string, error) {
	r.mu.Lock()
	r.calls++
	r.mu.Unlock()
	return r.url, r.err
}

func newCompaction(f *fixture, bus repository.EventBus, serverID string, tickets *service.TicketIssuer, requireTicket bool) *service.CompactionService {
	return service.NewCompactionService(
		newSessionService(f), f.locks, bus, f.enqueuer, tickets,
		&fakeRenderer{url: "data:image/png;base64,SERVER"},
		service.CompactionConfig{ServerID: serverID, LockTTL: 30 * time.Second, MaxRedelegations: 3, RequireTicket: requireTicket},
	)
}

// subscribeRequests 收集 CREATE_SNAPSHOT 请求
func subscribeRequests(t *testing.T, f *fixture) <-chan domain.SnapshotRequest {
	t.Helper()
	out := make(chan domain.SnapshotRequest, 8)
	sub, err := f.bus.Subscribe(context.Background(), func(env *domain.Envelope) {
		if env.Type != domain.EventCreateSnapshot {
			return
		}
		var req domain.SnapshotRequest
		if err := json.Unmarshal(env.Payload, &req); err == nil {
			out <- req
		}
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Close() })
	return out
}

func waitRequest(t *testing.T, ch <-chan domain.SnapshotRequest) domain.SnapshotRequest {
	t.Helper()
	select {
	case req := <-ch:
		return req
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for CREATE_SNAPSHOT")
		return domain.SnapshotRequest{}
	}
}

func TestCompaction_BelowThresholdDoesNothing(t *testing.T) {
	f := newFixture(t)
	svc := newCompaction(f, f.bus, "A", nil, false)

	triggered, err := svc.MaybeTrigger(context.Background(), "r1", domain.BatchTriggerSize-1)
	require.NoError(t, err)
	assert.False(t, triggered)
	assert.False(t, f.mr.Exists(testPrefix+"lock:snapshot-trigger:r1"))
}

// 第 50 笔触发压缩，请求携带最早的 25 笔
func TestCompaction_TriggerPublishesOldestBatch(t *testing.T) {
	f := newFixture(t)
	f.allowDocumentMiss()
	svc := newCompaction(f, f.bus, "A", nil, false)
	requests := subscribeRequests(t, f)
	ctx := context.Background()
	f.seed(t, "r1", domain.BatchTriggerSize)

	triggered, err := svc.MaybeTrigger(ctx, "r1", domain.BatchTriggerSize)
	require.NoError(t, err)
	require.True(t, triggered)

	req := waitRequest(t, requests)
	assert.Equal(t, "r1", req.RoomID)
	assert.Len(t, req.StrokesToSave, domain.UndoLimit)
	assert.Equal(t, domain.UndoLimit, req.StrokesToTrim)
	assert.Equal(t, penStroke(0), req.StrokesToSave[0])
	assert.Equal(t, 1, req.Attempt)
	assert.NotEmpty(t, req.RoundID)
	assert.Empty(t, req.Ticket, "未配置密钥时不签发票据")

	holder, err := f.locks.Holder(ctx, domain.LockSnapshotRound, "r1")
	require.NoError(t, err)
	assert.Equal(t, req.RoundID, holder)

	// 会话未被修改
	sess, err := f.sessions.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Len(t, sess.UndoStack, domain.BatchTriggerSize)

	// 第二个实例在锁过期前不会再触发
	other := newCompaction(f, f.bus, "B", nil, false)
	triggered, err = other.MaybeTrigger(ctx, "r1", domain.BatchTriggerSize+1)
	require.NoError(t, err)
	assert.False(t, triggered)
}

func TestCompaction_TriggerLockExpiresAfterTTL(t *testing.T) {
	f := newFixture(t)
	f.allowDocumentMiss()
	svc := newCompaction(f, f.bus, "A", nil, false)
	ctx := context.Background()
	f.seed(t, "r1", domain.BatchTriggerSize)

	triggered, err := svc.MaybeTrigger(ctx, "r1", domain.BatchTriggerSize)
	require.NoError(t, err)
	require.True(t, triggered)

	// 客户端崩溃: 30 秒后可以重新触发
	f.mr.FastForward(31 * time.Second)
	triggered, err = svc.MaybeTrigger(ctx, "r1", domain.BatchTriggerSize)
	require.NoError(t, err)
	assert.True(t, triggered)
}

func TestCompaction_PublishFailureReleasesLocks(t *testing.T) {
	f := newFixture(t)
	f.allowDocumentMiss()
	bus := mocks.NewEventBus(t)
	bus.On("Publish", mock.Anything, mock.Anything).Return(errors.New("redis down")).Once()
	svc := newCompaction(f, bus, "A", nil, false)
	ctx := context.Background()
	f.seed(t, "r1", domain.BatchTriggerSize)

	triggered, err := svc.MaybeTrigger(ctx, "r1", domain.BatchTriggerSize)
	assert.Error(t, err)
	assert.False(t, triggered)
	assert.False(t, f.mr.Exists(testPrefix+"lock:snapshot-trigger:r1"))
	assert.False(t, f.mr.Exists(testPrefix+"lock:snapshot-round:r1"))
}

func TestCompaction_OnlyOneDelegate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := domain.SnapshotRequest{RoomID: "r1", RoundID: "round-1"}

	var wins int
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, id := range []string{"A", "B", "C", "D"} {
		wg.Add(1)
		go func(serverID string) {
			defer wg.Done()
			ok, err := newCompaction(f, f.bus, serverID, nil, false).TryDelegate(ctx, req)
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(id)
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

// 提交期间新增 5 笔: 裁剪最早 25 笔后剩 30 笔，新笔画保留
func TestCompaction_SubmitTrimsOldestAndKeepsNewStrokes(t *testing.T) {
	f := newFixture(t)
	f.allowDocumentMiss()
	svc := newCompaction(f, f.bus, "A", nil, false)
	requests := subscribeRequests(t, f)
	ctx := context.Background()
	f.seed(t, "r1", domain.BatchTriggerSize)

	triggered, err := svc.MaybeTrigger(ctx, "r1", domain.BatchTriggerSize)
	require.NoError(t, err)
	require.True(t, triggered)
	req := waitRequest(t, requests)

	_, err = f.sessions.Mutate(ctx, "r1", func(s *domain.Session) error {
		for i := 0; i < 5; i++ {
			s.Push(penStroke(100 + i))
		}
		return nil
	})
	require.NoError(t, err)

	f.enqueuer.On("Enqueue", ctx, tasks.TypePersistSnapshot,
		tasks.PersistSnapshotPayload{RoomID: "r1", Snapshot: "data:image/png;base64,NEW"}, tasks.DefaultJobOptions()).
		Return("job-1", nil).Once()

	trimmed, err := svc.Submit(ctx, domain.SnapshotSubmission{
		RoomID:         "r1",
		NewSnapshotURL: "data:image/png;base64,NEW",
		StrokesToTrim:  req.StrokesToTrim,
		Ticket:         req.Ticket,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.UndoLimit, trimmed)

	sess, err := f.sessions.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Len(t, sess.UndoStack, 30)
	assert.Equal(t, penStroke(25), sess.UndoStack[0])
	assert.Equal(t, penStroke(104), sess.UndoStack[29])
	require.NotNil(t, sess.BaseImageURL)
	assert.Equal(t, "data:image/png;base64,NEW", *sess.BaseImageURL)

	for _, kind := range []string{"snapshot-trigger", "snapshot-delegate", "snapshot-round"} {
		assert.False(t, f.mr.Exists(testPrefix+"lock:"+kind+":r1"), kind)
	}
}

func TestCompaction_SubmitTrimIsBoundedByStackLength(t *testing.T) {
	f := newFixture(t)
	f.allowEnqueue()
	svc := newCompaction(f, f.bus, "A", nil, false)
	ctx := context.Background()
	f.seed(t, "r1", 10)

	trimmed, err := svc.Submit(ctx, domain.SnapshotSubmission{RoomID: "r1", NewSnapshotURL: "data:x", StrokesToTrim: 25})
	require.NoError(t, err)
	assert.Equal(t, 10, trimmed)
}

func TestCompaction_SubmitRejectsInvalidPayload(t *testing.T) {
	f := newFixture(t)
	svc := newCompaction(f, f.bus, "A", nil, false)

	_, err := svc.Submit(context.Background(), domain.SnapshotSubmission{RoomID: "r1", StrokesToTrim: 5})
	assert.ErrorIs(t, err, service.ErrInvalidSnapshot)
	_, err = svc.Submit(context.Background(), domain.SnapshotSubmission{RoomID: "r1", NewSnapshotURL: "data:x", StrokesToTrim: -1})
	assert.ErrorIs(t, err, service.ErrInvalidSnapshot)
}

func TestCompaction_TicketBindsRound(t *testing.T) {
	f := newFixture(t)
	f.allowDocumentMiss()
	f.allowEnqueue()
	tickets := service.NewTicketIssuer("secret", 30*time.Second)
	svc := newCompaction(f, f.bus, "A", tickets, true)
	requests := subscribeRequests(t, f)
	ctx := context.Background()
	f.seed(t, "r1", domain.BatchTriggerSize)

	triggered, err := svc.MaybeTrigger(ctx, "r1", domain.BatchTriggerSize)
	require.NoError(t, err)
	require.True(t, triggered)
	req := waitRequest(t, requests)
	require.NotEmpty(t, req.Ticket)

	// 缺少票据
	_, err = svc.Submit(ctx, domain.SnapshotSubmission{RoomID: "r1", NewSnapshotURL: "data:x", StrokesToTrim: req.StrokesToTrim})
	assert.ErrorIs(t, err, service.ErrStaleSnapshot)

	// 票据与裁剪数不符
	_, err = svc.Submit(ctx, domain.SnapshotSubmission{RoomID: "r1", NewSnapshotURL: "data:x", StrokesToTrim: 3, Ticket: req.Ticket})
	assert.ErrorIs(t, err, service.ErrStaleSnapshot)

	// 其他轮次的票据
	old, err := tickets.Issue("r1", "previous-round", req.StrokesToTrim)
	require.NoError(t, err)
	_, err = svc.Submit(ctx, domain.SnapshotSubmission{RoomID: "r1", NewSnapshotURL: "data:x", StrokesToTrim: req.StrokesToTrim, Ticket: old})
	assert.ErrorIs(t, err, service.ErrStaleSnapshot)

	sess, err := f.sessions.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Len(t, sess.UndoStack, domain.BatchTriggerSize, "过期提交不修改会话")

	trimmed, err := svc.Submit(ctx, domain.SnapshotSubmission{RoomID: "r1", NewSnapshotURL: "data:x", StrokesToTrim: req.StrokesToTrim, Ticket: req.Ticket})
	require.NoError(t, err)
	assert.Equal(t, domain.UndoLimit, trimmed)

	// 本轮已结束，同一张票据不能再用
	_, err = svc.Submit(ctx, domain.SnapshotSubmission{RoomID: "r1", NewSnapshotURL: "data:x", StrokesToTrim: req.StrokesToTrim, Ticket: req.Ticket})
	assert.ErrorIs(t, err, service.ErrStaleSnapshot)
}

func TestCompaction_AbandonDelegationRequeuesWithBackoff(t *testing.T) {
	f := newFixture(t)
	svc := newCompaction(f, f.bus, "A", nil, false)
	ctx := context.Background()
	req := domain.SnapshotRequest{RoomID: "r1", RoundID: "round-1", Attempt: 1}

	ok, err := svc.TryDelegate(ctx, req)
	require.NoError(t, err)
	require.True(t, ok)

	f.enqueuer.On("Enqueue", ctx, tasks.TypeSnapshotRedelegate, tasks.SnapshotRoundPayload{Request: req},
		tasks.JobOptions{MaxAttempts: tasks.DefaultMaxAttempts, Priority: 2, Delay: 2 * time.Second}).
		Return("job-1", nil).Once()

	require.NoError(t, svc.AbandonDelegation(ctx, req))
	assert.False(t, f.mr.Exists(testPrefix+"lock:snapshot-delegate:r1"), "委派锁已释放")
}

func TestCompaction_AbandonDelegationFallsBackAfterMaxAttempts(t *testing.T) {
	f := newFixture(t)
	svc := newCompaction(f, f.bus, "A", nil, false)
	ctx := context.Background()
	req := domain.SnapshotRequest{RoomID: "r1", RoundID: "round-1", Attempt: 3}

	f.enqueuer.On("Enqueue", ctx, tasks.TypeSnapshotRasterize, tasks.SnapshotRoundPayload{Request: req},
		tasks.JobOptions{MaxAttempts: tasks.DefaultMaxAttempts, Priority: 2}).
		Return("job-2", nil).Once()

	require.NoError(t, svc.AbandonDelegation(ctx, req))
}

func TestCompaction_RedelegateRepublishesCurrentRound(t *testing.T) {
	f := newFixture(t)
	bus := mocks.NewEventBus(t)
	svc := newCompaction(f, bus, "A", nil, false)
	ctx := context.Background()

	ok, err := f.locks.TryAcquire(ctx, domain.LockSnapshotRound, "r1", "round-1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	bus.On("Publish", ctx, mock.MatchedBy(func(env *domain.Envelope) bool {
		var req domain.SnapshotRequest
		_ = json.Unmarshal(env.Payload, &req)
		return env.Type == domain.EventCreateSnapshot && req.RoundID == "round-1" && req.Attempt == 2
	})).Return(nil).Once()

	require.NoError(t, svc.Redelegate(ctx, domain.SnapshotRequest{RoomID: "r1", RoundID: "round-1", Attempt: 1}))

	// 过期轮次不再广播
	require.NoError(t, svc.Redelegate(ctx, domain.SnapshotRequest{RoomID: "r1", RoundID: "round-0", Attempt: 1}))
	bus.AssertNumberOfCalls(t, "Publish", 1)
}

func TestCompaction_RasterizeFallbackAppliesServerSnapshot(t *testing.T) {
	f := newFixture(t)
	f.allowEnqueue()
	svc := newCompaction(f, f.bus, "A", nil, false)
	ctx := context.Background()
	f.seed(t, "r1", 30)

	ok, err := f.locks.TryAcquire(ctx, domain.LockSnapshotRound, "r1", "round-1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	req := domain.SnapshotRequest{RoomID: "r1", RoundID: "round-1", StrokesToTrim: 25, Width: 200, Height: 100, Attempt: 3}
	require.NoError(t, svc.RasterizeFallback(ctx, req))

	sess, err := f.sessions.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Len(t, sess.UndoStack, 5)
	require.NotNil(t, sess.BaseImageURL)
	assert.Equal(t, "data:image/png;base64,SERVER", *sess.BaseImageURL)
	assert.False(t, f.mr.Exists(testPrefix+"lock:snapshot-round:r1"))

	// 轮次已结束，再次执行为 no-op
	require.NoError(t, svc.RasterizeFallback(ctx, req))
	sess, err = f.sessions.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Len(t, sess.UndoStack, 5)
}

func TestCompaction_AbortRoundReleasesLocks(t *testing.T) {
	f := newFixture(t)
	svc := newCompaction(f, f.bus, "A", nil, false)
	ctx := context.Background()

	for _, kind := range []domain.LockKind{domain.LockSnapshotTrigger, domain.LockSnapshotDelegate, domain.LockSnapshotRound} {
		_, err := f.locks.TryAcquire(ctx, kind, "r1", "x", time.Minute)
		require.NoError(t, err)
	}
	require.NoError(t, svc.AbortRound(ctx, "r1"))
	for _, kind := range []string{"snapshot-trigger", "snapshot-delegate", "snapshot-round"} {
		assert.False(t, f.mr.Exists(testPrefix+"lock:"+kind+":r1"), kind)
	}
}
