package service_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"collaborative-canvas/internal/domain"
	"collaborative-canvas/internal/repository"
	"collaborative-canvas/internal/service"
)

func newRoomService(f *fixture) *service.RoomService {
	return service.NewRoomService(f.rooms, f.metas, f.presence, time.Hour)
}

func TestRoomService_CreateRoomDefaultsDimensions(t *testing.T) {
	f := newFixture(t)
	svc := newRoomService(f)
	ctx := context.Background()

	f.rooms.On("Create", ctx, mock.MatchedBy(func(r *domain.Room) bool {
		return r.RoomID != "" && r.CanvasWidth == 1280 && r.CanvasHeight == 720
	})).Return(nil).Once()

	meta, err := svc.CreateRoom(ctx, 0, 0, "A")
	require.NoError(t, err)
	assert.NotEmpty(t, meta.ID)
	assert.Equal(t, 1280, meta.CanvasWidth)
	assert.Equal(t, 720, meta.CanvasHeight)

	stored, err := f.metas.Get(ctx, meta.ID)
	require.NoError(t, err)
	assert.Equal(t, "A", stored.CreatedBy)
	assert.InDelta(t, time.Hour.Seconds(), f.mr.TTL(testPrefix+"room:"+meta.ID).Seconds(), 1)
}

func TestRoomService_CreateRoomRejectsOutOfRange(t *testing.T) {
	f := newFixture(t)
	svc := newRoomService(f)

	for _, dims := range [][2]int{{50, 500}, {500, 50}, {4097, 500}, {500, 5000}} {
		_, err := svc.CreateRoom(context.Background(), dims[0], dims[1], "A")
		assert.ErrorIs(t, err, service.ErrInvalidCanvasSize, "%v", dims)
	}
	f.rooms.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
}

func TestRoomService_CreateRoomDegraded(t *testing.T) {
	f := newFixture(t)
	svc := newRoomService(f)
	f.rooms.On("Create", mock.Anything, mock.Anything).Return(repository.ErrDocumentStoreUnavailable).Once()

	meta, err := svc.CreateRoom(context.Background(), 800, 600, "A")
	require.NoError(t, err)
	assert.Equal(t, 800, meta.CanvasWidth)
}

func TestRoomService_CreateRoomDocumentError(t *testing.T) {
	f := newFixture(t)
	svc := newRoomService(f)
	f.rooms.On("Create", mock.Anything, mock.Anything).Return(errors.New("boom")).Once()

	_, err := svc.CreateRoom(context.Background(), 800, 600, "A")
	assert.ErrorIs(t, err, service.ErrInternalServer)
}

func TestRoomService_GetRoom(t *testing.T) {
	f := newFixture(t)
	svc := newRoomService(f)
	ctx := context.Background()

	require.NoError(t, f.metas.Save(ctx, &domain.RoomMeta{ID: "r1", CanvasWidth: 640, CanvasHeight: 480, CreatedAt: time.Now()}, time.Hour))
	_, err := f.presence.Join(ctx, domain.Connection{SocketID: "s1", RoomID: "r1", ServerID: "A", JoinedAt: time.Now()})
	require.NoError(t, err)

	meta, err := svc.GetRoom(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, 640, meta.CanvasWidth)
	assert.Equal(t, int64(1), meta.MemberCount)
}

func TestRoomService_GetRoomFallsBackToDocument(t *testing.T) {
	f := newFixture(t)
	svc := newRoomService(f)
	ctx := context.Background()

	f.rooms.On("FindByRoomID", ctx, "r2").Return(&domain.Room{RoomID: "r2", CanvasWidth: 300, CanvasHeight: 300}, nil).Once()

	meta, err := svc.GetRoom(ctx, "r2")
	require.NoError(t, err)
	assert.Equal(t, "r2", meta.ID)
	assert.Equal(t, 300, meta.CanvasWidth)
}

func TestRoomService_GetRoomNotFound(t *testing.T) {
	f := newFixture(t)
	svc := newRoomService(f)
	f.allowDocumentMiss()

	_, err := svc.GetRoom(context.Background(), "missing")
	assert.ErrorIs(t, err, service.ErrRoomNotFound)
}
