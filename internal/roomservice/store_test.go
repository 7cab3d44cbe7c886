package roomservice

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreLifecycle(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	room, err := s.Create(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, room.ID)
	assert.Equal(t, room.CreatedAt, room.UpdatedAt)

	got, err := s.Get(ctx, room.ID)
	require.NoError(t, err)
	assert.Equal(t, room, got)

	later := room.CreatedAt.Add(time.Minute)
	s.now = func() time.Time { return later }
	touched, err := s.Touch(ctx, room.ID)
	require.NoError(t, err)
	assert.Equal(t, later, touched.UpdatedAt)
	assert.Equal(t, room.CreatedAt, touched.CreatedAt)

	_, err = s.Get(ctx, "missing")
	require.ErrorIs(t, err, ErrRoomNotFound)
	_, err = s.Touch(ctx, "missing")
	require.ErrorIs(t, err, ErrRoomNotFound)
}

func TestMemoryStoreDeleteExpired(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	s.now = func() time.Time { return base }
	old, err := s.Create(ctx)
	require.NoError(t, err)
	s.now = func() time.Time { return base.Add(time.Hour) }
	fresh, err := s.Create(ctx)
	require.NoError(t, err)

	n, err := s.DeleteExpired(ctx, base.Add(30*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, s.Len())

	_, err = s.Get(ctx, old.ID)
	require.ErrorIs(t, err, ErrRoomNotFound)
	_, err = s.Get(ctx, fresh.ID)
	require.NoError(t, err)
}

func TestMemoryStoreCreateHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewMemoryStore().Create(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestNewStoreWithoutDatabaseIsMemory(t *testing.T) {
	s, err := NewStore(context.Background(), "  ")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	_, ok := s.(*MemoryStore)
	assert.True(t, ok)
}

func TestJanitorExpiresIdleRooms(t *testing.T) {
	s := NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s.now = func() time.Time { return time.Now().UTC().Add(-time.Hour) }
	_, err := s.Create(ctx)
	require.NoError(t, err)

	StartJanitor(ctx, s, time.Minute, 10*time.Millisecond, nil)
	require.Eventually(t, func() bool { return s.Len() == 0 }, time.Second, 10*time.Millisecond)
}

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("FANCALL_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("FANCALL_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	s, err := NewPostgresStore(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	room, err := s.Create(ctx)
	require.NoError(t, err)
	got, err := s.Get(ctx, room.ID)
	require.NoError(t, err)
	assert.Equal(t, room.ID, got.ID)

	_, err = s.Touch(ctx, room.ID)
	require.NoError(t, err)
	_, err = s.Get(ctx, "does-not-exist")
	require.ErrorIs(t, err, ErrRoomNotFound)

	n, err := s.DeleteExpired(ctx, time.Now().UTC().Add(time.Hour))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, 1)
}
