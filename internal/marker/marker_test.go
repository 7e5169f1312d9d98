package marker

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/go-redis/redismock/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"halong/internal/config"
	"halong/internal/store"
)

func TestFileMarker(t *testing.T) {
	ctx := context.Background()
	m := NewFile(filepath.Join(t.TempDir(), "state", "invalidate"))

	ok, err := m.Exists(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, m.Publish(ctx))
	require.NoError(t, m.Publish(ctx))

	ok, err = m.Exists(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.Consume(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.Consume(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "second consume sees nothing")

	matches, err := filepath.Glob(filepath.Join(filepath.Dir(m.Path()), "*.tmp-*"))
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestFileMarkerCleanupOrphans(t *testing.T) {
	ctx := context.Background()
	m := NewFile(filepath.Join(t.TempDir(), "invalidate"))
	require.NoError(t, m.Publish(ctx))
	orphan := m.Path() + store.TempMarker + "42"
	require.NoError(t, os.WriteFile(orphan, nil, 0o644))

	removed, err := m.CleanupOrphans()
	require.NoError(t, err)
	assert.Equal(t, []string{orphan}, removed)

	ok, err := m.Exists(ctx)
	require.NoError(t, err)
	assert.True(t, ok, "the marker itself survives")
}

func TestRedisMarker(t *testing.T) {
	ctx := context.Background()
	db, mock := redismock.NewClientMock()
	m := NewRedis(db, "")
	now := time.Date(2025, 6, 2, 20, 30, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	mock.ExpectSet(DefaultRedisKey, now.Format(time.RFC3339Nano), 0).SetVal("OK")
	require.NoError(t, m.Publish(ctx))

	mock.ExpectExists(DefaultRedisKey).SetVal(1)
	ok, err := m.Exists(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	mock.ExpectDel(DefaultRedisKey).SetVal(1)
	ok, err = m.Consume(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	mock.ExpectDel(DefaultRedisKey).SetVal(0)
	ok, err = m.Consume(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisMarkerError(t *testing.T) {
	db, mock := redismock.NewClientMock()
	m := NewRedis(db, "k")
	mock.ExpectDel("k").SetErr(redis.TxFailedErr)
	_, err := m.Consume(context.Background())
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNew(t *testing.T) {
	_, err := New(config.Marker{Backend: "file"})
	assert.Error(t, err)
	_, err = New(config.Marker{Backend: "etcd"})
	assert.Error(t, err)

	m, err := New(config.Marker{Path: filepath.Join(t.TempDir(), "m")})
	require.NoError(t, err)
	assert.IsType(t, &File{}, m)
}
