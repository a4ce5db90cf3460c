package storage_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/krisalay/cardstats/storage"
)

func exerciseStore(t *testing.T, s storage.Store) {
	ctx := context.Background()

	_, err := s.Get(ctx, "missing")
	require.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, s.Set(ctx, "cache_v3", []byte(`{"1":{}}`)))
	v, err := s.Get(ctx, "cache_v3")
	require.NoError(t, err)
	assert.Equal(t, `{"1":{}}`, string(v))

	require.NoError(t, s.Set(ctx, "cache_v3", []byte(`{}`)))
	v, err = s.Get(ctx, "cache_v3")
	require.NoError(t, err)
	assert.Equal(t, `{}`, string(v))

	require.NoError(t, s.Delete(ctx, "cache_v3"))
	require.NoError(t, s.Delete(ctx, "cache_v3"))
	_, err = s.Get(ctx, "cache_v3")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, storage.NewMemoryStore())
}

func TestFileStore(t *testing.T) {
	s, err := storage.NewFileStore(afero.NewMemMapFs(), "/var/lib/cardstats")
	require.NoError(t, err)
	exerciseStore(t, s)
}

func TestFileStoreOnDisk(t *testing.T) {
	dir := t.TempDir()
	s, err := storage.NewFileStore(nil, dir)
	require.NoError(t, err)
	require.NoError(t, s.Set(context.Background(), "cache_v3_chunk_0", []byte("x")))

	_, err = os.Stat(filepath.Join(dir, "cache_v3_chunk_0.json"))
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, "cache_v3_chunk_0.json.tmp"))
	assert.True(t, os.IsNotExist(err))
}

func TestSQLiteStore(t *testing.T) {
	s, err := storage.NewSQLiteStore(filepath.Join(t.TempDir(), "cardstats.db"))
	require.NoError(t, err)
	exerciseStore(t, s)
	assert.NoError(t, storage.Close(storage.WithQuota(s, 1024)))
}

func TestRedisStore(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		t.Skipf("skipping test: redis not available: %v", err)
	}
	s := storage.NewRedisStoreFromClient(rdb, "cardstats_test:")
	defer s.Close()
	exerciseStore(t, s)
}

func TestQuota(t *testing.T) {
	ctx := context.Background()
	s := storage.WithQuota(storage.NewMemoryStore(), 4)

	require.NoError(t, s.Set(ctx, "small", []byte("1234")))
	err := s.Set(ctx, "big", []byte("12345"))
	require.ErrorIs(t, err, storage.ErrQuotaExceeded)

	_, err = s.Get(ctx, "big")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestNewUnknownBackend(t *testing.T) {
	_, err := storage.New(storage.Options{Backend: "etcd"})
	require.Error(t, err)

	s, err := storage.New(storage.Options{Backend: "memory", MaxValueBytes: 1})
	require.NoError(t, err)
	require.ErrorIs(t, s.Set(context.Background(), "k", []byte("12")), storage.ErrQuotaExceeded)
}
