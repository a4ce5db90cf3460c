// Package storage is the durable key/value layer the cache persists into.
//
// Values are opaque byte blobs. Backends may reject a value that is too large by
// returning an error wrapping ErrQuotaExceeded; the cache reacts by splitting its
// contents into chunks.
package storage

import (
	"context"
	"io"
	"strings"

	"github.com/pkg/errors"
)

var (
	ErrNotFound      = errors.New("storage: key not found")
	ErrQuotaExceeded = errors.New("storage: QUOTA_BYTES quota exceeded")
)

// Store is the read/write contract of durable storage.
type Store interface {
	// Get returns ErrNotFound when the key has never been written or was deleted.
	Get(ctx context.Context, key string) ([]byte, error)

	Set(ctx context.Context, key string, value []byte) error

	// Delete is idempotent.
	Delete(ctx context.Context, key string) error
}

type quotaStore struct {
	Store
	maxBytes int
}

// WithQuota rejects values larger than maxBytes with ErrQuotaExceeded.
// A non-positive maxBytes returns s unchanged.
func WithQuota(s Store, maxBytes int) Store {
	if maxBytes <= 0 {
		return s
	}
	return &quotaStore{Store: s, maxBytes: maxBytes}
}

func (q *quotaStore) Set(ctx context.Context, key string, value []byte) error {
	if len(value) > q.maxBytes {
		return errors.Wrapf(ErrQuotaExceeded, "key %q is %d bytes, limit %d", key, len(value), q.maxBytes)
	}
	return q.Store.Set(ctx, key, value)
}

func (q *quotaStore) Close() error {
	return Close(q.Store)
}

// Close releases s if the backend holds connections or files open.
func Close(s Store) error {
	if c, ok := s.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// Backend names accepted by New.
const (
	BackendMemory = "memory"
	BackendFile   = "file"
	BackendRedis  = "redis"
	BackendSQLite = "sqlite"
)

// Options selects and configures a backend.
type Options struct {
	Backend string

	// Dir is the directory for the file backend.
	Dir string

	// RedisAddr, RedisPassword, RedisDB and RedisPrefix configure the redis backend.
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string

	// SQLitePath is the database file for the sqlite backend.
	SQLitePath string

	// MaxValueBytes is the capacity ceiling of a single value. Zero means unlimited.
	MaxValueBytes int
}

// New builds the backend named in opts and applies the quota.
func New(opts Options) (Store, error) {
	var (
		s   Store
		err error
	)
	switch strings.ToLower(opts.Backend) {
	case "", BackendMemory:
		s = NewMemoryStore()
	case BackendFile:
		s, err = NewFileStore(nil, opts.Dir)
	case BackendRedis:
		s, err = NewRedisStore(opts.RedisAddr, opts.RedisPassword, opts.RedisDB, opts.RedisPrefix)
	case BackendSQLite:
		s, err = NewSQLiteStore(opts.SQLitePath)
	default:
		return nil, errors.Errorf("unknown storage backend %q", opts.Backend)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %s storage", opts.Backend)
	}
	return WithQuota(s, opts.MaxValueBytes), nil
}
