// Package redis implements the permcache durable tier on go-redis. Rows
// carry their expiry as a native Redis TTL, so DeleteExpired is a documented
// no-op: the server removes expired rows itself.
package redis

import (
	"context"
	"errors"
	"time"

	goredis "github.com/redis/go-redis/v9"

	st "github.com/unkn0wn-root/permcache/store"
)

var ErrNilClient = errors.New("redis store: nil client")

const defaultPrefix = "permcache:"

type Store struct {
	rdb         goredis.UniversalClient
	prefix      string
	closeClient bool
}

var _ st.Store = (*Store)(nil)

type Config struct {
	Client goredis.UniversalClient
	// Prefix isolates this cache's keyspace. "" => "permcache:".
	Prefix string
	// CloseClient releases the client on Close. Set true only if this store
	// exclusively owns the client.
	CloseClient bool
}

func New(cfg Config) (*Store, error) {
	if cfg.Client == nil {
		return nil, ErrNilClient
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &Store{rdb: cfg.Client, prefix: prefix, closeClient: cfg.CloseClient}, nil
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := s.rdb.Get(ctx, s.prefix+key).Bytes()
	if err == goredis.Nil {
		return nil, false, nil // miss
	}
	if err != nil {
		return nil, false, err // transport/server error
	}
	return b, true, nil
}

func (s *Store) Put(ctx context.Context, m st.Meta, value []byte) error {
	ttl := time.Until(m.ExpiresAt)
	if ttl <= 0 {
		// already expired; writing it would only create sweep work
		return nil
	}
	return s.rdb.Set(ctx, s.prefix+m.Key, value, ttl).Err()
}

func (s *Store) Delete(ctx context.Context, key string) error {
	return s.rdb.Del(ctx, s.prefix+key).Err()
}

// Clear removes every row under the store's prefix via SCAN so large
// keyspaces do not block the server.
func (s *Store) Clear(ctx context.Context) error {
	iter := s.rdb.Scan(ctx, 0, s.prefix+"*", 256).Iterator()
	for iter.Next(ctx) {
		if err := s.rdb.Del(ctx, iter.Val()).Err(); err != nil {
			return err
		}
	}
	return iter.Err()
}

// DeleteExpired is a no-op: rows expire server-side via their TTL.
func (s *Store) DeleteExpired(context.Context, time.Time) (int, error) {
	return 0, nil
}

// Close releases the underlying redis client only when this store owns it.
// Safe to call multiple times; repeated calls become no-ops.
func (s *Store) Close(context.Context) error {
	if s.closeClient {
		if err := s.rdb.Close(); err != nil && !errors.Is(err, goredis.ErrClosed) {
			return err
		}
	}
	return nil
}
