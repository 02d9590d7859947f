package cachestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisStorage keeps buckets in Redis so several proxy replicas share one cache.
// The bucket index is a sorted set scored by a creation sequence; each bucket
// is a hash of URL to JSON encoded Entry.
type RedisStorage struct {
	rdb       redis.Cmdable
	namespace string
}

var _ Storage = (*RedisStorage)(nil)

// NewRedisStorage stores keys under namespace, e.g. "pwa-cache".
func NewRedisStorage(rdb redis.Cmdable, namespace string) *RedisStorage {
	return &RedisStorage{rdb: rdb, namespace: namespace}
}

func (s *RedisStorage) indexKey() string {
	return s.namespace + ":buckets"
}

func (s *RedisStorage) seqKey() string {
	return s.namespace + ":seq"
}

func (s *RedisStorage) bucketKey(bucket string) string {
	return fmt.Sprintf("%s:bucket:%s", s.namespace, bucket)
}

func (s *RedisStorage) Open(ctx context.Context, bucket string) error {
	score, err := s.rdb.ZScore(ctx, s.indexKey(), bucket).Result()
	if err == nil && score > 0 {
		return nil
	}
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("opening bucket %q: %w", bucket, err)
	}
	seq, err := s.rdb.Incr(ctx, s.seqKey()).Result()
	if err != nil {
		return fmt.Errorf("opening bucket %q: %w", bucket, err)
	}
	// NX keeps the first score when two replicas open the same bucket.
	z := redis.Z{Score: float64(seq), Member: bucket}
	return s.rdb.ZAddNX(ctx, s.indexKey(), z).Err()
}

func (s *RedisStorage) Put(ctx context.Context, bucket, key string, entry Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encoding entry: %w", err)
	}
	if err := s.Open(ctx, bucket); err != nil {
		return err
	}
	if err := s.rdb.HSet(ctx, s.bucketKey(bucket), key, data).Err(); err != nil {
		return fmt.Errorf("storing %q in %q: %w", key, bucket, err)
	}
	return nil
}

func (s *RedisStorage) Match(ctx context.Context, bucket, key string) (Entry, error) {
	data, err := s.rdb.HGet(ctx, s.bucketKey(bucket), key).Bytes()
	if errors.Is(err, redis.Nil) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, err
	}
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return Entry{}, fmt.Errorf("decoding entry %q: %w", key, err)
	}
	return e, nil
}

func (s *RedisStorage) MatchAny(ctx context.Context, key string) (Entry, error) {
	names, err := s.Buckets(ctx)
	if err != nil {
		return Entry{}, err
	}
	for _, name := range names {
		e, err := s.Match(ctx, name, key)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		return e, err
	}
	return Entry{}, ErrNotFound
}

func (s *RedisStorage) Buckets(ctx context.Context) ([]string, error) {
	return s.rdb.ZRange(ctx, s.indexKey(), 0, -1).Result()
}

func (s *RedisStorage) Delete(ctx context.Context, bucket string) (bool, error) {
	var removed *redis.IntCmd
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		removed = pipe.ZRem(ctx, s.indexKey(), bucket)
		pipe.Del(ctx, s.bucketKey(bucket))
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("deleting bucket %q: %w", bucket, err)
	}
	return removed.Val() > 0, nil
}
