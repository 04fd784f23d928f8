package impl

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	logger "github.com/rs/zerolog/log"

	"github.com/feedmesh/go-feedmesh/pkg/kv"
)

var log = logger.With().Str("component", "kvstore").Logger()

// RedisStore implements the kv.Store port on top of a Redis connection
// pool. Every key is namespaced with the node instance prefix.
type RedisStore struct {
	client *redis.Client
	prefix string
}

var _ kv.Store = (*RedisStore)(nil)

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, addr, password string, db int, prefix string) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("pinging redis: %s", err)
	}
	log.Info().Str("addr", addr).Str("prefix", prefix).Msg("connected to redis")
	return &RedisStore{client: client, prefix: prefix}, nil
}

// Close releases the connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) key(k string) string {
	return s.prefix + ":" + k
}

func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if strings.HasPrefix(err.Error(), "WRONGTYPE") {
		return fmt.Errorf("%w: %s", kv.ErrTypeMismatch, err)
	}
	return fmt.Errorf("%w: %s", kv.ErrBackendUnavailable, err)
}

// Get implements kv.Store.
func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := s.client.Get(ctx, s.key(key)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, mapErr(err)
	}
	return v, true, nil
}

// Set implements kv.Store.
func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return mapErr(s.client.Set(ctx, s.key(key), value, ttl).Err())
}

// HGet implements kv.Store.
func (s *RedisStore) HGet(ctx context.Context, key, field string) (string, bool, error) {
	v, err := s.client.HGet(ctx, s.key(key), field).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, mapErr(err)
	}
	return v, true, nil
}

// HGetAll implements kv.Store.
func (s *RedisStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	v, err := s.client.HGetAll(ctx, s.key(key)).Result()
	if err != nil {
		return nil, mapErr(err)
	}
	return v, nil
}

// HMGet implements kv.Store. Missing fields are absent from the result map.
func (s *RedisStore) HMGet(ctx context.Context, key string, fields ...string) (map[string]string, error) {
	if len(fields) == 0 {
		return map[string]string{}, nil
	}
	vals, err := s.client.HMGet(ctx, s.key(key), fields...).Result()
	if err != nil {
		return nil, mapErr(err)
	}
	out := make(map[string]string, len(fields))
	for i, v := range vals {
		if v == nil {
			continue
		}
		if str, ok := v.(string); ok {
			out[fields[i]] = str
		}
	}
	return out, nil
}

// HSet implements kv.Store.
func (s *RedisStore) HSet(ctx context.Context, key string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	args := make([]interface{}, 0, len(fields)*2)
	for f, v := range fields {
		args = append(args, f, v)
	}
	return mapErr(s.client.HSet(ctx, s.key(key), args...).Err())
}

// HDel implements kv.Store.
func (s *RedisStore) HDel(ctx context.Context, key string, fields ...string) error {
	return mapErr(s.client.HDel(ctx, s.key(key), fields...).Err())
}

// SAdd implements kv.Store.
func (s *RedisStore) SAdd(ctx context.Context, key string, members ...string) error {
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return mapErr(s.client.SAdd(ctx, s.key(key), args...).Err())
}

// SRem implements kv.Store.
func (s *RedisStore) SRem(ctx context.Context, key string, members ...string) error {
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return mapErr(s.client.SRem(ctx, s.key(key), args...).Err())
}

// SMembers implements kv.Store.
func (s *RedisStore) SMembers(ctx context.Context, key string) ([]string, error) {
	v, err := s.client.SMembers(ctx, s.key(key)).Result()
	if err != nil {
		return nil, mapErr(err)
	}
	return v, nil
}

// SIsMember implements kv.Store.
func (s *RedisStore) SIsMember(ctx context.Context, key, member string) (bool, error) {
	v, err := s.client.SIsMember(ctx, s.key(key), member).Result()
	if err != nil {
		return false, mapErr(err)
	}
	return v, nil
}

// SCard implements kv.Store.
func (s *RedisStore) SCard(ctx context.Context, key string) (int64, error) {
	v, err := s.client.SCard(ctx, s.key(key)).Result()
	if err != nil {
		return 0, mapErr(err)
	}
	return v, nil
}

// LRange implements kv.Store.
func (s *RedisStore) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	v, err := s.client.LRange(ctx, s.key(key), start, stop).Result()
	if err != nil {
		return nil, mapErr(err)
	}
	return v, nil
}

// Del implements kv.Store.
func (s *RedisStore) Del(ctx context.Context, keys ...string) error {
	prefixed := make([]string, len(keys))
	for i, k := range keys {
		prefixed[i] = s.key(k)
	}
	return mapErr(s.client.Del(ctx, prefixed...).Err())
}

// Expire implements kv.Store.
func (s *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return mapErr(s.client.Expire(ctx, s.key(key), ttl).Err())
}

// Exists implements kv.Store.
func (s *RedisStore) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, s.key(key)).Result()
	if err != nil {
		return false, mapErr(err)
	}
	return n > 0, nil
}

// Eval implements kv.Store.
func (s *RedisStore) Eval(ctx context.Context, script string, keys []string, args ...interface{}) (int64, error) {
	prefixed := make([]string, len(keys))
	for i, k := range keys {
		prefixed[i] = s.key(k)
	}
	v, err := s.client.Eval(ctx, script, prefixed, args...).Int64()
	if err != nil {
		if strings.Contains(err.Error(), "connection") || err == context.DeadlineExceeded {
			return 0, mapErr(err)
		}
		return 0, fmt.Errorf("%w: %s", kv.ErrScript, err)
	}
	return v, nil
}

// Tx implements kv.Store.
func (s *RedisStore) Tx() kv.Tx {
	return &redisTx{store: s, pipe: s.client.TxPipeline()}
}

type redisTx struct {
	store *RedisStore
	pipe  redis.Pipeliner
}

func (t *redisTx) Set(key, value string, ttl time.Duration) {
	t.pipe.Set(context.Background(), t.store.key(key), value, ttl)
}

func (t *redisTx) HSet(key string, fields map[string]string) {
	args := make([]interface{}, 0, len(fields)*2)
	for f, v := range fields {
		args = append(args, f, v)
	}
	t.pipe.HSet(context.Background(), t.store.key(key), args...)
}

func (t *redisTx) HDel(key string, fields ...string) {
	t.pipe.HDel(context.Background(), t.store.key(key), fields...)
}

func (t *redisTx) SAdd(key string, members ...string) {
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	t.pipe.SAdd(context.Background(), t.store.key(key), args...)
}

func (t *redisTx) SRem(key string, members ...string) {
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	t.pipe.SRem(context.Background(), t.store.key(key), args...)
}

func (t *redisTx) LPush(key string, values ...string) {
	args := make([]interface{}, len(values))
	for i, v := range values {
		args[i] = v
	}
	t.pipe.LPush(context.Background(), t.store.key(key), args...)
}

func (t *redisTx) RPush(key string, values ...string) {
	args := make([]interface{}, len(values))
	for i, v := range values {
		args[i] = v
	}
	t.pipe.RPush(context.Background(), t.store.key(key), args...)
}

func (t *redisTx) LTrim(key string, start, stop int64) {
	t.pipe.LTrim(context.Background(), t.store.key(key), start, stop)
}

func (t *redisTx) Del(keys ...string) {
	prefixed := make([]string, len(keys))
	for i, k := range keys {
		prefixed[i] = t.store.key(k)
	}
	t.pipe.Del(context.Background(), prefixed...)
}

func (t *redisTx) Expire(key string, ttl time.Duration) {
	t.pipe.Expire(context.Background(), t.store.key(key), ttl)
}

func (t *redisTx) Exec(ctx context.Context) error {
	if _, err := t.pipe.Exec(ctx); err != nil {
		return mapErr(err)
	}
	return nil
}
