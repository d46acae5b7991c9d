// Package state is the shared coordination surface: queues, session status,
// slot locks and event buffers all live behind the State interface. The
// reference backend is Redis; tests run against miniredis.
package state

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/wholehead/axon/internal/faults"
)

// ErrMiss is returned when a key, field or queue entry is absent. It is the
// only state error callers are expected to branch on.
var ErrMiss = errors.New("state: miss")

// State is the contract every coordination consumer depends on. Operations
// mirror the small slice of Redis the service actually uses.
type State interface {
	Ping(ctx context.Context) error

	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Del(ctx context.Context, keys ...string) error

	RPush(ctx context.Context, key string, values ...string) error
	LPop(ctx context.Context, key string) (string, error)
	BLPop(ctx context.Context, timeout time.Duration, key string) (string, error)
	LLen(ctx context.Context, key string) (int64, error)
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error

	HSet(ctx context.Context, key, field, value string) error
	HGet(ctx context.Context, key, field string) (string, error)
	HGetAll(ctx context.Context, key string) (map[string]string, error)

	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)

	Close() error
}

// Redis implements State on a go-redis client.
type Redis struct {
	rdb *redis.Client
}

// Open dials the backend. The connection is verified lazily; callers that
// need liveness up front use Ping.
func Open(addr string, db int) *Redis {
	return &Redis{rdb: redis.NewClient(&redis.Options{Addr: addr, DB: db})}
}

// NewRedis wraps an existing client, which tests point at miniredis.
func NewRedis(rdb *redis.Client) *Redis {
	return &Redis{rdb: rdb}
}

func (r *Redis) Ping(ctx context.Context) error {
	if err := r.rdb.Ping(ctx).Err(); err != nil {
		return faults.E(faults.SharedState, "ping", err)
	}
	return nil
}

func (r *Redis) Get(ctx context.Context, key string) (string, error) {
	v, err := r.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", ErrMiss
	}
	if err != nil {
		return "", faults.E(faults.SharedState, "get "+key, err)
	}
	return v, nil
}

func (r *Redis) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := r.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return faults.E(faults.SharedState, "set "+key, err)
	}
	return nil
}

func (r *Redis) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := r.rdb.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, faults.E(faults.SharedState, "setnx "+key, err)
	}
	return ok, nil
}

func (r *Redis) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := r.rdb.Del(ctx, keys...).Err(); err != nil {
		return faults.E(faults.SharedState, "del", err)
	}
	return nil
}

func (r *Redis) RPush(ctx context.Context, key string, values ...string) error {
	args := make([]interface{}, len(values))
	for i, v := range values {
		args[i] = v
	}
	if err := r.rdb.RPush(ctx, key, args...).Err(); err != nil {
		return faults.E(faults.SharedState, "rpush "+key, err)
	}
	return nil
}

func (r *Redis) LPop(ctx context.Context, key string) (string, error) {
	v, err := r.rdb.LPop(ctx, key).Result()
	if err == redis.Nil {
		return "", ErrMiss
	}
	if err != nil {
		return "", faults.E(faults.SharedState, "lpop "+key, err)
	}
	return v, nil
}

func (r *Redis) BLPop(ctx context.Context, timeout time.Duration, key string) (string, error) {
	vals, err := r.rdb.BLPop(ctx, timeout, key).Result()
	if err == redis.Nil {
		return "", ErrMiss
	}
	if err != nil {
		return "", faults.E(faults.SharedState, "blpop "+key, err)
	}
	// BLPop answers [key, value].
	if len(vals) != 2 {
		return "", ErrMiss
	}
	return vals[1], nil
}

func (r *Redis) LLen(ctx context.Context, key string) (int64, error) {
	n, err := r.rdb.LLen(ctx, key).Result()
	if err != nil {
		return 0, faults.E(faults.SharedState, "llen "+key, err)
	}
	return n, nil
}

func (r *Redis) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	vals, err := r.rdb.LRange(ctx, key, start, stop).Result()
	if err != nil {
		return nil, faults.E(faults.SharedState, "lrange "+key, err)
	}
	return vals, nil
}

func (r *Redis) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := r.rdb.Expire(ctx, key, ttl).Err(); err != nil {
		return faults.E(faults.SharedState, "expire "+key, err)
	}
	return nil
}

func (r *Redis) HSet(ctx context.Context, key, field, value string) error {
	if err := r.rdb.HSet(ctx, key, field, value).Err(); err != nil {
		return faults.E(faults.SharedState, "hset "+key, err)
	}
	return nil
}

func (r *Redis) HGet(ctx context.Context, key, field string) (string, error) {
	v, err := r.rdb.HGet(ctx, key, field).Result()
	if err == redis.Nil {
		return "", ErrMiss
	}
	if err != nil {
		return "", faults.E(faults.SharedState, "hget "+key, err)
	}
	return v, nil
}

func (r *Redis) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	m, err := r.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, faults.E(faults.SharedState, "hgetall "+key, err)
	}
	return m, nil
}

func (r *Redis) SAdd(ctx context.Context, key string, members ...string) error {
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	if err := r.rdb.SAdd(ctx, key, args...).Err(); err != nil {
		return faults.E(faults.SharedState, "sadd "+key, err)
	}
	return nil
}

func (r *Redis) SRem(ctx context.Context, key string, members ...string) error {
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	if err := r.rdb.SRem(ctx, key, args...).Err(); err != nil {
		return faults.E(faults.SharedState, "srem "+key, err)
	}
	return nil
}

func (r *Redis) SMembers(ctx context.Context, key string) ([]string, error) {
	vals, err := r.rdb.SMembers(ctx, key).Result()
	if err != nil {
		return nil, faults.E(faults.SharedState, "smembers "+key, err)
	}
	return vals, nil
}

func (r *Redis) Close() error {
	return r.rdb.Close()
}
