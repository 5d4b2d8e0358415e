package idempotency

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBacking is the hot durable tier for idempotency responses. When Redis
// is not configured or unreachable the store runs on memory and postgres alone.
type RedisBacking struct {
	rdb *redis.Client
}

// NewRedisBacking connects and pings; a failed ping is returned so the caller
// can fall back rather than carry a dead client.
func NewRedisBacking(addr string) (*RedisBacking, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     20,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed (%s): %w", addr, err)
	}
	slog.Info("redis connected for idempotency cache", "addr", addr)
	return &RedisBacking{rdb: rdb}, nil
}

func redisKey(key string) string {
	return "idem:" + key
}

func (r *RedisBacking) GetResponse(ctx context.Context, key string) (*Response, error) {
	raw, err := r.rdb.Get(ctx, redisKey(key)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var resp Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("decode cached response: %w", err)
	}
	return &resp, nil
}

func (r *RedisBacking) PutResponse(ctx context.Context, key string, resp Response, ttl time.Duration) error {
	raw, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	return r.rdb.Set(ctx, redisKey(key), raw, ttl).Err()
}

// Close shuts down the underlying client.
func (r *RedisBacking) Close() error {
	return r.rdb.Close()
}
