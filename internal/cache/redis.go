// Package cache keeps current positions in Redis in front of the database.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"trackd/internal/models"

	"github.com/redis/go-redis/v9"
)

type Redis struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedis wraps an existing client. ttl <= 0 stores entries without expiry.
func NewRedis(rdb *redis.Client, ttl time.Duration) *Redis {
	return &Redis{rdb: rdb, ttl: ttl}
}

// Dial connects and pings once so a misconfigured address fails at startup.
func Dial(ctx context.Context, addr, password string, db int, ttl time.Duration) (*Redis, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return NewRedis(rdb, ttl), nil
}

func cacheKeyCurrent(deviceID string) string {
	return fmt.Sprintf("device:%s:current", deviceID)
}

func (c *Redis) Get(ctx context.Context, deviceID string) (models.CurrentPosition, bool, error) {
	raw, err := c.rdb.Get(ctx, cacheKeyCurrent(deviceID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return models.CurrentPosition{}, false, nil
	}
	if err != nil {
		return models.CurrentPosition{}, false, err
	}
	var cp models.CurrentPosition
	if err := json.Unmarshal(raw, &cp); err != nil {
		return models.CurrentPosition{}, false, fmt.Errorf("decode cached position: %w", err)
	}
	return cp, true, nil
}

func (c *Redis) Set(ctx context.Context, cp models.CurrentPosition) error {
	b, err := json.Marshal(cp)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, cacheKeyCurrent(cp.DeviceID), b, c.ttl).Err()
}

func (c *Redis) Invalidate(ctx context.Context, deviceID string) error {
	return c.rdb.Del(ctx, cacheKeyCurrent(deviceID)).Err()
}

func (c *Redis) Ping(ctx context.Context) error { return c.rdb.Ping(ctx).Err() }

func (c *Redis) Close() error { return c.rdb.Close() }
