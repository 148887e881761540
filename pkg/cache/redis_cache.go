package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"github.com/nathan-walker/giles/pkg/config"
	"github.com/nathan-walker/giles/pkg/log"
	"github.com/nathan-walker/giles/pkg/utils"
)

// RedisCache implements PolicyCache on a Redis server
type RedisCache struct {
	client *redis.Client
	log    *logrus.Entry
}

// NewRedisCache connects to the server described by cfg and verifies it with PING
func NewRedisCache(ctx context.Context, cfg config.RedisConfig, logger *logrus.Entry) (*RedisCache, error) {
	redis.SetLogger(log.NewRedisLogrusAdapter(logger.WithField("component", "redis")))

	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.DialTimeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout+time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: failed to connect to Redis at %s: %w", utils.ErrCacheUnavailable, cfg.Addr, err)
	}

	logger.WithField("addr", cfg.Addr).Info("Redis policy cache connected.")
	return NewRedisCacheFromClient(client, logger), nil
}

// NewRedisCacheFromClient wraps an existing client; Close closes it
func NewRedisCacheFromClient(client *redis.Client, logger *logrus.Entry) *RedisCache {
	return &RedisCache{client: client, log: logger}
}

// Get implements PolicyCache
func (c *RedisCache) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := c.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		c.log.WithField("key", key).Errorf("Redis GET failed: %v", err)
		return "", false, fmt.Errorf("%w: get %q: %w", utils.ErrCacheUnavailable, key, err)
	}
	return val, true, nil
}

// SetWithTTL implements PolicyCache
func (c *RedisCache) SetWithTTL(ctx context.Context, key string, ttl time.Duration, value string) error {
	if err := c.client.Set(ctx, key, value, ttl).Err(); err != nil {
		c.log.WithField("key", key).Errorf("Redis SET failed: %v", err)
		return fmt.Errorf("%w: set %q: %w", utils.ErrCacheUnavailable, key, err)
	}
	return nil
}

// Members implements PolicyCache
func (c *RedisCache) Members(ctx context.Context, key string) ([]string, error) {
	members, err := c.client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: members %q: %w", utils.ErrCacheUnavailable, key, err)
	}
	return members, nil
}

// AddMembers implements SetWriter
func (c *RedisCache) AddMembers(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	if err := c.client.SAdd(ctx, key, toInterfaces(members)...).Err(); err != nil {
		return fmt.Errorf("%w: add members %q: %w", utils.ErrCacheUnavailable, key, err)
	}
	return nil
}

// RemoveMembers implements SetWriter
func (c *RedisCache) RemoveMembers(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	if err := c.client.SRem(ctx, key, toInterfaces(members)...).Err(); err != nil {
		return fmt.Errorf("%w: remove members %q: %w", utils.ErrCacheUnavailable, key, err)
	}
	return nil
}

// Close implements PolicyCache
func (c *RedisCache) Close() error {
	return c.client.Close()
}

func toInterfaces(members []string) []interface{} {
	out := make([]interface{}, len(members))
	for i, m := range members {
		out[i] = m
	}
	return out
}
