// Package cache keeps short-lived copies of leaderboard reads in Redis.
package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/PancyStudios/DiggerBotGo/pkg/logger"
	"github.com/PancyStudios/DiggerBotGo/pkg/models"
	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
)

// TopKey is the hash holding one field per requested leaderboard size.
const TopKey = "digger:top"

// Config holds the Redis connection settings.
type Config struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
}

// RedisCache caches leaderboard pages.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCache connects and pings Redis.
func NewRedisCache(ctx context.Context, c Config, ttl time.Duration) (*RedisCache, error) {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     c.Addr,
		Password: c.Password,
		DB:       c.DB,
		PoolSize: c.PoolSize,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis %s: %w", c.Addr, err)
	}

	logger.Success(fmt.Sprintf("Conectado a Redis en %s (ttl %s)", c.Addr, ttl), "Cache")
	return &RedisCache{client: rdb, ttl: ttl}, nil
}

// GetTop returns the cached page of size n.
func (c *RedisCache) GetTop(ctx context.Context, n int) ([]models.GlobalStat, bool, error) {
	raw, err := c.client.HGet(ctx, TopKey, strconv.Itoa(n)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read top %d: %w", n, err)
	}
	var top []models.GlobalStat
	if err := json.Unmarshal(raw, &top); err != nil {
		return nil, false, fmt.Errorf("decode top %d: %w", n, err)
	}
	return top, true, nil
}

// SetTop stores a page. The whole hash expires ttl after the first write so
// every page ages together.
func (c *RedisCache) SetTop(ctx context.Context, n int, top []models.GlobalStat) error {
	raw, err := json.Marshal(top)
	if err != nil {
		return fmt.Errorf("encode top %d: %w", n, err)
	}
	_, err = c.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, TopKey, strconv.Itoa(n), raw)
		p.ExpireNX(ctx, TopKey, c.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("write top %d: %w", n, err)
	}
	return nil
}

// InvalidateTop drops every cached page.
func (c *RedisCache) InvalidateTop(ctx context.Context) error {
	if err := c.client.Del(ctx, TopKey).Err(); err != nil {
		return fmt.Errorf("invalidate top: %w", err)
	}
	return nil
}

// Close closes the client.
func (c *RedisCache) Close() error {
	return c.client.Close()
}
