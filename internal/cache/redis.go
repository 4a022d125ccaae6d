package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/ashureev/cat-engine/internal/results"
)

const keyPrefix = "cat:report:"

// Redis is a ReportCache shared between server instances.
type Redis struct {
	rdb *goredis.Client
	ttl time.Duration
}

// NewRedis connects to addr and verifies the connection.
func NewRedis(ctx context.Context, addr string, ttl time.Duration) (*Redis, error) {
	if addr == "" {
		return nil, fmt.Errorf("missing redis address")
	}

	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Redis{rdb: rdb, ttl: ttl}, nil
}

// Get implements ReportCache.
func (c *Redis) Get(ctx context.Context, sessionID string) (results.Report, bool, error) {
	raw, err := c.rdb.Get(ctx, keyPrefix+sessionID).Bytes()
	if errors.Is(err, goredis.Nil) {
		return results.Report{}, false, nil
	}
	if err != nil {
		return results.Report{}, false, fmt.Errorf("redis get report: %w", err)
	}

	var r results.Report
	if err := json.Unmarshal(raw, &r); err != nil {
		return results.Report{}, false, fmt.Errorf("decode cached report: %w", err)
	}
	return r, true, nil
}

// Set implements ReportCache.
func (c *Redis) Set(ctx context.Context, sessionID string, r results.Report) error {
	raw, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	ttl := c.ttl
	if ttl < 0 {
		ttl = 0
	}
	if err := c.rdb.Set(ctx, keyPrefix+sessionID, raw, ttl).Err(); err != nil {
		return fmt.Errorf("redis set report: %w", err)
	}
	return nil
}

// Invalidate implements ReportCache.
func (c *Redis) Invalidate(ctx context.Context, sessionID string) error {
	if err := c.rdb.Del(ctx, keyPrefix+sessionID).Err(); err != nil {
		return fmt.Errorf("redis delete report: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (c *Redis) Close() error {
	return c.rdb.Close()
}
