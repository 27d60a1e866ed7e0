package infra

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisClientName   = "payfriend"
	redisPingAttempts = 3
)

// NewRedisClient connects to the idempotency and rate-limit store. The
// initial ping is retried briefly so the service can start alongside Redis.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	if url == "" {
		return nil, fmt.Errorf("redis url is required")
	}

	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	opt.ClientName = redisClientName
	if opt.DialTimeout == 0 {
		opt.DialTimeout = 2 * time.Second
	}

	client := redis.NewClient(opt)

	backoff := 200 * time.Millisecond
	for attempt := 1; ; attempt++ {
		err = client.Ping(ctx).Err()
		if err == nil {
			return client, nil
		}
		if attempt == redisPingAttempts {
			break
		}
		select {
		case <-ctx.Done():
			_ = client.Close()
			return nil, fmt.Errorf("ping redis: %w", ctx.Err())
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	_ = client.Close()
	return nil, fmt.Errorf("ping redis: %w", err)
}
