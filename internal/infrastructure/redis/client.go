package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

func NewRedisClient(ctx context.Context, address string, poolSize int) (*redis.Client, error) {
	if poolSize <= 0 {
		poolSize = 100
	}
	client := redis.NewClient(&redis.Options{
		Addr:     address, // e.g., "localhost:6379"
		PoolSize: poolSize,
	})

	// Ping to test connection on startup
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", address, err)
	}

	return client, nil
}
