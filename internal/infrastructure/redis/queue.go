package redis

import (
	"context"
	"errors"
	"time"

	"go-lifecycle/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

// DefaultQueueName is the list notification IDs are pushed to.
const DefaultQueueName = "lifecycle:notifications:pending"

type RedisQueue struct {
	client    *redis.Client
	queueName string
	poll      time.Duration
}

func NewRedisQueue(client *redis.Client) *RedisQueue {
	return &RedisQueue{
		client:    client,
		queueName: DefaultQueueName,
		poll:      5 * time.Second,
	}
}

// WithName returns a copy bound to another list, used to isolate tests.
func (q *RedisQueue) WithName(name string) *RedisQueue {
	cp := *q
	cp.queueName = name
	return &cp
}

// Push adds a notification ID to the end of the list
func (q *RedisQueue) Push(ctx context.Context, notificationID string) error {
	return q.client.RPush(ctx, q.queueName, notificationID).Err()
}

// Pop waits up to the poll interval for an ID and removes it from the front
// of the list. A bounded wait lets workers notice context cancellation.
func (q *RedisQueue) Pop(ctx context.Context) (string, error) {
	result, err := q.client.BLPop(ctx, q.poll, q.queueName).Result()
	if errors.Is(err, redis.Nil) {
		return "", ports.ErrQueueEmpty
	}
	if err != nil {
		return "", err
	}
	// BLPop returns a slice: [QueueName, Element]
	return result[1], nil
}

func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.queueName).Result()
}
