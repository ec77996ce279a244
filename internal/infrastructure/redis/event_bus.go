package redis

import (
	"context"
	"encoding/json"

	"go-lifecycle/internal/domain"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultAuditChannel carries every workflow and bulk operation transition.
const DefaultAuditChannel = "lifecycle:audit"

type RedisEventBus struct {
	client  *redis.Client
	channel string
	logger  *zap.Logger
}

func NewRedisEventBus(client *redis.Client, logger *zap.Logger) *RedisEventBus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisEventBus{
		client:  client,
		channel: DefaultAuditChannel,
		logger:  logger,
	}
}

// Publish broadcasts the audit event
func (b *RedisEventBus) Publish(ctx context.Context, event domain.AuditEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}

	return b.client.Publish(ctx, b.channel, payload).Err()
}

// Subscribe opens a continuous stream of audit events. The channel closes
// when ctx is done.
func (b *RedisEventBus) Subscribe(ctx context.Context) (<-chan domain.AuditEvent, error) {
	pubsub := b.client.Subscribe(ctx, b.channel)
	// Wait for the subscription to be confirmed so no event published after
	// Subscribe returns is missed
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, err
	}

	msgChan := make(chan domain.AuditEvent)

	go func() {
		defer close(msgChan)
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var event domain.AuditEvent
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					b.logger.Warn("dropping malformed audit event", zap.Error(err))
					continue
				}
				select {
				case msgChan <- event:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return msgChan, nil
}
