package memory

import (
	"context"
	"sync"

	"go-lifecycle/internal/domain"
)

// Queue is a buffered channel standing in for the redis delivery list.
type Queue struct {
	items chan string
}

func NewQueue(size int) *Queue {
	return &Queue{items: make(chan string, size)}
}

func (q *Queue) Push(ctx context.Context, notificationID string) error {
	select {
	case q.items <- notificationID:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) Pop(ctx context.Context) (string, error) {
	select {
	case id := <-q.items:
		return id, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (q *Queue) Len() int {
	return len(q.items)
}

// AuditLog records published events so tests can assert on them.
type AuditLog struct {
	mu     sync.Mutex
	events []domain.AuditEvent
}

func (a *AuditLog) Publish(_ context.Context, event domain.AuditEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, event)
	return nil
}

func (a *AuditLog) Events() []domain.AuditEvent {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]domain.AuditEvent(nil), a.events...)
}
