package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go-lifecycle/internal/core/ports"
	"go-lifecycle/internal/domain"
	"go-lifecycle/internal/notification"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// DeliveryWorker drains the notification queue and reports each outcome
// back through the notifier. Delivery is at-least-once.
type DeliveryWorker struct {
	workerID  string
	queue     ports.NotificationQueue
	repo      ports.NotificationRepository
	notifier  *notification.Notifier
	transport ports.Transport
	limiter   *rate.Limiter
	logger    *zap.Logger
	wg        sync.WaitGroup
}

// NewDeliveryWorker builds a worker. A nil limiter means unlimited sends.
func NewDeliveryWorker(q ports.NotificationQueue, repo ports.NotificationRepository, notifier *notification.Notifier, transport ports.Transport, limiter *rate.Limiter, logger *zap.Logger) *DeliveryWorker {
	if limiter == nil {
		limiter = rate.NewLimiter(rate.Inf, 1)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	id := uuid.New().String()
	return &DeliveryWorker{
		workerID:  id,
		queue:     q,
		repo:      repo,
		notifier:  notifier,
		transport: transport,
		limiter:   limiter,
		logger:    logger.With(zap.String("worker_id", id)),
	}
}

// ProcessNext handles exactly one notification lifecycle. It returns
// ports.ErrQueueEmpty when nothing arrived in the poll window.
func (w *DeliveryWorker) ProcessNext(ctx context.Context) error {
	// 1. POP: wait until a notification ID is available
	idStr, err := w.queue.Pop(ctx)
	if err != nil {
		return err
	}

	// 2. FETCH: load the persisted message
	id, err := uuid.Parse(idStr)
	if err != nil {
		w.logger.Warn("dropping malformed notification id", zap.String("id", idStr), zap.Error(err))
		return nil
	}
	n, err := w.repo.GetNotification(ctx, id)
	if err != nil {
		return fmt.Errorf("load notification %s: %w", id, err)
	}
	if n.Status == domain.NotificationSent {
		w.logger.Debug("notification already sent", zap.String("notification_id", id.String()))
		return nil
	}

	// 3. SEND
	if err := w.limiter.Wait(ctx); err != nil {
		return err
	}
	if err := w.transport.Send(ctx, n.Recipient, n.Subject, n.Body); err != nil {
		w.logger.Warn("notification delivery failed",
			zap.String("notification_id", id.String()),
			zap.String("workflow_id", n.WorkflowID.String()),
			zap.Error(err))
		if markErr := w.notifier.MarkFailed(ctx, id, err.Error()); markErr != nil {
			return fmt.Errorf("mark notification %s failed: %w", id, markErr)
		}
		return nil
	}

	// 4. REPORT
	if err := w.notifier.MarkSent(ctx, id); err != nil {
		return fmt.Errorf("mark notification %s sent: %w", id, err)
	}
	w.logger.Debug("notification delivered", zap.String("notification_id", id.String()))
	return nil
}

// StartPool launches concurrent delivery loops that run until ctx is done.
func (w *DeliveryWorker) StartPool(ctx context.Context, concurrency int) {
	if concurrency <= 0 {
		concurrency = 1
	}
	w.logger.Info("starting delivery pool", zap.Int("concurrency", concurrency))

	for i := 0; i < concurrency; i++ {
		w.wg.Add(1)
		go func(threadID int) {
			defer w.wg.Done()
			for {
				select {
				case <-ctx.Done():
					w.logger.Info("delivery thread shutting down", zap.Int("thread", threadID))
					return
				default:
				}
				err := w.ProcessNext(ctx)
				if err == nil || errors.Is(err, ports.ErrQueueEmpty) {
					continue
				}
				if ctx.Err() != nil {
					continue
				}
				w.logger.Error("delivery error", zap.Int("thread", threadID), zap.Error(err))
			}
		}(i)
	}
}

// Wait blocks until every loop started by StartPool has returned.
func (w *DeliveryWorker) Wait() {
	w.wg.Wait()
}
