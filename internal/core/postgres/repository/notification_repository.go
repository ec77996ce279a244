package repository

import (
	"context"
	"errors"
	"time"

	"go-lifecycle/internal/core/ports"
	"go-lifecycle/internal/domain"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type notificationRepository struct {
	db *gorm.DB
}

func NewNotificationRepository(db *gorm.DB) ports.NotificationRepository {
	return &notificationRepository{db: db}
}

func (r *notificationRepository) CreateNotification(ctx context.Context, notification *domain.WorkflowNotification) error {
	return translate(r.db.WithContext(ctx).Create(notification).Error)
}

func (r *notificationRepository) GetNotification(ctx context.Context, id uuid.UUID) (*domain.WorkflowNotification, error) {
	var n domain.WorkflowNotification
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&n).Error; err != nil {
		return nil, translate(err)
	}
	return &n, nil
}

func (r *notificationRepository) ListNotifications(ctx context.Context, workflowID uuid.UUID) ([]domain.WorkflowNotification, error) {
	var list []domain.WorkflowNotification
	err := r.db.WithContext(ctx).Where("workflow_id = ?", workflowID).Order("created_at").Find(&list).Error
	return list, translate(err)
}

func (r *notificationRepository) ListStepNotifications(ctx context.Context, stepID uuid.UUID) ([]domain.WorkflowNotification, error) {
	var list []domain.WorkflowNotification
	err := r.db.WithContext(ctx).Where("step_id = ?", stepID).Order("created_at").Find(&list).Error
	return list, translate(err)
}

// MarkNotificationSent is idempotent: a redelivered message that was already
// recorded as SENT is not an error.
func (r *notificationRepository) MarkNotificationSent(ctx context.Context, id uuid.UUID, sentAt time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&domain.WorkflowNotification{}).
		Where("id = ? AND status <> ?", id, domain.NotificationSent).
		Updates(map[string]any{
			"status":        domain.NotificationSent,
			"sent_at":       sentAt,
			"error_message": nil,
			"updated_at":    time.Now(),
		})
	err := conditionalResult(ctx, r.db, &domain.WorkflowNotification{}, id, result)
	if errors.Is(err, domain.ErrStaleState) {
		return nil
	}
	return err
}

// MarkNotificationFailed never downgrades a SENT notification.
func (r *notificationRepository) MarkNotificationFailed(ctx context.Context, id uuid.UUID, errMessage string) error {
	result := r.db.WithContext(ctx).
		Model(&domain.WorkflowNotification{}).
		Where("id = ? AND status <> ?", id, domain.NotificationSent).
		Updates(map[string]any{
			"status":        domain.NotificationFailed,
			"error_message": errMessage,
			"updated_at":    time.Now(),
		})
	return conditionalResult(ctx, r.db, &domain.WorkflowNotification{}, id, result)
}
