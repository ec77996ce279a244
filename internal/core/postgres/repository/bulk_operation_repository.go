package repository

import (
	"context"
	"time"

	"go-lifecycle/internal/core/ports"
	"go-lifecycle/internal/domain"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type bulkOperationRepository struct {
	db *gorm.DB
}

func NewBulkOperationRepository(db *gorm.DB) ports.BulkOperationRepository {
	return &bulkOperationRepository{db: db}
}

func (r *bulkOperationRepository) CreateOperation(ctx context.Context, op *domain.BulkOperation) error {
	return translate(r.db.WithContext(ctx).Omit("Results", "History").Create(op).Error)
}

func (r *bulkOperationRepository) GetOperation(ctx context.Context, id uuid.UUID) (*domain.BulkOperation, error) {
	var op domain.BulkOperation
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&op).Error; err != nil {
		return nil, translate(err)
	}
	return &op, nil
}

func (r *bulkOperationRepository) ListOperations(ctx context.Context, query ports.OperationQuery) ([]domain.BulkOperation, int64, error) {
	q := r.db.WithContext(ctx).Model(&domain.BulkOperation{}).Where("tenant_id = ?", query.TenantID)
	if query.Status != "" {
		q = q.Where("status = ?", query.Status)
	}

	var total int64
	if err := q.Session(&gorm.Session{}).Count(&total).Error; err != nil {
		return nil, 0, translate(err)
	}

	if query.Limit > 0 {
		q = q.Limit(query.Limit)
	}
	if query.Offset > 0 {
		q = q.Offset(query.Offset)
	}
	var ops []domain.BulkOperation
	if err := q.Order("created_at DESC").Find(&ops).Error; err != nil {
		return nil, 0, translate(err)
	}
	return ops, total, nil
}

// TransitionOperation doubles as the advisory execution lock: moving
// READY -> IN_PROGRESS succeeds for exactly one caller.
func (r *bulkOperationRepository) TransitionOperation(ctx context.Context, id uuid.UUID, from []domain.OperationStatus, patch domain.OperationPatch) error {
	result := r.db.WithContext(ctx).
		Model(&domain.BulkOperation{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(patch.Columns())
	return conditionalResult(ctx, r.db, &domain.BulkOperation{}, id, result)
}

func (r *bulkOperationRepository) IncrementCounters(ctx context.Context, id uuid.UUID, success, failure int) error {
	result := r.db.WithContext(ctx).
		Model(&domain.BulkOperation{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"success_count": gorm.Expr("success_count + ?", success),
			"failure_count": gorm.Expr("failure_count + ?", failure),
			"updated_at":    time.Now(),
		})
	if result.Error != nil {
		return translate(result.Error)
	}
	if result.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *bulkOperationRepository) CreateResult(ctx context.Context, result *domain.BulkOperationResult) error {
	return translate(r.db.WithContext(ctx).Create(result).Error)
}

func (r *bulkOperationRepository) ListResults(ctx context.Context, operationID uuid.UUID, status domain.ResultStatus) ([]domain.BulkOperationResult, error) {
	q := r.db.WithContext(ctx).Where("bulk_operation_id = ?", operationID)
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var results []domain.BulkOperationResult
	err := q.Order("created_at, user_id").Find(&results).Error
	return results, translate(err)
}

func (r *bulkOperationRepository) AppendOperationHistory(ctx context.Context, entry *domain.BulkOperationHistory) error {
	return translate(r.db.WithContext(ctx).Create(entry).Error)
}

func (r *bulkOperationRepository) ListOperationHistory(ctx context.Context, operationID uuid.UUID) ([]domain.BulkOperationHistory, error) {
	var entries []domain.BulkOperationHistory
	err := r.db.WithContext(ctx).
		Where("bulk_operation_id = ?", operationID).
		Order("created_at, id").
		Find(&entries).Error
	return entries, translate(err)
}
